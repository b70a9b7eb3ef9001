// Package models はアプリケーションで使用するデータ構造を定義します
package models

import "time"

// User はチャットの利用者を表します
// username は一意で、同名での再作成は既存ユーザーを返します（upsert）
type User struct {
	ID        string    `gorm:"primarykey;size:26" json:"id"`                 // ユーザーの一意な識別子（ULID）
	Username  string    `gorm:"size:64;not null;uniqueIndex" json:"username"` // ユーザー名（一意）
	CreatedAt time.Time `json:"createdAt"`                                    // 作成日時
}

// Conversation は会話（ルーム）を表します
type Conversation struct {
	ID        string    `gorm:"primarykey;size:26" json:"id"`   // 会話の一意な識別子（ULID）
	Title     string    `gorm:"size:200;not null" json:"title"` // 会話のタイトル
	CreatedAt time.Time `json:"createdAt"`                      // 作成日時
}

// Membership はユーザーと会話の多対多の関連を表します
// (userId, conversationId) の組以外に独自の識別子は持ちません
type Membership struct {
	UserID         string `gorm:"primarykey;size:26" json:"userId"`         // ユーザーID
	ConversationID string `gorm:"primarykey;size:26" json:"conversationId"` // 会話ID
}

// Message は会話に投稿されたメッセージを表します
// レスポンスには author と reactions を含めてシリアライズされます
type Message struct {
	ID             string     `gorm:"primarykey;size:26" json:"id"`                 // メッセージの一意な識別子（ULID）
	ConversationID string     `gorm:"size:26;not null;index" json:"conversationId"` // 所属する会話のID
	AuthorID       string     `gorm:"size:26;not null" json:"authorId"`             // 投稿者のユーザーID
	Text           string     `gorm:"size:4000;not null" json:"text"`               // 本文
	CreatedAt      time.Time  `json:"createdAt"`                                    // 投稿日時
	UpdatedAt      time.Time  `json:"updatedAt"`                                    // 最終更新日時
	Author         *User      `gorm:"foreignKey:AuthorID" json:"author,omitempty"`  // 投稿者（読み取り時に埋め込み）
	Reactions      []Reaction `gorm:"foreignKey:MessageID" json:"reactions"`        // リアクション一覧
}

// Reaction はメッセージへの絵文字リアクションを表します
// (messageId, userId, emoji) の組は常に一意で、同じ組での再リアクションはトグル（削除）になります
type Reaction struct {
	ID        string    `gorm:"primarykey;size:26" json:"id"`                                      // リアクションの一意な識別子（ULID）
	MessageID string    `gorm:"size:26;not null;uniqueIndex:idx_reaction_triple" json:"messageId"` // 対象メッセージのID
	UserID    string    `gorm:"size:26;not null;uniqueIndex:idx_reaction_triple" json:"userId"`    // リアクションしたユーザーのID
	Emoji     string    `gorm:"size:16;not null;uniqueIndex:idx_reaction_triple" json:"emoji"`     // 絵文字（短い文字列）
	CreatedAt time.Time `json:"createdAt"`                                                         // 作成日時
}
