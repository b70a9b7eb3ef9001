// Package service はビジネスロジックを担当します
// ユーザー作成・会話管理・メッセージの投稿/編集/削除・リアクションのトグルを提供します
package service

import (
	"context"
	"time"

	"messenger-api/internal/idgen"
	"messenger-api/internal/models"
	"messenger-api/internal/repo"
)

// ChatService はチャットのビジネスロジックを提供します
type ChatService struct {
	repo repo.ChatRepo // データ永続化を担当するリポジトリ
	idg  IDGenerator   // エンティティID生成器
}

// IDGenerator はユニークなIDを生成するインターフェース
type IDGenerator interface {
	New() string // 新しいIDを生成
}

// ulidGen はIDGeneratorの実装
type ulidGen struct{}

// New は新しいULIDを生成します
func (ulidGen) New() string { return idgen.NewULID() }

// NewIDGenerator は新しいIDGeneratorを作成します
func NewIDGenerator() IDGenerator {
	return ulidGen{}
}

// NewChatService は新しいChatServiceを作成します
func NewChatService(r repo.ChatRepo, idg IDGenerator) *ChatService {
	return &ChatService{repo: r, idg: idg}
}

// CreateUser はユーザーを作成します
// 同じusernameで二回呼んでも同じユーザーが返ります（冪等なupsert）
func (s *ChatService) CreateUser(ctx context.Context, username string) (models.User, error) {
	candidate := models.User{
		ID:        s.idg.New(),
		Username:  username,
		CreatedAt: time.Now().UTC(),
	}
	return s.repo.UpsertUserByUsername(ctx, candidate)
}

// CreateConversation は会話を作成し、初期メンバーを登録します
func (s *ChatService) CreateConversation(ctx context.Context, title string, memberUserIds []string) (models.Conversation, error) {
	conv := models.Conversation{
		ID:        s.idg.New(),
		Title:     title,
		CreatedAt: time.Now().UTC(),
	}
	if err := s.repo.CreateConversation(ctx, conv, memberUserIds); err != nil {
		return models.Conversation{}, err
	}
	return conv, nil
}

// ListConversations はユーザーがメンバーである会話の一覧を返します（作成日時の降順）
func (s *ChatService) ListConversations(ctx context.Context, userId string) ([]models.Conversation, error) {
	return s.repo.ListConversationsByUser(ctx, userId)
}

// PostMessage はメッセージを投稿します
// 戻り値はauthorとreactionsを含む保存済みメッセージです
func (s *ChatService) PostMessage(ctx context.Context, conversationId, authorId, text string) (models.Message, error) {
	msg := models.Message{
		ID:             s.idg.New(),
		ConversationID: conversationId,
		AuthorID:       authorId,
		Text:           text,
		CreatedAt:      time.Now().UTC(),
		UpdatedAt:      time.Now().UTC(),
	}
	if err := s.repo.CreateMessage(ctx, msg); err != nil {
		return models.Message{}, err
	}
	// author/reactionsを埋めた形で返すため保存後に再読込する
	saved, ok, err := s.repo.GetMessage(ctx, msg.ID)
	if err != nil {
		return models.Message{}, err
	}
	if !ok {
		return models.Message{}, ErrMessageNotFound
	}
	return saved, nil
}

// ListMessages は会話内のメッセージ一覧を返します（作成日時の昇順）
func (s *ChatService) ListMessages(ctx context.Context, conversationId string) ([]models.Message, error) {
	return s.repo.ListMessages(ctx, conversationId)
}

// EditMessage はメッセージ本文を編集します（投稿者本人のみ実行可能）
// 処理の流れ:
// 1. メッセージの存在確認
// 2. リクエストユーザーが投稿者本人かを確認
// 3. 本文を更新して再読込
func (s *ChatService) EditMessage(ctx context.Context, messageId, authorId, text string) (models.Message, error) {
	msg, ok, err := s.repo.GetMessage(ctx, messageId)
	if err != nil {
		return models.Message{}, err
	}
	if !ok {
		return models.Message{}, ErrMessageNotFound
	}
	if msg.AuthorID != authorId {
		return models.Message{}, ErrNotMessageAuthor
	}
	if err := s.repo.UpdateMessageText(ctx, messageId, text); err != nil {
		return models.Message{}, err
	}
	updated, ok, err := s.repo.GetMessage(ctx, messageId)
	if err != nil {
		return models.Message{}, err
	}
	if !ok {
		return models.Message{}, ErrMessageNotFound
	}
	return updated, nil
}

// DeleteMessage はメッセージを削除します（投稿者本人のみ実行可能）
// 戻り値は削除されたメッセージ（通知で会話IDが必要になるため）です
func (s *ChatService) DeleteMessage(ctx context.Context, messageId, authorId string) (models.Message, error) {
	msg, ok, err := s.repo.GetMessage(ctx, messageId)
	if err != nil {
		return models.Message{}, err
	}
	if !ok {
		return models.Message{}, ErrMessageNotFound
	}
	if msg.AuthorID != authorId {
		return models.Message{}, ErrNotMessageAuthor
	}
	if err := s.repo.DeleteMessage(ctx, messageId); err != nil {
		return models.Message{}, err
	}
	return msg, nil
}

// ToggleReaction はリアクションをトグルします
// (messageId, userId, emoji) の組が存在しなければ作成し、存在すれば削除します
// 戻り値: 更新後のメッセージ、対象リアクション、追加されたかどうか（false=削除）、エラー
func (s *ChatService) ToggleReaction(ctx context.Context, messageId, userId, emoji string) (models.Message, models.Reaction, bool, error) {
	_, ok, err := s.repo.GetMessage(ctx, messageId)
	if err != nil {
		return models.Message{}, models.Reaction{}, false, err
	}
	if !ok {
		return models.Message{}, models.Reaction{}, false, ErrMessageNotFound
	}

	existing, found, err := s.repo.FindReaction(ctx, messageId, userId, emoji)
	if err != nil {
		return models.Message{}, models.Reaction{}, false, err
	}

	var reaction models.Reaction
	added := false
	if found {
		if err := s.repo.DeleteReaction(ctx, existing.ID); err != nil {
			return models.Message{}, models.Reaction{}, false, err
		}
		reaction = existing
	} else {
		reaction = models.Reaction{
			ID:        s.idg.New(),
			MessageID: messageId,
			UserID:    userId,
			Emoji:     emoji,
			CreatedAt: time.Now().UTC(),
		}
		if err := s.repo.CreateReaction(ctx, reaction); err != nil {
			return models.Message{}, models.Reaction{}, false, err
		}
		added = true
	}

	updated, ok, err := s.repo.GetMessage(ctx, messageId)
	if err != nil {
		return models.Message{}, models.Reaction{}, false, err
	}
	if !ok {
		return models.Message{}, models.Reaction{}, false, ErrMessageNotFound
	}
	return updated, reaction, added, nil
}
