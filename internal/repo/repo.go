package repo

import (
	"context"

	"messenger-api/internal/models"
)

// ChatRepo はユーザー・会話・メッセージ・リアクションの永続化を担当するインターフェース
type ChatRepo interface {
	// UpsertUserByUsername は username をキーとした冪等な作成です
	// 既に同名ユーザーが存在する場合は既存レコードを返します
	UpsertUserByUsername(ctx context.Context, user models.User) (models.User, error)

	CreateConversation(ctx context.Context, conv models.Conversation, memberUserIds []string) error
	ListConversationsByUser(ctx context.Context, userId string) ([]models.Conversation, error)

	CreateMessage(ctx context.Context, msg models.Message) error
	// GetMessage は author と reactions を含むメッセージを返します
	GetMessage(ctx context.Context, messageId string) (models.Message, bool, error)
	ListMessages(ctx context.Context, conversationId string) ([]models.Message, error)
	UpdateMessageText(ctx context.Context, messageId, text string) error
	DeleteMessage(ctx context.Context, messageId string) error

	FindReaction(ctx context.Context, messageId, userId, emoji string) (models.Reaction, bool, error)
	CreateReaction(ctx context.Context, reaction models.Reaction) error
	DeleteReaction(ctx context.Context, reactionId string) error
}
