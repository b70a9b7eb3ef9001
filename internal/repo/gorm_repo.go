package repo

import (
	"context"
	"errors"
	"fmt"

	"gorm.io/gorm"

	"messenger-api/internal/models"
)

// GormChatRepo はGORM（SQLite）によるChatRepoの実装です
type GormChatRepo struct{ db *gorm.DB }

func NewGormChatRepo(db *gorm.DB) *GormChatRepo {
	return &GormChatRepo{db: db}
}

// AutoMigrate はスキーマを作成・更新します（起動時とテストで使用）
func AutoMigrate(db *gorm.DB) error {
	return db.AutoMigrate(
		&models.User{},
		&models.Conversation{},
		&models.Membership{},
		&models.Message{},
		&models.Reaction{},
	)
}

func (r *GormChatRepo) UpsertUserByUsername(ctx context.Context, user models.User) (models.User, error) {
	var out models.User
	// 構造体条件にすることで、作成時にもusernameが引き継がれる
	err := r.db.WithContext(ctx).
		Where(models.User{Username: user.Username}).
		Attrs(models.User{ID: user.ID, CreatedAt: user.CreatedAt}).
		FirstOrCreate(&out).Error
	if err != nil {
		// 同時実行で一意制約に負けた場合は先勝ちした既存行を読み直す
		var existing models.User
		if lookupErr := r.db.WithContext(ctx).
			Where("username = ?", user.Username).
			First(&existing).Error; lookupErr == nil {
			return existing, nil
		}
		return models.User{}, fmt.Errorf("failed to upsert user: %w", err)
	}
	return out, nil
}

func (r *GormChatRepo) CreateConversation(ctx context.Context, conv models.Conversation, memberUserIds []string) error {
	// 会話と初期メンバーシップを同一トランザクションで作成
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(&conv).Error; err != nil {
			return fmt.Errorf("failed to create conversation: %w", err)
		}
		if len(memberUserIds) == 0 {
			return nil
		}
		memberships := make([]models.Membership, 0, len(memberUserIds))
		for _, uid := range memberUserIds {
			memberships = append(memberships, models.Membership{
				UserID:         uid,
				ConversationID: conv.ID,
			})
		}
		if err := tx.Create(&memberships).Error; err != nil {
			return fmt.Errorf("failed to create memberships: %w", err)
		}
		return nil
	})
}

func (r *GormChatRepo) ListConversationsByUser(ctx context.Context, userId string) ([]models.Conversation, error) {
	convs := []models.Conversation{}
	err := r.db.WithContext(ctx).
		Joins("JOIN memberships ON memberships.conversation_id = conversations.id").
		Where("memberships.user_id = ?", userId).
		Order("conversations.created_at DESC").
		Find(&convs).Error
	if err != nil {
		return nil, fmt.Errorf("failed to list conversations: %w", err)
	}
	return convs, nil
}

func (r *GormChatRepo) CreateMessage(ctx context.Context, msg models.Message) error {
	// Author/Reactions は読み取り時に埋めるため、関連の自動保存は行わない
	if err := r.db.WithContext(ctx).Omit("Author", "Reactions").Create(&msg).Error; err != nil {
		return fmt.Errorf("failed to create message: %w", err)
	}
	return nil
}

func (r *GormChatRepo) GetMessage(ctx context.Context, messageId string) (models.Message, bool, error) {
	var msg models.Message
	err := r.db.WithContext(ctx).
		Preload("Author").
		Preload("Reactions").
		First(&msg, "id = ?", messageId).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return models.Message{}, false, nil
	}
	if err != nil {
		return models.Message{}, false, fmt.Errorf("failed to find message: %w", err)
	}
	if msg.Reactions == nil {
		msg.Reactions = []models.Reaction{}
	}
	return msg, true, nil
}

func (r *GormChatRepo) ListMessages(ctx context.Context, conversationId string) ([]models.Message, error) {
	msgs := []models.Message{}
	err := r.db.WithContext(ctx).
		Preload("Author").
		Preload("Reactions").
		Where("conversation_id = ?", conversationId).
		Order("created_at ASC").
		Find(&msgs).Error
	if err != nil {
		return nil, fmt.Errorf("failed to list messages: %w", err)
	}
	for i := range msgs {
		if msgs[i].Reactions == nil {
			msgs[i].Reactions = []models.Reaction{}
		}
	}
	return msgs, nil
}

func (r *GormChatRepo) UpdateMessageText(ctx context.Context, messageId, text string) error {
	result := r.db.WithContext(ctx).
		Model(&models.Message{}).
		Where("id = ?", messageId).
		Update("text", text)
	if err := result.Error; err != nil {
		return fmt.Errorf("failed to update message: %w", err)
	}
	return nil
}

func (r *GormChatRepo) DeleteMessage(ctx context.Context, messageId string) error {
	// メッセージと付随するリアクションを同一トランザクションで削除
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("message_id = ?", messageId).Delete(&models.Reaction{}).Error; err != nil {
			return fmt.Errorf("failed to delete reactions: %w", err)
		}
		if err := tx.Delete(&models.Message{}, "id = ?", messageId).Error; err != nil {
			return fmt.Errorf("failed to delete message: %w", err)
		}
		return nil
	})
}

func (r *GormChatRepo) FindReaction(ctx context.Context, messageId, userId, emoji string) (models.Reaction, bool, error) {
	var reaction models.Reaction
	err := r.db.WithContext(ctx).
		Where("message_id = ? AND user_id = ? AND emoji = ?", messageId, userId, emoji).
		First(&reaction).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return models.Reaction{}, false, nil
	}
	if err != nil {
		return models.Reaction{}, false, fmt.Errorf("failed to find reaction: %w", err)
	}
	return reaction, true, nil
}

func (r *GormChatRepo) CreateReaction(ctx context.Context, reaction models.Reaction) error {
	if err := r.db.WithContext(ctx).Create(&reaction).Error; err != nil {
		return fmt.Errorf("failed to create reaction: %w", err)
	}
	return nil
}

func (r *GormChatRepo) DeleteReaction(ctx context.Context, reactionId string) error {
	if err := r.db.WithContext(ctx).Delete(&models.Reaction{}, "id = ?", reactionId).Error; err != nil {
		return fmt.Errorf("failed to delete reaction: %w", err)
	}
	return nil
}
