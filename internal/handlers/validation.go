package handlers

import "fmt"

// validateUserId はユーザーIDのバリデーションを行います
// ユーザーIDが空の場合はエラーを返します
func validateUserId(userId string) error {
	if normalizeID(userId) == "" {
		return fmt.Errorf("userId required")
	}
	return nil
}

// validateConversationId は会話IDのバリデーションを行います
// 会話IDが空の場合はエラーを返します
func validateConversationId(conversationId string) error {
	if normalizeID(conversationId) == "" {
		return fmt.Errorf("conversationId required")
	}
	return nil
}

// validateMessageId はメッセージIDのバリデーションを行います
// メッセージIDが空の場合はエラーを返します
func validateMessageId(messageId string) error {
	if normalizeID(messageId) == "" {
		return fmt.Errorf("messageId required")
	}
	return nil
}
