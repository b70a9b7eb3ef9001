package handlers

import (
	"log"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"messenger-api/internal/models"
	"messenger-api/internal/service"
)

// ChatHandler はチャットのHTTP APIを処理するハンドラー
// 永続化が成功した変更はRoomHub経由で該当ルームに通知されます
type ChatHandler struct {
	svc *service.ChatService // ビジネスロジックを担当するサービス
	hub *RoomHub             // WebSocket接続を管理するハブ
}

// NewChatHandler は新しいChatHandlerを作成します
func NewChatHandler(s *service.ChatService, hub *RoomHub) *ChatHandler {
	return &ChatHandler{svc: s, hub: hub}
}

type createUserRequest struct {
	Username string `json:"username"`
}

type createConversationRequest struct {
	Title         string   `json:"title"`
	MemberUserIds []string `json:"memberUserIds"`
}

type createMessageRequest struct {
	ConversationID string `json:"conversationId"`
	AuthorID       string `json:"authorId"`
	Text           string `json:"text"`
}

type updateMessageRequest struct {
	Text     string `json:"text"`
	AuthorID string `json:"authorId"`
}

type deleteMessageRequest struct {
	AuthorID string `json:"authorId"`
}

type toggleReactionRequest struct {
	UserID string `json:"userId"`
	Emoji  string `json:"emoji"`
}

// reactionEventPayload はリアクション通知のペイロード
// 追加時は reaction を、削除時は userId/emoji を埋めます
type reactionEventPayload struct {
	MessageID string           `json:"messageId"`          // 対象メッセージのID
	Reaction  *models.Reaction `json:"reaction,omitempty"` // 追加されたリアクション
	UserID    string           `json:"userId,omitempty"`   // 削除したユーザーのID
	Emoji     string           `json:"emoji,omitempty"`    // 削除された絵文字
	Message   models.Message   `json:"message"`            // 更新後のメッセージ全体
}

// deletedEventPayload はメッセージ削除通知のペイロード
type deletedEventPayload struct {
	ID             string `json:"id"`             // 削除されたメッセージのID
	ConversationID string `json:"conversationId"` // 所属していた会話のID
}

// CreateUser はユーザーを作成します（username単位で冪等）
func (h *ChatHandler) CreateUser(w http.ResponseWriter, r *http.Request) {
	var in createUserRequest
	if !decodeJSON(w, r, &in) {
		return
	}
	if strings.TrimSpace(in.Username) == "" {
		respondError(w, http.StatusBadRequest, "username required")
		return
	}

	user, err := h.svc.CreateUser(r.Context(), strings.TrimSpace(in.Username))
	if err != nil {
		log.Printf("Create user error (username=%s): %v", in.Username, err)
		h.writeServiceError(w, err)
		return
	}
	respondJSON(w, http.StatusCreated, user)
}

// CreateConversation は会話を作成し、初期メンバーを登録します
func (h *ChatHandler) CreateConversation(w http.ResponseWriter, r *http.Request) {
	var in createConversationRequest
	if !decodeJSON(w, r, &in) {
		return
	}
	if strings.TrimSpace(in.Title) == "" {
		respondError(w, http.StatusBadRequest, "title required")
		return
	}

	conv, err := h.svc.CreateConversation(r.Context(), strings.TrimSpace(in.Title), in.MemberUserIds)
	if err != nil {
		log.Printf("Create conversation error (title=%s): %v", in.Title, err)
		h.writeServiceError(w, err)
		return
	}
	respondJSON(w, http.StatusCreated, conv)
}

// ListConversations はユーザーがメンバーである会話の一覧を返します（作成日時の降順）
func (h *ChatHandler) ListConversations(w http.ResponseWriter, r *http.Request) {
	userId := normalizeID(r.URL.Query().Get("userId"))
	if err := validateUserId(userId); err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}

	convs, err := h.svc.ListConversations(r.Context(), userId)
	if err != nil {
		log.Printf("List conversations error (userId=%s): %v", userId, err)
		h.writeServiceError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, convs)
}

// CreateMessage はメッセージを投稿し、ルームにmessage:newを通知します
func (h *ChatHandler) CreateMessage(w http.ResponseWriter, r *http.Request) {
	var in createMessageRequest
	if !decodeJSON(w, r, &in) {
		return
	}
	conversationId := normalizeID(in.ConversationID)
	authorId := normalizeID(in.AuthorID)
	if conversationId == "" || authorId == "" || strings.TrimSpace(in.Text) == "" {
		respondError(w, http.StatusBadRequest, "conversationId, authorId, text required")
		return
	}

	msg, err := h.svc.PostMessage(r.Context(), conversationId, authorId, in.Text)
	if err != nil {
		log.Printf("Create message error (conversationId=%s, authorId=%s): %v", conversationId, authorId, err)
		h.writeServiceError(w, err)
		return
	}

	h.hub.BroadcastToRoom(conversationId, WebSocketMessage{Type: "message:new", Payload: msg}, "")
	respondJSON(w, http.StatusCreated, msg)
}

// ListMessages は会話内のメッセージ一覧を返します（作成日時の昇順）
func (h *ChatHandler) ListMessages(w http.ResponseWriter, r *http.Request) {
	conversationId := normalizeID(r.URL.Query().Get("conversationId"))
	if err := validateConversationId(conversationId); err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}

	msgs, err := h.svc.ListMessages(r.Context(), conversationId)
	if err != nil {
		log.Printf("List messages error (conversationId=%s): %v", conversationId, err)
		h.writeServiceError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, msgs)
}

// UpdateMessage はメッセージ本文を編集します（投稿者本人のみ）
// 成功時はルームにmessage:updatedを通知します
func (h *ChatHandler) UpdateMessage(w http.ResponseWriter, r *http.Request) {
	messageId := normalizeID(chi.URLParam(r, "messageId"))
	if err := validateMessageId(messageId); err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	var in updateMessageRequest
	if !decodeJSON(w, r, &in) {
		return
	}
	if strings.TrimSpace(in.Text) == "" || normalizeID(in.AuthorID) == "" {
		respondError(w, http.StatusBadRequest, "text, authorId required")
		return
	}

	msg, err := h.svc.EditMessage(r.Context(), messageId, normalizeID(in.AuthorID), in.Text)
	if err != nil {
		log.Printf("Update message error (messageId=%s, authorId=%s): %v", messageId, in.AuthorID, err)
		h.writeServiceError(w, err)
		return
	}

	h.hub.BroadcastToRoom(msg.ConversationID, WebSocketMessage{Type: "message:updated", Payload: msg}, "")
	respondJSON(w, http.StatusOK, msg)
}

// DeleteMessage はメッセージを削除します（投稿者本人のみ）
// 成功時はルームにmessage:deletedを通知します
func (h *ChatHandler) DeleteMessage(w http.ResponseWriter, r *http.Request) {
	messageId := normalizeID(chi.URLParam(r, "messageId"))
	if err := validateMessageId(messageId); err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	var in deleteMessageRequest
	if !decodeJSON(w, r, &in) {
		return
	}
	if err := validateUserId(in.AuthorID); err != nil {
		respondError(w, http.StatusBadRequest, "authorId required")
		return
	}

	msg, err := h.svc.DeleteMessage(r.Context(), messageId, normalizeID(in.AuthorID))
	if err != nil {
		log.Printf("Delete message error (messageId=%s, authorId=%s): %v", messageId, in.AuthorID, err)
		h.writeServiceError(w, err)
		return
	}

	h.hub.BroadcastToRoom(msg.ConversationID, WebSocketMessage{
		Type:    "message:deleted",
		Payload: deletedEventPayload{ID: msg.ID, ConversationID: msg.ConversationID},
	}, "")
	respondJSON(w, http.StatusOK, map[string]any{"success": true, "id": msg.ID})
}

// ToggleReaction はリアクションをトグルします
// 作成された場合はreaction:addedを、削除された場合はreaction:removedを通知します
func (h *ChatHandler) ToggleReaction(w http.ResponseWriter, r *http.Request) {
	messageId := normalizeID(chi.URLParam(r, "messageId"))
	if err := validateMessageId(messageId); err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	var in toggleReactionRequest
	if !decodeJSON(w, r, &in) {
		return
	}
	userId := normalizeID(in.UserID)
	emoji := strings.TrimSpace(in.Emoji)
	if userId == "" || emoji == "" {
		respondError(w, http.StatusBadRequest, "userId, emoji required")
		return
	}

	msg, reaction, added, err := h.svc.ToggleReaction(r.Context(), messageId, userId, emoji)
	if err != nil {
		log.Printf("Toggle reaction error (messageId=%s, userId=%s): %v", messageId, userId, err)
		h.writeServiceError(w, err)
		return
	}

	if added {
		h.hub.BroadcastToRoom(msg.ConversationID, WebSocketMessage{
			Type: "reaction:added",
			Payload: reactionEventPayload{
				MessageID: messageId,
				Reaction:  &reaction,
				Message:   msg,
			},
		}, "")
	} else {
		h.hub.BroadcastToRoom(msg.ConversationID, WebSocketMessage{
			Type: "reaction:removed",
			Payload: reactionEventPayload{
				MessageID: messageId,
				UserID:    userId,
				Emoji:     emoji,
				Message:   msg,
			},
		}, "")
	}
	respondJSON(w, http.StatusOK, msg)
}

// writeServiceError はサービス層のエラーをHTTPステータスに対応付けます
// 永続化層の失敗は詳細メッセージ付きの400として返します
func (h *ChatHandler) writeServiceError(w http.ResponseWriter, err error) {
	switch err {
	case service.ErrNotMessageAuthor:
		respondError(w, http.StatusForbidden, err.Error())
	case service.ErrMessageNotFound:
		respondError(w, http.StatusNotFound, err.Error())
	default:
		respondError(w, http.StatusBadRequest, err.Error())
	}
}
