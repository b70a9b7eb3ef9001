package handlers

import (
	"encoding/json"
	"log"
	"net/http"
	"sort"
	"sync"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

// wsConn は接続に要求する最小限の送信能力
// テストではフェイク実装を登録できます
type wsConn interface {
	WriteJSON(v any) error
}

// RoomHub は会話ルームごとのWebSocket接続を管理します
// スレッドセーフな実装により、複数のgoroutineから同時にアクセス可能です
type RoomHub struct {
	rooms map[string]map[*Client]bool // 会話IDをキーとした接続集合のマップ
	mu    sync.RWMutex                // 読み書きのロック（clientのroom/user付け替えも保護）
}

// Client は1つのWebSocket接続を表します
// 接続は常に高々1つのルームにのみ所属し、joinで別ルームに移動します
type Client struct {
	id     string     // 接続ID（ログ用）
	conn   wsConn     // WebSocket接続
	sendMu sync.Mutex // 同一接続への書き込みを直列化するロック
	roomId string     // 参加中の会話ID（未参加なら空）
	userId string     // 接続を操作しているユーザーのID（未申告なら空）
}

// send はメッセージを1件送信します
// gorilla/websocket は並行書き込みを許さないため、接続単位で直列化します
func (c *Client) send(msg any) error {
	c.sendMu.Lock()
	defer c.sendMu.Unlock()
	return c.conn.WriteJSON(msg)
}

// WebSocketMessage はWebSocketで送受信するメッセージの構造
// すべてのメッセージはこの形式でやり取りされます
type WebSocketMessage struct {
	Type    string `json:"type"`              // メッセージタイプ (例: "message:new", "typing")
	Payload any    `json:"payload,omitempty"` // メッセージのペイロード（型は動的）
}

// joinedMessage はjoin成功時の応答の構造
// 互換性のため conversationId は payload ではなくトップレベルに置きます
type joinedMessage struct {
	Type           string `json:"type"`           // 常に "joined"
	ConversationID string `json:"conversationId"` // 参加した会話のID
}

// inboundMessage はクライアントから受信するメッセージの構造
type inboundMessage struct {
	Type           string `json:"type"`                     // "join" / "typing" / "ping"
	ConversationID string `json:"conversationId,omitempty"` // join/typing の対象会話ID
	UserID         string `json:"userId,omitempty"`         // 送信者のユーザーID
	Username       string `json:"username,omitempty"`       // 送信者のユーザー名（typing通知用）
}

// TypingPayload はタイピング中継イベントのペイロード
type TypingPayload struct {
	UserID         string `json:"userId"`         // タイピング中のユーザーのID
	Username       string `json:"username"`       // タイピング中のユーザー名
	ConversationID string `json:"conversationId"` // 対象の会話ID
}

// OnlineUsersPayload はオンラインユーザー通知のペイロード
type OnlineUsersPayload struct {
	ConversationID string   `json:"conversationId"` // 対象の会話ID
	UserIDs        []string `json:"userIds"`        // ルームに接続中のユーザーID一覧
}

// NewRoomHub は新しいRoomHubを作成します
// プロセスのエントリポイントで生成し、各ハンドラーに注入してください
func NewRoomHub() *RoomHub {
	return &RoomHub{rooms: make(map[string]map[*Client]bool)}
}

// Register は接続をハブに登録します（この時点ではどのルームにも未参加）
func (hub *RoomHub) Register(conn wsConn) *Client {
	return &Client{
		id:   uuid.NewString(),
		conn: conn,
	}
}

// Join は接続を指定の会話ルームに参加させます
// 既に別のルームに参加している場合は移動します（複数ルームの同時参加はなし）
// userIdが空でない場合は接続にユーザーを関連付けます
// 会話IDの実在確認は行いません（未知のIDは空のルームとして扱われる）
func (hub *RoomHub) Join(client *Client, conversationId, userId string) {
	hub.mu.Lock()
	defer hub.mu.Unlock()

	if client.roomId != "" && client.roomId != conversationId {
		hub.removeLocked(client)
	}

	room, exists := hub.rooms[conversationId]
	if !exists {
		room = make(map[*Client]bool)
		hub.rooms[conversationId] = room
	}
	room[client] = true

	client.roomId = conversationId
	if userId != "" {
		client.userId = userId
	}
}

// Unregister は接続の登録を解除します
// WebSocket接続が切断された際に呼ばれます
// 戻り値は参加していた会話ID（未参加なら空）です
func (hub *RoomHub) Unregister(client *Client) string {
	hub.mu.Lock()
	defer hub.mu.Unlock()
	roomId := client.roomId
	hub.removeLocked(client)
	return roomId
}

// removeLocked は接続を現在のルームから外します（hub.mu保持中に呼ぶこと）
// ルームが空になった場合はルーム自体を削除します
func (hub *RoomHub) removeLocked(client *Client) {
	if client.roomId == "" {
		return
	}
	if room, ok := hub.rooms[client.roomId]; ok {
		delete(room, client)
		if len(room) == 0 {
			delete(hub.rooms, client.roomId)
		}
	}
	client.roomId = ""
}

// OnlineUserIds はルームに接続中のユーザーID一覧を返します（重複なし、昇順）
// ユーザー未申告の接続はカウントしません
func (hub *RoomHub) OnlineUserIds(conversationId string) []string {
	hub.mu.RLock()
	defer hub.mu.RUnlock()

	seen := make(map[string]bool)
	for client := range hub.rooms[conversationId] {
		if client.userId != "" {
			seen[client.userId] = true
		}
	}
	ids := make([]string, 0, len(seen))
	for id := range seen {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// BroadcastToRoom はルーム内の全接続にメッセージを送信します
// excludeUserIdが空でない場合、そのユーザーIDが関連付いた接続には送信しません
// 送信はベストエフォートで、失敗はログに残すだけで再送しません
func (hub *RoomHub) BroadcastToRoom(conversationId string, msg WebSocketMessage, excludeUserId string) {
	hub.mu.RLock()
	defer hub.mu.RUnlock()

	for client := range hub.rooms[conversationId] {
		if excludeUserId != "" && client.userId == excludeUserId {
			continue
		}
		if err := client.send(msg); err != nil {
			log.Printf("Failed to send message to connId=%s: %v", client.id, err)
		}
	}
}

// WebSocketHandler はWebSocket接続を処理するハンドラー
type WebSocketHandler struct {
	hub      *RoomHub           // WebSocket接続を管理するハブ
	upgrader websocket.Upgrader // HTTPからWebSocketへのアップグレーダー
}

// NewWebSocketHandler は新しいWebSocketHandlerを作成します
func NewWebSocketHandler(hub *RoomHub) *WebSocketHandler {
	return &WebSocketHandler{
		hub: hub,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool {
				// 本番環境では適切なOriginチェックを実装してください
				return true
			},
		},
	}
}

// HandleWebSocket はWebSocket接続を処理します
// 接続後、以下の処理を行います:
// 1. HTTPからWebSocketへのアップグレード
// 2. welcomeメッセージの送信
// 3. メッセージ受信ループの開始（join/typing/pingを処理）
// 4. 切断時のクリーンアップとオンラインユーザー通知
func (h *WebSocketHandler) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("WebSocket upgrade error: %v", err)
		return
	}

	client := h.hub.Register(conn)
	defer func() {
		roomId := h.hub.Unregister(client)
		conn.Close()
		if roomId != "" {
			// 残っている参加者にオンラインユーザーの変化を通知
			h.broadcastOnlineUsers(roomId)
		}
		log.Printf("WebSocket disconnected: connId=%s", client.id)
	}()

	log.Printf("WebSocket connected: connId=%s", client.id)

	if err := client.send(WebSocketMessage{Type: "welcome", Payload: "connected"}); err != nil {
		log.Printf("Failed to send welcome: connId=%s: %v", client.id, err)
		return
	}

	// メッセージ受信ループ
	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				log.Printf("WebSocket error: connId=%s: %v", client.id, err)
			}
			break
		}

		var msg inboundMessage
		if err := json.Unmarshal(raw, &msg); err != nil {
			// 不正なペイロードは送信元にのみエラーを返し、状態は変更しない
			if err := client.send(WebSocketMessage{Type: "error", Payload: "invalid json"}); err != nil {
				log.Printf("Failed to send error: connId=%s: %v", client.id, err)
				break
			}
			continue
		}

		// メッセージタイプに応じて処理
		switch msg.Type {
		case "join":
			h.handleJoin(client, msg)
		case "typing":
			h.handleTyping(client, msg)
		case "ping":
			// ping/pongで接続を維持
			if err := client.send(WebSocketMessage{Type: "pong"}); err != nil {
				log.Printf("Failed to send pong: connId=%s: %v", client.id, err)
				return
			}
		default:
			log.Printf("Unknown message type: %s", msg.Type)
		}
	}
}

// handleJoin は会話ルームへの参加を処理します
// 処理の流れ:
// 1. 会話IDの検証（空なら黙って無視し、以前のルーム所属は維持）
// 2. ハブ上でルームを付け替え
// 3. 本人にjoined応答を返す
// 4. ルームにオンラインユーザーの変化を通知
func (h *WebSocketHandler) handleJoin(client *Client, msg inboundMessage) {
	conversationId := normalizeID(msg.ConversationID)
	if conversationId == "" {
		// 不正なjoinはクライアントに観測可能な影響を与えない
		log.Printf("Ignoring join without conversationId: connId=%s", client.id)
		return
	}

	userId := normalizeID(msg.UserID)
	h.hub.Join(client, conversationId, userId)

	if err := client.send(joinedMessage{
		Type:           "joined",
		ConversationID: conversationId,
	}); err != nil {
		log.Printf("Failed to send joined: connId=%s: %v", client.id, err)
		return
	}

	h.broadcastOnlineUsers(conversationId)

	log.Printf("WebSocket joined room: connId=%s, conversationId=%s, userId=%s", client.id, conversationId, userId)
}

// handleTyping はタイピング中のシグナルをルームの他の参加者に中継します
// 送信者自身のユーザーIDが関連付いた接続には送信しません
func (h *WebSocketHandler) handleTyping(client *Client, msg inboundMessage) {
	conversationId := normalizeID(msg.ConversationID)
	if conversationId == "" {
		return
	}

	h.hub.BroadcastToRoom(conversationId, WebSocketMessage{
		Type: "typing",
		Payload: TypingPayload{
			UserID:         msg.UserID,
			Username:       msg.Username,
			ConversationID: conversationId,
		},
	}, msg.UserID)
}

// broadcastOnlineUsers はルームの現在のオンラインユーザー一覧を通知します
func (h *WebSocketHandler) broadcastOnlineUsers(conversationId string) {
	h.hub.BroadcastToRoom(conversationId, WebSocketMessage{
		Type: "users:online",
		Payload: OnlineUsersPayload{
			ConversationID: conversationId,
			UserIDs:        h.hub.OnlineUserIds(conversationId),
		},
	}, "")
}
