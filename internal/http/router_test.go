package http

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"messenger-api/internal/handlers"
	"messenger-api/internal/repo"
	"messenger-api/internal/service"
)

// newTestServer はインメモリSQLiteと独立したハブでAPI一式を起動します
func newTestServer(t *testing.T) *httptest.Server {
	t.Helper()

	db, err := gorm.Open(sqlite.Open(":memory:?_foreign_keys=on"), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	require.NoError(t, err)
	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	require.NoError(t, repo.AutoMigrate(db))

	svc := service.NewChatService(repo.NewGormChatRepo(db), service.NewIDGenerator())
	hub := handlers.NewRoomHub()
	router := NewRouter(handlers.NewChatHandler(svc, hub), handlers.NewWebSocketHandler(hub), nil)

	srv := httptest.NewServer(router)
	t.Cleanup(srv.Close)
	return srv
}

// doJSON はJSONボディ付きのリクエストを送り、デコード済みレスポンスを返します
func doJSON(t *testing.T, method, url string, body any) (int, map[string]any) {
	t.Helper()

	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req, err := http.NewRequest(method, url, &buf)
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	var decoded map[string]any
	_ = json.NewDecoder(resp.Body).Decode(&decoded)
	return resp.StatusCode, decoded
}

// getJSONList はGETリクエストを送り、配列レスポンスを返します
func getJSONList(t *testing.T, url string) (int, []map[string]any) {
	t.Helper()

	resp, err := http.Get(url)
	require.NoError(t, err)
	defer resp.Body.Close()

	var decoded []map[string]any
	_ = json.NewDecoder(resp.Body).Decode(&decoded)
	return resp.StatusCode, decoded
}

func createUser(t *testing.T, srv *httptest.Server, username string) string {
	t.Helper()
	status, body := doJSON(t, http.MethodPost, srv.URL+"/users", map[string]any{"username": username})
	require.Equal(t, http.StatusCreated, status)
	return body["id"].(string)
}

func createConversation(t *testing.T, srv *httptest.Server, title string, memberIds ...string) string {
	t.Helper()
	status, body := doJSON(t, http.MethodPost, srv.URL+"/conversations", map[string]any{
		"title":         title,
		"memberUserIds": memberIds,
	})
	require.Equal(t, http.StatusCreated, status)
	return body["id"].(string)
}

func postMessage(t *testing.T, srv *httptest.Server, conversationId, authorId, text string) map[string]any {
	t.Helper()
	status, body := doJSON(t, http.MethodPost, srv.URL+"/messages", map[string]any{
		"conversationId": conversationId,
		"authorId":       authorId,
		"text":           text,
	})
	require.Equal(t, http.StatusCreated, status)
	return body
}

// dialWS はテストサーバーにWebSocket接続し、welcomeフレームを読み捨てます
func dialWS(t *testing.T, srv *httptest.Server) *websocket.Conn {
	t.Helper()

	wsURL := strings.Replace(srv.URL, "http", "ws", 1) + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })

	welcome := readFrame(t, conn)
	require.Equal(t, "welcome", welcome["type"])
	require.Equal(t, "connected", welcome["payload"])
	return conn
}

// readFrame はフレームを1件読み取ります（タイムアウト付き）
func readFrame(t *testing.T, conn *websocket.Conn) map[string]any {
	t.Helper()

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	var frame map[string]any
	require.NoError(t, conn.ReadJSON(&frame))
	return frame
}

// readUntilType は指定typeのフレームが届くまで読み進めます
// 途中のusers:onlineなどの通知は読み捨てます
func readUntilType(t *testing.T, conn *websocket.Conn, typ string) map[string]any {
	t.Helper()

	for i := 0; i < 10; i++ {
		frame := readFrame(t, conn)
		if frame["type"] == typ {
			return frame
		}
	}
	t.Fatalf("did not receive frame of type %q", typ)
	return nil
}

// assertNoFrameOfType は一定時間内に指定typeのフレームが届かないことを検証します
func assertNoFrameOfType(t *testing.T, conn *websocket.Conn, typ string) {
	t.Helper()

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(300*time.Millisecond)))
	for {
		var frame map[string]any
		if err := conn.ReadJSON(&frame); err != nil {
			return // タイムアウト＝何も届いていない
		}
		require.NotEqual(t, typ, frame["type"], "受信してはならないフレームが届いた")
	}
}

// joinRoom はjoinを送ってjoined応答を待ちます
func joinRoom(t *testing.T, conn *websocket.Conn, conversationId, userId string) {
	t.Helper()

	msg := map[string]any{"type": "join", "conversationId": conversationId}
	if userId != "" {
		msg["userId"] = userId
	}
	require.NoError(t, conn.WriteJSON(msg))
	joined := readUntilType(t, conn, "joined")
	require.Equal(t, conversationId, joined["conversationId"])
}

func TestHealth(t *testing.T) {
	srv := newTestServer(t)

	status, body := doJSON(t, http.MethodGet, srv.URL+"/health", nil)
	require.Equal(t, http.StatusOK, status)
	require.Equal(t, "ok", body["status"])
}

func TestCreateUser_IdempotentUpsert(t *testing.T) {
	srv := newTestServer(t)

	first := createUser(t, srv, "alice")
	second := createUser(t, srv, "alice")
	require.Equal(t, first, second, "同名での再作成は同じIDを返す")

	status, body := doJSON(t, http.MethodPost, srv.URL+"/users", map[string]any{})
	require.Equal(t, http.StatusBadRequest, status)
	require.Equal(t, "username required", body["error"])
}

func TestCreateConversation_Validation(t *testing.T) {
	srv := newTestServer(t)

	status, body := doJSON(t, http.MethodPost, srv.URL+"/conversations", map[string]any{})
	require.Equal(t, http.StatusBadRequest, status)
	require.Equal(t, "title required", body["error"])

	status, _ = doJSON(t, http.MethodGet, srv.URL+"/conversations", nil)
	require.Equal(t, http.StatusBadRequest, status)
}

func TestListConversations_MembershipFilter(t *testing.T) {
	srv := newTestServer(t)

	alice := createUser(t, srv, "alice")
	bob := createUser(t, srv, "bob")
	general := createConversation(t, srv, "General", alice, bob)
	createConversation(t, srv, "BobOnly", bob)

	status, convs := getJSONList(t, srv.URL+"/conversations?userId="+alice)
	require.Equal(t, http.StatusOK, status)
	require.Len(t, convs, 1)
	require.Equal(t, general, convs[0]["id"])
}

// 仕様シナリオ: alice作成 → General作成 → "hi"投稿 → 履歴取得
func TestMessageScenario(t *testing.T) {
	srv := newTestServer(t)

	alice := createUser(t, srv, "alice")
	general := createConversation(t, srv, "General", alice)
	postMessage(t, srv, general, alice, "hi")

	status, msgs := getJSONList(t, srv.URL+"/messages?conversationId="+general)
	require.Equal(t, http.StatusOK, status)
	require.Len(t, msgs, 1)
	require.Equal(t, "hi", msgs[0]["text"])

	author, ok := msgs[0]["author"].(map[string]any)
	require.True(t, ok)
	require.Equal(t, "alice", author["username"])
}

func TestCreateMessage_UnknownAuthorRejected(t *testing.T) {
	srv := newTestServer(t)

	alice := createUser(t, srv, "alice")
	general := createConversation(t, srv, "General", alice)

	// 実在しないauthorIdは外部キー制約で弾かれ400になる
	status, body := doJSON(t, http.MethodPost, srv.URL+"/messages", map[string]any{
		"conversationId": general,
		"authorId":       "no-such-user",
		"text":           "ghost post",
	})
	require.Equal(t, http.StatusBadRequest, status)
	require.Contains(t, body["error"], "FOREIGN KEY")

	// 行は永続化されていない
	_, msgs := getJSONList(t, srv.URL+"/messages?conversationId="+general)
	require.Empty(t, msgs)
}

func TestCreateMessage_Validation(t *testing.T) {
	srv := newTestServer(t)

	status, body := doJSON(t, http.MethodPost, srv.URL+"/messages", map[string]any{"text": "hi"})
	require.Equal(t, http.StatusBadRequest, status)
	require.Equal(t, "conversationId, authorId, text required", body["error"])

	status, _ = doJSON(t, http.MethodGet, srv.URL+"/messages", nil)
	require.Equal(t, http.StatusBadRequest, status)
}

func TestUpdateMessage_AuthorChecks(t *testing.T) {
	srv := newTestServer(t)

	alice := createUser(t, srv, "alice")
	general := createConversation(t, srv, "General", alice)
	msg := postMessage(t, srv, general, alice, "original")
	msgId := msg["id"].(string)

	// 投稿者以外の編集は403で本文は変わらない
	status, _ := doJSON(t, http.MethodPatch, srv.URL+"/messages/"+msgId, map[string]any{
		"text": "tampered", "authorId": "someone-else",
	})
	require.Equal(t, http.StatusForbidden, status)

	_, msgs := getJSONList(t, srv.URL+"/messages?conversationId="+general)
	require.Equal(t, "original", msgs[0]["text"])

	status, body := doJSON(t, http.MethodPatch, srv.URL+"/messages/"+msgId, map[string]any{
		"text": "edited", "authorId": alice,
	})
	require.Equal(t, http.StatusOK, status)
	require.Equal(t, "edited", body["text"])

	status, _ = doJSON(t, http.MethodPatch, srv.URL+"/messages/missing", map[string]any{
		"text": "x", "authorId": alice,
	})
	require.Equal(t, http.StatusNotFound, status)
}

func TestDeleteMessage(t *testing.T) {
	srv := newTestServer(t)

	alice := createUser(t, srv, "alice")
	general := createConversation(t, srv, "General", alice)
	msg := postMessage(t, srv, general, alice, "to be deleted")
	msgId := msg["id"].(string)

	status, _ := doJSON(t, http.MethodDelete, srv.URL+"/messages/"+msgId, map[string]any{"authorId": "someone-else"})
	require.Equal(t, http.StatusForbidden, status)

	status, body := doJSON(t, http.MethodDelete, srv.URL+"/messages/"+msgId, map[string]any{"authorId": alice})
	require.Equal(t, http.StatusOK, status)
	require.Equal(t, true, body["success"])
	require.Equal(t, msgId, body["id"])

	_, msgs := getJSONList(t, srv.URL+"/messages?conversationId="+general)
	require.Empty(t, msgs)
}

func TestToggleReaction_OverHTTP(t *testing.T) {
	srv := newTestServer(t)

	alice := createUser(t, srv, "alice")
	general := createConversation(t, srv, "General", alice)
	msg := postMessage(t, srv, general, alice, "react to me")
	msgId := msg["id"].(string)
	reactionURL := srv.URL + "/messages/" + msgId + "/reactions"

	status, body := doJSON(t, http.MethodPost, reactionURL, map[string]any{"userId": alice, "emoji": "👍"})
	require.Equal(t, http.StatusOK, status)
	require.Len(t, body["reactions"], 1)

	// 同じ組で二度目はトグルで0件に戻る
	status, body = doJSON(t, http.MethodPost, reactionURL, map[string]any{"userId": alice, "emoji": "👍"})
	require.Equal(t, http.StatusOK, status)
	require.Empty(t, body["reactions"])

	status, _ = doJSON(t, http.MethodPost, srv.URL+"/messages/missing/reactions", map[string]any{"userId": alice, "emoji": "👍"})
	require.Equal(t, http.StatusNotFound, status)

	status, _ = doJSON(t, http.MethodPost, reactionURL, map[string]any{"userId": alice})
	require.Equal(t, http.StatusBadRequest, status)
}

// 仕様シナリオ: ルームAの2接続はmessage:newを1回ずつ受信し、ルームBの接続は何も受信しない
func TestWebSocketFanout(t *testing.T) {
	srv := newTestServer(t)

	alice := createUser(t, srv, "alice")
	roomA := createConversation(t, srv, "RoomA", alice)
	roomB := createConversation(t, srv, "RoomB", alice)

	connA1 := dialWS(t, srv)
	connA2 := dialWS(t, srv)
	connB := dialWS(t, srv)
	joinRoom(t, connA1, roomA, "u1")
	joinRoom(t, connA2, roomA, "u2")
	joinRoom(t, connB, roomB, "u3")

	msg := postMessage(t, srv, roomA, alice, "hello room A")

	for _, conn := range []*websocket.Conn{connA1, connA2} {
		frame := readUntilType(t, conn, "message:new")
		payload := frame["payload"].(map[string]any)
		require.Equal(t, msg["id"], payload["id"])
		require.Equal(t, "hello room A", payload["text"])
		// 1回だけ届く
		assertNoFrameOfType(t, conn, "message:new")
	}
	assertNoFrameOfType(t, connB, "message:new")
}

// 仕様シナリオ: joinしていない接続はルーム宛のイベントを一切受信しない
func TestUnjoinedConnectionReceivesNothing(t *testing.T) {
	srv := newTestServer(t)

	alice := createUser(t, srv, "alice")
	room := createConversation(t, srv, "General", alice)

	unjoined := dialWS(t, srv)
	member := dialWS(t, srv)
	joinRoom(t, member, room, "u1")

	postMessage(t, srv, room, alice, "hi")
	readUntilType(t, member, "message:new")

	assertNoFrameOfType(t, unjoined, "message:new")
}

// 仕様シナリオ: typingは同じユーザーIDの接続には中継されない
func TestTypingSelfExclusion(t *testing.T) {
	srv := newTestServer(t)

	alice := createUser(t, srv, "alice")
	room := createConversation(t, srv, "General", alice)

	sender := dialWS(t, srv)
	senderOther := dialWS(t, srv) // 送信者と同じユーザーIDの別接続
	peer := dialWS(t, srv)
	joinRoom(t, sender, room, "u1")
	joinRoom(t, senderOther, room, "u1")
	joinRoom(t, peer, room, "u2")

	require.NoError(t, sender.WriteJSON(map[string]any{
		"type": "typing", "userId": "u1", "username": "Alice", "conversationId": room,
	}))

	frame := readUntilType(t, peer, "typing")
	payload := frame["payload"].(map[string]any)
	require.Equal(t, "u1", payload["userId"])
	require.Equal(t, "Alice", payload["username"])
	require.Equal(t, room, payload["conversationId"])

	assertNoFrameOfType(t, sender, "typing")
	assertNoFrameOfType(t, senderOther, "typing")
}

func TestOnlineUsersBroadcast(t *testing.T) {
	srv := newTestServer(t)

	alice := createUser(t, srv, "alice")
	room := createConversation(t, srv, "General", alice)

	conn1 := dialWS(t, srv)
	joinRoom(t, conn1, room, "u1")

	conn2 := dialWS(t, srv)
	joinRoom(t, conn2, room, "u2")

	// conn1には自分のjoin分の[u1]が先に届くため、期待する人数まで読み進める
	waitOnline := func(want []any) {
		t.Helper()
		for i := 0; i < 10; i++ {
			frame := readUntilType(t, conn1, "users:online")
			payload := frame["payload"].(map[string]any)
			require.Equal(t, room, payload["conversationId"])
			ids := payload["userIds"].([]any)
			if len(ids) == len(want) {
				require.ElementsMatch(t, want, ids)
				return
			}
		}
		t.Fatalf("did not receive users:online with %d ids", len(want))
	}

	// conn2の参加で両ユーザーを含むオンライン一覧が流れる
	waitOnline([]any{"u1", "u2"})

	// conn2の切断でu1だけの一覧が流れる
	conn2.Close()
	waitOnline([]any{"u1"})
}

func TestJoinTrimsUserId(t *testing.T) {
	srv := newTestServer(t)

	alice := createUser(t, srv, "alice")
	room := createConversation(t, srv, "General", alice)

	conn := dialWS(t, srv)
	// 前後に空白のあるuserIdはトリムされて登録される
	joinRoom(t, conn, room, "  u1  ")

	frame := readUntilType(t, conn, "users:online")
	payload := frame["payload"].(map[string]any)
	require.Equal(t, room, payload["conversationId"])
	require.Equal(t, []any{"u1"}, payload["userIds"])
}

func TestMalformedFrameKeepsConnection(t *testing.T) {
	srv := newTestServer(t)

	alice := createUser(t, srv, "alice")
	room := createConversation(t, srv, "General", alice)

	conn := dialWS(t, srv)
	peer := dialWS(t, srv)
	joinRoom(t, peer, room, "u2")

	// 不正なJSONは送信元にのみエラーを返し、接続も状態も維持される
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte("not json")))
	frame := readFrame(t, conn)
	require.Equal(t, "error", frame["type"])
	require.Equal(t, "invalid json", frame["payload"])

	assertNoFrameOfType(t, peer, "error")

	// 同じ接続でそのままjoinできる
	joinRoom(t, conn, room, "u1")
}

func TestJoinWithoutConversationIdIsIgnored(t *testing.T) {
	srv := newTestServer(t)

	alice := createUser(t, srv, "alice")
	room := createConversation(t, srv, "General", alice)

	conn := dialWS(t, srv)
	joinRoom(t, conn, room, "u1")

	// conversationIdのないjoinは黙って無視され、以前の所属が維持される
	require.NoError(t, conn.WriteJSON(map[string]any{"type": "join"}))

	postMessage(t, srv, room, alice, "still here")
	frame := readUntilType(t, conn, "message:new")
	require.Equal(t, "still here", frame["payload"].(map[string]any)["text"])
}
