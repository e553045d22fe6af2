package pusudb

import (
	"bufio"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap/zaptest"

	"github.com/yamigr/pusudb/storage"
	"github.com/yamigr/pusudb/storage/memory"
)

func newTestManager(t *testing.T, options *Options) (*Manager, *httptest.Server) {
	t.Helper()

	if options == nil {
		options = DefaultOptions()
	}
	options.Logger = zaptest.NewLogger(t)

	db := storage.NewDB(options.Logger, memory.NewOpener(), storage.Config{})
	manager, err := NewManager(t.Context(), db, *options)
	if err != nil {
		t.Fatal(err)
	}
	server := httptest.NewServer(manager.HTTPHandler())
	t.Cleanup(func() {
		_ = manager.Close()
		server.Close()
		_ = db.Close()
	})
	return manager, server
}

func dial(t *testing.T, server *httptest.Server, header http.Header) *websocket.Conn {
	t.Helper()

	conn, resp, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(server.URL, "http")+"/api", header)
	if err != nil {
		status := 0
		if resp != nil {
			status = resp.StatusCode
		}
		t.Fatalf("dial failed with status %d: %v", status, err)
	}
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func send(t *testing.T, conn *websocket.Conn, db, meta string, data interface{}) {
	t.Helper()

	if err := conn.WriteJSON(map[string]interface{}{"db": db, "meta": meta, "data": data}); err != nil {
		t.Fatal(err)
	}
}

func receive(t *testing.T, conn *websocket.Conn) map[string]interface{} {
	t.Helper()

	if err := conn.SetReadDeadline(time.Now().Add(2 * time.Second)); err != nil {
		t.Fatal(err)
	}
	var message map[string]interface{}
	if err := conn.ReadJSON(&message); err != nil {
		t.Fatalf("no message received: %v", err)
	}
	return message
}

// expectReplyNext checks that nothing is queued for conn: a reply to a fresh
// request must be the next message, not a notification.
func expectReplyNext(t *testing.T, conn *websocket.Conn) {
	t.Helper()

	send(t, conn, "person", "count", map[string]interface{}{"gte": ""})
	if message := receive(t, conn); message["meta"] != nil {
		t.Fatalf("expected the count reply, got notification %v", message)
	}
}

func request(t *testing.T, method, target, contentType, body string) (int, map[string]interface{}) {
	t.Helper()

	req, err := http.NewRequestWithContext(t.Context(), method, target, strings.NewReader(body))
	if err != nil {
		t.Fatal(err)
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatal(err)
	}
	var decoded map[string]interface{}
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &decoded); err != nil {
			t.Fatalf("response is not json: %q", raw)
		}
	}
	return resp.StatusCode, decoded
}

func TestWebSocketSubscription(t *testing.T) {
	manager, server := newTestManager(t, nil)
	subscriber := dial(t, server, nil)
	writer := dial(t, server, nil)

	send(t, subscriber, "person", "subscribe", ":wsTest")
	if reply := receive(t, subscriber); reply["data"] != "subscribed" || reply["err"] != nil {
		t.Fatalf("unexpected reply %v", reply)
	}

	send(t, writer, "person", "put", map[string]interface{}{"key": ":wsTest", "value": map[string]interface{}{"name": "ada"}})
	if reply := receive(t, writer); reply["data"] != ":wsTest" {
		t.Fatalf("unexpected reply %v", reply)
	}

	notification := receive(t, subscriber)
	if notification["db"] != "person" || notification["meta"] != "put" {
		t.Errorf("unexpected notification %v", notification)
	}
	data := notification["data"].(map[string]interface{})
	if data["key"] != ":wsTest" || data["value"].(map[string]interface{})["name"] != "ada" {
		t.Errorf("unexpected notification data %v", data)
	}

	status, body := request(t, http.MethodPost, server.URL+"/api/person/update", "application/json",
		`{"key":":wsTest","value":{"age":36}}`)
	if status != http.StatusOK || body["data"] != ":wsTest" {
		t.Fatalf("update failed with %d: %v", status, body)
	}

	notification = receive(t, subscriber)
	value := notification["data"].(map[string]interface{})["value"].(map[string]interface{})
	if notification["meta"] != "update" || value["name"] != "ada" || value["age"] != 36.0 {
		t.Errorf("expected the merged value, got %v", notification)
	}
	expectReplyNext(t, subscriber)
	expectReplyNext(t, writer)

	send(t, subscriber, "person", "unsubscribe", ":wsTest")
	if reply := receive(t, subscriber); reply["data"] != "unsubscribed" {
		t.Fatalf("unexpected reply %v", reply)
	}
	send(t, writer, "person", "put", map[string]interface{}{"key": ":wsTest", "value": "again"})
	receive(t, writer)
	expectReplyNext(t, subscriber)

	if manager.ConnectionCount() != 2 {
		t.Errorf("expected 2 connections, got %d", manager.ConnectionCount())
	}
}

func TestWebSocketErrors(t *testing.T) {
	options := DefaultOptions()
	options.BlockedDatabases = []string{"secret"}
	_, server := newTestManager(t, options)
	conn := dial(t, server, nil)

	t.Run("malformed json", func(t *testing.T) {
		if err := conn.WriteMessage(websocket.TextMessage, []byte(`{"db":`)); err != nil {
			t.Fatal(err)
		}
		if reply := receive(t, conn); reply["err"] == nil {
			t.Errorf("expected an error, got %v", reply)
		}
	})

	t.Run("binary frames", func(t *testing.T) {
		if err := conn.WriteMessage(websocket.BinaryMessage, []byte("x")); err != nil {
			t.Fatal(err)
		}
		reply := receive(t, conn)
		if reply["err"] != "Unsupported message type; expected text frame" {
			t.Errorf("unexpected reply %v", reply)
		}
	})

	t.Run("empty data", func(t *testing.T) {
		send(t, conn, "person", "get", nil)
		if reply := receive(t, conn); reply["err"] != "Empty data." {
			t.Errorf("unexpected reply %v", reply)
		}
	})

	t.Run("blocked database", func(t *testing.T) {
		send(t, conn, "secret", "get", ":1")
		reply := receive(t, conn)
		if err, _ := reply["err"].(string); !strings.Contains(err, "not permitted") {
			t.Errorf("unexpected reply %v", reply)
		}
	})
}

func TestWebSocketClose(t *testing.T) {
	manager, server := newTestManager(t, nil)
	conn := dial(t, server, nil)

	send(t, conn, "person", "subscribe", []interface{}{":1", ":#"})
	receive(t, conn)
	if manager.Registry().Len() != 1 {
		t.Fatalf("expected one registered connection, got %d", manager.Registry().Len())
	}

	if err := conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")); err != nil {
		t.Fatal(err)
	}
	waitFor(t, 2*time.Second, func() bool {
		return manager.ConnectionCount() == 0 && manager.Registry().Len() == 0
	})
	if manager.Index().HasWildcards() {
		t.Error("expected the wildcard subscription to be gone")
	}
}

func TestHTTPAPI(t *testing.T) {
	options := DefaultOptions()
	options.BlockedDatabases = []string{"secret"}
	options.CORSAllowOrigin = "*"
	_, server := newTestManager(t, options)
	api := server.URL + "/api"

	status, body := request(t, http.MethodGet, api+"/person/get?key="+url.QueryEscape(":1"), "", "")
	if status != http.StatusNotFound || body["err"] == nil {
		t.Errorf("expected 404 for a missing key, got %d: %v", status, body)
	}

	status, body = request(t, http.MethodPost, api+"/person/put", "application/json", `{"key":":1","value":{"name":"ada"}}`)
	if status != http.StatusOK || body["data"] != ":1" || body["err"] != nil {
		t.Fatalf("put failed with %d: %v", status, body)
	}

	status, body = request(t, http.MethodGet, api+"/person/get?key="+url.QueryEscape(":1"), "", "")
	entry := body["data"].(map[string]interface{})
	if status != http.StatusOK || entry["key"] != ":1" || entry["value"].(map[string]interface{})["name"] != "ada" {
		t.Errorf("unexpected get %d: %v", status, body)
	}

	status, body = request(t, http.MethodPost, api+"/person/put", "application/x-www-form-urlencoded", "key=:2&value=grace")
	if status != http.StatusOK || body["data"] != ":2" {
		t.Errorf("form put failed with %d: %v", status, body)
	}

	status, body = request(t, http.MethodGet, api+"/person/count", "", "")
	if status != http.StatusBadRequest || body["err"] != "Empty data." {
		t.Errorf("expected an empty request, got %d: %v", status, body)
	}

	status, body = request(t, http.MethodGet, api+"/person/count?gte="+url.QueryEscape(":"), "", "")
	if status != http.StatusOK || body["data"] != 2.0 {
		t.Errorf("unexpected count %d: %v", status, body)
	}

	tests := []struct {
		name        string
		method      string
		target      string
		contentType string
		body        string
		status      int
	}{
		{"broken json", http.MethodPost, api + "/person/put", "application/json", `{"key":`, http.StatusBadRequest},
		{"unsupported content type", http.MethodPost, api + "/person/put", "text/xml", `<key/>`, http.StatusBadRequest},
		{"unknown operation", http.MethodPost, api + "/person/shout", "application/json", `{"key":":1"}`, http.StatusBadRequest},
		{"blocked database", http.MethodGet, api + "/secret/get?key=1", "", "", http.StatusForbidden},
		{"unsupported method", http.MethodDelete, api + "/person/del", "", "", http.StatusMethodNotAllowed},
		{"unknown path", http.MethodGet, server.URL + "/nope", "", "", http.StatusNotFound},
		{"subscribe without a socket", http.MethodPost, api + "/person/subscribe", "application/json", `":1"`, http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			status, body := request(t, tt.method, tt.target, tt.contentType, tt.body)
			if status != tt.status {
				t.Errorf("expected %d, got %d: %v", tt.status, status, body)
			}
			if body["err"] == nil {
				t.Errorf("expected an error envelope, got %v", body)
			}
		})
	}

	t.Run("preflight", func(t *testing.T) {
		req, err := http.NewRequestWithContext(t.Context(), http.MethodOptions, api+"/person/put", nil)
		if err != nil {
			t.Fatal(err)
		}
		resp, err := http.DefaultClient.Do(req)
		if err != nil {
			t.Fatal(err)
		}
		resp.Body.Close()

		if resp.StatusCode != http.StatusNoContent || resp.Header.Get("Access-Control-Allow-Origin") != "*" {
			t.Errorf("unexpected preflight %d %v", resp.StatusCode, resp.Header)
		}
	})
}

func TestHTTPMiddleware(t *testing.T) {
	manager, server := newTestManager(t, nil)

	manager.UseBefore(func(ctx context.Context, request *Request, response *Response, next NextFunc) error {
		if request.Meta.Name == "ping" {
			response.End([]byte("pong"), "text/plain")
			return nil
		}
		return next()
	})
	manager.UseAfter(func(ctx context.Context, request *Request, response *Response, next NextFunc) error {
		if request.Meta.Kind == KindPut {
			response.Status = http.StatusCreated
		}
		return next()
	})

	req, err := http.NewRequestWithContext(t.Context(), http.MethodGet, server.URL+"/api/person/ping", nil)
	if err != nil {
		t.Fatal(err)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	raw, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	if string(raw) != "pong" || resp.Header.Get("Content-Type") != "text/plain" {
		t.Errorf("unexpected ping response %q %v", raw, resp.Header)
	}

	status, _ := request(t, http.MethodPost, server.URL+"/api/person/put", "application/json", `{"key":":1","value":1}`)
	if status != http.StatusCreated {
		t.Errorf("expected the after handler's status, got %d", status)
	}
}

func TestConnectMiddleware(t *testing.T) {
	manager, server := newTestManager(t, nil)

	manager.UseConnect(func(ctx context.Context, request *ConnectRequest, w http.ResponseWriter, next NextFunc) error {
		user := request.Request.Header.Get("X-User")
		if user == "" {
			return &Error{Message: "who are you", Code: StatusUnauthorized}
		}
		request.SetAssign("user", user)
		return next()
	})
	manager.Pipeline(ChannelWebSocket).UseBefore(func(ctx context.Context, request *Request, response *Response, next NextFunc) error {
		if request.Assigned("user") != "ada" {
			return &Error{Message: "only ada may write", Code: StatusForbidden}
		}
		return next()
	})

	t.Run("rejects the upgrade", func(t *testing.T) {
		_, resp, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(server.URL, "http")+"/api", nil)
		if err == nil {
			t.Fatal("expected the dial to fail")
		}
		if resp == nil || resp.StatusCode != http.StatusUnauthorized {
			t.Errorf("expected 401, got %v", resp)
		}
	})

	t.Run("assigns reach the pipeline", func(t *testing.T) {
		ada := dial(t, server, http.Header{"X-User": {"ada"}})
		send(t, ada, "person", "put", map[string]interface{}{"key": ":1", "value": 1})
		if reply := receive(t, ada); reply["err"] != nil {
			t.Errorf("unexpected reply %v", reply)
		}

		grace := dial(t, server, http.Header{"X-User": {"grace"}})
		send(t, grace, "person", "put", map[string]interface{}{"key": ":1", "value": 2})
		if reply := receive(t, grace); reply["err"] != "only ada may write" {
			t.Errorf("unexpected reply %v", reply)
		}
	})

	t.Run("rejects event streams", func(t *testing.T) {
		status, body := request(t, http.MethodGet, server.URL+"/api/person/events?topic=:1", "", "")
		if status != http.StatusUnauthorized || body["err"] != "who are you" {
			t.Errorf("unexpected %d: %v", status, body)
		}
	})
}

func TestEventStream(t *testing.T) {
	manager, server := newTestManager(t, nil)

	ctx, cancel := context.WithCancel(t.Context())
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, server.URL+"/api/person/events?topic=:1&topic=:2", nil)
	if err != nil {
		t.Fatal(err)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()

	if resp.Header.Get("Content-Type") != "text/event-stream" {
		t.Fatalf("unexpected content type %q", resp.Header.Get("Content-Type"))
	}
	waitFor(t, 2*time.Second, func() bool {
		return len(manager.Index().Subscribers("person:2")) == 1
	})

	status, _ := request(t, http.MethodPost, server.URL+"/api/person/put", "application/json", `{"key":":2","value":"grace"}`)
	if status != http.StatusOK {
		t.Fatalf("put failed with %d", status)
	}

	lines := make(chan string)
	go func() {
		scanner := bufio.NewScanner(resp.Body)
		for scanner.Scan() {
			if line := scanner.Text(); line != "" && !strings.HasPrefix(line, ":") {
				lines <- line
			}
		}
		close(lines)
	}()

	next := func() string {
		select {
		case line := <-lines:
			return line
		case <-time.After(2 * time.Second):
			t.Fatal("no event received")
			return ""
		}
	}
	if line := next(); line != "event: put" {
		t.Errorf("unexpected event line %q", line)
	}
	want := `data: {"err":null,"db":"person","meta":"put","data":{"key":":2","value":"grace"}}`
	if line := next(); line != want {
		t.Errorf("got %q, want %q", line, want)
	}

	cancel()
	waitFor(t, 2*time.Second, func() bool {
		return manager.ConnectionCount() == 0 && manager.Registry().Len() == 0
	})

	t.Run("requires a topic", func(t *testing.T) {
		status, body := request(t, http.MethodGet, server.URL+"/api/person/events", "", "")
		if status != http.StatusBadRequest || body["err"] != "topic required" {
			t.Errorf("unexpected %d: %v", status, body)
		}
	})
}

func TestManagersSharingLocalPubSub(t *testing.T) {
	pubsub := NewLocalPubSub(zaptest.NewLogger(t), 0)
	t.Cleanup(func() { _ = pubsub.Close() })

	db := storage.NewDB(zaptest.NewLogger(t), memory.NewOpener(), storage.Config{})
	t.Cleanup(func() { _ = db.Close() })

	servers := make([]*httptest.Server, 2)
	for i := range servers {
		options := DefaultOptions()
		options.Logger = zaptest.NewLogger(t)
		options.PubSub = pubsub

		manager, err := NewManager(t.Context(), db, *options)
		if err != nil {
			t.Fatal(err)
		}
		servers[i] = httptest.NewServer(manager.HTTPHandler())
		t.Cleanup(func() {
			_ = manager.Close()
			servers[i].Close()
		})
	}

	subscriber := dial(t, servers[0], nil)
	send(t, subscriber, "person", "subscribe", ":1")
	receive(t, subscriber)

	status, body := request(t, http.MethodPost, servers[1].URL+"/api/person/put", "application/json", `{"key":":1","value":"ada"}`)
	if status != http.StatusOK || body["data"] != ":1" {
		t.Fatalf("put failed with %d: %v", status, body)
	}

	notification := receive(t, subscriber)
	data, _ := notification["data"].(map[string]interface{})
	if notification["meta"] != "put" || data["value"] != "ada" {
		t.Errorf("unexpected notification %v", notification)
	}
	expectReplyNext(t, subscriber)
}
