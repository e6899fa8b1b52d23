package connection

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

// staticToken implements TokenProvider for testing.
type staticToken struct {
	mu    sync.Mutex
	token string
	err   error
}

func (s *staticToken) AccessToken(ctx context.Context) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.token, s.err
}

func (s *staticToken) set(token string) {
	s.mu.Lock()
	s.token = token
	s.mu.Unlock()
}

// mockWSServer creates a test WebSocket server.
func mockWSServer(t *testing.T, handler func(*websocket.Conn, *http.Request)) *httptest.Server {
	upgrader := websocket.Upgrader{
		CheckOrigin: func(r *http.Request) bool { return true },
	}

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			t.Logf("upgrade error: %v", err)
			return
		}
		defer conn.Close()
		handler(conn, r)
	}))

	return server
}

// holdOpen keeps a server connection open until the client goes away.
func holdOpen(conn *websocket.Conn, r *http.Request) {
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}

func wsURL(server *httptest.Server) string {
	return "ws" + strings.TrimPrefix(server.URL, "http")
}

func testClientConfig(server *httptest.Server) ClientConfig {
	return ClientConfig{
		URL:          wsURL(server),
		PingInterval: 30 * time.Second,
		PingTimeout:  60 * time.Second,
		WriteTimeout: 5 * time.Second,
	}
}

func TestClient_Connect(t *testing.T) {
	seen := make(chan *http.Request, 1)
	server := mockWSServer(t, func(conn *websocket.Conn, r *http.Request) {
		seen <- r
		holdOpen(conn, r)
	})
	defer server.Close()

	client := NewClient(testClientConfig(server), &staticToken{token: "tok-1"}, nil)

	if client.State() != ReadyClosed {
		t.Errorf("initial State() = %v, want closed", client.State())
	}

	if err := client.Connect(context.Background(), "/ws/user/devices"); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}

	if !client.IsConnected() {
		t.Error("expected IsConnected to return true")
	}
	if client.State() != ReadyOpen {
		t.Errorf("State() = %v, want open", client.State())
	}
	select {
	case r := <-seen:
		if r.URL.Path != "/ws/user/devices" {
			t.Errorf("path = %q, want /ws/user/devices", r.URL.Path)
		}
		if got := r.URL.Query().Get("token"); got != "tok-1" {
			t.Errorf("token = %q, want tok-1", got)
		}
	case <-time.After(time.Second):
		t.Fatal("server never saw the connection")
	}
	if client.Stats().Opens != 1 {
		t.Errorf("Opens = %d, want 1", client.Stats().Opens)
	}
	if client.Token() != "tok-1" {
		t.Errorf("Token() = %q, want tok-1", client.Token())
	}

	if err := client.Disconnect(); err != nil {
		t.Errorf("Disconnect failed: %v", err)
	}
	if client.IsConnected() {
		t.Error("expected IsConnected to return false after Disconnect")
	}
	if client.Token() != "" {
		t.Errorf("Token() = %q after Disconnect, want empty", client.Token())
	}
	if client.State() != ReadyClosed {
		t.Errorf("State() = %v, want closed", client.State())
	}

	// Second disconnect is a no-op
	if err := client.Disconnect(); err != nil {
		t.Errorf("second Disconnect failed: %v", err)
	}
}

func TestClient_ConnectNoToken(t *testing.T) {
	t.Run("empty token", func(t *testing.T) {
		client := NewClient(ClientConfig{URL: "ws://127.0.0.1:1"}, &staticToken{}, nil)
		err := client.Connect(context.Background(), "/ws")
		if !errors.Is(err, ErrNoToken) {
			t.Errorf("error = %v, want ErrNoToken", err)
		}
	})

	t.Run("provider error", func(t *testing.T) {
		cause := errors.New("store unavailable")
		client := NewClient(ClientConfig{URL: "ws://127.0.0.1:1"}, &staticToken{err: cause}, nil)
		err := client.Connect(context.Background(), "/ws")
		if !errors.Is(err, ErrNoToken) || !errors.Is(err, cause) {
			t.Errorf("error = %v, want ErrNoToken wrapping cause", err)
		}
	})
}

func TestClient_HandshakeRejected(t *testing.T) {
	tests := []struct {
		status   int
		wantAuth bool
	}{
		{http.StatusUnauthorized, true},
		{http.StatusForbidden, true},
		{http.StatusInternalServerError, false},
	}

	for _, tt := range tests {
		t.Run(http.StatusText(tt.status), func(t *testing.T) {
			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				http.Error(w, "nope", tt.status)
			}))
			defer server.Close()

			client := NewClient(testClientConfig(server), &staticToken{token: "t"}, nil)
			err := client.Connect(context.Background(), "/ws/user/devices")

			var rejected *AuthRejectedError
			var transient *TransientError
			if tt.wantAuth {
				if !errors.As(err, &rejected) {
					t.Fatalf("error = %v, want *AuthRejectedError", err)
				}
				if rejected.StatusCode != tt.status {
					t.Errorf("StatusCode = %d, want %d", rejected.StatusCode, tt.status)
				}
			} else if !errors.As(err, &transient) {
				t.Errorf("error = %v, want *TransientError", err)
			}
			if client.State() != ReadyClosed {
				t.Errorf("State() = %v, want closed", client.State())
			}
		})
	}
}

func TestClient_DialFailureIsTransient(t *testing.T) {
	server := httptest.NewServer(http.NotFoundHandler())
	url := wsURL(server)
	server.Close()

	client := NewClient(ClientConfig{URL: url, HandshakeTimeout: time.Second}, &staticToken{token: "t"}, nil)
	err := client.Connect(context.Background(), "/ws")

	var transient *TransientError
	if !errors.As(err, &transient) {
		t.Errorf("error = %v, want *TransientError", err)
	}
}

func TestClient_Dispatch(t *testing.T) {
	frames := []string{
		`{"type":"device_update","deviceId":"d1","data":{"battery_level":50}}`,
		`not json`,
		`{"deviceId":"d1"}`,
		`{"type":"connection","data":{"status":"ok"}}`,
	}

	server := mockWSServer(t, func(conn *websocket.Conn, r *http.Request) {
		for _, f := range frames {
			if err := conn.WriteMessage(websocket.TextMessage, []byte(f)); err != nil {
				return
			}
		}
		holdOpen(conn, r)
	})
	defer server.Close()

	client := NewClient(testClientConfig(server), &staticToken{token: "t"}, nil)

	var mu sync.Mutex
	var order []string
	record := func(tag string) Handler {
		return func(msg Message) {
			mu.Lock()
			defer mu.Unlock()
			order = append(order, tag+":"+msg.Type)
			if msg.ReceivedAt.IsZero() {
				t.Error("ReceivedAt should not be zero")
			}
		}
	}
	client.On(TypeDeviceUpdate, record("specific"))
	client.On(WildcardType, record("all"))

	if err := client.Connect(context.Background(), "/ws"); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}
	defer client.Disconnect()

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		mu.Lock()
		n := len(order)
		mu.Unlock()
		if n >= 3 {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}

	mu.Lock()
	defer mu.Unlock()
	want := []string{"specific:device_update", "all:device_update", "all:connection"}
	if len(order) != len(want) {
		t.Fatalf("order = %v, want %v", order, want)
	}
	for i := range want {
		if order[i] != want[i] {
			t.Errorf("order[%d] = %q, want %q", i, order[i], want[i])
		}
	}

	stats := client.Stats()
	if stats.MessagesReceived != 4 {
		t.Errorf("MessagesReceived = %d, want 4", stats.MessagesReceived)
	}
	if stats.ParseErrors != 2 {
		t.Errorf("ParseErrors = %d, want 2", stats.ParseErrors)
	}
}

func TestClient_Off(t *testing.T) {
	server := mockWSServer(t, func(conn *websocket.Conn, r *http.Request) {
		time.Sleep(50 * time.Millisecond)
		conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"device_update"}`))
		holdOpen(conn, r)
	})
	defer server.Close()

	client := NewClient(testClientConfig(server), &staticToken{token: "t"}, nil)

	var calls atomic.Int32
	client.On(WildcardType, func(Message) { calls.Add(1) })
	client.Off(WildcardType)

	if err := client.Connect(context.Background(), "/ws"); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}
	defer client.Disconnect()

	time.Sleep(150 * time.Millisecond)
	if calls.Load() != 0 {
		t.Errorf("handler called %d times after Off", calls.Load())
	}
}

func TestClient_Send(t *testing.T) {
	received := make(chan []byte, 1)
	server := mockWSServer(t, func(conn *websocket.Conn, r *http.Request) {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		received <- data
		holdOpen(conn, r)
	})
	defer server.Close()

	client := NewClient(testClientConfig(server), &staticToken{token: "t"}, nil)
	if err := client.Connect(context.Background(), "/ws"); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}
	defer client.Disconnect()

	if !client.Send(map[string]string{"type": "ping"}) {
		t.Fatal("Send returned false")
	}

	select {
	case data := <-received:
		var got map[string]string
		if err := json.Unmarshal(data, &got); err != nil {
			t.Fatalf("server got invalid JSON: %v", err)
		}
		if got["type"] != "ping" {
			t.Errorf("type = %q, want ping", got["type"])
		}
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for server to receive message")
	}
}

func TestClient_SendNotConnected(t *testing.T) {
	client := NewClient(ClientConfig{URL: "ws://localhost:12345"}, &staticToken{token: "t"}, nil)

	if client.Send(map[string]string{"type": "ping"}) {
		t.Error("Send should return false when not connected")
	}
}

func TestClient_OnClose(t *testing.T) {
	t.Run("unexpected close is reported", func(t *testing.T) {
		server := mockWSServer(t, func(conn *websocket.Conn, r *http.Request) {
			time.Sleep(20 * time.Millisecond)
			// Returning closes the socket.
		})
		defer server.Close()

		client := NewClient(testClientConfig(server), &staticToken{token: "t"}, nil)
		closed := make(chan error, 1)
		client.OnClose(func(err error) { closed <- err })

		if err := client.Connect(context.Background(), "/ws"); err != nil {
			t.Fatalf("Connect failed: %v", err)
		}

		select {
		case err := <-closed:
			var transient *TransientError
			if !errors.As(err, &transient) {
				t.Errorf("close error = %v, want *TransientError", err)
			}
		case <-time.After(time.Second):
			t.Fatal("timeout waiting for OnClose")
		}

		if client.IsConnected() {
			t.Error("expected IsConnected to be false after close")
		}
		if client.Stats().UnexpectedCloses != 1 {
			t.Errorf("UnexpectedCloses = %d, want 1", client.Stats().UnexpectedCloses)
		}
	})

	t.Run("intentional close is not reported", func(t *testing.T) {
		server := mockWSServer(t, holdOpen)
		defer server.Close()

		client := NewClient(testClientConfig(server), &staticToken{token: "t"}, nil)
		var calls atomic.Int32
		client.OnClose(func(error) { calls.Add(1) })

		if err := client.Connect(context.Background(), "/ws"); err != nil {
			t.Fatalf("Connect failed: %v", err)
		}
		client.Disconnect()

		time.Sleep(100 * time.Millisecond)
		if calls.Load() != 0 {
			t.Errorf("OnClose called %d times after Disconnect", calls.Load())
		}
	})
}

func TestClient_ReconnectReplacesSocket(t *testing.T) {
	var conns atomic.Int32
	server := mockWSServer(t, func(conn *websocket.Conn, r *http.Request) {
		conns.Add(1)
		holdOpen(conn, r)
	})
	defer server.Close()

	tokens := &staticToken{token: "old"}
	client := NewClient(testClientConfig(server), tokens, nil)
	var closes atomic.Int32
	client.OnClose(func(error) { closes.Add(1) })

	if err := client.Connect(context.Background(), "/ws"); err != nil {
		t.Fatal(err)
	}
	tokens.set("new")
	if err := client.Connect(context.Background(), "/ws"); err != nil {
		t.Fatal(err)
	}
	defer client.Disconnect()

	time.Sleep(50 * time.Millisecond)
	if conns.Load() != 2 {
		t.Errorf("server connections = %d, want 2", conns.Load())
	}
	if closes.Load() != 0 {
		t.Errorf("replacing a socket should not report a close, got %d", closes.Load())
	}
	if !client.IsConnected() {
		t.Error("expected client to be connected")
	}
}

func TestClient_StandaloneRetry(t *testing.T) {
	var conns atomic.Int32
	server := mockWSServer(t, func(conn *websocket.Conn, r *http.Request) {
		if conns.Add(1) == 1 {
			return // drop the first connection
		}
		holdOpen(conn, r)
	})
	defer server.Close()

	cfg := testClientConfig(server)
	cfg.Standalone = true
	cfg.MaxRetries = 3
	cfg.RetryInterval = 20 * time.Millisecond

	client := NewClient(cfg, &staticToken{token: "t"}, nil)
	if err := client.Connect(context.Background(), "/ws"); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}
	defer client.Disconnect()

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) && conns.Load() < 2 {
		time.Sleep(10 * time.Millisecond)
	}
	time.Sleep(50 * time.Millisecond)

	if conns.Load() != 2 {
		t.Errorf("server connections = %d, want 2", conns.Load())
	}
	if !client.IsConnected() {
		t.Error("expected standalone client to reconnect")
	}
}

func TestClient_NoRetryWhenManaged(t *testing.T) {
	var conns atomic.Int32
	server := mockWSServer(t, func(conn *websocket.Conn, r *http.Request) {
		conns.Add(1)
	})
	defer server.Close()

	cfg := testClientConfig(server)
	cfg.RetryInterval = 10 * time.Millisecond
	cfg.MaxRetries = 3

	client := NewClient(cfg, &staticToken{token: "t"}, nil)
	if err := client.Connect(context.Background(), "/ws"); err != nil {
		t.Fatal(err)
	}

	time.Sleep(150 * time.Millisecond)
	if conns.Load() != 1 {
		t.Errorf("server connections = %d, want 1", conns.Load())
	}
}

func TestClient_PingHandler(t *testing.T) {
	server := mockWSServer(t, func(conn *websocket.Conn, r *http.Request) {
		if err := conn.WriteControl(websocket.PingMessage, []byte("heartbeat"), time.Now().Add(time.Second)); err != nil {
			t.Logf("ping error: %v", err)
			return
		}
		time.Sleep(500 * time.Millisecond)
	})
	defer server.Close()

	client := NewClient(testClientConfig(server), &staticToken{token: "t"}, nil)
	if err := client.Connect(context.Background(), "/ws"); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}
	defer client.Disconnect()

	time.Sleep(200 * time.Millisecond)

	if !client.IsConnected() {
		t.Error("expected client to be connected after ping")
	}
}

func TestClient_StaleConnection(t *testing.T) {
	server := mockWSServer(t, func(conn *websocket.Conn, r *http.Request) {
		// Never read, so pings go unanswered.
		time.Sleep(time.Second)
	})
	defer server.Close()

	cfg := testClientConfig(server)
	cfg.PingInterval = 20 * time.Millisecond
	cfg.PingTimeout = 50 * time.Millisecond

	client := NewClient(cfg, &staticToken{token: "t"}, nil)
	closed := make(chan error, 1)
	client.OnClose(func(err error) { closed <- err })

	if err := client.Connect(context.Background(), "/ws"); err != nil {
		t.Fatal(err)
	}

	select {
	case err := <-closed:
		if !errors.Is(err, ErrStaleConnection) {
			t.Errorf("close error = %v, want ErrStaleConnection", err)
		}
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for stale detection")
	}
}

func TestParseMessage(t *testing.T) {
	now := time.Now()

	tests := []struct {
		name    string
		in      string
		want    Message
		wantErr bool
	}{
		{
			name: "device update",
			in:   `{"type":"device_update","deviceId":"d1","data":{"is_online":true},"timestamp":"2024-05-01T12:00:00Z"}`,
			want: Message{Type: "device_update", DeviceID: "d1", Timestamp: "2024-05-01T12:00:00Z"},
		},
		{name: "missing type", in: `{"deviceId":"d1"}`, wantErr: true},
		{name: "invalid json", in: `{`, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseMessage([]byte(tt.in), now)
			if tt.wantErr {
				if !errors.Is(err, ErrMessageParse) {
					t.Errorf("error = %v, want ErrMessageParse", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("ParseMessage() error = %v", err)
			}
			if got.Type != tt.want.Type || got.DeviceID != tt.want.DeviceID || got.Timestamp != tt.want.Timestamp {
				t.Errorf("got %+v, want %+v", got, tt.want)
			}
			if !got.ReceivedAt.Equal(now) {
				t.Errorf("ReceivedAt = %v, want %v", got.ReceivedAt, now)
			}
		})
	}
}

func TestChannelURL(t *testing.T) {
	got, err := channelURL("wss://api.example.com", "/ws/user/devices", "a.b+c")
	if err != nil {
		t.Fatal(err)
	}
	want := "wss://api.example.com/ws/user/devices?token=a.b%2Bc"
	if got != want {
		t.Errorf("channelURL() = %q, want %q", got, want)
	}
}

func TestDefaultConfigs(t *testing.T) {
	clientCfg := DefaultClientConfig()
	if clientCfg.PingTimeout != 60*time.Second {
		t.Errorf("PingTimeout = %v, want 60s", clientCfg.PingTimeout)
	}
	if clientCfg.MaxRetries != 5 || clientCfg.RetryInterval != 3*time.Second {
		t.Errorf("retry = %d/%v, want 5/3s", clientCfg.MaxRetries, clientCfg.RetryInterval)
	}

	mgrCfg := DefaultManagerConfig()
	if mgrCfg.DevicesPath != "/ws/user/devices" {
		t.Errorf("DevicesPath = %q", mgrCfg.DevicesPath)
	}
	if mgrCfg.ReconnectBaseDelay != time.Second || mgrCfg.ReconnectMaxDelay != 30*time.Second {
		t.Errorf("backoff = %v..%v, want 1s..30s", mgrCfg.ReconnectBaseDelay, mgrCfg.ReconnectMaxDelay)
	}
	if mgrCfg.MaxReconnectAttempts != 10 {
		t.Errorf("MaxReconnectAttempts = %d, want 10", mgrCfg.MaxReconnectAttempts)
	}
	if mgrCfg.ResumeThrottle != 2*time.Second {
		t.Errorf("ResumeThrottle = %v, want 2s", mgrCfg.ResumeThrottle)
	}
}
