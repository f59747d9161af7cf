package transport

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/tabwire/bridge/internal/config"
	"github.com/tabwire/bridge/pkg/types"
)

func testTransportConfig(t *testing.T) config.TransportConfig {
	t.Helper()
	cfg := config.DefaultTransportConfig()
	cfg.SocketPath = filepath.Join(t.TempDir(), "hub.sock")
	cfg.ConnectTimeout = 2 * time.Second
	return cfg
}

func startHub(t *testing.T, cfg config.TransportConfig) *Hub {
	t.Helper()
	hub, err := NewHub(cfg, nil)
	if err != nil {
		t.Fatalf("Failed to create hub: %v", err)
	}
	if err := hub.Listen(context.Background()); err != nil {
		t.Fatalf("Failed to listen: %v", err)
	}
	t.Cleanup(func() { hub.Close() })
	return hub
}

func connectClient(t *testing.T, contextID types.ID, cfg config.TransportConfig) *SocketTransport {
	t.Helper()
	tr, err := NewSocketTransport(contextID, cfg, nil)
	if err != nil {
		t.Fatalf("Failed to create transport: %v", err)
	}
	if err := tr.Connect(context.Background()); err != nil {
		t.Fatalf("Failed to connect: %v", err)
	}
	t.Cleanup(func() { tr.Close() })
	return tr
}

// awaitResponse drains inbound until a response with the wanted
// correlation ID arrives
func awaitResponse(t *testing.T, tr *SocketTransport, corrID types.ID) *types.Response {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		select {
		case env := <-tr.Inbound():
			if env.Kind == types.FrameKindResponse && env.Response != nil &&
				env.Response.CorrelationID == corrID {
				return env.Response
			}
		case <-deadline:
			t.Fatalf("No response for %s", corrID)
			return nil
		}
	}
}

// TestHubHealthCheck tests the built-in ping handler over a real socket
func TestHubHealthCheck(t *testing.T) {
	cfg := testTransportConfig(t)
	startHub(t, cfg)
	tr := connectClient(t, "ctx-a", cfg)

	corrID := types.GenerateCorrelationID("ctx-a")
	err := tr.Send(context.Background(), &types.Envelope{
		Kind: types.FrameKindRequest,
		Request: &types.Request{
			Type:          types.MessageTypeHealthCheck,
			Payload:       map[string]interface{}{},
			CorrelationID: corrID,
		},
	})
	if err != nil {
		t.Fatalf("Send failed: %v", err)
	}

	resp := awaitResponse(t, tr, corrID)
	if !resp.Success {
		t.Errorf("Expected successful health check, got %s: %s", resp.ErrorCode, resp.ErrorMessage)
	}
}

// TestHubUnknownMessageType tests the NOT_FOUND answer for unregistered
// handlers
func TestHubUnknownMessageType(t *testing.T) {
	cfg := testTransportConfig(t)
	startHub(t, cfg)
	tr := connectClient(t, "ctx-a", cfg)

	corrID := types.GenerateCorrelationID("ctx-a")
	if err := tr.Send(context.Background(), &types.Envelope{
		Kind: types.FrameKindRequest,
		Request: &types.Request{
			Type:          types.MessageTypeAgentAnalyze,
			Payload:       map[string]interface{}{},
			CorrelationID: corrID,
		},
	}); err != nil {
		t.Fatalf("Send failed: %v", err)
	}

	resp := awaitResponse(t, tr, corrID)
	if resp.Success {
		t.Fatal("Expected failure for unhandled message type")
	}
	if resp.ErrorCode != types.ErrCodeNotFound {
		t.Errorf("Expected NOT_FOUND, got %s", resp.ErrorCode)
	}
}

// TestHubCustomHandler tests a registered handler answering requests
func TestHubCustomHandler(t *testing.T) {
	cfg := testTransportConfig(t)
	hub := startHub(t, cfg)

	if err := hub.Handle(types.MessageTypeJobSubmit, func(ctx context.Context, req *types.Request) *types.Response {
		return &types.Response{
			Success:       true,
			CorrelationID: req.CorrelationID,
			Timestamp:     types.NewTimestamp(),
		}
	}); err != nil {
		t.Fatalf("Handle failed: %v", err)
	}

	tr := connectClient(t, "ctx-a", cfg)
	corrID := types.GenerateCorrelationID("ctx-a")
	if err := tr.Send(context.Background(), &types.Envelope{
		Kind: types.FrameKindRequest,
		Request: &types.Request{
			Type:          types.MessageTypeJobSubmit,
			Payload:       map[string]interface{}{"kind": "index"},
			CorrelationID: corrID,
		},
	}); err != nil {
		t.Fatalf("Send failed: %v", err)
	}

	resp := awaitResponse(t, tr, corrID)
	if !resp.Success {
		t.Errorf("Expected success, got %s", resp.ErrorCode)
	}
}

// TestHubRelayBetweenContexts tests peer broadcast relay through the hub
func TestHubRelayBetweenContexts(t *testing.T) {
	cfg := testTransportConfig(t)
	hub := startHub(t, cfg)

	a := connectClient(t, "ctx-a", cfg)
	b := connectClient(t, "ctx-b", cfg)

	// Both registrations must land before the relay
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) && len(hub.ConnectedContexts()) < 2 {
		time.Sleep(10 * time.Millisecond)
	}
	if len(hub.ConnectedContexts()) != 2 {
		t.Fatalf("Expected 2 registered contexts, got %d", len(hub.ConnectedContexts()))
	}

	if err := a.Post(context.Background(), &types.Envelope{
		Kind: types.FrameKindStateSync,
		Change: &types.StateChange{
			StateType: types.StateTypeSettings,
			Key:       "theme",
			Entry:     types.StateEntry{Value: "dark", Version: 1, SourceContextID: "ctx-a"},
		},
	}); err != nil {
		t.Fatalf("Post failed: %v", err)
	}

	select {
	case env := <-b.Broadcasts():
		if env.Change == nil || env.Change.Key != "theme" {
			t.Errorf("Expected theme change, got %+v", env)
		}
		if env.ContextID != "ctx-a" {
			t.Errorf("Expected origin ctx-a, got %s", env.ContextID)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Broadcast never relayed to peer")
	}

	select {
	case <-a.Broadcasts():
		t.Error("Sender should not receive its own broadcast")
	case <-time.After(100 * time.Millisecond):
	}
}

// TestHubPushEvent tests event fan-out to every connected context
func TestHubPushEvent(t *testing.T) {
	cfg := testTransportConfig(t)
	hub := startHub(t, cfg)

	a := connectClient(t, "ctx-a", cfg)
	b := connectClient(t, "ctx-b", cfg)

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) && len(hub.ConnectedContexts()) < 2 {
		time.Sleep(10 * time.Millisecond)
	}

	hub.PushEvent(&types.Event{
		Type:     types.EventTypeSettingsChanged,
		Severity: types.SeverityInfo,
		Source:   "hub",
		Data:     map[string]interface{}{"theme": "dark"},
	})

	for name, tr := range map[string]*SocketTransport{"a": a, "b": b} {
		found := false
		timeout := time.After(2 * time.Second)
		for !found {
			select {
			case env := <-tr.Inbound():
				if env.Kind == types.FrameKindEvent && env.Event != nil &&
					env.Event.Type == types.EventTypeSettingsChanged {
					if env.Event.ID.IsEmpty() {
						t.Error("Expected event ID assigned by hub")
					}
					found = true
				}
			case <-timeout:
				t.Fatalf("Context %s never received the event", name)
			}
		}
	}
}

// TestClientDisconnectCallbacks tests offline notification when the hub
// drops the connection
func TestClientDisconnectCallbacks(t *testing.T) {
	cfg := testTransportConfig(t)
	hub := startHub(t, cfg)
	tr := connectClient(t, "ctx-a", cfg)

	offline := make(chan struct{})
	tr.OnStatusChange(func(online bool) {
		if !online {
			close(offline)
		}
	})

	hub.Close()

	select {
	case <-offline:
	case <-time.After(2 * time.Second):
		t.Fatal("Offline callback never fired after hub close")
	}
	if tr.Connected() {
		t.Error("Expected transport disconnected")
	}
}
