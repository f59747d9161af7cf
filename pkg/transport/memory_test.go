package transport

import (
	"context"
	"testing"
	"time"

	"github.com/tabwire/bridge/pkg/types"
)

// TestMemorySendRoundTrip tests request routing through the network
// responder back to the sender's inbound channel
func TestMemorySendRoundTrip(t *testing.T) {
	network := NewMemoryNetwork(nil)
	network.SetResponder(func(req *types.Request) *types.Response {
		return &types.Response{
			Success:       true,
			CorrelationID: req.CorrelationID,
			Timestamp:     types.NewTimestamp(),
		}
	})

	tr := network.Join("ctx-a")
	if err := tr.Connect(context.Background()); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}

	corrID := types.GenerateID()
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

	select {
	case env := <-tr.Inbound():
		if env.Kind != types.FrameKindResponse {
			t.Fatalf("Expected response frame, got %s", env.Kind)
		}
		if env.Response.CorrelationID != corrID {
			t.Errorf("Expected correlation %s, got %s", corrID, env.Response.CorrelationID)
		}
	case <-time.After(time.Second):
		t.Fatal("No response delivered")
	}
}

// TestMemorySendDisconnected tests immediate failure when offline
func TestMemorySendDisconnected(t *testing.T) {
	network := NewMemoryNetwork(nil)
	tr := network.Join("ctx-a")

	err := tr.Send(context.Background(), &types.Envelope{Kind: types.FrameKindRequest})
	if err == nil {
		t.Fatal("Expected error while disconnected")
	}
	if !types.IsErrCode(err, types.ErrCodeConnection) {
		t.Errorf("Expected CONNECTION, got %s", types.GetErrorCode(err))
	}
}

// TestMemoryPostRelaysToPeers tests broadcast fan-out excluding the sender
func TestMemoryPostRelaysToPeers(t *testing.T) {
	network := NewMemoryNetwork(nil)
	ctx := context.Background()

	a := network.Join("ctx-a")
	b := network.Join("ctx-b")
	c := network.Join("ctx-c")
	for _, tr := range []*MemoryTransport{a, b, c} {
		if err := tr.Connect(ctx); err != nil {
			t.Fatalf("Connect failed: %v", err)
		}
	}

	if err := a.Post(ctx, &types.Envelope{
		Kind:   types.FrameKindStateSync,
		Change: &types.StateChange{StateType: types.StateTypeUI, Key: "k", Entry: types.StateEntry{Version: 1}},
	}); err != nil {
		t.Fatalf("Post failed: %v", err)
	}

	for name, tr := range map[string]*MemoryTransport{"b": b, "c": c} {
		select {
		case env := <-tr.Broadcasts():
			if env.ContextID != "ctx-a" {
				t.Errorf("Expected origin ctx-a on %s, got %s", name, env.ContextID)
			}
		case <-time.After(time.Second):
			t.Fatalf("Peer %s never saw the broadcast", name)
		}
	}

	select {
	case <-a.Broadcasts():
		t.Error("Sender should not see its own broadcast")
	case <-time.After(50 * time.Millisecond):
	}
}

// TestMemoryStatusCallbacks tests online/offline notification and removal
func TestMemoryStatusCallbacks(t *testing.T) {
	network := NewMemoryNetwork(nil)
	tr := network.Join("ctx-a")

	var flips []bool
	remove := tr.OnStatusChange(func(online bool) {
		flips = append(flips, online)
	})

	tr.Connect(context.Background())
	tr.Disconnect()

	if len(flips) != 2 || !flips[0] || flips[1] {
		t.Errorf("Expected [true false], got %v", flips)
	}

	remove()
	tr.Connect(context.Background())
	if len(flips) != 2 {
		t.Errorf("Expected no callback after removal, got %v", flips)
	}
}

// TestMemoryDropOnFullBuffer tests the drop counter when inbound backs up
func TestMemoryDropOnFullBuffer(t *testing.T) {
	network := NewMemoryNetwork(nil)
	tr := network.Join("ctx-a")
	tr.Connect(context.Background())

	// Inbound capacity is 256; overflow it without draining
	for i := 0; i < 300; i++ {
		network.Push("ctx-a", &types.Envelope{Kind: types.FrameKindEvent, Event: &types.Event{Type: types.EventTypeJobProgress}})
	}

	stats := tr.Stats()
	if stats.Dropped != 44 {
		t.Errorf("Expected 44 dropped, got %d", stats.Dropped)
	}
	if stats.Received != 256 {
		t.Errorf("Expected 256 received, got %d", stats.Received)
	}
}
