package server

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/mbocsi/deviceio/proto"
)

func TestProxyRegistry_Provision(t *testing.T) {
	r := NewProxyRegistry()

	if _, err := r.Provision("", ""); err == nil {
		t.Error("Expected error for empty proxy id")
	}

	info, err := r.Provision("proxy-1", "")
	if err != nil {
		t.Fatalf("Provision failed: %v", err)
	}
	if info.HasToken {
		t.Error("Expected a fresh proxy to have no token")
	}

	info, _ = r.Provision("proxy-1", "T1")
	if !info.HasToken {
		t.Error("Expected token to be set on re-provision")
	}
	if len(r.List()) != 1 {
		t.Errorf("Expected 1 proxy, got %d", len(r.List()))
	}
}

func TestProxyRegistry_Authorize(t *testing.T) {
	r := NewProxyRegistry()

	if got := r.authorize("ghost", "x"); got != authUnknown {
		t.Errorf("Expected authUnknown, got %v", got)
	}

	r.Provision("proxy-1", "")
	if got := r.authorize("proxy-1", ""); got != authStale {
		t.Errorf("Expected a proxy without token to be stale, got %v", got)
	}

	token, err := r.IssueToken("proxy-1")
	if err != nil {
		t.Fatalf("IssueToken failed: %v", err)
	}
	if got := r.authorize("proxy-1", token); got != authOK {
		t.Errorf("Expected authOK with issued token, got %v", got)
	}
	if got := r.authorize("proxy-1", "old"); got != authStale {
		t.Errorf("Expected authStale with old token, got %v", got)
	}

	if _, err := r.IssueToken("ghost"); !errors.Is(err, ErrUnknownProxy) {
		t.Errorf("Expected ErrUnknownProxy, got %v", err)
	}
}

func TestProxyRegistry_ApplyEnvelope(t *testing.T) {
	r := NewProxyRegistry()
	now := time.Date(2025, 1, 2, 3, 4, 5, 0, time.UTC)
	r.now = func() time.Time { return now }
	r.Provision("proxy-1", "T1")

	err := r.Apply(proto.Envelope{
		ProxyID:    "proxy-1",
		Seq:        10005,
		AddDevices: []proto.DeviceRegistration{{DeviceID: "panel", DeviceType: 4133}},
		Measures: []proto.Measure{{DeviceID: "panel", Params: []proto.Parameter{
			{Name: "breakerStatus", Index: "0", Value: "1"},
			{Name: "breakerStatus", Index: "0", Value: "0"},
			{Name: "power", Value: "12"},
		}}},
	})
	if err != nil {
		t.Fatalf("Apply failed: %v", err)
	}

	info, _ := r.Get("proxy-1")
	if !info.LastSeen.Equal(now) || info.LastSeq != 10005 {
		t.Errorf("Expected last contact to be recorded, got %v / %d", info.LastSeen, info.LastSeq)
	}
	if len(info.Devices) != 1 {
		t.Fatalf("Expected 1 device, got %d", len(info.Devices))
	}
	d := info.Devices[0]
	if d.DeviceType != 4133 {
		t.Errorf("Expected device type 4133, got %d", d.DeviceType)
	}
	if d.Params["breakerStatus_0"].Value != "0" {
		t.Errorf("Expected the later value to win, got %q", d.Params["breakerStatus_0"].Value)
	}
	if d.Params["power"].Value != "12" {
		t.Errorf("Expected power 12, got %q", d.Params["power"].Value)
	}

	if err := r.Apply(proto.Envelope{ProxyID: "ghost", Seq: 10000}); !errors.Is(err, ErrUnknownProxy) {
		t.Errorf("Expected ErrUnknownProxy, got %v", err)
	}
}

func TestProxyRegistry_CommandLifecycle(t *testing.T) {
	r := NewProxyRegistry()
	r.Provision("proxy-1", "T1")

	rec, err := r.Enqueue("proxy-1", proto.Command{DeviceID: "panel"})
	if err != nil {
		t.Fatalf("Enqueue failed: %v", err)
	}
	id := rec.Command.CommandID
	if id == "" {
		t.Fatal("Expected a generated command id")
	}
	if rec.Status != CommandQueued {
		t.Errorf("Expected queued, got %s", rec.Status)
	}

	queue, _ := r.Queue("proxy-1")
	cmds := queue.Take(context.Background(), 0)
	if len(cmds) != 1 {
		t.Fatalf("Expected 1 pending command, got %d", len(cmds))
	}
	r.MarkDelivered("proxy-1", cmds)
	if got, _ := r.Command("proxy-1", id); got.Status != CommandDelivered {
		t.Errorf("Expected delivered, got %s", got.Status)
	}

	r.Apply(proto.Envelope{ProxyID: "proxy-1", Seq: 10001, Responses: []proto.CommandResponse{{CommandID: id, Result: proto.ResultPending}}})
	got, _ := r.Command("proxy-1", id)
	if got.Status != CommandAcked || got.AckedAt.IsZero() || got.Result != nil {
		t.Errorf("Expected acked without result, got %+v", got)
	}

	r.Apply(proto.Envelope{ProxyID: "proxy-1", Seq: 10002, Responses: []proto.CommandResponse{{CommandID: id, Result: proto.ResultSuccess}}})
	got, _ = r.Command("proxy-1", id)
	if got.Status != CommandSucceeded || got.Result == nil || *got.Result != proto.ResultSuccess {
		t.Errorf("Expected succeeded, got %+v", got)
	}

	// A late placeholder does not undo the final result.
	r.Apply(proto.Envelope{ProxyID: "proxy-1", Seq: 10003, Responses: []proto.CommandResponse{{CommandID: id, Result: proto.ResultPending}}})
	if got, _ := r.Command("proxy-1", id); got.Status != CommandSucceeded {
		t.Errorf("Expected status to stay succeeded, got %s", got.Status)
	}

	if _, err := r.Command("proxy-1", "nope"); !errors.Is(err, ErrUnknownCommand) {
		t.Errorf("Expected ErrUnknownCommand, got %v", err)
	}
	if _, err := r.Enqueue("ghost", proto.Command{}); !errors.Is(err, ErrUnknownProxy) {
		t.Errorf("Expected ErrUnknownProxy, got %v", err)
	}
}

func TestProxyRegistry_CommandsInQueueOrder(t *testing.T) {
	r := NewProxyRegistry()
	r.Provision("proxy-1", "")
	for _, id := range []string{"c", "a", "b"} {
		r.Enqueue("proxy-1", proto.Command{CommandID: id})
	}

	records, err := r.Commands("proxy-1")
	if err != nil {
		t.Fatalf("Commands failed: %v", err)
	}
	var ids []string
	for _, rec := range records {
		ids = append(ids, rec.Command.CommandID)
	}
	if len(ids) != 3 || ids[0] != "c" || ids[1] != "a" || ids[2] != "b" {
		t.Errorf("Expected queue order [c a b], got %v", ids)
	}
}

func TestCommandQueue_Take(t *testing.T) {
	q := NewCommandQueue()

	start := time.Now()
	if cmds := q.Take(context.Background(), 20*time.Millisecond); cmds != nil {
		t.Errorf("Expected nil on timeout, got %v", cmds)
	}
	if time.Since(start) < 20*time.Millisecond {
		t.Error("Expected Take to wait for the timeout")
	}

	go func() {
		time.Sleep(10 * time.Millisecond)
		q.Push(proto.Command{CommandID: "c1"}, proto.Command{CommandID: "c2"})
	}()
	cmds := q.Take(context.Background(), time.Second)
	if len(cmds) != 2 {
		t.Fatalf("Expected 2 commands, got %d", len(cmds))
	}
	if q.Len() != 0 {
		t.Errorf("Expected queue to be drained, got %d", q.Len())
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if cmds := q.Take(ctx, time.Second); cmds != nil {
		t.Errorf("Expected nil on cancelled context, got %v", cmds)
	}
}
