package ws

import (
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"
)

type fakeSubscriber struct {
	mu       sync.Mutex
	payloads [][]byte
	fail     bool
	closed   bool
}

func (f *fakeSubscriber) Send(p []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail {
		return errors.New("send failed")
	}
	f.payloads = append(f.payloads, append([]byte(nil), p...))
	return nil
}

func (f *fakeSubscriber) Close() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
}

func (f *fakeSubscriber) received() [][]byte {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([][]byte(nil), f.payloads...)
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition never satisfied")
}

func TestBroadcastReachesOnlyMatchingDeployment(t *testing.T) {
	h := NewHub()
	a := &fakeSubscriber{}
	b := &fakeSubscriber{}
	h.Register("dep-a", a)
	h.Register("dep-b", b)

	h.Broadcast("dep-a", []byte("hello"))
	waitFor(t, func() bool { return len(a.received()) == 1 })

	if got := b.received(); len(got) != 0 {
		t.Fatalf("other deployment received %v", got)
	}
}

func TestFailedSubscriberIsDropped(t *testing.T) {
	h := NewHub()
	bad := &fakeSubscriber{fail: true}
	good := &fakeSubscriber{}
	h.Register("dep-1", bad)
	h.Register("dep-1", good)
	waitFor(t, func() bool { return h.Subscribers() == 2 })

	h.Broadcast("dep-1", []byte("x"))
	waitFor(t, func() bool { return h.Subscribers() == 1 })

	bad.mu.Lock()
	closed := bad.closed
	bad.mu.Unlock()
	if !closed {
		t.Fatal("failed subscriber should be closed")
	}
	if len(good.received()) != 1 {
		t.Fatal("healthy subscriber should still receive")
	}
}

func TestUnregister(t *testing.T) {
	h := NewHub()
	s := &fakeSubscriber{}
	h.Register("dep-1", s)
	waitFor(t, func() bool { return h.Subscribers() == 1 })

	h.Unregister("dep-1", s)
	waitFor(t, func() bool { return h.Subscribers() == 0 })

	h.Broadcast("dep-1", []byte("late"))
	time.Sleep(20 * time.Millisecond)
	if len(s.received()) != 0 {
		t.Fatal("unregistered subscriber received a message")
	}
}

func TestBroadcastEventShape(t *testing.T) {
	h := NewHub()
	s := &fakeSubscriber{}
	h.Register("dep-1", s)
	waitFor(t, func() bool { return h.Subscribers() == 1 })

	h.BroadcastEvent("dep-1", EventStatusUpdate, map[string]any{"status": "building"})
	waitFor(t, func() bool { return len(s.received()) == 1 })

	var body map[string]any
	if err := json.Unmarshal(s.received()[0], &body); err != nil {
		t.Fatal(err)
	}
	if body["type"] != EventStatusUpdate || body["status"] != "building" {
		t.Fatalf("body = %v", body)
	}
}
