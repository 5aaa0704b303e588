// Package hosttest is a conformance suite for sessions.NotificationHost
// implementations.
package hosttest

import (
	"context"
	"encoding/json"
	"errors"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/ggoodman/mcp-engine-go/internal/jsonrpc"
	"github.com/ggoodman/mcp-engine-go/sessions"
)

// HostFactory creates a new NotificationHost instance for testing.
type HostFactory func(t *testing.T) sessions.NotificationHost

// RunNotificationHostTests runs the complete suite against the provided factory.
func RunNotificationHostTests(t *testing.T, factory HostFactory) {
	t.Run("Messaging_PublishAndSubscribe", func(t *testing.T) { testPublishAndSubscribe(t, factory) })
	t.Run("Messaging_OrderPreserved", func(t *testing.T) { testOrderPreserved(t, factory) })
	t.Run("Messaging_ResumeFromLastEventID", func(t *testing.T) { testResumeFromLastEventID(t, factory) })
	t.Run("Messaging_EmptyCursorSkipsBacklog", func(t *testing.T) { testEmptyCursorSkipsBacklog(t, factory) })
	t.Run("Messaging_IsolationBetweenSessions", func(t *testing.T) { testSessionIsolation(t, factory) })
	t.Run("Messaging_SubscriptionContextCancellation", func(t *testing.T) { testSubscriptionContextCancellation(t, factory) })
	t.Run("Messaging_HandlerErrorStopsSubscription", func(t *testing.T) { testHandlerErrorStopsSubscription(t, factory) })
	t.Run("Messaging_ResumeFromUnknownEventID", func(t *testing.T) { testResumeFromUnknownEventID(t, factory) })
	t.Run("Cleanup_DiscardsBacklog", func(t *testing.T) { testCleanupDiscardsBacklog(t, factory) })
}

type received struct {
	mu   sync.Mutex
	ids  []string
	msgs []string
}

func (r *received) handler(stopAfter int, cancel context.CancelFunc) sessions.MessageHandlerFunction {
	return func(ctx context.Context, id string, msg []byte) error {
		var req jsonrpc.Request
		if err := json.Unmarshal(msg, &req); err != nil {
			return err
		}
		r.mu.Lock()
		r.ids = append(r.ids, id)
		r.msgs = append(r.msgs, req.Method)
		n := len(r.ids)
		r.mu.Unlock()
		if stopAfter > 0 && n >= stopAfter {
			cancel()
		}
		return nil
	}
}

func (r *received) snapshot() ([]string, []string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.ids...), append([]string(nil), r.msgs...)
}

func notification(t *testing.T, method string) []byte {
	t.Helper()
	n, err := jsonrpc.NewNotification(method, nil)
	if err != nil {
		t.Fatalf("notification: %v", err)
	}
	b, err := json.Marshal(n)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	return b
}

func publish(t *testing.T, h sessions.NotificationHost, sessionID, method string) string {
	t.Helper()
	id, err := h.PublishSession(context.Background(), sessionID, notification(t, method))
	if err != nil {
		t.Fatalf("publish %s: %v", method, err)
	}
	if id == "" {
		t.Fatalf("expected non-empty event id")
	}
	return id
}

func waitDone(t *testing.T, done <-chan error) error {
	t.Helper()
	select {
	case err := <-done:
		return err
	case <-time.After(3 * time.Second):
		t.Fatal("subscribe timeout")
		return nil
	}
}

func testPublishAndSubscribe(t *testing.T, factory HostFactory) {
	h := factory(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	var r received
	done := make(chan error, 1)
	go func() { done <- h.SubscribeSession(ctx, "sess-1", "", r.handler(1, cancel)) }()
	time.Sleep(100 * time.Millisecond)

	evID := publish(t, h, "sess-1", "test/method")

	if err := waitDone(t, done); !errors.Is(err, context.Canceled) {
		t.Fatalf("subscribe returned: %v", err)
	}
	ids, msgs := r.snapshot()
	if len(ids) != 1 || ids[0] != evID || msgs[0] != "test/method" {
		t.Fatalf("got ids=%v msgs=%v; want [%s] [test/method]", ids, msgs, evID)
	}
}

func testOrderPreserved(t *testing.T, factory HostFactory) {
	h := factory(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	const n = 50
	var r received
	done := make(chan error, 1)
	go func() { done <- h.SubscribeSession(ctx, "sess-order", "", r.handler(n, cancel)) }()
	time.Sleep(100 * time.Millisecond)

	want := make([]string, n)
	wantIDs := make([]string, n)
	for i := range n {
		want[i] = "test/" + strconv.Itoa(i)
		wantIDs[i] = publish(t, h, "sess-order", want[i])
	}

	if err := waitDone(t, done); !errors.Is(err, context.Canceled) {
		t.Fatalf("subscribe returned: %v", err)
	}
	ids, msgs := r.snapshot()
	if len(msgs) != n {
		t.Fatalf("expected %d messages, got %d", n, len(msgs))
	}
	for i := range n {
		if msgs[i] != want[i] || ids[i] != wantIDs[i] {
			t.Fatalf("message %d: got (%s,%s) want (%s,%s)", i, ids[i], msgs[i], wantIDs[i], want[i])
		}
	}
}

func testResumeFromLastEventID(t *testing.T, factory HostFactory) {
	h := factory(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	ev1 := publish(t, h, "sess-2", "test/m1")
	ev2 := publish(t, h, "sess-2", "test/m2")
	ev3 := publish(t, h, "sess-2", "test/m3")

	var r received
	done := make(chan error, 1)
	go func() { done <- h.SubscribeSession(ctx, "sess-2", ev1, r.handler(2, cancel)) }()

	if err := waitDone(t, done); !errors.Is(err, context.Canceled) {
		t.Fatalf("subscribe: %v", err)
	}
	ids, msgs := r.snapshot()
	if len(ids) != 2 || ids[0] != ev2 || ids[1] != ev3 {
		t.Fatalf("expected [%s %s], got %v", ev2, ev3, ids)
	}
	if msgs[0] != "test/m2" || msgs[1] != "test/m3" {
		t.Fatalf("unexpected methods %v", msgs)
	}
}

func testEmptyCursorSkipsBacklog(t *testing.T, factory HostFactory) {
	h := factory(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	publish(t, h, "sess-backlog", "test/old")

	var r received
	done := make(chan error, 1)
	go func() { done <- h.SubscribeSession(ctx, "sess-backlog", "", r.handler(1, cancel)) }()
	time.Sleep(100 * time.Millisecond)
	publish(t, h, "sess-backlog", "test/new")

	if err := waitDone(t, done); !errors.Is(err, context.Canceled) {
		t.Fatalf("subscribe: %v", err)
	}
	_, msgs := r.snapshot()
	if len(msgs) != 1 || msgs[0] != "test/new" {
		t.Fatalf("expected only test/new, got %v", msgs)
	}
}

func testSessionIsolation(t *testing.T, factory HostFactory) {
	h := factory(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	var r1, r2 received
	d1 := make(chan error, 1)
	d2 := make(chan error, 1)
	go func() { d1 <- h.SubscribeSession(ctx, "sess-3a", "", r1.handler(0, nil)) }()
	go func() { d2 <- h.SubscribeSession(ctx, "sess-3b", "", r2.handler(0, nil)) }()
	time.Sleep(100 * time.Millisecond)

	publish(t, h, "sess-3a", "test/a")
	publish(t, h, "sess-3b", "test/b")

	time.Sleep(300 * time.Millisecond)
	cancel()
	waitDone(t, d1)
	waitDone(t, d2)

	_, m1 := r1.snapshot()
	_, m2 := r2.snapshot()
	if len(m1) != 1 || m1[0] != "test/a" {
		t.Fatalf("sess-3a got %v", m1)
	}
	if len(m2) != 1 || m2[0] != "test/b" {
		t.Fatalf("sess-3b got %v", m2)
	}
}

func testSubscriptionContextCancellation(t *testing.T, factory HostFactory) {
	h := factory(t)
	ctx, cancel := context.WithTimeout(context.Background(), 300*time.Millisecond)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		done <- h.SubscribeSession(ctx, "sess-4", "", func(ctx context.Context, id string, msg []byte) error { return nil })
	}()

	if err := waitDone(t, done); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline exceeded, got %v", err)
	}
}

func testHandlerErrorStopsSubscription(t *testing.T, factory HostFactory) {
	h := factory(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	expectedErr := errors.New("handler error")
	done := make(chan error, 1)
	go func() {
		done <- h.SubscribeSession(ctx, "sess-5", "", func(ctx context.Context, id string, msg []byte) error { return expectedErr })
	}()
	time.Sleep(100 * time.Millisecond)
	publish(t, h, "sess-5", "test/m")

	if err := waitDone(t, done); !errors.Is(err, expectedErr) {
		t.Fatalf("expected handler error, got %v", err)
	}
}

func testResumeFromUnknownEventID(t *testing.T, factory HostFactory) {
	h := factory(t)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	publish(t, h, "sess-7", "test/m")
	err := h.SubscribeSession(ctx, "sess-7", "999999999999-0", func(ctx context.Context, id string, msg []byte) error { return nil })
	if !errors.Is(err, sessions.ErrUnknownEventID) {
		t.Fatalf("expected ErrUnknownEventID, got %v", err)
	}
}

func testCleanupDiscardsBacklog(t *testing.T, factory HostFactory) {
	h := factory(t)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	ev := publish(t, h, "sess-8", "test/m")
	if err := h.CleanupSession(ctx, "sess-8"); err != nil {
		t.Fatalf("cleanup: %v", err)
	}
	err := h.SubscribeSession(ctx, "sess-8", ev, func(ctx context.Context, id string, msg []byte) error { return nil })
	if !errors.Is(err, sessions.ErrUnknownEventID) {
		t.Fatalf("expected ErrUnknownEventID after cleanup, got %v", err)
	}
}
