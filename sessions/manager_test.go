package sessions

import (
	"context"
	"errors"
	"strconv"
	"sync"
	"testing"
	"time"
)

// testHost is a minimal in-memory NotificationHost for tests.
type testHost struct {
	mu      sync.Mutex
	logs    map[string][][]byte
	wake    chan struct{}
	cleaned []string
}

func newTestHost() *testHost {
	return &testHost{logs: make(map[string][][]byte), wake: make(chan struct{})}
}

func (h *testHost) PublishSession(ctx context.Context, sessionID string, data []byte) (string, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.logs[sessionID] = append(h.logs[sessionID], data)
	close(h.wake)
	h.wake = make(chan struct{})
	return strconv.Itoa(len(h.logs[sessionID])), nil
}

func (h *testHost) SubscribeSession(ctx context.Context, sessionID string, lastEventID string, handler MessageHandlerFunction) error {
	next := 0
	if lastEventID != "" {
		n, err := strconv.Atoi(lastEventID)
		if err != nil {
			return ErrUnknownEventID
		}
		next = n
	}
	for {
		h.mu.Lock()
		pending := h.logs[sessionID][min(next, len(h.logs[sessionID])):]
		wake := h.wake
		h.mu.Unlock()
		for _, msg := range pending {
			next++
			if err := handler(ctx, strconv.Itoa(next), msg); err != nil {
				return err
			}
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-wake:
		}
	}
}

func (h *testHost) CleanupSession(ctx context.Context, sessionID string) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.logs, sessionID)
	h.cleaned = append(h.cleaned, sessionID)
	return nil
}

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func TestCreateIssuesUniqueActiveSessions(t *testing.T) {
	m := NewManager(newTestHost())
	ctx := context.Background()

	seen := make(map[string]bool)
	for range 100 {
		s, err := m.Create(ctx, CreateParams{ProtocolVersion: "2025-06-18", Client: ClientInfo{Name: "c", Version: "1"}})
		if err != nil {
			t.Fatalf("create: %v", err)
		}
		if seen[s.ID()] {
			t.Fatalf("duplicate session id %s", s.ID())
		}
		seen[s.ID()] = true
		if s.State() != StateUninitialized {
			t.Fatalf("expected uninitialized, got %s", s.State())
		}
		s.MarkInitialized()
		if s.State() != StateActive || !s.Initialized() {
			t.Fatalf("expected active after initialized, got %s", s.State())
		}
		if s.ProtocolVersion() != "2025-06-18" || s.Client().Name != "c" {
			t.Fatalf("unexpected session fields: %+v %+v", s.ProtocolVersion(), s.Client())
		}
	}
	if m.Len() != 100 {
		t.Fatalf("expected 100 sessions, got %d", m.Len())
	}
}

func TestLookupUnknownAndEmpty(t *testing.T) {
	m := NewManager(newTestHost())
	for _, id := range []string{"", "nope"} {
		if _, err := m.Lookup(context.Background(), id); !errors.Is(err, ErrSessionNotFound) {
			t.Fatalf("Lookup(%q): expected ErrSessionNotFound, got %v", id, err)
		}
	}
}

func TestCloseCleansUpAndRejectsFurtherUse(t *testing.T) {
	host := newTestHost()
	m := NewManager(host)
	ctx := context.Background()
	s, _ := m.Create(ctx, CreateParams{})

	if err := m.Close(ctx, s.ID()); err != nil {
		t.Fatalf("close: %v", err)
	}
	if s.State() != StateClosed {
		t.Fatalf("expected closed state, got %s", s.State())
	}
	s.MarkInitialized()
	if s.State() != StateClosed || s.Initialized() {
		t.Fatalf("closed session must stay closed, got %s", s.State())
	}
	if err := m.Close(ctx, s.ID()); !errors.Is(err, ErrSessionNotFound) {
		t.Fatalf("second close: expected ErrSessionNotFound, got %v", err)
	}
	if err := m.Touch(ctx, s.ID()); !errors.Is(err, ErrSessionNotFound) {
		t.Fatalf("touch after close: expected ErrSessionNotFound, got %v", err)
	}
	if _, err := s.Channel().Notify(ctx, "notifications/tools/list_changed", nil); !errors.Is(err, ErrChannelClosed) {
		t.Fatalf("notify after close: expected ErrChannelClosed, got %v", err)
	}
	host.mu.Lock()
	defer host.mu.Unlock()
	if len(host.cleaned) != 1 || host.cleaned[0] != s.ID() {
		t.Fatalf("expected cleanup of %s, got %v", s.ID(), host.cleaned)
	}
}

func TestTouchUpdatesLastActivity(t *testing.T) {
	clock := &fakeClock{now: time.Unix(1000, 0)}
	m := NewManager(newTestHost(), WithClock(clock.Now))
	ctx := context.Background()
	s, _ := m.Create(ctx, CreateParams{})

	clock.Advance(time.Minute)
	if err := m.Touch(ctx, s.ID()); err != nil {
		t.Fatalf("touch: %v", err)
	}
	if got, want := s.LastActivityAt(), time.Unix(1060, 0); !got.Equal(want) {
		t.Fatalf("last activity %v, want %v", got, want)
	}
}

func TestIdleExpiryOnLookup(t *testing.T) {
	clock := &fakeClock{now: time.Unix(1000, 0)}
	m := NewManager(newTestHost(), WithClock(clock.Now), WithIdleTTL(time.Minute))
	ctx := context.Background()
	s, _ := m.Create(ctx, CreateParams{})

	clock.Advance(30 * time.Second)
	if _, err := m.Lookup(ctx, s.ID()); err != nil {
		t.Fatalf("lookup within ttl: %v", err)
	}
	clock.Advance(2 * time.Minute)
	if _, err := m.Lookup(ctx, s.ID()); !errors.Is(err, ErrSessionNotFound) {
		t.Fatalf("expected expiry, got %v", err)
	}
	if s.State() != StateClosed {
		t.Fatalf("expected expired session to be closed")
	}
}

func TestRunSweepsIdleSessions(t *testing.T) {
	clock := &fakeClock{now: time.Unix(1000, 0)}
	m := NewManager(newTestHost(), WithClock(clock.Now), WithIdleTTL(40*time.Millisecond))
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	s, _ := m.Create(ctx, CreateParams{})

	done := make(chan error, 1)
	go func() { done <- m.Run(ctx) }()
	clock.Advance(time.Second)

	deadline := time.After(2 * time.Second)
	for s.State() != StateClosed {
		select {
		case <-deadline:
			t.Fatal("janitor did not close idle session")
		case <-time.After(5 * time.Millisecond):
		}
	}
	cancel()
	if err := <-done; !errors.Is(err, context.Canceled) {
		t.Fatalf("run returned %v", err)
	}
}

func TestRunWithoutTTLReturnsImmediately(t *testing.T) {
	m := NewManager(newTestHost())
	if err := m.Run(context.Background()); err != nil {
		t.Fatalf("expected nil, got %v", err)
	}
}

func TestTouchCloseRace(t *testing.T) {
	m := NewManager(newTestHost())
	ctx := context.Background()
	s, _ := m.Create(ctx, CreateParams{})

	var wg sync.WaitGroup
	for range 50 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := m.Touch(ctx, s.ID())
			if err != nil && !errors.Is(err, ErrSessionNotFound) {
				t.Errorf("unexpected touch error: %v", err)
			}
		}()
	}
	_ = m.Close(ctx, s.ID())
	wg.Wait()
	if err := m.Touch(ctx, s.ID()); !errors.Is(err, ErrSessionNotFound) {
		t.Fatalf("touch after close: %v", err)
	}
}

func TestChannelStreamsInOrderAndEndsOnClose(t *testing.T) {
	m := NewManager(newTestHost())
	ctx := context.Background()
	s, _ := m.Create(ctx, CreateParams{})

	var mu sync.Mutex
	var got []string
	done := make(chan error, 1)
	go func() {
		done <- s.Channel().Stream(ctx, "", func(ctx context.Context, id string, msg []byte) error {
			mu.Lock()
			got = append(got, id)
			mu.Unlock()
			return nil
		})
	}()

	for i := range 5 {
		if _, err := s.Channel().Notify(ctx, "notifications/message", map[string]int{"i": i}); err != nil {
			t.Fatalf("notify: %v", err)
		}
	}
	deadline := time.After(2 * time.Second)
	for {
		mu.Lock()
		n := len(got)
		mu.Unlock()
		if n == 5 {
			break
		}
		select {
		case <-deadline:
			t.Fatalf("received %d of 5 events", n)
		case <-time.After(5 * time.Millisecond):
		}
	}
	_ = m.Close(ctx, s.ID())
	if err := <-done; err != nil {
		t.Fatalf("stream after close returned %v", err)
	}
	mu.Lock()
	defer mu.Unlock()
	for i, id := range got {
		if id != strconv.Itoa(i+1) {
			t.Fatalf("event %d has id %s", i, id)
		}
	}
}
