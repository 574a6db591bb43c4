package sweeper

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/nilauth/authd/internal/bus"
	"github.com/nilauth/authd/internal/store"
	"github.com/nilauth/authd/internal/store/memory"
)

// collector is a bus.Publisher that records every published event, safe for
// concurrent use by the sweeper's own goroutine and the test's assertions.
type collector struct {
	mu     sync.Mutex
	events []bus.Event
}

func (c *collector) Publish(_ context.Context, event bus.Event) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, event)
}

func (c *collector) snapshot() []bus.Event {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]bus.Event, len(c.events))
	copy(out, c.events)
	return out
}

// TestSweepExpiredTokenPublishesSessionDeleted is scenario 6 from the
// core's §8: one expired token, one live token; a cleanup cycle deletes
// only the expired one and publishes its session_uuid.
func TestSweepExpiredTokenPublishesSessionDeleted(t *testing.T) {
	ctx := context.Background()
	m := memory.New()

	expired, err := m.CreateToken(ctx, store.Token{
		AuthID:      "expired-user",
		SessionUUID: "sess-expired",
		ExpireAt:    time.Now().UTC().Add(-time.Second),
		Metadata:    map[string]any{"tenant_uuid": "tenant-1"},
	})
	if err != nil {
		t.Fatalf("create expired token: %v", err)
	}

	live, err := m.CreateToken(ctx, store.Token{
		AuthID:      "live-user",
		SessionUUID: "sess-live",
		ExpireAt:    time.Now().UTC().Add(time.Hour),
	})
	if err != nil {
		t.Fatalf("create live token: %v", err)
	}

	c := &collector{}
	sw := New(m, c, time.Minute)

	sw.runCycle(ctx)

	events := c.snapshot()
	if len(events) != 1 {
		t.Fatalf("expected exactly one event, got %d: %+v", len(events), events)
	}
	ev := events[0]
	if ev.Kind != bus.SessionDeleted {
		t.Fatalf("expected SessionDeleted, got %v", ev.Kind)
	}
	if ev.UUID != expired.SessionUUID {
		t.Fatalf("expected session uuid %q, got %q", expired.SessionUUID, ev.UUID)
	}
	if ev.UserUUID != expired.AuthID {
		t.Fatalf("expected user uuid %q, got %q", expired.AuthID, ev.UserUUID)
	}
	if ev.TenantUUID != "tenant-1" {
		t.Fatalf("expected tenant uuid %q, got %q", "tenant-1", ev.TenantUUID)
	}

	if _, err := m.GetToken(ctx, expired.UUID); err == nil {
		t.Fatal("expired token should have been deleted")
	}
	if _, err := m.GetToken(ctx, live.UUID); err != nil {
		t.Fatalf("live token should still exist: %v", err)
	}
}

// TestNoticePhaseSkipsTokensOutsideWindow is scenario 6's second half: with
// cleanup_interval=60s a token expiring in an hour gets no "expiring soon"
// event.
func TestNoticePhaseSkipsTokensOutsideWindow(t *testing.T) {
	ctx := context.Background()
	m := memory.New()

	if _, err := m.CreateToken(ctx, store.Token{
		AuthID:      "far-future-user",
		SessionUUID: "sess-far",
		ExpireAt:    time.Now().UTC().Add(time.Hour),
	}); err != nil {
		t.Fatalf("create token: %v", err)
	}

	c := &collector{}
	sw := New(m, c, 60*time.Second)

	sw.notice(ctx)

	if events := c.snapshot(); len(events) != 0 {
		t.Fatalf("expected no expire-soon events, got %+v", events)
	}
}

// TestNoticePhasePublishesExpireSoonWithinWindow covers a token that falls
// inside the (now, now+interval] notice window.
func TestNoticePhasePublishesExpireSoonWithinWindow(t *testing.T) {
	ctx := context.Background()
	m := memory.New()

	tok, err := m.CreateToken(ctx, store.Token{
		AuthID:      "soon-user",
		SessionUUID: "sess-soon",
		ExpireAt:    time.Now().UTC().Add(30 * time.Second),
		Metadata:    map[string]any{"tenant_uuid": "tenant-2"},
	})
	if err != nil {
		t.Fatalf("create token: %v", err)
	}

	c := &collector{}
	sw := New(m, c, 60*time.Second)

	sw.notice(ctx)

	events := c.snapshot()
	if len(events) != 1 {
		t.Fatalf("expected exactly one event, got %d: %+v", len(events), events)
	}
	if events[0].Kind != bus.SessionExpireSoon {
		t.Fatalf("expected SessionExpireSoon, got %v", events[0].Kind)
	}
	if events[0].UUID != tok.SessionUUID {
		t.Fatalf("expected session uuid %q, got %q", tok.SessionUUID, events[0].UUID)
	}
}

// TestStartStopLifecycle exercises the goroutine-driven loop itself: Start
// runs at least one cycle immediately, then Stop returns once the loop has
// exited.
func TestStartStopLifecycle(t *testing.T) {
	ctx := context.Background()
	m := memory.New()

	if _, err := m.CreateToken(ctx, store.Token{
		AuthID:      "loop-user",
		SessionUUID: "sess-loop",
		ExpireAt:    time.Now().UTC().Add(-time.Second),
	}); err != nil {
		t.Fatalf("create token: %v", err)
	}

	c := &collector{}
	sw := New(m, c, time.Hour)

	started := make(chan struct{})
	go func() {
		close(started)
		sw.Start(ctx)
	}()
	<-started

	deadline := time.After(time.Second)
	for {
		if len(c.snapshot()) > 0 {
			break
		}
		select {
		case <-deadline:
			t.Fatal("timed out waiting for first cycle to run")
		case <-time.After(time.Millisecond):
		}
	}

	sw.Stop()
}
