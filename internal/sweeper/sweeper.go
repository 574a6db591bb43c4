// Package sweeper implements the Expiry Sweeper: a long-lived background
// loop that deletes expired tokens and their sessions and publishes session
// lifecycle events for subscribers to react to.
//
// Grounded on the teacher's own background-sweep goroutine in
// internal/server/server.go (a ticker-driven loop selecting on ctx.Done()
// and ticker.C, calling a sweep method and logging), generalized from a
// fixed 10-minute in-memory cache sweep to a configurable cleanup_interval
// driving two store-backed phases (cleanup, then notice) per the core's
// §4.7 design.
package sweeper

import (
	"context"
	"log/slog"
	"time"

	"github.com/nilauth/authd/internal/bus"
	"github.com/nilauth/authd/internal/store"
)

// Leader is the distributed lock a clustered deployment uses to ensure only
// one instance's Sweeper runs a cleanup cycle at a time, satisfied by
// *internal/cluster.Cluster. A single-instance deployment leaves this nil
// and every cycle runs unconditionally.
type Leader interface {
	LockScheduler(ctx context.Context) error
	UnlockScheduler() error
}

// Sweeper runs the cleanup and notice phases on a fixed interval until
// stopped. It holds no cross-request state beyond its collaborators; every
// phase obtains its own store unit of work.
type Sweeper struct {
	store           store.TokenStore
	publisher       bus.Publisher
	cleanupInterval time.Duration
	leader          Leader

	stopCh chan struct{}
	doneCh chan struct{}
}

// New builds a Sweeper over the given token store and event publisher.
// cleanupInterval governs both the loop period and the notice phase's
// look-ahead window, per the core's §4.7.
func New(s store.TokenStore, publisher bus.Publisher, cleanupInterval time.Duration) *Sweeper {
	return &Sweeper{
		store:           s,
		publisher:       publisher,
		cleanupInterval: cleanupInterval,
		stopCh:          make(chan struct{}),
		doneCh:          make(chan struct{}),
	}
}

// WithLeader attaches a distributed lock so only one cluster member sweeps
// at a time; mirrors the teacher's own LockScheduler/UnlockScheduler pair
// for its cron scheduler.
func (s *Sweeper) WithLeader(leader Leader) *Sweeper {
	s.leader = leader
	return s
}

// Start runs the sweep loop in the current goroutine until ctx is cancelled
// or Stop is called. Callers that want it in the background should invoke
// it via `go sweeper.Start(ctx)`.
func (s *Sweeper) Start(ctx context.Context) {
	defer close(s.doneCh)

	ticker := time.NewTicker(s.cleanupInterval)
	defer ticker.Stop()

	for {
		s.runCycle(ctx)

		select {
		case <-ctx.Done():
			return
		case <-s.stopCh:
			return
		case <-ticker.C:
		}
	}
}

// Stop signals the loop to exit after its current cycle completes and
// blocks until it has. It may be called only once: a second call panics,
// since it closes the already-closed stopCh.
func (s *Sweeper) Stop() {
	close(s.stopCh)
	<-s.doneCh
}

// runCycle executes one cleanup phase followed by one notice phase,
// measuring elapsed time and logging at WARNING if the sweeper could not
// keep up with its own interval.
func (s *Sweeper) runCycle(ctx context.Context) {
	if s.leader != nil {
		if err := s.leader.LockScheduler(ctx); err != nil {
			slog.WarnContext(ctx, "sweeper: could not acquire cluster lock, skipping cycle", "error", err)
			return
		}
		defer func() {
			if err := s.leader.UnlockScheduler(); err != nil {
				slog.WarnContext(ctx, "sweeper: release cluster lock failed", "error", err)
			}
		}()
	}

	start := time.Now()

	s.cleanup(ctx)

	select {
	case <-ctx.Done():
		return
	default:
	}

	s.notice(ctx)

	elapsed := time.Since(start)
	if elapsed >= s.cleanupInterval {
		slog.WarnContext(ctx, "sweeper: cycle exceeded cleanup interval",
			"elapsed", elapsed, "interval", s.cleanupInterval)
	} else {
		slog.DebugContext(ctx, "sweeper: cycle complete", "elapsed", elapsed)
	}
}

// cleanup deletes every token whose expire_t < now along with its session,
// in one store unit of work, then publishes a SessionDeleted event per
// deleted session, correlated against the deleted token sharing its
// session_uuid. A session with no matching token logs a warning and is
// skipped, per the core's step 3.
//
// Any store error is logged and the phase ends without publishing; it
// never propagates, per the core's resilience rule that the sweeper is the
// only place an exception is consumed rather than surfaced.
func (s *Sweeper) cleanup(ctx context.Context) {
	now := time.Now().UTC()

	tokens, sessions, err := s.store.SweepExpired(ctx, now)
	if err != nil {
		slog.ErrorContext(ctx, "sweeper: cleanup phase failed", "error", err)
		return
	}

	tokensBySession := make(map[string]store.Token, len(tokens))
	for _, t := range tokens {
		tokensBySession[t.SessionUUID] = t
	}

	for _, sess := range sessions {
		tok, ok := tokensBySession[sess.UUID]
		if !ok {
			slog.WarnContext(ctx, "sweeper: deleted session has no matching deleted token, skipping", "session_uuid", sess.UUID)
			continue
		}

		s.publisher.Publish(ctx, bus.Event{
			Kind:       bus.SessionDeleted,
			UUID:       sess.UUID,
			UserUUID:   tok.AuthID,
			TenantUUID: tenantUUID(tok),
		})
	}
}

// notice publishes SessionExpireSoon for every token whose expire_t falls
// in (now, now+cleanup_interval], per the core's step 4. It runs
// independently of cleanup: a token expiring between phases may receive a
// "soon" event and then be deleted in the next cycle, which is expected.
func (s *Sweeper) notice(ctx context.Context) {
	now := time.Now().UTC()

	tokens, err := s.store.ListExpiringBetween(ctx, now, now.Add(s.cleanupInterval))
	if err != nil {
		slog.ErrorContext(ctx, "sweeper: notice phase failed", "error", err)
		return
	}

	for _, tok := range tokens {
		s.publisher.Publish(ctx, bus.Event{
			Kind:       bus.SessionExpireSoon,
			UUID:       tok.SessionUUID,
			UserUUID:   tok.AuthID,
			TenantUUID: tenantUUID(tok),
		})
	}
}

// tenantUUID extracts metadata.tenant_uuid from a token, per the bus
// event's payload shape in the core's §7/§4.7. Missing or non-string
// values yield the empty string.
func tenantUUID(t store.Token) string {
	v, ok := t.Metadata["tenant_uuid"]
	if !ok {
		return ""
	}
	s, _ := v.(string)
	return s
}
