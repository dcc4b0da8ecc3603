package frequency

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/newswire/adserve/internal/kvstore"
	"github.com/newswire/adserve/internal/metrics"
	"go.uber.org/zap"
)

// Policy limits how often a placement kind may be shown to the same
// browsing context.  One policy per placement kind, not per ad.
type Policy string

const (
	PolicyAlways         Policy = "always"
	PolicyOncePerSession Policy = "once_per_session"
	PolicyOncePerDay     Policy = "once_per_day"
	PolicyOncePerWeek    Policy = "once_per_week"
	PolicyOnceEver       Policy = "once_ever"
)

const (
	dayWindow  = 24 * time.Hour
	weekWindow = 7 * 24 * time.Hour
)

// CapKey derives the storage key for a visitor/placement pair.
func CapKey(visitorID, placementKind string) string {
	return fmt.Sprintf("%s:%s", visitorID, placementKind)
}

// Store answers "may this placement show again?" against two shared
// key-value regions: a durable one for day/week/ever policies and a
// session-scoped one.  Caps are advisory: every storage failure resolves
// to "show it" and writes are best-effort.
type Store struct {
	durable kvstore.Store
	session kvstore.Store
	now     func() time.Time
	logger  *zap.Logger
	metrics *metrics.Metrics
}

// NewStore creates a frequency-cap store over the given regions.
func NewStore(durable, session kvstore.Store, logger *zap.Logger, m *metrics.Metrics) *Store {
	return &Store{
		durable: durable,
		session: session,
		now:     time.Now,
		logger:  logger,
		metrics: m,
	}
}

// SetNowFunc overrides the clock. Test hook.
func (s *Store) SetNowFunc(now func() time.Time) {
	s.now = now
}

// ShouldShow reports whether a display satisfying policy is currently
// allowed for key.  Fails open: an unreadable region never suppresses ads.
func (s *Store) ShouldShow(ctx context.Context, key string, policy Policy) bool {
	allowed := s.check(ctx, key, policy)

	outcome := "allowed"
	if !allowed {
		outcome = "capped"
	}
	s.metrics.RecordCapCheck(string(policy), outcome)

	return allowed
}

func (s *Store) check(ctx context.Context, key string, policy Policy) bool {
	switch policy {
	case PolicyAlways, "":
		return true

	case PolicyOncePerSession:
		_, found, err := s.session.Get(ctx, key)
		if err != nil {
			s.failOpen("session_get", key, err)
			return true
		}
		return !found

	case PolicyOncePerDay:
		return s.windowElapsed(ctx, key, dayWindow)

	case PolicyOncePerWeek:
		return s.windowElapsed(ctx, key, weekWindow)

	case PolicyOnceEver:
		_, found, err := s.durable.Get(ctx, key)
		if err != nil {
			s.failOpen("durable_get", key, err)
			return true
		}
		return !found

	default:
		// Unknown policy from stale configuration: treat as always.
		return true
	}
}

// windowElapsed is true when no record exists or the last qualifying
// display is older than window.
func (s *Store) windowElapsed(ctx context.Context, key string, window time.Duration) bool {
	val, found, err := s.durable.Get(ctx, key)
	if err != nil {
		s.failOpen("durable_get", key, err)
		return true
	}
	if !found {
		return true
	}
	last, err := strconv.ParseInt(val, 10, 64)
	if err != nil {
		// Corrupt record: overwrite on next mark, allow meanwhile.
		return true
	}
	return s.now().Sub(time.Unix(last, 0)) > window
}

// MarkShown records a qualifying display for key.  Records are overwritten,
// never deleted; policies expire them by age.  Write failures are swallowed.
func (s *Store) MarkShown(ctx context.Context, key string, policy Policy) {
	ts := strconv.FormatInt(s.now().Unix(), 10)

	switch policy {
	case PolicyAlways, "":
		return
	case PolicyOncePerSession:
		if err := s.session.Set(ctx, key, ts); err != nil {
			s.failOpen("session_set", key, err)
		}
	case PolicyOncePerDay, PolicyOncePerWeek, PolicyOnceEver:
		if err := s.durable.Set(ctx, key, ts); err != nil {
			s.failOpen("durable_set", key, err)
		}
	}
}

// Clear wipes both regions.  Exposed to editorial tooling.
func (s *Store) Clear(ctx context.Context) error {
	if err := s.durable.Clear(ctx); err != nil {
		return fmt.Errorf("clear durable region: %w", err)
	}
	if err := s.session.Clear(ctx); err != nil {
		return fmt.Errorf("clear session region: %w", err)
	}
	return nil
}

func (s *Store) failOpen(op, key string, err error) {
	s.metrics.RecordStoreError(op)
	if s.logger != nil {
		s.logger.Warn("frequency store unavailable, failing open",
			zap.String("op", op),
			zap.String("key", key),
			zap.Error(err),
		)
	}
}
