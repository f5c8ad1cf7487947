// Package deferral records a user's "not now" answer for a specific build.
//
// A record suppresses prompts about exactly one build until its deadline.
// Records are never deleted: they stop applying once the deadline passes or
// once a differently identified build is staged. Reads fail open, so a broken
// store can never hide an update from the user.
package deferral

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"hotswap/pkg/kvstore"
	"hotswap/pkg/protocol"

	"go.uber.org/zap"
)

// DefaultDuration is how long a "Later" answer suppresses the prompt.
const DefaultDuration = 4 * time.Hour

// errNoStore is returned by Defer when no backing store is configured.
var errNoStore = errors.New("deferral store unavailable")

// Record is a persisted deferral for one build.
type Record struct {
	Build string
	Until time.Time
}

// Active reports whether r still suppresses prompts at now.
func (r Record) Active(now time.Time) bool {
	return now.UnixMilli() < r.Until.UnixMilli()
}

// Store reads and writes deferral records in the origin KV store.
type Store struct {
	kv  kvstore.Store
	log *zap.Logger

	// nowFunc allows tests to control time.
	nowFunc func() time.Time
}

// New returns a Store over kv. A nil kv yields a store that never defers.
func New(kv kvstore.Store, logger *zap.Logger) *Store {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Store{kv: kv, log: logger, nowFunc: time.Now}
}

// SetNow overrides the clock (for testing).
func (s *Store) SetNow(now func() time.Time) {
	s.nowFunc = now
}

// IsDeferred reports whether build has a deferral record that has not yet
// expired. Any storage failure reads as "not deferred".
func (s *Store) IsDeferred(ctx context.Context, build string) bool {
	rec, ok := s.Lookup(ctx, build)
	if !ok {
		return false
	}
	return rec.Active(s.nowFunc())
}

// Lookup returns the stored record for build, expired or not.
func (s *Store) Lookup(ctx context.Context, build string) (Record, bool) {
	if s.kv == nil {
		return Record{}, false
	}
	raw, ok, err := s.kv.Get(ctx, protocol.DeferralKey(build))
	if err != nil {
		s.log.Warn("deferral read failed, treating as not deferred",
			zap.String("build", build), zap.Error(err))
		return Record{}, false
	}
	if !ok {
		return Record{}, false
	}
	until, err := parseMillis(raw)
	if err != nil {
		s.log.Warn("malformed deferral record ignored",
			zap.String("build", build), zap.String("value", raw))
		return Record{}, false
	}
	return Record{Build: build, Until: until}, true
}

// Defer suppresses prompts about build for d from now, overwriting any prior
// record for the same build.
func (s *Store) Defer(ctx context.Context, build string, d time.Duration) error {
	if s.kv == nil {
		return errNoStore
	}
	until := s.nowFunc().Add(d)
	value := strconv.FormatInt(until.UnixMilli(), 10)
	if err := s.kv.Set(ctx, protocol.DeferralKey(build), value); err != nil {
		return fmt.Errorf("defer %s: %w", build, err)
	}
	s.log.Info("update deferred", zap.String("build", build), zap.Time("until", until))
	return nil
}

// DeferHours is Defer expressed in hours.
func (s *Store) DeferHours(ctx context.Context, build string, hours float64) error {
	return s.Defer(ctx, build, time.Duration(hours*float64(time.Hour)))
}

// List returns every stored record sorted by build.
func (s *Store) List(ctx context.Context) ([]Record, error) {
	if s.kv == nil {
		return nil, errNoStore
	}
	entries, err := s.kv.List(ctx, protocol.DeferralKeyPrefix)
	if err != nil {
		return nil, fmt.Errorf("list deferrals: %w", err)
	}
	out := make([]Record, 0, len(entries))
	for key, raw := range entries {
		until, err := parseMillis(raw)
		if err != nil {
			continue
		}
		out = append(out, Record{Build: strings.TrimPrefix(key, protocol.DeferralKeyPrefix), Until: until})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Build < out[j].Build })
	return out, nil
}

func parseMillis(raw string) (time.Time, error) {
	ms, err := strconv.ParseInt(strings.TrimSpace(raw), 10, 64)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse deferral timestamp %q: %w", raw, err)
	}
	return time.UnixMilli(ms), nil
}
