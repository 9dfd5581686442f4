// Package window maintains per-day distinct-count snapshots and folds them
// into rolling DAU/MAU estimates, lazily rebuilding any day whose
// underlying activity log has changed since it was last snapshotted.
package window

import (
	"fmt"
	"time"

	"github.com/Dv04/DAU-MAU-counter/internal/sketch"
)

// KeyEvent is a single turnstile event as the window store needs it: a
// pseudonymized, sketch-ready hash and the direction it moved the user.
type KeyEvent struct {
	Add  bool // true for "+", false for "-"
	Hash uint64
}

// EventsLoader fetches every turnstile event recorded for a day, in
// insertion order, so the snapshot builder can replay them into the active
// set for that day.
type EventsLoader func(day string) ([]KeyEvent, error)

// daySnapshot is the materialized state for one calendar day: the sketch
// used for estimation, and the raw active-key set it was built from. DAU
// and MAU read only the sketch.
type daySnapshot struct {
	sk    sketch.Sketch
	keys  map[uint64]struct{}
	dirty bool
}

// Store holds one snapshot per day and rebuilds lazily on access.
type Store struct {
	factory   *sketch.Factory
	snapshots map[string]*daySnapshot
}

// NewStore builds an empty Store backed by factory.
func NewStore(factory *sketch.Factory) *Store {
	return &Store{
		factory:   factory,
		snapshots: make(map[string]*daySnapshot),
	}
}

// Touch marks day's snapshot dirty so the next access rebuilds it from the
// ledger instead of trusting the cached sketch. Used after an insertion or
// an erasure affecting that day.
func (s *Store) Touch(day string) {
	if snap, ok := s.snapshots[day]; ok {
		snap.dirty = true
	}
}

// Evict drops a cached snapshot outright, forcing a full rebuild (including
// a fresh active-key set) on next access. Used after a retroactive deletion
// that must not leave a stale in-memory key set behind.
func (s *Store) Evict(day string) {
	delete(s.snapshots, day)
}

func (s *Store) buildSnapshot(day string, loader EventsLoader) (*daySnapshot, error) {
	events, err := loader(day)
	if err != nil {
		return nil, fmt.Errorf("load events for day %s: %w", day, err)
	}
	active := make(map[uint64]struct{})
	for _, ev := range events {
		if ev.Add {
			active[ev.Hash] = struct{}{}
		} else {
			delete(active, ev.Hash)
		}
	}
	sk, err := s.factory.Create("")
	if err != nil {
		return nil, fmt.Errorf("create sketch for day %s: %w", day, err)
	}
	for h := range active {
		sk.Add(h)
	}
	snap := &daySnapshot{sk: sk, keys: active, dirty: false}
	s.snapshots[day] = snap
	return snap, nil
}

// getSnapshot returns the cached snapshot for day, rebuilding it first if
// missing or marked dirty.
func (s *Store) getSnapshot(day string, loader EventsLoader) (*daySnapshot, error) {
	snap, ok := s.snapshots[day]
	if !ok || snap.dirty {
		return s.buildSnapshot(day, loader)
	}
	return snap, nil
}

// DAU returns the (unnoised) distinct-count estimate for a single day,
// along with the sketch backing it (so the caller can serialize it into the
// ledger without recomputing).
func (s *Store) DAU(day string, loader EventsLoader) (float64, sketch.Sketch, error) {
	snap, err := s.getSnapshot(day, loader)
	if err != nil {
		return 0, nil, err
	}
	return snap.sk.Estimate(), snap.sk, nil
}

// MAU returns the (unnoised) rolling-window distinct-count estimate ending
// on endDay and spanning windowDays calendar days, inclusive.
func (s *Store) MAU(endDay string, windowDays int, loader EventsLoader) (float64, sketch.Sketch, error) {
	end, err := time.Parse("2006-01-02", endDay)
	if err != nil {
		return 0, nil, fmt.Errorf("parse end day %q: %w", endDay, err)
	}
	start := end.AddDate(0, 0, -(windowDays - 1))

	union, err := s.factory.Create("")
	if err != nil {
		return 0, nil, fmt.Errorf("create union sketch: %w", err)
	}
	for d := start; !d.After(end); d = d.AddDate(0, 0, 1) {
		dayKey := d.Format("2006-01-02")
		snap, err := s.getSnapshot(dayKey, loader)
		if err != nil {
			return 0, nil, err
		}
		union.Union(snap.sk)
	}
	return union.Estimate(), union, nil
}

// DaysInWindow returns the list of calendar days (inclusive) that a rolling
// window ending on endDay and spanning windowDays would touch, in
// ascending order.
func DaysInWindow(endDay string, windowDays int) ([]string, error) {
	end, err := time.Parse("2006-01-02", endDay)
	if err != nil {
		return nil, fmt.Errorf("parse end day %q: %w", endDay, err)
	}
	start := end.AddDate(0, 0, -(windowDays - 1))
	days := make([]string, 0, windowDays)
	for d := start; !d.After(end); d = d.AddDate(0, 0, 1) {
		days = append(days, d.Format("2006-01-02"))
	}
	return days, nil
}
