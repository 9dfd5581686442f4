package window

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Dv04/DAU-MAU-counter/internal/sketch"
)

func testFactory(t *testing.T) *sketch.Factory {
	f, err := sketch.NewFactory(sketch.Config{K: 256}, "set")
	require.NoError(t, err)
	return f
}

func fixedLoader(byDay map[string][]KeyEvent) EventsLoader {
	return func(day string) ([]KeyEvent, error) {
		return byDay[day], nil
	}
}

func TestStore_DAU_CountsActiveKeysOnly(t *testing.T) {
	s := NewStore(testFactory(t))
	loader := fixedLoader(map[string][]KeyEvent{
		"2026-01-01": {
			{Add: true, Hash: 1},
			{Add: true, Hash: 2},
			{Add: true, Hash: 3},
			{Add: false, Hash: 2},
		},
	})
	est, _, err := s.DAU("2026-01-01", loader)
	require.NoError(t, err)
	assert.Equal(t, float64(2), est)
}

func TestStore_DAU_CachesUntilTouched(t *testing.T) {
	s := NewStore(testFactory(t))
	calls := 0
	loader := func(day string) ([]KeyEvent, error) {
		calls++
		return []KeyEvent{{Add: true, Hash: 1}}, nil
	}
	_, _, err := s.DAU("2026-01-01", loader)
	require.NoError(t, err)
	_, _, err = s.DAU("2026-01-01", loader)
	require.NoError(t, err)
	assert.Equal(t, 1, calls, "second call should hit the cached snapshot")

	s.Touch("2026-01-01")
	_, _, err = s.DAU("2026-01-01", loader)
	require.NoError(t, err)
	assert.Equal(t, 2, calls, "touching the day should force a rebuild")
}

func TestStore_MAU_UnionsAcrossWindow(t *testing.T) {
	s := NewStore(testFactory(t))
	loader := fixedLoader(map[string][]KeyEvent{
		"2026-01-01": {{Add: true, Hash: 1}},
		"2026-01-02": {{Add: true, Hash: 2}},
		"2026-01-03": {{Add: true, Hash: 1}}, // overlaps day 1
	})
	est, _, err := s.MAU("2026-01-03", 3, loader)
	require.NoError(t, err)
	assert.Equal(t, float64(2), est)
}

func TestStore_MAU_WindowOfOneDayMatchesDAU(t *testing.T) {
	s := NewStore(testFactory(t))
	loader := fixedLoader(map[string][]KeyEvent{
		"2026-01-05": {{Add: true, Hash: 9}, {Add: true, Hash: 10}},
	})
	dau, _, err := s.DAU("2026-01-05", loader)
	require.NoError(t, err)
	mau, _, err := s.MAU("2026-01-05", 1, loader)
	require.NoError(t, err)
	assert.Equal(t, dau, mau)
}

func TestDaysInWindow_ReturnsAscendingInclusiveRange(t *testing.T) {
	days, err := DaysInWindow("2026-01-03", 3)
	require.NoError(t, err)
	assert.Equal(t, []string{"2026-01-01", "2026-01-02", "2026-01-03"}, days)
}

func TestStore_Evict_ForcesFullRebuildIncludingKeySet(t *testing.T) {
	s := NewStore(testFactory(t))
	loader := fixedLoader(map[string][]KeyEvent{
		"2026-02-01": {{Add: true, Hash: 1}, {Add: true, Hash: 2}},
	})
	_, _, err := s.DAU("2026-02-01", loader)
	require.NoError(t, err)

	s.Evict("2026-02-01")
	loader = fixedLoader(map[string][]KeyEvent{
		"2026-02-01": {{Add: true, Hash: 1}},
	})
	est, _, err := s.DAU("2026-02-01", loader)
	require.NoError(t, err)
	assert.Equal(t, float64(1), est)
}
