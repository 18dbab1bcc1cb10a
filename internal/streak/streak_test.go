package streak

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestNext(t *testing.T) {
	assert.Equal(t, 1, Next(0, false))
	assert.Equal(t, 1, Next(0, true))
	assert.Equal(t, 4, Next(3, true))
	assert.Equal(t, 1, Next(3, false))
}

func TestNextSequence(t *testing.T) {
	// Days 1, 2, 3 completed, day 4 missed, day 5 completed.
	completed := map[int]bool{1: true, 2: true, 3: true, 5: true}
	streak := 0
	var got []int
	for day := 1; day <= 5; day++ {
		if !completed[day] {
			continue
		}
		streak = Next(streak, completed[day-1])
		got = append(got, streak)
	}
	assert.Equal(t, []int{1, 2, 3, 1}, got)
}

func TestWindow(t *testing.T) {
	today := time.Date(2026, 2, 13, 18, 30, 0, 0, time.UTC)
	w := NewWindow(today, 7)

	assert.Equal(t, time.Date(2026, 2, 7, 0, 0, 0, 0, time.UTC), w.From)
	assert.Equal(t, time.Date(2026, 2, 13, 0, 0, 0, 0, time.UTC), w.To)
	assert.Equal(t, "07.02 - 13.02", w.Label())

	assert.True(t, w.Contains(today))
	assert.True(t, w.Contains(w.From))
	assert.False(t, w.Contains(w.From.AddDate(0, 0, -1)))
	assert.False(t, w.Contains(today.AddDate(0, 0, 1)))

	completed := []time.Time{
		time.Date(2026, 2, 7, 0, 0, 0, 0, time.UTC),
		time.Date(2026, 2, 12, 0, 0, 0, 0, time.UTC),
		time.Date(2026, 2, 13, 0, 0, 0, 0, time.UTC),
		time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC),
	}
	assert.Equal(t, []bool{true, false, false, false, false, true, true}, w.Marks(completed))
	assert.Equal(t, 3, w.Count(completed))
}

func TestWindowMinimumOneDay(t *testing.T) {
	w := NewWindow(time.Date(2026, 2, 13, 0, 0, 0, 0, time.UTC), 0)
	assert.Equal(t, 1, w.Days)
	assert.Equal(t, w.From, w.To)
}
