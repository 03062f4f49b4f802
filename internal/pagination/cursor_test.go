package pagination

import (
	"math/rand"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func ms(t time.Time) int64 { return t.UnixMilli() }

func TestWindowsScenarioHourly(t *testing.T) {
	base := time.Date(2022, 1, 1, 0, 0, 0, 0, time.UTC)
	hour := time.Hour.Milliseconds()

	got := Collect(ms(base), ms(base.Add(5*time.Hour)), hour, 2)

	require.Len(t, got, 3)
	assert.Equal(t, Window{From: ms(base), To: ms(base.Add(2 * time.Hour))}, got[0])
	assert.Equal(t, Window{From: ms(base.Add(2 * time.Hour)), To: ms(base.Add(4 * time.Hour))}, got[1])
	assert.Equal(t, Window{From: ms(base.Add(4 * time.Hour)), To: ms(base.Add(5 * time.Hour))}, got[2])
	assert.Equal(t, 1, got[2].Rows(hour))
	assert.Equal(t, 3, Count(ms(base), ms(base.Add(5*time.Hour)), hour, 2))
}

func TestWindowsEmpty(t *testing.T) {
	assert.Empty(t, Collect(10, 10, 1, 5))
	assert.Empty(t, Collect(20, 10, 1, 5))
	assert.Empty(t, Collect(0, 10, 0, 5))
	assert.Empty(t, Collect(0, 10, 1, 0))
	assert.Equal(t, 0, Count(20, 10, 1, 5))
}

func TestWindowsEarlyBreak(t *testing.T) {
	n := 0
	for range Windows(0, 1000, 1, 10) {
		n++
		if n == 3 {
			break
		}
	}
	assert.Equal(t, 3, n)
}

func TestWindowsRestartable(t *testing.T) {
	seq := Windows(0, 95, 10, 3)
	var first, second []Window
	for w := range seq {
		first = append(first, w)
	}
	for w := range seq {
		second = append(second, w)
	}
	assert.Equal(t, first, second)
}

func TestWindowsCoverProperty(t *testing.T) {
	rng := rand.New(rand.NewSource(42))
	for i := 0; i < 500; i++ {
		step := int64(rng.Intn(10_000) + 1)
		rows := rng.Intn(1000) + 1
		start := rng.Int63n(1 << 40)
		end := start + rng.Int63n(step*int64(rows)*7+1)

		got := Collect(start, end, step, rows)
		assert.Equal(t, Count(start, end, step, rows), len(got))
		if start >= end {
			assert.Empty(t, got)
			continue
		}
		require.NotEmpty(t, got)
		assert.Equal(t, start, got[0].From)
		assert.Equal(t, end, got[len(got)-1].To)
		for j, w := range got {
			assert.Less(t, w.From, w.To)
			assert.LessOrEqual(t, w.Rows(step), rows)
			if j > 0 {
				assert.Equal(t, got[j-1].To, w.From, "windows must be contiguous")
			}
		}
	}
}
