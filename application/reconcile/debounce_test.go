package reconcile

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestDebouncerRestartsOnEachSchedule(t *testing.T) {
	clock := NewManualClock(t0)
	d := NewDebouncer(clock)
	var fired []string

	d.Schedule("notes:p1", 3*time.Second, func() { fired = append(fired, "first") })
	clock.Advance(2 * time.Second)
	d.Schedule("notes:p1", 3*time.Second, func() { fired = append(fired, "second") })

	clock.Advance(2 * time.Second)
	assert.Empty(t, fired)
	assert.True(t, d.Pending("notes:p1"))

	clock.Advance(time.Second)
	assert.Equal(t, []string{"second"}, fired)
	assert.False(t, d.Pending("notes:p1"))
}

func TestDebouncerKeysAreIndependent(t *testing.T) {
	clock := NewManualClock(t0)
	d := NewDebouncer(clock)
	var fired []string

	d.Schedule("a", time.Second, func() { fired = append(fired, "a") })
	d.Schedule("b", 500*time.Millisecond, func() { fired = append(fired, "b") })
	clock.Advance(time.Second)

	assert.Equal(t, []string{"b", "a"}, fired)
}

func TestDebouncerCancelAndStop(t *testing.T) {
	clock := NewManualClock(t0)
	d := NewDebouncer(clock)
	fired := 0

	d.Schedule("a", time.Second, func() { fired++ })
	assert.True(t, d.Cancel("a"))
	assert.False(t, d.Cancel("a"))

	d.Schedule("b", time.Second, func() { fired++ })
	d.Stop()
	d.Schedule("c", time.Second, func() { fired++ })
	clock.Advance(time.Minute)

	assert.Equal(t, 0, fired)
}

func TestDebouncerRekey(t *testing.T) {
	clock := NewManualClock(t0)
	d := NewDebouncer(clock)
	var fired []string

	d.Schedule("notes:tmp", 3*time.Second, func() { fired = append(fired, "moved") })
	clock.Advance(2 * time.Second)
	d.Rekey("notes:tmp", "notes:p1")
	assert.False(t, d.Pending("notes:tmp"))
	assert.True(t, d.Pending("notes:p1"))

	clock.Advance(time.Second)
	assert.Equal(t, []string{"moved"}, fired, "deadline is kept")

	t.Run("existing task under the new key wins", func(t *testing.T) {
		var got []string
		d.Schedule("doi:tmp", time.Second, func() { got = append(got, "old") })
		d.Schedule("doi:p1", 2*time.Second, func() { got = append(got, "new") })
		d.Rekey("doi:tmp", "doi:p1")
		clock.Advance(2 * time.Second)
		assert.Equal(t, []string{"new"}, got)
	})

	t.Run("rescheduling a moved task restarts it", func(t *testing.T) {
		var got []string
		d.Schedule("a", time.Second, func() { got = append(got, "first") })
		d.Rekey("a", "b")
		d.Schedule("b", 3*time.Second, func() { got = append(got, "second") })
		clock.Advance(time.Second)
		assert.Empty(t, got)
		clock.Advance(2 * time.Second)
		assert.Equal(t, []string{"second"}, got)
	})
}
