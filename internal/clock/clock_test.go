package clock

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestMockClock_AdvanceFiresInOrder(t *testing.T) {
	start := time.Date(2024, 1, 1, 20, 0, 0, 0, time.UTC)
	c := NewMockClock(start)

	var fired []string
	c.AfterFunc(12*time.Second, func() { fired = append(fired, "b") })
	c.AfterFunc(5*time.Second, func() { fired = append(fired, "a") })
	c.AfterFunc(30*time.Second, func() { fired = append(fired, "c") })

	c.Advance(12 * time.Second)
	assert.Equal(t, []string{"a", "b"}, fired)
	assert.Equal(t, 1, c.Pending())
	assert.Equal(t, start.Add(12*time.Second), c.Now())
}

func TestMockClock_RescheduleInsideWindow(t *testing.T) {
	c := NewMockClock(time.Now())

	ticks := 0
	var tick func()
	tick = func() {
		ticks++
		c.AfterFunc(12*time.Second, tick)
	}
	c.AfterFunc(12*time.Second, tick)

	c.Advance(60 * time.Second)
	assert.Equal(t, 5, ticks)
	assert.Equal(t, 1, c.Pending())
}

func TestMockClock_Stop(t *testing.T) {
	c := NewMockClock(time.Now())

	called := false
	timer := c.AfterFunc(time.Second, func() { called = true })
	assert.True(t, timer.Stop())
	assert.False(t, timer.Stop())

	c.Advance(2 * time.Second)
	assert.False(t, called)
	assert.Equal(t, 0, c.Pending())
}

func TestMockClock_SleepDoesNotBlock(t *testing.T) {
	c := NewMockClock(time.Now())
	before := c.Now()

	c.Sleep(50 * time.Millisecond)
	c.Sleep(50 * time.Millisecond)

	assert.Equal(t, before, c.Now())
	assert.Equal(t, 100*time.Millisecond, c.Slept())
}
