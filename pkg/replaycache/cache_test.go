package replaycache

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestCache_FirstSeenIsNew(t *testing.T) {
	c := NewCache(time.Minute)
	assert.Equal(t, New, c.CheckAndInsert("wf-1"))
}

func TestCache_RepeatWithinTTLIsReplay(t *testing.T) {
	now := time.Unix(1000, 0)
	c := NewCache(time.Minute).WithClock(func() time.Time { return now })

	assert.Equal(t, New, c.CheckAndInsert("wf-1"))
	assert.Equal(t, Replay, c.CheckAndInsert("wf-1"))
}

func TestCache_EntryExpiresAfterTTL(t *testing.T) {
	now := time.Unix(1000, 0)
	c := NewCache(time.Minute).WithClock(func() time.Time { return now })

	assert.Equal(t, New, c.CheckAndInsert("wf-1"))
	now = now.Add(2 * time.Minute)
	assert.Equal(t, New, c.CheckAndInsert("wf-1"))
}

func TestCache_ZeroTTLDisables(t *testing.T) {
	c := NewCache(0)
	assert.Equal(t, Disabled, c.CheckAndInsert("wf-1"))
	assert.Equal(t, Disabled, c.CheckAndInsert("wf-1"))
}

func TestCache_SweepRemovesExpired(t *testing.T) {
	now := time.Unix(1000, 0)
	c := NewCache(time.Minute).WithClock(func() time.Time { return now })

	c.CheckAndInsert("wf-1")
	now = now.Add(2 * time.Minute)
	c.sweep()
	assert.Equal(t, 0, c.Len())
}
