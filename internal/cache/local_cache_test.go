package cache

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestLocalCacheRoundTrip(t *testing.T) {
	c := NewLocalCache(time.Minute)
	defer c.Close()

	_, ok := c.Get("mx:example.org")
	assert.False(t, ok)

	c.Set("mx:example.org", []string{"mx1.example.org"}, 0)
	val, ok := c.Get("mx:example.org")
	assert.True(t, ok)
	assert.Equal(t, []string{"mx1.example.org"}, val)

	c.Delete("mx:example.org")
	_, ok = c.Get("mx:example.org")
	assert.False(t, ok)
}

func TestLocalCacheExpiry(t *testing.T) {
	c := NewLocalCache(time.Minute)
	defer c.Close()

	c.Set("k", "v", time.Millisecond)
	time.Sleep(5 * time.Millisecond)

	_, ok := c.Get("k")
	assert.False(t, ok, "expired entry must be a miss")
}
