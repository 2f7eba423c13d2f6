package takerclient

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

// A fresh client with no stream writes yet is stale: LastUpdateAge must
// not report a false "fresh" reading before any ticker message arrives.
func TestClient_IsStale_NeverWritten(t *testing.T) {
	c := New(Config{})
	assert.True(t, c.IsStale())
	_, ok := c.LastUpdateAge()
	assert.False(t, ok)
}

func TestClient_IsStale_RecentWrite(t *testing.T) {
	c := New(Config{})
	c.mu.Lock()
	c.lastWrite = time.Now()
	c.mu.Unlock()

	assert.False(t, c.IsStale())
}

// After StaleThreshold has elapsed since the last push message, IsStale
// must flip even though the websocket connection itself never errored.
func TestClient_IsStale_AfterThreshold(t *testing.T) {
	c := New(Config{})
	c.mu.Lock()
	c.lastWrite = time.Now().Add(-(StaleThreshold + time.Second))
	c.mu.Unlock()

	assert.True(t, c.IsStale())
	age, ok := c.LastUpdateAge()
	assert.True(t, ok)
	assert.GreaterOrEqual(t, age, StaleThreshold)
}

// GetPosition never reads the push cache: it always performs its own
// authoritative round trip, and on failure returns the error rather than
// a false zero position.
func TestClient_GetPosition_FailureIsPropagated(t *testing.T) {
	c := New(Config{RESTBaseURL: "http://127.0.0.1:0"})
	c.rest.RetryMax = 0
	_, err := c.GetPosition(context.Background(), "BTC")
	assert.Error(t, err)
}
