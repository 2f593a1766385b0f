package runloop

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestStatsCollector(t *testing.T) {
	c := NewStatsCollector()

	s := c.Stats()
	assert.Zero(t, s.Received)
	assert.Zero(t, s.MinLatency, "min latency is reported as zero before anything is handled")
	assert.False(t, s.StartedAt.IsZero())

	c.RecordReceived()
	c.RecordReceived()
	c.RecordHandled(10 * time.Millisecond)
	c.RecordHandled(30 * time.Millisecond)
	c.RecordError(errors.New("oops"))
	c.RecordOffLoop()
	c.RecordEvicted()

	s = c.Stats()
	assert.Equal(t, int64(2), s.Received)
	assert.Equal(t, int64(2), s.Handled)
	assert.Equal(t, int64(1), s.Errors)
	assert.Equal(t, int64(1), s.OffLoop)
	assert.Equal(t, int64(1), s.Evicted)
	assert.Equal(t, 40*time.Millisecond, s.TotalLatency)
	assert.Equal(t, 20*time.Millisecond, s.AverageLatency)
	assert.Equal(t, 30*time.Millisecond, s.MaxLatency)
	assert.Equal(t, 10*time.Millisecond, s.MinLatency)
	assert.EqualError(t, s.LastError, "oops")
	assert.False(t, s.LastReceiveAt.IsZero())

	c.Reset()
	s = c.Stats()
	assert.Zero(t, s.Received)
	assert.Zero(t, s.Handled)
	assert.Nil(t, s.LastError)
}
