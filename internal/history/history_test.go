package history

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type memSink struct {
	mu     sync.Mutex
	events []Event
	fail   bool
	closed bool
}

func (m *memSink) Send(_ context.Context, e Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.fail {
		return errors.New("sink down")
	}
	m.events = append(m.events, e)
	return nil
}

func (m *memSink) Close() error {
	m.closed = true
	return nil
}

func TestFanoutDeliversToEverySink(t *testing.T) {
	a, b := &memSink{}, &memSink{fail: true}
	c := &memSink{}
	f := NewFanout(0, a, b, c)
	assert.Equal(t, 3, f.Len())

	ctx, cancel := context.WithCancel(context.Background())
	cancel() // delivery outlives the caller's cancellation
	require.NoError(t, f.Send(ctx, Event{Type: EventStart, Service: Service{Name: "m1", Kind: "model", PID: 10, Status: "running"}}))

	require.Len(t, a.events, 1)
	require.Len(t, c.events, 1)
	assert.False(t, a.events[0].OccurredAt.IsZero())
	assert.Equal(t, "m1", c.events[0].Service.Name)

	require.NoError(t, f.Close())
	assert.True(t, a.closed)
	assert.True(t, b.closed)
}

func TestNilFanoutIsNoop(t *testing.T) {
	var f *Fanout
	assert.Equal(t, 0, f.Len())
	assert.NoError(t, f.Send(context.Background(), Event{Type: EventStop}))
	assert.NoError(t, f.Close())
}
