package progress

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type captureSink struct {
	mu      sync.Mutex
	events  []Event
	batches int
	closed  bool
}

func (s *captureSink) Consume(_ context.Context, batch []Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, batch...)
	s.batches++
	return nil
}

func (s *captureSink) Close(context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

func (s *captureSink) snapshot() ([]Event, int, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Event(nil), s.events...), s.batches, s.closed
}

func validEvent(runID string) Event {
	return Event{RunID: runID, TS: time.Now(), Stage: StageRunStart, Kind: "discovery"}
}

func TestHubDeliversOnClose(t *testing.T) {
	t.Parallel()

	sink := &captureSink{}
	hub := NewHub(Config{MaxBatchWait: time.Hour}, sink)

	hub.Emit(validEvent("r1"))
	hub.Emit(validEvent("r2"))
	require.NoError(t, hub.Close(context.Background()))

	events, _, closed := sink.snapshot()
	assert.Len(t, events, 2)
	assert.True(t, closed)
}

func TestHubFlushesFullBatches(t *testing.T) {
	t.Parallel()

	sink := &captureSink{}
	hub := NewHub(Config{MaxBatchEvents: 2, MaxBatchWait: time.Hour}, sink)
	defer hub.Close(context.Background())

	for i := 0; i < 4; i++ {
		hub.Emit(validEvent("r1"))
	}
	require.Eventually(t, func() bool {
		events, batches, _ := sink.snapshot()
		return len(events) == 4 && batches >= 2
	}, 2*time.Second, 5*time.Millisecond)
}

func TestHubFlushesOnInterval(t *testing.T) {
	t.Parallel()

	sink := &captureSink{}
	hub := NewHub(Config{MaxBatchWait: 10 * time.Millisecond}, sink)
	defer hub.Close(context.Background())

	hub.Emit(validEvent("r1"))
	require.Eventually(t, func() bool {
		events, _, _ := sink.snapshot()
		return len(events) == 1
	}, 2*time.Second, 5*time.Millisecond)
}

func TestHubDiscardsInvalidEvents(t *testing.T) {
	t.Parallel()

	sink := &captureSink{}
	hub := NewHub(Config{}, sink)

	hub.Emit(Event{Stage: StageRunStart})                               // missing timestamp and run id
	hub.Emit(Event{TS: time.Now(), Stage: Stage("BOGUS"), RunID: "r1"}) // unknown stage
	hub.Emit(Event{TS: time.Now(), Stage: StageRecordsIngested})        // run-scoped without run id
	require.NoError(t, hub.Close(context.Background()))

	events, _, _ := sink.snapshot()
	assert.Empty(t, events)
}

func TestHubEmitAfterCloseIsNoop(t *testing.T) {
	t.Parallel()

	sink := &captureSink{}
	hub := NewHub(Config{}, sink)
	require.NoError(t, hub.Close(context.Background()))

	hub.Emit(validEvent("r1"))
	events, _, _ := sink.snapshot()
	assert.Empty(t, events)
}

func TestHubCloseIsIdempotent(t *testing.T) {
	t.Parallel()

	hub := NewHub(Config{}, &captureSink{})
	require.NoError(t, hub.Close(context.Background()))
	require.NoError(t, hub.Close(context.Background()))
}

func TestNilHubIsSafe(t *testing.T) {
	t.Parallel()

	var hub *Hub
	hub.Emit(validEvent("r1"))
	require.NoError(t, hub.Close(context.Background()))
}
