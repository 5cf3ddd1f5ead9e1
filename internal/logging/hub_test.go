package logging

import (
	"context"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func startHub(t *testing.T, capacity int, opts ...HubOption) *Hub {
	t.Helper()

	hub := NewHub(capacity, opts...)
	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- hub.Run(ctx) }()

	t.Cleanup(func() {
		cancel()
		select {
		case err := <-errCh:
			assert.ErrorIs(t, err, context.Canceled)
		case <-time.After(5 * time.Second):
			t.Error("hub did not stop")
		}
	})
	return hub
}

func snapshot(t *testing.T, hub *Hub) []Record {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	records, err := hub.Snapshot(ctx)
	require.NoError(t, err)
	return records
}

func messages(records []Record) []string {
	out := make([]string, len(records))
	for i, r := range records {
		out[i] = r.Message
	}
	return out
}

func TestNewHub_DefaultCapacity(t *testing.T) {
	assert.Equal(t, DefaultHubCapacity, NewHub(0).Capacity())
	assert.Equal(t, 10, NewHub(10).Capacity())
}

func TestHub_EvictsOldestFirst(t *testing.T) {
	const capacity = 5
	hub := startHub(t, capacity)

	for i := 1; i <= capacity+1; i++ {
		hub.OnRecord(Record{Message: strconv.Itoa(i)})
	}

	records := snapshot(t, hub)
	require.Len(t, records, capacity)
	assert.Equal(t, []string{"2", "3", "4", "5", "6"}, messages(records))
}

func TestHub_NeverExceedsCapacity(t *testing.T) {
	hub := startHub(t, 3)

	for i := 0; i < 50; i++ {
		hub.OnRecord(Record{Message: strconv.Itoa(i)})
		assert.LessOrEqual(t, len(snapshot(t, hub)), 3)
	}
}

func TestHub_RegistryScenario(t *testing.T) {
	hub := startHub(t, DefaultHubCapacity)
	reg := NewRegistry("loggate")
	reg.Subscribe(hub)
	log := reg.GetInstance("UNIT", LevelInfo)

	log.Debugf("suppressed")
	assert.Empty(t, snapshot(t, hub))

	log.Warningf("visible")
	records := snapshot(t, hub)
	require.Len(t, records, 1)
	assert.Equal(t, LevelWarning, records[0].Level)
	assert.Equal(t, "visible", records[0].Message)
}

func TestHub_AttachDeliversBacklogThenLive(t *testing.T) {
	hub := startHub(t, 10)
	hub.OnRecord(Record{Message: "old"})

	sink := &recorder{}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	backlog, detach, err := hub.Attach(ctx, sink)
	require.NoError(t, err)
	assert.Equal(t, []string{"old"}, messages(backlog))

	hub.OnRecord(Record{Message: "new"})
	snapshot(t, hub)
	assert.Equal(t, []string{"new"}, messages(sink.Records()))

	detach()
	hub.OnRecord(Record{Message: "after detach"})
	snapshot(t, hub)
	assert.Len(t, sink.Records(), 1)
}

func TestHub_StateGatesDistribution(t *testing.T) {
	hub := startHub(t, 10)
	sink := &recorder{}
	_, _, err := hub.Attach(context.Background(), sink)
	require.NoError(t, err)

	hub.OnState(false)
	hub.OnRecord(Record{Message: "retained only"})
	hub.OnState(true)
	hub.OnRecord(Record{Message: "forwarded"})

	records := snapshot(t, hub)
	assert.Equal(t, []string{"retained only", "forwarded"}, messages(records))
	assert.Equal(t, []string{"forwarded"}, messages(sink.Records()))
	assert.Equal(t, []bool{false, true}, sink.States())
}

func TestHub_Recent(t *testing.T) {
	hub := startHub(t, 10)
	for i := 0; i < 6; i++ {
		hub.OnRecord(Record{Message: strconv.Itoa(i)})
	}

	recent, err := hub.Recent(context.Background(), 2)
	require.NoError(t, err)
	assert.Equal(t, []string{"4", "5"}, messages(recent))

	all, err := hub.Recent(context.Background(), 100)
	require.NoError(t, err)
	assert.Len(t, all, 6)
}

func TestHub_ConcurrentProducers(t *testing.T) {
	hub := startHub(t, 1000)
	reg := NewRegistry("loggate")
	reg.Subscribe(hub)

	const producers = 8
	const perProducer = 50
	var wg sync.WaitGroup
	for p := 0; p < producers; p++ {
		wg.Add(1)
		go func(p int) {
			defer wg.Done()
			log := reg.GetInstance("P"+strconv.Itoa(p), LevelDebug)
			for i := 0; i < perProducer; i++ {
				log.Infof("%d", i)
			}
		}(p)
	}
	wg.Wait()

	records := snapshot(t, hub)
	require.Len(t, records, producers*perProducer)

	// Per-logger order is preserved.
	next := map[string]int{}
	for _, r := range records {
		assert.Equal(t, strconv.Itoa(next[r.LoggerName]), r.Message)
		next[r.LoggerName]++
	}
}

func TestHub_StoppedHub(t *testing.T) {
	hub := NewHub(10)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, hub.Run(ctx), context.Canceled)

	_, err := hub.Snapshot(context.Background())
	assert.ErrorIs(t, err, ErrHubStopped)

	_, _, err = hub.Attach(context.Background(), &recorder{})
	assert.ErrorIs(t, err, ErrHubStopped)

	assert.ErrorIs(t, hub.Run(context.Background()), ErrHubRunning)
}

func TestHub_SnapshotRespectsContext(t *testing.T) {
	hub := NewHub(10)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := hub.Snapshot(ctx)
	assert.ErrorIs(t, err, context.Canceled)
}

type fakeHubMetrics struct {
	mu       sync.Mutex
	received map[Level]int
	retained int
	sinks    int
}

func (m *fakeHubMetrics) RecordReceived(level Level) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.received[level]++
}

func (m *fakeHubMetrics) SetRetained(n int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.retained = n
}

func (m *fakeHubMetrics) SetSinks(n int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sinks = n
}

func TestHub_Metrics(t *testing.T) {
	m := &fakeHubMetrics{received: map[Level]int{}}
	hub := startHub(t, 2, WithHubMetrics(m))

	hub.OnRecord(Record{Level: LevelInfo})
	hub.OnRecord(Record{Level: LevelInfo})
	hub.OnRecord(Record{Level: LevelError})
	_, detach, err := hub.Attach(context.Background(), &recorder{})
	require.NoError(t, err)

	m.mu.Lock()
	assert.Equal(t, 2, m.received[LevelInfo])
	assert.Equal(t, 1, m.received[LevelError])
	assert.Equal(t, 2, m.retained)
	assert.Equal(t, 1, m.sinks)
	m.mu.Unlock()

	detach()
	m.mu.Lock()
	assert.Equal(t, 0, m.sinks)
	m.mu.Unlock()
}
