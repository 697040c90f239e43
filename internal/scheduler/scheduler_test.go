package scheduler

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"usdt-mining-bot/internal/config"
	"usdt-mining-bot/internal/model"
	"usdt-mining-bot/internal/service"
)

// fakeSource is an in-memory AccrualSource recording which positions were
// accrued and how often.
type fakeSource struct {
	mu        sync.Mutex
	positions []*model.MiningPosition
	accrued   map[int64]int
	errs      map[int64]error
	block     chan struct{} // when set, AccruePosition waits on it
}

func newFakeSource(ids ...int64) *fakeSource {
	f := &fakeSource{
		accrued: make(map[int64]int),
		errs:    make(map[int64]error),
	}
	for _, id := range ids {
		f.positions = append(f.positions, &model.MiningPosition{ID: id, Status: model.PositionActive})
	}
	return f
}

func (f *fakeSource) ListActivePositions(_ context.Context) ([]*model.MiningPosition, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.positions, nil
}

func (f *fakeSource) AccruePosition(_ context.Context, positionID int64, _ time.Time) error {
	if f.block != nil {
		<-f.block
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.accrued[positionID]++
	return f.errs[positionID]
}

func (f *fakeSource) count(positionID int64) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.accrued[positionID]
}

func testConfig() config.SchedulerConfig {
	return config.SchedulerConfig{
		Interval:     time.Hour, // ticks driven manually in tests
		Workers:      4,
		TickDeadline: 5 * time.Second,
		MaxRetries:   0,
	}
}

func TestRunTick_AccruesEveryActivePosition(t *testing.T) {
	source := newFakeSource(1, 2, 3)
	s := New(source, testConfig())

	s.RunTick(context.Background(), time.Now())

	for _, id := range []int64{1, 2, 3} {
		assert.Equal(t, 1, source.count(id), "position %d", id)
	}
}

func TestRunTick_FailureDoesNotAbortScan(t *testing.T) {
	source := newFakeSource(1, 2, 3)
	source.errs[2] = errors.New("transient db error")
	s := New(source, testConfig())

	s.RunTick(context.Background(), time.Now())

	// Position 2 failed but 1 and 3 were still processed.
	assert.GreaterOrEqual(t, source.count(2), 1)
	assert.Equal(t, 1, source.count(1))
	assert.Equal(t, 1, source.count(3))
}

func TestRunTick_RetriesTransientFailures(t *testing.T) {
	source := newFakeSource(1)
	source.errs[1] = errors.New("transient db error")
	cfg := testConfig()
	cfg.MaxRetries = 2
	s := New(source, cfg)

	s.RunTick(context.Background(), time.Now())

	// Initial attempt plus two retries.
	assert.Equal(t, 3, source.count(1))
}

func TestRunTick_InvariantViolationIsPermanent(t *testing.T) {
	source := newFakeSource(1)
	source.errs[1] = service.ErrInvariantViolation
	cfg := testConfig()
	cfg.MaxRetries = 5
	s := New(source, cfg)

	s.RunTick(context.Background(), time.Now())

	// No retries: the error needs an operator, not another attempt.
	assert.Equal(t, 1, source.count(1))
}

func TestRunTick_OverlappingTickSkipsBusyPositions(t *testing.T) {
	source := newFakeSource(1)
	source.block = make(chan struct{})
	s := New(source, testConfig())

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		s.RunTick(context.Background(), time.Now())
	}()

	// Wait until the first tick has the position in flight.
	require.Eventually(t, func() bool {
		_, busy := s.inflight.Load(int64(1))
		return busy
	}, time.Second, time.Millisecond)

	// The overlapping tick must skip the busy position entirely.
	s.RunTick(context.Background(), time.Now())
	assert.Equal(t, 0, source.count(1))

	close(source.block)
	wg.Wait()
	assert.Equal(t, 1, source.count(1))
}

func TestStartStop(t *testing.T) {
	source := newFakeSource(1)
	s := New(source, testConfig())

	s.Start()
	s.Stop()

	// Stop must be idempotent.
	s.Stop()
}

func TestNew_ClampsConfig(t *testing.T) {
	s := New(newFakeSource(), config.SchedulerConfig{})

	assert.Equal(t, 1, s.workers)
	assert.Equal(t, 5*time.Minute, s.interval)
	assert.Equal(t, s.interval, s.tickDeadline)
}
