package actor

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/berfenger/autarco2mqtt/internal/core/domain"
	"github.com/berfenger/autarco2mqtt/internal/core/port"
	"github.com/berfenger/autarco2mqtt/pkg/autarco"

	"github.com/asynkron/protoactor-go/actor"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type fakeFetcher struct {
	mu      sync.Mutex
	results []func(ctx context.Context) (*domain.Snapshot, error)

	calls       atomic.Int32
	inFlight    atomic.Int32
	maxInFlight atomic.Int32
	closes      atomic.Int32
}

func (f *fakeFetcher) push(fn func(ctx context.Context) (*domain.Snapshot, error)) *fakeFetcher {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.results = append(f.results, fn)
	return f
}

func (f *fakeFetcher) succeed(power int64) *fakeFetcher {
	return f.push(func(context.Context) (*domain.Snapshot, error) {
		return solarSnapshot(power), nil
	})
}

func (f *fakeFetcher) fail(err error) *fakeFetcher {
	return f.push(func(context.Context) (*domain.Snapshot, error) {
		return nil, err
	})
}

func (f *fakeFetcher) Fetch(ctx context.Context) (*domain.Snapshot, error) {
	n := f.inFlight.Add(1)
	defer f.inFlight.Add(-1)
	for {
		peak := f.maxInFlight.Load()
		if n <= peak || f.maxInFlight.CompareAndSwap(peak, n) {
			break
		}
	}
	f.calls.Add(1)

	f.mu.Lock()
	var next func(ctx context.Context) (*domain.Snapshot, error)
	switch len(f.results) {
	case 0:
	case 1:
		next = f.results[0]
	default:
		next = f.results[0]
		f.results = f.results[1:]
	}
	f.mu.Unlock()
	if next == nil {
		return nil, errors.New("no result configured")
	}
	return next(ctx)
}

func (f *fakeFetcher) Close() error {
	f.closes.Add(1)
	return nil
}

func solarSnapshot(power int64) *domain.Snapshot {
	return &domain.Snapshot{
		Solar:     autarco.Solar{PowerProduction: autarco.Some(power)},
		FetchedAt: time.Now(),
	}
}

func testCoordinatorConfig() CoordinatorConfig {
	return CoordinatorConfig{
		PollInterval:   time.Hour,
		StaleAfter:     3 * time.Hour,
		RefreshTimeout: 2 * time.Second,
	}
}

func newTestCoordinator(t *testing.T, fetcher *fakeFetcher, cfg CoordinatorConfig) *Coordinator {
	as := actor.NewActorSystem()
	c, err := NewCoordinator(as, fetcher, cfg, zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() {
		c.Close()
		as.Shutdown()
	})
	return c
}

type recordingSink struct {
	updates  chan *domain.Snapshot
	failures chan domain.RefreshFailedEvent
}

func newRecordingSink() *recordingSink {
	return &recordingSink{
		updates:  make(chan *domain.Snapshot, 16),
		failures: make(chan domain.RefreshFailedEvent, 16),
	}
}

func (s *recordingSink) SnapshotUpdated(snapshot *domain.Snapshot) {
	s.updates <- snapshot
}

func (s *recordingSink) RefreshFailed(event domain.RefreshFailedEvent) {
	s.failures <- event
}

func TestNewCoordinatorRejectsBadConfig(t *testing.T) {
	as := actor.NewActorSystem()
	defer as.Shutdown()

	cfg := testCoordinatorConfig()
	cfg.StaleAfter = time.Minute
	_, err := NewCoordinator(as, &fakeFetcher{}, cfg, zap.NewNop())
	assert.Error(t, err)

	cfg = testCoordinatorConfig()
	cfg.RefreshTimeout = 0
	_, err = NewCoordinator(as, &fakeFetcher{}, cfg, zap.NewNop())
	assert.Error(t, err)
}

func TestFirstRefreshFailureClosesFetcher(t *testing.T) {
	cause := fmt.Errorf("GET site/: %w", autarco.ErrAuth)
	fetcher := (&fakeFetcher{}).fail(cause)
	c := newTestCoordinator(t, fetcher, testCoordinatorConfig())

	err := c.FirstRefresh(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrNotReady)
	assert.ErrorIs(t, err, autarco.ErrAuth)
	assert.Equal(t, int32(1), fetcher.closes.Load())

	_, err = c.Snapshot()
	assert.ErrorIs(t, err, domain.ErrNotReady)
	assert.ErrorIs(t, c.Refresh(context.Background()), ErrCoordinatorClosed)

	assert.NoError(t, c.Close())
	assert.Equal(t, int32(1), fetcher.closes.Load())
}

func TestFirstRefreshSuccess(t *testing.T) {
	fetcher := (&fakeFetcher{}).succeed(1500)
	c := newTestCoordinator(t, fetcher, testCoordinatorConfig())

	status := c.Status()
	assert.Equal(t, domain.StateUninitialized, status.State)
	assert.ErrorIs(t, status.Err(), domain.ErrNotReady)

	require.NoError(t, c.FirstRefresh(context.Background()))

	snapshot, err := c.Snapshot()
	require.NoError(t, err)
	assert.Equal(t, int64(1500), snapshot.Solar.PowerProduction.OrElse(0))

	status = c.Status()
	assert.Equal(t, domain.StateReady, status.State)
	assert.NoError(t, status.Err())
	assert.Equal(t, snapshot.FetchedAt, status.LastSuccess)
	assert.False(t, status.LastAttempt.IsZero())
	assert.Equal(t, int32(0), fetcher.closes.Load())
}

func TestRefreshFailureKeepsSnapshot(t *testing.T) {
	failure := fmt.Errorf("GET kpis/solar: %w", autarco.ErrConnection)
	fetcher := (&fakeFetcher{}).succeed(1500).fail(failure)
	c := newTestCoordinator(t, fetcher, testCoordinatorConfig())

	require.NoError(t, c.FirstRefresh(context.Background()))
	first, err := c.Snapshot()
	require.NoError(t, err)

	for i := 0; i < 3; i++ {
		err := c.Refresh(context.Background())
		assert.ErrorIs(t, err, autarco.ErrConnection)
	}

	current, err := c.Snapshot()
	require.NoError(t, err)
	assert.Same(t, first, current)

	status := c.Status()
	assert.Equal(t, domain.StateFailed, status.State)
	assert.Equal(t, uint(3), status.ConsecutiveFailures)
	assert.Equal(t, uint(3), status.TotalFailures)
	assert.ErrorIs(t, status.LastError, autarco.ErrConnection)
	assert.Equal(t, first.FetchedAt, status.LastSuccess)
	assert.NoError(t, status.Err())

	fetcher.mu.Lock()
	fetcher.results = nil
	fetcher.mu.Unlock()
	fetcher.succeed(2000)

	require.NoError(t, c.Refresh(context.Background()))
	current, err = c.Snapshot()
	require.NoError(t, err)
	assert.Equal(t, int64(2000), current.Solar.PowerProduction.OrElse(0))

	status = c.Status()
	assert.Equal(t, domain.StateReady, status.State)
	assert.Equal(t, uint(0), status.ConsecutiveFailures)
	assert.Equal(t, uint(3), status.TotalFailures)
	assert.Nil(t, status.LastError)
}

func TestRefreshNeverOverlaps(t *testing.T) {
	release := make(chan struct{})
	started := make(chan struct{}, 8)
	fetcher := (&fakeFetcher{}).succeed(1).push(func(ctx context.Context) (*domain.Snapshot, error) {
		started <- struct{}{}
		<-release
		return solarSnapshot(42), nil
	})
	c := newTestCoordinator(t, fetcher, testCoordinatorConfig())
	require.NoError(t, c.FirstRefresh(context.Background()))

	root := c.system.Root
	first := root.RequestFuture(c.pid, domain.RefreshRequest{}, 5*time.Second)
	<-started

	var joined []*actor.Future
	for i := 0; i < 3; i++ {
		joined = append(joined, root.RequestFuture(c.pid, domain.RefreshRequest{}, 5*time.Second))
	}
	for i := 0; i < 4; i++ {
		root.Send(c.pid, refreshTick{})
	}

	assert.Eventually(t, func() bool {
		return c.Status().CoalescedTicks == 4
	}, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, domain.StateRefreshing, c.Status().State)
	close(release)

	res, err := first.Result()
	require.NoError(t, err)
	expected := res.(domain.RefreshResponse).Snapshot
	require.NotNil(t, expected)
	for _, f := range joined {
		res, err := f.Result()
		require.NoError(t, err)
		resp, ok := res.(domain.RefreshResponse)
		require.True(t, ok)
		assert.False(t, resp.HasResponseError())
		assert.Same(t, expected, resp.Snapshot)
	}

	assert.Equal(t, int32(2), fetcher.calls.Load())
	assert.Equal(t, int32(1), fetcher.maxInFlight.Load())
}

func TestPeriodicRefresh(t *testing.T) {
	fetcher := (&fakeFetcher{}).succeed(1)
	cfg := testCoordinatorConfig()
	cfg.PollInterval = 20 * time.Millisecond
	cfg.StaleAfter = 60 * time.Millisecond
	c := newTestCoordinator(t, fetcher, cfg)

	require.NoError(t, c.FirstRefresh(context.Background()))
	assert.Eventually(t, func() bool {
		return fetcher.calls.Load() >= 4
	}, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, int32(1), fetcher.maxInFlight.Load())

	require.NoError(t, c.Close())
	calls := fetcher.calls.Load()
	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, calls, fetcher.calls.Load())
}

func TestOnUpdateNotifiesSubscribers(t *testing.T) {
	fetcher := (&fakeFetcher{}).succeed(1).succeed(2).fail(errors.New("boom"))
	c := newTestCoordinator(t, fetcher, testCoordinatorConfig())

	sink := newRecordingSink()
	unsubscribe := c.OnUpdate(sink)
	var plain atomic.Int32
	unsubscribePlain := c.OnUpdate(port.UpdateSinkFunc(func(*domain.Snapshot) { plain.Add(1) }))
	defer unsubscribePlain()

	require.NoError(t, c.FirstRefresh(context.Background()))
	select {
	case snapshot := <-sink.updates:
		assert.Equal(t, int64(1), snapshot.Solar.PowerProduction.OrElse(0))
	case <-time.After(time.Second):
		t.Fatal("no update received")
	}

	require.NoError(t, c.Refresh(context.Background()))
	<-sink.updates

	assert.Error(t, c.Refresh(context.Background()))
	select {
	case ev := <-sink.failures:
		assert.EqualError(t, ev.Err, "boom")
		assert.Equal(t, domain.StateFailed, ev.Status.State)
		assert.Equal(t, uint(1), ev.Status.ConsecutiveFailures)
	case <-time.After(time.Second):
		t.Fatal("no failure received")
	}
	assert.Equal(t, int32(2), plain.Load())

	unsubscribe()
	unsubscribe()
	assert.Error(t, c.Refresh(context.Background()))
	assert.Empty(t, sink.failures)
	assert.Empty(t, sink.updates)
}


func TestStatusStale(t *testing.T) {
	fetcher := (&fakeFetcher{}).succeed(1)
	cfg := testCoordinatorConfig()
	c := newTestCoordinator(t, fetcher, cfg)
	require.NoError(t, c.FirstRefresh(context.Background()))

	snapshot, err := c.Snapshot()
	require.NoError(t, err)

	c.now = func() time.Time { return snapshot.FetchedAt.Add(cfg.StaleAfter) }
	assert.False(t, c.Status().Stale)

	c.now = func() time.Time { return snapshot.FetchedAt.Add(cfg.StaleAfter + time.Second) }
	status := c.Status()
	assert.True(t, status.Stale)
	assert.ErrorIs(t, status.Err(), domain.ErrStale)

	stale, err := c.Snapshot()
	assert.NoError(t, err)
	assert.Same(t, snapshot, stale)
}

func TestRefreshTimeoutCancelsFetch(t *testing.T) {
	cancelled := make(chan struct{})
	fetcher := (&fakeFetcher{}).push(func(ctx context.Context) (*domain.Snapshot, error) {
		<-ctx.Done()
		close(cancelled)
		return nil, ctx.Err()
	})
	cfg := testCoordinatorConfig()
	cfg.RefreshTimeout = 50 * time.Millisecond
	c := newTestCoordinator(t, fetcher, cfg)

	err := c.FirstRefresh(context.Background())
	assert.ErrorIs(t, err, domain.ErrNotReady)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	<-cancelled
}

func TestFetcherPanicIsAFailure(t *testing.T) {
	fetcher := (&fakeFetcher{}).succeed(1)
	c := newTestCoordinator(t, fetcher, testCoordinatorConfig())
	require.NoError(t, c.FirstRefresh(context.Background()))

	fetcher.mu.Lock()
	fetcher.results = nil
	fetcher.mu.Unlock()
	fetcher.push(func(context.Context) (*domain.Snapshot, error) {
		panic("unexpected")
	})

	assert.Error(t, c.Refresh(context.Background()))
	status := c.Status()
	assert.Equal(t, domain.StateFailed, status.State)
	assert.Equal(t, uint(1), status.ConsecutiveFailures)

	_, err := c.Snapshot()
	assert.NoError(t, err)
}

func TestRefreshHonorsCallerContext(t *testing.T) {
	release := make(chan struct{})
	fetcher := (&fakeFetcher{}).succeed(1).push(func(context.Context) (*domain.Snapshot, error) {
		<-release
		return solarSnapshot(2), nil
	})
	c := newTestCoordinator(t, fetcher, testCoordinatorConfig())
	require.NoError(t, c.FirstRefresh(context.Background()))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, c.Refresh(ctx), context.DeadlineExceeded)
	close(release)
}

func TestCloseIsIdempotent(t *testing.T) {
	fetcher := (&fakeFetcher{}).succeed(1)
	c := newTestCoordinator(t, fetcher, testCoordinatorConfig())
	require.NoError(t, c.FirstRefresh(context.Background()))

	assert.NoError(t, c.Close())
	assert.NoError(t, c.Close())
	assert.Equal(t, int32(1), fetcher.closes.Load())
	assert.ErrorIs(t, c.Refresh(context.Background()), ErrCoordinatorClosed)

	snapshot, err := c.Snapshot()
	assert.NoError(t, err)
	assert.NotNil(t, snapshot)
}

func TestCoordinatorHealth(t *testing.T) {
	fetcher := (&fakeFetcher{}).succeed(1)
	c := newTestCoordinator(t, fetcher, testCoordinatorConfig())

	res, err := c.system.Root.RequestFuture(c.pid, domain.ActorHealthRequest{}, time.Second).Result()
	require.NoError(t, err)
	health := res.(domain.ActorHealthResponse)
	assert.False(t, health.Healthy)
	assert.Equal(t, "idle", health.State)

	require.NoError(t, c.FirstRefresh(context.Background()))
	res, err = c.system.Root.RequestFuture(c.pid, domain.ActorHealthRequest{}, time.Second).Result()
	require.NoError(t, err)
	health = res.(domain.ActorHealthResponse)
	assert.True(t, health.Healthy)
	assert.Equal(t, domain.ACTOR_ID_COORDINATOR, health.Id)
}
