package actor

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/berfenger/autarco2mqtt/internal/config"
	"github.com/berfenger/autarco2mqtt/internal/core/domain"
	"github.com/berfenger/autarco2mqtt/internal/core/port"

	"github.com/asynkron/protoactor-go/actor"
	"github.com/asynkron/protoactor-go/eventstream"
	"go.uber.org/zap"
)

var ErrCoordinatorClosed = errors.New("coordinator: closed")

type CoordinatorConfig struct {
	PollInterval time.Duration
	// StaleAfter is the age after which the last snapshot is reported stale.
	StaleAfter time.Duration
	// RefreshTimeout bounds one whole refresh, all API calls included.
	RefreshTimeout time.Duration
}

func CoordinatorConfigFrom(cfg config.Config) CoordinatorConfig {
	return CoordinatorConfig{
		PollInterval:   cfg.MonitorConfig.PollInterval(),
		StaleAfter:     cfg.MonitorConfig.StaleAfter(),
		RefreshTimeout: 4 * cfg.Autarco.Timeout(),
	}
}

// coordinatorStore is written by the coordinator actor only and read from
// any goroutine.
type coordinatorStore struct {
	snapshot     atomic.Pointer[domain.Snapshot]
	status       atomic.Pointer[domain.Status]
	events       *eventstream.EventStream
	timerEnabled atomic.Bool
}

func (s *coordinatorStore) statusAt(now time.Time, staleAfter time.Duration) domain.Status {
	st := *s.status.Load()
	if snapshot := s.snapshot.Load(); snapshot != nil {
		st.Stale = now.Sub(snapshot.FetchedAt) > staleAfter
	}
	return st
}

// Coordinator is the handle the rest of the program uses to talk to the
// coordinator actor. Reads never go through the actor.
type Coordinator struct {
	system  *actor.ActorSystem
	pid     *actor.PID
	fetcher port.SnapshotFetcher
	cfg     CoordinatorConfig
	store   *coordinatorStore
	now     func() time.Time
	logger  *zap.Logger

	closed      atomic.Bool
	stopOnce    sync.Once
	fetcherOnce sync.Once
	fetcherErr  error
}

var _ port.SnapshotSource = (*Coordinator)(nil)

func NewCoordinator(system *actor.ActorSystem, fetcher port.SnapshotFetcher, cfg CoordinatorConfig, logger *zap.Logger) (*Coordinator, error) {
	if cfg.PollInterval <= 0 {
		return nil, errors.New("coordinator: poll interval should be > 0")
	}
	if cfg.RefreshTimeout <= 0 {
		return nil, errors.New("coordinator: refresh timeout should be > 0")
	}
	if cfg.StaleAfter < cfg.PollInterval {
		return nil, errors.New("coordinator: stale threshold should be >= poll interval")
	}

	store := &coordinatorStore{events: &eventstream.EventStream{}}
	store.status.Store(&domain.Status{State: domain.StateUninitialized})

	props := actor.PropsFromProducer(func() actor.Actor {
		return newCoordinatorActor(store, fetcher, cfg, logger)
	})
	pid, err := system.Root.SpawnNamed(props, domain.ACTOR_ID_COORDINATOR)
	if err != nil {
		return nil, fmt.Errorf("coordinator: spawn: %w", err)
	}

	return &Coordinator{
		system:  system,
		pid:     pid,
		fetcher: fetcher,
		cfg:     cfg,
		store:   store,
		now:     time.Now,
		logger:  logger.With(zap.String("service", "coordinator")),
	}, nil
}

func (c *Coordinator) PID() *actor.PID {
	return c.pid
}

// FirstRefresh must succeed before the coordinator is used. On failure the
// fetcher is closed, the actor stopped, and the returned error matches both
// domain.ErrNotReady and the cause.
func (c *Coordinator) FirstRefresh(ctx context.Context) error {
	if _, err := c.refresh(ctx); err != nil {
		c.logger.Error("first refresh failed", zap.Error(err))
		c.closed.Store(true)
		c.stop()
		c.closeFetcher()
		return fmt.Errorf("%w: %w", domain.ErrNotReady, err)
	}
	c.store.timerEnabled.Store(true)
	c.system.Root.Send(c.pid, startTimer{})
	return nil
}

// Refresh asks for an immediate refresh, or joins the one already running,
// and waits for its outcome.
func (c *Coordinator) Refresh(ctx context.Context) error {
	_, err := c.refresh(ctx)
	return err
}

type futureResult struct {
	res any
	err error
}

func (c *Coordinator) refresh(ctx context.Context) (*domain.Snapshot, error) {
	if c.closed.Load() {
		return nil, ErrCoordinatorClosed
	}
	future := c.system.Root.RequestFuture(c.pid, domain.RefreshRequest{}, c.cfg.RefreshTimeout+2*refreshGrace)
	done := make(chan futureResult, 1)
	go func() {
		res, err := future.Result()
		done <- futureResult{res: res, err: err}
	}()

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case out := <-done:
		if out.err != nil {
			return nil, fmt.Errorf("coordinator: refresh: %w", out.err)
		}
		resp, ok := out.res.(domain.RefreshResponse)
		if !ok {
			return nil, fmt.Errorf("coordinator: unexpected response %T", out.res)
		}
		if resp.HasResponseError() {
			return nil, resp.GetResponseError()
		}
		return resp.Snapshot, nil
	}
}

// Snapshot returns the last good snapshot, even a stale one.
func (c *Coordinator) Snapshot() (*domain.Snapshot, error) {
	snapshot := c.store.snapshot.Load()
	if snapshot == nil {
		return nil, domain.ErrNotReady
	}
	return snapshot, nil
}

func (c *Coordinator) Status() domain.Status {
	return c.store.statusAt(c.now(), c.cfg.StaleAfter)
}

// OnUpdate registers sink for every new snapshot. Sinks that also implement
// port.FailureSink hear about failed refreshes. Sinks are called from the
// coordinator and must not block.
func (c *Coordinator) OnUpdate(sink port.UpdateSink) (unsubscribe func()) {
	failureSink, _ := sink.(port.FailureSink)
	sub := c.store.events.Subscribe(func(evt any) {
		switch ev := evt.(type) {
		case domain.SnapshotUpdatedEvent:
			sink.SnapshotUpdated(ev.Snapshot)
		case domain.RefreshFailedEvent:
			if failureSink != nil {
				failureSink.RefreshFailed(ev)
			}
		}
	})
	var once sync.Once
	return func() {
		once.Do(func() {
			c.store.events.Unsubscribe(sub)
		})
	}
}

// Close stops periodic refreshes, cancels a running one and closes the
// fetcher. Calling it again returns the first result.
func (c *Coordinator) Close() error {
	c.closed.Store(true)
	c.stop()
	return c.closeFetcher()
}

func (c *Coordinator) stop() {
	c.stopOnce.Do(func() {
		if err := c.system.Root.StopFuture(c.pid).Wait(); err != nil {
			c.logger.Warn("coordinator stop", zap.Error(err))
		}
	})
}

func (c *Coordinator) closeFetcher() error {
	c.fetcherOnce.Do(func() {
		c.fetcherErr = c.fetcher.Close()
		if c.fetcherErr != nil {
			c.logger.Warn("closing fetcher", zap.Error(c.fetcherErr))
		}
	})
	return c.fetcherErr
}
