package actor

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/berfenger/autarco2mqtt/internal/core/domain"
	"github.com/berfenger/autarco2mqtt/internal/core/port"
	"github.com/berfenger/autarco2mqtt/internal/util/actorutil"
	"github.com/berfenger/autarco2mqtt/pkg/autarco"

	"github.com/asynkron/protoactor-go/actor"
	"github.com/asynkron/protoactor-go/scheduler"
	"go.uber.org/zap"
)

// time given to a fetch to return after its context expired
const refreshGrace = 2 * time.Second

type startTimer struct{}

type refreshTick struct{}

type refreshResult struct {
	snapshot *domain.Snapshot
	err      error
}

// CoordinatorActor owns every refresh. While a fetch runs it sits in the
// stacked refreshing state: ticks are dropped and counted, refresh requests
// wait for the running fetch.
type CoordinatorActor struct {
	actorutil.ActorWithStates
	stash   *actorutil.Stash
	store   *coordinatorStore
	fetcher port.SnapshotFetcher
	cfg     CoordinatorConfig

	status      domain.Status
	waiters     []*actor.PID
	cancelTimer scheduler.CancelFunc
	cancelFetch context.CancelFunc

	idle       actorutil.ActorState
	refreshing actorutil.ActorState

	logger *zap.Logger
}

func newCoordinatorActor(store *coordinatorStore, fetcher port.SnapshotFetcher, cfg CoordinatorConfig, logger *zap.Logger) *CoordinatorActor {
	act := &CoordinatorActor{
		ActorWithStates: actorutil.NewActorWithStates(),
		stash:           &actorutil.Stash{},
		store:           store,
		fetcher:         fetcher,
		cfg:             cfg,
		status:          *store.status.Load(),
		logger:          actorutil.ActorLogger(domain.ACTOR_ID_COORDINATOR, logger),
	}
	act.idle = actorutil.State("idle", act.IdleReceive)
	act.refreshing = actorutil.State("refreshing", act.RefreshingReceive)
	act.Become(act.idle)
	return act
}

func (state *CoordinatorActor) IdleReceive(ctx actor.Context) {
	switch msg := ctx.Message().(type) {
	case *actor.Started:
		state.logger.Debug("coordinator@idle started")
		if state.store.timerEnabled.Load() {
			state.startTimer(ctx)
		}
	case startTimer:
		state.startTimer(ctx)
	case refreshTick:
		state.logger.Debug("coordinator@idle tick")
		state.startRefresh(ctx)
	case domain.RefreshRequest:
		state.logger.Debug("coordinator@idle RefreshRequest")
		state.addWaiter(actorutil.ForRequest(msg).ReplyTo(ctx))
		state.startRefresh(ctx)
	case domain.GetSnapshotRequest:
		state.respondSnapshot(ctx, msg)
	case domain.ActorHealthRequest:
		state.respondHealth(ctx, msg)
	case refreshResult:
		// started by a previous incarnation of this actor
		state.logger.Debug("coordinator@idle late refresh result dropped")
	case *actor.Stopping, *actor.Restarting:
		state.stop(ctx)
	default:
		state.logger.Debug("coordinator@idle unhandled", zap.String("type", fmt.Sprintf("%T", msg)))
	}
}

func (state *CoordinatorActor) RefreshingReceive(ctx actor.Context) {
	switch msg := ctx.Message().(type) {
	case refreshTick:
		state.status.CoalescedTicks++
		state.storeStatus()
		state.logger.Debug("coordinator@refreshing tick coalesced", zap.Uint("coalesced", state.status.CoalescedTicks))
	case domain.RefreshRequest:
		state.logger.Debug("coordinator@refreshing RefreshRequest joins running refresh")
		state.addWaiter(actorutil.ForRequest(msg).ReplyTo(ctx))
	case refreshResult:
		if state.cancelFetch != nil {
			state.cancelFetch()
			state.cancelFetch = nil
		}
		state.completeRefresh(ctx, msg)
		state.UnbecomeStacked()
		state.stash.UnstashAll(ctx)
	case domain.GetSnapshotRequest:
		state.respondSnapshot(ctx, msg)
	case domain.ActorHealthRequest:
		state.respondHealth(ctx, msg)
	case *actor.Stopping, *actor.Restarting:
		state.stop(ctx)
	default:
		state.logger.Debug("coordinator@refreshing stash", zap.String("type", fmt.Sprintf("%T", msg)))
		state.stash.Stash(ctx, msg)
	}
}

func (state *CoordinatorActor) startTimer(ctx actor.Context) {
	if state.cancelTimer != nil {
		return
	}
	sched := scheduler.NewTimerScheduler(ctx.ActorSystem().Root)
	state.cancelTimer = sched.SendRepeatedly(state.cfg.PollInterval, state.cfg.PollInterval, ctx.Self(), refreshTick{})
	state.logger.Info("periodic refresh started", zap.Duration("interval", state.cfg.PollInterval))
}

func (state *CoordinatorActor) startRefresh(ctx actor.Context) {
	fetchCtx, cancel := context.WithTimeout(context.Background(), state.cfg.RefreshTimeout)
	state.cancelFetch = cancel

	state.status.State = domain.StateRefreshing
	state.status.LastAttempt = time.Now()
	state.storeStatus()

	fetcher := state.fetcher
	actorutil.NewBackgroundTask(ctx, func() (*refreshResult, error) {
		snapshot, err := fetcher.Fetch(fetchCtx)
		if err == nil && snapshot == nil {
			err = errors.New("fetcher returned no snapshot")
		}
		return &refreshResult{snapshot: snapshot, err: err}, nil
	}).WithTimeout(state.cfg.RefreshTimeout + refreshGrace).Recover(func(err error) refreshResult {
		return refreshResult{err: fmt.Errorf("refresh aborted: %w", err)}
	}).PipeTo(ctx.Self())

	state.BecomeStacked(state.refreshing)
}

func (state *CoordinatorActor) completeRefresh(ctx actor.Context, result refreshResult) {
	var resp domain.RefreshResponse
	if result.err != nil {
		state.status.State = domain.StateFailed
		state.status.ConsecutiveFailures++
		state.status.TotalFailures++
		state.status.LastError = result.err
		status := state.storeStatus()
		if errors.Is(result.err, autarco.ErrAuth) {
			state.logger.Error("refresh rejected, check autarco credentials", zap.Error(result.err))
		} else {
			state.logger.Warn("refresh failed", zap.Error(result.err),
				zap.Uint("consecutive_failures", state.status.ConsecutiveFailures))
		}
		state.store.events.Publish(domain.RefreshFailedEvent{Err: result.err, Status: status})
		resp = domain.RefreshResponse{ActorResponseMixIn: domain.ErrorResponse(result.err)}
	} else {
		snapshot := result.snapshot
		if snapshot.FetchedAt.IsZero() {
			snapshot.FetchedAt = time.Now()
		}
		state.store.snapshot.Store(snapshot)
		state.status.State = domain.StateReady
		state.status.ConsecutiveFailures = 0
		state.status.LastSuccess = snapshot.FetchedAt
		state.status.LastError = nil
		state.storeStatus()
		state.logger.Debug("refresh done", zap.Time("fetched_at", snapshot.FetchedAt))
		state.store.events.Publish(domain.SnapshotUpdatedEvent{Snapshot: snapshot})
		resp = domain.RefreshResponse{Snapshot: snapshot}
	}
	state.respondWaiters(ctx, resp)
}

func (state *CoordinatorActor) addWaiter(pid *actor.PID) {
	if pid != nil {
		state.waiters = append(state.waiters, pid)
	}
}

func (state *CoordinatorActor) respondWaiters(ctx actor.Context, resp domain.RefreshResponse) {
	for _, waiter := range state.waiters {
		ctx.Send(waiter, resp)
	}
	state.waiters = nil
}

func (state *CoordinatorActor) respondSnapshot(ctx actor.Context, msg domain.GetSnapshotRequest) {
	actorutil.ForRequest(msg).Respond(ctx, domain.GetSnapshotResponse{
		Snapshot: state.store.snapshot.Load(),
		Status:   state.store.statusAt(time.Now(), state.cfg.StaleAfter),
	})
}

func (state *CoordinatorActor) respondHealth(ctx actor.Context, msg domain.ActorHealthRequest) {
	status := state.store.statusAt(time.Now(), state.cfg.StaleAfter)
	actorutil.ForRequest(msg).Respond(ctx, domain.ActorHealthResponse{
		Id:      domain.ACTOR_ID_COORDINATOR,
		Healthy: status.Err() == nil,
		State:   state.StateName(),
	})
}

func (state *CoordinatorActor) storeStatus() domain.Status {
	st := state.status
	state.store.status.Store(&st)
	return state.store.statusAt(time.Now(), state.cfg.StaleAfter)
}

func (state *CoordinatorActor) stop(ctx actor.Context) {
	if state.cancelTimer != nil {
		state.cancelTimer()
		state.cancelTimer = nil
	}
	if state.cancelFetch != nil {
		state.cancelFetch()
		state.cancelFetch = nil
	}
	state.respondWaiters(ctx, domain.RefreshResponse{ActorResponseMixIn: domain.ErrorResponse(ErrCoordinatorClosed)})
}
