package actor

import (
	"fmt"
	"time"

	"github.com/berfenger/autarco2mqtt/internal/core/domain"
	"github.com/berfenger/autarco2mqtt/internal/core/port"
	"github.com/berfenger/autarco2mqtt/internal/util/actorutil"

	"github.com/asynkron/protoactor-go/actor"
	"go.uber.org/zap"
)

// PublisherActor turns coordinator snapshots and refresh failures into sensor
// state updates for the MQTT actor.
type PublisherActor struct {
	behavior actor.Behavior
	stash    *actorutil.Stash

	source      port.SnapshotSource
	coordinator *actor.PID
	mqttActor   *actor.PID
	unsubscribe func()
	last        *domain.Snapshot

	logger *zap.Logger
}

func NewPublisherActor(source port.SnapshotSource, coordinator *actor.PID, mqttActor *actor.PID, logger *zap.Logger) *PublisherActor {
	act := &PublisherActor{
		behavior:    actor.NewBehavior(),
		stash:       &actorutil.Stash{},
		source:      source,
		coordinator: coordinator,
		mqttActor:   mqttActor,
		logger:      actorutil.ActorLogger(domain.ACTOR_ID_PUBLISHER, logger),
	}
	act.behavior.Become(act.StartingReceive)
	return act
}

func (state *PublisherActor) Receive(context actor.Context) {
	state.behavior.Receive(context)
}

func (state *PublisherActor) StartingReceive(ctx actor.Context) {
	switch msg := ctx.Message().(type) {
	case *actor.Started:
		state.logger.Debug("publisher@starting started")

		state.unsubscribe = state.source.OnUpdate(NewActorSink(ctx.ActorSystem().Root, ctx.Self()))

		actorutil.PipeToSelfWithRecover(ctx, ctx.RequestFuture(state.coordinator, domain.GetSnapshotRequest{}, 2*time.Second), func(err error) any {
			return domain.GetSnapshotResponse{
				ActorResponseMixIn: domain.ErrorResponse(err),
			}
		})
		state.behavior.Become(state.WaitingSnapshotReceive)
	default:
		state.logger.Debug("publisher@starting stash", zap.String("type", fmt.Sprintf("%T", msg)))
		state.stash.Stash(ctx, msg)
	}
}

func (state *PublisherActor) WaitingSnapshotReceive(ctx actor.Context) {
	switch msg := ctx.Message().(type) {
	case domain.GetSnapshotResponse:
		if msg.HasResponseError() {
			state.logger.Error("publisher@waiting GetSnapshotResponse", zap.Error(msg.GetResponseError()))
		} else if msg.Snapshot != nil {
			state.logger.Debug("publisher@waiting GetSnapshotResponse")
			state.publishSnapshot(ctx, msg.Snapshot, msg.Status)
		}
		state.behavior.Become(state.DefaultReceive)
		state.stash.UnstashAll(ctx)
	case *actor.Stopping, *actor.Restarting:
		state.stop()
	default:
		state.logger.Debug("publisher@waiting stash", zap.String("type", fmt.Sprintf("%T", msg)))
		state.stash.Stash(ctx, msg)
	}
}

func (state *PublisherActor) DefaultReceive(ctx actor.Context) {
	switch msg := ctx.Message().(type) {
	case domain.ActorHealthRequest:
		state.logger.Debug("publisher@default ActorHealthRequest")
		actorutil.ForRequest(msg).Respond(ctx, domain.ActorHealthResponse{
			Id:      domain.ACTOR_ID_PUBLISHER,
			Healthy: true,
			State:   "idle",
		})
	case domain.SnapshotUpdatedEvent:
		state.logger.Debug("publisher@default SnapshotUpdatedEvent")
		state.publishSnapshot(ctx, msg.Snapshot, state.source.Status())
	case domain.RefreshFailedEvent:
		state.logger.Debug("publisher@default RefreshFailedEvent", zap.Error(msg.Err))
		state.publishEvents(ctx, domain.StatusToUpdateEvents(msg.Status))
	case *actor.Stopping, *actor.Restarting:
		state.stop()
	default:
		state.logger.Debug("publisher@default unhandled", zap.String("type", fmt.Sprintf("%T", msg)))
	}
}

func (state *PublisherActor) publishSnapshot(ctx actor.Context, snapshot *domain.Snapshot, status domain.Status) {
	if snapshot == state.last {
		return
	}
	state.last = snapshot
	state.publishEvents(ctx, domain.SnapshotToUpdateEvents(snapshot))
	state.publishEvents(ctx, domain.StatusToUpdateEvents(status))
}

func (state *PublisherActor) publishEvents(ctx actor.Context, events []domain.SensorUpdateEvent) {
	for _, ev := range events {
		ctx.Send(state.mqttActor, domain.PublishSensorUpdateRequest{
			Retain: true,
			Event:  ev,
		})
	}
}

func (state *PublisherActor) stop() {
	if state.unsubscribe != nil {
		state.unsubscribe()
		state.unsubscribe = nil
	}
}
