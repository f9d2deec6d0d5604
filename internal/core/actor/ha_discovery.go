package actor

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/berfenger/autarco2mqtt/internal/config"
	"github.com/berfenger/autarco2mqtt/internal/core/domain"
	"github.com/berfenger/autarco2mqtt/internal/core/port"
	"github.com/berfenger/autarco2mqtt/internal/util/actorutil"

	"github.com/asynkron/protoactor-go/actor"
	"github.com/reugn/go-quartz/quartz"
	"go.uber.org/zap"
)

type republishDiscovery struct{}

// republishJob is the quartz job behind mqtt.ha_discovery_republish_cron.
type republishJob struct {
	sender actor.SenderContext
	pid    *actor.PID
}

func (j *republishJob) Execute(_ context.Context) error {
	j.sender.Send(j.pid, republishDiscovery{})
	return nil
}

func (j *republishJob) Description() string {
	return "hadiscovery-republish"
}

// HADiscoveryActor announces the bridge, solar and inverter sensors to Home
// Assistant. Announcements are repeated on the configured cron schedule and
// whenever a snapshot changes the set of devices.
type HADiscoveryActor struct {
	config      *config.Config
	behavior    actor.Behavior
	stash       *actorutil.Stash
	source      port.SnapshotSource
	coordinator *actor.PID
	mqttActor   *actor.PID

	mqttActorHealthy bool
	coordinatorAlive bool
	healthyRecv      int
	layout           string
	published        bool
	unsubscribe      func()
	scheduler        quartz.Scheduler
	cancelScheduler  context.CancelFunc

	logger *zap.Logger
}

func NewHADiscoveryActor(config *config.Config, source port.SnapshotSource, coordinator *actor.PID, mqttActor *actor.PID, logger *zap.Logger) *HADiscoveryActor {
	act := &HADiscoveryActor{
		config:      config,
		source:      source,
		coordinator: coordinator,
		mqttActor:   mqttActor,
		behavior:    actor.NewBehavior(),
		stash:       &actorutil.Stash{},
		logger:      actorutil.ActorLogger(domain.ACTOR_ID_HA_DISCOVERY, logger),
	}
	act.behavior.Become(act.StartingReceive)
	return act
}

func (state *HADiscoveryActor) Receive(context actor.Context) {
	state.behavior.Receive(context)
}

func (state *HADiscoveryActor) StartingReceive(ctx actor.Context) {
	switch msg := ctx.Message().(type) {
	case *actor.Started:
		state.logger.Debug("hadiscovery@starting started")

		// Check MQTT and coordinator actors
		state.healthyRecv = 0
		state.mqttActorHealthy = false
		state.coordinatorAlive = false
		actorutil.PipeToSelfWithRecover(ctx, ctx.RequestFuture(state.coordinator, domain.ActorHealthRequest{}, 2*time.Second), func(err error) any {
			return domain.ActorHealthResponse{
				ActorResponseMixIn: domain.ErrorResponse(err),
				Id:                 domain.ACTOR_ID_COORDINATOR,
			}
		})
		actorutil.PipeToSelfWithRecover(ctx, ctx.RequestFuture(state.mqttActor, domain.ActorHealthRequest{}, 2*time.Second), func(err error) any {
			return domain.ActorHealthResponse{
				ActorResponseMixIn: domain.ErrorResponse(err),
				Id:                 domain.ACTOR_ID_MQTT,
			}
		})
		state.behavior.Become(state.WaitingHealthyReceive)
	case *actor.Restarting:
	default:
		state.logger.Debug("hadiscovery@starting: stash", zap.String("type", fmt.Sprintf("%T", msg)))
		state.stash.Stash(ctx, msg)
	}
}

func (state *HADiscoveryActor) WaitingHealthyReceive(ctx actor.Context) {
	switch msg := ctx.Message().(type) {
	case domain.ActorHealthResponse:
		state.logger.Debug("hadiscovery@healthcheck ActorHealthResponse", zap.String("sender", msg.Id), zap.Bool("healthy", msg.Healthy))
		state.healthyRecv++
		switch msg.Id {
		case domain.ACTOR_ID_MQTT:
			state.mqttActorHealthy = msg.Healthy
		case domain.ACTOR_ID_COORDINATOR:
			// a stale coordinator still serves its last snapshot
			state.coordinatorAlive = !msg.HasResponseError()
		}
		if state.healthyRecv == 2 {
			if !state.mqttActorHealthy || !state.coordinatorAlive {
				panic(errors.New("MQTT actor or coordinator are not available"))
			}
			actorutil.PipeToSelfWithRecover(ctx, ctx.RequestFuture(state.coordinator, domain.GetSnapshotRequest{}, 2*time.Second), func(err error) any {
				return domain.GetSnapshotResponse{
					ActorResponseMixIn: domain.ErrorResponse(err),
				}
			})
			state.behavior.Become(state.WaitingSnapshotReceive)
		}
	default:
		state.logger.Debug("hadiscovery@healthcheck: stash", zap.String("type", fmt.Sprintf("%T", msg)))
		state.stash.Stash(ctx, msg)
	}
}

func (state *HADiscoveryActor) WaitingSnapshotReceive(ctx actor.Context) {
	switch msg := ctx.Message().(type) {
	case domain.GetSnapshotResponse:
		if msg.HasResponseError() {
			panic(msg.GetResponseError())
		}
		state.logger.Debug("hadiscovery@snapshot: GetSnapshotResponse")
		state.unsubscribe = state.source.OnUpdate(NewActorSink(ctx.ActorSystem().Root, ctx.Self()))
		state.publishDiscovery(ctx, msg.Snapshot)

		if err := state.startRepublishJob(ctx); err != nil {
			state.logger.Error("hadiscovery@snapshot could not schedule republish", zap.Error(err))
		}

		state.behavior.Become(state.DefaultReceive)
		state.stash.UnstashAll(ctx)
	default:
		state.logger.Debug("hadiscovery@snapshot: stash", zap.String("type", fmt.Sprintf("%T", msg)))
		state.stash.Stash(ctx, msg)
	}
}

func (state *HADiscoveryActor) DefaultReceive(ctx actor.Context) {
	switch msg := ctx.Message().(type) {
	case domain.SnapshotUpdatedEvent:
		if discoveryLayout(msg.Snapshot) != state.layout {
			state.logger.Info("hadiscovery@default devices changed, republishing")
			state.publishDiscovery(ctx, msg.Snapshot)
		}
	case republishDiscovery:
		state.logger.Debug("hadiscovery@default scheduled republish")
		snapshot, _ := state.source.Snapshot()
		state.publishDiscovery(ctx, snapshot)
	case domain.ActorHealthRequest:
		actorutil.ForRequest(msg).Respond(ctx, domain.ActorHealthResponse{
			Id:      domain.ACTOR_ID_HA_DISCOVERY,
			Healthy: state.published,
			State:   "published",
		})
	case *actor.Stopping, *actor.Restarting:
		state.stop()
	default:
		state.logger.Debug("hadiscovery@default: unhandled", zap.String("type", fmt.Sprintf("%T", msg)))
	}
}

func (state *HADiscoveryActor) publishDiscovery(ctx actor.Context, snapshot *domain.Snapshot) {
	baseTopic := state.config.MQTT.BaseTopic
	state.layout = discoveryLayout(snapshot)
	state.published = true
	ctx.Send(state.mqttActor, domain.PublishDiscoveryRequest{
		Sensors: domain.DiscoverySensors(baseTopic, snapshot),
		Buttons: domain.BridgeButtons(domain.BridgeDevice(baseTopic)),
	})
}

func (state *HADiscoveryActor) startRepublishJob(ctx actor.Context) error {
	expression := state.config.MQTT.HADiscoveryRepublishCron
	if expression == "" {
		return nil
	}
	trigger, err := quartz.NewCronTrigger(expression)
	if err != nil {
		return err
	}
	sched := quartz.NewStdScheduler()
	schedCtx, cancel := context.WithCancel(context.Background())
	sched.Start(schedCtx)

	job := &republishJob{sender: ctx.ActorSystem().Root, pid: ctx.Self()}
	if err := sched.ScheduleJob(quartz.NewJobDetail(job, quartz.NewJobKey(job.Description())), trigger); err != nil {
		sched.Stop()
		cancel()
		return err
	}
	state.scheduler = sched
	state.cancelScheduler = cancel
	state.logger.Debug("hadiscovery: republish scheduled", zap.String("cron", expression))
	return nil
}

func (state *HADiscoveryActor) stop() {
	if state.unsubscribe != nil {
		state.unsubscribe()
		state.unsubscribe = nil
	}
	if state.scheduler != nil {
		state.scheduler.Stop()
		state.cancelScheduler()
		state.scheduler = nil
	}
}

// discoveryLayout identifies the set of devices and entities a snapshot
// announces.
func discoveryLayout(snapshot *domain.Snapshot) string {
	if snapshot == nil {
		return ""
	}
	var b strings.Builder
	if snapshot.Account != nil {
		b.WriteString("account:")
		b.WriteString(snapshot.Account.Name.OrElse(""))
	}
	for _, key := range domain.SortedInverterKeys(snapshot) {
		b.WriteString("|inverter:")
		b.WriteString(key)
	}
	return b.String()
}
