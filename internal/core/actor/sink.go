package actor

import (
	"github.com/berfenger/autarco2mqtt/internal/core/domain"
	"github.com/berfenger/autarco2mqtt/internal/core/port"

	"github.com/asynkron/protoactor-go/actor"
)

// ActorSink forwards coordinator notifications to an actor as
// domain.SnapshotUpdatedEvent and domain.RefreshFailedEvent messages.
type ActorSink struct {
	sender actor.SenderContext
	pid    *actor.PID
}

var (
	_ port.UpdateSink  = (*ActorSink)(nil)
	_ port.FailureSink = (*ActorSink)(nil)
)

func NewActorSink(sender actor.SenderContext, pid *actor.PID) *ActorSink {
	return &ActorSink{sender: sender, pid: pid}
}

func (s *ActorSink) SnapshotUpdated(snapshot *domain.Snapshot) {
	s.sender.Send(s.pid, domain.SnapshotUpdatedEvent{Snapshot: snapshot})
}

func (s *ActorSink) RefreshFailed(event domain.RefreshFailedEvent) {
	s.sender.Send(s.pid, event)
}
