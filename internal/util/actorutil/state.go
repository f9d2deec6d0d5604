package actorutil

import (
	"github.com/asynkron/protoactor-go/actor"
)

// ActorWithStates tracks the name of the active behavior so it can be
// reported, e.g. in health responses.
type ActorWithStates struct {
	Behavior actor.Behavior
	names    []string
}

type ActorState interface {
	Name() string
	Receive(actor.Context)
}

func NewActorWithStates() ActorWithStates {
	return ActorWithStates{Behavior: actor.NewBehavior()}
}

func (s *ActorWithStates) Become(state ActorState) {
	s.Behavior.Become(state.Receive)
	s.names = []string{state.Name()}
}

func (s *ActorWithStates) BecomeStacked(state ActorState) {
	s.Behavior.BecomeStacked(state.Receive)
	s.names = append(s.names, state.Name())
}

func (s *ActorWithStates) UnbecomeStacked() {
	s.Behavior.UnbecomeStacked()
	if len(s.names) > 0 {
		s.names = s.names[:len(s.names)-1]
	}
}

func (s *ActorWithStates) StateName() string {
	if len(s.names) == 0 {
		return ""
	}
	return s.names[len(s.names)-1]
}

func (s *ActorWithStates) Receive(ctx actor.Context) {
	s.Behavior.Receive(ctx)
}

type namedState struct {
	name    string
	receive actor.ReceiveFunc
}

// State names a receive function so it can be used with ActorWithStates.
func State(name string, receive actor.ReceiveFunc) ActorState {
	return namedState{name: name, receive: receive}
}

func (s namedState) Name() string {
	return s.name
}

func (s namedState) Receive(ctx actor.Context) {
	s.receive(ctx)
}
