package domain

// Command is an instruction received from outside, for now only through MQTT.
type Command interface {
	CommandName() string
}

// RefreshCommand is sent by the refresh button.
type RefreshCommand struct{}

func (RefreshCommand) CommandName() string {
	return BUTTON_ID_REFRESH
}

// ToRequest maps a command to the request understood by the actor that owns it.
func ToRequest(cmd Command) ActorRequest {
	switch cmd.(type) {
	case RefreshCommand:
		return RefreshRequest{}
	default:
		return nil
	}
}
