package hub

import (
	"encoding/json"
	"fmt"
)

type Phase int

const (
	Disconnected Phase = iota
	Connecting
	Connected
	Failing
)

func (p Phase) String() string {
	switch p {
	case Disconnected:
		return "disconnected"
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	case Failing:
		return "failing"
	default:
		return "unknown"
	}
}

// ConnectionState is the hub's view of the device link. Retries is only
// meaningful while failing.
type ConnectionState struct {
	Phase   Phase
	Retries int
}

func failing(retries int) ConnectionState {
	return ConnectionState{Phase: Failing, Retries: retries}
}

func (s ConnectionState) String() string {
	if s.Phase == Failing {
		return fmt.Sprintf("failing(%d)", s.Retries)
	}
	return s.Phase.String()
}

func (s ConnectionState) MarshalJSON() ([]byte, error) {
	return json.Marshal(struct {
		Phase   string `json:"phase"`
		Retries int    `json:"retries,omitempty"`
	}{s.Phase.String(), s.Retries})
}
