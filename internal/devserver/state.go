package devserver

import (
	"errors"
	"fmt"
)

// ErrStopped is returned by Run once the server has stopped
var ErrStopped = errors.New("devserver: stopped")

// State is the watch loop state
type State int

const (
	StateIdle State = iota
	StateBuilding
	StateReady
	StateRebuilding
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateBuilding:
		return "building"
	case StateReady:
		return "ready"
	case StateRebuilding:
		return "rebuilding"
	case StateStopped:
		return "stopped"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}
