package session

import "strconv"

// State is the lifecycle position of a Controller.
type State int32

const (
	Idle State = iota
	Starting
	Running
	Stopping
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Starting:
		return "starting"
	case Running:
		return "running"
	case Stopping:
		return "stopping"
	default:
		return "State(" + strconv.Itoa(int(s)) + ")"
	}
}
