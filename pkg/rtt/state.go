package rtt

import "fmt"

// State is the connection lifecycle state.
type State int

const (
	Disconnected State = iota
	Connecting
	AwaitingControlBlock
	Connected
	Closed
)

func (s State) String() string {
	switch s {
	case Disconnected:
		return "Disconnected"
	case Connecting:
		return "Connecting"
	case AwaitingControlBlock:
		return "AwaitingControlBlock"
	case Connected:
		return "Connected"
	case Closed:
		return "Closed"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}
