package evnet

import (
	"strconv"
)

// State is the coarse lifecycle state of a Conn.
type State uint32

const (
	StateIdle State = iota
	StateResolving
	StateConnecting
	StateConnected
	StateClosing
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return `idle`
	case StateResolving:
		return `resolving`
	case StateConnecting:
		return `connecting`
	case StateConnected:
		return `connected`
	case StateClosing:
		return `closing`
	case StateClosed:
		return `closed`
	default:
		return `State(` + strconv.FormatUint(uint64(s), 10) + `)`
	}
}
