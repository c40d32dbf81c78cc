package fileserver

import (
	"errors"
	"fmt"

	"groupshare/internal/envelope"
)

// State is the phase a connection handler is in.
type State int

const (
	StateHandshaking State = iota
	StateReady
	StateListing
	StateUploading
	StateDownloading
	StateDeleting
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateHandshaking:
		return "handshaking"
	case StateReady:
		return "ready"
	case StateListing:
		return "listing"
	case StateUploading:
		return "uploading"
	case StateDownloading:
		return "downloading"
	case StateDeleting:
		return "deleting"
	case StateClosed:
		return "closed"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

var ErrIllegalTransition = errors.New("illegal state transition")

// transitions lists the states reachable from each state. Any state may go
// to StateClosed.
var transitions = map[State][]State{
	StateHandshaking: {StateReady},
	StateReady:       {StateListing, StateUploading, StateDownloading, StateDeleting},
	StateListing:     {StateReady},
	StateUploading:   {StateReady},
	StateDownloading: {StateReady},
	StateDeleting:    {StateReady},
}

// accepted lists the commands each state handles itself. Anything else that
// arrives in StateReady is answered FAIL-BADMSG.
var accepted = map[State][]string{
	StateReady: {
		envelope.CmdListFiles,
		envelope.CmdUpload,
		envelope.CmdDownload,
		envelope.CmdDelete,
		envelope.CmdDisconnect,
	},
	StateUploading:   {envelope.CmdChunk, envelope.CmdEOF},
	StateDownloading: {envelope.CmdDownload},
}

// machine tracks one connection's state. It is owned by the handler goroutine.
type machine struct {
	state State
}

func (m *machine) State() State { return m.state }

// to moves to next, failing if the table does not allow it.
func (m *machine) to(next State) error {
	if m.state == StateClosed {
		return fmt.Errorf("%w: %s -> %s", ErrIllegalTransition, m.state, next)
	}
	if next == StateClosed {
		m.state = next
		return nil
	}
	for _, s := range transitions[m.state] {
		if s == next {
			m.state = next
			return nil
		}
	}
	return fmt.Errorf("%w: %s -> %s", ErrIllegalTransition, m.state, next)
}

// accepts reports whether command is handled in the current state.
func (m *machine) accepts(command string) bool {
	for _, c := range accepted[m.state] {
		if c == command {
			return true
		}
	}
	return false
}
