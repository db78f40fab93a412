package session

import (
	"github.com/cavernlabs/cavern/internal/transcript"
	"github.com/cavernlabs/cavern/pkg/incident"
)

// Notice is one structured message to the UI collaborator. The interface is
// sealed: only the notice types in this file implement it.
type Notice interface {
	isNotice()
}

// StatusChanged reports a state transition.
type StatusChanged struct {
	From, To State
}

// TurnFinal carries one finalized transcript turn.
type TurnFinal struct {
	Turn transcript.Turn
}

// IncidentRecorded reports a safety incident created as a tool side effect.
type IncidentRecorded struct {
	Record incident.Record
}

// FailureNotice reports a session failure. Emitted once per failed session,
// after teardown.
type FailureNotice struct {
	Kind    Kind
	Message string
}

func (StatusChanged) isNotice()    {}
func (TurnFinal) isNotice()        {}
func (IncidentRecorded) isNotice() {}
func (FailureNotice) isNotice()    {}
