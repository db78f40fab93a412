package session

import "fmt"

// Kind classifies a session failure for the UI collaborator.
type Kind string

const (
	// KindPermissionDenied: an audio device could not be opened or started.
	KindPermissionDenied Kind = "permission_denied"

	// KindConnection: the transport handshake failed or timed out.
	KindConnection Kind = "connection_error"

	// KindUnexpectedClose: the connection dropped without a requested Close.
	KindUnexpectedClose Kind = "unexpected_close"

	// KindProcessing: a malformed or server-flagged inbound event. Fatal,
	// since transcript and audio state are untrustworthy afterwards.
	KindProcessing Kind = "processing_error"
)

// Failure is a classified session error.
type Failure struct {
	Kind Kind
	Err  error
}

func (f *Failure) Error() string {
	if f.Err == nil {
		return string(f.Kind)
	}
	return fmt.Sprintf("%s: %v", f.Kind, f.Err)
}

func (f *Failure) Unwrap() error { return f.Err }

func newFailure(kind Kind, err error) *Failure {
	return &Failure{Kind: kind, Err: err}
}
