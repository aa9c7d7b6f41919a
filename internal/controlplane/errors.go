package controlplane

import "errors"

var (
	// ErrNotFound marks a missing service, session, task or stream.
	ErrNotFound = errors.New("not found")

	// ErrSessionMismatch marks a task submitted to a session other than
	// the one named in its definition.
	ErrSessionMismatch = errors.New("task session mismatch")

	// ErrUnroutable marks a task with no target service.
	ErrUnroutable = errors.New("task has no target service")

	// ErrProtocol marks a malformed bus message.
	ErrProtocol = errors.New("protocol error")
)
