// Package eventlog records presence events durably: an append-only CSV
// file, and optionally an MQTT broker for anything listening live.
package eventlog

import (
	"fmt"

	"github.com/TheCacophonyProject/go-utils/logging"
	"github.com/wwade/scale/presence"
)

var log = logging.NewLogger("info")

// Sink records emitted events. Append must flush before returning so a
// crash loses at most the event being written.
type Sink interface {
	Append(ev presence.Event) error
	Close() error
}

// WriteError means an event could not be recorded. Losing one row is
// preferable to stopping the session, so callers log and continue.
type WriteError struct {
	Err error
}

func (e *WriteError) Error() string {
	return fmt.Sprintf("event write failed: %v", e.Err)
}

func (e *WriteError) Unwrap() error {
	return e.Err
}

// Multi fans an event out to several sinks. Every sink gets the event
// even when an earlier one fails; the first error is returned.
type Multi []Sink

func (m Multi) Append(ev presence.Event) error {
	var firstErr error
	for _, s := range m {
		if err := s.Append(ev); err != nil {
			log.Errorf("Event sink append: %v", err)
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	return firstErr
}

func (m Multi) Close() error {
	var firstErr error
	for _, s := range m {
		if err := s.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
