package mqtt

import (
	"errors"
	"fmt"
)

// ErrRestart matches every [*RestartError] with errors.Is.
var ErrRestart = errors.New("restart required")

// Cause names the failure that forced a restart.
type Cause string

// Restart causes.
const (
	CauseLink         Cause = "link"         // link never came up
	CauseSession      Cause = "session"      // broker handshake failed
	CauseDisconnected Cause = "disconnected" // session observed down
)

// RestartError is returned once the [Manager] has entered the
// Restarting state. It is terminal: the same error is returned by every
// later call.
type RestartError struct {
	Cause Cause
	Err   error
}

func (e *RestartError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("restart required: %s", e.Cause)
	}
	return fmt.Sprintf("restart required: %s: %v", e.Cause, e.Err)
}

func (e *RestartError) Unwrap() error { return e.Err }

// Is reports whether target is [ErrRestart].
func (e *RestartError) Is(target error) bool { return target == ErrRestart }

// IsRestart reports whether err signals that the process must restart.
func IsRestart(err error) bool {
	return errors.Is(err, ErrRestart)
}
