package kernelclient

import (
	"errors"
	"fmt"
	"strings"

	"github.com/jupytergo/kernelclient/channels"
)

var (
	// ErrTimeout means no terminal state was reached within the request deadline.
	ErrTimeout = errors.New("execution timed out")

	// ErrAborted means the execution could not complete because of an
	// interrupt, restart or shutdown.
	ErrAborted = errors.New("execution aborted")

	// ErrConnectionLost is re-exported from the transport: the connection
	// dropped and reconnection was exhausted or abandoned.
	ErrConnectionLost = channels.ErrConnectionLost

	// ErrDisconnected is re-exported from the transport: a send was attempted
	// while the connection is down.
	ErrDisconnected = channels.ErrDisconnected
)

// ExecutionError is a kernel-reported failure: an exception kind, message and
// structured traceback. It is a normal terminal outcome carried inside an
// ExecutionResult, not a transport fault.
type ExecutionError struct {
	EName     string
	EValue    string
	Traceback []string
}

func (e *ExecutionError) Error() string {
	if len(e.Traceback) > 0 {
		return fmt.Sprintf("%s: %s\n%s", e.EName, e.EValue, strings.Join(e.Traceback, "\n"))
	}
	return fmt.Sprintf("%s: %s", e.EName, e.EValue)
}
