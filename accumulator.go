package kernelclient

import (
	"sync"

	"github.com/jupytergo/kernelclient/messages"
)

// accumulator is the per-request state machine. It merges the iopub event
// stream and the direct execute_reply into one ExecutionResult. The result is
// final only once BOTH the idle status and the reply have been observed;
// arrival order between the two is not guaranteed.
type accumulator struct {
	mu sync.Mutex

	busy    bool
	gotIdle bool
	reply   *messages.ExecuteReply
	outputs []Output

	finished bool
	result   *ExecutionResult
	err      error
	done     chan struct{}
}

func newAccumulator() *accumulator {
	return &accumulator{done: make(chan struct{})}
}

// feedEvent consumes one iopub broadcast event whose parent matched this
// request. Outputs are appended in arrival order; interleaving of kinds is
// preserved exactly as received.
func (a *accumulator) feedEvent(msg *messages.Message) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.finished {
		return nil
	}

	switch msg.Type() {
	case messages.TypeStatus:
		var st messages.Status
		if err := msg.DecodeContent(&st); err != nil {
			return err
		}
		switch st.ExecutionState {
		case messages.StateBusy:
			a.busy = true
		case messages.StateIdle:
			a.gotIdle = true
			a.maybeFinishLocked()
		}
	case messages.TypeStream:
		var s messages.Stream
		if err := msg.DecodeContent(&s); err != nil {
			return err
		}
		a.outputs = append(a.outputs, Output{Type: OutputStream, Name: s.Name, Text: s.Text})
	case messages.TypeExecuteResult:
		var r messages.ExecuteResult
		if err := msg.DecodeContent(&r); err != nil {
			return err
		}
		a.outputs = append(a.outputs, Output{Type: OutputExecuteResult, Data: r.Data, Metadata: r.Metadata})
	case messages.TypeDisplayData:
		var d messages.DisplayData
		if err := msg.DecodeContent(&d); err != nil {
			return err
		}
		a.outputs = append(a.outputs, Output{Type: OutputDisplayData, Data: d.Data, Metadata: d.Metadata})
	case messages.TypeError:
		var e messages.Error
		if err := msg.DecodeContent(&e); err != nil {
			return err
		}
		a.outputs = append(a.outputs, Output{
			Type: OutputError, EName: e.EName, EValue: e.EValue, Traceback: e.Traceback,
		})
	case messages.TypeExecuteInput:
		// echo of our own request, nothing to record
	}
	return nil
}

// feedReply consumes the direct execute_reply for this request.
func (a *accumulator) feedReply(msg *messages.Message) error {
	var reply messages.ExecuteReply
	if err := msg.DecodeContent(&reply); err != nil {
		return err
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.finished {
		return nil
	}
	a.reply = &reply
	a.maybeFinishLocked()
	return nil
}

func (a *accumulator) maybeFinishLocked() {
	if !a.gotIdle || a.reply == nil {
		return
	}

	status := StatusOK
	switch a.reply.Status {
	case messages.StatusError:
		status = StatusError
		// the kernel normally also broadcasts the error on iopub; if it
		// didn't, the reply details become the final error output
		if !a.hasErrorOutputLocked() {
			a.outputs = append(a.outputs, Output{
				Type:      OutputError,
				EName:     a.reply.EName,
				EValue:    a.reply.EValue,
				Traceback: a.reply.Traceback,
			})
		}
	case messages.StatusAborted, messages.StatusAbort:
		status = StatusAborted
	}

	a.finished = true
	a.result = &ExecutionResult{
		ExecutionCount: a.reply.ExecutionCount,
		Outputs:        a.outputs,
		Status:         status,
	}
	close(a.done)
}

func (a *accumulator) hasErrorOutputLocked() bool {
	for _, o := range a.outputs {
		if o.Type == OutputError {
			return true
		}
	}
	return false
}

// fail terminates the accumulator from outside the protocol (timeout,
// disconnect, restart). It is a no-op on an already-finished accumulator.
func (a *accumulator) fail(err error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.finished {
		return
	}
	a.finished = true
	a.err = err
	close(a.done)
}

// take returns the terminal outcome. It must only be called after done is
// closed.
func (a *accumulator) take() (*ExecutionResult, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.result, a.err
}
