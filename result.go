package kernelclient

import (
	"encoding/json"
	"strings"

	"github.com/jupytergo/kernelclient/messages"
)

// Status is the final status of an execution.
type Status string

const (
	StatusOK      Status = "ok"
	StatusError   Status = "error"
	StatusAborted Status = "aborted"
)

// OutputType tags an Output variant.
type OutputType string

const (
	OutputStream        OutputType = "stream"
	OutputExecuteResult OutputType = "execute_result"
	OutputDisplayData   OutputType = "display_data"
	OutputError         OutputType = "error"
)

// Output is one broadcast output event produced by an execution. Which fields
// are set depends on Type: Name and Text for streams, Data and Metadata for
// results and display data, EName/EValue/Traceback for errors. Mime bundles
// pass through unmodified; rendering is the caller's business.
type Output struct {
	Type OutputType

	Name string
	Text string

	Data     messages.MimeBundle
	Metadata map[string]any

	EName     string
	EValue    string
	Traceback []string
}

// ExecutionResult is the assembled outcome of one execute request. Outputs
// preserve the exact arrival order of the underlying broadcast events,
// including interleaving of different kinds.
type ExecutionResult struct {
	ExecutionCount int
	Outputs        []Output
	Status         Status
}

// Stdout concatenates the text of all stdout stream outputs.
func (r *ExecutionResult) Stdout() string {
	var sb strings.Builder
	for _, o := range r.Outputs {
		if o.Type == OutputStream && o.Name == "stdout" {
			sb.WriteString(o.Text)
		}
	}
	return sb.String()
}

// Stderr concatenates the text of all stderr stream outputs.
func (r *ExecutionResult) Stderr() string {
	var sb strings.Builder
	for _, o := range r.Outputs {
		if o.Type == OutputStream && o.Name == "stderr" {
			sb.WriteString(o.Text)
		}
	}
	return sb.String()
}

// TextResult returns the text/plain representation of the last execute_result
// output, or "" if there is none.
func (r *ExecutionResult) TextResult() string {
	for i := len(r.Outputs) - 1; i >= 0; i-- {
		o := r.Outputs[i]
		if o.Type != OutputExecuteResult {
			continue
		}
		raw, ok := o.Data["text/plain"]
		if !ok {
			return ""
		}
		var s string
		if err := json.Unmarshal(raw, &s); err != nil {
			return string(raw)
		}
		return s
	}
	return ""
}

// Err returns the kernel-reported error if the execution failed, else nil.
func (r *ExecutionResult) Err() *ExecutionError {
	if r.Status != StatusError {
		return nil
	}
	for i := len(r.Outputs) - 1; i >= 0; i-- {
		if o := r.Outputs[i]; o.Type == OutputError {
			return &ExecutionError{EName: o.EName, EValue: o.EValue, Traceback: o.Traceback}
		}
	}
	return &ExecutionError{EName: "ExecutionError", EValue: "execution failed"}
}
