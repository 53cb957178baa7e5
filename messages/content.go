package messages

import "encoding/json"

// Message types exchanged with the kernel.
const (
	TypeExecuteRequest    = "execute_request"
	TypeExecuteReply      = "execute_reply"
	TypeStatus            = "status"
	TypeStream            = "stream"
	TypeExecuteResult     = "execute_result"
	TypeDisplayData       = "display_data"
	TypeExecuteInput      = "execute_input"
	TypeError             = "error"
	TypeInputRequest      = "input_request"
	TypeInputReply        = "input_reply"
	TypeKernelInfoRequest = "kernel_info_request"
	TypeKernelInfoReply   = "kernel_info_reply"
)

// Reply status values carried by execute_reply.
const (
	StatusOK      = "ok"
	StatusError   = "error"
	StatusAborted = "aborted"
	// StatusAbort is the legacy spelling some kernels still emit.
	StatusAbort = "abort"
)

// Execution states reported by iopub status messages.
const (
	StateStarting = "starting"
	StateBusy     = "busy"
	StateIdle     = "idle"
	StateDead     = "dead"
)

type ExecuteRequest struct {
	Code            string         `json:"code"`
	Silent          bool           `json:"silent"`
	StoreHistory    bool           `json:"store_history"`
	UserExpressions map[string]any `json:"user_expressions"`
	AllowStdin      bool           `json:"allow_stdin"`
	StopOnError     bool           `json:"stop_on_error"`
}

type ExecuteReply struct {
	Status         string   `json:"status"`
	ExecutionCount int      `json:"execution_count"`
	EName          string   `json:"ename,omitempty"`
	EValue         string   `json:"evalue,omitempty"`
	Traceback      []string `json:"traceback,omitempty"`
}

type Status struct {
	ExecutionState string `json:"execution_state"`
}

type Stream struct {
	Name string `json:"name"`
	Text string `json:"text"`
}

// MimeBundle maps a mime type to its (opaque) representation of a result.
type MimeBundle map[string]json.RawMessage

type ExecuteResult struct {
	Data           MimeBundle     `json:"data"`
	Metadata       map[string]any `json:"metadata"`
	ExecutionCount int            `json:"execution_count"`
}

type DisplayData struct {
	Data     MimeBundle     `json:"data"`
	Metadata map[string]any `json:"metadata"`
}

type Error struct {
	EName     string   `json:"ename"`
	EValue    string   `json:"evalue"`
	Traceback []string `json:"traceback"`
}

type InputRequest struct {
	Prompt   string `json:"prompt"`
	Password bool   `json:"password"`
}

type InputReply struct {
	Value string `json:"value"`
}

type KernelInfoReply struct {
	Status                string         `json:"status"`
	ProtocolVersion       string         `json:"protocol_version"`
	Implementation        string         `json:"implementation"`
	ImplementationVersion string         `json:"implementation_version"`
	LanguageInfo          map[string]any `json:"language_info"`
	Banner                string         `json:"banner"`
}
