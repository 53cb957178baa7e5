package kernelclient

import (
	"net/http"
	"time"

	"github.com/jupytergo/kernelclient/channels"
	"github.com/jupytergo/kernelclient/messages"
	"go.uber.org/zap"
)

// InputProvider answers a stdin prompt from the kernel. It runs off the
// reader goroutine, so it may block (e.g. on terminal input).
type InputProvider func(prompt string, password bool) (string, error)

// Observer receives envelopes the correlator does not attribute to any
// pending request: events caused by other clients attached to a shared
// kernel, or late arrivals for requests that already completed or timed out.
// It runs on the reader goroutine and must not block.
type Observer func(*messages.Message)

// ExecuteOptions is the enumerated configuration set for one execution.
type ExecuteOptions struct {
	// Silent asks the kernel to execute as quietly as possible: broadcast
	// output is suppressed and StoreHistory is forced off.
	Silent bool
	// StoreHistory advances the kernel's execution counter and history.
	StoreHistory bool
	// AllowStdin permits the kernel to prompt for input mid-execution.
	AllowStdin bool
	// StopOnError aborts queued executions when this one raises.
	StopOnError bool
	// Timeout is the per-call deadline. Zero means no deadline.
	Timeout time.Duration

	UserExpressions map[string]any
}

type ExecuteOption func(o *ExecuteOptions)

func Silent() ExecuteOption {
	return func(o *ExecuteOptions) {
		o.Silent = true
	}
}

func StoreHistory(b bool) ExecuteOption {
	return func(o *ExecuteOptions) {
		o.StoreHistory = b
	}
}

func AllowStdin(b bool) ExecuteOption {
	return func(o *ExecuteOptions) {
		o.AllowStdin = b
	}
}

func StopOnError(b bool) ExecuteOption {
	return func(o *ExecuteOptions) {
		o.StopOnError = b
	}
}

func WithTimeout(d time.Duration) ExecuteOption {
	return func(o *ExecuteOptions) {
		o.Timeout = d
	}
}

func UserExpressions(m map[string]any) ExecuteOption {
	return func(o *ExecuteOptions) {
		o.UserExpressions = m
	}
}

type clientOptions struct {
	kernelID       string
	kernelName     string
	kernelPath     string
	username       string
	logger         *zap.SugaredLogger
	executeTimeout time.Duration
	inputProvider  InputProvider
	observer       Observer
	httpClient     *http.Client
	connOpts       []channels.Option
}

type Option func(o *clientOptions)

// WithKernelID attaches to an existing kernel instead of starting a new one.
func WithKernelID(id string) Option {
	return func(o *clientOptions) {
		o.kernelID = id
	}
}

// WithKernelName sets the kernel spec name used when starting a new kernel.
func WithKernelName(name string) Option {
	return func(o *clientOptions) {
		o.kernelName = name
	}
}

// WithKernelPath sets the API path from the server root to the working
// directory of a newly started kernel.
func WithKernelPath(path string) Option {
	return func(o *clientOptions) {
		o.kernelPath = path
	}
}

func WithUsername(name string) Option {
	return func(o *clientOptions) {
		o.username = name
	}
}

func WithLogger(l *zap.Logger) Option {
	return func(o *clientOptions) {
		o.logger = l.Named("kernelclient").Sugar()
	}
}

// WithExecuteTimeout sets the default per-execution deadline. Individual
// calls can override it with WithTimeout.
func WithExecuteTimeout(d time.Duration) Option {
	return func(o *clientOptions) {
		o.executeTimeout = d
	}
}

func WithInputProvider(p InputProvider) Option {
	return func(o *clientOptions) {
		o.inputProvider = p
	}
}

func WithObserver(obs Observer) Option {
	return func(o *clientOptions) {
		o.observer = obs
	}
}

// WithHTTPClient replaces the HTTP client used for lifecycle calls and the
// websocket handshake.
func WithHTTPClient(hc *http.Client) Option {
	return func(o *clientOptions) {
		o.httpClient = hc
	}
}

// WithConnOptions passes extra options to the channels transport.
func WithConnOptions(opts ...channels.Option) Option {
	return func(o *clientOptions) {
		o.connOpts = append(o.connOpts, opts...)
	}
}
