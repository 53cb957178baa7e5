package kernelclient

import (
	"context"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jupytergo/kernelclient/channels"
	"github.com/jupytergo/kernelclient/kernels"
	"github.com/jupytergo/kernelclient/messages"
	"go.uber.org/zap"
)

// Client is a handle on one kernel attachment: the lifecycle client, the
// multiplexed channels connection and the request correlator behind a small
// API. A Client is safe for concurrent use; any number of goroutines may
// Execute at the same time on the same connection.
type Client struct {
	log      *zap.SugaredLogger
	kernels  *kernels.Client
	conn     *channels.Conn
	corr     *correlator
	session  string
	username string

	ownKernel      bool
	executeTimeout time.Duration

	mu        sync.Mutex
	kernel    *kernels.Kernel
	execState string
	closed    bool
}

// Attach connects to a kernel on the given server. With WithKernelID it
// attaches to an existing kernel; otherwise it starts a new one (default spec
// name "python3"). There is no ambient default kernel: the identity is always
// explicit. The returned Client must be closed on every exit path.
func Attach(ctx context.Context, serverURL, token string, opts ...Option) (*Client, error) {
	o := clientOptions{
		kernelName: "python3",
		username:   os.Getenv("USER"),
		logger:     zap.NewNop().Sugar(),
	}
	for _, opt := range opts {
		opt(&o)
	}
	if o.username == "" {
		o.username = "username"
	}

	var kernelOpts []kernels.Option
	if o.httpClient != nil {
		kernelOpts = append(kernelOpts, kernels.WithHTTPClient(o.httpClient))
	}
	kc := kernels.NewClient(o.logger, serverURL, token, kernelOpts...)

	var (
		kernel *kernels.Kernel
		err    error
		own    bool
	)
	if o.kernelID != "" {
		kernel, err = kc.Get(ctx, o.kernelID)
		if err != nil {
			return nil, fmt.Errorf("attaching to kernel %s: %w", o.kernelID, err)
		}
	} else {
		kernel, err = kc.Start(ctx, kernels.StartRequest{Name: o.kernelName, Path: o.kernelPath})
		if err != nil {
			return nil, err
		}
		own = true
	}

	c := &Client{
		log:            o.logger.Named("kernelclient"),
		kernels:        kc,
		session:        uuid.NewString(),
		username:       o.username,
		ownKernel:      own,
		executeTimeout: o.executeTimeout,
		kernel:         kernel,
		execState:      kernel.ExecutionState,
	}

	corr := newCorrelator(c.log, c.session, c.username)
	corr.inputProvider = o.inputProvider
	corr.observer = o.observer
	corr.statusHook = c.setExecutionState
	c.corr = corr

	connOpts := append([]channels.Option{
		channels.WithLogger(c.log),
		channels.WithHeader(kc.AuthHeader()),
		channels.WithDownHandler(corr.failAll),
	}, o.connOpts...)
	if o.httpClient != nil {
		connOpts = append(connOpts, channels.WithHTTPClient(o.httpClient))
	}

	conn, err := channels.Dial(ctx, kc.ChannelsURL(kernel.ID, c.session), corr.dispatch, connOpts...)
	if err != nil {
		if own {
			if serr := kc.Shutdown(ctx, kernel.ID); serr != nil {
				c.log.Warnw("shutting down kernel after failed dial", "Error", serr)
			}
		}
		return nil, err
	}
	c.conn = conn
	corr.setSender(conn)

	return c, nil
}

// Execute submits code to the kernel and blocks until the execution reaches a
// terminal state or the deadline elapses. A kernel-reported error is a normal
// outcome: it comes back as ExecutionResult.Status == StatusError with the
// traceback in the outputs, not as a Go error.
func (c *Client) Execute(ctx context.Context, code string, opts ...ExecuteOption) (*ExecutionResult, error) {
	o := ExecuteOptions{
		StoreHistory: true,
		StopOnError:  true,
		AllowStdin:   c.corr.inputProvider != nil,
		Timeout:      c.executeTimeout,
	}
	for _, opt := range opts {
		opt(&o)
	}
	return c.corr.execute(ctx, code, o)
}

// KernelInfo fetches the kernel's self-description over the shell channel.
func (c *Client) KernelInfo(ctx context.Context) (*messages.KernelInfoReply, error) {
	reply, err := c.corr.requestReply(ctx, messages.ChannelShell,
		messages.TypeKernelInfoRequest, messages.TypeKernelInfoReply, map[string]any{}, c.executeTimeout)
	if err != nil {
		return nil, fmt.Errorf("requesting kernel info: %w", err)
	}
	var info messages.KernelInfoReply
	if err := reply.DecodeContent(&info); err != nil {
		return nil, err
	}
	return &info, nil
}

// Interrupt sends an out-of-band interrupt via the lifecycle API. It does not
// terminate any in-flight Execute by itself; those still finish through the
// normal idle+reply path (typically with an error or aborted reply).
func (c *Client) Interrupt(ctx context.Context) error {
	return c.kernels.Interrupt(ctx, c.KernelID())
}

// Restart restarts the kernel. Every in-flight request is failed with
// ErrAborted; the kernel keeps its id but its execution counter resets.
func (c *Client) Restart(ctx context.Context) error {
	k, err := c.kernels.Restart(ctx, c.KernelID())
	if err != nil {
		return err
	}
	c.corr.failAll(ErrAborted)
	c.mu.Lock()
	c.kernel = k
	c.execState = k.ExecutionState
	c.mu.Unlock()
	return nil
}

// Refresh re-fetches the kernel model from the server.
func (c *Client) Refresh(ctx context.Context) (*kernels.Kernel, error) {
	k, err := c.kernels.Get(ctx, c.KernelID())
	if err != nil {
		return nil, err
	}
	c.mu.Lock()
	c.kernel = k
	c.mu.Unlock()
	return k, nil
}

// Kernel returns the last known kernel model.
func (c *Client) Kernel() kernels.Kernel {
	c.mu.Lock()
	defer c.mu.Unlock()
	return *c.kernel
}

// KernelID returns the id of the attached kernel.
func (c *Client) KernelID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.kernel.ID
}

// ExecutionState returns the kernel state as reported by the most recent
// status broadcast (starting, idle, busy, dead).
func (c *Client) ExecutionState() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.execState
}

func (c *Client) setExecutionState(state string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.execState = state
	if c.kernel != nil {
		c.kernel.ExecutionState = state
	}
}

// Close releases the attachment on any exit path. Outstanding requests are
// failed with ErrConnectionLost before the connection is released. If this
// client started the kernel, the kernel is shut down as well; kernels we
// merely attached to are left running.
func (c *Client) Close(ctx context.Context) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.mu.Unlock()

	err := c.conn.Close()
	if c.ownKernel {
		if serr := c.kernels.Shutdown(ctx, c.KernelID()); serr != nil && err == nil {
			err = serr
		}
	}
	return err
}
