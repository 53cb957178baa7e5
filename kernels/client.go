// Package kernels is a client for the kernel lifecycle REST API
// (/api/kernels): starting, inspecting, interrupting, restarting and shutting
// down kernels on a Jupyter Server. It owns the server address and the bearer
// credential; the streaming side lives in the channels package.
package kernels

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"context"

	"github.com/hashicorp/go-retryablehttp"
	"go.uber.org/zap"
)

// Kernel is the lifecycle model of a remote kernel as reported by the server.
type Kernel struct {
	ID             string `json:"id"`
	Name           string `json:"name"`
	ExecutionState string `json:"execution_state"`
	LastActivity   string `json:"last_activity"`
	Connections    int    `json:"connections"`
}

// StartRequest describes the kernel to start. Path is the API path from the
// server root to the working directory of the kernel, and may be empty.
type StartRequest struct {
	Name string `json:"name"`
	Path string `json:"path,omitempty"`
}

type Client struct {
	Logger     *zap.SugaredLogger
	HTTPClient *http.Client

	baseURL string
	token   string

	customizeRetryableClient func(*retryablehttp.Client)
}

type Option func(c *Client)

func WithLogger(l *zap.Logger) Option {
	return func(c *Client) {
		c.Logger = l.Named("kernels_client").Sugar()
	}
}

// WithHTTPClient replaces the retrying HTTP client entirely.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		c.HTTPClient = hc
	}
}

func WithCustomizeRetryableClient(f func(r *retryablehttp.Client)) Option {
	return func(c *Client) {
		c.customizeRetryableClient = f
	}
}

type logAdapter struct {
	*zap.SugaredLogger
}

func (a *logAdapter) Printf(msg string, args ...interface{}) { a.Debugf(msg, args...) }

// NewClient builds a lifecycle client for the given server URL and bearer
// token. Lifecycle calls retry transient failures with a bounded backoff, so
// each operation is idempotent-on-retry.
func NewClient(log *zap.SugaredLogger, serverURL, token string, opts ...Option) *Client {
	c := &Client{
		Logger:  log.Named("kernels_client"),
		baseURL: strings.TrimRight(serverURL, "/"),
		token:   token,
	}

	for _, opt := range opts {
		opt(c)
	}

	if c.HTTPClient == nil {
		retryClient := retryablehttp.NewClient()
		retryClient.HTTPClient = &http.Client{Timeout: 30 * time.Second}
		retryClient.RetryMax = 3
		retryClient.RetryWaitMin = 100 * time.Millisecond
		retryClient.RetryWaitMax = 2 * time.Second
		retryClient.Logger = &logAdapter{SugaredLogger: c.Logger}
		if c.customizeRetryableClient != nil {
			c.customizeRetryableClient(retryClient)
		}
		c.HTTPClient = retryClient.StandardClient()
	}

	return c
}

// BaseURL returns the server URL this client talks to.
func (c *Client) BaseURL() string { return c.baseURL }

// Token returns the bearer credential.
func (c *Client) Token() string { return c.token }

func (c *Client) kernelURL(id string) string {
	return c.baseURL + "/api/kernels/" + id
}

// ChannelsURL returns the websocket endpoint for the kernel's multiplexed
// channels, derived from the server URL by swapping the scheme.
func (c *Client) ChannelsURL(id, sessionID string) string {
	u := c.kernelURL(id) + "/channels"
	switch {
	case strings.HasPrefix(u, "https://"):
		u = "wss://" + strings.TrimPrefix(u, "https://")
	case strings.HasPrefix(u, "http://"):
		u = "ws://" + strings.TrimPrefix(u, "http://")
	}
	if sessionID != "" {
		u += "?session_id=" + sessionID
	}
	return u
}

func (c *Client) prepReq(r *http.Request) {
	r.Header.Set("Accept", "application/json")
	r.Header.Set("Content-Type", "application/json")
	if c.token != "" {
		r.Header.Set("Authorization", "Bearer "+c.token)
	}
}

// AuthHeader returns the authorization header to use for non-lifecycle
// requests against the same server (the channels websocket handshake).
func (c *Client) AuthHeader() http.Header {
	h := http.Header{}
	if c.token != "" {
		h.Set("Authorization", "Bearer "+c.token)
	}
	return h
}

func (c *Client) do(ctx context.Context, method, url string, reqBody, respBody any) error {
	var bodyReader io.Reader
	if reqBody != nil {
		b, err := json.Marshal(reqBody)
		if err != nil {
			return fmt.Errorf("encoding request body: %w", err)
		}
		bodyReader = bytes.NewReader(b)
	}
	httpReq, err := http.NewRequestWithContext(ctx, method, url, bodyReader)
	if err != nil {
		return fmt.Errorf("building request: %w", err)
	}
	c.prepReq(httpReq)

	c.Logger.Debugw("kernel API request", "Method", method, "URL", url)
	httpResp, err := c.HTTPClient.Do(httpReq)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, url, err)
	}
	defer httpResp.Body.Close()

	if err := checkStatus(httpResp); err != nil {
		return err
	}
	if respBody != nil {
		if err := json.NewDecoder(httpResp.Body).Decode(respBody); err != nil {
			return fmt.Errorf("decoding response body: %w", err)
		}
	}
	return nil
}

func checkStatus(resp *http.Response) error {
	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return nil
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return fmt.Errorf("%w: status code %d", ErrAuthenticationFailed, resp.StatusCode)
	case resp.StatusCode == http.StatusNotFound:
		return ErrNotFound
	}
	var body string
	b, err := io.ReadAll(resp.Body)
	if err != nil {
		body = fmt.Errorf("error reading body: %w", err).Error()
	} else {
		body = string(b)
	}
	return fmt.Errorf("unexpected status code %d: %s", resp.StatusCode, body)
}

// Start starts a new kernel and returns its model.
func (c *Client) Start(ctx context.Context, req StartRequest) (*Kernel, error) {
	var k Kernel
	err := c.do(ctx, http.MethodPost, c.baseURL+"/api/kernels", req, &k)
	if err != nil {
		return nil, fmt.Errorf("starting kernel: %w", err)
	}
	c.Logger.Infow("started kernel", "ID", k.ID, "Name", k.Name)
	return &k, nil
}

// Get fetches the current model of a kernel, returning ErrNotFound if the
// kernel does not exist (anymore).
func (c *Client) Get(ctx context.Context, id string) (*Kernel, error) {
	var k Kernel
	err := c.do(ctx, http.MethodGet, c.kernelURL(id), nil, &k)
	if err != nil {
		return nil, err
	}
	return &k, nil
}

// List returns the models of all kernels running on the server.
func (c *Client) List(ctx context.Context) ([]Kernel, error) {
	var ks []Kernel
	err := c.do(ctx, http.MethodGet, c.baseURL+"/api/kernels", nil, &ks)
	if err != nil {
		return nil, fmt.Errorf("listing kernels: %w", err)
	}
	return ks, nil
}

// Interrupt sends an out-of-band interrupt to the kernel. It does not wait
// for any in-flight execution to stop.
func (c *Client) Interrupt(ctx context.Context, id string) error {
	err := c.do(ctx, http.MethodPost, c.kernelURL(id)+"/interrupt", nil, nil)
	if err != nil {
		return fmt.Errorf("interrupting kernel %s: %w", id, err)
	}
	return nil
}

// Restart restarts the kernel process, resetting its execution state. The
// kernel keeps its id; all previously queued executions are gone.
func (c *Client) Restart(ctx context.Context, id string) (*Kernel, error) {
	var k Kernel
	err := c.do(ctx, http.MethodPost, c.kernelURL(id)+"/restart", nil, &k)
	if err != nil {
		return nil, fmt.Errorf("restarting kernel %s: %w", id, err)
	}
	return &k, nil
}

// Shutdown deletes the kernel. A kernel that is already gone is not an error.
func (c *Client) Shutdown(ctx context.Context, id string) error {
	err := c.do(ctx, http.MethodDelete, c.kernelURL(id), nil, nil)
	if err != nil {
		if err == ErrNotFound {
			c.Logger.Debugw("kernel already gone on shutdown", "ID", id)
			return nil
		}
		return fmt.Errorf("shutting down kernel %s: %w", id, err)
	}
	return nil
}
