package kernelclient

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jupytergo/kernelclient/messages"
	"go.uber.org/zap"
)

// sender is the outbound half of the transport the correlator needs.
type sender interface {
	Send(ctx context.Context, msg *messages.Message) error
}

// pendingRequest is one in-flight request. It is owned exclusively by the
// correlator and removed exactly once: on completion, timeout, cancellation
// or transport failure. Execute requests carry an accumulator; plain
// request/reply exchanges carry a reply channel instead.
type pendingRequest struct {
	id        string
	createdAt time.Time

	acc *accumulator

	replyType string
	replyCh   chan *messages.Message
	mu        sync.Mutex
	settled   bool
	failedErr error
}

func (p *pendingRequest) deliver(msg *messages.Message) {
	if p.acc != nil {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.settled {
		return
	}
	p.settled = true
	p.replyCh <- msg
}

func (p *pendingRequest) fail(err error) {
	if p.acc != nil {
		p.acc.fail(err)
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.settled {
		return
	}
	p.settled = true
	p.failedErr = err
	close(p.replyCh)
}

func (p *pendingRequest) failError() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.failedErr
}

// correlator matches every inbound envelope against the table of outstanding
// requests by parent id and feeds it to the owning request's state machine.
// Dispatch runs on the transport's reader goroutine; callers of execute and
// requestReply suspend on their own request only, so a slow request never
// blocks others.
type correlator struct {
	log      *zap.SugaredLogger
	session  string
	username string

	inputProvider InputProvider
	observer      Observer
	statusHook    func(state string)

	counter uint64

	mu      sync.Mutex
	snd     sender
	pending map[string]*pendingRequest
}

func newCorrelator(log *zap.SugaredLogger, session, username string) *correlator {
	return &correlator{
		log:      log.Named("correlator"),
		session:  session,
		username: username,
		pending:  map[string]*pendingRequest{},
	}
}

func (c *correlator) setSender(s sender) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.snd = s
}

func (c *correlator) sender() sender {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.snd
}

// nextID generates a message id unique for the connection's lifetime:
// the session uuid plus a monotonic counter, so ids never collide with any id
// still present in the pending table and are never reused.
func (c *correlator) nextID() string {
	return fmt.Sprintf("%s_%d", c.session, atomic.AddUint64(&c.counter, 1))
}

func (c *correlator) add(p *pendingRequest) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, exists := c.pending[p.id]; exists {
		// ids are generated from a monotonic counter, so this cannot happen
		c.log.DPanicw("duplicate pending request id", "MsgID", p.id)
	}
	c.pending[p.id] = p
}

func (c *correlator) remove(id string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.pending, id)
}

func (c *correlator) lookup(id string) *pendingRequest {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.pending[id]
}

// execute submits code and suspends the caller until the accumulator reaches
// a terminal state, the deadline elapses, or ctx is canceled. Cancellation
// removes the entry but does not affect the kernel; an explicit interrupt is
// required to actually stop remote execution.
func (c *correlator) execute(ctx context.Context, code string, o ExecuteOptions) (*ExecutionResult, error) {
	if o.Silent {
		o.StoreHistory = false
	}
	content := messages.ExecuteRequest{
		Code:            code,
		Silent:          o.Silent,
		StoreHistory:    o.StoreHistory,
		UserExpressions: o.UserExpressions,
		AllowStdin:      o.AllowStdin,
		StopOnError:     o.StopOnError,
	}
	if content.UserExpressions == nil {
		content.UserExpressions = map[string]any{}
	}

	msg, err := messages.New(c.nextID(), messages.TypeExecuteRequest, c.session, c.username, messages.ChannelShell, content)
	if err != nil {
		return nil, err
	}

	acc := newAccumulator()
	p := &pendingRequest{id: msg.Header.MsgID, createdAt: time.Now(), acc: acc}

	// insert before sending so the reply can never race ahead of its entry
	c.add(p)
	defer c.remove(p.id)

	c.log.Debugw("submitting execute request", "MsgID", p.id)
	if err := c.sender().Send(ctx, msg); err != nil {
		return nil, err
	}

	var timerC <-chan time.Time
	if o.Timeout > 0 {
		timer := time.NewTimer(o.Timeout)
		defer timer.Stop()
		timerC = timer.C
	}

	select {
	case <-acc.done:
	case <-timerC:
		acc.fail(ErrTimeout)
	case <-ctx.Done():
		acc.fail(ctx.Err())
	}
	return acc.take()
}

// requestReply performs a plain request/reply exchange on the given channel,
// without iopub accumulation (kernel_info and friends).
func (c *correlator) requestReply(ctx context.Context, channel messages.Channel, msgType, replyType string, content any, timeout time.Duration) (*messages.Message, error) {
	msg, err := messages.New(c.nextID(), msgType, c.session, c.username, channel, content)
	if err != nil {
		return nil, err
	}

	p := &pendingRequest{
		id:        msg.Header.MsgID,
		createdAt: time.Now(),
		replyType: replyType,
		replyCh:   make(chan *messages.Message, 1),
	}
	c.add(p)
	defer c.remove(p.id)

	if err := c.sender().Send(ctx, msg); err != nil {
		return nil, err
	}

	var timerC <-chan time.Time
	if timeout > 0 {
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		timerC = timer.C
	}

	select {
	case reply, ok := <-p.replyCh:
		if !ok {
			return nil, p.failError()
		}
		return reply, nil
	case <-timerC:
		return nil, ErrTimeout
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// dispatch is invoked by the transport's reader loop for every inbound
// envelope. Matching is strictly by parent id: dispatch for one request never
// mutates another request's accumulator. Envelopes matching no pending entry
// go to the observer, never to an unrelated request.
func (c *correlator) dispatch(msg *messages.Message) {
	if msg.Channel == messages.ChannelIOPub && msg.Type() == messages.TypeStatus && c.statusHook != nil {
		var st messages.Status
		if msg.DecodeContent(&st) == nil {
			c.statusHook(st.ExecutionState)
		}
	}

	var p *pendingRequest
	if parent := msg.ParentID(); parent != "" {
		p = c.lookup(parent)
	}
	if p == nil {
		c.observe(msg)
		return
	}

	switch msg.Channel {
	case messages.ChannelShell, messages.ChannelControl:
		if p.acc != nil {
			if msg.Type() != messages.TypeExecuteReply {
				c.observe(msg)
				return
			}
			if err := p.acc.feedReply(msg); err != nil {
				c.log.Warnw("dropping bad reply", "MsgID", msg.Header.MsgID, "Error", err)
			}
			return
		}
		if p.replyType == "" || msg.Type() == p.replyType {
			p.deliver(msg)
		}
	case messages.ChannelIOPub:
		if p.acc == nil {
			return
		}
		if err := p.acc.feedEvent(msg); err != nil {
			c.log.Warnw("dropping bad event", "MsgID", msg.Header.MsgID, "Error", err)
		}
	case messages.ChannelStdin:
		if msg.Type() == messages.TypeInputRequest {
			// the provider may block on the user; keep the reader loop free
			go c.answerInput(msg)
		}
	}
}

func (c *correlator) observe(msg *messages.Message) {
	if c.observer != nil {
		c.observer(msg)
	}
}

// answerInput relays a stdin prompt to the input provider and sends the
// response back on the stdin channel.
func (c *correlator) answerInput(req *messages.Message) {
	var ir messages.InputRequest
	if err := req.DecodeContent(&ir); err != nil {
		c.log.Warnw("bad input request", "Error", err)
		return
	}

	var value string
	if c.inputProvider != nil {
		v, err := c.inputProvider(ir.Prompt, ir.Password)
		if err != nil {
			c.log.Warnf("input provider error: %s", err)
		} else {
			value = v
		}
	} else {
		c.log.Warn("kernel requested input but no input provider is configured")
	}

	reply, err := messages.New(c.nextID(), messages.TypeInputReply, c.session, c.username, messages.ChannelStdin, messages.InputReply{Value: value})
	if err != nil {
		c.log.Warnw("building input reply", "Error", err)
		return
	}
	reply.ParentHeader = req.Header

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := c.sender().Send(ctx, reply); err != nil {
		c.log.Warnw("sending input reply", "Error", err)
	}
}

// failAll fails every pending request with err and clears the table. Used on
// connection loss, restart and shutdown; requests are failed individually,
// never silently dropped.
func (c *correlator) failAll(err error) {
	c.mu.Lock()
	pending := make([]*pendingRequest, 0, len(c.pending))
	for _, p := range c.pending {
		pending = append(pending, p)
	}
	c.pending = map[string]*pendingRequest{}
	c.mu.Unlock()

	if len(pending) > 0 {
		c.log.Debugw("failing all pending requests", "Count", len(pending), "Error", err)
	}
	for _, p := range pending {
		p.fail(err)
	}
}
