package kerneltest

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jupytergo/kernelclient/kernels"
	"github.com/jupytergo/kernelclient/messages"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"
)

type fakeKernel struct {
	srv  *Server
	id   string
	name string

	mu       sync.Mutex
	count    int
	state    string
	sessions map[*wsSession]struct{}

	// execMu serializes executions, like a real kernel's single shell queue
	execMu sync.Mutex
}

func newFakeKernel(srv *Server, id, name string) *fakeKernel {
	return &fakeKernel{
		srv:      srv,
		id:       id,
		name:     name,
		state:    "starting",
		sessions: map[*wsSession]struct{}{},
	}
}

func (k *fakeKernel) model() kernels.Kernel {
	k.mu.Lock()
	defer k.mu.Unlock()
	return kernels.Kernel{
		ID:             k.id,
		Name:           k.name,
		ExecutionState: k.state,
		LastActivity:   time.Now().UTC().Format(time.RFC3339),
		Connections:    len(k.sessions),
	}
}

func (k *fakeKernel) restart() {
	k.mu.Lock()
	k.count = 0
	k.state = "starting"
	k.mu.Unlock()
	k.broadcastIOPub(nil, messages.TypeStatus, map[string]any{"execution_state": "starting"})
}

func (k *fakeKernel) setState(state string, parent *messages.Message) {
	k.mu.Lock()
	k.state = state
	k.mu.Unlock()
	k.broadcastIOPub(parent, messages.TypeStatus, map[string]any{"execution_state": state})
}

func (k *fakeKernel) snapshotSessions() []*wsSession {
	k.mu.Lock()
	defer k.mu.Unlock()
	ss := make([]*wsSession, 0, len(k.sessions))
	for s := range k.sessions {
		ss = append(ss, s)
	}
	return ss
}

func (k *fakeKernel) dropSessions() {
	for _, s := range k.snapshotSessions() {
		s.close()
	}
}

// broadcastIOPub sends an iopub event to every connected session, like a real
// kernel's pub socket.
func (k *fakeKernel) broadcastIOPub(parent *messages.Message, msgType string, content any) {
	msg := serverMessage(messages.ChannelIOPub, msgType, parent, content)
	for _, s := range k.snapshotSessions() {
		s.send(msg)
	}
}

func serverMessage(channel messages.Channel, msgType string, parent *messages.Message, content any) *messages.Message {
	msg, err := messages.New(uuid.NewString(), msgType, "kernel", "kernel", channel, content)
	if err != nil {
		// content is always a map literal here
		panic(err)
	}
	if parent != nil {
		msg.ParentHeader = parent.Header
	}
	return msg
}

func (k *fakeKernel) serveSession(ctx context.Context, ws *websocket.Conn) {
	sessCtx, cancel := context.WithCancel(ctx)
	sess := &wsSession{
		kernel:  k,
		ws:      ws,
		ctx:     sessCtx,
		cancel:  cancel,
		outCh:   make(chan *messages.Message, 256),
		inputCh: make(chan *messages.Message, 4),
	}
	k.mu.Lock()
	k.sessions[sess] = struct{}{}
	k.mu.Unlock()
	defer func() {
		k.mu.Lock()
		delete(k.sessions, sess)
		k.mu.Unlock()
		sess.close()
	}()

	go sess.writeLoop()
	sess.readLoop()
}

// wsSession is one client connection to the channels endpoint. Shell and
// stdin traffic is scoped to the session; iopub events are broadcast.
type wsSession struct {
	kernel *fakeKernel
	ws     *websocket.Conn
	ctx    context.Context
	cancel func()

	outCh   chan *messages.Message
	inputCh chan *messages.Message

	closeOnce sync.Once
}

func (s *wsSession) close() {
	s.closeOnce.Do(func() {
		s.cancel()
		s.ws.Close(websocket.StatusGoingAway, "")
	})
}

func (s *wsSession) send(msg *messages.Message) {
	select {
	case s.outCh <- msg:
	case <-s.ctx.Done():
	}
}

func (s *wsSession) writeLoop() {
	for {
		select {
		case <-s.ctx.Done():
			return
		case msg := <-s.outCh:
			if err := wsjson.Write(s.ctx, s.ws, msg); err != nil {
				s.kernel.srv.log.Debugf("session write error: %s", err)
				s.cancel()
				return
			}
		}
	}
}

func (s *wsSession) readLoop() {
	for {
		_, data, err := s.ws.Read(s.ctx)
		if err != nil {
			s.cancel()
			return
		}
		msg, err := messages.Decode(data)
		if err != nil {
			s.kernel.srv.log.Debugf("dropping bad client frame: %s", err)
			continue
		}
		switch msg.Type() {
		case messages.TypeExecuteRequest:
			go s.kernel.execute(s, msg)
		case messages.TypeKernelInfoRequest:
			go s.kernel.kernelInfo(s, msg)
		case messages.TypeInputReply:
			select {
			case s.inputCh <- msg:
			default:
			}
		}
	}
}

func (k *fakeKernel) execute(sess *wsSession, req *messages.Message) {
	var er messages.ExecuteRequest
	if err := req.DecodeContent(&er); err != nil {
		k.srv.log.Debugf("bad execute request: %s", err)
		return
	}

	k.execMu.Lock()
	defer k.execMu.Unlock()

	k.setState("busy", req)

	advance := er.StoreHistory && !er.Silent
	k.mu.Lock()
	if advance {
		k.count++
	}
	count := k.count
	k.mu.Unlock()

	if !er.Silent {
		k.broadcastIOPub(req, messages.TypeExecuteInput, map[string]any{
			"code":            er.Code,
			"execution_count": count,
		})
	}

	e := &Execution{
		Code:       er.Code,
		Count:      count,
		Silent:     er.Silent,
		AllowStdin: er.AllowStdin,
		emit: func(msgType string, content any) {
			if !er.Silent {
				k.broadcastIOPub(req, msgType, content)
			}
		},
		readInput: func(prompt string, password bool) (string, error) {
			sess.send(serverMessage(messages.ChannelStdin, messages.TypeInputRequest, req, map[string]any{
				"prompt":   prompt,
				"password": password,
			}))
			select {
			case reply := <-sess.inputCh:
				var ir messages.InputReply
				if err := reply.DecodeContent(&ir); err != nil {
					return "", err
				}
				return ir.Value, nil
			case <-time.After(execTimeout):
				return "", errors.New("timed out waiting for input reply")
			case <-sess.ctx.Done():
				return "", sess.ctx.Err()
			}
		},
	}

	reply := k.srv.evaluator(e)
	if reply.Hang {
		// leave the request without a terminal state
		return
	}

	replyContent := map[string]any{
		"status":          reply.Status,
		"execution_count": count,
	}
	if reply.Status == "error" {
		replyContent["ename"] = reply.EName
		replyContent["evalue"] = reply.EValue
		replyContent["traceback"] = reply.Traceback
	}
	shellReply := serverMessage(messages.ChannelShell, messages.TypeExecuteReply, req, replyContent)

	if k.srv.replyBeforeIdle {
		sess.send(shellReply)
		k.setState("idle", req)
	} else {
		k.setState("idle", req)
		sess.send(shellReply)
	}
}

func (k *fakeKernel) kernelInfo(sess *wsSession, req *messages.Message) {
	k.setState("busy", req)
	sess.send(serverMessage(messages.ChannelShell, messages.TypeKernelInfoReply, req, map[string]any{
		"status":                 "ok",
		"protocol_version":       messages.ProtocolVersion,
		"implementation":         "kerneltest",
		"implementation_version": "0.1.0",
		"language_info":          map[string]any{"name": "python", "version": "3.11"},
		"banner":                 "fake kernel for tests",
	}))
	k.setState("idle", req)
}
