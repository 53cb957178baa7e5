package kerneltest

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/julienschmidt/httprouter"
	"github.com/jupytergo/kernelclient/kernels"
	"go.uber.org/zap"
	"nhooyr.io/websocket"
)

// Server is a fake in-process Jupyter Server.
type Server struct {
	log             *zap.SugaredLogger
	token           string
	evaluator       Evaluator
	replyBeforeIdle bool

	httpServer *httptest.Server

	mu             sync.Mutex
	kernels        map[string]*fakeKernel
	refuseChannels bool
	interrupts     int
}

type Option func(s *Server)

func WithLogger(l *zap.SugaredLogger) Option {
	return func(s *Server) {
		s.log = l.Named("kerneltest")
	}
}

func WithToken(token string) Option {
	return func(s *Server) {
		s.token = token
	}
}

func WithEvaluator(e Evaluator) Option {
	return func(s *Server) {
		s.evaluator = e
	}
}

// WithReplyBeforeIdle flips the order of the two terminal signals: the
// execute_reply is sent before the idle status broadcast. Both orders are
// legal on the wire and clients must produce identical results for them.
func WithReplyBeforeIdle() Option {
	return func(s *Server) {
		s.replyBeforeIdle = true
	}
}

// NewServer starts the fake server on an ephemeral port.
func NewServer(opts ...Option) *Server {
	s := &Server{
		log:       zap.NewNop().Sugar(),
		token:     uuid.NewString(),
		evaluator: DefaultEvaluator,
		kernels:   map[string]*fakeKernel{},
	}
	for _, opt := range opts {
		opt(s)
	}

	router := httprouter.New()
	router.POST("/api/kernels", s.auth(s.startKernel))
	router.GET("/api/kernels", s.auth(s.listKernels))
	router.GET("/api/kernels/:id", s.auth(s.getKernel))
	router.DELETE("/api/kernels/:id", s.auth(s.deleteKernel))
	router.POST("/api/kernels/:id/interrupt", s.auth(s.interruptKernel))
	router.POST("/api/kernels/:id/restart", s.auth(s.restartKernel))
	router.GET("/api/kernels/:id/channels", s.auth(s.channels))

	s.httpServer = httptest.NewServer(router)
	return s
}

func (s *Server) URL() string   { return s.httpServer.URL }
func (s *Server) Token() string { return s.token }

// Interrupts reports how many interrupt requests the server has received.
func (s *Server) Interrupts() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.interrupts
}

// SetRefuseChannels makes the channels endpoint reject handshakes, so a
// dropped client cannot reconnect.
func (s *Server) SetRefuseChannels(refuse bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.refuseChannels = refuse
}

// DropConnections force-closes every open channels connection.
func (s *Server) DropConnections() {
	for _, k := range s.snapshotKernels() {
		k.dropSessions()
	}
}

func (s *Server) Close() {
	s.DropConnections()
	s.httpServer.Close()
}

func (s *Server) snapshotKernels() []*fakeKernel {
	s.mu.Lock()
	defer s.mu.Unlock()
	ks := make([]*fakeKernel, 0, len(s.kernels))
	for _, k := range s.kernels {
		ks = append(ks, k)
	}
	return ks
}

func (s *Server) auth(h httprouter.Handle) httprouter.Handle {
	return func(w http.ResponseWriter, r *http.Request, params httprouter.Params) {
		if r.Header.Get("Authorization") != "Bearer "+s.token {
			http.Error(w, "forbidden", http.StatusForbidden)
			return
		}
		h(w, r, params)
	}
}

func (s *Server) lookup(id string) *fakeKernel {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.kernels[id]
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if v != nil {
		json.NewEncoder(w).Encode(v)
	}
}

func (s *Server) startKernel(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	var req kernels.StartRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	name := req.Name
	if name == "" {
		name = "python3"
	}

	k := newFakeKernel(s, uuid.NewString(), name)
	s.mu.Lock()
	s.kernels[k.id] = k
	s.mu.Unlock()

	s.log.Debugw("started kernel", "ID", k.id, "Name", name)
	writeJSON(w, http.StatusCreated, k.model())
}

func (s *Server) listKernels(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	models := []kernels.Kernel{}
	for _, k := range s.snapshotKernels() {
		models = append(models, k.model())
	}
	writeJSON(w, http.StatusOK, models)
}

func (s *Server) getKernel(w http.ResponseWriter, r *http.Request, params httprouter.Params) {
	k := s.lookup(params.ByName("id"))
	if k == nil {
		http.Error(w, "kernel not found", http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, k.model())
}

func (s *Server) deleteKernel(w http.ResponseWriter, r *http.Request, params httprouter.Params) {
	id := params.ByName("id")
	s.mu.Lock()
	k := s.kernels[id]
	delete(s.kernels, id)
	s.mu.Unlock()
	if k == nil {
		http.Error(w, "kernel not found", http.StatusNotFound)
		return
	}
	k.dropSessions()
	writeJSON(w, http.StatusNoContent, nil)
}

func (s *Server) interruptKernel(w http.ResponseWriter, r *http.Request, params httprouter.Params) {
	k := s.lookup(params.ByName("id"))
	if k == nil {
		http.Error(w, "kernel not found", http.StatusNotFound)
		return
	}
	s.mu.Lock()
	s.interrupts++
	s.mu.Unlock()
	writeJSON(w, http.StatusNoContent, nil)
}

func (s *Server) restartKernel(w http.ResponseWriter, r *http.Request, params httprouter.Params) {
	k := s.lookup(params.ByName("id"))
	if k == nil {
		http.Error(w, "kernel not found", http.StatusNotFound)
		return
	}
	k.restart()
	writeJSON(w, http.StatusOK, k.model())
}

func (s *Server) channels(w http.ResponseWriter, r *http.Request, params httprouter.Params) {
	s.mu.Lock()
	refuse := s.refuseChannels
	s.mu.Unlock()
	if refuse {
		http.Error(w, "service unavailable", http.StatusServiceUnavailable)
		return
	}

	k := s.lookup(params.ByName("id"))
	if k == nil {
		http.Error(w, "kernel not found", http.StatusNotFound)
		return
	}

	ws, err := websocket.Accept(w, r, nil)
	if err != nil {
		s.log.Debugf("channels accept error: %s", err)
		return
	}
	k.serveSession(r.Context(), ws)
}

// execTimeout bounds a single fake execution, including stdin round trips.
const execTimeout = 30 * time.Second
