package devserver

import (
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"sync"

	"github.com/google/uuid"
	"github.com/guseggert/evalclient/protocol"
	"github.com/julienschmidt/httprouter"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"nhooyr.io/websocket"
)

// Server is a development coordinator and eval server in one process.
// The coordinator hands out eval endpoints that are served by the same HTTP server.
type Server struct {
	logger *zap.SugaredLogger

	listenAddr string
	evaluator  Evaluator

	router     *httprouter.Router
	httpServer *http.Server
	wsHandlers sync.WaitGroup

	mut               sync.Mutex
	listener          net.Listener
	endpoints         map[string]*evalEndpoint
	failProvisioning  int
	provisionAttempts int
	provisioned       int
	requests          int
	connections       int
}

type evalEndpoint struct {
	id        string
	token     string
	clientID  string
	websocket bool
	conns     map[*websocket.Conn]struct{}
}

type Option func(s *Server)

func WithListenAddr(addr string) Option {
	return func(s *Server) {
		s.listenAddr = addr
	}
}

func WithLogger(l *zap.Logger) Option {
	return func(s *Server) {
		s.logger = l.Named("devserver").Sugar()
	}
}

func WithLogLevel(l zapcore.Level) Option {
	return func(s *Server) {
		s.logger = s.logger.WithOptions(zap.IncreaseLevel(l))
	}
}

func WithEvaluator(e Evaluator) Option {
	return func(s *Server) {
		s.evaluator = e
	}
}

// WithFailProvisioning makes the first n makeServer requests fail with 503.
func WithFailProvisioning(n int) Option {
	return func(s *Server) {
		s.failProvisioning = n
	}
}

// NewServer constructs a dev server. Options are applied in order.
func NewServer(opts ...Option) (*Server, error) {
	logger, err := zap.NewDevelopment()
	if err != nil {
		return nil, fmt.Errorf("building logger: %w", err)
	}
	s := &Server{
		logger:     logger.Named("devserver").Sugar(),
		listenAddr: "127.0.0.1:8080",
		evaluator:  EchoEvaluator,
		endpoints:  map[string]*evalEndpoint{},
	}
	for _, o := range opts {
		o(s)
	}

	router := httprouter.New()
	router.PUT("/servers", s.makeServer)
	router.PUT("/eval/:id", s.evalPut)
	router.GET("/eval/:id", s.evalWS)
	s.router = router
	s.httpServer = &http.Server{Handler: router}
	return s, nil
}

// Handler returns the HTTP handler serving the coordinator and eval routes.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Listen binds the listen address. Addr is valid once it returns.
func (s *Server) Listen() error {
	l, err := net.Listen("tcp", s.listenAddr)
	if err != nil {
		return fmt.Errorf("listening TCP: %w", err)
	}
	s.mut.Lock()
	s.listener = l
	s.mut.Unlock()
	return nil
}

// Addr returns the bound address, or the configured one before Listen.
func (s *Server) Addr() string {
	s.mut.Lock()
	defer s.mut.Unlock()
	if s.listener != nil {
		return s.listener.Addr().String()
	}
	return s.listenAddr
}

// CoordinatorURL returns the URL clients should provision eval servers from.
func (s *Server) CoordinatorURL() string {
	return fmt.Sprintf("http://%s/servers", s.Addr())
}

// Serve serves on the listener bound by Listen and returns once the server has stopped.
func (s *Server) Serve() error {
	s.mut.Lock()
	l := s.listener
	s.mut.Unlock()
	if l == nil {
		return errors.New("server is not listening")
	}
	err := s.httpServer.Serve(l)
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Run listens and serves, returning once the server has stopped.
func (s *Server) Run() error {
	err := s.Listen()
	if err != nil {
		return err
	}
	s.logger.Infow("serving", "Addr", s.Addr())
	return s.Serve()
}

// Stop closes every eval endpoint and the HTTP server, then waits for WebSocket handlers to return.
func (s *Server) Stop() error {
	s.EvictAll()
	err := s.httpServer.Close()
	s.wsHandlers.Wait()
	return err
}

// Evict removes an eval endpoint and closes its WebSockets, as if the eval server had died.
func (s *Server) Evict(id string) {
	s.mut.Lock()
	ep, ok := s.endpoints[id]
	delete(s.endpoints, id)
	var conns []*websocket.Conn
	if ok {
		for conn := range ep.conns {
			conns = append(conns, conn)
		}
	}
	s.mut.Unlock()
	if !ok {
		return
	}
	s.logger.Debugw("evicting eval endpoint", "ID", id, "Conns", len(conns))
	// Skip the close handshake so clients see an abrupt failure.
	for _, conn := range conns {
		conn.CloseNow()
	}
}

func (s *Server) EvictAll() {
	s.mut.Lock()
	var ids []string
	for id := range s.endpoints {
		ids = append(ids, id)
	}
	s.mut.Unlock()
	for _, id := range ids {
		s.Evict(id)
	}
}

// Endpoints returns the ids of the live eval endpoints.
func (s *Server) Endpoints() []string {
	s.mut.Lock()
	defer s.mut.Unlock()
	var ids []string
	for id := range s.endpoints {
		ids = append(ids, id)
	}
	return ids
}

// ProvisionAttempts returns how many makeServer requests were received, including failed ones.
func (s *Server) ProvisionAttempts() int {
	s.mut.Lock()
	defer s.mut.Unlock()
	return s.provisionAttempts
}

// Provisioned returns how many eval endpoints were created.
func (s *Server) Provisioned() int {
	s.mut.Lock()
	defer s.mut.Unlock()
	return s.provisioned
}

// Connections returns how many WebSockets were accepted.
func (s *Server) Connections() int {
	s.mut.Lock()
	defer s.mut.Unlock()
	return s.connections
}

// Requests returns how many eval requests were answered.
func (s *Server) Requests() int {
	s.mut.Lock()
	defer s.mut.Unlock()
	return s.requests
}

func (s *Server) makeServer(w http.ResponseWriter, r *http.Request, params httprouter.Params) {
	s.mut.Lock()
	s.provisionAttempts++
	fail := s.failProvisioning > 0
	if fail {
		s.failProvisioning--
	}
	s.mut.Unlock()
	if fail {
		http.Error(w, "coordinator unavailable", http.StatusServiceUnavailable)
		return
	}

	b, err := io.ReadAll(r.Body)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	var req protocol.MakeServerRequest
	err = protocol.Unmarshal(b, &req)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if req.Method != protocol.MethodMakeServer {
		http.Error(w, fmt.Sprintf("unsupported method %q", req.Method), http.StatusBadRequest)
		return
	}

	ep := &evalEndpoint{
		id:        uuid.NewString(),
		token:     uuid.NewString(),
		clientID:  req.Params.ClientID,
		websocket: req.Params.EnableWebSocket,
		conns:     map[*websocket.Conn]struct{}{},
	}

	scheme := "http"
	if req.Params.EnableWebSocket {
		scheme = "ws"
	}
	if r.TLS != nil {
		scheme += "s"
	}
	resp := protocol.MakeServerResponse{
		URI:   fmt.Sprintf("%s://%s/eval/%s", scheme, r.Host, ep.id),
		Token: ep.token,
	}

	s.mut.Lock()
	s.endpoints[ep.id] = ep
	s.provisioned++
	s.mut.Unlock()

	s.logger.Debugw("made eval server", "ClientID", ep.clientID, "URI", resp.URI)
	writeJSON(w, http.StatusOK, resp)
}

// authorize returns the endpoint addressed by the request if the request carries its token.
func (s *Server) authorize(r *http.Request, params httprouter.Params) (*evalEndpoint, int) {
	id := params.ByName("id")
	s.mut.Lock()
	ep, ok := s.endpoints[id]
	s.mut.Unlock()
	if !ok {
		return nil, http.StatusNotFound
	}
	token := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
	if token != ep.token {
		return nil, http.StatusUnauthorized
	}
	return ep, http.StatusOK
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	b, err := protocol.Marshal(v)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Add("Content-Type", "application/json")
	w.WriteHeader(code)
	w.Write(b)
}
