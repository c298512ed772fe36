// Package wsapi is the UI collaborator channel: a websocket endpoint that
// accepts key presses and pushes state snapshots and network events.
package wsapi

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/footsteps/footsteps/log"
	"github.com/footsteps/footsteps/metrics"
	"github.com/footsteps/footsteps/movement"
	"github.com/footsteps/footsteps/pipeline"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = 25 * time.Second
	maxMessageSize = 4 << 10
	sendBuffer     = 32
)

var upgrader = websocket.Upgrader{
	// The UI is served from anywhere during development.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// State is what the channel reads and feeds.
type State interface {
	ApplyInput(d movement.Direction)
	Snapshot() pipeline.Snapshot
	Version() uint64
}

// Config configures the UI channel.
type Config struct {
	Addr         string
	DisplayName  string
	PeerID       string
	PushInterval time.Duration
	// Metrics, if set, is served at its path.
	Metrics *metrics.PrometheusExporter
}

// Server serves the UI channel.
type Server struct {
	config Config
	state  State
	log    *log.Logger

	mu       sync.Mutex
	sessions map[string]*session
	httpSrv  *http.Server
}

type session struct {
	id   string
	conn *websocket.Conn
	send chan []byte
	done chan struct{}
	once sync.Once
}

func (s *session) close() {
	s.once.Do(func() {
		close(s.done)
		s.conn.Close()
	})
}

// NewServer creates a UI channel server over state.
func NewServer(config Config, state State) *Server {
	if config.PushInterval <= 0 {
		config.PushInterval = 100 * time.Millisecond
	}
	return &Server{
		config:   config,
		state:    state,
		log:      log.Default().Module("wsapi"),
		sessions: make(map[string]*session),
	}
}

// Handler returns the HTTP handler: /ws for the channel, /state for a
// one-shot snapshot and the metrics path if configured.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.serveWS)
	mux.HandleFunc("/state", s.serveState)
	if s.config.Metrics != nil {
		mux.Handle(s.config.Metrics.Path(), s.config.Metrics)
	}
	return mux
}

// Serve accepts connections on ln until Shutdown.
func (s *Server) Serve(ln net.Listener) error {
	s.mu.Lock()
	s.httpSrv = &http.Server{Handler: s.Handler(), ReadHeaderTimeout: 10 * time.Second}
	srv := s.httpSrv
	s.mu.Unlock()

	s.log.Info("UI channel listening", "addr", ln.Addr().String())
	if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// ListenAndServe listens on the configured address and serves until ctx is
// done.
func (s *Server) ListenAndServe(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.config.Addr)
	if err != nil {
		return err
	}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		s.Shutdown(shutdownCtx)
	}()
	return s.Serve(ln)
}

// Shutdown stops the HTTP server and closes every session.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	srv := s.httpSrv
	sessions := make([]*session, 0, len(s.sessions))
	for _, sess := range s.sessions {
		sessions = append(sessions, sess)
	}
	s.mu.Unlock()

	for _, sess := range sessions {
		sess.close()
	}
	if srv == nil {
		return nil
	}
	return srv.Shutdown(ctx)
}

// Clients returns the number of connected UI sessions.
func (s *Server) Clients() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sessions)
}

// Broadcast queues msg for every session. Sessions that are not keeping up
// miss it.
func (s *Server) Broadcast(msg any) {
	data, err := json.Marshal(msg)
	if err != nil {
		s.log.Error("Encode broadcast failed", "err", err)
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, sess := range s.sessions {
		select {
		case sess.send <- data:
		default:
			s.log.Debug("Session send queue full", "session", sess.id)
		}
	}
}

// NotifyConnection forwards a peer connection message.
func (s *Server) NotifyConnection(peerID, message string) {
	s.Broadcast(&P2PConnection{Type: TypeP2PConnection, Message: message, PeerID: peerID})
}

// NotifyNodeInfo forwards a node announcement.
func (s *Server) NotifyNodeInfo(peerID, name, advertisedURL string) {
	s.Broadcast(&NodeInfo{Type: TypeNodeInfo, PeerID: peerID, Name: name, AdvertisedURL: advertisedURL})
}

func (s *Server) stateUpdate() *StateUpdate {
	return NewStateUpdate(s.state.Snapshot(), s.config.DisplayName, s.config.PeerID)
}

func (s *Server) serveState(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(s.stateUpdate())
}

func (s *Server) serveWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warn("Upgrade failed", "err", err)
		return
	}
	sess := &session{
		id:   uuid.New().String(),
		conn: conn,
		send: make(chan []byte, sendBuffer),
		done: make(chan struct{}),
	}
	s.mu.Lock()
	s.sessions[sess.id] = sess
	s.mu.Unlock()
	metrics.UIClients.Inc()
	s.log.Info("UI client connected", "session", sess.id, "remote", r.RemoteAddr)

	defer func() {
		sess.close()
		s.mu.Lock()
		delete(s.sessions, sess.id)
		s.mu.Unlock()
		metrics.UIClients.Dec()
		s.log.Info("UI client disconnected", "session", sess.id)
	}()

	go s.writeLoop(sess)
	s.readLoop(sess)
}

func (s *Server) readLoop(sess *session) {
	conn := sess.conn
	conn.SetReadLimit(maxMessageSize)
	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				s.log.Debug("Read failed", "session", sess.id, "err", err)
			}
			return
		}
		s.handleInput(sess.id, data)
	}
}

// handleInput applies one UI message. Malformed or unknown messages are
// logged and dropped.
func (s *Server) handleInput(session string, data []byte) {
	var msg InputMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		s.log.Warn("Malformed UI message", "session", session, "err", err)
		return
	}
	if msg.Type != TypeKeyPress {
		s.log.Debug("Ignored UI message", "session", session, "type", msg.Type)
		return
	}
	d := movement.ParseKey(msg.Key)
	s.state.ApplyInput(d)
	metrics.InputKeys.Inc()
	s.log.Debug("Key press", "session", session, "key", msg.Key, "input", d.String())
}

func (s *Server) writeLoop(sess *session) {
	push := time.NewTicker(s.config.PushInterval)
	ping := time.NewTicker(pingPeriod)
	defer func() {
		push.Stop()
		ping.Stop()
		sess.close()
	}()

	write := func(mt int, data []byte) bool {
		sess.conn.SetWriteDeadline(time.Now().Add(writeWait))
		return sess.conn.WriteMessage(mt, data) == nil
	}
	pushState := func() (uint64, bool) {
		version := s.state.Version()
		data, err := json.Marshal(s.stateUpdate())
		if err != nil {
			return version, false
		}
		return version, write(websocket.TextMessage, data)
	}

	last, ok := pushState()
	if !ok {
		return
	}
	for {
		select {
		case <-sess.done:
			return
		case data := <-sess.send:
			if !write(websocket.TextMessage, data) {
				return
			}
		case <-push.C:
			if s.state.Version() == last {
				continue
			}
			if last, ok = pushState(); !ok {
				return
			}
		case <-ping.C:
			if !write(websocket.PingMessage, nil) {
				return
			}
		}
	}
}
