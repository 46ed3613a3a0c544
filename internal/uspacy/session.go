package uspacy

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	uerrors "github.com/alexjbarnes/uspacy-notify/internal/errors"
	"github.com/coder/websocket"
)

const (
	// watchdogInterval is how often the liveness watchdog samples the
	// last-received timestamp.
	watchdogInterval = 1 * time.Second

	// shutdownJoinTimeout bounds how long Close waits for the session
	// goroutines to exit.
	shutdownJoinTimeout = 2 * time.Second

	// wsReadLimit caps a single inbound frame. Notification frames are
	// small JSON documents, so this leaves ample headroom.
	wsReadLimit = 1024 * 1024
)

// wsConn abstracts the WebSocket connection so the session can be
// tested without a real server. *websocket.Conn satisfies this
// interface.
type wsConn interface {
	Read(ctx context.Context) (websocket.MessageType, []byte, error)
	Write(ctx context.Context, typ websocket.MessageType, p []byte) error
	Close(code websocket.StatusCode, reason string) error
	SetReadLimit(limit int64)
}

// TokenProvider supplies the access token for the channel subscribe
// frame and refreshes it ahead of reconnects. *Client satisfies this
// interface.
type TokenProvider interface {
	Access() string
	ExpiresWithin(d time.Duration) bool
	Refresh(ctx context.Context) error
}

// ConnState is the session's connection lifecycle state.
type ConnState int

const (
	// StateDisconnected means no transport is open.
	StateDisconnected ConnState = iota

	// StateConnecting means a dial or handshake is in flight.
	StateConnecting

	// StateOpen means the handshake completed and frames are flowing.
	StateOpen

	// StateClosing means an orderly shutdown is in progress.
	StateClosing
)

// String returns the state name for log lines.
func (s ConnState) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateOpen:
		return "open"
	case StateClosing:
		return "closing"
	default:
		return "disconnected"
	}
}

// SessionConfig holds the collaborators for a notification session.
type SessionConfig struct {
	// URL is the WebSocket endpoint for the notifications channel.
	URL string

	// Tokens supplies the access token for the channel subscribe frame.
	Tokens TokenProvider

	// Router receives decoded channel events. Nil gets a fresh router.
	Router *Router

	// OnDown, when set, is invoked after an unexpected transport loss.
	// The reconnect supervisor registers itself here.
	OnDown func()
}

// Session is one logical notifications channel over a sequence of
// WebSocket connections. It answers server liveness probes, watches
// for a silent transport, and reports unexpected losses through the
// OnDown hook; reconnecting is the supervisor's job.
type Session struct {
	logger *slog.Logger
	url    string
	tokens TokenProvider
	router *Router
	onDown func()

	// stateMu guards the lifecycle fields: state, the stop flag, and
	// the timings negotiated by the latest handshake.
	stateMu      sync.RWMutex
	state        ConnState
	stopped      bool
	pingInterval time.Duration
	pingTimeout  time.Duration

	// connMu guards the per-connection fields, replaced on each
	// successful handshake.
	connMu  sync.Mutex
	conn    wsConn
	runDone chan struct{}

	lastRxMu sync.Mutex
	lastRx   time.Time

	watchdogMu   sync.Mutex
	watchdogOn   bool
	watchdogStop chan struct{}
	watchdogDone chan struct{}
}

// NewSession creates a Session for one logical notification channel.
func NewSession(cfg SessionConfig, logger *slog.Logger) *Session {
	router := cfg.Router
	if router == nil {
		router = NewRouter(logger)
	}

	return &Session{
		logger: logger,
		url:    cfg.URL,
		tokens: cfg.Tokens,
		router: router,
		onDown: cfg.OnDown,
	}
}

// Router returns the event router this session dispatches into.
func (s *Session) Router() *Router {
	return s.router
}

// Connect dials the WebSocket endpoint and performs the engine
// handshake. Connecting a session whose transport is already open is a
// logged no-op.
func (s *Session) Connect(ctx context.Context) error {
	if s.Connected() {
		s.logger.Info("notification channel already connected, skipping connect")
		return nil
	}

	s.setStopped(false)
	s.setState(StateConnecting)

	s.logger.Debug("dialing notifications websocket", slog.String("url", s.url))

	conn, _, err := websocket.Dial(ctx, s.url, nil) //nolint:bodyclose // response body is closed by the websocket library
	if err != nil {
		s.setState(StateDisconnected)
		return fmt.Errorf("dialing notifications websocket: %w", err)
	}

	return s.handshake(ctx, conn)
}

// handshake performs the engine open sequence on a fresh transport and
// starts the per-connection goroutines. Split from Connect so the
// protocol can be exercised against a mock transport.
func (s *Session) handshake(ctx context.Context, conn wsConn) error {
	conn.SetReadLimit(wsReadLimit)

	_, data, err := conn.Read(ctx)
	if err != nil {
		_ = conn.Close(websocket.StatusInternalError, "handshake read failed")
		s.setState(StateDisconnected)

		return fmt.Errorf("reading handshake frame: %w", err)
	}

	frame := DecodeFrame(data)
	if frame.Kind != FrameHandshake {
		_ = conn.Close(websocket.StatusProtocolError, "expected handshake")
		s.setState(StateDisconnected)

		return fmt.Errorf("%w: first frame is %s, not a handshake", uerrors.ErrProtocol, frame.Kind)
	}

	s.setTimings(frame.Handshake.PingInterval, frame.Handshake.PingTimeout)
	s.touchLastRx()

	// Subscribing to the notification channel needs the access token.
	// Without one the engine session stays open but delivers nothing,
	// which matches what an expired sign-in deserves.
	if token := s.tokens.Access(); token != "" {
		open, err := EncodeChannelOpen(token)
		if err == nil {
			err = conn.Write(ctx, websocket.MessageText, open)
		}

		if err != nil {
			_ = conn.Close(websocket.StatusInternalError, "channel subscribe failed")
			s.setState(StateDisconnected)

			return fmt.Errorf("subscribing to notification channel: %w", err)
		}
	} else {
		s.logger.Warn("no access token held, notification channel not subscribed")
	}

	runDone := make(chan struct{})

	s.connMu.Lock()
	s.conn = conn
	s.runDone = runDone
	s.connMu.Unlock()

	s.setState(StateOpen)

	s.logger.Info("notification channel connected",
		slog.String("sid", frame.Handshake.SID),
		slog.Duration("ping_interval", frame.Handshake.PingInterval),
		slog.Duration("ping_timeout", frame.Handshake.PingTimeout),
	)

	go s.run(ctx, conn, runDone)
	s.startWatchdog(conn, frame.Handshake.PingTimeout)

	return nil
}

// run is the session receive loop. Frames are handled in arrival
// order; the loop exits when the transport errors out.
func (s *Session) run(ctx context.Context, conn wsConn, done chan struct{}) {
	defer close(done)

	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			s.handleClose(ctx, err)
			return
		}

		s.touchLastRx()
		s.handleFrame(ctx, conn, data)
	}
}

// handleFrame reacts to one inbound frame.
func (s *Session) handleFrame(ctx context.Context, conn wsConn, data []byte) {
	frame := DecodeFrame(data)

	switch frame.Kind {
	case FramePing:
		// Server liveness probe. Answer immediately; pongs are the only
		// probe traffic the session ever originates.
		if err := conn.Write(ctx, websocket.MessageText, EncodePong()); err != nil {
			s.logger.Warn("answering server probe", slog.String("error", err.Error()))
		}

	case FramePong:
		// Already counted as received traffic; nothing else to do.

	case FrameEvent:
		s.router.Dispatch(frame.Event, frame.Payload)

	case FrameChannelOpen:
		s.logger.Debug("notification channel subscribe acknowledged")

	case FrameChannelClose:
		s.logger.Info("notification channel closed by server")

	case FrameHandshake:
		// Engine handshakes belong before the channel opens.
		s.logger.Debug("ignoring mid-session handshake frame")

	default:
		s.logger.Debug("dropping unrecognized frame", slog.Int("bytes", len(data)))
	}
}

// handleClose runs when the receive loop loses the transport. An
// unexpected loss is reported through the OnDown hook; losses during
// an orderly shutdown are not.
func (s *Session) handleClose(ctx context.Context, err error) {
	s.stopWatchdog()
	s.setState(StateDisconnected)

	if s.isStopped() || ctx.Err() != nil {
		s.logger.Debug("notification channel closed", slog.String("reason", err.Error()))
		return
	}

	s.logger.Warn("notification channel lost", slog.String("error", err.Error()))

	if s.onDown != nil {
		s.onDown()
	}
}

// Close stops the session and tears the transport down, waiting up to
// shutdownJoinTimeout for the session goroutines to exit.
func (s *Session) Close() error {
	s.setStopped(true)
	s.setState(StateClosing)

	s.stopWatchdog()

	s.connMu.Lock()
	conn := s.conn
	runDone := s.runDone
	s.conn = nil
	s.connMu.Unlock()

	var err error
	if conn != nil {
		err = conn.Close(websocket.StatusNormalClosure, "shutting down")
	}

	s.join(runDone, shutdownJoinTimeout)
	s.setState(StateDisconnected)

	return err
}

// join waits for the run loop and the watchdog to exit, giving up
// after the timeout so shutdown cannot hang on a wedged read.
func (s *Session) join(runDone chan struct{}, timeout time.Duration) {
	deadline := time.NewTimer(timeout)
	defer deadline.Stop()

	s.watchdogMu.Lock()
	watchdogDone := s.watchdogDone
	s.watchdogMu.Unlock()

	for _, done := range []chan struct{}{runDone, watchdogDone} {
		if done == nil {
			continue
		}

		select {
		case <-done:
		case <-deadline.C:
			s.logger.Warn("timed out waiting for session goroutines to exit")
			return
		}
	}
}

// Connected reports whether the handshake completed and frames are
// flowing.
func (s *Session) Connected() bool {
	return s.State() == StateOpen
}

// State returns the current lifecycle state.
func (s *Session) State() ConnState {
	s.stateMu.RLock()
	defer s.stateMu.RUnlock()

	return s.state
}

// PingTimeout returns the idle ceiling negotiated by the latest
// handshake.
func (s *Session) PingTimeout() time.Duration {
	s.stateMu.RLock()
	defer s.stateMu.RUnlock()

	return s.pingTimeout
}

// PingInterval returns the probe cadence announced by the latest
// handshake.
func (s *Session) PingInterval() time.Duration {
	s.stateMu.RLock()
	defer s.stateMu.RUnlock()

	return s.pingInterval
}

func (s *Session) setState(state ConnState) {
	s.stateMu.Lock()
	s.state = state
	s.stateMu.Unlock()
}

func (s *Session) setStopped(stopped bool) {
	s.stateMu.Lock()
	s.stopped = stopped
	s.stateMu.Unlock()
}

func (s *Session) isStopped() bool {
	s.stateMu.RLock()
	defer s.stateMu.RUnlock()

	return s.stopped
}

func (s *Session) setTimings(interval, timeout time.Duration) {
	s.stateMu.Lock()
	s.pingInterval = interval
	s.pingTimeout = timeout
	s.stateMu.Unlock()
}

// touchLastRx records that traffic arrived, feeding the watchdog.
func (s *Session) touchLastRx() {
	s.lastRxMu.Lock()
	s.lastRx = time.Now()
	s.lastRxMu.Unlock()
}

func (s *Session) lastReceived() time.Time {
	s.lastRxMu.Lock()
	defer s.lastRxMu.Unlock()

	return s.lastRx
}

// startWatchdog launches the liveness watchdog for the current
// connection. Starting while one is already running is a no-op.
func (s *Session) startWatchdog(conn wsConn, timeout time.Duration) {
	s.watchdogMu.Lock()
	defer s.watchdogMu.Unlock()

	if s.watchdogOn {
		return
	}

	stop := make(chan struct{})
	done := make(chan struct{})

	s.watchdogOn = true
	s.watchdogStop = stop
	s.watchdogDone = done

	go s.watchdog(conn, timeout, stop, done)
}

// stopWatchdog signals the watchdog to exit. Safe to call when none is
// running.
func (s *Session) stopWatchdog() {
	s.watchdogMu.Lock()
	defer s.watchdogMu.Unlock()

	if !s.watchdogOn {
		return
	}

	s.watchdogOn = false
	close(s.watchdogStop)
}

// watchdog periodically compares the idle time against the negotiated
// ping timeout and force-closes a silent transport. It only ever
// observes and closes; the reconnect is triggered by the transport
// close surfacing in the receive loop.
func (s *Session) watchdog(conn wsConn, timeout time.Duration, stop, done chan struct{}) {
	defer close(done)

	ticker := time.NewTicker(watchdogInterval)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return

		case <-ticker.C:
			last := s.lastReceived()
			if last.IsZero() {
				continue
			}

			idle := time.Since(last)
			if idle <= timeout {
				continue
			}

			s.logger.Warn("no traffic within ping timeout, closing connection",
				slog.Duration("idle", idle),
				slog.Duration("ping_timeout", timeout),
			)

			if err := conn.Close(websocket.StatusGoingAway, "liveness timeout"); err != nil {
				s.logger.Warn("closing silent connection", slog.String("error", err.Error()))
			}

			return
		}
	}
}
