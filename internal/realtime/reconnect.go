package realtime

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// SessionState enumerates the client connection lifecycle.
type SessionState int

const (
	// StateDisconnected is the terminal state: no connection, no retry pending.
	StateDisconnected SessionState = iota
	// StateConnecting means a dial is in flight.
	StateConnecting
	// StateConnected means the session is live.
	StateConnected
	// StateBackoff means a retry is scheduled.
	StateBackoff
)

// String returns the state name.
func (s SessionState) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateBackoff:
		return "backoff"
	default:
		return "unknown"
	}
}

// ErrSessionDegraded indicates the retry budget is exhausted; editing
// continues locally without collaborative delivery.
var ErrSessionDegraded = errors.New("realtime: session degraded after exhausting reconnect attempts")

// DefaultBackoffDelays is the retry schedule; attempts beyond the last entry
// reuse it as the cap.
var DefaultBackoffDelays = []time.Duration{
	1 * time.Second,
	2 * time.Second,
	4 * time.Second,
	8 * time.Second,
	10 * time.Second,
}

const defaultMaxAttempts = 5

// DialFunc establishes one websocket connection.
type DialFunc func(ctx context.Context) (*websocket.Conn, error)

// Dialer builds a DialFunc for the given collaboration endpoint.
func Dialer(url string, header http.Header) DialFunc {
	return func(ctx context.Context) (*websocket.Conn, error) {
		conn, resp, err := websocket.DefaultDialer.DialContext(ctx, url, header)
		if resp != nil && resp.Body != nil {
			resp.Body.Close()
		}
		return conn, err
	}
}

// ReconnectorConfig configures the reconnect loop.
type ReconnectorConfig struct {
	Dial         DialFunc
	Delays       []time.Duration
	MaxAttempts  int
	Sleep        func(ctx context.Context, d time.Duration) error
	OnTransition func(SessionState)
	Logger       *zap.Logger
}

// Reconnector drives a client session through an explicit
// Disconnected → Connecting → Connected → Backoff(n) state machine from a
// single scheduler loop; retry count and delay are observable state, not
// incidental timer nesting.
type Reconnector struct {
	dial         DialFunc
	delays       []time.Duration
	maxAttempts  int
	sleep        func(ctx context.Context, d time.Duration) error
	onTransition func(SessionState)
	logger       *zap.Logger

	mu      sync.Mutex
	state   SessionState
	attempt int
}

// NewReconnector constructs a reconnector with the default schedule unless
// overridden.
func NewReconnector(cfg ReconnectorConfig) (*Reconnector, error) {
	if cfg.Dial == nil {
		return nil, errors.New("realtime: dial function is required")
	}
	delays := cfg.Delays
	if len(delays) == 0 {
		delays = DefaultBackoffDelays
	}
	maxAttempts := cfg.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = defaultMaxAttempts
	}
	sleep := cfg.Sleep
	if sleep == nil {
		sleep = sleepContext
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}
	return &Reconnector{
		dial:         cfg.Dial,
		delays:       delays,
		maxAttempts:  maxAttempts,
		sleep:        sleep,
		onTransition: cfg.OnTransition,
		logger:       logger,
		state:        StateDisconnected,
	}, nil
}

// State returns the current connection state.
func (r *Reconnector) State() SessionState {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state
}

// Attempt returns the current consecutive failure count.
func (r *Reconnector) Attempt() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.attempt
}

// DelayFor returns the backoff delay before the given attempt (1-based).
func (r *Reconnector) DelayFor(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	if attempt > len(r.delays) {
		attempt = len(r.delays)
	}
	return r.delays[attempt-1]
}

// Run dials and serves until serve returns nil (clean close), the context is
// cancelled, or the retry budget is exhausted.
func (r *Reconnector) Run(ctx context.Context, serve func(ctx context.Context, conn *websocket.Conn) error) error {
	for {
		r.setState(StateConnecting)
		conn, dialErr := r.dial(ctx)
		if dialErr == nil {
			r.resetAttempts()
			r.setState(StateConnected)
			serveErr := serve(ctx, conn)
			if conn != nil {
				conn.Close()
			}
			if ctx.Err() != nil {
				r.setState(StateDisconnected)
				return ctx.Err()
			}
			if serveErr == nil {
				r.setState(StateDisconnected)
				return nil
			}
			r.logger.Warn("collaboration session dropped", zap.Error(serveErr))
		} else {
			r.logger.Warn("collaboration dial failed", zap.Error(dialErr))
		}

		attempt := r.bumpAttempts()
		if attempt > r.maxAttempts {
			r.setState(StateDisconnected)
			return ErrSessionDegraded
		}
		r.setState(StateBackoff)
		if err := r.sleep(ctx, r.DelayFor(attempt)); err != nil {
			r.setState(StateDisconnected)
			return err
		}
	}
}

func (r *Reconnector) setState(state SessionState) {
	r.mu.Lock()
	r.state = state
	r.mu.Unlock()
	if r.onTransition != nil {
		r.onTransition(state)
	}
}

func (r *Reconnector) resetAttempts() {
	r.mu.Lock()
	r.attempt = 0
	r.mu.Unlock()
}

func (r *Reconnector) bumpAttempts() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.attempt++
	return r.attempt
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
