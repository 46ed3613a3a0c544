package uspacy

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

const (
	// maxReconnectBackoff caps the delay between reconnect attempts.
	maxReconnectBackoff = 30 * time.Second

	// maxBackoffShift stops the exponential shift once it already
	// exceeds the cap, keeping the arithmetic overflow-safe for long
	// outages.
	maxBackoffShift = 5
)

// sessionControl is the supervisor's narrow view of the session.
type sessionControl interface {
	Connected() bool
	Connect(ctx context.Context) error
}

// Supervisor owns reconnection for one session: it serializes
// reconnect cycles, backs off exponentially between failed attempts,
// and refreshes the access token when it is close to expiry. Retries
// continue until the session is back or the supervisor is stopped.
type Supervisor struct {
	logger  *slog.Logger
	session sessionControl
	tokens  TokenProvider

	// mu guards both the attempt counter and the in-progress flag, so
	// their updates are seen atomically.
	mu         sync.Mutex
	attempt    int
	inProgress bool

	requests chan bool
}

// NewSupervisor creates a reconnect supervisor for the given session.
func NewSupervisor(session sessionControl, tokens TokenProvider, logger *slog.Logger) *Supervisor {
	return &Supervisor{
		logger:   logger,
		session:  session,
		tokens:   tokens,
		requests: make(chan bool, 1),
	}
}

// Request asks the supervisor to bring the session up. immediate skips
// the backoff delay for the first attempt of the cycle. Requests are
// dropped while the session is connected or a cycle is already in
// progress, so callers may fire this freely.
func (sup *Supervisor) Request(immediate bool) {
	if sup.session.Connected() {
		sup.logger.Debug("session still connected, reconnect not needed")
		return
	}

	sup.mu.Lock()
	if sup.inProgress {
		sup.mu.Unlock()
		sup.logger.Debug("reconnect already in progress")

		return
	}
	sup.inProgress = true
	sup.mu.Unlock()

	// Capacity one and the in-progress guard above mean this send
	// never blocks.
	sup.requests <- immediate
}

// Run services reconnect requests until ctx is cancelled. Cycles run
// here rather than on a goroutine per request, keeping at most one
// cycle alive at a time.
func (sup *Supervisor) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case immediate := <-sup.requests:
			sup.cycle(ctx, immediate)
		}
	}
}

// cycle runs one reconnect cycle: wait, re-check, refresh the token if
// it is about to lapse, connect. A failed attempt stays in the cycle
// with exponential backoff; only success, a recovered session, or
// cancellation end it.
func (sup *Supervisor) cycle(ctx context.Context, immediate bool) {
	defer sup.clearInProgress()

	for {
		delay := backoffDelay(sup.currentAttempt())
		if immediate || sup.currentAttempt() == 0 {
			delay = 0
		}

		if delay > 0 {
			sup.logger.Info("waiting before reconnect attempt",
				slog.Duration("delay", delay),
				slog.Int("attempt", sup.currentAttempt()),
			)

			timer := time.NewTimer(delay)
			select {
			case <-ctx.Done():
				timer.Stop()
				return
			case <-timer.C:
			}
		}

		// Something else may have restored the session while we slept.
		if sup.session.Connected() {
			sup.logger.Info("session recovered on its own, reconnect cancelled")
			sup.setAttempt(0)

			return
		}

		if sup.tokens.Access() != "" && sup.tokens.ExpiresWithin(tokenRefreshWindow) {
			if err := sup.tokens.Refresh(ctx); err != nil {
				// A stale token may still be accepted; the connect
				// attempt decides.
				sup.logger.Warn("token refresh before reconnect failed", slog.String("error", err.Error()))
			}
		}

		attempt := sup.bumpAttempt()

		if err := sup.session.Connect(ctx); err != nil {
			if ctx.Err() != nil {
				return
			}

			sup.logger.Warn("reconnect attempt failed",
				slog.Int("attempt", attempt),
				slog.String("error", err.Error()),
			)

			immediate = false

			continue
		}

		sup.setAttempt(0)
		sup.logger.Info("session reconnected", slog.Int("attempts", attempt))

		return
	}
}

func (sup *Supervisor) currentAttempt() int {
	sup.mu.Lock()
	defer sup.mu.Unlock()

	return sup.attempt
}

func (sup *Supervisor) setAttempt(n int) {
	sup.mu.Lock()
	sup.attempt = n
	sup.mu.Unlock()
}

func (sup *Supervisor) bumpAttempt() int {
	sup.mu.Lock()
	defer sup.mu.Unlock()

	sup.attempt++

	return sup.attempt
}

func (sup *Supervisor) clearInProgress() {
	sup.mu.Lock()
	sup.inProgress = false
	sup.mu.Unlock()
}

// backoffDelay returns the delay before the given reconnect attempt:
// doubling from two seconds, capped at maxReconnectBackoff.
func backoffDelay(attempt int) time.Duration {
	if attempt <= 0 {
		return time.Second
	}

	if attempt > maxBackoffShift {
		return maxReconnectBackoff
	}

	return min(time.Duration(1<<uint(attempt))*time.Second, maxReconnectBackoff)
}
