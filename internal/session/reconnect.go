package session

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"time"
)

const (
	DefaultDialTimeout   = 5 * time.Second
	DefaultRetryInterval = 5 * time.Second
	DefaultMaxAttempts   = 10
	DefaultRetryCooldown = 5 * time.Minute
)

// DialFunc opens the byte stream to the collector.
type DialFunc func(ctx context.Context, network, addr string) (net.Conn, error)

// ReconnectConfig configures a Reconnector. Zero values take the defaults.
type ReconnectConfig struct {
	Addr        string
	ClientID    string
	DialTimeout time.Duration
	// Interval is the fixed delay between failed attempts.
	Interval time.Duration
	// MaxAttempts failed attempts in a row start a Cooldown pause before the
	// next series.
	MaxAttempts int
	Cooldown    time.Duration
	Dial        DialFunc
	Logger      *slog.Logger
}

// Reconnector re-opens a Session at a fixed interval with a capped number of
// attempts per series. It performs at most one attempt per Ensure call.
type Reconnector struct {
	cfg  ReconnectConfig
	sess *Session
	log  *slog.Logger

	failures int
	series   int
	next     time.Time
	lastErr  error
}

// NewReconnector returns a Reconnector driving sess.
func NewReconnector(sess *Session, cfg ReconnectConfig) *Reconnector {
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = DefaultDialTimeout
	}
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultRetryInterval
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = DefaultMaxAttempts
	}
	if cfg.Cooldown <= 0 {
		cfg.Cooldown = DefaultRetryCooldown
	}
	if cfg.Dial == nil {
		var d net.Dialer
		cfg.Dial = d.DialContext
	}
	log := cfg.Logger
	if log == nil {
		log = slog.Default()
	}
	return &Reconnector{cfg: cfg, sess: sess, log: log.With("component", "reconnect", "addr", cfg.Addr)}
}

// Ensure returns nil if the session is connected. Otherwise, when an attempt
// is due, it dials and opens the session once; when no attempt is due it
// returns ErrNotConnected. Blocking is bounded by the dial and handshake
// timeouts.
func (r *Reconnector) Ensure(ctx context.Context, now time.Time) error {
	if r.sess.State() == Connected {
		return nil
	}
	if now.Before(r.next) {
		return ErrNotConnected
	}

	err := r.attempt(ctx)
	if err == nil {
		if r.failures > 0 || r.series > 0 {
			r.log.Info("reconnected", "failed_attempts", r.failures)
		}
		r.failures = 0
		r.series = 0
		r.next = time.Time{}
		r.lastErr = nil
		return nil
	}

	r.lastErr = err
	r.failures++
	if r.failures >= r.cfg.MaxAttempts {
		r.series++
		r.next = now.Add(r.cfg.Cooldown)
		r.log.Warn("reconnect attempts exhausted, cooling down",
			"attempts", r.failures, "cooldown", r.cfg.Cooldown, "error", err)
		r.failures = 0
	} else {
		r.next = now.Add(r.cfg.Interval)
		r.log.Debug("reconnect attempt failed", "attempt", r.failures, "error", err)
	}
	return err
}

func (r *Reconnector) attempt(ctx context.Context) error {
	dialCtx, cancel := context.WithTimeout(ctx, r.cfg.DialTimeout)
	defer cancel()
	conn, err := r.cfg.Dial(dialCtx, "tcp", r.cfg.Addr)
	if err != nil {
		return fmt.Errorf("%w: dial %s: %w", ErrIO, r.cfg.Addr, err)
	}
	return r.sess.Open(conn, r.cfg.ClientID)
}

// NextAttempt is the earliest time Ensure will try again. Zero means now.
func (r *Reconnector) NextAttempt() time.Time {
	return r.next
}

// Failures is the number of failed attempts in the current series.
func (r *Reconnector) Failures() int {
	return r.failures
}

// LastError is the error of the most recent failed attempt, nil after success.
func (r *Reconnector) LastError() error {
	return r.lastErr
}
