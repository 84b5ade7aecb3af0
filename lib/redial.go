package lib

import (
	"context"
	"errors"
	"net/netip"
	"sync"
	"time"

	"github.com/Clouded-Sabre/inetcore/config"
	"github.com/cenkalti/backoff"
	log "github.com/sirupsen/logrus"
)

// Redialer keeps a client connection to one server, dialing again with
// exponential backoff whenever the connection breaks.
type Redialer struct {
	stack        *Stack
	laddr, raddr netip.AddrPort
	cfg          config.RedialConfig
	OnReconnect  func(*Connection) // called after every successful redial

	mu   sync.RWMutex
	conn *Connection
}

func (s *Stack) NewRedialer(laddr, raddr netip.AddrPort, cfg config.RedialConfig) *Redialer {
	return &Redialer{stack: s, laddr: laddr, raddr: raddr, cfg: cfg}
}

// Redial dials raddr, retrying refused, timed out and unreachable attempts.
func (s *Stack) Redial(ctx context.Context, laddr, raddr netip.AddrPort, cfg config.RedialConfig) (*Connection, error) {
	return s.NewRedialer(laddr, raddr, cfg).Dial(ctx)
}

// Connection returns the current connection, nil before the first Dial.
func (r *Redialer) Connection() *Connection {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.conn
}

func (r *Redialer) newBackOff(ctx context.Context) backoff.BackOff {
	eb := backoff.NewExponentialBackOff()
	if r.cfg.InitialInterval > 0 {
		eb.InitialInterval = r.cfg.InitialInterval
	}
	if r.cfg.MaxInterval > 0 {
		eb.MaxInterval = r.cfg.MaxInterval
	}
	eb.MaxElapsedTime = r.cfg.MaxElapsedTime
	eb.Reset()
	var b backoff.BackOff = eb
	if r.cfg.MaxRetries > 0 {
		b = backoff.WithMaxRetries(b, uint64(r.cfg.MaxRetries))
	}
	return backoff.WithContext(b, ctx)
}

// Dial connects, retrying until the backoff policy gives up.
func (r *Redialer) Dial(ctx context.Context) (*Connection, error) {
	var conn *Connection
	attempt := 0
	op := func() error {
		attempt++
		c, err := r.stack.Dial(ctx, r.laddr, r.raddr)
		if err != nil {
			if ctx.Err() != nil || !Retryable(err) {
				return backoff.Permanent(err)
			}
			return err
		}
		conn = c
		return nil
	}
	notify := func(err error, wait time.Duration) {
		log.Printf("dial %s attempt %d failed: %v; retrying in %v", r.raddr, attempt, err, wait)
	}
	if err := backoff.RetryNotify(op, r.newBackOff(ctx), notify); err != nil {
		return nil, err
	}

	r.mu.Lock()
	r.conn = conn
	r.mu.Unlock()
	return conn, nil
}

// HandleError replaces the current connection after err broke it. It
// returns the new connection, or err itself when err does not call for a
// reconnect.
func (r *Redialer) HandleError(ctx context.Context, err error) (*Connection, error) {
	if err == nil {
		return r.Connection(), nil
	}
	if !Retryable(err) {
		return nil, err
	}
	log.Printf("connection to %s lost: %v. Reconnecting...", r.raddr, err)

	r.mu.Lock()
	old := r.conn
	r.conn = nil
	r.mu.Unlock()
	if old != nil {
		old.Close()
	}

	conn, err := r.Dial(ctx)
	if err != nil {
		return nil, err
	}
	if r.OnReconnect != nil {
		r.OnReconnect(conn)
	}
	return conn, nil
}

// Retryable reports whether a dial or connection error is worth another
// attempt.
func Retryable(err error) bool {
	for _, target := range []error{
		ErrConnectionRefused,
		ErrConnectionReset,
		ErrTimedOut,
		ErrNetUnreachable,
		ErrHostUnreachable,
		ErrAddressInUse,
	} {
		if errors.Is(err, target) {
			return true
		}
	}
	return false
}
