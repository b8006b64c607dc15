// Package auth implements the credential challenge a node runs against new sessions.
//
// Attempts are tracked per remote identity ("host:port"). A cycle allows Retry
// failed attempts; each exhausted cycle counts one denial, and Deny denials lock
// the identity for UnlockTime.
package auth

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"golang.org/x/crypto/bcrypt"
)

var (
	// ErrNoUsers is returned when the strategy is configured without credentials.
	ErrNoUsers = errors.New("auth: at least one user is required")

	// ErrTooManyAttempts ends a cycle whose retries are exhausted.
	ErrTooManyAttempts = errors.New("too many attempts")

	// ErrLocked is returned while an identity is locked out.
	ErrLocked = errors.New("account locked")
)

// User is one accepted credential pair. Pass may be plain text or a bcrypt hash.
type User struct {
	User string `yaml:"user"`
	Pass string `yaml:"pass"`
}

// Config configures the strategy.
type Config struct {
	Users      []User
	Deny       int
	UnlockTime time.Duration
	Retry      int
	RetryTime  time.Duration
}

// DefaultConfig returns the limits used when a config leaves them unset.
func DefaultConfig() Config {
	return Config{
		Deny:       3,
		UnlockTime: 3 * time.Minute,
		Retry:      3,
		RetryTime:  500 * time.Millisecond,
	}
}

// Challenger asks the remote side for a credential field.
// field is "user" or "password".
type Challenger interface {
	Ask(ctx context.Context, field string) (string, error)
}

// ChallengerFunc adapts a function to Challenger.
type ChallengerFunc func(ctx context.Context, field string) (string, error)

// Ask calls f.
func (f ChallengerFunc) Ask(ctx context.Context, field string) (string, error) {
	return f(ctx, field)
}

// State is the attempt bookkeeping for one identity.
type State struct {
	Attempts    int
	Denies      int
	LockedUntil time.Time
}

// Strategy validates sessions and enforces retry and lockout limits.
type Strategy struct {
	cfg   Config
	users map[string]string

	mu     sync.Mutex
	states map[string]*State

	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration) error
}

// New creates a strategy. Missing limits fall back to DefaultConfig.
func New(cfg Config) (*Strategy, error) {
	if len(cfg.Users) == 0 {
		return nil, ErrNoUsers
	}

	def := DefaultConfig()
	if cfg.Deny <= 0 {
		cfg.Deny = def.Deny
	}
	if cfg.Retry <= 0 {
		cfg.Retry = def.Retry
	}
	if cfg.UnlockTime <= 0 {
		cfg.UnlockTime = def.UnlockTime
	}
	if cfg.RetryTime < 0 {
		cfg.RetryTime = 0
	}

	users := make(map[string]string, len(cfg.Users))
	for i, u := range cfg.Users {
		if u.User == "" {
			return nil, fmt.Errorf("auth: users[%d]: user is required", i)
		}
		users[u.User] = u.Pass
	}

	return &Strategy{
		cfg:    cfg,
		users:  users,
		states: make(map[string]*State),
		now:    time.Now,
		sleep:  sleepContext,
	}, nil
}

// Authenticate runs one challenge cycle for identity.
//
// supplied holds credential values already known (keys "user", "password");
// they are used instead of asking. On a mismatch the password is discarded,
// the strategy waits RetryTime and asks again, until the cycle's retries are
// exhausted.
func (s *Strategy) Authenticate(ctx context.Context, identity string, ch Challenger, supplied map[string]string) (string, error) {
	known := make(map[string]string, len(supplied))
	for k, v := range supplied {
		if v != "" {
			known[k] = v
		}
	}

	for {
		if err := s.beginAttempt(identity); err != nil {
			return "", err
		}

		user, err := s.field(ctx, ch, known, "user")
		if err != nil {
			return "", err
		}
		pass, err := s.field(ctx, ch, known, "password")
		if err != nil {
			return "", err
		}

		if s.check(user, pass) {
			s.succeed(identity)
			return user, nil
		}

		delete(known, "password")
		if err := s.sleep(ctx, s.cfg.RetryTime); err != nil {
			return "", err
		}
	}
}

// beginAttempt applies the lockout and retry limits and, when an attempt may
// proceed, counts it.
func (s *Strategy) beginAttempt(identity string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	st := s.stateLocked(identity)
	now := s.now()

	if !st.LockedUntil.IsZero() {
		if now.Before(st.LockedUntil) {
			return ErrLocked
		}
		st.LockedUntil = time.Time{}
		st.Denies = 0
	}

	if st.Attempts >= s.cfg.Retry {
		st.Attempts = 0
		st.Denies++
		if st.Denies >= s.cfg.Deny {
			st.LockedUntil = now.Add(s.cfg.UnlockTime)
			return ErrLocked
		}
		return ErrTooManyAttempts
	}

	st.Attempts++
	return nil
}

func (s *Strategy) succeed(identity string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := s.stateLocked(identity)
	st.Attempts = 0
	st.Denies = 0
}

func (s *Strategy) stateLocked(identity string) *State {
	st, ok := s.states[identity]
	if !ok {
		st = &State{}
		s.states[identity] = st
	}
	return st
}

// State returns a snapshot of the bookkeeping for identity.
func (s *Strategy) State(identity string) State {
	s.mu.Lock()
	defer s.mu.Unlock()
	if st, ok := s.states[identity]; ok {
		return *st
	}
	return State{}
}

// LockedUntil returns the end of the identity's lockout, or the zero time.
func (s *Strategy) LockedUntil(identity string) time.Time {
	return s.State(identity).LockedUntil
}

func (s *Strategy) field(ctx context.Context, ch Challenger, known map[string]string, name string) (string, error) {
	if v, ok := known[name]; ok {
		return v, nil
	}
	v, err := ch.Ask(ctx, name)
	if err != nil {
		return "", fmt.Errorf("auth: read %s: %w", name, err)
	}
	known[name] = v
	return v, nil
}

// check compares credentials without leaking which part failed through timing.
func (s *Strategy) check(user, pass string) bool {
	stored, ok := s.users[user]
	if !ok {
		subtle.ConstantTimeCompare([]byte(pass), []byte(pass))
		return false
	}
	if isBcrypt(stored) {
		return bcrypt.CompareHashAndPassword([]byte(stored), []byte(pass)) == nil
	}
	return subtle.ConstantTimeCompare([]byte(stored), []byte(pass)) == 1
}

func isBcrypt(s string) bool {
	return strings.HasPrefix(s, "$2a$") || strings.HasPrefix(s, "$2b$") || strings.HasPrefix(s, "$2y$")
}

// HashPassword returns a bcrypt hash suitable for a config file.
func HashPassword(pass string) (string, error) {
	h, err := bcrypt.GenerateFromPassword([]byte(pass), bcrypt.DefaultCost)
	if err != nil {
		return "", fmt.Errorf("auth: hash password: %w", err)
	}
	return string(h), nil
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
