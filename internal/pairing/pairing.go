// Package pairing admits new channel identities through a one-time code
// exchanged out of band.
package pairing

import (
	"crypto/rand"
	"errors"
	"sync"
	"time"
)

const (
	// CodeLength is the length of pairing codes.
	CodeLength = 8
	// CodeAlphabet contains unambiguous characters (no 0O1I).
	CodeAlphabet = "ABCDEFGHJKLMNPQRSTUVWXYZ23456789"
	// MaxFailures before an identity is locked out.
	MaxFailures = 5
	// LockoutDuration applied after repeated failed attempts.
	LockoutDuration = 15 * time.Minute
	// CodeTTL is how long a generated code stays valid.
	CodeTTL = time.Hour
)

// ErrNoActiveCode indicates no pairing flow is in progress.
var ErrNoActiveCode = errors.New("no active pairing code")

// Pairing holds one ephemeral code plus per-identity failure tracking.
// The first successful match consumes the code.
type Pairing struct {
	mu        sync.Mutex
	code      string
	expiresAt time.Time
	failures  map[string]int
	lockedTil map[string]time.Time
	now       func() time.Time
}

// New creates an idle pairing state.
func New() *Pairing {
	return &Pairing{
		failures:  make(map[string]int),
		lockedTil: make(map[string]time.Time),
		now:       time.Now,
	}
}

func generateCode() (string, error) {
	b := make([]byte, CodeLength)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	code := make([]byte, CodeLength)
	for i := range b {
		code[i] = CodeAlphabet[int(b[i])%len(CodeAlphabet)]
	}
	return string(code), nil
}

// Begin starts a pairing flow, replacing any active code, and returns the
// new code for out-of-band delivery.
func (p *Pairing) Begin() (string, error) {
	code, err := generateCode()
	if err != nil {
		return "", err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.code = code
	p.expiresAt = p.now().Add(CodeTTL)
	return code, nil
}

// Active reports whether a live code exists.
func (p *Pairing) Active() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.code != "" && p.now().Before(p.expiresAt)
}

// Attempt checks a submitted code for the given identity. Success clears
// the code and the identity's failure count. Failures count toward lockout.
func (p *Pairing) Attempt(identity, code string) (bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	now := p.now()
	if until, locked := p.lockedTil[identity]; locked {
		if now.Before(until) {
			return false, errors.New("too many failed attempts, try again later")
		}
		delete(p.lockedTil, identity)
		delete(p.failures, identity)
	}

	if p.code == "" || now.After(p.expiresAt) {
		p.code = ""
		return false, ErrNoActiveCode
	}

	if code == p.code {
		p.code = ""
		delete(p.failures, identity)
		return true, nil
	}

	p.failures[identity]++
	if p.failures[identity] >= MaxFailures {
		p.lockedTil[identity] = now.Add(LockoutDuration)
	}
	return false, nil
}
