package keyring

import (
	"sync"

	apperrors "github.com/iosh/arx-sub004/walletEngine/errors"
)

// Zero overwrites b in place.
func Zero(b []byte) {
	for i := range b {
		b[i] = 0
	}
}

// Secret owns a key buffer. Callers never see the owned buffer itself: they
// borrow a copy through WithSecret, and that copy is zeroed when fn returns
// on every path, including a panic.
type Secret struct {
	mu  sync.Mutex
	buf []byte
}

// NewSecret takes ownership of b. The caller must not keep or reuse b.
func NewSecret(b []byte) *Secret {
	return &Secret{buf: b}
}

// WithSecret lends fn a copy of the secret. The copy is invalid after fn
// returns and must not be retained.
func (s *Secret) WithSecret(fn func(secret []byte) error) error {
	s.mu.Lock()
	if s.buf == nil {
		s.mu.Unlock()
		return apperrors.New(apperrors.ReasonSecretUnavailable, "secret is no longer available")
	}
	borrowed := make([]byte, len(s.buf))
	copy(borrowed, s.buf)
	s.mu.Unlock()

	defer Zero(borrowed)
	return fn(borrowed)
}

// Destroy zeroes the owned buffer. Later WithSecret calls fail.
func (s *Secret) Destroy() {
	s.mu.Lock()
	defer s.mu.Unlock()
	Zero(s.buf)
	s.buf = nil
}

// Alive reports whether the secret has not been destroyed.
func (s *Secret) Alive() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.buf != nil
}
