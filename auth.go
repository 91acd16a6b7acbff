package main

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sync"

	"golang.org/x/crypto/bcrypt"
)

// PinnedSecret holds the gateway's client key. The first key presented after
// startup becomes canonical for the life of the process (trust on first use);
// there is no rotation. Only a bcrypt hash of the key's SHA-256 digest is
// kept, so keys of any length compare in full.
type PinnedSecret struct {
	mu   sync.RWMutex
	hash []byte
	cost int
}

func NewPinnedSecret(cost int) *PinnedSecret {
	return &PinnedSecret{cost: cost}
}

// digest pre-hashes key to 64 hex bytes, under bcrypt's 72 byte input limit.
func digest(key string) []byte {
	sum := sha256.Sum256([]byte(key))
	out := make([]byte, hex.EncodedLen(len(sum)))
	hex.Encode(out, sum[:])
	return out
}

// Verify pins key if nothing is pinned yet, otherwise compares against the
// pinned key. pinned reports whether this call did the pinning.
func (p *PinnedSecret) Verify(key string) (pinned bool, err error) {
	if key == "" {
		return false, fmt.Errorf("%w: empty key", ErrClientKeyMismatch)
	}
	d := digest(key)

	p.mu.RLock()
	h := p.hash
	p.mu.RUnlock()

	if h == nil {
		p.mu.Lock()
		if p.hash == nil {
			hashed, err := bcrypt.GenerateFromPassword(d, p.cost)
			if err != nil {
				p.mu.Unlock()
				return false, fmt.Errorf("%w: %v", ErrClientKeyMismatch, err)
			}
			p.hash = hashed
			p.mu.Unlock()
			return true, nil
		}
		h = p.hash
		p.mu.Unlock()
	}

	if bcrypt.CompareHashAndPassword(h, d) != nil {
		return false, ErrClientKeyMismatch
	}
	return false, nil
}

// Pinned reports whether a key has been pinned.
func (p *PinnedSecret) Pinned() bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.hash != nil
}
