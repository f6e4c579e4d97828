// graphtest/tokens.go
package graphtest

import (
	"context"
	"sync"
)

// Tokens is a TokenSource that always hands out the same bearer token.
type Tokens struct {
	mu          sync.Mutex
	Token       string
	Err         error
	invalidated int
}

func (t *Tokens) EnsureValidToken(context.Context) (string, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.Err != nil {
		return "", t.Err
	}
	if t.Token == "" {
		return "test-token", nil
	}
	return t.Token, nil
}

func (t *Tokens) Invalidate(context.Context) error {
	t.mu.Lock()
	t.invalidated++
	t.mu.Unlock()
	return nil
}

// Invalidated counts Invalidate calls.
func (t *Tokens) Invalidated() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.invalidated
}
