// Package token implements the authority's single-use upload-token vault.
package token

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/dgnsrekt/screencapture/internal/capture"
)

// Meta is the request context a token was minted for. It is returned to the
// consumer so the upload can be associated with its originating request.
type Meta struct {
	CorrelationID string
	URL           string
	FormField     string
	Encoding      capture.Encoding
	DataType      capture.DataType
	IssuedAt      time.Time
}

type record struct {
	meta     Meta
	consumed bool
}

// Vault mints opaque single-use tokens bound to one correlation each.
// Invariants: at most one active (unconsumed) token per correlation; a
// consumed token is rejected on every later presentation.
type Vault struct {
	ttl time.Duration

	mu     sync.Mutex
	tokens map[string]*record // token → record
	active map[string]string  // correlationID → active token

	done      chan struct{}
	closeOnce sync.Once
}

// NewVault creates a vault. A non-zero ttl sweeps tokens that were never
// presented; consumed tokens are retained until swept so replays keep
// failing with TOKEN_CONSUMED rather than TOKEN_UNKNOWN.
func NewVault(ttl time.Duration) *Vault {
	v := &Vault{
		ttl:    ttl,
		tokens: make(map[string]*record),
		active: make(map[string]string),
		done:   make(chan struct{}),
	}
	if ttl > 0 {
		go v.sweepLoop()
	}
	return v
}

// Issue mints a token bound to meta.CorrelationID. Issuing while the
// correlation already has an unconsumed token fails.
func (v *Vault) Issue(meta Meta) (string, error) {
	if meta.CorrelationID == "" {
		return "", &capture.CodedError{Code: capture.CodeValidation, Message: "correlation id is required"}
	}

	buf := make([]byte, 24)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("token: mint: %w", err)
	}
	tok := hex.EncodeToString(buf)

	v.mu.Lock()
	defer v.mu.Unlock()
	if prev, ok := v.active[meta.CorrelationID]; ok {
		if rec, ok := v.tokens[prev]; ok && !rec.consumed {
			return "", &capture.CodedError{
				Code:    capture.CodeTokenActive,
				Message: fmt.Sprintf("correlation %s already has an active token", meta.CorrelationID),
			}
		}
	}
	meta.IssuedAt = time.Now()
	v.tokens[tok] = &record{meta: meta}
	v.active[meta.CorrelationID] = tok

	slog.Debug("token issued", "correlation_id", meta.CorrelationID)
	return tok, nil
}

// Consume validates a presented token and marks it consumed. Unknown and
// already-consumed tokens are hard rejections.
func (v *Vault) Consume(tok string) (Meta, error) {
	v.mu.Lock()
	defer v.mu.Unlock()

	rec, ok := v.tokens[tok]
	if !ok {
		return Meta{}, &capture.CodedError{Code: capture.CodeTokenUnknown, Message: "unknown upload token"}
	}
	if rec.consumed {
		return Meta{}, &capture.CodedError{Code: capture.CodeTokenConsumed, Message: "upload token already consumed"}
	}
	rec.consumed = true
	delete(v.active, rec.meta.CorrelationID)

	slog.Debug("token consumed", "correlation_id", rec.meta.CorrelationID)
	return rec.meta, nil
}

// ActiveCount reports unconsumed tokens, for diagnostics.
func (v *Vault) ActiveCount() int {
	v.mu.Lock()
	defer v.mu.Unlock()
	return len(v.active)
}

// Close stops the sweep loop and drops all state.
func (v *Vault) Close() {
	v.closeOnce.Do(func() {
		close(v.done)
		v.mu.Lock()
		v.tokens = make(map[string]*record)
		v.active = make(map[string]string)
		v.mu.Unlock()
	})
}

func (v *Vault) sweepLoop() {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			v.sweep()
		case <-v.done:
			return
		}
	}
}

func (v *Vault) sweep() {
	threshold := time.Now().Add(-v.ttl)

	v.mu.Lock()
	defer v.mu.Unlock()
	for tok, rec := range v.tokens {
		if rec.meta.IssuedAt.Before(threshold) {
			delete(v.tokens, tok)
			if !rec.consumed {
				delete(v.active, rec.meta.CorrelationID)
				slog.Debug("token expired unpresented", "correlation_id", rec.meta.CorrelationID)
			}
		}
	}
}
