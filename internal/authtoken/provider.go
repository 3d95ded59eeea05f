// Package authtoken derives the short-lived request-authorization token every
// mutating call carries. The token is an HMAC of the current time window
// keyed by the user's rotating secret, so it self-expires without any server
// round trip and a token minted in the wrong window simply fails to verify.
package authtoken

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"strconv"
	"time"

	"github.com/vincentgggg12/docufen-admin-sub002/internal/secrets"
)

// Window is the token validity window. Both sides round the clock down to a
// window boundary before signing, so the literal value is part of the wire
// contract.
const Window = 180 * time.Second

// ErrNotReady means the rotating secret has not arrived yet. Callers must
// short-circuit instead of sending an unauthenticated request.
var ErrNotReady = errors.New("authorization secret not ready")

// Provider derives windowed tokens from the injected secret store.
type Provider struct {
	store *secrets.Store
	now   func() time.Time
}

func NewProvider(store *secrets.Store) *Provider {
	return &Provider{store: store, now: time.Now}
}

// GetAuthorization returns the bearer token for the current window, or
// ErrNotReady before the secret is known.
func (p *Provider) GetAuthorization(userID string) (string, error) {
	secret := p.store.Get(userID)
	if secret == "" {
		return "", ErrNotReady
	}
	return Derive(secret, p.now()), nil
}

// Derive computes the token for the window containing at.
func Derive(secret string, at time.Time) string {
	window := at.Unix() - at.Unix()%int64(Window/time.Second)
	mac := hmac.New(sha256.New, []byte(secret))
	_, _ = mac.Write([]byte(strconv.FormatInt(window, 10)))
	return base64.RawURLEncoding.EncodeToString(mac.Sum(nil))
}

// Verify checks a presented token against the secret. A token from the
// immediately preceding window reports stale=true so callers can distinguish
// a clock-skewed client from a forged header.
func Verify(secret, token string, at time.Time) (ok, stale bool) {
	if secret == "" || token == "" {
		return false, false
	}
	if hmac.Equal([]byte(token), []byte(Derive(secret, at))) {
		return true, false
	}
	if hmac.Equal([]byte(token), []byte(Derive(secret, at.Add(-Window)))) {
		return false, true
	}
	return false, false
}
