package gateway

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"fmt"
	"net/http"
	"strings"
	"time"
)

// SecretHeader carries the shared secret on HTTP API requests. The secret
// may also be sent as an Authorization bearer token.
const SecretHeader = "X-Toolhub-Secret"

const (
	maxAuthAttempts = 3
	challengeTTL    = 30 * time.Second
)

// AuthHandler authenticates HTTP callers by shared secret and websocket
// clients by HMAC-SHA256 challenge-response. An empty secret disables both.
type AuthHandler struct {
	secret []byte
	now    func() time.Time
}

func NewAuthHandler(sharedSecret string) *AuthHandler {
	return &AuthHandler{secret: []byte(sharedSecret), now: time.Now}
}

// Enabled reports whether a shared secret is configured.
func (a *AuthHandler) Enabled() bool {
	return len(a.secret) > 0
}

// GenerateChallenge returns 32 random bytes, hex encoded.
func (a *AuthHandler) GenerateChallenge() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("failed to generate challenge: %w", err)
	}
	return hex.EncodeToString(buf), nil
}

// IssueChallenge stores a fresh challenge on client and returns it. The
// caller must hold the registry lock.
func (a *AuthHandler) IssueChallenge(client *Client) (string, error) {
	challenge, err := a.GenerateChallenge()
	if err != nil {
		return "", err
	}
	client.Challenge = challenge
	client.ChallengeExpires = a.now().Add(challengeTTL)
	client.State = StateAuthenticating
	return challenge, nil
}

// Sign returns the hex HMAC-SHA256 of challenge under the shared secret.
func (a *AuthHandler) Sign(challenge string) string {
	mac := hmac.New(sha256.New, a.secret)
	mac.Write([]byte(challenge))
	return hex.EncodeToString(mac.Sum(nil))
}

func (a *AuthHandler) VerifySignature(challenge, signature string) bool {
	return subtle.ConstantTimeCompare([]byte(a.Sign(challenge)), []byte(signature)) == 1
}

// CheckRequest reports whether r carries the shared secret, either in
// SecretHeader or as a bearer token.
func (a *AuthHandler) CheckRequest(r *http.Request) bool {
	if !a.Enabled() {
		return true
	}
	provided := r.Header.Get(SecretHeader)
	if provided == "" {
		if scheme, token, ok := strings.Cut(r.Header.Get("Authorization"), " "); ok && strings.EqualFold(scheme, "bearer") {
			provided = strings.TrimSpace(token)
		}
	}
	return provided != "" && subtle.ConstantTimeCompare([]byte(provided), a.secret) == 1
}

// Middleware rejects HTTP requests without a valid secret.
func (a *AuthHandler) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !a.CheckRequest(r) {
			w.Header().Set("WWW-Authenticate", `Bearer realm="toolhub"`)
			writeError(w, http.StatusUnauthorized, "unauthorized")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func authFailure(msg string) AuthResult {
	return AuthResult{Event: "auth.failure", Message: msg}
}

// HandleAuthResponse checks a client's signature over its pending
// challenge. Each challenge answers at most one success; an expired one
// must be replaced by reconnecting. The caller must hold the registry lock.
func (a *AuthHandler) HandleAuthResponse(client *Client, signature string) AuthResult {
	if client.Challenge == "" {
		return authFailure("No challenge found")
	}
	if !client.ChallengeExpires.IsZero() && a.now().After(client.ChallengeExpires) {
		client.AuthAttempts = maxAuthAttempts
		return authFailure("Challenge expired")
	}

	if !a.VerifySignature(client.Challenge, signature) {
		client.AuthAttempts++
		if client.AuthAttempts >= maxAuthAttempts {
			return authFailure("Too many failed attempts")
		}
		return authFailure("Invalid signature")
	}

	client.Authenticated = true
	client.State = StateAuthenticated
	client.AuthAttempts = 0
	client.Challenge = ""
	client.ChallengeExpires = time.Time{}
	return AuthResult{Event: "auth.success", Success: true}
}
