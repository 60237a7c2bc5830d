// Package auth resolves the caller's Supabase credential from a request and
// inspects it before it is forwarded to the Management API.
package auth

import (
	"bytes"
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/crypto/blake2b"
)

var (
	ErrMissingToken = errors.New("Supabase token is required")
	ErrInvalidToken = errors.New("Supabase token is malformed")
	ErrTokenExpired = errors.New("Supabase token has expired")
)

const (
	TokenHeader = "supabase-token"
	maxBodyPeek = 1 << 20
)

type Kind string

const (
	KindPersonalAccessToken Kind = "personal_access_token"
	KindOAuthJWT            Kind = "oauth_jwt"
	KindOpaque              Kind = "opaque"
)

// Credential is a caller's token plus what could be learned from it without
// contacting Supabase. Token is never serialized.
type Credential struct {
	Token       string     `json:"-"`
	Kind        Kind       `json:"kind"`
	Subject     string     `json:"subject,omitempty"`
	ExpiresAt   *time.Time `json:"expiresAt,omitempty"`
	Fingerprint string     `json:"fingerprint"`
}

// EvidenceFields identifies the credential in evidence without exposing it.
func (c Credential) EvidenceFields() map[string]any {
	fields := map[string]any{
		"credentialKind":        string(c.Kind),
		"credentialFingerprint": c.Fingerprint,
	}
	if c.Subject != "" {
		fields["credentialSubject"] = c.Subject
	}
	return fields
}

// Fingerprint is a short stable digest of token.
func Fingerprint(token string) string {
	sum := blake2b.Sum256([]byte(token))
	return hex.EncodeToString(sum[:8])
}

// Inspect classifies token. Personal access tokens (sbp_...) and other opaque
// tokens pass through; JWTs are decoded without verification, which is left
// to Supabase, so that expired tokens are refused early.
func Inspect(token string, now time.Time) (Credential, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return Credential{}, ErrMissingToken
	}

	cred := Credential{Token: token, Kind: KindOpaque, Fingerprint: Fingerprint(token)}
	switch {
	case strings.HasPrefix(token, "sbp_"):
		cred.Kind = KindPersonalAccessToken
		return cred, nil
	case strings.Count(token, ".") != 2:
		return cred, nil
	}

	var claims jwt.RegisteredClaims
	if _, _, err := jwt.NewParser().ParseUnverified(token, &claims); err != nil {
		return Credential{}, ErrInvalidToken
	}
	cred.Kind = KindOAuthJWT
	cred.Subject = claims.Subject
	if claims.ExpiresAt != nil {
		exp := claims.ExpiresAt.Time.UTC()
		cred.ExpiresAt = &exp
		if !now.Before(exp) {
			return Credential{}, ErrTokenExpired
		}
	}
	return cred, nil
}

// ResolveToken finds the caller's token: Authorization bearer header, then
// the supabase-token header, then a JSON body "token" field, then the
// "token" query parameter. The request body stays readable.
func ResolveToken(r *http.Request) string {
	if h := r.Header.Get("Authorization"); h != "" {
		parts := strings.SplitN(h, " ", 2)
		if len(parts) == 2 && strings.EqualFold(parts[0], "bearer") && strings.TrimSpace(parts[1]) != "" {
			return strings.TrimSpace(parts[1])
		}
	}

	if t := strings.TrimSpace(r.Header.Get(TokenHeader)); t != "" {
		return t
	}

	if t := bodyToken(r); t != "" {
		return t
	}

	return strings.TrimSpace(r.URL.Query().Get("token"))
}

func bodyToken(r *http.Request) string {
	if r.Body == nil || r.Body == http.NoBody {
		return ""
	}
	orig := r.Body
	data, err := io.ReadAll(io.LimitReader(orig, maxBodyPeek))
	// Put the peeked bytes back in front of whatever was not read.
	r.Body = struct {
		io.Reader
		io.Closer
	}{io.MultiReader(bytes.NewReader(data), orig), orig}
	if err != nil || len(data) == 0 {
		return ""
	}

	var body struct {
		Token string `json:"token"`
	}
	if err := json.Unmarshal(data, &body); err != nil {
		return ""
	}
	return strings.TrimSpace(body.Token)
}

type contextKey string

const credentialContextKey contextKey = "supabase_credential"

func WithCredential(ctx context.Context, cred Credential) context.Context {
	return context.WithValue(ctx, credentialContextKey, cred)
}

func FromContext(ctx context.Context) (Credential, bool) {
	cred, ok := ctx.Value(credentialContextKey).(Credential)
	return cred, ok
}

// Middleware rejects requests without a usable Supabase token and stores the
// inspected credential in the request context.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		cred, err := Inspect(ResolveToken(r), time.Now())
		if err != nil {
			unauthorized(w, err)
			return
		}
		next.ServeHTTP(w, r.WithContext(WithCredential(r.Context(), cred)))
	})
}

func unauthorized(w http.ResponseWriter, err error) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusUnauthorized)
	json.NewEncoder(w).Encode(map[string]any{
		"error":     err.Error(),
		"timestamp": time.Now().UTC(),
	})
}
