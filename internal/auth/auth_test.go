package auth

import (
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func signed(t *testing.T, claims jwt.RegisteredClaims) string {
	t.Helper()
	s, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte("test-secret"))
	require.NoError(t, err)
	return s
}

func TestResolveToken_Precedence(t *testing.T) {
	tests := []struct {
		name   string
		header map[string]string
		body   string
		query  string
		want   string
	}{
		{
			name:   "bearer wins",
			header: map[string]string{"Authorization": "Bearer a", TokenHeader: "b"},
			body:   `{"token":"c"}`,
			query:  "d",
			want:   "a",
		},
		{
			name:   "custom header before body",
			header: map[string]string{TokenHeader: "b"},
			body:   `{"token":"c"}`,
			query:  "d",
			want:   "b",
		},
		{
			name:  "body before query",
			body:  `{"token":"c"}`,
			query: "d",
			want:  "c",
		},
		{
			name:  "query last",
			query: "d",
			want:  "d",
		},
		{
			name:   "non bearer authorization ignored",
			header: map[string]string{"Authorization": "Basic abc"},
			query:  "d",
			want:   "d",
		},
		{
			name: "nothing",
			body: `not json`,
			want: "",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var body io.Reader
			if tt.body != "" {
				body = strings.NewReader(tt.body)
			}
			target := "/api/projects"
			if tt.query != "" {
				target += "?token=" + tt.query
			}
			r := httptest.NewRequest(http.MethodPost, target, body)
			for k, v := range tt.header {
				r.Header.Set(k, v)
			}

			assert.Equal(t, tt.want, ResolveToken(r))
		})
	}
}

func TestResolveToken_BodyRemainsReadable(t *testing.T) {
	r := httptest.NewRequest(http.MethodPost, "/api/compliance/fix/ref", strings.NewReader(`{"token":"t","fixRls":false}`))

	require.Equal(t, "t", ResolveToken(r))

	var body map[string]any
	require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
	assert.Equal(t, false, body["fixRls"])
}

func TestResolveToken_LargeBodyIsNotTruncated(t *testing.T) {
	payload := `{"fixRls":true,"note":"` + strings.Repeat("x", maxBodyPeek+512) + `"}`
	r := httptest.NewRequest(http.MethodPost, "/api/compliance/fix/ref", strings.NewReader(payload))

	ResolveToken(r)

	data, err := io.ReadAll(r.Body)
	require.NoError(t, err)
	assert.Equal(t, payload, string(data))
	require.NoError(t, r.Body.Close())
}

func TestInspect(t *testing.T) {
	now := time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC)

	t.Run("personal access token", func(t *testing.T) {
		cred, err := Inspect("sbp_0123456789abcdef", now)
		require.NoError(t, err)
		assert.Equal(t, KindPersonalAccessToken, cred.Kind)
		assert.Len(t, cred.Fingerprint, 16)
		assert.NotContains(t, cred.Fingerprint, "sbp_")
	})

	t.Run("valid jwt", func(t *testing.T) {
		token := signed(t, jwt.RegisteredClaims{
			Subject:   "user-1",
			ExpiresAt: jwt.NewNumericDate(now.Add(time.Hour)),
		})
		cred, err := Inspect(token, now)
		require.NoError(t, err)
		assert.Equal(t, KindOAuthJWT, cred.Kind)
		assert.Equal(t, "user-1", cred.Subject)
		require.NotNil(t, cred.ExpiresAt)
	})

	t.Run("expired jwt", func(t *testing.T) {
		token := signed(t, jwt.RegisteredClaims{ExpiresAt: jwt.NewNumericDate(now.Add(-time.Minute))})
		_, err := Inspect(token, now)
		assert.ErrorIs(t, err, ErrTokenExpired)
	})

	t.Run("garbage with dots", func(t *testing.T) {
		_, err := Inspect("not.a.jwt", now)
		assert.ErrorIs(t, err, ErrInvalidToken)
	})

	t.Run("opaque", func(t *testing.T) {
		cred, err := Inspect("some-opaque-token", now)
		require.NoError(t, err)
		assert.Equal(t, KindOpaque, cred.Kind)
	})

	t.Run("empty", func(t *testing.T) {
		_, err := Inspect("  ", now)
		assert.ErrorIs(t, err, ErrMissingToken)
	})
}

func TestFingerprint_Stable(t *testing.T) {
	assert.Equal(t, Fingerprint("abc"), Fingerprint("abc"))
	assert.NotEqual(t, Fingerprint("abc"), Fingerprint("abd"))
}

func TestMiddleware(t *testing.T) {
	var got Credential
	h := Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got, _ = FromContext(r.Context())
		w.WriteHeader(http.StatusNoContent)
	}))

	t.Run("missing token", func(t *testing.T) {
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/projects", nil))

		assert.Equal(t, http.StatusUnauthorized, rec.Code)
		var body map[string]any
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
		assert.Equal(t, "Supabase token is required", body["error"])
		assert.NotEmpty(t, body["timestamp"])
	})

	t.Run("token from query", func(t *testing.T) {
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/projects?token=sbp_abc", nil))

		assert.Equal(t, http.StatusNoContent, rec.Code)
		assert.Equal(t, "sbp_abc", got.Token)
	})
}
