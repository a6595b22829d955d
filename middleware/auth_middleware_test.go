package middleware

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// MockTokenValidator is a mock implementation of TokenValidator
type MockTokenValidator struct {
	mock.Mock
}

func (m *MockTokenValidator) ValidateToken(ctx context.Context, token string) (*Claims, error) {
	args := m.Called(ctx, token)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*Claims), args.Error(1)
}

func TestRequireAuth(t *testing.T) {
	logger := zap.NewNop()

	t.Run("valid token in Authorization header allows request", func(t *testing.T) {
		mockValidator := new(MockTokenValidator)
		middleware := NewAuthMiddleware(mockValidator, logger)

		claims := &Claims{Subject: "ops-1", Role: RoleOperator}
		mockValidator.On("ValidateToken", mock.Anything, "valid-token").Return(claims, nil)

		handler := middleware.RequireAuth(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			extracted := GetClaimsFromContext(r.Context())
			require.NotNil(t, extracted)
			assert.Equal(t, "ops-1", extracted.Subject)
			assert.Equal(t, RoleOperator, extracted.Role)
			w.WriteHeader(http.StatusOK)
		}))

		req := httptest.NewRequest(http.MethodGet, "/v1/config", nil)
		req.Header.Set("Authorization", "Bearer valid-token")
		w := httptest.NewRecorder()

		handler.ServeHTTP(w, req)

		assert.Equal(t, http.StatusOK, w.Code)
		mockValidator.AssertExpectations(t)
	})

	rejected := []struct {
		name   string
		header string
	}{
		{"missing token returns 401", ""},
		{"invalid authorization header format returns 401", "InvalidFormat"},
		{"non-bearer scheme returns 401", "Basic dXNlcjpwYXNz"},
	}
	for _, tt := range rejected {
		t.Run(tt.name, func(t *testing.T) {
			mockValidator := new(MockTokenValidator)
			middleware := NewAuthMiddleware(mockValidator, logger)

			handler := middleware.RequireAuth(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				t.Fatal("handler should not be called")
			}))

			req := httptest.NewRequest(http.MethodGet, "/v1/config", nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			w := httptest.NewRecorder()

			handler.ServeHTTP(w, req)

			assert.Equal(t, http.StatusUnauthorized, w.Code)
			mockValidator.AssertNotCalled(t, "ValidateToken")
		})
	}

	t.Run("invalid token returns 401", func(t *testing.T) {
		mockValidator := new(MockTokenValidator)
		middleware := NewAuthMiddleware(mockValidator, logger)

		mockValidator.On("ValidateToken", mock.Anything, "invalid-token").
			Return(nil, errors.New("token validation failed"))

		handler := middleware.RequireAuth(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			t.Fatal("handler should not be called")
		}))

		req := httptest.NewRequest(http.MethodGet, "/v1/config", nil)
		req.Header.Set("Authorization", "Bearer invalid-token")
		w := httptest.NewRecorder()

		handler.ServeHTTP(w, req)

		assert.Equal(t, http.StatusUnauthorized, w.Code)
		assert.Contains(t, w.Body.String(), "Invalid or expired token")
		mockValidator.AssertExpectations(t)
	})
}

func TestRequireRole(t *testing.T) {
	logger := zap.NewNop()
	middleware := NewAuthMiddleware(new(MockTokenValidator), logger)

	ok := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	tests := []struct {
		name   string
		claims *Claims
		roles  []string
		want   int
	}{
		{"matching role", &Claims{Subject: "a", Role: RoleOperator}, []string{RoleOperator}, http.StatusOK},
		{"any of several roles", &Claims{Subject: "a", Role: RoleViewer}, []string{RoleOperator, RoleViewer}, http.StatusOK},
		{"wrong role", &Claims{Subject: "a", Role: RoleViewer}, []string{RoleOperator}, http.StatusForbidden},
		{"no claims", nil, []string{RoleOperator}, http.StatusUnauthorized},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodPost, "/v1/config/reload", nil)
			if tt.claims != nil {
				req = req.WithContext(WithClaims(req.Context(), tt.claims))
			}
			w := httptest.NewRecorder()

			middleware.RequireRole(tt.roles...)(ok).ServeHTTP(w, req)

			assert.Equal(t, tt.want, w.Code)
		})
	}
}

func TestHMACValidator(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	v := NewHMACValidator("s3cret", "router-ops")
	v.now = func() time.Time { return now }

	t.Run("issued token round trips", func(t *testing.T) {
		token, err := v.Issue("alice", RoleOperator, time.Hour)
		require.NoError(t, err)

		claims, err := v.ValidateToken(context.Background(), token)
		require.NoError(t, err)
		assert.Equal(t, "alice", claims.Subject)
		assert.Equal(t, RoleOperator, claims.Role)
		assert.Equal(t, "router-ops", claims.Issuer)
		assert.Equal(t, now.Add(time.Hour).Unix(), claims.ExpiresAt)
	})

	t.Run("expired token", func(t *testing.T) {
		token, err := v.Issue("alice", RoleOperator, -time.Minute)
		require.NoError(t, err)

		_, err = v.ValidateToken(context.Background(), token)
		assert.ErrorIs(t, err, ErrInvalidToken)
		assert.ErrorIs(t, err, jwt.ErrTokenExpired)
	})

	t.Run("wrong secret", func(t *testing.T) {
		other := NewHMACValidator("other", "router-ops")
		other.now = v.now
		token, err := other.Issue("mallory", RoleOperator, time.Hour)
		require.NoError(t, err)

		_, err = v.ValidateToken(context.Background(), token)
		assert.ErrorIs(t, err, ErrInvalidToken)
	})

	t.Run("wrong issuer", func(t *testing.T) {
		other := NewHMACValidator("s3cret", "someone-else")
		other.now = v.now
		token, err := other.Issue("bob", RoleOperator, time.Hour)
		require.NoError(t, err)

		_, err = v.ValidateToken(context.Background(), token)
		assert.ErrorIs(t, err, jwt.ErrTokenInvalidIssuer)
	})

	t.Run("missing expiry", func(t *testing.T) {
		token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, operatorClaims{
			RegisteredClaims: jwt.RegisteredClaims{Subject: "carol", Issuer: "router-ops"},
			Role:             RoleOperator,
		}).SignedString([]byte("s3cret"))
		require.NoError(t, err)

		_, err = v.ValidateToken(context.Background(), token)
		assert.ErrorIs(t, err, ErrInvalidToken)
	})

	t.Run("other signing method", func(t *testing.T) {
		token, err := jwt.NewWithClaims(jwt.SigningMethodHS512, operatorClaims{
			RegisteredClaims: jwt.RegisteredClaims{
				Issuer:    "router-ops",
				ExpiresAt: jwt.NewNumericDate(now.Add(time.Hour)),
			},
			Role: RoleOperator,
		}).SignedString([]byte("s3cret"))
		require.NoError(t, err)

		_, err = v.ValidateToken(context.Background(), token)
		assert.ErrorIs(t, err, ErrInvalidToken)
	})

	t.Run("token without role", func(t *testing.T) {
		token, err := v.Issue("dave", "", time.Hour)
		require.NoError(t, err)

		_, err = v.ValidateToken(context.Background(), token)
		assert.ErrorIs(t, err, ErrMissingRole)
	})
}

func TestGetRequestIDFromContext(t *testing.T) {
	assert.Empty(t, GetRequestIDFromContext(context.Background()))

	ctx := WithRequestID(context.Background(), "req-1")
	assert.Equal(t, "req-1", GetRequestIDFromContext(ctx))

	r := chi.NewRouter()
	r.Use(chimw.RequestID)
	var seen string
	r.Get("/", func(w http.ResponseWriter, r *http.Request) {
		seen = GetRequestIDFromContext(r.Context())
	})
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set(chimw.RequestIDHeader, "from-header")
	r.ServeHTTP(httptest.NewRecorder(), req)
	assert.Equal(t, "from-header", seen)
}
