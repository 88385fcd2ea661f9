package api

import (
	"bytes"
	"errors"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"

	"github.com/npezzotti/go-chatrooms/internal/auth"
	"github.com/npezzotti/go-chatrooms/internal/config"
	"github.com/npezzotti/go-chatrooms/internal/database"
	"github.com/npezzotti/go-chatrooms/internal/ratelimit"
	"github.com/npezzotti/go-chatrooms/internal/testutil"
	"github.com/npezzotti/go-chatrooms/internal/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestErrorHandler_PanicRecovery(t *testing.T) {
	buf := &bytes.Buffer{}
	app := &GoChatApp{
		log: testutil.TestLogger(t),
	}

	app.log.SetOutput(buf)

	// handler that panics
	panicHandler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		panic(errors.New("test panic"))
	})

	rr := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/", nil)

	handler := app.errorHandler(panicHandler)
	handler.ServeHTTP(rr, req)

	assert.Equal(t, http.StatusInternalServerError, rr.Code)
	assert.Equal(t, "close", rr.Header().Get("Connection"))
	assert.Contains(t, buf.String(), "panic: test panic")
}

func Test_errorHandler_NoPanic(t *testing.T) {
	app := &GoChatApp{}

	// simple handler that does not panic
	called := false
	okHandler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		called = true
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})

	rr := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/", nil)

	handler := app.errorHandler(okHandler)
	handler.ServeHTTP(rr, req)

	assert.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, "ok", rr.Body.String())
	assert.True(t, called, "expected handler to be called")
}

func Test_authMiddleware(t *testing.T) {
	suspended := database.User{Id: 3, Username: "mallory", State: types.StateSuspended}

	app := newTestApp(t)
	app.repo.On("GetAccountById", suspended.Id).Return(suspended, nil).Maybe()
	app.repo.On("GetAccountById", 4).Return(database.User{}, errors.New("connection refused")).Maybe()

	next := func(w http.ResponseWriter, r *http.Request) {
		user, ok := User(r.Context())
		if !ok {
			w.WriteHeader(http.StatusTeapot)
			return
		}
		w.Write([]byte(user.Username))
	}
	handler := app.authMiddleware(next)

	tcases := []struct {
		name     string
		setup    func(r *http.Request)
		code     int
		username string
	}{
		{
			name: "bearer token",
			setup: func(r *http.Request) {
				r.Header.Set("Authorization", "Bearer "+app.token(t, dbAlice.Id))
			},
			code:     http.StatusOK,
			username: "alice",
		},
		{
			name: "cookie",
			setup: func(r *http.Request) {
				r.AddCookie(auth.TokenCookie(app.token(t, dbBob.Id), auth.DefaultExp))
			},
			code:     http.StatusOK,
			username: "bob",
		},
		{
			name: "query parameter",
			setup: func(r *http.Request) {
				r.URL.RawQuery = "token=" + app.token(t, dbAlice.Id)
			},
			code:     http.StatusOK,
			username: "alice",
		},
		{
			name:  "missing token",
			setup: func(r *http.Request) {},
			code:  http.StatusUnauthorized,
		},
		{
			name: "invalid token",
			setup: func(r *http.Request) {
				r.Header.Set("Authorization", "Bearer not-a-token")
			},
			code: http.StatusUnauthorized,
		},
		{
			name: "suspended account",
			setup: func(r *http.Request) {
				r.Header.Set("Authorization", "Bearer "+app.token(t, suspended.Id))
			},
			code: http.StatusUnauthorized,
		},
		{
			name: "store outage",
			setup: func(r *http.Request) {
				r.Header.Set("Authorization", "Bearer "+app.token(t, 4))
			},
			code: http.StatusServiceUnavailable,
		},
	}

	for _, tc := range tcases {
		t.Run(tc.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/api/auth/session", nil)
			tc.setup(req)
			rr := httptest.NewRecorder()

			handler(rr, req)

			assert.Equal(t, tc.code, rr.Code)
			if tc.code == http.StatusOK {
				assert.Equal(t, tc.username, rr.Body.String())
				assert.Contains(t, rr.Header().Get("Cache-Control"), "no-store")
			}
		})
	}
}

func Test_rateLimitMiddleware(t *testing.T) {
	withMax := func(n int) appOption {
		return func(cfg *config.Config, _ *Services) {
			cfg.RateLimitMax = n
		}
	}

	t.Run("rejects past the window with headers", func(t *testing.T) {
		app := newTestApp(t, withMax(2))

		for i := 0; i < 2; i++ {
			rr := app.do(t, http.MethodGet, "/api/auth/session", dbAlice.Id, nil)
			require.Equal(t, http.StatusOK, rr.Code)
			assert.Equal(t, "2", rr.Header().Get(headerLimit))
			assert.Equal(t, strconv.Itoa(1-i), rr.Header().Get(headerRemaining))
			assert.NotEmpty(t, rr.Header().Get(headerReset))
		}

		rr := app.do(t, http.MethodGet, "/api/auth/session", dbAlice.Id, nil)
		assert.Equal(t, http.StatusTooManyRequests, rr.Code)
		assert.Equal(t, "0", rr.Header().Get(headerRemaining))
		retry, err := strconv.Atoi(rr.Header().Get(headerRetryAfter))
		require.NoError(t, err)
		assert.GreaterOrEqual(t, retry, 1)

		apiErr := decodeBody[ApiError](t, rr)
		assert.Equal(t, "rate limited", apiErr.Message)
	})

	t.Run("identities have separate windows", func(t *testing.T) {
		app := newTestApp(t, withMax(1))

		assert.Equal(t, http.StatusOK, app.do(t, http.MethodGet, "/api/auth/session", dbAlice.Id, nil).Code)
		assert.Equal(t, http.StatusOK, app.do(t, http.MethodGet, "/api/auth/session", dbBob.Id, nil).Code)
		assert.Equal(t, http.StatusTooManyRequests, app.do(t, http.MethodGet, "/api/auth/session", dbAlice.Id, nil).Code)
	})

	t.Run("anonymous callers are keyed by address", func(t *testing.T) {
		app := newTestApp(t, withMax(1))

		send := func(addr string) int {
			req := httptest.NewRequest(http.MethodPost, "/api/auth/login", bytes.NewBufferString("{}"))
			req.RemoteAddr = addr
			rr := httptest.NewRecorder()
			app.handler.ServeHTTP(rr, req)
			return rr.Code
		}

		assert.Equal(t, http.StatusBadRequest, send("10.0.0.1:5000"))
		assert.Equal(t, http.StatusTooManyRequests, send("10.0.0.1:5001"), "source port is ignored")
		assert.Equal(t, http.StatusBadRequest, send("10.0.0.2:5000"))
	})

	t.Run("health checks are not limited", func(t *testing.T) {
		app := newTestApp(t, withMax(1))
		app.repo.On("Ping").Return(nil)

		for i := 0; i < 3; i++ {
			assert.Equal(t, http.StatusOK, app.do(t, http.MethodGet, "/healthz", 0, nil).Code)
		}
	})

	t.Run("store outage fails closed when configured", func(t *testing.T) {
		app := newTestApp(t, func(cfg *config.Config, svc *Services) {
			cfg.RateLimitFailOpen = false
			svc.Limiter = ratelimit.NewLimiter(failingStore{}, "test:", testutil.TestLogger(t))
		})

		rr := app.do(t, http.MethodGet, "/api/auth/session", dbAlice.Id, nil)
		assert.Equal(t, http.StatusServiceUnavailable, rr.Code)
	})

	t.Run("store outage fails open when configured", func(t *testing.T) {
		app := newTestApp(t, func(cfg *config.Config, svc *Services) {
			svc.Limiter = ratelimit.NewLimiter(failingStore{}, "test:", testutil.TestLogger(t))
		})

		rr := app.do(t, http.MethodGet, "/api/auth/session", dbAlice.Id, nil)
		assert.Equal(t, http.StatusOK, rr.Code)
	})
}
