package api

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/npezzotti/go-chatrooms/internal/auth"
	"github.com/npezzotti/go-chatrooms/internal/database"
	"github.com/npezzotti/go-chatrooms/internal/errs"
	"github.com/npezzotti/go-chatrooms/internal/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

// findCookie is a helper function to find a cookie by name in the response recorder.
// It returns the cookie if found, or nil if not found.
func findCookie(rr *httptest.ResponseRecorder, name string) *http.Cookie {
	for _, cookie := range rr.Result().Cookies() {
		if cookie.Name == name {
			return cookie
		}
	}
	return nil
}

func TestUserId(t *testing.T) {
	tcases := []struct {
		name     string
		ctx      context.Context
		userId   int
		expected bool
	}{
		{
			name:     "no user ID",
			ctx:      context.Background(),
			expected: false,
		},
		{
			name:     "user ID set",
			ctx:      WithUser(context.Background(), types.User{Id: 42}),
			userId:   42,
			expected: true,
		},
	}

	for _, tc := range tcases {
		t.Run(tc.name, func(t *testing.T) {
			userId, ok := UserId(tc.ctx)
			assert.Equal(t, tc.expected, ok, "expected UserId to return %v", tc.expected)
			assert.Equal(t, tc.userId, userId, "expected UserId to return %d", tc.userId)
		})
	}
}

func TestCreateAccountHandler(t *testing.T) {
	newUser := database.User{
		Id:           3,
		Username:     "newuser",
		EmailAddress: "newuser@example.com",
		State:        types.StateActive,
		CreatedAt:    time.Now().UTC(),
		UpdatedAt:    time.Now().UTC(),
	}

	tcases := []struct {
		name     string
		body     any
		mockErr  error
		callsDb  bool
		code     int
		errorMsg string
	}{
		{
			name:    "successfully creates a new account",
			body:    RegisterRequest{Username: "newuser", Email: "newuser@example.com", Password: "password"},
			callsDb: true,
			code:    http.StatusCreated,
		},
		{
			name:     "invalid json body",
			body:     "invalid json",
			code:     http.StatusBadRequest,
			errorMsg: "invalid argument: malformed data",
		},
		{
			name:     "missing username",
			body:     RegisterRequest{Email: "newuser@example.com", Password: "password"},
			code:     http.StatusBadRequest,
			errorMsg: "invalid argument: username is required",
		},
		{
			name:     "short password",
			body:     RegisterRequest{Username: "newuser", Email: "newuser@example.com", Password: "pw"},
			code:     http.StatusBadRequest,
			errorMsg: "invalid argument: password must be at least 8",
		},
		{
			name:     "duplicate email",
			body:     RegisterRequest{Username: "newuser", Email: "newuser@example.com", Password: "password"},
			mockErr:  errs.InvalidArgument("email address already registered"),
			callsDb:  true,
			code:     http.StatusBadRequest,
			errorMsg: "invalid argument: email address already registered",
		},
	}

	for _, tc := range tcases {
		t.Run(tc.name, func(t *testing.T) {
			app := newTestApp(t)
			if tc.callsDb {
				app.repo.On("CreateAccount", mock.MatchedBy(func(p database.CreateAccountParams) bool {
					return p.Username == "newuser" &&
						p.EmailAddress == "newuser@example.com" &&
						auth.VerifyPassword(p.PasswordHash, "password")
				})).Return(newUser, tc.mockErr).Once()
			}

			rr := app.do(t, http.MethodPost, "/api/auth/register", 0, tc.body)

			assert.Equal(t, tc.code, rr.Code)
			if tc.errorMsg != "" {
				apiErr := decodeBody[ApiError](t, rr)
				assert.Equal(t, tc.errorMsg, apiErr.Message)
			} else {
				u := decodeBody[types.User](t, rr)
				assert.Equal(t, newUser.Id, u.Id)
				assert.Equal(t, newUser.EmailAddress, u.EmailAddress)
			}
			app.repo.AssertExpectations(t)
		})
	}
}

func Test_login(t *testing.T) {
	hash, err := auth.HashPassword("password")
	require.NoError(t, err)

	withHash := dbAlice
	withHash.PasswordHash = hash

	suspended := withHash
	suspended.Id = 9
	suspended.EmailAddress = "suspended@example.com"
	suspended.State = types.StateSuspended

	tcases := []struct {
		name     string
		email    string
		password string
		code     int
	}{
		{name: "valid credentials", email: dbAlice.EmailAddress, password: "password", code: http.StatusOK},
		{name: "wrong password", email: dbAlice.EmailAddress, password: "wrong-password", code: http.StatusUnauthorized},
		{name: "unknown email", email: "nobody@example.com", password: "password", code: http.StatusUnauthorized},
		{name: "suspended account", email: suspended.EmailAddress, password: "password", code: http.StatusForbidden},
		{name: "store error", email: "broken@example.com", password: "password", code: http.StatusInternalServerError},
	}

	for _, tc := range tcases {
		t.Run(tc.name, func(t *testing.T) {
			app := newTestApp(t)
			app.repo.On("GetAccountByEmail", dbAlice.EmailAddress).Return(withHash, nil).Maybe()
			app.repo.On("GetAccountByEmail", suspended.EmailAddress).Return(suspended, nil).Maybe()
			app.repo.On("GetAccountByEmail", "nobody@example.com").Return(database.User{}, errs.ErrNotFound).Maybe()
			app.repo.On("GetAccountByEmail", "broken@example.com").Return(database.User{}, errors.New("connection reset")).Maybe()

			rr := app.do(t, http.MethodPost, "/api/auth/login", 0, LoginRequest{Email: tc.email, Password: tc.password})
			assert.Equal(t, tc.code, rr.Code)

			cookie := findCookie(rr, auth.TokenCookieKey)
			if tc.code != http.StatusOK {
				assert.Nil(t, cookie, "expected no session cookie")
				return
			}

			require.NotNil(t, cookie, "expected session cookie")
			assert.True(t, cookie.HttpOnly)

			resp := decodeBody[LoginResponse](t, rr)
			assert.Equal(t, dbAlice.Id, resp.User.Id)
			assert.Equal(t, cookie.Value, resp.Token)

			userId, err := app.auth.VerifyToken(resp.Token)
			require.NoError(t, err)
			assert.Equal(t, dbAlice.Id, userId)
		})
	}
}

func Test_logout(t *testing.T) {
	app := newTestApp(t)

	rr := app.do(t, http.MethodGet, "/api/auth/logout", dbAlice.Id, nil)

	assert.Equal(t, http.StatusNoContent, rr.Code)
	cookie := findCookie(rr, auth.TokenCookieKey)
	require.NotNil(t, cookie)
	assert.Empty(t, cookie.Value)
	assert.True(t, cookie.Expires.Before(time.Now()), "expected cookie to be expired")
}

func Test_session(t *testing.T) {
	app := newTestApp(t)

	rr := app.do(t, http.MethodGet, "/api/auth/session", dbAlice.Id, nil)
	require.Equal(t, http.StatusOK, rr.Code)
	u := decodeBody[types.User](t, rr)
	assert.Equal(t, dbAlice.Id, u.Id)
	assert.Equal(t, dbAlice.Username, u.Username)

	rr = app.do(t, http.MethodGet, "/api/auth/session", 0, nil)
	assert.Equal(t, http.StatusUnauthorized, rr.Code)
	apiErr := decodeBody[ApiError](t, rr)
	assert.Equal(t, "unauthenticated", apiErr.Message)
}

func Test_account(t *testing.T) {
	t.Run("get", func(t *testing.T) {
		app := newTestApp(t)
		rr := app.do(t, http.MethodGet, "/api/account", dbAlice.Id, nil)
		require.Equal(t, http.StatusOK, rr.Code)
		assert.Equal(t, dbAlice.Username, decodeBody[types.User](t, rr).Username)
	})

	t.Run("put", func(t *testing.T) {
		app := newTestApp(t)
		updated := dbAlice
		updated.Username = "alice2"
		app.repo.On("UpdateAccount", mock.MatchedBy(func(p database.UpdateAccountParams) bool {
			return p.UserId == dbAlice.Id && p.Username == "alice2" && auth.VerifyPassword(p.PasswordHash, "new-password")
		})).Return(updated, nil).Once()

		rr := app.do(t, http.MethodPut, "/api/account", dbAlice.Id, UpdateAccountRequest{Username: "alice2", Password: "new-password"})
		require.Equal(t, http.StatusOK, rr.Code)
		assert.Equal(t, "alice2", decodeBody[types.User](t, rr).Username)
		app.repo.AssertExpectations(t)
	})

	t.Run("put invalid", func(t *testing.T) {
		app := newTestApp(t)
		rr := app.do(t, http.MethodPut, "/api/account", dbAlice.Id, UpdateAccountRequest{Username: "alice2"})
		assert.Equal(t, http.StatusBadRequest, rr.Code)
		app.repo.AssertNotCalled(t, "UpdateAccount", mock.Anything)
	})

	t.Run("method not allowed", func(t *testing.T) {
		app := newTestApp(t)
		rr := app.do(t, http.MethodDelete, "/api/account", dbAlice.Id, nil)
		assert.Equal(t, http.StatusMethodNotAllowed, rr.Code)
	})
}
