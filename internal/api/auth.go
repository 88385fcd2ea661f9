package api

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/npezzotti/go-chatrooms/internal/auth"
	"github.com/npezzotti/go-chatrooms/internal/database"
	"github.com/npezzotti/go-chatrooms/internal/errs"
	"github.com/npezzotti/go-chatrooms/internal/types"
)

type contextKey string

const userKey contextKey = "user"

func WithUser(ctx context.Context, user types.User) context.Context {
	return context.WithValue(ctx, userKey, user)
}

// User returns the authenticated caller stored by authMiddleware.
func User(ctx context.Context) (types.User, bool) {
	user, ok := ctx.Value(userKey).(types.User)
	return user, ok
}

func UserId(ctx context.Context) (int, bool) {
	user, ok := User(ctx)
	return user.Id, ok
}

type LoginRequest struct {
	Email    string `json:"email" validate:"required,email"`
	Password string `json:"password" validate:"required"`
}

type LoginResponse struct {
	User  types.User `json:"user"`
	Token string     `json:"token"`
}

type RegisterRequest struct {
	Email    string `json:"email" validate:"required,email"`
	Username string `json:"username" validate:"required,max=64"`
	Password string `json:"password" validate:"required,min=8,max=72"`
}

type UpdateAccountRequest struct {
	Username string `json:"username" validate:"required,max=64"`
	Password string `json:"password" validate:"required,min=8,max=72"`
}

func (s *GoChatApp) createAccount(w http.ResponseWriter, r *http.Request) {
	var req RegisterRequest
	if err := s.decode(r, &req); err != nil {
		s.writeError(w, err)
		return
	}

	pwdHash, err := auth.HashPassword(req.Password)
	if err != nil {
		errResp := NewInternalServerError(err)
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	newUser, err := s.db.CreateAccount(r.Context(), database.CreateAccountParams{
		Username:     req.Username,
		EmailAddress: req.Email,
		PasswordHash: pwdHash,
	})
	if err != nil {
		s.writeError(w, err)
		return
	}

	s.writeJson(w, http.StatusCreated, newUser.ToUser())
}

func (s *GoChatApp) account(w http.ResponseWriter, r *http.Request) {
	user, ok := User(r.Context())
	if !ok {
		errResp := NewUnauthorizedError()
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	switch r.Method {
	case http.MethodGet:
		s.writeJson(w, http.StatusOK, user)
	case http.MethodPut:
		var req UpdateAccountRequest
		if err := s.decode(r, &req); err != nil {
			s.writeError(w, err)
			return
		}

		pwdHash, err := auth.HashPassword(req.Password)
		if err != nil {
			errResp := NewInternalServerError(err)
			s.writeJson(w, errResp.StatusCode, errResp)
			return
		}

		dbUser, err := s.db.UpdateAccount(r.Context(), database.UpdateAccountParams{
			UserId:       user.Id,
			Username:     req.Username,
			PasswordHash: pwdHash,
		})
		if err != nil {
			s.writeError(w, err)
			return
		}

		s.writeJson(w, http.StatusOK, dbUser.ToUser())
	default:
		errResp := &ApiError{
			StatusCode: http.StatusMethodNotAllowed,
			Message:    lower(http.StatusText(http.StatusMethodNotAllowed)),
		}
		s.writeJson(w, errResp.StatusCode, errResp)
	}
}

func (s *GoChatApp) session(w http.ResponseWriter, r *http.Request) {
	user, ok := User(r.Context())
	if !ok {
		errResp := NewUnauthorizedError()
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	s.writeJson(w, http.StatusOK, user)
}

// login answers unknown addresses and wrong passwords the same way.
func (s *GoChatApp) login(w http.ResponseWriter, r *http.Request) {
	var lr LoginRequest
	if err := s.decode(r, &lr); err != nil {
		s.writeError(w, err)
		return
	}

	dbUser, err := s.db.GetAccountByEmail(r.Context(), lr.Email)
	if err != nil {
		if errors.Is(err, errs.ErrNotFound) {
			errResp := NewUnauthorizedError()
			s.writeJson(w, errResp.StatusCode, errResp)
			return
		}
		s.writeError(w, err)
		return
	}

	if !auth.VerifyPassword(dbUser.PasswordHash, lr.Password) {
		errResp := NewUnauthorizedError()
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	if dbUser.State != types.StateActive {
		errResp := NewForbiddenError()
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	token, err := s.auth.CreateToken(dbUser.Id, auth.DefaultExp)
	if err != nil {
		errResp := NewInternalServerError(err)
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	http.SetCookie(w, auth.TokenCookie(token, auth.DefaultExp))

	s.writeJson(w, http.StatusOK, LoginResponse{User: dbUser.ToUser(), Token: token})
}

func (s *GoChatApp) logout(w http.ResponseWriter, _ *http.Request) {
	// instruct browser to delete cookie by overwriting it with an expired token
	http.SetCookie(w, auth.TokenCookie("", -time.Hour))
	w.WriteHeader(http.StatusNoContent)
}
