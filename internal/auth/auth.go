// Package auth issues and verifies the signed bearer tokens that gate both
// live sessions and the HTTP surface.
package auth

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt"
	"github.com/npezzotti/go-chatrooms/internal/database"
	"github.com/npezzotti/go-chatrooms/internal/errs"
	"github.com/npezzotti/go-chatrooms/internal/types"
	"golang.org/x/crypto/bcrypt"
)

const (
	userIdClaim = "user-id"
	expClaim    = "exp"

	TokenCookieKey = "token"
	DefaultExp     = time.Hour * 24
)

type Authenticator struct {
	signingKey []byte
	db         database.GoChatRepository
}

func NewAuthenticator(signingKey []byte, db database.GoChatRepository) *Authenticator {
	return &Authenticator{signingKey: signingKey, db: db}
}

func (a *Authenticator) CreateToken(userId int, exp time.Duration) (string, error) {
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		userIdClaim: userId,
		expClaim:    time.Now().Add(exp).Unix(),
	})

	return token.SignedString(a.signingKey)
}

// VerifyToken checks the signature and expiry of tokenString and returns
// the user id it was issued for.
func (a *Authenticator) VerifyToken(tokenString string) (int, error) {
	token, err := jwt.Parse(tokenString, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return a.signingKey, nil
	})
	if err != nil {
		return 0, fmt.Errorf("parse token: %w", err)
	}

	if !token.Valid {
		return 0, fmt.Errorf("invalid token")
	}

	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok {
		return 0, fmt.Errorf("invalid token claims")
	}

	userId, ok := claims[userIdClaim].(float64)
	if !ok {
		return 0, fmt.Errorf("invalid user id claim")
	}

	return int(userId), nil
}

// Authenticate resolves a token to an active identity. Any failure to do so
// is reported as errs.ErrUnauthenticated, except store outages.
func (a *Authenticator) Authenticate(ctx context.Context, tokenString string) (types.User, error) {
	if tokenString == "" {
		return types.User{}, fmt.Errorf("%w: missing token", errs.ErrUnauthenticated)
	}

	userId, err := a.VerifyToken(tokenString)
	if err != nil {
		return types.User{}, fmt.Errorf("%w: %w", errs.ErrUnauthenticated, err)
	}

	user, err := a.db.GetAccountById(ctx, userId)
	if err != nil {
		if errors.Is(err, errs.ErrNotFound) {
			return types.User{}, fmt.Errorf("%w: unknown account %d", errs.ErrUnauthenticated, userId)
		}
		return types.User{}, fmt.Errorf("%w: get account: %w", errs.ErrUnavailable, err)
	}

	if user.State != types.StateActive {
		return types.User{}, fmt.Errorf("%w: account %d is %s", errs.ErrUnauthenticated, userId, user.State)
	}

	return user.ToUser(), nil
}

// TokenFromRequest looks for a token in the Authorization header, then the
// session cookie, then the token query parameter. Browsers cannot set
// headers on a websocket handshake, hence the last two.
func TokenFromRequest(r *http.Request) string {
	if h := r.Header.Get("Authorization"); h != "" {
		if token, ok := strings.CutPrefix(h, "Bearer "); ok {
			return strings.TrimSpace(token)
		}
	}

	if c, err := r.Cookie(TokenCookieKey); err == nil && c.Value != "" {
		return c.Value
	}

	return r.URL.Query().Get("token")
}

func TokenCookie(tokenString string, exp time.Duration) *http.Cookie {
	return &http.Cookie{
		Name:     TokenCookieKey,
		Value:    tokenString,
		Path:     "/",
		Expires:  time.Now().Add(exp),
		HttpOnly: true,
		SameSite: http.SameSiteStrictMode,
	}
}

func HashPassword(passwd string) (string, error) {
	passwdHash, err := bcrypt.GenerateFromPassword([]byte(passwd), bcrypt.DefaultCost)
	return string(passwdHash), err
}

func VerifyPassword(passwdHash, passwd string) bool {
	err := bcrypt.CompareHashAndPassword([]byte(passwdHash), []byte(passwd))
	return err == nil
}
