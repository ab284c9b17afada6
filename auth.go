package pttflow

import (
	"context"
	"errors"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Auth is the result of a successful login.
type Auth struct {
	Token  string
	UserID string
	// ExpiresAt is read from the token's exp claim. Zero means unknown.
	ExpiresAt time.Time
}

// Expired reports whether the token expires within skew of now.
// Tokens with unknown expiry never expire.
func (a *Auth) Expired(skew time.Duration) bool {
	if a == nil || a.Token == "" {
		return true
	}
	if a.ExpiresAt.IsZero() {
		return false
	}
	return time.Now().Add(skew).After(a.ExpiresAt)
}

type loginRequest struct {
	UID      string `json:"uid"`
	Password string `json:"password"`
}

type loginResponse struct {
	Token string `json:"token"`
	ID    string `json:"id"`
}

// Login exchanges the configured credential for a token.
// With a Token credential no request is made.
func (c *Client) Login(ctx context.Context) (*Auth, error) {
	switch cred := c.cfg.Credential.(type) {
	case Token:
		a := authFromToken(string(cred))
		return a, nil
	case Password:
		var resp loginResponse
		if err := c.doJSON(ctx, "POST", "/login", "", loginRequest{UID: cred.Username, Password: cred.Password}, &resp); err != nil {
			return nil, err
		}
		if resp.Token == "" {
			return nil, errors.New("pttflow: login response carried no token")
		}
		a := authFromToken(resp.Token)
		if resp.ID != "" {
			a.UserID = resp.ID
		}
		c.log("logged_in", map[string]any{"user_id": a.UserID, "expires_at": a.ExpiresAt})
		return a, nil
	default:
		return nil, NewConfigError("Credential", "", "unsupported credential type")
	}
}

// Logout invalidates the token on the service side.
func (c *Client) Logout(ctx context.Context, a *Auth) error {
	if a == nil || a.Token == "" {
		return nil
	}
	if _, ok := c.cfg.Credential.(Token); ok {
		// pre-issued tokens are owned by whoever issued them
		return nil
	}
	return c.doJSON(ctx, "POST", "/logout", a.Token, nil, nil)
}

// authFromToken reads the user and expiry claims without verifying the
// signature; the service verifies tokens on every call.
func authFromToken(token string) *Auth {
	a := &Auth{Token: token}
	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(token, claims); err != nil {
		return a
	}
	if exp, err := claims.GetExpirationTime(); err == nil && exp != nil {
		a.ExpiresAt = exp.Time
	}
	if sub, err := claims.GetSubject(); err == nil {
		a.UserID = sub
	}
	return a
}
