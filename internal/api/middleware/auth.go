package middleware

import (
	"context"
	"crypto/rand"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/crypto/bcrypt"

	"github.com/orrn/polarbridge/internal/db"
)

const (
	cookieName    = "polarbridge_auth"
	tokenIssuer   = "polarbridge"
	tokenDuration = 24 * time.Hour

	settingAdminPassword = "admin_password"
	settingJWTSecret     = "jwt_secret"
)

var (
	ErrSetupRequired = errors.New("admin password not set")
	ErrSetupDone     = errors.New("admin password already set")
	ErrBadPassword   = errors.New("password does not match")
	ErrNoToken       = errors.New("no session token")
)

// SettingsStore is the slice of the settings table the middleware needs.
type SettingsStore interface {
	GetSetting(ctx context.Context, key string) (*db.Setting, error)
	SetSetting(ctx context.Context, key, value string, encrypted bool) error
}

type Claims struct {
	jwt.RegisteredClaims
	Admin bool `json:"admin"`
}

// Auth guards the local API with a single admin password. Sessions are
// HS256 tokens carried in a cookie or an Authorization: Bearer header.
type Auth struct {
	settings     SettingsStore
	secret       []byte
	secureCookie bool
	now          func() time.Time
}

type PasswordRequest struct {
	Password string `json:"password" binding:"required,min=6"`
}

type LoginRequest struct {
	Password string `json:"password" binding:"required"`
}

type ChangePasswordRequest struct {
	CurrentPassword string `json:"current_password" binding:"required"`
	NewPassword     string `json:"new_password" binding:"required,min=6"`
}

type SessionResponse struct {
	Success bool   `json:"success"`
	Token   string `json:"token,omitempty"`
	Message string `json:"message,omitempty"`
}

type StatusResponse struct {
	Authenticated bool `json:"authenticated"`
	SetupRequired bool `json:"setup_required"`
}

type errorBody struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

// NewAuth loads the token signing secret, creating it on first use.
// secureCookie marks the session cookie HTTPS-only.
func NewAuth(settings SettingsStore, secureCookie bool) (*Auth, error) {
	a := &Auth{settings: settings, secureCookie: secureCookie, now: time.Now}
	secret, err := a.loadSecret(context.Background())
	if err != nil {
		return nil, fmt.Errorf("load token secret: %w", err)
	}
	a.secret = secret
	return a, nil
}

func (a *Auth) loadSecret(ctx context.Context) ([]byte, error) {
	setting, err := a.settings.GetSetting(ctx, settingJWTSecret)
	if err == nil {
		return hex.DecodeString(setting.Value)
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return nil, err
	}

	secret := make([]byte, 32)
	if _, err := rand.Read(secret); err != nil {
		return nil, err
	}
	if err := a.settings.SetSetting(ctx, settingJWTSecret, hex.EncodeToString(secret), true); err != nil {
		return nil, err
	}
	return secret, nil
}

func (a *Auth) passwordHash(ctx context.Context) ([]byte, error) {
	setting, err := a.settings.GetSetting(ctx, settingAdminPassword)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrSetupRequired
	}
	if err != nil {
		return nil, err
	}
	return []byte(setting.Value), nil
}

func (a *Auth) checkPassword(ctx context.Context, password string) error {
	hash, err := a.passwordHash(ctx)
	if err != nil {
		return err
	}
	if bcrypt.CompareHashAndPassword(hash, []byte(password)) != nil {
		return ErrBadPassword
	}
	return nil
}

func (a *Auth) setPassword(ctx context.Context, password string) error {
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return err
	}
	return a.settings.SetSetting(ctx, settingAdminPassword, string(hash), true)
}

func (a *Auth) setupRequired(ctx context.Context) bool {
	_, err := a.passwordHash(ctx)
	return errors.Is(err, ErrSetupRequired)
}

func (a *Auth) issue() (string, error) {
	now := a.now()
	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    tokenIssuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(tokenDuration)),
		},
		Admin: true,
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(a.secret)
}

func (a *Auth) verify(c *gin.Context) (*Claims, error) {
	raw, err := c.Cookie(cookieName)
	if err != nil || raw == "" {
		header := c.GetHeader("Authorization")
		if !strings.HasPrefix(header, "Bearer ") {
			return nil, ErrNoToken
		}
		raw = strings.TrimPrefix(header, "Bearer ")
	}

	claims := &Claims{}
	_, err = jwt.ParseWithClaims(raw, claims, func(*jwt.Token) (interface{}, error) {
		return a.secret, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(tokenIssuer),
		jwt.WithTimeFunc(a.now),
	)
	if err != nil {
		return nil, err
	}
	if !claims.Admin {
		return nil, errors.New("token does not grant admin access")
	}
	return claims, nil
}

// startSession issues a token, sets the cookie and returns the token.
func (a *Auth) startSession(c *gin.Context) (string, bool) {
	token, err := a.issue()
	if err != nil {
		abort(c, http.StatusInternalServerError, "token_error", "Failed to issue session token")
		return "", false
	}
	c.SetCookie(cookieName, token, int(tokenDuration.Seconds()), "/", "", a.secureCookie, true)
	return token, true
}

func abort(c *gin.Context, status int, code, message string) {
	c.AbortWithStatusJSON(status, errorBody{Error: code, Message: message})
}

func (a *Auth) Setup(c *gin.Context) {
	ctx := c.Request.Context()
	if !a.setupRequired(ctx) {
		abort(c, http.StatusBadRequest, "setup_done", ErrSetupDone.Error())
		return
	}

	var req PasswordRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		abort(c, http.StatusBadRequest, "invalid_request", "Password must be at least 6 characters")
		return
	}
	if err := a.setPassword(ctx, req.Password); err != nil {
		abort(c, http.StatusInternalServerError, "database_error", "Failed to save password")
		return
	}

	if token, ok := a.startSession(c); ok {
		c.JSON(http.StatusOK, SessionResponse{Success: true, Token: token, Message: "Setup completed"})
	}
}

// Login also returns the token in the body for clients that use the
// Authorization header.
func (a *Auth) Login(c *gin.Context) {
	var req LoginRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		abort(c, http.StatusBadRequest, "invalid_request", "Password is required")
		return
	}

	switch err := a.checkPassword(c.Request.Context(), req.Password); {
	case errors.Is(err, ErrSetupRequired):
		abort(c, http.StatusForbidden, "setup_required", err.Error())
		return
	case errors.Is(err, ErrBadPassword):
		abort(c, http.StatusUnauthorized, "invalid_password", "Invalid password")
		return
	case err != nil:
		abort(c, http.StatusInternalServerError, "database_error", "Failed to read password")
		return
	}

	if token, ok := a.startSession(c); ok {
		c.JSON(http.StatusOK, SessionResponse{Success: true, Token: token})
	}
}

func (a *Auth) Logout(c *gin.Context) {
	c.SetCookie(cookieName, "", -1, "/", "", a.secureCookie, true)
	c.JSON(http.StatusOK, SessionResponse{Success: true, Message: "Logged out"})
}

func (a *Auth) Status(c *gin.Context) {
	if _, err := a.verify(c); err == nil {
		c.JSON(http.StatusOK, StatusResponse{Authenticated: true})
		return
	}
	c.JSON(http.StatusOK, StatusResponse{SetupRequired: a.setupRequired(c.Request.Context())})
}

func (a *Auth) ChangePassword(c *gin.Context) {
	var req ChangePasswordRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		abort(c, http.StatusBadRequest, "invalid_request", "New password must be at least 6 characters")
		return
	}

	ctx := c.Request.Context()
	if err := a.checkPassword(ctx, req.CurrentPassword); err != nil {
		if errors.Is(err, ErrBadPassword) {
			abort(c, http.StatusUnauthorized, "invalid_password", "Current password is incorrect")
			return
		}
		abort(c, http.StatusInternalServerError, "database_error", "Failed to read password")
		return
	}
	if err := a.setPassword(ctx, req.NewPassword); err != nil {
		abort(c, http.StatusInternalServerError, "database_error", "Failed to update password")
		return
	}

	if token, ok := a.startSession(c); ok {
		c.JSON(http.StatusOK, SessionResponse{Success: true, Token: token, Message: "Password changed"})
	}
}

// Require rejects requests without a valid admin session.
func (a *Auth) Require() gin.HandlerFunc {
	return func(c *gin.Context) {
		claims, err := a.verify(c)
		if err != nil {
			message := "Invalid or expired token"
			if errors.Is(err, ErrNoToken) {
				message = "Authentication required"
			}
			abort(c, http.StatusUnauthorized, "unauthorized", message)
			return
		}
		c.Set("claims", claims)
		c.Next()
	}
}
