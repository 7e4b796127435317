package handlers

import (
	stderrors "errors"
	"net/http"
	"net/url"
	"strings"

	"github.com/gin-gonic/gin"
	"gorm.io/gorm"

	iauth "github.com/jivelabs/passport/internal/auth"
	"github.com/jivelabs/passport/internal/middleware"
	"github.com/jivelabs/passport/internal/models"
	"github.com/jivelabs/passport/internal/services"
	"github.com/jivelabs/passport/pkg/errors"
	"github.com/jivelabs/passport/pkg/response"
)

// AuthRedirects configures where the magic-link verification endpoint sends
// browsers after consuming a token.
type AuthRedirects struct {
	SuccessURL string
	ErrorURL   string
}

// AuthHandler manages the magic-link flow plus session endpoints
// (login/refresh/logout/me).
type AuthHandler struct {
	db        *gorm.DB
	auth      *services.AuthService
	sessions  *iauth.SessionService
	redirects AuthRedirects
}

func NewAuthHandler(db *gorm.DB, auth *services.AuthService, sessions *iauth.SessionService, redirects AuthRedirects) *AuthHandler {
	return &AuthHandler{db: db, auth: auth, sessions: sessions, redirects: redirects}
}

type tokenRequest struct {
	Email string `json:"email" validate:"required"`
}

type tokenResponse struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
}

// POST /api/auth/token
func (h *AuthHandler) RequestToken(c *gin.Context) {
	var req tokenRequest
	if !bindAndValidate(c, &req) {
		return
	}

	_, err := h.auth.RequestToken(requestContext(c), req.Email, requestMeta(c))
	if err != nil {
		if stderrors.Is(err, services.ErrInvalidEmail) {
			response.Error(c, errors.NewBadRequest("a valid email address is required"))
			return
		}
		response.Error(c, errors.ErrInternalServer.WithInternal(err))
		return
	}

	// The raw token only travels by email.
	response.Success(c, http.StatusOK, gin.H{
		"message": "A login link has been sent to your email address",
	})
}

// GET /api/auth/verify?token=...
//
// Browser entry point of the magic link. Every failure mode collapses to the
// same client-facing outcome; the audit log keeps the distinction.
func (h *AuthHandler) Verify(c *gin.Context) {
	token := strings.TrimSpace(c.Query("token"))

	user, err := h.auth.VerifyToken(requestContext(c), token, requestMeta(c))
	if err != nil {
		h.verifyFailure(c)
		return
	}

	pair, _, err := h.sessions.CreateSession(user, iauth.SessionMetadata{
		IPAddress: c.ClientIP(),
		UserAgent: c.Request.UserAgent(),
	})
	if err != nil {
		h.verifyFailure(c)
		return
	}

	if h.redirects.SuccessURL != "" {
		c.SetSameSite(http.SameSiteLaxMode)
		c.SetCookie(middleware.AccessTokenCookie, pair.AccessToken, 0, "/", "", false, true)
		c.Redirect(http.StatusFound, h.redirects.SuccessURL)
		return
	}

	response.Success(c, http.StatusOK, gin.H{
		"tokens": tokenResponse{AccessToken: pair.AccessToken, RefreshToken: pair.RefreshToken},
		"user":   userPayload(user),
	})
}

func (h *AuthHandler) verifyFailure(c *gin.Context) {
	if h.redirects.ErrorURL != "" {
		target := h.redirects.ErrorURL
		if parsed, err := url.Parse(target); err == nil {
			q := parsed.Query()
			q.Set("error", errors.ErrTokenInvalid.Code)
			parsed.RawQuery = q.Encode()
			target = parsed.String()
		}
		c.Redirect(http.StatusFound, target)
		return
	}
	response.Error(c, errors.ErrTokenInvalid)
}

type loginRequest struct {
	Email    string `json:"email" validate:"required,email"`
	Password string `json:"password" validate:"required"`
}

// POST /api/auth/login
//
// Password login for admin accounts only; everyone else uses the magic link.
func (h *AuthHandler) Login(c *gin.Context) {
	var req loginRequest
	if !bindAndValidate(c, &req) {
		return
	}

	user, err := h.auth.AuthenticatePassword(requestContext(c), req.Email, req.Password, requestMeta(c))
	if err != nil {
		// Normalise auth errors to 401
		response.Error(c, errors.ErrUnauthorized)
		return
	}

	pair, _, err := h.sessions.CreateSession(user, iauth.SessionMetadata{
		IPAddress: c.ClientIP(),
		UserAgent: c.Request.UserAgent(),
	})
	if err != nil {
		response.Error(c, errors.ErrInternalServer.WithInternal(err))
		return
	}

	response.Success(c, http.StatusOK, gin.H{
		"tokens": tokenResponse{AccessToken: pair.AccessToken, RefreshToken: pair.RefreshToken},
		"user":   userPayload(user),
	})
}

type refreshRequest struct {
	RefreshToken string `json:"refresh_token" validate:"required"`
}

// POST /api/auth/refresh
func (h *AuthHandler) Refresh(c *gin.Context) {
	var req refreshRequest
	if !bindAndValidate(c, &req) {
		return
	}
	req.RefreshToken = strings.TrimSpace(req.RefreshToken)
	if req.RefreshToken == "" {
		response.Error(c, errors.NewBadRequest("refresh token is required"))
		return
	}

	pair, _, err := h.sessions.RefreshSession(req.RefreshToken)
	if err != nil {
		response.Error(c, errors.ErrUnauthorized)
		return
	}

	response.Success(c, http.StatusOK, tokenResponse{AccessToken: pair.AccessToken, RefreshToken: pair.RefreshToken})
}

// POST /api/auth/logout
func (h *AuthHandler) Logout(c *gin.Context) {
	v, ok := c.Get(middleware.CtxSessionIDKey)
	if !ok {
		response.Error(c, errors.ErrUnauthorized)
		return
	}
	sid, _ := v.(string)
	if sid == "" {
		response.Error(c, errors.ErrUnauthorized)
		return
	}

	if err := h.sessions.RevokeSession(sid); err != nil {
		response.Error(c, errors.ErrInternalServer.WithInternal(err))
		return
	}

	c.SetCookie(middleware.AccessTokenCookie, "", -1, "/", "", false, true)
	response.Success(c, http.StatusOK, gin.H{"revoked": true})
}

// GET /api/auth/me
func (h *AuthHandler) Me(c *gin.Context) {
	v, ok := c.Get(middleware.CtxUserIDKey)
	if !ok {
		response.Error(c, errors.ErrUnauthorized)
		return
	}
	userID, _ := v.(string)

	var user models.User
	if err := h.db.Take(&user, "id = ?", userID).Error; err != nil {
		response.Error(c, errors.ErrNotFound)
		return
	}

	response.Success(c, http.StatusOK, userPayload(&user))
}

func userPayload(user *models.User) gin.H {
	return gin.H{
		"id":            user.ID,
		"email":         user.Email,
		"is_tester":     user.IsTester,
		"is_admin":      user.IsAdmin || user.IsServiceAdmin,
		"last_login_at": user.LastLoginAt,
	}
}

func requestMeta(c *gin.Context) services.RequestMeta {
	return services.RequestMeta{
		IPAddress: c.ClientIP(),
		UserAgent: c.Request.UserAgent(),
	}
}
