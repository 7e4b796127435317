package handlers

import (
	stderrors "errors"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"gorm.io/gorm"

	"github.com/jivelabs/passport/internal/middleware"
	"github.com/jivelabs/passport/internal/models"
	"github.com/jivelabs/passport/internal/services"
	"github.com/jivelabs/passport/pkg/errors"
	"github.com/jivelabs/passport/pkg/response"
)

// timeNow is indirected so handler tests can pin the reset clock.
var timeNow = time.Now

// SubscriptionHandler exposes the entitlement ledger over HTTP.
type SubscriptionHandler struct {
	entitlements *services.EntitlementService
	threshold    float64
}

func NewSubscriptionHandler(entitlements *services.EntitlementService, lowCreditThreshold float64) *SubscriptionHandler {
	if lowCreditThreshold <= 0 {
		lowCreditThreshold = services.DefaultLowCreditThreshold
	}
	return &SubscriptionHandler{entitlements: entitlements, threshold: lowCreditThreshold}
}

// GET /api/subscription
//
// Session callers get their own subscription. Internal-key callers resolve a
// user with ?email= instead.
func (h *SubscriptionHandler) Get(c *gin.Context) {
	userID := contextUserID(c)

	if userID == "" {
		email := strings.TrimSpace(c.Query("email"))
		if email == "" {
			response.Error(c, errors.ErrUnauthorized)
			return
		}
		user, err := h.entitlements.FindUserByEmail(requestContext(c), email)
		if err != nil {
			if stderrors.Is(err, gorm.ErrRecordNotFound) {
				response.Error(c, errors.ErrNotFound)
				return
			}
			response.Error(c, errors.ErrInternalServer.WithInternal(err))
			return
		}
		userID = user.ID
	}

	sub, err := h.entitlements.GetSubscription(requestContext(c), userID)
	if err != nil {
		response.Error(c, errors.ErrInternalServer.WithInternal(err))
		return
	}

	response.Success(c, http.StatusOK, subscriptionPayload(sub))
}

type activateRequest struct {
	Email        string `json:"email" validate:"required,email"`
	Tier         string `json:"tier" validate:"required"`
	CreditsToAdd int64  `json:"credits_to_add" validate:"omitempty,min=0"`
}

// POST /api/admin/subscriptions/activate
func (h *SubscriptionHandler) Activate(c *gin.Context) {
	var req activateRequest
	if !bindAndValidate(c, &req) {
		return
	}

	tier, ok := models.ParseTier(strings.ToUpper(strings.TrimSpace(req.Tier)))
	if !ok {
		response.Error(c, errors.NewBadRequest("tier must be one of FREE, JIVE, JIGGA"))
		return
	}

	sub, err := h.entitlements.ActivateSubscription(requestContext(c), services.ActivateSubscriptionInput{
		Email:        req.Email,
		Tier:         tier,
		CreditsToAdd: req.CreditsToAdd,
		Actor:        activationActor(c),
		IPAddress:    c.ClientIP(),
	})
	if err != nil {
		switch {
		case stderrors.Is(err, services.ErrInvalidEmail):
			response.Error(c, errors.NewBadRequest("a valid email address is required"))
		case stderrors.Is(err, services.ErrUnknownTier):
			response.Error(c, errors.NewBadRequest("tier must be one of FREE, JIVE, JIGGA"))
		default:
			response.Error(c, errors.ErrInternalServer.WithInternal(err))
		}
		return
	}

	response.Success(c, http.StatusOK, subscriptionPayload(sub))
}

type lowCreditScanRequest struct {
	ThresholdPercent float64 `json:"threshold_percent" validate:"omitempty,gt=0,lte=100"`
	Notify           *bool   `json:"notify"`
}

// POST /api/internal/low-credit-scan
func (h *SubscriptionHandler) LowCreditScan(c *gin.Context) {
	req := lowCreditScanRequest{}
	if c.Request != nil && c.Request.ContentLength > 0 {
		if !bindAndValidate(c, &req) {
			return
		}
	}

	threshold := req.ThresholdPercent
	if threshold <= 0 {
		threshold = h.threshold
	}

	warnings, err := h.entitlements.LowCreditScan(requestContext(c), threshold)
	if err != nil {
		response.Error(c, errors.ErrInternalServer.WithInternal(err))
		return
	}

	sent := 0
	if req.Notify == nil || *req.Notify {
		sent = h.entitlements.NotifyLowCredit(requestContext(c), warnings)
	}

	if warnings == nil {
		warnings = []services.LowCreditWarning{}
	}

	response.Success(c, http.StatusOK, gin.H{
		"warnings_sent": sent,
		"warnings":      warnings,
	})
}

// POST /api/internal/reset-monthly
func (h *SubscriptionHandler) ResetMonthly(c *gin.Context) {
	reset, err := h.entitlements.ResetDueSubscriptions(requestContext(c), timeNow())
	if err != nil {
		response.Error(c, errors.ErrInternalServer.WithInternal(err))
		return
	}

	response.Success(c, http.StatusOK, gin.H{"reset": reset})
}

func subscriptionPayload(sub *models.Subscription) gin.H {
	return gin.H{
		"tier":   sub.Tier,
		"status": sub.Status,
		"credits": gin.H{
			"total":     sub.Credits + sub.MonthlyCredits,
			"used":      sub.CreditsUsed,
			"available": sub.Available(),
			"purchased": sub.Credits,
			"monthly":   sub.MonthlyCredits,
		},
		"images": gin.H{
			"used":  sub.ImagesUsed,
			"limit": sub.ImagesLimit,
		},
		"percent_remaining": sub.PercentRemaining(),
		"next_billing":      sub.NextBilling,
		"last_reset":        sub.LastReset,
	}
}

func contextUserID(c *gin.Context) string {
	v, ok := c.Get(middleware.CtxUserIDKey)
	if !ok {
		return ""
	}
	userID, _ := v.(string)
	return userID
}

func activationActor(c *gin.Context) string {
	if claims := middleware.ClaimsFromContext(c); claims != nil && claims.Email != "" {
		return claims.Email
	}
	return "internal"
}
