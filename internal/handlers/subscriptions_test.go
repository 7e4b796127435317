package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	iauth "github.com/jivelabs/passport/internal/auth"
	"github.com/jivelabs/passport/internal/database/testutil"
	"github.com/jivelabs/passport/internal/middleware"
	"github.com/jivelabs/passport/internal/models"
	"github.com/jivelabs/passport/internal/services"
)

const testInternalKey = "internal-test-key"

type subFixture struct {
	db           *gorm.DB
	entitlements *services.EntitlementService
	jwt          *iauth.JWTService
	router       *gin.Engine
	now          time.Time
}

func newSubscriptionFixture(t *testing.T) *subFixture {
	t.Helper()
	gin.SetMode(gin.TestMode)

	db := testutil.MustOpenTestDB(t, testutil.WithAutoMigrate())

	audit, err := services.NewAuditService(db)
	require.NoError(t, err)

	now := time.Date(2026, 7, 1, 12, 0, 0, 0, time.UTC)
	entitlements, err := services.NewEntitlementService(db, audit, nil,
		services.WithEntitlementClock(func() time.Time { return now }),
	)
	require.NoError(t, err)

	jwtSvc, err := iauth.NewJWTService(iauth.JWTConfig{Secret: "sub-test-secret"})
	require.NoError(t, err)

	handler := NewSubscriptionHandler(entitlements, 10)
	auditHandler := NewAuditHandler(audit)

	requireAuth := middleware.Auth(jwtSvc)

	r := gin.New()
	r.GET("/api/subscription", middleware.AuthOrInternalKey(requireAuth, testInternalKey), handler.Get)
	r.POST("/api/admin/subscriptions/activate", middleware.AdminOrInternalKey(requireAuth, testInternalKey), handler.Activate)
	r.POST("/api/internal/low-credit-scan", middleware.InternalKey(testInternalKey), handler.LowCreditScan)
	r.POST("/api/internal/reset-monthly", middleware.InternalKey(testInternalKey), handler.ResetMonthly)
	r.GET("/api/admin/audit", requireAuth, middleware.RequireAdmin(), auditHandler.List)

	return &subFixture{db: db, entitlements: entitlements, jwt: jwtSvc, router: r, now: now}
}

func (fx *subFixture) sessionToken(t *testing.T, user *models.User) string {
	t.Helper()
	token, err := fx.jwt.GenerateAccessToken(iauth.AccessTokenInput{
		UserID:  user.ID,
		Email:   user.Email,
		IsAdmin: user.IsAdmin,
	})
	require.NoError(t, err)
	return token
}

func TestSubscriptionGetWithSession(t *testing.T) {
	fx := newSubscriptionFixture(t)

	user := models.User{Email: "snap@example.com"}
	require.NoError(t, fx.db.Create(&user).Error)

	req := httptest.NewRequest(http.MethodGet, "/api/subscription", nil)
	req.Header.Set("Authorization", "Bearer "+fx.sessionToken(t, &user))
	w := httptest.NewRecorder()
	fx.router.ServeHTTP(w, req)

	require.Equal(t, http.StatusOK, w.Code)

	var payload struct {
		Data struct {
			Tier    models.Tier `json:"tier"`
			Status  string      `json:"status"`
			Credits struct {
				Total     int64 `json:"total"`
				Used      int64 `json:"used"`
				Available int64 `json:"available"`
				Purchased int64 `json:"purchased"`
				Monthly   int64 `json:"monthly"`
			} `json:"credits"`
		} `json:"data"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &payload))
	require.Equal(t, models.TierFree, payload.Data.Tier)
	require.Equal(t, models.SubscriptionStatusActive, payload.Data.Status)
	require.EqualValues(t, 0, payload.Data.Credits.Available)
}

func TestSubscriptionGetWithInternalKey(t *testing.T) {
	fx := newSubscriptionFixture(t)

	_, err := fx.entitlements.ActivateSubscription(context.Background(), services.ActivateSubscriptionInput{
		Email: "lookup@example.com", Tier: models.TierJive, Actor: "internal",
	})
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodGet, "/api/subscription?email=lookup@example.com", nil)
	req.Header.Set("Authorization", "Bearer "+testInternalKey)
	w := httptest.NewRecorder()
	fx.router.ServeHTTP(w, req)

	require.Equal(t, http.StatusOK, w.Code)
	require.Contains(t, w.Body.String(), `"JIVE"`)

	// Unknown address is a 404, missing session without email a 401.
	req = httptest.NewRequest(http.MethodGet, "/api/subscription?email=ghost@example.com", nil)
	req.Header.Set("Authorization", "Bearer "+testInternalKey)
	w = httptest.NewRecorder()
	fx.router.ServeHTTP(w, req)
	require.Equal(t, http.StatusNotFound, w.Code)

	req = httptest.NewRequest(http.MethodGet, "/api/subscription", nil)
	w = httptest.NewRecorder()
	fx.router.ServeHTTP(w, req)
	require.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestActivateEndpointGuards(t *testing.T) {
	fx := newSubscriptionFixture(t)

	payload := gin.H{"email": "target@example.com", "tier": "jive", "credits_to_add": 500}

	// No credentials.
	w := postJSON(t, fx.router, "/api/admin/subscriptions/activate", payload, nil)
	require.Equal(t, http.StatusUnauthorized, w.Code)

	// Internal key activates; lowercase tier names are accepted.
	w = postJSON(t, fx.router, "/api/admin/subscriptions/activate", payload, map[string]string{
		"Authorization": "Bearer " + testInternalKey,
	})
	require.Equal(t, http.StatusOK, w.Code)
	require.Contains(t, w.Body.String(), `"JIVE"`)

	var sub models.Subscription
	require.NoError(t, fx.db.
		Joins("JOIN users ON users.id = subscriptions.user_id").
		Where("users.email = ?", "target@example.com").
		First(&sub).Error)
	require.EqualValues(t, 500, sub.Credits)
	require.EqualValues(t, 500_000, sub.MonthlyCredits)

	// Unknown tier is a 400.
	w = postJSON(t, fx.router, "/api/admin/subscriptions/activate", gin.H{
		"email": "target@example.com", "tier": "PLATINUM",
	}, map[string]string{"Authorization": "Bearer " + testInternalKey})
	require.Equal(t, http.StatusBadRequest, w.Code)
}

func TestLowCreditScanEndpoint(t *testing.T) {
	fx := newSubscriptionFixture(t)

	_, err := fx.entitlements.ActivateSubscription(context.Background(), services.ActivateSubscriptionInput{
		Email: "scan@example.com", Tier: models.TierJive, Actor: "internal",
	})
	require.NoError(t, err)
	require.NoError(t, fx.db.Model(&models.Subscription{}).
		Where("1 = 1").
		Update("credits_used", 460_000).Error)

	w := postJSON(t, fx.router, "/api/internal/low-credit-scan", gin.H{}, map[string]string{
		"Authorization": "Bearer " + testInternalKey,
	})
	require.Equal(t, http.StatusOK, w.Code)

	var payload struct {
		Data struct {
			WarningsSent int                          `json:"warnings_sent"`
			Warnings     []services.LowCreditWarning `json:"warnings"`
		} `json:"data"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &payload))
	require.Len(t, payload.Data.Warnings, 1)
	require.Equal(t, "scan@example.com", payload.Data.Warnings[0].Email)
	require.InDelta(t, 8.0, payload.Data.Warnings[0].Percent, 0.001)
	// No mailer configured, nothing dispatched.
	require.Zero(t, payload.Data.WarningsSent)

	// Wrong key is rejected before any work happens.
	w = postJSON(t, fx.router, "/api/internal/low-credit-scan", gin.H{}, map[string]string{
		"Authorization": "Bearer wrong-key",
	})
	require.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestResetMonthlyEndpoint(t *testing.T) {
	fx := newSubscriptionFixture(t)

	_, err := fx.entitlements.ActivateSubscription(context.Background(), services.ActivateSubscriptionInput{
		Email: "cycle@example.com", Tier: models.TierJigga, Actor: "internal",
	})
	require.NoError(t, err)

	// Pull the billing date into the past so the pass picks it up.
	past := time.Now().AddDate(0, 0, -1)
	require.NoError(t, fx.db.Model(&models.Subscription{}).
		Where("1 = 1").
		Updates(map[string]any{"next_billing": past, "credits_used": 99}).Error)

	w := postJSON(t, fx.router, "/api/internal/reset-monthly", gin.H{}, map[string]string{
		"Authorization": "Bearer " + testInternalKey,
	})
	require.Equal(t, http.StatusOK, w.Code)
	require.Contains(t, w.Body.String(), `"reset":1`)

	var sub models.Subscription
	require.NoError(t, fx.db.First(&sub).Error)
	require.EqualValues(t, 0, sub.CreditsUsed)
}

func TestAuditListEndpointRequiresAdmin(t *testing.T) {
	fx := newSubscriptionFixture(t)

	admin := models.User{Email: "auditor@example.com", IsAdmin: true}
	require.NoError(t, fx.db.Create(&admin).Error)
	user := models.User{Email: "pleb@example.com"}
	require.NoError(t, fx.db.Create(&user).Error)

	// Seed a few entries through an activation.
	_, err := fx.entitlements.ActivateSubscription(context.Background(), services.ActivateSubscriptionInput{
		Email: "seed@example.com", Tier: models.TierJive, Actor: "auditor@example.com",
	})
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodGet, "/api/admin/audit?action=subscription_manual_activation", nil)
	req.Header.Set("Authorization", "Bearer "+fx.sessionToken(t, &admin))
	w := httptest.NewRecorder()
	fx.router.ServeHTTP(w, req)
	require.Equal(t, http.StatusOK, w.Code)
	require.Contains(t, w.Body.String(), "seed@example.com")
	require.Contains(t, w.Body.String(), `"total":1`)

	req = httptest.NewRequest(http.MethodGet, "/api/admin/audit", nil)
	req.Header.Set("Authorization", "Bearer "+fx.sessionToken(t, &user))
	w = httptest.NewRecorder()
	fx.router.ServeHTTP(w, req)
	require.Equal(t, http.StatusForbidden, w.Code)
}
