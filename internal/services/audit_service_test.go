package services

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/jivelabs/passport/internal/database/testutil"
	"github.com/jivelabs/passport/internal/models"
)

func newAuditFixture(t *testing.T) *AuditService {
	t.Helper()

	db := testutil.MustOpenTestDB(t, testutil.WithAutoMigrate())
	svc, err := NewAuditService(db)
	require.NoError(t, err)
	return svc
}

func TestAuditLogPersistsEntry(t *testing.T) {
	svc := newAuditFixture(t)

	err := svc.Log(context.Background(), AuditEntry{
		Email:     "Audit@Example.com",
		Action:    models.AuditActionTokenRequested,
		IPAddress: "192.0.2.1",
		UserAgent: "test-agent",
		Meta:      map[string]any{"reason": "test"},
	})
	require.NoError(t, err)

	var stored models.AuthLog
	require.NoError(t, svc.db.First(&stored).Error)
	require.NotNil(t, stored.Email)
	require.Equal(t, "audit@example.com", *stored.Email)
	require.Equal(t, models.AuditActionTokenRequested, stored.Action)
	require.Equal(t, "192.0.2.1", stored.IPAddress)

	var meta map[string]any
	require.NoError(t, json.Unmarshal(stored.Meta, &meta))
	require.Equal(t, "test", meta["reason"])
}

func TestAuditLogDefaultsMissingIP(t *testing.T) {
	svc := newAuditFixture(t)

	require.NoError(t, svc.Log(context.Background(), AuditEntry{Action: models.AuditActionLoginFailed}))

	var stored models.AuthLog
	require.NoError(t, svc.db.First(&stored).Error)
	require.Equal(t, "unknown", stored.IPAddress)
	require.Nil(t, stored.Email)
}

func TestAuditLogRequiresAction(t *testing.T) {
	svc := newAuditFixture(t)
	require.Error(t, svc.Log(context.Background(), AuditEntry{Email: "x@example.com"}))
}

func TestAuditListFiltersAndPaginates(t *testing.T) {
	svc := newAuditFixture(t)

	for i := 0; i < 5; i++ {
		require.NoError(t, svc.Log(context.Background(), AuditEntry{
			Email:  "page@example.com",
			Action: models.AuditActionLoginSuccess,
		}))
	}
	require.NoError(t, svc.Log(context.Background(), AuditEntry{
		Email:  "other@example.com",
		Action: models.AuditActionLoginFailed,
	}))

	logs, total, err := svc.List(context.Background(), AuditListOptions{
		Page:     1,
		PageSize: 2,
		Filters:  AuditFilters{Email: "page@example.com"},
	})
	require.NoError(t, err)
	require.EqualValues(t, 5, total)
	require.Len(t, logs, 2)

	logs, total, err = svc.List(context.Background(), AuditListOptions{
		Filters: AuditFilters{Action: models.AuditActionLoginFailed},
	})
	require.NoError(t, err)
	require.EqualValues(t, 1, total)
	require.Len(t, logs, 1)
	require.Equal(t, "other@example.com", *logs[0].Email)
}

func TestAuditCleanupOlderThan(t *testing.T) {
	svc := newAuditFixture(t)

	old := models.AuthLog{Action: models.AuditActionLoginSuccess, IPAddress: "unknown"}
	require.NoError(t, svc.db.Create(&old).Error)
	require.NoError(t, svc.db.Model(&old).
		UpdateColumn("created_at", time.Now().AddDate(0, 0, -120)).Error)

	require.NoError(t, svc.Log(context.Background(), AuditEntry{Action: models.AuditActionLoginSuccess}))

	removed, err := svc.CleanupOlderThan(context.Background(), 90)
	require.NoError(t, err)
	require.EqualValues(t, 1, removed)

	var remaining int64
	require.NoError(t, svc.db.Model(&models.AuthLog{}).Count(&remaining).Error)
	require.EqualValues(t, 1, remaining)

	_, err = svc.CleanupOlderThan(context.Background(), 0)
	require.Error(t, err)
}
