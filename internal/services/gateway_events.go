package services

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/example/mentwel/internal/models"
	"github.com/example/mentwel/internal/utils"
)

const providerPaystack = "paystack"

// recordGatewayEvent stores a delivery keyed by the hash of its payload.
// Redeliveries of identical bytes return the original row with created=false.
func recordGatewayEvent(ctx context.Context, db *gorm.DB, ev GatewayEvent, signatureValid bool) (bool, *models.GatewayEvent, error) {
	sum := sha256.Sum256(ev.Payload)
	row := &models.GatewayEvent{
		Provider:        providerPaystack,
		ProviderEventID: hex.EncodeToString(sum[:]),
		EventType:       ev.EventType,
		Reference:       ev.Reference,
		Payload:         string(ev.Payload),
		SignatureValid:  signatureValid,
	}

	res := db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns: []clause.Column{
			{Name: "provider"},
			{Name: "provider_event_id"},
		},
		DoNothing: true,
	}).Create(row)
	if res.Error != nil {
		return false, nil, res.Error
	}

	var stored models.GatewayEvent
	if err := db.WithContext(ctx).
		Where("provider = ? AND provider_event_id = ?", row.Provider, row.ProviderEventID).
		First(&stored).Error; err != nil {
		return false, nil, err
	}
	return res.RowsAffected > 0, &stored, nil
}

func markGatewayEventProcessed(ctx context.Context, db *gorm.DB, row *models.GatewayEvent, at time.Time, processingErr error) error {
	msg := ""
	if processingErr != nil {
		msg = processingErr.Error()
	}
	return db.WithContext(ctx).
		Model(&models.GatewayEvent{}).
		Where("id = ?", row.ID).
		Updates(map[string]interface{}{
			"processed_at":     at,
			"processing_error": msg,
		}).Error
}

// GatewayEventFilter narrows ListGatewayEvents.
type GatewayEventFilter struct {
	Reference    string
	OnlyFailed   bool
	OnlyUnsigned bool
	Pagination   utils.Pagination
}

func listGatewayEvents(ctx context.Context, db *gorm.DB, f GatewayEventFilter) ([]models.GatewayEvent, int64, error) {
	q := db.WithContext(ctx).Model(&models.GatewayEvent{})
	if f.Reference != "" {
		q = q.Where("reference = ?", f.Reference)
	}
	if f.OnlyFailed {
		q = q.Where("processing_error <> ''")
	}
	if f.OnlyUnsigned {
		q = q.Where("signature_valid = ?", false)
	}

	var total int64
	if err := q.Count(&total).Error; err != nil {
		return nil, 0, err
	}

	limit := f.Pagination.Limit
	if limit <= 0 {
		limit = 20
	}
	var rows []models.GatewayEvent
	if err := q.Order("created_at desc").
		Limit(limit).Offset(f.Pagination.Offset).
		Find(&rows).Error; err != nil {
		return nil, 0, err
	}
	return rows, total, nil
}
