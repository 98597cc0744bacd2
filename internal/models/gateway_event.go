package models

import "time"

// GatewayEvent stores every inbound payment-gateway delivery for audit and
// manual review. Redeliveries of the same payload collapse onto one row.
type GatewayEvent struct {
	BaseModel
	Provider        string     `gorm:"size:20;not null;uniqueIndex:ux_gateway_events_provider_event,priority:1" json:"provider"`
	ProviderEventID string     `gorm:"size:191;not null;uniqueIndex:ux_gateway_events_provider_event,priority:2" json:"provider_event_id"`
	EventType       string     `gorm:"size:100;index" json:"event_type"`
	Reference       string     `gorm:"size:100;index" json:"reference"`
	Payload         string     `gorm:"type:text" json:"payload"`
	SignatureValid  bool       `gorm:"index" json:"signature_valid"`
	ProcessedAt     *time.Time `json:"processed_at,omitempty"`
	ProcessingError string     `gorm:"type:text" json:"processing_error"`
}
