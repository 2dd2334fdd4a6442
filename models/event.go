package models

import "time"

// PipelineEvent is the outbox row written with every stage transition.
// PublishedAt stays nil until the notification left the process.
type PipelineEvent struct {
	ID          uint          `gorm:"primarykey" json:"id"`
	CustomerID  uint          `gorm:"not null;index" json:"customer_id"`
	TenantID    uint          `gorm:"index" json:"tenant_id"`
	FromStage   PipelineStage `gorm:"type:varchar(32);not null" json:"from"`
	ToStage     PipelineStage `gorm:"type:varchar(32);not null" json:"to"`
	Trigger     string        `gorm:"not null" json:"trigger"`
	At          time.Time     `gorm:"not null" json:"at"`
	PublishedAt *time.Time    `gorm:"index" json:"published_at"`
	CreatedAt   time.Time     `json:"created_at"`
}
