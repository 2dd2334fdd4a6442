package models

import "gorm.io/gorm"

// MessageTemplate holds the content a timeline action points at through its
// campaign id
type MessageTemplate struct {
	gorm.Model
	TenantID   uint   `gorm:"index" json:"tenant_id"`
	CampaignID string `gorm:"not null;uniqueIndex" json:"campaign_id"`

	Name        string `gorm:"not null" json:"name"`
	Subject     string `json:"subject"`
	HTMLContent string `gorm:"type:text" json:"html_content"`
	TextContent string `gorm:"type:text" json:"text_content"` // SMS body or call script
}
