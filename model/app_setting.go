package model

import (
	"time"

	"gorm.io/gorm"
)

// AppSetting represents application-wide configuration settings. The
// continuation controller reads its feature flags from this table at the
// start of each decision instead of from process globals, so runtime
// toggling is a settings write.
type AppSetting struct {
	ID          uint           `gorm:"primaryKey" json:"id"`
	Key         string         `gorm:"uniqueIndex;not null" json:"key"`
	Value       string         `gorm:"type:text;not null" json:"value"`
	Type        string         `gorm:"type:varchar(20);default:'string'" json:"type"` // string, int, bool, json
	Description string         `gorm:"type:text" json:"description"`
	Category    string         `gorm:"type:varchar(50)" json:"category"`
	CreatedAt   time.Time      `json:"created_at"`
	UpdatedAt   time.Time      `json:"updated_at"`
	DeletedAt   gorm.DeletedAt `gorm:"index" json:"-"`
}

// TableName specifies the table name for AppSetting
func (AppSetting) TableName() string {
	return "app_settings"
}

// Well-known setting keys for the continuation controller
const (
	SettingContinuationGlobalEnabled  = "continuation.global_enabled"
	SettingContinuationDefaultEnabled = "continuation.default_enabled"
	SettingContinuationMax            = "continuation.max_continuations"
	SettingContinuationRequireOptIn   = "continuation.require_opt_in"
)
