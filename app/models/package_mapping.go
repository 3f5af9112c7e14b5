package models

import "time"

// PackageMapping maps provider-specific plan references (price/tier IDs) to
// internal credit packages. Invoice normalization refuses events whose price
// has no active mapping.
type PackageMapping struct {
	ID              uint      `gorm:"primaryKey" json:"id"`
	Provider        string    `gorm:"type:varchar(20);not null;index:ux_package_mappings_ref,unique,priority:1;index" json:"provider"`
	ProviderPlanRef string    `gorm:"type:varchar(191);not null;index:ux_package_mappings_ref,unique,priority:2" json:"provider_plan_ref"`
	PackageSlug     string    `gorm:"type:varchar(100);not null;index" json:"package_slug"`
	IsActive        bool      `gorm:"default:true;index" json:"is_active"`
	CreatedAt       time.Time `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt       time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}
