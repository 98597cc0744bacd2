package models

import "fmt"

// SessionPackage is a purchasable bundle of therapy sessions. Price is kept in
// minor units (kobo) so amounts compare exactly.
type SessionPackage struct {
	BaseModel
	Name         string `gorm:"uniqueIndex;size:120;not null" json:"name"`
	Description  string `json:"description"`
	SessionCount int    `gorm:"not null" json:"session_count"`
	DurationDays int    `gorm:"not null" json:"duration_days"`
	Price        int64  `gorm:"not null" json:"price"`
	IsActive     bool   `gorm:"not null;default:true;index" json:"is_active"`
}

// PackageSnapshot freezes the parts of a package a purchase depends on.
type PackageSnapshot struct {
	PackageName  string `gorm:"size:120" json:"package_name"`
	SessionCount int    `gorm:"not null" json:"session_count"`
	DurationDays int    `gorm:"not null" json:"duration_days"`
}

// Snapshot captures the current terms of the package.
func (p *SessionPackage) Snapshot() PackageSnapshot {
	return PackageSnapshot{
		PackageName:  p.Name,
		SessionCount: p.SessionCount,
		DurationDays: p.DurationDays,
	}
}

// Validate checks the positivity constraints on a package.
func (p *SessionPackage) Validate() error {
	switch {
	case p.Name == "":
		return fmt.Errorf("package name is required")
	case p.SessionCount <= 0:
		return fmt.Errorf("session_count must be positive")
	case p.DurationDays <= 0:
		return fmt.Errorf("duration_days must be positive")
	case p.Price <= 0:
		return fmt.Errorf("price must be positive")
	}
	return nil
}
