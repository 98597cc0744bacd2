package services

import (
	"context"
	"errors"
	"fmt"

	"github.com/gofiber/fiber/v2/log"
	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/example/mentwel/internal/models"
)

// DefaultPackages is the catalog every fresh deployment starts with.
var DefaultPackages = []models.SessionPackage{
	{Name: "Single Session", Description: "One therapy session", SessionCount: 1, DurationDays: 30, Price: 500000},
	{Name: "Starter Pack", Description: "Three sessions to get started", SessionCount: 3, DurationDays: 90, Price: 1350000},
	{Name: "Monthly Plan", Description: "Eight sessions per month", SessionCount: 8, DurationDays: 30, Price: 3200000},
	{Name: "Quarterly Plan", Description: "Twenty-four sessions over three months", SessionCount: 24, DurationDays: 90, Price: 9000000},
}

// PackageChanges holds the fields an administrator may edit. Nil fields are
// left untouched.
type PackageChanges struct {
	Name         *string
	Description  *string
	SessionCount *int
	DurationDays *int
	Price        *int64
	IsActive     *bool
}

func (c PackageChanges) touchesTerms() bool {
	return c.SessionCount != nil || c.DurationDays != nil || c.Price != nil
}

// CatalogService manages the purchasable session packages.
type CatalogService struct {
	db *gorm.DB
}

// NewCatalogService creates a CatalogService.
func NewCatalogService(db *gorm.DB) *CatalogService {
	return &CatalogService{db: db}
}

// ListActive returns every package currently on sale, cheapest first.
func (s *CatalogService) ListActive(ctx context.Context) ([]models.SessionPackage, error) {
	var pkgs []models.SessionPackage
	if err := s.db.WithContext(ctx).
		Where("is_active = ?", true).
		Order("price asc").
		Find(&pkgs).Error; err != nil {
		return nil, err
	}
	return pkgs, nil
}

// ListAll returns every package, including deactivated ones.
func (s *CatalogService) ListAll(ctx context.Context) ([]models.SessionPackage, error) {
	var pkgs []models.SessionPackage
	if err := s.db.WithContext(ctx).Order("price asc").Find(&pkgs).Error; err != nil {
		return nil, err
	}
	return pkgs, nil
}

// Get loads a package by id.
func (s *CatalogService) Get(ctx context.Context, id uuid.UUID) (*models.SessionPackage, error) {
	var pkg models.SessionPackage
	if err := s.db.WithContext(ctx).First(&pkg, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &pkg, nil
}

// Create validates and stores a new package.
func (s *CatalogService) Create(ctx context.Context, pkg *models.SessionPackage) error {
	if err := pkg.Validate(); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidPackage, err)
	}
	return s.db.WithContext(ctx).Create(pkg).Error
}

// Update applies changes to a package. Once a settled payment references the
// package its session count, duration and price are frozen.
func (s *CatalogService) Update(ctx context.Context, id uuid.UUID, changes PackageChanges) (*models.SessionPackage, error) {
	var out *models.SessionPackage
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var pkg models.SessionPackage
		if err := forUpdate(tx).First(&pkg, "id = ?", id).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return ErrNotFound
			}
			return err
		}

		if changes.touchesTerms() {
			inUse, err := packageInUse(tx, pkg.ID)
			if err != nil {
				return err
			}
			if inUse {
				return ErrPackageInUse
			}
		}

		if changes.Name != nil {
			pkg.Name = *changes.Name
		}
		if changes.Description != nil {
			pkg.Description = *changes.Description
		}
		if changes.SessionCount != nil {
			pkg.SessionCount = *changes.SessionCount
		}
		if changes.DurationDays != nil {
			pkg.DurationDays = *changes.DurationDays
		}
		if changes.Price != nil {
			pkg.Price = *changes.Price
		}
		if changes.IsActive != nil {
			pkg.IsActive = *changes.IsActive
		}
		if err := pkg.Validate(); err != nil {
			return fmt.Errorf("%w: %v", ErrInvalidPackage, err)
		}

		if err := tx.Save(&pkg).Error; err != nil {
			return err
		}
		out = &pkg
		return nil
	})
	return out, err
}

// Deactivate takes a package off sale. Existing purchases are unaffected.
func (s *CatalogService) Deactivate(ctx context.Context, id uuid.UUID) error {
	res := s.db.WithContext(ctx).
		Model(&models.SessionPackage{}).
		Where("id = ?", id).
		Update("is_active", false)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// SeedDefaults inserts DefaultPackages that are missing by name. It returns
// the number of packages created.
func (s *CatalogService) SeedDefaults(ctx context.Context) (int, error) {
	created := 0
	for _, def := range DefaultPackages {
		pkg := def
		var existing models.SessionPackage
		err := s.db.WithContext(ctx).Where("name = ?", pkg.Name).First(&existing).Error
		if err == nil {
			continue
		}
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			return created, err
		}
		pkg.IsActive = true
		if err := s.db.WithContext(ctx).Create(&pkg).Error; err != nil {
			return created, fmt.Errorf("seed package %q: %w", pkg.Name, err)
		}
		created++
		log.Infof("[Catalog] seeded package %q", pkg.Name)
	}
	return created, nil
}

func packageInUse(tx *gorm.DB, packageID uuid.UUID) (bool, error) {
	var count int64
	err := tx.Model(&models.PaymentTransaction{}).
		Where("package_id = ? AND status IN ?", packageID,
			[]models.PaymentStatus{models.PaymentStatusVerified, models.PaymentStatusRefunded}).
		Count(&count).Error
	return count > 0, err
}
