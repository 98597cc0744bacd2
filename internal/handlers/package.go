package handlers

import (
	"github.com/gofiber/fiber/v2"

	"github.com/example/mentwel/internal/models"
	"github.com/example/mentwel/internal/services"
)

// PackageHandler serves the session package catalog.
type PackageHandler struct {
	catalog *services.CatalogService
}

// NewPackageHandler constructs PackageHandler.
func NewPackageHandler(catalog *services.CatalogService) *PackageHandler {
	return &PackageHandler{catalog: catalog}
}

type createPackageRequest struct {
	Name         string `json:"name" validate:"required,max=120"`
	Description  string `json:"description"`
	SessionCount int    `json:"session_count" validate:"required,gt=0"`
	DurationDays int    `json:"duration_days" validate:"required,gt=0"`
	Price        int64  `json:"price" validate:"required,gt=0"`
}

type updatePackageRequest struct {
	Name         *string `json:"name" validate:"omitempty,max=120"`
	Description  *string `json:"description"`
	SessionCount *int    `json:"session_count" validate:"omitempty,gt=0"`
	DurationDays *int    `json:"duration_days" validate:"omitempty,gt=0"`
	Price        *int64  `json:"price" validate:"omitempty,gt=0"`
	IsActive     *bool   `json:"is_active"`
}

// List returns the packages on sale.
func (h *PackageHandler) List(c *fiber.Ctx) error {
	pkgs, err := h.catalog.ListActive(c.UserContext())
	if err != nil {
		return err
	}
	return c.JSON(fiber.Map{"success": true, "data": pkgs})
}

// ListAll returns every package including deactivated ones.
func (h *PackageHandler) ListAll(c *fiber.Ctx) error {
	pkgs, err := h.catalog.ListAll(c.UserContext())
	if err != nil {
		return err
	}
	return c.JSON(fiber.Map{"success": true, "data": pkgs})
}

// Get returns one package.
func (h *PackageHandler) Get(c *fiber.Ctx) error {
	id, err := paramUUID(c, "id")
	if err != nil {
		return err
	}
	pkg, err := h.catalog.Get(c.UserContext(), id)
	if err != nil {
		return err
	}
	return c.JSON(fiber.Map{"success": true, "data": pkg})
}

// Create adds a package to the catalog.
func (h *PackageHandler) Create(c *fiber.Ctx) error {
	var req createPackageRequest
	if err := parseAndValidate(c, &req); err != nil {
		return err
	}

	pkg := models.SessionPackage{
		Name:         req.Name,
		Description:  req.Description,
		SessionCount: req.SessionCount,
		DurationDays: req.DurationDays,
		Price:        req.Price,
		IsActive:     true,
	}
	if err := h.catalog.Create(c.UserContext(), &pkg); err != nil {
		return err
	}
	return c.Status(fiber.StatusCreated).JSON(fiber.Map{"success": true, "data": pkg})
}

// Update edits a package. Terms are frozen once a payment was verified.
func (h *PackageHandler) Update(c *fiber.Ctx) error {
	id, err := paramUUID(c, "id")
	if err != nil {
		return err
	}
	var req updatePackageRequest
	if err := parseAndValidate(c, &req); err != nil {
		return err
	}

	pkg, err := h.catalog.Update(c.UserContext(), id, services.PackageChanges{
		Name:         req.Name,
		Description:  req.Description,
		SessionCount: req.SessionCount,
		DurationDays: req.DurationDays,
		Price:        req.Price,
		IsActive:     req.IsActive,
	})
	if err != nil {
		return err
	}
	return c.JSON(fiber.Map{"success": true, "data": pkg})
}

// Deactivate takes a package off sale.
func (h *PackageHandler) Deactivate(c *fiber.Ctx) error {
	id, err := paramUUID(c, "id")
	if err != nil {
		return err
	}
	if err := h.catalog.Deactivate(c.UserContext(), id); err != nil {
		return err
	}
	return c.JSON(fiber.Map{"success": true})
}
