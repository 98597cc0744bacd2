package handlers

import (
	"errors"
	"net/url"
	"reflect"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/log"
	"github.com/google/uuid"

	"github.com/example/mentwel/internal/middleware"
	"github.com/example/mentwel/internal/services"
)

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New()
	v.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name := strings.SplitN(fld.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}

// ValidationError carries per-field messages for a rejected request body.
type ValidationError struct {
	Fields url.Values
}

func (e *ValidationError) Error() string {
	return "validation failed"
}

// parseAndValidate decodes the JSON body into out and runs struct validation.
func parseAndValidate(c *fiber.Ctx, out interface{}) error {
	if err := c.BodyParser(out); err != nil {
		return fiber.NewError(fiber.StatusBadRequest, "invalid request body")
	}
	if err := validate.Struct(out); err != nil {
		return &ValidationError{Fields: formatValidationErrors(err)}
	}
	return nil
}

func formatValidationErrors(err error) url.Values {
	fields := url.Values{}
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		fields.Add("general", err.Error())
		return fields
	}
	for _, fe := range verrs {
		fields.Add(fe.Field(), validationMessage(fe))
	}
	return fields
}

func validationMessage(fe validator.FieldError) string {
	switch fe.Tag() {
	case "required":
		return "this field is required"
	case "uuid":
		return "must be a UUID"
	case "gt":
		return "must be greater than " + fe.Param()
	case "max":
		return "must be at most " + fe.Param() + " characters"
	default:
		return "invalid value (" + fe.Tag() + ")"
	}
}

// ErrorHandler renders every error returned by a handler as JSON.
func ErrorHandler(c *fiber.Ctx, err error) error {
	var verr *ValidationError
	if errors.As(err, &verr) {
		return c.Status(fiber.StatusUnprocessableEntity).JSON(fiber.Map{
			"success": false,
			"error": fiber.Map{
				"code":    "ValidationFailed",
				"message": verr.Error(),
				"fields":  verr.Fields,
			},
		})
	}

	if de, ok := services.AsError(err); ok {
		return c.Status(de.Status).JSON(fiber.Map{
			"success": false,
			"error": fiber.Map{
				"code":    de.Name,
				"message": de.Message,
			},
		})
	}

	var fe *fiber.Error
	if errors.As(err, &fe) {
		return c.Status(fe.Code).JSON(fiber.Map{
			"success": false,
			"error": fiber.Map{
				"code":    strings.ReplaceAll(strings.ToUpper(fe.Message), " ", "_"),
				"message": fe.Message,
			},
		})
	}

	log.Errorf("[HTTP] %s %s: %v", c.Method(), c.Path(), err)
	return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
		"success": false,
		"error": fiber.Map{
			"code":    "INTERNAL",
			"message": "internal server error",
		},
	})
}

func currentUser(c *fiber.Ctx) (uuid.UUID, error) {
	id, ok := middleware.GetCurrentUserID(c)
	if !ok {
		return uuid.Nil, fiber.NewError(fiber.StatusUnauthorized, "unauthorized")
	}
	return id, nil
}

func paramUUID(c *fiber.Ctx, name string) (uuid.UUID, error) {
	return parseUUID(c.Params(name), name)
}

func parseUUID(value, name string) (uuid.UUID, error) {
	id, err := uuid.Parse(value)
	if err != nil {
		return uuid.Nil, fiber.NewError(fiber.StatusBadRequest, "invalid "+name)
	}
	return id, nil
}

func paginated(c *fiber.Ctx, data interface{}, page, limit int, total int64) error {
	return c.JSON(fiber.Map{
		"success": true,
		"data":    data,
		"pagination": fiber.Map{
			"current_page":   page,
			"items_per_page": limit,
			"total_items":    total,
		},
	})
}
