// Package validator provides unified parameter validation for OpenRLE.
// It uses validator.v10 library and supports custom validation rules
// for configuration structures loaded at setup time.
package validator

import (
	"fmt"
	"reflect"
	"strings"
	"sync"

	"github.com/go-playground/validator/v10"
)

// ============================================================================
// Validator Instance
// ============================================================================

var (
	// Global validator instance
	validate *validator.Validate
	once     sync.Once
)

// Validator wraps go-playground validator with custom rules
type Validator struct {
	validator *validator.Validate
}

// ============================================================================
// Validator Initialization
// ============================================================================

// New creates a new validator instance with custom rules
func New() *Validator {
	v := validator.New()

	// Register custom tag name function
	v.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name := strings.SplitN(fld.Tag.Get("mapstructure"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})

	registerCustomValidations(v)

	return &Validator{validator: v}
}

// GetValidator returns the global validator instance
func GetValidator() *Validator {
	once.Do(func() {
		validate = validator.New()
		registerCustomValidations(validate)
	})
	return &Validator{validator: validate}
}

// registerCustomValidations installs domain rules used by config structs
func registerCustomValidations(v *validator.Validate) {
	// probability: float64 in [0, 1]
	_ = v.RegisterValidation("probability", func(fl validator.FieldLevel) bool {
		val := fl.Field().Float()
		return val >= 0.0 && val <= 1.0
	})

	// mode: one of the supported engine modes
	_ = v.RegisterValidation("mode", func(fl validator.FieldLevel) bool {
		switch strings.ToLower(fl.Field().String()) {
		case "train", "valid", "test":
			return true
		default:
			return false
		}
	})
}

// ============================================================================
// Validation
// ============================================================================

// Struct validates a struct using its validation tags
func (v *Validator) Struct(s interface{}) error {
	if err := v.validator.Struct(s); err != nil {
		if verrs, ok := err.(validator.ValidationErrors); ok {
			return formatValidationErrors(verrs)
		}
		return err
	}
	return nil
}

// formatValidationErrors flattens validator errors into one readable error
func formatValidationErrors(verrs validator.ValidationErrors) error {
	msgs := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		msgs = append(msgs, fmt.Sprintf("field '%s' failed rule '%s'", fe.Field(), fe.Tag()))
	}
	return fmt.Errorf("validation failed: %s", strings.Join(msgs, "; "))
}

//Personal.AI order the ending
