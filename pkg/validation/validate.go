// Package validation checks request and producer payloads with struct tags
package validation

import (
	"errors"
	"fmt"
	"strings"

	"github.com/go-playground/validator/v10"

	apperrors "github.com/Ramsey-B/fern/pkg/errors"
)

var validate = validator.New(validator.WithRequiredStructEnabled())

// Struct validates value and converts failures into a Validation error
// listing every failed field.
func Struct(value any) error {
	err := validate.Struct(value)
	if err == nil {
		return nil
	}

	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return apperrors.Validation("invalid payload: %v", err)
	}

	fields := make([]string, 0, len(verrs))
	messages := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		fields = append(fields, fe.Namespace())
		messages = append(messages, describe(fe))
	}

	return apperrors.Validation("%s", strings.Join(messages, "; ")).
		With("fields", strings.Join(fields, ","))
}

func describe(fe validator.FieldError) string {
	switch fe.Tag() {
	case "required":
		return fmt.Sprintf("%s is required", fe.Field())
	case "oneof":
		return fmt.Sprintf("%s must be one of [%s], got '%v'", fe.Field(), fe.Param(), fe.Value())
	case "min":
		return fmt.Sprintf("%s must have at least %s entries", fe.Field(), fe.Param())
	default:
		return fmt.Sprintf("%s failed rule '%s %s', got '%v'", fe.Field(), fe.Tag(), fe.Param(), fe.Value())
	}
}
