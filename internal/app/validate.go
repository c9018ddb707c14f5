package app

import (
	"errors"
	"fmt"
	"reflect"
	"strings"

	"github.com/go-playground/validator/v10"

	"kanban/api/internal/apperr"
	"kanban/api/internal/docid"
)

type requestValidator struct {
	validate *validator.Validate
}

func newRequestValidator() *requestValidator {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(field reflect.StructField) string {
		for _, tag := range []string{"json", "param", "query"} {
			name := strings.SplitN(field.Tag.Get(tag), ",", 2)[0]
			if name != "" && name != "-" {
				return name
			}
		}
		return field.Name
	})
	// Only fails on programmer error: the tag name is a constant.
	if err := v.RegisterValidation("docid", validateDocumentID); err != nil {
		panic(fmt.Sprintf("register docid validator: %v", err))
	}
	return &requestValidator{validate: v}
}

func validateDocumentID(fl validator.FieldLevel) bool {
	return docid.Validate(fl.Field().String()) == nil
}

// Struct validates target and converts failures into a VALIDATION error
// whose details name each bad field.
func (v *requestValidator) Struct(target any) error {
	err := v.validate.Struct(target)
	if err == nil {
		return nil
	}
	var fieldErrs validator.ValidationErrors
	if !errors.As(err, &fieldErrs) {
		return apperr.Validation("invalid request", err)
	}
	fields := make(map[string]any, len(fieldErrs))
	for _, fe := range fieldErrs {
		fields[fe.Field()] = fieldMessage(fe)
	}
	return apperr.Validation("invalid request", err).WithDetails(map[string]any{"fields": fields})
}

func fieldMessage(fe validator.FieldError) string {
	switch fe.Tag() {
	case "required":
		return "is required"
	case "docid":
		return "must be 1-255 characters of letters, digits, ':', '_' or '-'"
	case "hexadecimal":
		return "must be a hexadecimal commit hash"
	case "max":
		return "must be at most " + fe.Param()
	case "min", "gte":
		return "must be at least " + fe.Param()
	case "lte":
		return "must be at most " + fe.Param()
	default:
		return "failed " + fe.Tag()
	}
}
