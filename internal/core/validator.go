package core

import (
	"errors"
	"fmt"
	"log/slog"
	"reflect"
	"strings"

	"github.com/go-playground/validator/v10"

	"inactivity/internal/types"
)

// Validator wraps go-playground/validator and turns its field errors into a
// validation_invalid_query AppError listing the offending fields.
type Validator struct {
	validate *validator.Validate
	logger   *slog.Logger
}

func NewValidator(logger *slog.Logger) *Validator {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		return fieldName(f.Tag.Get("json"), f.Tag.Get("query"), f.Name)
	})
	return &Validator{validate: v, logger: logger}
}

// ValidateStruct returns nil or a *types.AppError whose details map each
// failing field to the tag that rejected it.
func (v *Validator) ValidateStruct(s any) error {
	err := v.validate.Struct(s)
	if err == nil {
		return nil
	}

	var fieldErrs validator.ValidationErrors
	if !errors.As(err, &fieldErrs) {
		v.logger.Error("validator misuse", "error", err)
		return types.NewAppError(types.ErrCodeInternalUnexpected, "request validation failed", err)
	}

	details := make(map[string]any, len(fieldErrs))
	msgs := make([]string, 0, len(fieldErrs))
	for _, fe := range fieldErrs {
		rule := fe.Tag()
		if fe.Param() != "" {
			rule += "=" + fe.Param()
		}
		details[fe.Field()] = rule
		msgs = append(msgs, fmt.Sprintf("%s failed %s", fe.Field(), rule))
	}
	return types.NewAppError(types.ErrCodeValidationInvalidQuery, strings.Join(msgs, "; "), err).
		WithDetails(details)
}

func fieldName(tags ...string) string {
	for _, t := range tags {
		name, _, _ := strings.Cut(t, ",")
		if name != "" && name != "-" {
			return name
		}
	}
	return ""
}
