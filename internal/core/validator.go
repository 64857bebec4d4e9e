package core

import (
	"errors"
	"fmt"
	"log/slog"
	"reflect"
	"strings"

	"github.com/go-playground/validator/v10"

	"courier/internal/types"
)

// ValidationError describes one failing field, named by its JSON key.
type ValidationError struct {
	Field   string `json:"field"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

// ValidationResult collects every failing field of a payload.
type ValidationResult struct {
	Errors []ValidationError `json:"errors,omitempty"`
}

// IsValid reports whether no field failed.
func (r ValidationResult) IsValid() bool {
	return len(r.Errors) == 0
}

// Validator wraps go-playground/validator with JSON field names and the
// courier tags email_type and provider_kind.
type Validator struct {
	validate *validator.Validate
	logger   *slog.Logger
}

// NewValidator creates a Validator and registers the custom tags.
func NewValidator(logger *slog.Logger) *Validator {
	v := validator.New(validator.WithRequiredStructEnabled())

	v.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name := strings.SplitN(fld.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		if name == "" {
			return fld.Name
		}
		return name
	})

	// Registration only fails for empty tags or nil functions.
	_ = v.RegisterValidation("email_type", func(fl validator.FieldLevel) bool {
		return types.EmailType(fl.Field().String()).Valid()
	})
	_ = v.RegisterValidation("provider_kind", func(fl validator.FieldLevel) bool {
		_, ok := types.ParseProviderKind(fl.Field().String())
		return ok
	})

	if logger == nil {
		logger = slog.Default()
	}
	return &Validator{validate: v, logger: logger}
}

// Check runs struct validation and returns every failing field.
func (v *Validator) Check(s any) ValidationResult {
	var result ValidationResult

	err := v.validate.Struct(s)
	if err == nil {
		return result
	}

	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		v.logger.Error("struct validation misuse", "error", err)
		result.Errors = append(result.Errors, ValidationError{
			Field:   "",
			Code:    string(types.ErrCodeValidationInvalidField),
			Message: "payload could not be validated",
		})
		return result
	}

	for _, fe := range verrs {
		result.Errors = append(result.Errors, ValidationError{
			Field:   fieldPath(fe),
			Code:    string(tagToErrorCode(fe.Tag())),
			Message: fieldMessage(fe),
		})
	}
	return result
}

// ValidateStruct returns nil or a 400 AppError. The code comes from the
// first failing field; details list all of them.
func (v *Validator) ValidateStruct(s any) error {
	result := v.Check(s)
	if result.IsValid() {
		return nil
	}

	first := result.Errors[0]
	fields := make([]map[string]any, 0, len(result.Errors))
	for _, e := range result.Errors {
		fields = append(fields, map[string]any{"field": e.Field, "code": e.Code, "message": e.Message})
	}
	return types.NewAppErrorWithDetails(
		types.ErrorCode(first.Code),
		first.Message,
		nil,
		map[string]any{"fields": fields},
	)
}

// fieldPath drops the root struct name from the namespace
// ("IntegrationInput.smtpHost" becomes "smtpHost").
func fieldPath(fe validator.FieldError) string {
	ns := fe.Namespace()
	if i := strings.IndexByte(ns, '.'); i >= 0 {
		return ns[i+1:]
	}
	return fe.Field()
}

func tagToErrorCode(tag string) types.ErrorCode {
	switch tag {
	case "required", "required_if", "required_without":
		return types.ErrCodeValidationMissingField
	case "email":
		return types.ErrCodeValidationInvalidEmail
	case "provider_kind":
		return types.ErrCodeValidationInvalidProvider
	default:
		return types.ErrCodeValidationInvalidField
	}
}

func fieldMessage(fe validator.FieldError) string {
	field := fieldPath(fe)
	switch fe.Tag() {
	case "required", "required_if", "required_without":
		return fmt.Sprintf("%s is required", field)
	case "email":
		return fmt.Sprintf("%s must be a valid email address", field)
	case "oneof":
		return fmt.Sprintf("%s must be one of [%s]", field, fe.Param())
	case "max":
		return fmt.Sprintf("%s must be at most %s", field, fe.Param())
	case "min":
		return fmt.Sprintf("%s must be at least %s", field, fe.Param())
	case "email_type":
		return fmt.Sprintf("%s is not a known email type", field)
	case "provider_kind":
		return fmt.Sprintf("%s is not a known provider", field)
	default:
		return fmt.Sprintf("%s failed %s validation", field, fe.Tag())
	}
}
