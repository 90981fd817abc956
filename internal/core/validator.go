package core

import (
	"errors"
	"log/slog"
	"strings"

	"github.com/go-playground/validator/v10"

	"mentormail/internal/types"
)

// Validator wraps go-playground/validator so request structs are checked
// with the same tag vocabulary the config package uses.
type Validator struct {
	validate *validator.Validate
	logger   *slog.Logger
}

// NewValidator creates a new Validator.
func NewValidator(logger *slog.Logger) *Validator {
	return &Validator{
		validate: validator.New(),
		logger:   logger,
	}
}

// ValidationError describes a single failed field constraint.
type ValidationError struct {
	Field   string `json:"field"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

// ValidationResult aggregates field errors and non-blocking warnings.
type ValidationResult struct {
	Errors   []ValidationError
	Warnings []string
}

// IsValid reports whether the result carries no blocking errors. Warnings
// alone do not invalidate a request.
func (r ValidationResult) IsValid() bool {
	return len(r.Errors) == 0
}

// ValidateStruct checks a request struct against its validate tags. On
// failure it returns a *types.AppError with a per-field breakdown in
// Details, ready to hand to Error.
func (v *Validator) ValidateStruct(s interface{}) error {
	err := v.validate.Struct(s)
	if err == nil {
		return nil
	}

	var invalid *validator.InvalidValidationError
	if errors.As(err, &invalid) {
		// Programming error (e.g. non-struct argument), not client input.
		return types.NewAppError(types.ErrCodeInternalUnexpected, "validation misconfigured", err)
	}

	result := v.Collect(err)
	fields := make(map[string]any, len(result.Errors))
	for _, fe := range result.Errors {
		fields[fe.Field] = fe.Message
	}
	return types.NewAppErrorWithDetails(
		types.ErrCodeValidationMissingField,
		"request validation failed",
		err,
		fields,
	)
}

// Collect converts a validator error into a ValidationResult.
func (v *Validator) Collect(err error) ValidationResult {
	var result ValidationResult
	var fieldErrs validator.ValidationErrors
	if !errors.As(err, &fieldErrs) {
		result.Errors = append(result.Errors, ValidationError{
			Field:   "",
			Code:    "invalid",
			Message: err.Error(),
		})
		return result
	}

	for _, fe := range fieldErrs {
		result.Errors = append(result.Errors, ValidationError{
			Field:   strings.ToLower(fe.Field()),
			Code:    fe.Tag(),
			Message: messageForTag(fe),
		})
	}
	return result
}

// messageForTag renders a human-readable message for a field error.
func messageForTag(fe validator.FieldError) string {
	switch fe.Tag() {
	case "required":
		return "this field is required"
	case "email":
		return "must be a valid email address"
	case "url":
		return "must be a valid URL"
	case "oneof":
		return "must be one of: " + fe.Param()
	case "min":
		return "must be at least " + fe.Param()
	case "max":
		return "must be at most " + fe.Param()
	default:
		return "failed constraint: " + fe.Tag()
	}
}
