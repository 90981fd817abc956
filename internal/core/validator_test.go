package core

import (
	"errors"
	"testing"

	"mentormail/internal/types"
)

type scheduleRequestShape struct {
	SessionID string `validate:"required"`
	Recipient string `validate:"omitempty,email"`
	Limit     int    `validate:"omitempty,min=1,max=500"`
}

func TestValidationResultIsValid(t *testing.T) {
	t.Run("empty result is valid", func(t *testing.T) {
		r := ValidationResult{}
		if !r.IsValid() {
			t.Error("expected empty ValidationResult to be valid")
		}
	})

	t.Run("result with errors is not valid", func(t *testing.T) {
		r := ValidationResult{
			Errors: []ValidationError{{Field: "sessionid", Code: "required", Message: "required"}},
		}
		if r.IsValid() {
			t.Error("expected ValidationResult with errors to be invalid")
		}
	})

	t.Run("result with only warnings is valid", func(t *testing.T) {
		r := ValidationResult{
			Warnings: []string{"deprecated field"},
		}
		if !r.IsValid() {
			t.Error("expected ValidationResult with only warnings to be valid")
		}
	})
}

func TestValidateStructSuccess(t *testing.T) {
	v := NewValidator(testLogger())

	req := scheduleRequestShape{SessionID: "sess-1", Recipient: "ada@example.com", Limit: 50}
	if err := v.ValidateStruct(req); err != nil {
		t.Errorf("expected nil error, got: %v", err)
	}
}

func TestValidateStructMissingRequired(t *testing.T) {
	v := NewValidator(testLogger())

	err := v.ValidateStruct(scheduleRequestShape{})
	if err == nil {
		t.Fatal("ValidateStruct accepted empty required field")
	}

	var appErr *types.AppError
	if !errors.As(err, &appErr) {
		t.Fatalf("error type = %T, want *types.AppError", err)
	}
	if appErr.Code != types.ErrCodeValidationMissingField {
		t.Errorf("code = %q, want validation_missing_required_field", appErr.Code)
	}
	if _, ok := appErr.Details["sessionid"]; !ok {
		t.Errorf("details = %v, want sessionid entry", appErr.Details)
	}
}

func TestValidateStructInvalidEmail(t *testing.T) {
	v := NewValidator(testLogger())

	err := v.ValidateStruct(scheduleRequestShape{SessionID: "s", Recipient: "not-an-email"})
	if err == nil {
		t.Fatal("ValidateStruct accepted malformed email")
	}

	var appErr *types.AppError
	if !errors.As(err, &appErr) {
		t.Fatalf("error type = %T, want *types.AppError", err)
	}
	if got := appErr.Details["recipient"]; got != "must be a valid email address" {
		t.Errorf("details[recipient] = %v", got)
	}
}

func TestValidateStructRangeBounds(t *testing.T) {
	v := NewValidator(testLogger())

	if err := v.ValidateStruct(scheduleRequestShape{SessionID: "s", Limit: 1000}); err == nil {
		t.Error("ValidateStruct accepted limit over max")
	}
	if err := v.ValidateStruct(scheduleRequestShape{SessionID: "s", Limit: 500}); err != nil {
		t.Errorf("ValidateStruct rejected limit at max: %v", err)
	}
}

func TestValidateStructNonStruct(t *testing.T) {
	v := NewValidator(testLogger())

	err := v.ValidateStruct("not a struct")
	if err == nil {
		t.Fatal("ValidateStruct accepted a non-struct value")
	}

	var appErr *types.AppError
	if !errors.As(err, &appErr) || appErr.Code != types.ErrCodeInternalUnexpected {
		t.Errorf("expected internal_unexpected_error, got %v", err)
	}
}

func TestCollectMapsFieldErrors(t *testing.T) {
	v := NewValidator(testLogger())

	err := v.validate.Struct(scheduleRequestShape{Recipient: "bad"})
	if err == nil {
		t.Fatal("expected validation failure")
	}

	result := v.Collect(err)
	if result.IsValid() {
		t.Fatal("Collect produced a valid result for failing input")
	}
	if len(result.Errors) != 2 {
		t.Fatalf("got %d errors, want 2 (sessionid, recipient): %v", len(result.Errors), result.Errors)
	}
}
