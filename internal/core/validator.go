package core

import (
	"errors"
	"log/slog"
	"reflect"
	"regexp"
	"strings"

	"github.com/go-playground/validator/v10"

	"stockmeter/internal/types"
)

var accountIDPattern = regexp.MustCompile(`^[A-Za-z0-9_-]{1,64}$`)

// Validator wraps go-playground/validator with the billing tags:
//
//	tier       - a known pricing tier name
//	interval   - monthly or yearly
//	account_id - 1-64 characters of [A-Za-z0-9_-]
//
// Field names in error details use the json tag.
type Validator struct {
	validate *validator.Validate
	logger   *slog.Logger
}

// NewValidator creates a Validator with the custom tags registered.
func NewValidator(logger *slog.Logger) *Validator {
	if logger == nil {
		logger = slog.Default()
	}

	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name := strings.SplitN(f.Tag.Get("json"), ",", 2)[0]
		if name == "-" || name == "" {
			return f.Name
		}
		return name
	})

	must := func(tag string, fn validator.Func) {
		if err := v.RegisterValidation(tag, fn); err != nil {
			panic("registering validation " + tag + ": " + err.Error())
		}
	}
	must("tier", func(fl validator.FieldLevel) bool {
		switch types.TierName(fl.Field().String()) {
		case types.TierFree, types.TierBusiness, types.TierEnterprise:
			return true
		}
		return false
	})
	must("interval", func(fl validator.FieldLevel) bool {
		switch types.BillingInterval(fl.Field().String()) {
		case types.IntervalMonthly, types.IntervalYearly:
			return true
		}
		return false
	})
	must("account_id", func(fl validator.FieldLevel) bool {
		return accountIDPattern.MatchString(fl.Field().String())
	})

	return &Validator{validate: v, logger: logger}
}

// ValidateStruct validates s and returns a validation_invalid_value AppError
// whose details map each failing field to the tag it failed.
func (v *Validator) ValidateStruct(s any) error {
	err := v.validate.Struct(s)
	if err == nil {
		return nil
	}

	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		v.logger.Error("validator misuse", "error", err)
		return types.NewAppError(types.ErrCodeInternalUnexpected, "request validation failed", err)
	}

	fields := make(map[string]any, len(verrs))
	for _, fe := range verrs {
		fields[fe.Field()] = fe.Tag()
	}

	code := types.ErrCodeValidationInvalidValue
	for _, fe := range verrs {
		if fe.Tag() == "required" {
			code = types.ErrCodeValidationMissingField
			break
		}
	}

	return types.NewAppErrorWithDetails(code, "request validation failed", err, map[string]any{"fields": fields})
}

// ValidAccountID reports whether id is an acceptable account identifier.
func ValidAccountID(id string) bool {
	return accountIDPattern.MatchString(id)
}
