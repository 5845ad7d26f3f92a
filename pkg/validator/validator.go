// Package validator wraps go-playground/validator with the request-payload
// conventions used by the capture API: json field names in messages and a
// couple of domain rules shared across handlers.
package validator

import (
	"errors"
	"fmt"
	"reflect"
	"strings"
	"sync"

	"github.com/go-playground/validator/v10"
)

var (
	once     sync.Once
	validate *validator.Validate
)

// Domain rule tags registered on the shared validator.
const (
	TagSessionStatus = "session_status"
	TagRiskLevel     = "risk_level"
)

// FieldError describes one failed rule on one field, keyed by the json name
// clients actually sent.
type FieldError struct {
	Field string `json:"field"`
	Rule  string `json:"rule"`
	Param string `json:"param,omitempty"`
}

func (e FieldError) String() string {
	switch {
	case e.Rule == "required":
		return e.Field + " is required"
	case e.Param != "":
		return fmt.Sprintf("%s must satisfy %s=%s", e.Field, e.Rule, e.Param)
	default:
		return fmt.Sprintf("%s must satisfy %s", e.Field, e.Rule)
	}
}

// FieldErrors aggregates every failed rule for a payload.
type FieldErrors []FieldError

func (e FieldErrors) Error() string {
	if len(e) == 0 {
		return "validation failed"
	}
	parts := make([]string, len(e))
	for i, fe := range e {
		parts[i] = fe.String()
	}
	return strings.Join(parts, "; ")
}

// ValidateStruct checks a request payload against its binding tags.
func ValidateStruct(payload interface{}) error {
	err := shared().Struct(payload)
	if err == nil {
		return nil
	}

	var invalid validator.ValidationErrors
	if !errors.As(err, &invalid) {
		return err
	}

	failures := make(FieldErrors, 0, len(invalid))
	for _, fe := range invalid {
		failures = append(failures, FieldError{
			Field: fe.Field(),
			Rule:  fe.Tag(),
			Param: fe.Param(),
		})
	}
	return failures
}

// ValidateVar checks a single value against a rule expression, for query
// parameters that never pass through a struct binding.
func ValidateVar(field, value, rules string) error {
	if err := shared().Var(value, rules); err != nil {
		return FieldErrors{{Field: field, Rule: rules}}
	}
	return nil
}

func shared() *validator.Validate {
	once.Do(func() {
		validate = validator.New()
		validate.RegisterTagNameFunc(jsonFieldName)

		// Enumerations shared by the capture handlers and the vault.
		mustRegisterEnum(TagSessionStatus, "processing", "secure", "expired")
		mustRegisterEnum(TagRiskLevel, "low", "medium", "high")
	})
	return validate
}

func mustRegisterEnum(tag string, allowed ...string) {
	err := validate.RegisterValidation(tag, func(fl validator.FieldLevel) bool {
		value := fl.Field().String()
		for _, candidate := range allowed {
			if value == candidate {
				return true
			}
		}
		return false
	})
	if err != nil {
		panic(err)
	}
}

func jsonFieldName(fld reflect.StructField) string {
	name := fld.Tag.Get("json")
	if name == "" {
		return fld.Name
	}
	if comma := strings.Index(name, ","); comma != -1 {
		name = name[:comma]
	}
	if name == "" || name == "-" {
		return fld.Name
	}
	return name
}
