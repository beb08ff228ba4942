package config

import (
	"fmt"
	"strings"

	"github.com/go-playground/validator/v10"
)

var structValidator = validator.New()

// Validate checks a Config for internal consistency using the struct tags
// declared on Config and its nested types. It is run after ApplyDefaults,
// so zero-value fields that were left unset by the caller have already been
// filled in; a validation failure at this point means the resulting
// configuration is genuinely unusable, not merely incomplete.
func Validate(cfg *Config) error {
	if err := structValidator.Struct(cfg); err != nil {
		validationErrs, ok := err.(validator.ValidationErrors)
		if !ok {
			return err
		}

		var msgs []string
		for _, fe := range validationErrs {
			msgs = append(msgs, formatFieldError(fe))
		}
		return fmt.Errorf("invalid configuration: %s", strings.Join(msgs, "; "))
	}

	return nil
}

// formatFieldError renders a single validator.FieldError as a human-readable
// message naming the field, the violated tag, and (for comparison tags) the
// expected value.
func formatFieldError(fe validator.FieldError) string {
	field := fe.Namespace()

	switch fe.Tag() {
	case "required":
		return fmt.Sprintf("%s is required", field)
	case "min":
		return fmt.Sprintf("%s must be >= %s", field, fe.Param())
	case "max":
		return fmt.Sprintf("%s must be <= %s", field, fe.Param())
	case "gt":
		return fmt.Sprintf("%s must be > %s", field, fe.Param())
	case "gtefield":
		return fmt.Sprintf("%s must be >= %s", field, fe.Param())
	case "oneof":
		return fmt.Sprintf("%s must be one of [%s]", field, fe.Param())
	default:
		return fmt.Sprintf("%s failed %s validation", field, fe.Tag())
	}
}
