package schema

import (
	"errors"
	"fmt"
	"regexp"
	"strings"

	"github.com/go-playground/validator/v10"

	gerrors "abuse-guard/internal/errors"
)

// identifierPattern accepts typed identifiers such as "ip:203.0.113.7",
// "ip:2001:db8::1" or "user:42". No whitespace, no slashes.
var identifierPattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9._:@\-\[\]]*$`)

// Validator checks events at the ingestion boundary.
type Validator struct {
	validate *validator.Validate
}

// NewValidator creates a new Validator.
func NewValidator() *Validator {
	v := validator.New()

	v.RegisterValidation("identifier", func(fl validator.FieldLevel) bool {
		id := fl.Field().String()
		return id != GlobalIdentifier && identifierPattern.MatchString(id)
	})
	v.RegisterValidation("event_type", func(fl validator.FieldLevel) bool {
		return EventType(fl.Field().String()).Valid()
	})

	return &Validator{validate: v}
}

// Validate returns a KindValidation error describing the first problems
// found in event, or nil.
func (v *Validator) Validate(event *SecurityEvent) error {
	if event == nil {
		return gerrors.Validation("validate", "event is nil")
	}

	err := v.validate.Struct(event)
	if err == nil {
		return nil
	}

	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return gerrors.Validation("validate", "%v", err)
	}

	msgs := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		msgs = append(msgs, describe(fe))
	}
	return gerrors.Validation("validate", "%s", strings.Join(msgs, "; "))
}

func describe(fe validator.FieldError) string {
	field := strings.ToLower(fe.Field())
	switch fe.Tag() {
	case "required":
		return fmt.Sprintf("%s is required", field)
	case "identifier":
		return "identifier is malformed or reserved"
	case "event_type":
		return fmt.Sprintf("unknown event type %q", fe.Value())
	case "max":
		if fe.Kind().String() == "map" {
			return fmt.Sprintf("metadata exceeds %d keys", MaxMetadataKeys)
		}
		return fmt.Sprintf("%s exceeds maximum length %s", field, fe.Param())
	case "printascii":
		return "metadata keys must be printable ASCII"
	default:
		return fmt.Sprintf("%s failed %s validation", field, fe.Tag())
	}
}
