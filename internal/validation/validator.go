package validation

import (
	"reflect"
	"regexp"
	"strings"

	validatorv10 "github.com/go-playground/validator/v10"
)

// item keys are the five-digit photo numbers from the legacy ledger
var itemKeyPattern = regexp.MustCompile(`^\d{5}$`)

// New returns a configured validator with the custom itemkey tag registered.
// Field errors are reported under the wire (json) names so storefront
// clients can match them to their request payloads.
func New() *validatorv10.Validate {
	v := validatorv10.New()

	v.RegisterValidation("itemkey", func(fl validatorv10.FieldLevel) bool {
		return itemKeyPattern.MatchString(fl.Field().String())
	})

	v.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name := strings.SplitN(fld.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})

	return v
}
