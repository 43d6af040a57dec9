package validate

import (
	"errors"
	"strings"

	"github.com/go-playground/validator/v10"
)

var structs = validator.New(validator.WithRequiredStructEnabled())

func Required(value string) bool {
	return strings.TrimSpace(value) != ""
}

// Struct checks validate tags and returns a short message naming the first
// offending field.
func Struct(v any) (string, bool) {
	err := structs.Struct(v)
	if err == nil {
		return "", true
	}
	var verrs validator.ValidationErrors
	if errors.As(err, &verrs) && len(verrs) > 0 {
		return "invalid field " + lowerFirst(verrs[0].Field()), false
	}
	return "request validation failed", false
}

func lowerFirst(s string) string {
	if s == "" {
		return s
	}
	return strings.ToLower(s[:1]) + s[1:]
}
