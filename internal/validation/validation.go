// Package validation provides request input validation helpers shared
// by the HTTP handlers.
package validation

import (
	"net/http"
	"regexp"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/sikafo/trustpay/internal/money"
)

// MaxRequestSize is the maximum request body size (1MB).
const MaxRequestSize = 1 << 20

// MaxStringLength is the maximum length for free-text fields.
const MaxStringLength = 10000

// ghanaPhoneRegex accepts MSISDNs in +233XXXXXXXXX or local 0XXXXXXXXX form.
var ghanaPhoneRegex = regexp.MustCompile(`^(\+233\d{9}|0\d{9})$`)

// idRegex bounds the identifiers clients send for users, jobs and orders.
var idRegex = regexp.MustCompile(`^[a-zA-Z0-9_\-]{1,64}$`)

// RequestSizeMiddleware limits request body size.
func RequestSizeMiddleware(maxSize int64) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, maxSize)
		c.Next()
	}
}

// IsValidGhanaPhone checks a Ghanaian mobile number.
func IsValidGhanaPhone(s string) bool {
	return ghanaPhoneRegex.MatchString(s)
}

// IsValidID checks an external identifier.
func IsValidID(s string) bool {
	return idRegex.MatchString(s)
}

// NormalizePhone converts a local 0XXXXXXXXX number to +233 form.
func NormalizePhone(s string) string {
	s = strings.TrimSpace(s)
	if strings.HasPrefix(s, "0") && len(s) == 10 {
		return "+233" + s[1:]
	}
	return s
}

// SanitizeString trims, bounds, and strips null bytes from free text.
func SanitizeString(s string, maxLen int) string {
	s = strings.TrimSpace(s)
	if len(s) > maxLen {
		s = s[:maxLen]
	}
	return strings.ReplaceAll(s, "\x00", "")
}

// ValidationError names one bad field.
type ValidationError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

// ValidationErrors is a collection of validation errors.
type ValidationErrors []ValidationError

func (e ValidationErrors) Error() string {
	if len(e) == 0 {
		return "validation failed"
	}
	return e[0].Field + ": " + e[0].Message
}

// Validate runs the given field validators and collects their errors.
func Validate(validators ...func() *ValidationError) ValidationErrors {
	var errs ValidationErrors
	for _, v := range validators {
		if err := v(); err != nil {
			errs = append(errs, *err)
		}
	}
	return errs
}

// Required checks that a field is non-empty.
func Required(field, value string) func() *ValidationError {
	return func() *ValidationError {
		if strings.TrimSpace(value) == "" {
			return &ValidationError{Field: field, Message: "is required"}
		}
		return nil
	}
}

// ValidID checks an identifier field. Empty passes; use Required too
// for mandatory fields.
func ValidID(field, value string) func() *ValidationError {
	return func() *ValidationError {
		if value == "" {
			return nil
		}
		if !IsValidID(value) {
			return &ValidationError{Field: field, Message: "must be 1-64 characters of letters, digits, _ or -"}
		}
		return nil
	}
}

// ValidAmount checks a positive decimal money amount.
func ValidAmount(field, value string) func() *ValidationError {
	return func() *ValidationError {
		if value == "" {
			return nil
		}
		if !money.IsPositive(value) {
			return &ValidationError{Field: field, Message: "must be a positive amount with at most 2 decimal places"}
		}
		return nil
	}
}

// ValidCurrency checks a supported currency code.
func ValidCurrency(field, value string) func() *ValidationError {
	return func() *ValidationError {
		if value == "" {
			return nil
		}
		if !money.ValidCurrency(value) {
			return &ValidationError{Field: field, Message: "is not a supported currency"}
		}
		return nil
	}
}

// ValidPhone checks a Ghanaian phone number field.
func ValidPhone(field, value string) func() *ValidationError {
	return func() *ValidationError {
		if value == "" {
			return nil
		}
		if !IsValidGhanaPhone(value) {
			return &ValidationError{Field: field, Message: "must be a Ghanaian number (+233XXXXXXXXX or 0XXXXXXXXX)"}
		}
		return nil
	}
}
