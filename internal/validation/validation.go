// Package validation provides input validation helpers for the API surface.
package validation

import (
	"net/http"
	"regexp"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/coinsub/coinsub/internal/money"
)

// MaxRequestSize is the maximum request body size (1MB)
const MaxRequestSize = 1 << 20 // 1MB

// MaxIssueLength caps dispute issue descriptions.
const MaxIssueLength = 4000

var (
	// currencyRegex validates short currency codes like USDT_BEP20
	currencyRegex = regexp.MustCompile(`^[A-Z0-9]{2,10}(_[A-Z0-9]{2,10})?$`)
	// idRegex validates generated identifiers (prefixed hex or uuid-like)
	idRegex = regexp.MustCompile(`^[a-z]{2,8}_[a-f0-9]{24}$|^[a-f0-9-]{36}$`)
	// addressRegex validates deposit addresses (0x-hex or base58-ish)
	addressRegex = regexp.MustCompile(`^0x[a-fA-F0-9]{40}$|^[1-9A-HJ-NP-Za-km-z]{26,62}$`)
)

// RequestSizeMiddleware limits request body size
func RequestSizeMiddleware(maxSize int64) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, maxSize)
		c.Next()
	}
}

// IsValidCurrency checks if a string is a supported-looking currency code.
func IsValidCurrency(code string) bool {
	return currencyRegex.MatchString(code)
}

// IsValidID checks if a string looks like an engine-generated identifier.
func IsValidID(id string) bool {
	return idRegex.MatchString(id)
}

// IsValidDepositAddress checks if a string is a plausible chain address.
func IsValidDepositAddress(addr string) bool {
	return addressRegex.MatchString(addr)
}

// SanitizeString trims whitespace, limits length, and strips null bytes.
func SanitizeString(s string, maxLen int) string {
	s = strings.TrimSpace(s)
	if len(s) > maxLen {
		s = s[:maxLen]
	}
	return strings.ReplaceAll(s, "\x00", "")
}

// ValidationError represents a validation error
type ValidationError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

// ValidationErrors is a collection of validation errors
type ValidationErrors []ValidationError

// Error implements the error interface
func (e ValidationErrors) Error() string {
	if len(e) == 0 {
		return "validation failed"
	}
	return e[0].Field + ": " + e[0].Message
}

// Validate validates a request and returns errors
func Validate(validators ...func() *ValidationError) ValidationErrors {
	var errors ValidationErrors
	for _, v := range validators {
		if err := v(); err != nil {
			errors = append(errors, *err)
		}
	}
	return errors
}

// Required checks if a field is non-empty
func Required(field, value string) func() *ValidationError {
	return func() *ValidationError {
		if strings.TrimSpace(value) == "" {
			return &ValidationError{Field: field, Message: "is required"}
		}
		return nil
	}
}

// ValidCurrency checks if a field is a valid currency code.
func ValidCurrency(field, value string) func() *ValidationError {
	return func() *ValidationError {
		if value == "" {
			return nil // Use Required for required fields
		}
		if !IsValidCurrency(value) {
			return &ValidationError{Field: field, Message: "must be a short currency code like USDT_BEP20"}
		}
		return nil
	}
}

// ValidAmount checks if a field is a positive fixed-point amount.
func ValidAmount(field, value string) func() *ValidationError {
	return func() *ValidationError {
		if value == "" {
			return nil
		}
		if !money.IsPositive(value) {
			return &ValidationError{Field: field, Message: "must be a positive decimal with at most 8 fractional digits"}
		}
		return nil
	}
}

// MaxLength checks if a field exceeds max length
func MaxLength(field, value string, max int) func() *ValidationError {
	return func() *ValidationError {
		if len(value) > max {
			return &ValidationError{Field: field, Message: "exceeds maximum length"}
		}
		return nil
	}
}
