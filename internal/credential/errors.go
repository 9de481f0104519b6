package credential

import (
	"errors"
	"fmt"
	"strings"

	"github.com/pipali/pipali/internal/protocol"
)

// AuthError marks a failure that a credential refresh might fix
// (expired or revoked access token, 401-equivalent).
type AuthError struct {
	Status int
	Reason string
}

func (e *AuthError) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("authentication failed (status %d): %s", e.Status, e.Reason)
	}
	return "authentication failed: " + e.Reason
}

// BillingError marks a billing/quota failure. Retrying cannot change a
// billing outcome, so these are never retried.
type BillingError struct {
	Info protocol.BillingError
}

func (e *BillingError) Error() string {
	return fmt.Sprintf("billing error %s: %s", e.Info.Code, e.Info.Message)
}

// IsAuth reports whether err looks like a credential failure, either a
// typed AuthError or a credential-shaped error body from an upstream
// SDK.
func IsAuth(err error) bool {
	if err == nil {
		return false
	}
	var ae *AuthError
	if errors.As(err, &ae) {
		return true
	}
	msg := strings.ToLower(err.Error())
	for _, marker := range []string{"401", "unauthorized", "authentication_error", "invalid api key", "token expired"} {
		if strings.Contains(msg, marker) {
			return true
		}
	}
	return false
}

// IsBilling reports whether err is a billing/quota failure.
func IsBilling(err error) bool {
	if err == nil {
		return false
	}
	var be *BillingError
	if errors.As(err, &be) {
		return true
	}
	msg := strings.ToLower(err.Error())
	for _, marker := range []string{"402", "billing_error", "insufficient credits", "credit balance", "spend limit"} {
		if strings.Contains(msg, marker) {
			return true
		}
	}
	return false
}

// AsBilling extracts the billing payload from err, if any.
func AsBilling(err error) (*BillingError, bool) {
	var be *BillingError
	if errors.As(err, &be) {
		return be, true
	}
	return nil, false
}
