// Package messaging delivers patient-facing messages through a pluggable provider.
package messaging

import (
	"context"
	"errors"
	"fmt"
	"regexp"

	"github.com/BTreeMap/ScanPipe/internal/models"
)

// MinPhoneDigits is the shortest number accepted as a recipient.
const MinPhoneDigits = 6

var (
	ErrServiceStopped   = errors.New("messaging service stopped")
	ErrEmptyRecipient   = errors.New("recipient cannot be empty")
	ErrInvalidRecipient = errors.New("invalid recipient")
)

var phoneNumberRegex = regexp.MustCompile(`[^0-9]`)

// InboundHandler receives patient messages that arrive over a push channel (WhatsApp).
// Webhook-based providers deliver through the HTTP API instead.
type InboundHandler func(ctx context.Context, evt models.InboundEvent)

// Service defines a pluggable message delivery abstraction.
type Service interface {
	// ValidateAndCanonicalizeRecipient validates and canonicalizes a recipient identifier.
	// Returns the canonicalized recipient and an error if validation fails.
	ValidateAndCanonicalizeRecipient(recipient string) (string, error)

	// SendMessage delivers body to a recipient. It either succeeds or returns an error.
	SendMessage(ctx context.Context, to string, body string) error

	// Start begins any background processing (e.g., listening for events).
	Start(ctx context.Context) error

	// Stop stops background processing and cleans up resources.
	Stop() error
}

// CanonicalizePhone strips formatting from a phone number and returns it in "+<digits>" form.
func CanonicalizePhone(recipient string) (string, error) {
	if recipient == "" {
		return "", ErrEmptyRecipient
	}
	digits := phoneNumberRegex.ReplaceAllString(recipient, "")
	if digits == "" {
		return "", fmt.Errorf("%w: no digits found in %q", ErrInvalidRecipient, recipient)
	}
	if len(digits) < MinPhoneDigits {
		return "", fmt.Errorf("%w: %q is too short (minimum %d digits required)", ErrInvalidRecipient, digits, MinPhoneDigits)
	}
	return "+" + digits, nil
}
