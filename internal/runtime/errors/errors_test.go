package errors

import (
	"errors"
	"fmt"
	"strings"
	"testing"
)

func TestSentinelErrorsCarryPrefix(t *testing.T) {
	sentinels := []error{
		ErrConfigRequired,
		ErrInvalidSubscriber,
		ErrInvalidAssociate,
		ErrMissingLifecycle,
		ErrDuplicateEventID,
		ErrNodeAddressConflict,
		ErrMalformedMessage,
	}

	for _, err := range sentinels {
		if !strings.HasPrefix(err.Error(), "ella: ") {
			t.Errorf("%q is missing the ella prefix", err.Error())
		}
	}
}

func TestSentinelsSurviveWrapping(t *testing.T) {
	err := fmt.Errorf("publisher %q: %w", "sensor", ErrDuplicateEventID)
	if !errors.Is(err, ErrDuplicateEventID) {
		t.Fatalf("expected wrapped sentinel to match, got %v", err)
	}
}

func TestConfigValidationError(t *testing.T) {
	inner := errors.New("invalid port")
	err := ConfigValidationError{Err: inner}

	want := "ella: invalid configuration: invalid port"
	if got := err.Error(); got != want {
		t.Errorf("Error() = %q, want %q", got, want)
	}
	if unwrapped := err.Unwrap(); unwrapped != inner {
		t.Errorf("Unwrap() = %v, want %v", unwrapped, inner)
	}
}

func TestNewConfigValidationError(t *testing.T) {
	t.Run("nil error returns nil", func(t *testing.T) {
		if err := NewConfigValidationError(nil); err != nil {
			t.Errorf("NewConfigValidationError(nil) = %v, want nil", err)
		}
	})

	t.Run("errors.Is works with wrapped error", func(t *testing.T) {
		inner := errors.New("specific error")
		err := NewConfigValidationError(inner)

		var cfgErr ConfigValidationError
		if !errors.As(err, &cfgErr) {
			t.Fatalf("expected ConfigValidationError, got %T", err)
		}
		if !errors.Is(err, inner) {
			t.Error("errors.Is should match wrapped error")
		}
	})
}
