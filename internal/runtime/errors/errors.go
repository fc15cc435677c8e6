package errors

import (
	sterrors "errors"
	"fmt"
)

var (
	ErrConfigRequired      = sterrors.New("ella: configuration is required")
	ErrLoggerRequired      = sterrors.New("ella: logger is required")
	ErrNodeClosed          = sterrors.New("ella: node is closed")
	ErrNodeNotStarted      = sterrors.New("ella: node is not started")
	ErrInvalidSubscriber   = sterrors.New("ella: subscriber must be a non-nil pointer")
	ErrInvalidPublisher    = sterrors.New("ella: publisher must be a non-nil pointer")
	ErrInvalidSender       = sterrors.New("ella: message sender must be a non-nil pointer")
	ErrCallbackRequired    = sterrors.New("ella: subscribe callback is required")
	ErrInvalidAssociate    = sterrors.New("ella: Associate must have the signature Associate(SubscriptionHandle, SubscriptionHandle)")
	ErrInvalidReceiver     = sterrors.New("ella: ReceiveMessage must have the signature ReceiveMessage(ApplicationMessage, bool)")
	ErrMissingLifecycle    = sterrors.New("ella: publisher must implement Events, Start and Stop")
	ErrNoEvents            = sterrors.New("ella: publisher declares no events")
	ErrDuplicateEventID    = sterrors.New("ella: duplicate event id within one publisher")
	ErrMissingDataType     = sterrors.New("ella: event descriptor has no data type")
	ErrPublisherRunning    = sterrors.New("ella: publisher is already started")
	ErrPublisherNotRunning = sterrors.New("ella: publisher is not started")
	ErrUnknownEvent        = sterrors.New("ella: event is not declared by the publisher")
	ErrPayloadType         = sterrors.New("ella: payload type does not match the event data type")
	ErrModuleNameRequired  = sterrors.New("ella: module name is required")
	ErrModuleFactory       = sterrors.New("ella: module factory is required")
	ErrModuleKind          = sterrors.New("ella: unknown module kind")
	ErrModuleExists        = sterrors.New("ella: module is already registered")
	ErrModuleNotFound      = sterrors.New("ella: module is not registered")
	ErrNodeAddressConflict = sterrors.New("ella: node id announced from a different address")
	ErrMalformedMessage    = sterrors.New("ella: malformed wire message")
	ErrUnknownNode         = sterrors.New("ella: node is not known")
	ErrMessageTooLarge     = sterrors.New("ella: wire message exceeds the transport message limit")
	ErrNoReceiver          = sterrors.New("ella: no module receives the application message")
)

// ConfigValidationError marks errors returned by configuration validation.
type ConfigValidationError struct {
	Err error
}

func (e ConfigValidationError) Error() string {
	return fmt.Sprintf("ella: invalid configuration: %v", e.Err)
}

func (e ConfigValidationError) Unwrap() error { return e.Err }

// NewConfigValidationError wraps err, returning nil when err is nil.
func NewConfigValidationError(err error) error {
	if err == nil {
		return nil
	}
	return ConfigValidationError{Err: err}
}
