package domain

import "errors"

var (
	// ErrTransport wraps a transport failure that survived the envelope's retries.
	ErrTransport = errors.New("transport error")
	// ErrTimeout is delivered once when a call's timer fires before any reply.
	ErrTimeout = errors.New("call timed out")
	// ErrCapabilityNotFound means no worker provides the capability at all.
	ErrCapabilityNotFound = errors.New("capability not found")
	// ErrRegistrationRejected is returned when the probe-before-accept fails.
	ErrRegistrationRejected = errors.New("registration rejected")
	// ErrMissingAddress is returned for a registration without a host or port.
	ErrMissingAddress = errors.New("worker address is missing")
	// ErrEmptyCapability is returned for queries with an empty capability name.
	ErrEmptyCapability = errors.New("capability name is empty")
	// ErrInvalidRecord is returned for a registration that fails validation.
	ErrInvalidRecord = errors.New("invalid worker record")
)
