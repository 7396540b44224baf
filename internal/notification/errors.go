package notification

import "errors"

var (
	// ErrConfigNotFound is returned when a channel's configuration is
	// entirely absent from the settings table. Optional channels treat
	// this as "skip delivery".
	ErrConfigNotFound = errors.New("notification: config not found")

	// ErrInvalidConfig is returned when a channel's configuration exists
	// but required fields are missing or malformed.
	ErrInvalidConfig = errors.New("notification: invalid config")

	// ErrSendFailed wraps any transport failure during delivery.
	ErrSendFailed = errors.New("notification: send failed")

	// ErrBadCadence is returned when a digest cadence is not a valid cron
	// expression.
	ErrBadCadence = errors.New("notification: invalid digest cadence")

	// ErrBadChannel is returned when a preference names an unknown
	// delivery channel.
	ErrBadChannel = errors.New("notification: unknown channel")
)
