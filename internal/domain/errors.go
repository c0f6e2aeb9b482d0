package domain

import "errors"

var (
	// ErrUnknownProvider is returned for provider names outside the supported set.
	ErrUnknownProvider = errors.New("unknown provider")
	// ErrUnknownDataType is returned for data types the aggregator does not deliver.
	ErrUnknownDataType = errors.New("unknown data type")
	// ErrInvalidRow marks a store row that failed boundary validation.
	ErrInvalidRow = errors.New("invalid metric row")
	// ErrTokenNotFound is returned when no provider token matches a lookup.
	ErrTokenNotFound = errors.New("provider token not found")
	// ErrAlertNotFound is returned when an alert cannot be located for the caller.
	ErrAlertNotFound = errors.New("alert not found")
)
