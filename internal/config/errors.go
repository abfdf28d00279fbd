package config

import "errors"

var (
	// ErrNoEntries indicates the configuration declares no entry points
	ErrNoEntries = errors.New("no entry points configured")
	// ErrInvalidRule indicates a loader rule has a bad pattern or no stages
	ErrInvalidRule = errors.New("invalid loader rule")
	// ErrInvalidOutput indicates the output section cannot produce file names
	ErrInvalidOutput = errors.New("invalid output configuration")
)
