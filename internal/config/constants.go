package config

import "time"

// Application constants
const (
	AppName    = "devicehub"
	AppVersion = "1.0.0"

	// Storage drivers
	StorageDriverJSON   = "json"
	StorageDriverSQLite = "sqlite"

	// Presence timing
	DefaultGraceInterval  = 5 * time.Second
	DefaultResyncInterval = 3 * time.Second

	// Download grants
	DefaultGrantTTL = 6 * time.Hour

	// HTTP headers
	HeaderOperatorKey = "X-Operator-Key"
	HeaderRequestID   = "X-Request-ID"

	// File names inside the data directory
	LicensesFileName    = "licenses.json"
	PackagesFileName    = "packages.json"
	GrantsFileName      = "grants.json"
	ActivationsFileName = "activations.jsonl"
)
