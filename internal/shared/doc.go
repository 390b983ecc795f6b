// Package shared holds helpers used by tests across the devicehub packages.
//
// testutil provides a recording slog handler for asserting on log output and
// fixtures that build temporary data directories, seeded stores and package
// folders.
package shared
