// Package services holds the application services that sit between the
// HTTP handlers and storage: the package catalog and the health checks.
//
// Services take their collaborators through constructors, return
// *errors.AppError values that the transport layer maps to HTTP status
// codes, and log through the injected slog logger.
package services
