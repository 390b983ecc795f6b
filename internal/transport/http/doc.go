// Package http implements the devicehub HTTP handlers. Handlers stay thin:
// they decode and validate the request, call one component, and render the
// result or hand the error to errors.ErrorHandler for a problem+json
// response.
//
// Request flow:
//
//	HTTP Request → chi Router → Middleware → Handler → Component
//	                                              ↓
//	HTTP Response ← Handler ← Result / AppError ←─┘
//
// License validation is the one place a refusal is not an HTTP error: the
// ledger's typed result is rendered as 200 {accepted:false, reason}.
package http
