// Package license owns license activation.
//
// Activate is the pure transition rule applied to a stored record: unknown
// keys are rejected as not found, a key already bound to another device is a
// conflict, anything else binds (or re-binds) the key to the caller's device.
// Rejections are ordinary results, not errors.
//
// The Ledger applies that rule inside an atomic read-modify-write on the
// license store, then tells the presence registry about the authenticated
// device and appends an entry to the activation log.
package license
