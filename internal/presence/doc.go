// Package presence tracks which devices are reachable right now.
//
// A device declares a stable device id when it connects; the transport
// connection carrying it gets a fresh transport id every time. The Registry
// keeps one canonical record per device id and records which transport is
// current. Disconnects are not reported immediately: a grace timer runs first
// and only marks the device offline if no newer transport claimed it in the
// meantime, so a network blip never shows up as an offline flicker.
//
// The package also keeps the small directory of operator control panels that
// register over the same transport.
package presence
