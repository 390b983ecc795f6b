// Package integration exercises a fully wired devicehub application over
// real HTTP and websocket connections.
package integration
