// Package events defines the websocket frames exchanged between devicehub,
// devices and operator panels.
package events

import (
	"encoding/json"
	"time"
)

// MessageType is the "type" field of a frame.
type MessageType string

// Inbound (client to hub).
const (
	MessageTypeDeviceConnect   MessageType = "device:connect"
	MessageTypePanelRegister   MessageType = "panel:register"
	MessageTypeLicenseValidate MessageType = "license:validate"
)

// Outbound (hub to client).
const (
	MessageTypePresenceSnapshot MessageType = "presence:snapshot"
	MessageTypePackageDelivery  MessageType = "package:delivery"
	MessageTypePackageLink      MessageType = "package:link"
	MessageTypePanelsUpdate     MessageType = "panels:update"
	MessageTypeLicenseResult    MessageType = "license:result"
	MessageTypeError            MessageType = "error"
)

// MessageTypeRelay travels both ways: a relay message from any client is
// rebroadcast to every client.
const MessageTypeRelay MessageType = "relay:message"

// Message is the outbound frame.
type Message struct {
	Type      MessageType `json:"type"`
	Data      interface{} `json:"data,omitempty"`
	Timestamp time.Time   `json:"timestamp"`
}

// Inbound is an inbound frame whose data is decoded by type.
type Inbound struct {
	Type      MessageType     `json:"type"`
	Data      json.RawMessage `json:"data,omitempty"`
	Timestamp time.Time       `json:"timestamp,omitempty"`
}

// DeviceConnect is the identity a device declares after opening the socket.
// An empty DeviceID is allowed and leaves the transport anonymous.
type DeviceConnect struct {
	DeviceID    string `json:"deviceId" validate:"omitempty,identifier"`
	DisplayName string `json:"displayName,omitempty" validate:"max=256"`
	Model       string `json:"model,omitempty" validate:"max=256"`
	AppVersion  string `json:"appVersion,omitempty" validate:"max=64"`
}

// PanelRegister registers an operator panel on the sending transport.
type PanelRegister struct {
	PanelID string `json:"panelId"`
}

// LicenseValidate mirrors the HTTP validation request.
type LicenseValidate struct {
	Key         string `json:"key"`
	DeviceID    string `json:"deviceId,omitempty"`
	DisplayName string `json:"displayName,omitempty"`
	Model       string `json:"model,omitempty"`
}

// LicenseResult answers LicenseValidate on the same transport.
type LicenseResult struct {
	Accepted bool   `json:"accepted"`
	Reason   string `json:"reason,omitempty"`
	DeviceID string `json:"deviceId"`
}

// PackageDelivery is pushed to a device when a package is assigned or sent.
type PackageDelivery struct {
	PackageRef  string `json:"packageRef"`
	DisplayName string `json:"displayName"`
	SizeHint    int64  `json:"sizeHint"`
	Kind        string `json:"kind,omitempty"`
	Variant     string `json:"variant,omitempty"`
	Version     string `json:"version,omitempty"`
	LicenseKey  string `json:"licenseKey,omitempty"`
}

// PackageLink is pushed to a device when a download grant is issued for it.
type PackageLink struct {
	URL         string    `json:"url"`
	Token       string    `json:"token"`
	PackageRef  string    `json:"packageRef"`
	DisplayName string    `json:"displayName"`
	FileSize    int64     `json:"fileSize"`
	Checksum    string    `json:"checksum,omitempty"`
	ExpiresAt   time.Time `json:"expiresAt"`
}

// PanelsUpdate lists the registered panel ids.
type PanelsUpdate struct {
	Panels []string `json:"panels"`
}

// Error codes carried in ErrorData.
const (
	ErrCodeInvalidFrame    = "INVALID_FRAME"
	ErrCodeUnsupportedType = "UNSUPPORTED_TYPE"
	ErrCodeInvalidPayload  = "INVALID_PAYLOAD"
	ErrCodeServerError     = "SERVER_ERROR"
)

// ErrorData is the payload of an error frame.
type ErrorData struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}
