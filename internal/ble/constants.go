package ble

const (
	// ServiceUUID is the logger's primary service
	ServiceUUID = "4fafc201-1fb5-459e-8fcc-c5c9c331914b"

	// StatusCharUUID is read on demand for the telemetry text
	StatusCharUUID = "beb5483e-36e1-4688-b7f5-ea07361b26a8"

	// LogCharUUID notifies log file chunks
	LogCharUUID = "a7e3c4d8-974f-464a-b275-cf3f0e6a433f"

	// CommandCharUUID accepts text commands (send_log, clear_logs)
	CommandCharUUID = "c1e45678-9012-3456-7890-123456789012"
)

// Connection status texts, in the order a successful connect walks them.
const (
	StatusRequesting   = "Requesting..."
	StatusConnecting   = "Connecting..."
	StatusDiscovering  = "Discovering..."
	StatusGettingChars = "Getting Chars..."
	StatusConnected    = "Connected"
	StatusError        = "Error"
	StatusOffline      = "Offline"
)
