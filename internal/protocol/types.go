package protocol

// Commands understood by the logger's command characteristic. The
// characteristic is a generic UTF-8 string sink, so other names are
// passed through unchanged.
const (
	CommandSendLog   = "send_log"
	CommandClearLogs = "clear_logs"
)

// EOF is the log characteristic's end-of-stream sentinel chunk.
const EOF = "EOF"

// Log artifact naming used by every exporter of a finalized log.
const (
	LogFileName    = "battery_log.csv"
	LogContentType = "text/csv"
	// LogEndMarker is appended when a finalized log is shown on a terminal.
	LogEndMarker = "\n--- End of File ---"
)

// EncodeCommand returns the wire form of a command name.
func EncodeCommand(name string) []byte {
	return []byte(name)
}

// IsEOF reports whether a log notification is the end-of-stream sentinel.
func IsEOF(chunk []byte) bool {
	return string(chunk) == EOF
}
