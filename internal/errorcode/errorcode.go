// Package errorcode maps the short error-code tokens carried by a PLC
// trigger to a human-readable description for log lines only. It never
// feeds back into routing or validation — it is advisory, consulted by
// EventStore's logging and nowhere else.
package errorcode

// descriptions is a small, intentionally incomplete table of known codes.
// Unknown codes fall back to a generic description rather than failing.
var descriptions = map[string]string{
	"E01": "radio link flap",
	"E02": "authentication failure",
	"E03": "DHCP lease exhausted",
	"E04": "firmware watchdog reset",
	"E05": "PoE negotiation failure",
	"E06": "channel utilization threshold exceeded",
	"E07": "uplink network fault",
	"E08": "thermal shutdown",
}

// Describe returns a human-readable description of code for log lines.
// It never returns an error: an unknown code is not a validation failure,
// merely undocumented.
func Describe(code string) string {
	if d, ok := descriptions[code]; ok {
		return d
	}
	return "unrecognised error code"
}
