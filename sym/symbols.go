// Package sym defines canonical symbols for evalpulse log lines and CLI output.
// These symbols are stable across the relay UI, CLI and logs.
package sym

// System infrastructure symbols.
const (
	Pulse      = "꩜" // polling sessions and ticks
	PulseOpen  = "✿" // session started
	PulseClose = "❀" // session reached a terminal state or was cancelled
	DB         = "⊔" // journal storage layer
	AM         = "≡" // configuration
	Relay      = "⟶" // relay server / websocket push
)

// names maps each glyph to a short label used in CLI legends.
var names = map[string]string{
	Pulse:      "pulse",
	PulseOpen:  "open",
	PulseClose: "close",
	DB:         "db",
	AM:         "am",
	Relay:      "relay",
}

// Name returns the label for a glyph, or "" if the glyph is unknown.
func Name(glyph string) string {
	return names[glyph]
}
