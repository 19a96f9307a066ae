package logging

import (
	"log/slog"
	"strings"
)

// RedactedValue replaces sensitive values that have no safe partial form.
const RedactedValue = "[REDACTED]"

const addressPrefix = "esg1"

// Keys in plainKeys are emitted verbatim.
var plainKeys = map[string]struct{}{
	"service":   {},
	"env":       {},
	"error":     {},
	"reason":    {},
	"component": {},
	"period":    {},
	"action_id": {},
	"role":      {},
	"check":     {},
	"asset_id":  {},
	"status":    {},
}

func isPlain(key string) bool {
	_, ok := plainKeys[strings.ToLower(strings.TrimSpace(key))]
	return ok
}

// Mask shortens bech32 addresses to their prefix and checksum tail so that
// operators can still correlate log lines with registry entries. Any other
// value is fully redacted.
func Mask(value string) string {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return value
	}
	if strings.HasPrefix(trimmed, addressPrefix) && len(trimmed) > 16 {
		return trimmed[:8] + "..." + trimmed[len(trimmed)-4:]
	}
	return RedactedValue
}

// MaskField returns an attribute whose value is masked unless key is one of
// the plain keys. Citizen ids and signer or target addresses go through here.
func MaskField(key, value string) slog.Attr {
	if strings.TrimSpace(value) == "" || isPlain(key) {
		return slog.String(key, value)
	}
	return slog.String(key, Mask(value))
}
