package logbuf

import (
	"log/slog"
	"strings"
)

const redacted = "[REDACTED]"

var secretKeys = []string{"token", "secret", "password", "authorization", "api_key", "apikey"}

// IsSecretKey reports whether an attribute key names a credential.
func IsSecretKey(key string) bool {
	key = strings.ToLower(key)
	if i := strings.LastIndexByte(key, '.'); i >= 0 {
		key = key[i+1:]
	}
	for _, s := range secretKeys {
		if strings.Contains(key, s) {
			return true
		}
	}
	return false
}

// Redact is a slog.HandlerOptions.ReplaceAttr that masks credential values.
func Redact(_ []string, a slog.Attr) slog.Attr {
	if IsSecretKey(a.Key) && a.Value.Kind() != slog.KindGroup {
		return slog.String(a.Key, redacted)
	}
	return a
}
