package util

import "strings"

// MaskToken deja visibles sólo los primeros y últimos 4 chars de un token/jti.
// Para loggear identificadores sensibles sin volcarlos completos.
func MaskToken(s string) string {
	s = strings.TrimSpace(s)
	if s == "" {
		return ""
	}
	if len(s) <= 8 {
		return "***"
	}
	return s[:4] + "…" + s[len(s)-4:]
}

// MaskIP enmascara el último octeto de una IPv4 (o el sufijo de una IPv6).
func MaskIP(s string) string {
	s = strings.TrimSpace(s)
	if s == "" {
		return ""
	}
	if i := strings.LastIndexByte(s, '.'); i > 0 {
		return s[:i] + ".x"
	}
	if i := strings.LastIndexByte(s, ':'); i > 0 {
		return s[:i] + ":x"
	}
	return "***"
}
