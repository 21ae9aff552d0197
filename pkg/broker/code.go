package broker

import (
	"crypto/rand"
	"encoding/hex"
	"strings"
)

// codeLength is the number of characters in a session code.
const codeLength = 6

// GenerateSessionCode creates an unpredictable session code: 6 uppercase
// hex characters, e.g. "A1F4C9".
func GenerateSessionCode() (string, error) {
	var b [codeLength / 2]byte
	if _, err := rand.Read(b[:]); err != nil {
		return "", err
	}
	return strings.ToUpper(hex.EncodeToString(b[:])), nil
}

// NormalizeSessionCode ensures consistent formatting (uppercase, trimmed)
// so codes typed back by a viewer match the generated form.
func NormalizeSessionCode(code string) string {
	return strings.ToUpper(strings.TrimSpace(code))
}

// ValidateSessionCode checks if a code has the generated format.
func ValidateSessionCode(code string) bool {
	if len(code) != codeLength {
		return false
	}
	for _, r := range code {
		if (r < '0' || r > '9') && (r < 'A' || r > 'F') {
			return false
		}
	}
	return true
}
