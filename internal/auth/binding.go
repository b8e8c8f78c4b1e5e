package auth

import (
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"strings"
)

// DeviceBinding derives the fingerprint a station token is bound to.
//
// The fingerprint is HMAC-SHA256 over the client IP and User-Agent, keyed by a
// server-side salt, so a stolen token replayed from another network or
// browser no longer matches.
type DeviceBinding struct {
	salt []byte
}

// NewDeviceBinding requires a non-empty salt.
func NewDeviceBinding(salt string) (*DeviceBinding, error) {
	if salt == "" {
		return nil, errors.New("device binding salt is required")
	}
	return &DeviceBinding{salt: []byte(salt)}, nil
}

// Bind returns the hex fingerprint for rc.
func (b *DeviceBinding) Bind(rc RequestContext) string {
	mac := hmac.New(sha256.New, b.salt)
	mac.Write([]byte(strings.TrimSpace(rc.ClientIP)))
	mac.Write([]byte{0})
	mac.Write([]byte(strings.TrimSpace(rc.UserAgent)))
	return hex.EncodeToString(mac.Sum(nil))
}

// Verify checks rc against a stored fingerprint in constant time.
func (b *DeviceBinding) Verify(fingerprint string, rc RequestContext) error {
	if fingerprint == "" {
		return ErrDeviceMismatch
	}
	if subtle.ConstantTimeCompare([]byte(fingerprint), []byte(b.Bind(rc))) != 1 {
		return ErrDeviceMismatch
	}
	return nil
}
