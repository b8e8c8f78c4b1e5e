package auth

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"
	"sync"

	"golang.org/x/crypto/argon2"
)

type argonParams struct {
	time    uint32
	memory  uint32
	threads uint8
	keyLen  uint32
}

var (
	// passwordParams follow the OWASP Argon2id recommendation.
	passwordParams = argonParams{time: 3, memory: 64 * 1024, threads: 1, keyLen: 32}

	// pinParams are lighter because PIN login hashes once per active
	// credential in the restaurant. The pepper carries the offline-attack
	// resistance that the short keyspace cannot.
	pinParams = argonParams{time: 2, memory: 19 * 1024, threads: 1, keyLen: 32}
)

const saltLen = 16

// dummyPasswordHash lets unknown-account logins spend the same time as real ones.
var (
	dummyOnce         sync.Once
	dummyPasswordHash string
)

func randomSalt() ([]byte, error) {
	salt := make([]byte, saltLen)
	if _, err := rand.Read(salt); err != nil {
		return nil, fmt.Errorf("generating salt: %w", err)
	}
	return salt, nil
}

// HashPassword hashes a password with Argon2id and returns a PHC string:
// $argon2id$v=19$m=65536,t=3,p=1$<salt>$<hash>
func HashPassword(password string) (string, error) {
	salt, err := randomSalt()
	if err != nil {
		return "", err
	}
	p := passwordParams
	hash := argon2.IDKey([]byte(password), salt, p.time, p.memory, p.threads, p.keyLen)

	return fmt.Sprintf("$argon2id$v=%d$m=%d,t=%d,p=%d$%s$%s",
		argon2.Version,
		p.memory, p.time, p.threads,
		base64.RawStdEncoding.EncodeToString(salt),
		base64.RawStdEncoding.EncodeToString(hash),
	), nil
}

// VerifyPassword checks a password against a PHC hash in constant time.
func VerifyPassword(password, encodedHash string) (bool, error) {
	salt, hash, p, err := decodePHC(encodedHash)
	if err != nil {
		return false, err
	}
	candidate := argon2.IDKey([]byte(password), salt, p.time, p.memory, p.threads, uint32(len(hash))) //nolint:gosec // G115: hash length fits uint32
	return subtle.ConstantTimeCompare(hash, candidate) == 1, nil
}

// BurnPasswordCheck runs a verification against a fixed hash so that a
// missing account costs as much as a wrong password.
func BurnPasswordCheck(password string) {
	dummyOnce.Do(func() {
		dummyPasswordHash, _ = HashPassword("tableside-timing-equaliser") //nolint:errcheck // empty hash only skips the burn
	})
	_, _ = VerifyPassword(password, dummyPasswordHash) //nolint:errcheck // timing only
}

func decodePHC(encoded string) (salt, hash []byte, p argonParams, err error) {
	parts := strings.Split(encoded, "$")
	if len(parts) != 6 { //nolint:mnd // PHC format has exactly 6 $-delimited parts
		return nil, nil, p, errors.New("invalid PHC hash format")
	}
	if parts[1] != "argon2id" {
		return nil, nil, p, fmt.Errorf("unsupported algorithm: %s", parts[1])
	}

	var version int
	if _, err := fmt.Sscanf(parts[2], "v=%d", &version); err != nil { //nolint:govet // shadow
		return nil, nil, p, fmt.Errorf("parsing version: %w", err)
	}
	if _, err := fmt.Sscanf(parts[3], "m=%d,t=%d,p=%d", &p.memory, &p.time, &p.threads); err != nil { //nolint:govet // shadow
		return nil, nil, p, fmt.Errorf("parsing parameters: %w", err)
	}

	if salt, err = base64.RawStdEncoding.DecodeString(parts[4]); err != nil {
		return nil, nil, p, fmt.Errorf("decoding salt: %w", err)
	}
	if hash, err = base64.RawStdEncoding.DecodeString(parts[5]); err != nil {
		return nil, nil, p, fmt.Errorf("decoding hash: %w", err)
	}
	return salt, hash, p, nil
}

// PINHasher hashes PINs as argon2id(pin + pepper, salt). Peppers are
// versioned so they can be rotated without invalidating stored credentials.
type PINHasher struct {
	peppers map[int][]byte
	current int
}

// NewPINHasher requires a pepper for the current version.
func NewPINHasher(peppers map[int]string, current int) (*PINHasher, error) {
	if peppers[current] == "" {
		return nil, fmt.Errorf("no pepper configured for version %d", current)
	}
	h := &PINHasher{peppers: make(map[int][]byte, len(peppers)), current: current}
	for v, p := range peppers {
		h.peppers[v] = []byte(p)
	}
	return h, nil
}

// CurrentVersion is the pepper version new hashes are written with.
func (h *PINHasher) CurrentVersion() int {
	return h.current
}

// Hash returns the base64 hash and salt for pin under the current pepper.
func (h *PINHasher) Hash(pin string) (hash, salt string, pepperVersion int, err error) {
	rawSalt, err := randomSalt()
	if err != nil {
		return "", "", 0, err
	}
	sum := h.derive(pin, h.peppers[h.current], rawSalt)
	return base64.RawStdEncoding.EncodeToString(sum),
		base64.RawStdEncoding.EncodeToString(rawSalt),
		h.current, nil
}

// Verify recomputes the hash and compares in constant time. An unknown
// pepper version or undecodable record never matches.
func (h *PINHasher) Verify(pin, hash, salt string, pepperVersion int) bool {
	pepper, ok := h.peppers[pepperVersion]
	if !ok {
		return false
	}
	rawSalt, err := base64.RawStdEncoding.DecodeString(salt)
	if err != nil {
		return false
	}
	want, err := base64.RawStdEncoding.DecodeString(hash)
	if err != nil {
		return false
	}
	return subtle.ConstantTimeCompare(want, h.derive(pin, pepper, rawSalt)) == 1
}

func (h *PINHasher) derive(pin string, pepper, salt []byte) []byte {
	input := make([]byte, 0, len(pin)+len(pepper))
	input = append(input, pin...)
	input = append(input, pepper...)
	p := pinParams
	return argon2.IDKey(input, salt, p.time, p.memory, p.threads, p.keyLen)
}
