// Package credential derives and verifies room password credentials.
//
// A credential is stored as a single string of the form
// scheme$iterations$salt$key where salt and key are base64 encoded. The
// plaintext password is never kept.
package credential

import (
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"fmt"
	"strconv"
	"strings"

	"golang.org/x/crypto/pbkdf2"
)

const (
	// Scheme identifies the derivation used for every credential produced here.
	Scheme = "pbkdf2_sha256"

	// DefaultIterations is the PBKDF2 work factor used when none is configured.
	DefaultIterations = 200_000

	// MinIterations is the lowest work factor accepted from configuration.
	MinIterations = 150_000

	// MaxIterations bounds the work factor Verify will honour from a stored
	// credential.
	MaxIterations = 10 * DefaultIterations

	saltSize = 16
	keySize  = 32
)

var encoding = base64.RawStdEncoding

// Hasher creates credentials with a fixed work factor.
type Hasher struct {
	iterations int
}

// NewHasher returns a Hasher using the given iteration count. Non-positive
// values select DefaultIterations; values above MaxIterations are clamped.
func NewHasher(iterations int) *Hasher {
	if iterations <= 0 {
		iterations = DefaultIterations
	}
	if iterations > MaxIterations {
		iterations = MaxIterations
	}
	return &Hasher{iterations: iterations}
}

// Iterations reports the work factor applied by Create.
func (h *Hasher) Iterations() int {
	return h.iterations
}

// Create derives a credential for password with a fresh random salt.
// A blank password yields an empty string, meaning "no credential".
func (h *Hasher) Create(password string) (string, error) {
	if strings.TrimSpace(password) == "" {
		return "", nil
	}

	salt := make([]byte, saltSize)
	if _, err := rand.Read(salt); err != nil {
		return "", fmt.Errorf("generate salt: %w", err)
	}

	key := derive(password, salt, h.iterations)
	return strings.Join([]string{
		Scheme,
		strconv.Itoa(h.iterations),
		encoding.EncodeToString(salt),
		encoding.EncodeToString(key),
	}, "$"), nil
}

// Verify reports whether candidate matches the stored credential. Any
// malformed stored value fails verification.
func Verify(stored, candidate string) bool {
	parts := strings.Split(stored, "$")
	if len(parts) != 4 || parts[0] != Scheme {
		return false
	}

	iterations, err := strconv.Atoi(parts[1])
	if err != nil || iterations <= 0 || iterations > MaxIterations {
		return false
	}

	salt, err := encoding.DecodeString(parts[2])
	if err != nil || len(salt) == 0 {
		return false
	}

	want, err := encoding.DecodeString(parts[3])
	if err != nil || len(want) != keySize {
		return false
	}

	got := derive(candidate, salt, iterations)
	return subtle.ConstantTimeCompare(got, want) == 1
}

func derive(password string, salt []byte, iterations int) []byte {
	return pbkdf2.Key([]byte(password), salt, iterations, keySize, sha256.New)
}
