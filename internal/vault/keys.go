// Package vault derives workspace credentials from a username and password and
// seals structured content under the derived key.
package vault

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"

	"golang.org/x/crypto/pbkdf2"
)

const (
	// MinIterations is the lowest PBKDF2 iteration count accepted for key derivation.
	MinIterations = 100000
	keyLength     = 32

	workspaceLabel = "_WORKSPACE_SALT_v1"
	keySaltLabel   = "_KEY_SALT_v1"
)

var (
	// ErrInvalidCredentials indicates an empty username or password.
	ErrInvalidCredentials = errors.New("vault: invalid credentials")
	// ErrInvalidIterations indicates an iteration count below MinIterations.
	ErrInvalidIterations = errors.New("vault: iteration count too low")
)

// Key is an opaque AES-256 key handle. Its material never leaves this package.
type Key struct {
	material []byte
}

// IsZero reports whether the key carries no material.
func (k Key) IsZero() bool {
	return len(k.material) != keyLength
}

// String keeps key material out of logs and fmt output.
func (k Key) String() string {
	if k.IsZero() {
		return "vault.Key(empty)"
	}
	return "vault.Key(redacted)"
}

// GoString mirrors String for %#v.
func (k Key) GoString() string {
	return k.String()
}

// Credentials is the outcome of a derivation: the partition key and the content key.
type Credentials struct {
	Username    string
	WorkspaceID string
	Key         Key
}

// NormalizeUsername applies the case and whitespace folding used by every derivation.
func NormalizeUsername(username string) string {
	return strings.ToLower(strings.TrimSpace(username))
}

// WorkspaceIDFor returns the 64-character hex workspace identifier for a username.
// It depends only on the username.
func WorkspaceIDFor(username string) (string, error) {
	normalized := NormalizeUsername(username)
	if normalized == "" {
		return "", fmt.Errorf("%w: empty username", ErrInvalidCredentials)
	}
	sum := sha256.Sum256([]byte(normalized + workspaceLabel))
	return hex.EncodeToString(sum[:]), nil
}

// Derive turns credentials into a workspace id and key using MinIterations rounds.
func Derive(username, password string) (Credentials, error) {
	return DeriveWithIterations(username, password, MinIterations)
}

// DeriveWithIterations is Derive with a configurable PBKDF2 iteration count.
func DeriveWithIterations(username, password string, iterations int) (Credentials, error) {
	normalized := NormalizeUsername(username)
	if normalized == "" {
		return Credentials{}, fmt.Errorf("%w: empty username", ErrInvalidCredentials)
	}
	if password == "" {
		return Credentials{}, fmt.Errorf("%w: empty password", ErrInvalidCredentials)
	}
	if iterations < MinIterations {
		return Credentials{}, fmt.Errorf("%w: %d", ErrInvalidIterations, iterations)
	}

	workspaceID, err := WorkspaceIDFor(normalized)
	if err != nil {
		return Credentials{}, err
	}

	salt := []byte(normalized + keySaltLabel)
	material := pbkdf2.Key([]byte(password), salt, iterations, keyLength, sha256.New)

	return Credentials{
		Username:    strings.TrimSpace(username),
		WorkspaceID: workspaceID,
		Key:         Key{material: material},
	}, nil
}

// IsWorkspaceID reports whether value has the shape of a derived workspace id.
func IsWorkspaceID(value string) bool {
	if len(value) != sha256.Size*2 {
		return false
	}
	for _, r := range value {
		if (r < '0' || r > '9') && (r < 'a' || r > 'f') {
			return false
		}
	}
	return true
}
