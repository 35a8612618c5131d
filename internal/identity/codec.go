// Package identity seals student identities into opaque scannable tokens.
package identity

import (
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"golang.org/x/crypto/chacha20poly1305"
)

// KindStudent is the discriminator carried by student identity payloads.
const KindStudent = "student"

// ErrInvalidToken is returned for any token that cannot be opened: bad
// encoding, unknown key, failed authentication, unparsable payload or
// wrong kind.
var ErrInvalidToken = errors.New("identity: invalid token")

// Identity is the payload embedded in a student's card.
type Identity struct {
	StudentID      string `json:"sid"`
	DisplayName    string `json:"name"`
	ClassID        string `json:"cid"`
	IssuedAtMillis int64  `json:"iat"`
	Kind           string `json:"kind"`
}

// Codec seals and opens identity tokens. It holds a keyring so secrets can
// be rotated: only the primary key seals, every key opens.
//
// Token layout: <keyID>.<base64url(nonce || ciphertext)>, with keyID bound as
// additional data.
type Codec struct {
	primary string
	keys    map[string]cipher.AEAD
}

// NewCodec builds a codec from raw 32-byte keys indexed by key id.
func NewCodec(primary string, keys map[string][]byte) (*Codec, error) {
	if len(keys) == 0 {
		return nil, errors.New("identity: at least one key required")
	}
	if _, ok := keys[primary]; !ok {
		return nil, fmt.Errorf("identity: primary key %q not in keyring", primary)
	}
	c := &Codec{primary: primary, keys: make(map[string]cipher.AEAD, len(keys))}
	for id, raw := range keys {
		if id == "" || strings.Contains(id, ".") {
			return nil, fmt.Errorf("identity: invalid key id %q", id)
		}
		aead, err := chacha20poly1305.NewX(raw)
		if err != nil {
			return nil, fmt.Errorf("identity: key %q: %w", id, err)
		}
		c.keys[id] = aead
	}
	return c, nil
}

// ParseKeyring parses "id:base64key,id2:base64key" as used in configuration.
func ParseKeyring(spec string) (map[string][]byte, error) {
	keys := make(map[string][]byte)
	for _, part := range strings.Split(spec, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		id, enc, ok := strings.Cut(part, ":")
		if !ok {
			return nil, fmt.Errorf("identity: keyring entry %q missing id", part)
		}
		raw, err := base64.StdEncoding.DecodeString(enc)
		if err != nil {
			return nil, fmt.Errorf("identity: keyring entry %q: %w", id, err)
		}
		if len(raw) != chacha20poly1305.KeySize {
			return nil, fmt.Errorf("identity: key %q must be %d bytes, got %d", id, chacha20poly1305.KeySize, len(raw))
		}
		keys[id] = raw
	}
	return keys, nil
}

// GenerateKey returns a random key suitable for the keyring.
func GenerateKey() []byte {
	key := make([]byte, chacha20poly1305.KeySize)
	if _, err := rand.Read(key); err != nil {
		panic(err)
	}
	return key
}

// Seal encrypts the identity with the primary key. An empty Kind is filled
// with KindStudent.
func (c *Codec) Seal(id Identity) (string, error) {
	if id.Kind == "" {
		id.Kind = KindStudent
	}
	plaintext, err := json.Marshal(id)
	if err != nil {
		return "", fmt.Errorf("identity: marshal: %w", err)
	}
	aead := c.keys[c.primary]
	nonce := make([]byte, aead.NonceSize(), aead.NonceSize()+len(plaintext)+aead.Overhead())
	if _, err := rand.Read(nonce); err != nil {
		return "", fmt.Errorf("identity: nonce: %w", err)
	}
	sealed := aead.Seal(nonce, nonce, plaintext, []byte(c.primary))
	return c.primary + "." + base64.RawURLEncoding.EncodeToString(sealed), nil
}

// Open verifies and decrypts a token. Every failure wraps ErrInvalidToken.
func (c *Codec) Open(token string) (Identity, error) {
	keyID, body, ok := strings.Cut(strings.TrimSpace(token), ".")
	if !ok {
		return Identity{}, fmt.Errorf("%w: malformed", ErrInvalidToken)
	}
	aead, ok := c.keys[keyID]
	if !ok {
		return Identity{}, fmt.Errorf("%w: unknown key %q", ErrInvalidToken, keyID)
	}
	sealed, err := base64.RawURLEncoding.DecodeString(body)
	if err != nil {
		return Identity{}, fmt.Errorf("%w: encoding", ErrInvalidToken)
	}
	if len(sealed) < aead.NonceSize()+aead.Overhead() {
		return Identity{}, fmt.Errorf("%w: truncated", ErrInvalidToken)
	}
	nonce, ciphertext := sealed[:aead.NonceSize()], sealed[aead.NonceSize():]
	plaintext, err := aead.Open(nil, nonce, ciphertext, []byte(keyID))
	if err != nil {
		return Identity{}, fmt.Errorf("%w: authentication failed", ErrInvalidToken)
	}
	var id Identity
	if err := json.Unmarshal(plaintext, &id); err != nil {
		return Identity{}, fmt.Errorf("%w: payload", ErrInvalidToken)
	}
	if id.Kind != KindStudent {
		return Identity{}, fmt.Errorf("%w: unexpected kind %q", ErrInvalidToken, id.Kind)
	}
	if id.StudentID == "" {
		return Identity{}, fmt.Errorf("%w: missing student id", ErrInvalidToken)
	}
	return id, nil
}
