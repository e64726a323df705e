package proxypool

import (
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"

	"golang.org/x/crypto/chacha20poly1305"
)

const envelopeVersion = "v1"

var (
	ErrNoKey         = errors.New("no proxy secret key configured")
	ErrUnknownKey    = errors.New("unknown proxy secret key id")
	ErrBadEnvelope   = errors.New("malformed secret envelope")
	ErrDecryptFailed = errors.New("secret decryption failed")
)

// Cipher encrypts proxy credentials with XChaCha20-Poly1305 under a keyring.
// Envelopes are "v1:<key-id>:<base64(nonce||ciphertext)>"; any key in the ring
// decrypts, the primary key encrypts.
type Cipher struct {
	primary string
	keys    map[string][]byte
}

// NewCipher builds a cipher from "id:base64key,..." and the primary key id.
// An empty primary selects the first key listed.
func NewCipher(keyring, primary string) (*Cipher, error) {
	c := &Cipher{keys: make(map[string][]byte)}
	var first string
	for _, entry := range strings.Split(keyring, ",") {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		id, encoded, ok := strings.Cut(entry, ":")
		if !ok || id == "" || strings.Contains(id, ":") {
			return nil, fmt.Errorf("proxy secret key entry %q: want id:base64key", entry)
		}
		key, err := base64.StdEncoding.DecodeString(encoded)
		if err != nil {
			return nil, fmt.Errorf("proxy secret key %s: %w", id, err)
		}
		if len(key) != chacha20poly1305.KeySize {
			return nil, fmt.Errorf("proxy secret key %s: want %d bytes, got %d", id, chacha20poly1305.KeySize, len(key))
		}
		if _, dup := c.keys[id]; dup {
			return nil, fmt.Errorf("proxy secret key %s: duplicate id", id)
		}
		c.keys[id] = key
		if first == "" {
			first = id
		}
	}
	if len(c.keys) == 0 {
		return nil, ErrNoKey
	}
	if primary == "" {
		primary = first
	}
	if _, ok := c.keys[primary]; !ok {
		return nil, fmt.Errorf("primary %q: %w", primary, ErrUnknownKey)
	}
	c.primary = primary
	return c, nil
}

// GenerateKey returns a random key in keyring encoding.
func GenerateKey() (string, error) {
	key := make([]byte, chacha20poly1305.KeySize)
	if _, err := rand.Read(key); err != nil {
		return "", err
	}
	return base64.StdEncoding.EncodeToString(key), nil
}

func (c *Cipher) Encrypt(plaintext string) (string, error) {
	if c == nil {
		return "", ErrNoKey
	}
	aead, err := chacha20poly1305.NewX(c.keys[c.primary])
	if err != nil {
		return "", err
	}
	nonce := make([]byte, chacha20poly1305.NonceSizeX, chacha20poly1305.NonceSizeX+len(plaintext)+aead.Overhead())
	if _, err := rand.Read(nonce); err != nil {
		return "", err
	}
	// the key id is bound as associated data so an envelope cannot be relabelled
	sealed := aead.Seal(nonce, nonce, []byte(plaintext), []byte(c.primary))
	return envelopeVersion + ":" + c.primary + ":" + base64.StdEncoding.EncodeToString(sealed), nil
}

func (c *Cipher) Decrypt(envelope string) (string, error) {
	if c == nil {
		return "", ErrNoKey
	}
	id, sealed, err := parseEnvelope(envelope)
	if err != nil {
		return "", err
	}
	key, ok := c.keys[id]
	if !ok {
		return "", fmt.Errorf("key %q: %w", id, ErrUnknownKey)
	}
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return "", err
	}
	if len(sealed) < chacha20poly1305.NonceSizeX+aead.Overhead() {
		return "", ErrBadEnvelope
	}
	nonce, ct := sealed[:chacha20poly1305.NonceSizeX], sealed[chacha20poly1305.NonceSizeX:]
	plain, err := aead.Open(nil, nonce, ct, []byte(id))
	if err != nil {
		return "", ErrDecryptFailed
	}
	return string(plain), nil
}

// Rewrap re-encrypts an envelope under the primary key; envelopes already on
// the primary key are returned unchanged.
func (c *Cipher) Rewrap(envelope string) (string, bool, error) {
	id, _, err := parseEnvelope(envelope)
	if err != nil {
		return "", false, err
	}
	if id == c.primary {
		return envelope, false, nil
	}
	plain, err := c.Decrypt(envelope)
	if err != nil {
		return "", false, err
	}
	out, err := c.Encrypt(plain)
	if err != nil {
		return "", false, err
	}
	return out, true, nil
}

// KeyID returns the key id an envelope was sealed with.
func KeyID(envelope string) (string, error) {
	id, _, err := parseEnvelope(envelope)
	return id, err
}

func parseEnvelope(envelope string) (string, []byte, error) {
	parts := strings.SplitN(envelope, ":", 3)
	if len(parts) != 3 || parts[0] != envelopeVersion || parts[1] == "" {
		return "", nil, ErrBadEnvelope
	}
	sealed, err := base64.StdEncoding.DecodeString(parts[2])
	if err != nil {
		return "", nil, fmt.Errorf("%w: %v", ErrBadEnvelope, err)
	}
	return parts[1], sealed, nil
}
