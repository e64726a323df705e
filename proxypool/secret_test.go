package proxypool

import (
	"errors"
	"testing"
)

func testKeyring(t *testing.T, ids ...string) string {
	t.Helper()
	ring := ""
	for i, id := range ids {
		key, err := GenerateKey()
		if err != nil {
			t.Fatalf("generate key: %v", err)
		}
		if i > 0 {
			ring += ","
		}
		ring += id + ":" + key
	}
	return ring
}

func TestCipherRoundTrip(t *testing.T) {
	c, err := NewCipher(testKeyring(t, "a"), "")
	if err != nil {
		t.Fatalf("new cipher: %v", err)
	}
	env, err := c.Encrypt("hunter2")
	if err != nil {
		t.Fatalf("encrypt: %v", err)
	}
	if id, _ := KeyID(env); id != "a" {
		t.Fatalf("expected key id a, got %q", id)
	}
	plain, err := c.Decrypt(env)
	if err != nil || plain != "hunter2" {
		t.Fatalf("decrypt = %q, %v", plain, err)
	}
}

func TestCipherRotation(t *testing.T) {
	ring := testKeyring(t, "old", "new")
	oldCipher, err := NewCipher(ring, "old")
	if err != nil {
		t.Fatalf("old cipher: %v", err)
	}
	env, _ := oldCipher.Encrypt("pw")

	newCipher, err := NewCipher(ring, "new")
	if err != nil {
		t.Fatalf("new cipher: %v", err)
	}
	if plain, err := newCipher.Decrypt(env); err != nil || plain != "pw" {
		t.Fatalf("expected old envelope readable after rotation, got %q, %v", plain, err)
	}

	rewrapped, changed, err := newCipher.Rewrap(env)
	if err != nil || !changed {
		t.Fatalf("rewrap: changed=%v err=%v", changed, err)
	}
	if id, _ := KeyID(rewrapped); id != "new" {
		t.Fatalf("expected rewrapped under new, got %q", id)
	}
	if _, changed, _ := newCipher.Rewrap(rewrapped); changed {
		t.Fatalf("expected no-op rewrap on primary envelope")
	}
}

func TestCipherRejectsTampering(t *testing.T) {
	c, _ := NewCipher(testKeyring(t, "a"), "")
	env, _ := c.Encrypt("pw")

	tampered := env[:len(env)-2] + "AA"
	if tampered == env {
		tampered = env[:len(env)-2] + "BB"
	}
	if _, err := c.Decrypt(tampered); err == nil {
		t.Fatalf("expected tampered envelope to fail")
	}
	if _, err := c.Decrypt("v1:missing:AAAA"); !errors.Is(err, ErrUnknownKey) {
		t.Fatalf("expected ErrUnknownKey, got %v", err)
	}
	if _, err := c.Decrypt("plaintext"); !errors.Is(err, ErrBadEnvelope) {
		t.Fatalf("expected ErrBadEnvelope, got %v", err)
	}
}

func TestNewCipherValidation(t *testing.T) {
	if _, err := NewCipher("", ""); !errors.Is(err, ErrNoKey) {
		t.Fatalf("expected ErrNoKey, got %v", err)
	}
	if _, err := NewCipher("a:c2hvcnQ=", ""); err == nil {
		t.Fatalf("expected short key to be rejected")
	}
	if _, err := NewCipher(testKeyring(t, "a"), "b"); !errors.Is(err, ErrUnknownKey) {
		t.Fatalf("expected unknown primary to be rejected, got %v", err)
	}

	var nilCipher *Cipher
	if _, err := nilCipher.Encrypt("x"); !errors.Is(err, ErrNoKey) {
		t.Fatalf("expected ErrNoKey from nil cipher, got %v", err)
	}
}
