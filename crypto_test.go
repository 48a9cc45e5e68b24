package fieldsync

import (
	"bytes"
	"testing"
)

func TestPayloadCipherRoundTrip(t *testing.T) {
	cipher, err := NewPayloadCipher(EncryptionConfig{Enabled: true, Passphrase: "camp-2026"}, nil)
	if err != nil {
		t.Fatalf("new cipher: %v", err)
	}

	plaintext := []byte(`{"medication":"epipen"}`)
	sealed, err := cipher.Encrypt(plaintext)
	if err != nil {
		t.Fatalf("encrypt: %v", err)
	}
	if bytes.Contains(sealed, []byte("epipen")) {
		t.Fatal("ciphertext leaks plaintext")
	}

	opened, err := cipher.Decrypt(sealed)
	if err != nil {
		t.Fatalf("decrypt: %v", err)
	}
	if !bytes.Equal(opened, plaintext) {
		t.Fatalf("round-trip mismatch: %q", opened)
	}
}

func TestPayloadCipherSaltDerivation(t *testing.T) {
	first, err := NewPayloadCipher(EncryptionConfig{Enabled: true, Passphrase: "p"}, nil)
	if err != nil {
		t.Fatalf("new cipher: %v", err)
	}
	sealed, _ := first.Encrypt([]byte("payload"))

	t.Run("same passphrase and salt decrypts", func(t *testing.T) {
		same, err := NewPayloadCipher(EncryptionConfig{Enabled: true, Passphrase: "p"}, first.Salt())
		if err != nil {
			t.Fatalf("new cipher: %v", err)
		}
		if _, err := same.Decrypt(sealed); err != nil {
			t.Fatalf("decrypt with persisted salt: %v", err)
		}
	})

	t.Run("wrong passphrase fails", func(t *testing.T) {
		wrong, err := NewPayloadCipher(EncryptionConfig{Enabled: true, Passphrase: "other"}, first.Salt())
		if err != nil {
			t.Fatalf("new cipher: %v", err)
		}
		if _, err := wrong.Decrypt(sealed); err == nil {
			t.Fatal("expected authentication failure")
		}
	})
}

func TestPayloadCipherRawKey(t *testing.T) {
	key := bytes.Repeat([]byte{7}, 32)
	cipher, err := NewPayloadCipher(EncryptionConfig{Enabled: true, Key: key}, nil)
	if err != nil {
		t.Fatalf("new cipher: %v", err)
	}
	sealed, err := cipher.Encrypt([]byte("x"))
	if err != nil {
		t.Fatalf("encrypt: %v", err)
	}
	if opened, err := cipher.Decrypt(sealed); err != nil || string(opened) != "x" {
		t.Fatalf("round-trip failed: %q %v", opened, err)
	}

	if _, err := NewPayloadCipher(EncryptionConfig{Enabled: true, Key: key[:16]}, nil); err == nil {
		t.Fatal("expected error for short key")
	}
}
