package vcrypto

import (
	"bytes"
	"encoding/base64"
	"testing"
)

func mustKey(t *testing.T) string {
	t.Helper()
	k, err := RandomKeyHex(32)
	if err != nil {
		t.Fatalf("RandomKeyHex: %v", err)
	}
	return k
}

func TestEncryptDecryptRoundTrip(t *testing.T) {
	key := mustKey(t)
	pt := []byte("hello, vault")
	ct, err := Encrypt(pt, key, []byte("R:k"))
	if err != nil {
		t.Fatalf("encrypt: %v", err)
	}
	got, err := Decrypt(ct, key, []byte("R:k"))
	if err != nil {
		t.Fatalf("decrypt: %v", err)
	}
	if !bytes.Equal(pt, got) {
		t.Fatalf("plaintext mismatch: got %q want %q", got, pt)
	}
}

func TestDecryptAADMismatchFails(t *testing.T) {
	key := mustKey(t)
	ct, err := Encrypt([]byte("secret"), key, []byte("R1:k1"))
	if err != nil {
		t.Fatalf("encrypt: %v", err)
	}
	if _, err := Decrypt(ct, key, []byte("R2:k2")); err == nil {
		t.Fatal("expected authentication failure on mismatched AAD")
	}
}

func TestSlotSwapDetected(t *testing.T) {
	// Two entries at distinct registry:key salts; swapping their ciphertexts
	// must fail to decrypt under the other's AAD (the spec's AAD-binding
	// invariant).
	key := mustKey(t)
	ct1, err := Encrypt([]byte("v1"), key, []byte("R1:k1"))
	if err != nil {
		t.Fatalf("encrypt 1: %v", err)
	}
	ct2, err := Encrypt([]byte("v2"), key, []byte("R2:k2"))
	if err != nil {
		t.Fatalf("encrypt 2: %v", err)
	}
	if _, err := Decrypt(ct1, key, []byte("R2:k2")); err == nil {
		t.Fatal("expected ct1 to fail under R2:k2")
	}
	if _, err := Decrypt(ct2, key, []byte("R1:k1")); err == nil {
		t.Fatal("expected ct2 to fail under R1:k1")
	}
}

func TestDecryptTagTamperFails(t *testing.T) {
	key := mustKey(t)
	ct, err := Encrypt([]byte("hello"), key, nil)
	if err != nil {
		t.Fatalf("encrypt: %v", err)
	}
	raw, err := base64.StdEncoding.DecodeString(ct)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	raw[IVSize] ^= 0xFF // first tag byte in IV || Tag || Ciphertext
	mutated := base64.StdEncoding.EncodeToString(raw)
	if _, err := Decrypt(mutated, key, nil); err == nil {
		t.Fatal("expected failure after tag tamper")
	}
}

func TestDigestDeterministic(t *testing.T) {
	key := mustKey(t)
	d1, err := Digest([]byte("material"), key)
	if err != nil {
		t.Fatalf("digest: %v", err)
	}
	d2, err := Digest([]byte("material"), key)
	if err != nil {
		t.Fatalf("digest: %v", err)
	}
	if d1 != d2 {
		t.Fatal("expected deterministic digest")
	}
	d3, err := Digest([]byte("material"), "")
	if err != nil {
		t.Fatalf("digest with empty key: %v", err)
	}
	if d3 == d1 {
		t.Fatal("expected different digest for empty key")
	}
}

func TestRandomKeyHexLength(t *testing.T) {
	k, err := RandomKeyHex(32)
	if err != nil {
		t.Fatalf("RandomKeyHex: %v", err)
	}
	if len(k) != 64 {
		t.Fatalf("got hex length %d, want 64", len(k))
	}
}

func FuzzEncryptDecryptRoundTrip(f *testing.F) {
	f.Add([]byte("hello"), []byte("aad"))
	f.Add([]byte(""), []byte(""))
	f.Fuzz(func(t *testing.T, pt, aad []byte) {
		key, err := RandomKeyHex(32)
		if err != nil {
			t.Fatalf("key: %v", err)
		}
		ct, err := Encrypt(pt, key, aad)
		if err != nil {
			t.Fatalf("encrypt: %v", err)
		}
		got, err := Decrypt(ct, key, aad)
		if err != nil {
			t.Fatalf("decrypt: %v", err)
		}
		if !bytes.Equal(pt, got) {
			t.Fatalf("roundtrip mismatch")
		}
	})
}
