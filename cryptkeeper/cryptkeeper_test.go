package cryptkeeper

import (
	"bytes"
	"testing"
)

const (
	keyA = "000102030405060708090a0b0c0d0e0f101112131415161718191a1b1c1d1e1f"
	keyB = "202122232425262728292a2b2c2d2e2f303132333435363738393a3b3c3d3e3f"
)

func TestSealOpenRoundTrip(t *testing.T) {
	keeper, err := newFromSpec(keyA)
	if err != nil {
		t.Fatalf("newFromSpec: %s", err)
	}

	payloads := [][]byte{
		[]byte(`{"refresh_token": "upstream-secret"}`),
		bytes.Repeat([]byte("compressible "), 512),
		{0x00},
	}
	for _, payload := range payloads {
		blob, err := keeper.Seal(payload)
		if err != nil {
			t.Fatalf("Seal(%d bytes): %s", len(payload), err)
		}
		if bytes.Contains(blob, []byte("upstream-secret")) {
			t.Error("sealed blob contains cleartext")
		}
		got, err := keeper.Open(blob)
		if err != nil {
			t.Fatalf("Open(%d bytes): %s", len(payload), err)
		}
		if !bytes.Equal(got, payload) {
			t.Errorf("round trip mismatch for %d-byte payload", len(payload))
		}
	}
}

func TestKeyRotation(t *testing.T) {
	old, err := newFromSpec(keyA)
	if err != nil {
		t.Fatalf("newFromSpec: %s", err)
	}
	blob, err := old.Seal([]byte("state"))
	if err != nil {
		t.Fatalf("Seal: %s", err)
	}

	// Rotation prepends the new key; the old key still opens old blobs.
	rotated, err := newFromSpec(keyB + ";" + keyA)
	if err != nil {
		t.Fatalf("newFromSpec: %s", err)
	}
	got, err := rotated.Open(blob)
	if err != nil {
		t.Fatalf("Open with rotated ring: %s", err)
	}
	if string(got) != "state" {
		t.Errorf("got %q, want %q", got, "state")
	}

	// Once the old key is dropped, its blobs are gone.
	newOnly, err := newFromSpec(keyB)
	if err != nil {
		t.Fatalf("newFromSpec: %s", err)
	}
	if _, err := newOnly.Open(blob); err != ErrDecryptFailed {
		t.Errorf("Open after dropping key: got %v, want ErrDecryptFailed", err)
	}
}

func TestTamperedBlobRejected(t *testing.T) {
	keeper, err := newFromSpec(keyA)
	if err != nil {
		t.Fatalf("newFromSpec: %s", err)
	}
	blob, err := keeper.Seal([]byte("state"))
	if err != nil {
		t.Fatalf("Seal: %s", err)
	}
	blob[len(blob)-1] ^= 0xff
	if _, err := keeper.Open(blob); err != ErrDecryptFailed {
		t.Errorf("tampered blob: got %v, want ErrDecryptFailed", err)
	}
}

func TestDisabledKeeper(t *testing.T) {
	keeper, err := newFromSpec("")
	if err != nil {
		t.Fatalf("newFromSpec: %s", err)
	}
	if keeper.Enabled() {
		t.Error("keeper with no keys reports enabled")
	}
	if _, err := keeper.Seal([]byte("state")); err != ErrNoKeys {
		t.Errorf("Seal without keys: got %v, want ErrNoKeys", err)
	}
}

func TestMalformedKeys(t *testing.T) {
	for _, spec := range []string{"zz", "abcd", keyA + "00"} {
		if _, err := newFromSpec(spec); err == nil {
			t.Errorf("newFromSpec(%q) accepted a malformed key", spec)
		}
	}
	// Whitespace and empty segments are tolerated.
	if _, err := newFromSpec(" " + keyA + " ; "); err != nil {
		t.Errorf("newFromSpec with padding: %s", err)
	}
}
