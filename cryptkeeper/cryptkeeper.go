/*
Package cryptkeeper seals the per-user authentication state that
authenticators stash in the database. State blobs may hold upstream refresh
tokens, so they are never stored in the clear: Seal compresses the payload
with lz4 and encrypts it with ChaCha20-Poly1305.

Keys come from the HELMSMAN_CRYPT_KEYS environment variable, a
semicolon-separated list of 32-byte hex keys. The first key seals new blobs;
every listed key is tried when opening, so keys can be rotated by prepending
a new one and dropping the old key once all blobs have been rewritten. With
no keys configured, sealing is disabled and auth state is not persisted.
*/
package cryptkeeper // import "github.com/helmsmanhq/helmsman/cryptkeeper"

import (
	"crypto/rand"
	"encoding/hex"
	"io"
	"os"
	"strings"

	"github.com/pierrec/lz4/v4"
	"golang.org/x/crypto/chacha20poly1305"

	"github.com/helmsmanhq/helmsman/utils"
)

// KeysEnvVar names the environment variable holding the key list.
const KeysEnvVar = "HELMSMAN_CRYPT_KEYS"

// ErrNoKeys is returned by Seal when no keys are configured.
var ErrNoKeys = utils.MakeError("cryptkeeper: no keys configured")

// ErrDecryptFailed is returned by Open when no configured key can
// authenticate the blob.
var ErrDecryptFailed = utils.MakeError("cryptkeeper: no key could open the blob")

// Keeper holds the configured key ring.
type Keeper struct {
	keys [][]byte
}

// New builds a Keeper from the environment. It returns an error only for
// malformed keys; an empty key list yields a Keeper with sealing disabled.
func New() (*Keeper, error) {
	return newFromSpec(os.Getenv(KeysEnvVar))
}

func newFromSpec(spec string) (*Keeper, error) {
	keeper := &Keeper{}
	for _, part := range strings.Split(spec, ";") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		key, err := hex.DecodeString(part)
		if err != nil {
			return nil, utils.MakeError("malformed crypt key in %s: %s", KeysEnvVar, err)
		}
		if len(key) != chacha20poly1305.KeySize {
			return nil, utils.MakeError("crypt key in %s is %d bytes, want %d", KeysEnvVar, len(key), chacha20poly1305.KeySize)
		}
		keeper.keys = append(keeper.keys, key)
	}
	return keeper, nil
}

// Enabled reports whether at least one key is configured.
func (k *Keeper) Enabled() bool {
	return len(k.keys) > 0
}

// Seal compresses and encrypts a payload with the primary key. The returned
// blob embeds the nonce and is safe to store at rest.
func (k *Keeper) Seal(payload []byte) ([]byte, error) {
	if !k.Enabled() {
		return nil, ErrNoKeys
	}

	compressed := make([]byte, lz4.CompressBlockBound(len(payload)))
	var compressor lz4.Compressor
	n, err := compressor.CompressBlock(payload, compressed)
	if err != nil {
		return nil, utils.MakeError("couldn't compress payload: %s", err)
	}
	// CompressBlock returns 0 for incompressible input; fall back to a raw
	// frame marked by a leading flag byte.
	var frame []byte
	if n == 0 {
		frame = append([]byte{0}, payload...)
	} else {
		// The raw length is needed to size the decompression buffer.
		frame = append([]byte{1,
			byte(len(payload)), byte(len(payload) >> 8),
			byte(len(payload) >> 16), byte(len(payload) >> 24)},
			compressed[:n]...)
	}

	aead, err := chacha20poly1305.NewX(k.keys[0])
	if err != nil {
		return nil, utils.MakeError("couldn't build cipher: %s", err)
	}
	nonce := make([]byte, aead.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, utils.MakeError("couldn't read random nonce: %s", err)
	}
	return aead.Seal(nonce, nonce, frame, nil), nil
}

// Open decrypts and decompresses a sealed blob, trying every configured key
// (newest first) so rotated-away keys keep working until blobs are
// rewritten.
func (k *Keeper) Open(blob []byte) ([]byte, error) {
	if !k.Enabled() {
		return nil, ErrNoKeys
	}
	if len(blob) < chacha20poly1305.NonceSizeX {
		return nil, ErrDecryptFailed
	}
	nonce, sealed := blob[:chacha20poly1305.NonceSizeX], blob[chacha20poly1305.NonceSizeX:]

	for _, key := range k.keys {
		aead, err := chacha20poly1305.NewX(key)
		if err != nil {
			return nil, utils.MakeError("couldn't build cipher: %s", err)
		}
		frame, err := aead.Open(nil, nonce, sealed, nil)
		if err != nil {
			continue
		}
		return unframe(frame)
	}
	return nil, ErrDecryptFailed
}

func unframe(frame []byte) ([]byte, error) {
	if len(frame) < 1 {
		return nil, utils.MakeError("sealed frame is empty")
	}
	if frame[0] == 0 {
		return frame[1:], nil
	}
	if len(frame) < 5 {
		return nil, utils.MakeError("sealed frame is truncated")
	}
	size := int(frame[1]) | int(frame[2])<<8 | int(frame[3])<<16 | int(frame[4])<<24
	payload := make([]byte, size)
	n, err := lz4.UncompressBlock(frame[5:], payload)
	if err != nil {
		return nil, utils.MakeError("couldn't decompress payload: %s", err)
	}
	return payload[:n], nil
}
