// Package backup writes and reads snapshot files: the full store
// contents as JSON, zstd-compressed, optionally sealed with a
// passphrase so an exported history is not plaintext at rest.
package backup

import (
	"bytes"
	"crypto/rand"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/klauspost/compress/zstd"
	"golang.org/x/crypto/argon2"
	"golang.org/x/crypto/chacha20poly1305"

	"peerchat/internal/store"
)

// File layout: 8-byte magic, 1-byte mode, then the payload. Plain
// payloads are zstd-compressed JSON; sealed payloads prepend the
// argon2id salt and the XChaCha20-Poly1305 nonce to the ciphertext of
// the compressed JSON.
var magic = []byte("PCHATBK1")

const (
	modePlain  = 0x00
	modeSealed = 0x01

	saltLen = 16

	argonTime    = 1
	argonMemory  = 64 * 1024
	argonThreads = 4
)

var (
	ErrNotBackup     = errors.New("not a backup file")
	ErrSealed        = errors.New("backup is sealed, passphrase required")
	ErrBadPassphrase = errors.New("wrong passphrase or corrupted backup")
)

func deriveKey(passphrase string, salt []byte) []byte {
	return argon2.IDKey([]byte(passphrase), salt, argonTime, argonMemory, argonThreads, chacha20poly1305.KeySize)
}

// Write stores snap at path. An empty passphrase produces a plain
// compressed file; otherwise the payload is sealed. The file lands via
// rename so a crash never leaves a half-written backup.
func Write(path string, snap store.Snapshot, passphrase string) error {
	raw, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("encode snapshot: %w", err)
	}
	enc, err := zstd.NewWriter(nil)
	if err != nil {
		return fmt.Errorf("zstd init: %w", err)
	}
	compressed := enc.EncodeAll(raw, nil)
	enc.Close()

	var buf bytes.Buffer
	buf.Write(magic)
	if passphrase == "" {
		buf.WriteByte(modePlain)
		buf.Write(compressed)
	} else {
		salt := make([]byte, saltLen)
		if _, err := rand.Read(salt); err != nil {
			return fmt.Errorf("salt: %w", err)
		}
		aead, err := chacha20poly1305.NewX(deriveKey(passphrase, salt))
		if err != nil {
			return fmt.Errorf("seal init: %w", err)
		}
		nonce := make([]byte, aead.NonceSize())
		if _, err := rand.Read(nonce); err != nil {
			return fmt.Errorf("nonce: %w", err)
		}
		buf.WriteByte(modeSealed)
		buf.Write(salt)
		buf.Write(nonce)
		buf.Write(aead.Seal(nil, nonce, compressed, magic))
	}

	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, buf.Bytes(), 0o600); err != nil {
		return err
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return err
	}
	if dir, err := os.Open(filepath.Dir(path)); err == nil {
		dir.Sync()
		dir.Close()
	}
	return nil
}

// Read loads a backup written by Write. Sealed backups need the same
// passphrase; ErrBadPassphrase covers both a wrong passphrase and a
// tampered file, the AEAD cannot tell them apart.
func Read(path string, passphrase string) (store.Snapshot, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return store.Snapshot{}, err
	}
	if len(data) < len(magic)+1 || !bytes.Equal(data[:len(magic)], magic) {
		return store.Snapshot{}, ErrNotBackup
	}
	mode := data[len(magic)]
	payload := data[len(magic)+1:]

	var compressed []byte
	switch mode {
	case modePlain:
		compressed = payload
	case modeSealed:
		if passphrase == "" {
			return store.Snapshot{}, ErrSealed
		}
		if len(payload) < saltLen+chacha20poly1305.NonceSizeX {
			return store.Snapshot{}, ErrNotBackup
		}
		aead, err := chacha20poly1305.NewX(deriveKey(passphrase, payload[:saltLen]))
		if err != nil {
			return store.Snapshot{}, fmt.Errorf("seal init: %w", err)
		}
		nonce := payload[saltLen : saltLen+chacha20poly1305.NonceSizeX]
		compressed, err = aead.Open(nil, nonce, payload[saltLen+chacha20poly1305.NonceSizeX:], magic)
		if err != nil {
			return store.Snapshot{}, ErrBadPassphrase
		}
	default:
		return store.Snapshot{}, ErrNotBackup
	}

	dec, err := zstd.NewReader(nil)
	if err != nil {
		return store.Snapshot{}, fmt.Errorf("zstd init: %w", err)
	}
	defer dec.Close()
	raw, err := dec.DecodeAll(compressed, nil)
	if err != nil {
		return store.Snapshot{}, fmt.Errorf("decompress: %w", err)
	}
	var snap store.Snapshot
	if err := json.Unmarshal(raw, &snap); err != nil {
		return store.Snapshot{}, fmt.Errorf("decode snapshot: %w", err)
	}
	return snap, nil
}
