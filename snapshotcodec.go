package groundedsync

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"errors"
	"fmt"
	"io"

	"github.com/golang/snappy"
	"golang.org/x/crypto/pbkdf2"
)

// EncryptionConfig configures optional at-rest encryption of persisted
// snapshots.
type EncryptionConfig struct {
	// Enabled turns encryption on.
	Enabled bool `yaml:"enabled"`

	// Passphrase is the key material. Required when enabled.
	Passphrase string `yaml:"passphrase"`

	// Salt for key derivation. Required when enabled.
	Salt string `yaml:"salt"`

	// Iterations for the key derivation function. Default: 100000.
	Iterations int `yaml:"iterations"`
}

// Codec errors
var (
	ErrNoPassphrase     = errors.New("encryption enabled without passphrase")
	ErrCorruptSnapshot  = errors.New("corrupt snapshot payload")
	ErrDecryptionFailed = errors.New("snapshot decryption failed")
)

// SnapshotCodec compresses, and optionally encrypts, snapshot payloads
// before they reach a snapshot store. Compression always runs; snapshot
// JSON is highly repetitive and shrinks well.
type SnapshotCodec struct {
	aead cipher.AEAD
}

// NewSnapshotCodec builds a codec. With encryption disabled it only
// compresses.
func NewSnapshotCodec(cfg EncryptionConfig) (*SnapshotCodec, error) {
	if !cfg.Enabled {
		return &SnapshotCodec{}, nil
	}
	if cfg.Passphrase == "" {
		return nil, ErrNoPassphrase
	}
	if cfg.Iterations <= 0 {
		cfg.Iterations = 100000
	}
	key := pbkdf2.Key([]byte(cfg.Passphrase), []byte(cfg.Salt), cfg.Iterations, 32, sha256.New)
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("init snapshot cipher: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("init snapshot cipher: %w", err)
	}
	return &SnapshotCodec{aead: aead}, nil
}

// Encode compresses (and encrypts, when configured) a raw snapshot.
func (c *SnapshotCodec) Encode(raw []byte) ([]byte, error) {
	packed := snappy.Encode(nil, raw)
	if c.aead == nil {
		return packed, nil
	}
	nonce := make([]byte, c.aead.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, fmt.Errorf("snapshot nonce: %w", err)
	}
	return c.aead.Seal(nonce, nonce, packed, nil), nil
}

// Decode reverses Encode.
func (c *SnapshotCodec) Decode(stored []byte) ([]byte, error) {
	packed := stored
	if c.aead != nil {
		ns := c.aead.NonceSize()
		if len(stored) < ns {
			return nil, ErrCorruptSnapshot
		}
		var err error
		packed, err = c.aead.Open(nil, stored[:ns], stored[ns:], nil)
		if err != nil {
			return nil, ErrDecryptionFailed
		}
	}
	raw, err := snappy.Decode(nil, packed)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorruptSnapshot, err)
	}
	return raw, nil
}
