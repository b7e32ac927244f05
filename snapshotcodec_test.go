package groundedsync

import (
	"bytes"
	"errors"
	"testing"
)

func TestCodecCompressionRoundTrip(t *testing.T) {
	codec, err := NewSnapshotCodec(EncryptionConfig{})
	if err != nil {
		t.Fatalf("codec init failed: %v", err)
	}

	raw := bytes.Repeat([]byte(`{"documents":[]}`), 100)
	encoded, err := codec.Encode(raw)
	if err != nil {
		t.Fatalf("encode failed: %v", err)
	}
	if len(encoded) >= len(raw) {
		t.Errorf("repetitive payload did not shrink: %d -> %d", len(raw), len(encoded))
	}

	decoded, err := codec.Decode(encoded)
	if err != nil {
		t.Fatalf("decode failed: %v", err)
	}
	if !bytes.Equal(decoded, raw) {
		t.Error("round trip lost data")
	}
}

func TestCodecEncryptionRoundTrip(t *testing.T) {
	cfg := EncryptionConfig{Enabled: true, Passphrase: "secret", Salt: "pepper", Iterations: 1000}
	codec, err := NewSnapshotCodec(cfg)
	if err != nil {
		t.Fatalf("codec init failed: %v", err)
	}

	raw := []byte(`{"theory":"confidential"}`)
	encoded, err := codec.Encode(raw)
	if err != nil {
		t.Fatalf("encode failed: %v", err)
	}
	if bytes.Contains(encoded, []byte("confidential")) {
		t.Error("plaintext visible in encrypted payload")
	}

	decoded, err := codec.Decode(encoded)
	if err != nil {
		t.Fatalf("decode failed: %v", err)
	}
	if !bytes.Equal(decoded, raw) {
		t.Error("round trip lost data")
	}
}

func TestCodecWrongPassphraseFails(t *testing.T) {
	enc, _ := NewSnapshotCodec(EncryptionConfig{Enabled: true, Passphrase: "right", Salt: "s", Iterations: 1000})
	dec, _ := NewSnapshotCodec(EncryptionConfig{Enabled: true, Passphrase: "wrong", Salt: "s", Iterations: 1000})

	encoded, err := enc.Encode([]byte("data"))
	if err != nil {
		t.Fatalf("encode failed: %v", err)
	}
	if _, err := dec.Decode(encoded); !errors.Is(err, ErrDecryptionFailed) {
		t.Errorf("expected ErrDecryptionFailed, got %v", err)
	}
}

func TestCodecRequiresPassphrase(t *testing.T) {
	if _, err := NewSnapshotCodec(EncryptionConfig{Enabled: true}); !errors.Is(err, ErrNoPassphrase) {
		t.Errorf("expected ErrNoPassphrase, got %v", err)
	}
}

func TestCodecRejectsCorruptPayload(t *testing.T) {
	codec, _ := NewSnapshotCodec(EncryptionConfig{})
	if _, err := codec.Decode([]byte{0xff, 0x00, 0x01}); !errors.Is(err, ErrCorruptSnapshot) {
		t.Errorf("expected ErrCorruptSnapshot, got %v", err)
	}
}
