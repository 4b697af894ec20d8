package snapshot

import (
	"bytes"
	"errors"
	"testing"

	"github.com/google/uuid"

	"github.com/erp-backup/backup-service/internal/crypto"
)

func TestPackUnpack(t *testing.T) {
	cipher, err := crypto.NewArchiveCipher("archive-secret")
	if err != nil {
		t.Fatalf("NewArchiveCipher() error: %v", err)
	}
	snap := testSnapshot(t, map[string][]Row{"branches": {branchRow(uuid.NewString(), "HQ", "Head Office")}})

	tests := []struct {
		name           string
		opts           ArchiveOptions
		wantCompressed bool
		wantEncrypted  bool
	}{
		{"plain", ArchiveOptions{}, false, false},
		{"compressed", ArchiveOptions{CompressionLevel: 6}, true, false},
		{"encrypted", ArchiveOptions{Cipher: cipher}, false, true},
		{"compressed and encrypted", ArchiveOptions{CompressionLevel: 9, Cipher: cipher}, true, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			packed, err := Pack(snap, tt.opts)
			if err != nil {
				t.Fatalf("Pack() error: %v", err)
			}
			if packed.Compressed != tt.wantCompressed || packed.Encrypted != tt.wantEncrypted {
				t.Errorf("Pack() = compressed %v encrypted %v, want %v %v",
					packed.Compressed, packed.Encrypted, tt.wantCompressed, tt.wantEncrypted)
			}

			got, raw, err := Unpack(packed.Data, cipher, 0)
			if err != nil {
				t.Fatalf("Unpack() error: %v", err)
			}
			if got.Metadata.Checksum != snap.Metadata.Checksum {
				t.Errorf("checksum = %s, want %s", got.Metadata.Checksum, snap.Metadata.Checksum)
			}
			sum, err := got.ComputeChecksum()
			if err != nil {
				t.Fatalf("ComputeChecksum() error: %v", err)
			}
			if sum != snap.Metadata.Checksum {
				t.Errorf("recomputed checksum = %s, want %s", sum, snap.Metadata.Checksum)
			}
			if !bytes.HasPrefix(raw, []byte(`{"metadata"`)) {
				t.Errorf("raw JSON starts with %q", raw[:12])
			}
		})
	}
}

func TestUnpack_EncryptedWithoutCipher(t *testing.T) {
	cipher, _ := crypto.NewArchiveCipher("archive-secret")
	packed, err := Pack(testSnapshot(t, map[string][]Row{"branches": {}}), ArchiveOptions{Cipher: cipher})
	if err != nil {
		t.Fatalf("Pack() error: %v", err)
	}
	if _, _, err := Unpack(packed.Data, nil, 0); !errors.Is(err, ErrArchiveEncrypted) {
		t.Errorf("Unpack() error = %v, want ErrArchiveEncrypted", err)
	}
}

func TestUnpack_SizeLimitAppliesAfterDecompression(t *testing.T) {
	rows := make([]Row, 0, 200)
	for i := 0; i < 200; i++ {
		rows = append(rows, branchRow(uuid.NewString(), "BR", "Branch"))
	}
	packed, err := Pack(testSnapshot(t, map[string][]Row{"branches": rows}), ArchiveOptions{CompressionLevel: 9})
	if err != nil {
		t.Fatalf("Pack() error: %v", err)
	}
	limit := int64(len(packed.Data)) + 1
	if _, _, err := Unpack(packed.Data, nil, limit); !errors.Is(err, ErrTooLarge) {
		t.Errorf("Unpack() error = %v, want ErrTooLarge", err)
	}
}

func TestUnpack_Garbage(t *testing.T) {
	if _, _, err := Unpack([]byte("not a snapshot"), nil, 0); !errors.Is(err, ErrMalformed) {
		t.Errorf("Unpack() error = %v, want ErrMalformed", err)
	}
}
