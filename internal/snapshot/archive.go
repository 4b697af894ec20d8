package snapshot

import (
	"bytes"
	"errors"
	"fmt"
	"io"

	"github.com/klauspost/pgzip"

	"github.com/erp-backup/backup-service/internal/crypto"
)

// ErrArchiveEncrypted is returned when an encrypted archive is opened without a cipher.
var ErrArchiveEncrypted = errors.New("archive is encrypted but no passphrase is configured")

var gzipMagic = []byte{0x1f, 0x8b}

// ArchiveOptions controls how snapshots are packed for storage.
type ArchiveOptions struct {
	// CompressionLevel is the gzip level; 0 stores the JSON uncompressed.
	CompressionLevel int
	// Cipher encrypts the packed bytes; nil stores them in the clear.
	Cipher *crypto.ArchiveCipher
}

// Packed is the storable form of a snapshot.
type Packed struct {
	Data       []byte
	Compressed bool
	Encrypted  bool
}

// Pack encodes snap as JSON, then compresses and encrypts it per opts.
func Pack(snap *Snapshot, opts ArchiveOptions) (*Packed, error) {
	raw, err := snap.Marshal()
	if err != nil {
		return nil, fmt.Errorf("failed to encode snapshot: %w", err)
	}

	out := &Packed{Data: raw}
	if opts.CompressionLevel != 0 {
		var buf bytes.Buffer
		gz, err := pgzip.NewWriterLevel(&buf, opts.CompressionLevel)
		if err != nil {
			return nil, fmt.Errorf("failed to create gzip writer: %w", err)
		}
		if _, err := gz.Write(raw); err != nil {
			gz.Close()
			return nil, fmt.Errorf("failed to compress snapshot: %w", err)
		}
		if err := gz.Close(); err != nil {
			return nil, fmt.Errorf("failed to finish compression: %w", err)
		}
		out.Data = buf.Bytes()
		out.Compressed = true
	}

	if opts.Cipher != nil {
		sealed, err := opts.Cipher.Seal(out.Data)
		if err != nil {
			return nil, fmt.Errorf("failed to encrypt snapshot: %w", err)
		}
		out.Data = sealed
		out.Encrypted = true
	}
	return out, nil
}

// Unpack reverses Pack. The layers are detected from the payload header, so plain JSON
// snapshots are accepted too. It returns the decoded snapshot and its raw JSON bytes.
func Unpack(data []byte, cipher *crypto.ArchiveCipher, maxBytes int64) (*Snapshot, []byte, error) {
	if crypto.IsSealed(data) {
		if cipher == nil {
			return nil, nil, ErrArchiveEncrypted
		}
		opened, err := cipher.Open(data)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to decrypt archive: %w", err)
		}
		data = opened
	}

	var r io.Reader = bytes.NewReader(data)
	if bytes.HasPrefix(data, gzipMagic) {
		gz, err := pgzip.NewReader(r)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to open gzip stream: %w", err)
		}
		defer gz.Close()
		r = gz
	}

	if maxBytes > 0 {
		r = io.LimitReader(r, maxBytes+1)
	}
	raw, err := io.ReadAll(r)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to read archive: %w", err)
	}
	if maxBytes > 0 && int64(len(raw)) > maxBytes {
		return nil, nil, fmt.Errorf("%w (%d bytes)", ErrTooLarge, maxBytes)
	}

	snap, err := ParseBytes(raw)
	if err != nil {
		return nil, nil, err
	}
	return snap, raw, nil
}
