package store

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/klauspost/compress/zstd"
)

// Payload is an archived copy of a dataset file as it was loaded.
type Payload struct {
	ID          int64
	StoredAt    time.Time
	Source      string
	Fingerprint string
	SizeBytes   int64
	Compressed  []byte
}

var (
	encoder, _ = zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	decoder, _ = zstd.NewReader(nil)
)

// ArchivePayload stores a zstd-compressed copy of the raw dataset content.
// Content already archived under the same fingerprint is skipped.
func (s *Store) ArchivePayload(source, fingerprint string, data []byte) error {
	compressed := encoder.EncodeAll(data, make([]byte, 0, len(data)/4))

	return retry(func() error {
		_, err := s.db.Exec(`
			INSERT INTO dataset_payloads (stored_at, source, fingerprint, size_bytes, payload_compressed)
			VALUES (?, ?, ?, ?, ?)
			ON CONFLICT(fingerprint) DO NOTHING
		`, s.now().UTC(), source, fingerprint, len(data), compressed)
		if err != nil {
			return fmt.Errorf("insert payload: %w", err)
		}
		return nil
	})
}

// GetPayload retrieves and decompresses the archived content for fingerprint.
// It returns nil when nothing is archived under it.
func (s *Store) GetPayload(fingerprint string) ([]byte, error) {
	var compressed []byte
	err := s.db.QueryRow(`SELECT payload_compressed FROM dataset_payloads WHERE fingerprint = ?`, fingerprint).
		Scan(&compressed)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	data, err := decoder.DecodeAll(compressed, nil)
	if err != nil {
		return nil, fmt.Errorf("decompress payload: %w", err)
	}
	return data, nil
}

// PayloadStats contains storage statistics for archived payloads.
type PayloadStats struct {
	Count           int
	RawBytes        int64
	CompressedBytes int64
}

func (s *Store) GetPayloadStats() (PayloadStats, error) {
	var st PayloadStats
	err := s.db.QueryRow(`
		SELECT COUNT(*), COALESCE(SUM(size_bytes), 0), COALESCE(SUM(LENGTH(payload_compressed)), 0)
		FROM dataset_payloads
	`).Scan(&st.Count, &st.RawBytes, &st.CompressedBytes)
	return st, err
}

// PrunePayloads keeps the newest keep payloads and deletes the rest.
func (s *Store) PrunePayloads(keep int) (int64, error) {
	var n int64
	err := retry(func() error {
		result, err := s.db.Exec(`
			DELETE FROM dataset_payloads
			WHERE id NOT IN (SELECT id FROM dataset_payloads ORDER BY id DESC LIMIT ?)
		`, keep)
		if err != nil {
			return err
		}
		n, err = result.RowsAffected()
		return err
	})
	return n, err
}
