package transfer

import (
	"database/sql"
	"fmt"
	"sync"
	"time"

	_ "modernc.org/sqlite"

	"github.com/meshwire/meshcore/internal/wire"
)

// Store persists outgoing-transfer manifests and bitmaps so a restart can
// resume rather than re-queue from scratch (spec §6: "transfers/outgoing/
// <file_id>.meta — manifest + ack bitmap to support resume across restarts
// (optional but RECOMMENDED)"; spec §9 marks this unimplemented in the
// source). Grounded on the teacher's manager.PersistentStore and
// manager.BitmapStore, consolidated into one sqlite database keyed by
// file_id rather than one file per transfer — the per-file-id path in the
// spec names a logical record, not a mandated physical layout, and a
// single db avoids a directory-fsync-per-chunk cost on the constrained
// path (see DESIGN.md).
type Store struct {
	db *sql.DB
	mu sync.Mutex
}

func OpenStore(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("transfer: opening store: %w", err)
	}
	db.SetMaxOpenConns(1)

	const schema = `
		CREATE TABLE IF NOT EXISTS outgoing_transfers (
			file_id      BLOB PRIMARY KEY,
			peer_id      TEXT NOT NULL,
			priority     INTEGER NOT NULL,
			manifest     BLOB NOT NULL,
			bitmap       BLOB NOT NULL,
			status       INTEGER NOT NULL,
			source_path  TEXT NOT NULL,
			created_at   TIMESTAMP NOT NULL,
			updated_at   TIMESTAMP NOT NULL
		);
	`
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("transfer: initializing schema: %w", err)
	}
	return &Store{db: db}, nil
}

func (s *Store) Close() error { return s.db.Close() }

// SaveOutgoing upserts a transfer's resumable metadata.
func (s *Store) SaveOutgoing(id ID, peerID wire.PeerID, priority Priority, manifest *wire.Manifest, bitmap []byte, status StatusKind, sourcePath string, now time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	encoded, err := manifest.Encode()
	if err != nil {
		return fmt.Errorf("transfer: encoding manifest for persistence: %w", err)
	}
	_, err = s.db.Exec(`
		INSERT INTO outgoing_transfers (file_id, peer_id, priority, manifest, bitmap, status, source_path, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(file_id) DO UPDATE SET
			bitmap = excluded.bitmap,
			status = excluded.status,
			updated_at = excluded.updated_at
	`, id[:], peerID.String(), uint8(priority), encoded, bitmap, uint8(status), sourcePath, now, now)
	if err != nil {
		return fmt.Errorf("transfer: saving outgoing transfer: %w", err)
	}
	return nil
}

// OutgoingRecord is a resumable outgoing transfer as loaded from disk.
type OutgoingRecord struct {
	ID         ID
	PeerID     wire.PeerID
	Priority   Priority
	Manifest   *wire.Manifest
	Bitmap     []byte
	Status     StatusKind
	SourcePath string
}

// LoadAllOutgoing returns every persisted outgoing transfer not yet in a
// terminal state, for resume-on-startup.
func (s *Store) LoadAllOutgoing() ([]OutgoingRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rows, err := s.db.Query(`
		SELECT file_id, peer_id, priority, manifest, bitmap, status, source_path
		FROM outgoing_transfers
		WHERE status NOT IN (?, ?, ?)
	`, uint8(StatusCompleted), uint8(StatusCancelled), uint8(StatusFailed))
	if err != nil {
		return nil, fmt.Errorf("transfer: loading outgoing transfers: %w", err)
	}
	defer rows.Close()

	var out []OutgoingRecord
	for rows.Next() {
		var (
			fileID     []byte
			peerIDStr  string
			priority   uint8
			manifestB  []byte
			bitmap     []byte
			status     uint8
			sourcePath string
		)
		if err := rows.Scan(&fileID, &peerIDStr, &priority, &manifestB, &bitmap, &status, &sourcePath); err != nil {
			return nil, fmt.Errorf("transfer: scanning outgoing transfer row: %w", err)
		}
		manifest, err := wire.DecodeManifest(manifestB)
		if err != nil {
			return nil, fmt.Errorf("transfer: decoding persisted manifest: %w", err)
		}
		peerID, err := wire.ParsePeerID(peerIDStr)
		if err != nil {
			return nil, fmt.Errorf("transfer: decoding persisted peer id: %w", err)
		}
		var id ID
		copy(id[:], fileID)
		out = append(out, OutgoingRecord{
			ID:         id,
			PeerID:     peerID,
			Priority:   Priority(priority),
			Manifest:   manifest,
			Bitmap:     bitmap,
			Status:     StatusKind(status),
			SourcePath: sourcePath,
		})
	}
	return out, rows.Err()
}

// DeleteOutgoing removes a transfer's resumable record once it reaches a
// terminal state the caller does not intend to retry.
func (s *Store) DeleteOutgoing(id ID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.db.Exec(`DELETE FROM outgoing_transfers WHERE file_id = ?`, id[:])
	return err
}
