// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package journal persists restore-run progress as a write-ahead log
// so an interrupted run can resume without re-creating entities that
// already exist remotely.
package journal

import (
	"bytes"
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"hash/crc32"
	"log/slog"
	"os"
	"sync/atomic"
	"time"

	badger "github.com/dgraph-io/badger/v4"
)

var (
	// ErrClosed is returned for operations on a closed journal.
	ErrClosed = errors.New("journal is closed")

	// ErrCorrupted is returned when an entry fails its CRC check.
	ErrCorrupted = errors.New("journal entry corrupted (CRC mismatch)")

	// ErrSequenceGap is returned when replay finds a hole in the
	// sequence numbers, indicating lost writes.
	ErrSequenceGap = errors.New("journal sequence number gap detected")
)

// RecordType distinguishes the two kinds of journal records.
type RecordType string

const (
	// RecordMapping is a backup-to-remote id resolution. Written
	// before the outcome so a crash between the two still leaves the
	// minted remote id recoverable.
	RecordMapping RecordType = "mapping"

	// RecordOutcome is an entity's terminal state for this run.
	RecordOutcome RecordType = "outcome"
)

// Record is one journal entry.
type Record struct {
	Type     RecordType `json:"type"`
	EntityID string     `json:"entity_id"`

	// RemoteID is set for mapping records.
	RemoteID string `json:"remote_id,omitempty"`

	// Outcome and Reason are set for outcome records.
	Outcome string `json:"outcome,omitempty"`
	Reason  string `json:"reason,omitempty"`

	At time.Time `json:"at"`
}

// Config configures a Journal.
type Config struct {
	// Path is the BadgerDB directory. Required unless InMemory.
	Path string

	// RunID scopes entries so several runs can share one database.
	// Required.
	RunID string

	// SyncWrites forces each append to disk before returning. A
	// journal with async writes cannot guarantee resume correctness,
	// so this defaults to true.
	SyncWrites bool

	// InMemory opens an ephemeral database, for tests.
	InMemory bool

	Logger *slog.Logger
}

// DefaultConfig returns production defaults for a run journal.
func DefaultConfig() Config {
	return Config{SyncWrites: true}
}

func (c *Config) validate() error {
	if c.RunID == "" {
		return errors.New("run_id must not be empty")
	}
	if !c.InMemory && c.Path == "" {
		return errors.New("path is required for a persistent journal")
	}
	return nil
}

// Journal is a BadgerDB-backed write-ahead log of restore progress.
//
// Key format: "run:{run_id}:{seq:016d}"
// Value format: [4-byte CRC32][JSON record]
//
// Thread Safety: safe for concurrent use.
type Journal struct {
	db     *badger.DB
	cfg    Config
	logger *slog.Logger

	seq    atomic.Uint64
	closed atomic.Bool
}

// badgerLogger adapts slog to BadgerDB's logger interface.
type badgerLogger struct{ logger *slog.Logger }

func (l *badgerLogger) Errorf(format string, args ...interface{}) {
	l.logger.Error(fmt.Sprintf(format, args...))
}
func (l *badgerLogger) Warningf(format string, args ...interface{}) {
	l.logger.Warn(fmt.Sprintf(format, args...))
}
func (l *badgerLogger) Infof(format string, args ...interface{}) {
	l.logger.Debug(fmt.Sprintf(format, args...))
}
func (l *badgerLogger) Debugf(format string, args ...interface{}) {
	l.logger.Debug(fmt.Sprintf(format, args...))
}

// Open opens (or creates) the journal for a run.
//
// Outputs:
//   - *Journal: positioned after the last existing entry for this run.
//   - error: non-nil if the configuration is invalid or BadgerDB
//     cannot be opened.
func Open(cfg Config) (*Journal, error) {
	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("invalid journal config: %w", err)
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	var opts badger.Options
	if cfg.InMemory {
		opts = badger.DefaultOptions("").WithInMemory(true)
	} else {
		if err := os.MkdirAll(cfg.Path, 0750); err != nil {
			return nil, fmt.Errorf("create journal directory %s: %w", cfg.Path, err)
		}
		opts = badger.DefaultOptions(cfg.Path)
	}
	opts = opts.WithSyncWrites(cfg.SyncWrites).
		WithNumVersionsToKeep(1).
		WithLogger(&badgerLogger{logger: cfg.Logger})

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open journal database: %w", err)
	}

	j := &Journal{
		db:     db,
		cfg:    cfg,
		logger: cfg.Logger.With(slog.String("component", "journal"), slog.String("run_id", cfg.RunID)),
	}
	if err := j.initSeq(); err != nil {
		db.Close()
		return nil, fmt.Errorf("init sequence number: %w", err)
	}

	j.logger.Info("journal opened",
		slog.Bool("sync_writes", cfg.SyncWrites),
		slog.Uint64("last_seq", j.seq.Load()))
	return j, nil
}

func (j *Journal) keyPrefix() []byte {
	return []byte(fmt.Sprintf("run:%s:", j.cfg.RunID))
}

func (j *Journal) key(seq uint64) []byte {
	return []byte(fmt.Sprintf("run:%s:%016d", j.cfg.RunID, seq))
}

// initSeq seeks the highest existing key so appends continue the
// sequence across process restarts.
func (j *Journal) initSeq() error {
	prefix := j.keyPrefix()
	var maxSeq uint64

	err := j.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		opts.Reverse = true

		it := txn.NewIterator(opts)
		defer it.Close()

		seek := append(append([]byte{}, prefix...), 0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF)
		it.Seek(seek)
		if it.ValidForPrefix(prefix) {
			var seq uint64
			if _, err := fmt.Sscanf(string(it.Item().Key()[len(prefix):]), "%016d", &seq); err == nil {
				maxSeq = seq
			}
		}
		return nil
	})
	if err != nil {
		return err
	}
	j.seq.Store(maxSeq)
	return nil
}

func encodeRecord(rec Record) ([]byte, error) {
	body, err := json.Marshal(rec)
	if err != nil {
		return nil, fmt.Errorf("encode record: %w", err)
	}
	out := make([]byte, 4+len(body))
	binary.BigEndian.PutUint32(out[:4], crc32.ChecksumIEEE(body))
	copy(out[4:], body)
	return out, nil
}

func decodeRecord(data []byte) (Record, error) {
	if len(data) < 5 {
		return Record{}, fmt.Errorf("%w: entry too short", ErrCorrupted)
	}
	stored := binary.BigEndian.Uint32(data[:4])
	body := data[4:]
	if computed := crc32.ChecksumIEEE(body); stored != computed {
		return Record{}, fmt.Errorf("%w: stored=%08x computed=%08x", ErrCorrupted, stored, computed)
	}
	var rec Record
	if err := json.NewDecoder(bytes.NewReader(body)).Decode(&rec); err != nil {
		return Record{}, fmt.Errorf("decode record: %w", err)
	}
	return rec, nil
}

// Append writes one record durably.
func (j *Journal) Append(ctx context.Context, rec Record) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if j.closed.Load() {
		return ErrClosed
	}

	data, err := encodeRecord(rec)
	if err != nil {
		return err
	}
	seq := j.seq.Add(1)

	err = j.db.Update(func(txn *badger.Txn) error {
		return txn.Set(j.key(seq), data)
	})
	if err != nil {
		return fmt.Errorf("write journal entry: %w", err)
	}

	j.logger.Debug("record appended",
		slog.Uint64("seq", seq),
		slog.String("type", string(rec.Type)),
		slog.String("entity_id", rec.EntityID))
	return nil
}

// Replay returns every record for this run in append order, verifying
// checksums and sequence continuity.
func (j *Journal) Replay(ctx context.Context) ([]Record, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if j.closed.Load() {
		return nil, ErrClosed
	}

	prefix := j.keyPrefix()
	var records []Record
	var lastSeq uint64

	err := j.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = true

		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			if err := ctx.Err(); err != nil {
				return err
			}
			item := it.Item()

			var seq uint64
			if _, err := fmt.Sscanf(string(item.Key()[len(prefix):]), "%016d", &seq); err != nil {
				continue
			}
			// Sequences start at 1, so a missing head entry is a gap
			// just like a hole in the middle.
			if seq != lastSeq+1 {
				return fmt.Errorf("%w: expected %d, got %d", ErrSequenceGap, lastSeq+1, seq)
			}
			lastSeq = seq

			err := item.Value(func(val []byte) error {
				rec, err := decodeRecord(val)
				if err != nil {
					return err
				}
				records = append(records, rec)
				return nil
			})
			if err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("replay: %w", err)
	}

	j.logger.Info("replay completed", slog.Int("records", len(records)))
	return records, nil
}

// Sync flushes pending writes to disk.
func (j *Journal) Sync() error {
	if j.closed.Load() {
		return ErrClosed
	}
	if j.cfg.InMemory {
		return nil
	}
	return j.db.Sync()
}

// Close syncs and releases the database.
func (j *Journal) Close() error {
	if j.closed.Swap(true) {
		return nil
	}
	j.logger.Info("closing journal")
	if !j.cfg.InMemory {
		if err := j.db.Sync(); err != nil {
			j.logger.Warn("sync before close failed", slog.String("error", err.Error()))
		}
	}
	return j.db.Close()
}
