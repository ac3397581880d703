// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package badgerlog provides a durable, partitioned record log on
// BadgerDB and a demand-driven publisher over it. The log is the
// concrete retrieval source for the subscriber: append-only per
// partition, replayable from any sequence number, so a subscription can
// resume strictly after a checkpoint with no gap and no duplicate.
package badgerlog

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/google/uuid"

	"github.com/absmach/fluxsub/retrieval"
)

// Config holds record log configuration.
type Config struct {
	// Dir is the BadgerDB directory.
	Dir string

	// SyncWrites forces fsync on every append.
	SyncWrites bool
}

// Log is a partitioned, append-only record log.
//
// Key format: p/{partition}/{sequence}, both zero-padded so that byte
// order matches numeric order. Values are JSON-encoded records.
type Log struct {
	db *badger.DB

	mu   sync.Mutex
	seqs map[int]uint64       // next sequence per partition
	pubs map[int][]*Publisher // publishers to notify on append
}

// Open opens or creates a record log.
func Open(cfg Config) (*Log, error) {
	opts := badger.DefaultOptions(cfg.Dir).
		WithSyncWrites(cfg.SyncWrites).
		WithLogger(nil)

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to open record log: %w", err)
	}

	return &Log{
		db:   db,
		seqs: make(map[int]uint64),
		pubs: make(map[int][]*Publisher),
	}, nil
}

// Close closes the underlying database.
func (l *Log) Close() error {
	return l.db.Close()
}

func partitionPrefix(partition int) []byte {
	return []byte(fmt.Sprintf("p/%08d/", partition))
}

func recordKey(partition int, seq uint64) []byte {
	return []byte(fmt.Sprintf("p/%08d/%020d", partition, seq))
}

// Append writes records to a partition, assigning sequence numbers and
// IDs, and wakes any publisher pumping that partition.
func (l *Log) Append(partition int, recs ...retrieval.Record) error {
	if len(recs) == 0 {
		return nil
	}

	l.mu.Lock()
	next, err := l.nextSequenceLocked(partition)
	if err != nil {
		l.mu.Unlock()
		return err
	}
	l.seqs[partition] = next + uint64(len(recs))
	l.mu.Unlock()

	err = l.db.Update(func(txn *badger.Txn) error {
		for i := range recs {
			recs[i].Sequence = next + uint64(i)
			if recs[i].ID == "" {
				recs[i].ID = uuid.New().String()
			}
			if recs[i].Timestamp.IsZero() {
				recs[i].Timestamp = time.Now()
			}
			data, err := json.Marshal(recs[i])
			if err != nil {
				return fmt.Errorf("failed to marshal record: %w", err)
			}
			if err := txn.Set(recordKey(partition, recs[i].Sequence), data); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to append records: %w", err)
	}

	l.mu.Lock()
	pubs := append([]*Publisher(nil), l.pubs[partition]...)
	l.mu.Unlock()
	for _, p := range pubs {
		p.notifyAppend()
	}
	return nil
}

// nextSequenceLocked returns the next unused sequence for a partition,
// scanning the log tail on first use.
func (l *Log) nextSequenceLocked(partition int) (uint64, error) {
	if next, ok := l.seqs[partition]; ok {
		return next, nil
	}

	var next uint64 = 1
	err := l.db.View(func(txn *badger.Txn) error {
		prefix := partitionPrefix(partition)
		it := txn.NewIterator(badger.IteratorOptions{
			Reverse: true,
			Prefix:  prefix,
		})
		defer it.Close()

		// Seek past the end of the partition's key range.
		seekKey := append(append([]byte(nil), prefix...), 0xFF)
		it.Seek(seekKey)
		if !it.ValidForPrefix(prefix) {
			return nil
		}

		var last uint64
		if _, err := fmt.Sscanf(string(it.Item().Key()), string(prefix)+"%d", &last); err != nil {
			return fmt.Errorf("malformed log key %q: %w", it.Item().Key(), err)
		}
		next = last + 1
		return nil
	})
	if err != nil {
		return 0, err
	}
	l.seqs[partition] = next
	return next, nil
}

// readFrom returns up to max records of a partition starting at seq.
func (l *Log) readFrom(partition int, seq uint64, max int) ([]retrieval.Record, error) {
	var recs []retrieval.Record
	err := l.db.View(func(txn *badger.Txn) error {
		prefix := partitionPrefix(partition)
		it := txn.NewIterator(badger.IteratorOptions{
			PrefetchValues: true,
			PrefetchSize:   max,
			Prefix:         prefix,
		})
		defer it.Close()

		for it.Seek(recordKey(partition, seq)); it.ValidForPrefix(prefix) && len(recs) < max; it.Next() {
			data, err := it.Item().ValueCopy(nil)
			if err != nil {
				return err
			}
			var rec retrieval.Record
			if err := json.Unmarshal(data, &rec); err != nil {
				return fmt.Errorf("failed to unmarshal record: %w", err)
			}
			recs = append(recs, rec)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to read records: %w", err)
	}
	return recs, nil
}

// oldestSequence returns the first retained sequence of a partition, or
// 1 if the partition is empty.
func (l *Log) oldestSequence(partition int) (uint64, error) {
	var oldest uint64 = 1
	err := l.db.View(func(txn *badger.Txn) error {
		prefix := partitionPrefix(partition)
		it := txn.NewIterator(badger.IteratorOptions{Prefix: prefix})
		defer it.Close()

		it.Seek(prefix)
		if !it.ValidForPrefix(prefix) {
			return nil
		}
		if _, err := fmt.Sscanf(string(it.Item().Key()), string(prefix)+"%d", &oldest); err != nil {
			return fmt.Errorf("malformed log key %q: %w", it.Item().Key(), err)
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return oldest, nil
}

// latestSequence returns the next sequence a fresh "latest" read should
// start at.
func (l *Log) latestSequence(partition int) (uint64, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.nextSequenceLocked(partition)
}

func (l *Log) register(p *Publisher) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.pubs[p.partition] = append(l.pubs[p.partition], p)
}

func (l *Log) unregister(p *Publisher) {
	l.mu.Lock()
	defer l.mu.Unlock()
	pubs := l.pubs[p.partition]
	for i, q := range pubs {
		if q == p {
			l.pubs[p.partition] = append(pubs[:i], pubs[i+1:]...)
			break
		}
	}
}
