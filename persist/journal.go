// ABOUTME: Append-only JSONL journal of outbox operations so queued writes survive restarts.
// ABOUTME: Each op is appended when queued and acknowledged when stored; opening compacts away acknowledged ops.
package persist

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
)

type journalRecord struct {
	Seq uint64 `json:"seq"`
	Op  *Op    `json:"op,omitempty"`
	Ack bool   `json:"ack,omitempty"`
}

// Journal is a JSONL file of pending outbox operations.
type Journal struct {
	mu      sync.Mutex
	path    string
	file    *os.File
	pending []Op
}

// OpenJournal opens (or creates) the journal at path, replays it, and rewrites
// it to hold only unacknowledged operations. Unparseable lines are skipped.
func OpenJournal(path string) (*Journal, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create parent dirs: %w", err)
	}

	pending, err := replayJournal(path)
	if err != nil {
		return nil, err
	}
	if err := rewriteJournal(path, pending); err != nil {
		return nil, err
	}

	file, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open journal: %w", err)
	}
	return &Journal{path: path, file: file, pending: pending}, nil
}

// Path returns the journal file path.
func (j *Journal) Path() string { return j.path }

// Pending returns the unacknowledged operations found when the journal was opened.
func (j *Journal) Pending() []Op {
	j.mu.Lock()
	defer j.mu.Unlock()
	return append([]Op(nil), j.pending...)
}

// Append records a queued operation.
func (j *Journal) Append(op Op) error {
	return j.write(journalRecord{Seq: op.Seq, Op: &op})
}

// Ack records that the operation with seq was stored or dropped.
func (j *Journal) Ack(seq uint64) error {
	return j.write(journalRecord{Seq: seq, Ack: true})
}

// Close closes the journal file.
func (j *Journal) Close() error {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.file.Close()
}

func (j *Journal) write(rec journalRecord) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal journal record: %w", err)
	}
	j.mu.Lock()
	defer j.mu.Unlock()
	if _, err := j.file.Write(append(data, '\n')); err != nil {
		return fmt.Errorf("write journal record: %w", err)
	}
	if err := j.file.Sync(); err != nil {
		return fmt.Errorf("fsync journal: %w", err)
	}
	return nil
}

func replayJournal(path string) ([]Op, error) {
	file, err := os.Open(path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("open journal for replay: %w", err)
	}
	defer func() { _ = file.Close() }()

	var order []uint64
	ops := make(map[uint64]Op)
	scanner := bufio.NewScanner(file)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		var rec journalRecord
		if json.Unmarshal([]byte(line), &rec) != nil {
			continue
		}
		switch {
		case rec.Ack:
			delete(ops, rec.Seq)
		case rec.Op != nil:
			if _, dup := ops[rec.Seq]; !dup {
				order = append(order, rec.Seq)
			}
			op := *rec.Op
			op.Seq = rec.Seq
			ops[rec.Seq] = op
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("scan journal: %w", err)
	}

	var pending []Op
	for _, seq := range order {
		if op, ok := ops[seq]; ok {
			pending = append(pending, op)
			delete(ops, seq)
		}
	}
	return pending, nil
}

// rewriteJournal atomically replaces the journal with only the pending ops.
func rewriteJournal(path string, pending []Op) error {
	tmpPath := path + ".tmp"
	tmp, err := os.Create(tmpPath)
	if err != nil {
		return fmt.Errorf("create temp journal: %w", err)
	}
	w := bufio.NewWriter(tmp)
	for i := range pending {
		data, err := json.Marshal(journalRecord{Seq: pending[i].Seq, Op: &pending[i]})
		if err != nil {
			_ = tmp.Close()
			_ = os.Remove(tmpPath)
			return fmt.Errorf("marshal journal record: %w", err)
		}
		w.Write(data)
		w.WriteByte('\n')
	}
	if err := w.Flush(); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpPath)
		return fmt.Errorf("write temp journal: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpPath)
		return fmt.Errorf("fsync temp journal: %w", err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("close temp journal: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("rename journal: %w", err)
	}
	return nil
}
