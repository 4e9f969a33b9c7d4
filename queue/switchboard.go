// Package queue implements the on-disk switchboards that carry messages
// between runners.
//
// Each queue is a directory. An entry is one file, <filebase>.pck, whose
// first line is the JSON metadata and whose remainder is the raw message.
// File bases are ULIDs, so lexical order is arrival order. Claiming an
// entry renames it to .bak; the rename is the lock, and only one claimant
// can win it.
package queue

import (
	"bufio"
	"bytes"
	"crypto/rand"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/oklog/ulid"
	"lukechampine.com/blake3"

	"github.com/migadu/tidings/consts"
	"github.com/migadu/tidings/email"
	"github.com/migadu/tidings/logger"
	"github.com/migadu/tidings/pkg/metrics"
)

const (
	extQueued    = ".pck"
	extBackup    = ".bak"
	extPreserved = ".psv"

	// MetadataVersion is written into every entry.
	MetadataVersion = 3
)

// ErrEntryClaimed is returned by Dequeue when another runner already
// claimed the entry.
var ErrEntryClaimed = errors.New("queue entry already claimed")

// Switchboard is one queue directory, optionally restricted to a hash
// slice of its entries.
type Switchboard struct {
	name        string
	dir         string
	badDir      string
	slice       int
	count       int
	maxRestarts int

	mu      sync.Mutex
	entropy io.Reader

	notifyMu sync.RWMutex
	notify   []func()
}

// New opens (creating if needed) queue name under base. The switchboard
// sees the entries of slice out of count; use 0 and 1 for all of them.
func New(base, name string, slice, count, maxRestarts int) (*Switchboard, error) {
	if base == "" {
		return nil, fmt.Errorf("queue base path cannot be empty")
	}
	if count <= 0 {
		count = 1
	}
	if slice < 0 || slice >= count {
		return nil, fmt.Errorf("queue %s: slice %d out of range for %d slices", name, slice, count)
	}
	if maxRestarts <= 0 {
		maxRestarts = 3
	}
	s := &Switchboard{
		name:        name,
		dir:         filepath.Join(base, name),
		badDir:      filepath.Join(base, consts.QueueBad),
		slice:       slice,
		count:       count,
		maxRestarts: maxRestarts,
		entropy:     ulid.Monotonic(rand.Reader, 0),
	}
	for _, dir := range []string{s.dir, s.badDir} {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create directory %s: %w", dir, err)
		}
	}
	return s, nil
}

func (s *Switchboard) Name() string { return s.name }
func (s *Switchboard) Dir() string  { return s.dir }

// Subscribe registers fn to be called after every successful Enqueue.
func (s *Switchboard) Subscribe(fn func()) {
	s.notifyMu.Lock()
	s.notify = append(s.notify, fn)
	s.notifyMu.Unlock()
}

func (s *Switchboard) newFileBase(t time.Time) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return ulid.MustNew(ulid.Timestamp(t), s.entropy).String()
}

// inSlice reports whether fb is handled by this switchboard's slice.
func (s *Switchboard) inSlice(fb string) bool {
	if s.count == 1 {
		return true
	}
	sum := blake3.Sum256([]byte(fb))
	return binary.BigEndian.Uint64(sum[:8])%uint64(s.count) == uint64(s.slice)
}

func encodeEntry(msg *email.Message, meta email.Metadata) ([]byte, error) {
	line, err := json.Marshal(meta)
	if err != nil {
		return nil, fmt.Errorf("%w: metadata: %v", consts.ErrSerializationFailed, err)
	}
	var buf bytes.Buffer
	buf.Write(line)
	buf.WriteByte('\n')
	if err := msg.WriteTo(&buf); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func decodeEntry(data []byte) (*email.Message, email.Metadata, error) {
	br := bufio.NewReader(bytes.NewReader(data))
	line, err := br.ReadBytes('\n')
	if err != nil {
		return nil, nil, fmt.Errorf("%w: missing metadata line", consts.ErrSerializationFailed)
	}
	meta := email.Metadata{}
	if err := json.Unmarshal(line, &meta); err != nil {
		return nil, nil, fmt.Errorf("%w: metadata: %v", consts.ErrSerializationFailed, err)
	}
	msg, err := email.Read(br)
	if err != nil {
		return nil, nil, err
	}
	return msg, meta, nil
}

// Enqueue stores msg with a copy of meta and returns the new file base.
func (s *Switchboard) Enqueue(msg *email.Message, meta email.Metadata) (string, error) {
	now := time.Now()
	data := meta.Copy()
	data["_parsemsg"] = false
	// Shunted entries keep the queue they came from so they can be replayed.
	if s.name != consts.QueueShunt || data.String(consts.MetaWhichQ) == "" {
		data[consts.MetaWhichQ] = s.name
	}
	if !data.Has(consts.MetaReceivedTime) {
		data[consts.MetaReceivedTime] = now.Unix()
	}
	data[consts.MetaVersion] = MetadataVersion

	content, err := encodeEntry(msg, data)
	if err != nil {
		metrics.QueueOperationsTotal.WithLabelValues(s.name, "enqueue_error").Inc()
		return "", err
	}
	fb := s.newFileBase(now)
	if err := writeFileAtomic(filepath.Join(s.dir, fb+extQueued), content); err != nil {
		metrics.QueueOperationsTotal.WithLabelValues(s.name, "enqueue_error").Inc()
		return "", fmt.Errorf("failed to write queue entry: %w", err)
	}
	metrics.QueueOperationsTotal.WithLabelValues(s.name, "enqueue").Inc()
	logger.Debug("Switchboard: Enqueued entry", "queue", s.name, "file_base", fb, "message_id", msg.LogID())

	s.notifyMu.RLock()
	for _, fn := range s.notify {
		fn()
	}
	s.notifyMu.RUnlock()
	return fb, nil
}

func (s *Switchboard) list(ext string) ([]string, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, fmt.Errorf("failed to read queue %s: %w", s.name, err)
	}
	var bases []string
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || filepath.Ext(name) != ext {
			continue
		}
		fb := strings.TrimSuffix(name, ext)
		if s.inSlice(fb) {
			bases = append(bases, fb)
		}
	}
	sort.Strings(bases)
	return bases, nil
}

// Files returns the queued file bases in this slice, oldest first.
func (s *Switchboard) Files() ([]string, error) {
	return s.list(extQueued)
}

// Dequeue claims fb and loads it. The entry stays claimed until Finish.
func (s *Switchboard) Dequeue(fb string) (*email.Message, email.Metadata, error) {
	pck := filepath.Join(s.dir, fb+extQueued)
	bak := filepath.Join(s.dir, fb+extBackup)
	if err := os.Rename(pck, bak); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil, ErrEntryClaimed
		}
		return nil, nil, fmt.Errorf("failed to claim %s: %w", fb, err)
	}
	data, err := os.ReadFile(bak)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to read %s: %w", fb, err)
	}
	msg, meta, err := decodeEntry(data)
	if err != nil {
		return nil, nil, fmt.Errorf("entry %s: %w", fb, err)
	}
	metrics.QueueOperationsTotal.WithLabelValues(s.name, "dequeue").Inc()
	return msg, meta, nil
}

// Finish releases a claimed entry. With preserve the file is kept in the
// bad queue for inspection instead of being removed.
func (s *Switchboard) Finish(fb string, preserve bool) error {
	bak := filepath.Join(s.dir, fb+extBackup)
	if preserve {
		dst := filepath.Join(s.badDir, fb+extPreserved)
		if err := os.Rename(bak, dst); err != nil {
			return fmt.Errorf("failed to preserve %s: %w", fb, err)
		}
		metrics.QueueOperationsTotal.WithLabelValues(s.name, "preserve").Inc()
		logger.Warn("Switchboard: Preserved entry", "queue", s.name, "file_base", fb, "path", dst)
		return nil
	}
	if err := os.Remove(bak); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("failed to finish %s: %w", fb, err)
	}
	metrics.QueueOperationsTotal.WithLabelValues(s.name, "finish").Inc()
	return nil
}

// Release returns a claimed entry to the queue unchanged, making it
// visible to the next pass.
func (s *Switchboard) Release(fb string) error {
	bak := filepath.Join(s.dir, fb+extBackup)
	pck := filepath.Join(s.dir, fb+extQueued)
	if err := os.Rename(bak, pck); err != nil {
		return fmt.Errorf("failed to release %s: %w", fb, err)
	}
	metrics.QueueOperationsTotal.WithLabelValues(s.name, "release").Inc()
	return nil
}

// Requeue stores msg and meta as a new entry and finishes fb.
func (s *Switchboard) Requeue(fb string, msg *email.Message, meta email.Metadata) (string, error) {
	newFB, err := s.Enqueue(msg, meta)
	if err != nil {
		return "", err
	}
	if err := s.Finish(fb, false); err != nil {
		return newFB, err
	}
	return newFB, nil
}

// RecoverBackupFiles returns entries orphaned by a crash to the queue. An
// entry recovered more than maxRestarts times is preserved instead.
func (s *Switchboard) RecoverBackupFiles() (int, error) {
	bases, err := s.list(extBackup)
	if err != nil {
		return 0, err
	}
	recovered := 0
	for _, fb := range bases {
		bak := filepath.Join(s.dir, fb+extBackup)
		data, err := os.ReadFile(bak)
		if err != nil {
			logger.Error("Switchboard: Failed to read backup", "queue", s.name, "file_base", fb, "error", err)
			continue
		}
		msg, meta, err := decodeEntry(data)
		if err != nil {
			logger.Error("Switchboard: Unreadable backup, preserving", "queue", s.name, "file_base", fb, "error", err)
			if err := s.Finish(fb, true); err != nil {
				logger.Error("Switchboard: Failed to preserve backup", "queue", s.name, "file_base", fb, "error", err)
			}
			continue
		}
		count, _ := meta.Int(consts.MetaBakCount)
		count++
		if count > s.maxRestarts {
			logger.Error("Switchboard: Entry restarted too often, preserving", "queue", s.name, "file_base", fb, "restarts", count-1)
			if err := s.Finish(fb, true); err != nil {
				return recovered, err
			}
			continue
		}
		meta[consts.MetaBakCount] = count
		content, err := encodeEntry(msg, meta)
		if err != nil {
			return recovered, err
		}
		if err := writeFileAtomic(filepath.Join(s.dir, fb+extQueued), content); err != nil {
			return recovered, fmt.Errorf("failed to restore %s: %w", fb, err)
		}
		if err := os.Remove(bak); err != nil {
			return recovered, fmt.Errorf("failed to remove backup %s: %w", fb, err)
		}
		recovered++
	}
	if recovered > 0 {
		metrics.QueueOperationsTotal.WithLabelValues(s.name, "recover").Add(float64(recovered))
		logger.Info("Switchboard: Recovered backup files", "queue", s.name, "count", recovered)
	}
	return recovered, nil
}

// Count returns the number of queued entries in this slice.
func (s *Switchboard) Count() (int, error) {
	bases, err := s.Files()
	if err != nil {
		return 0, err
	}
	return len(bases), nil
}

// writeFileAtomic writes data to a temporary file in the same directory,
// syncs it and renames it into place.
func writeFileAtomic(path string, data []byte) error {
	tmpFile, err := os.CreateTemp(filepath.Dir(path), ".tmp-")
	if err != nil {
		return err
	}
	tmpPath := tmpFile.Name()

	if _, err := tmpFile.Write(data); err != nil {
		tmpFile.Close()
		os.Remove(tmpPath)
		return err
	}
	if err := tmpFile.Sync(); err != nil {
		tmpFile.Close()
		os.Remove(tmpPath)
		return err
	}
	if err := tmpFile.Close(); err != nil {
		os.Remove(tmpPath)
		return err
	}
	if err := os.Rename(tmpPath, path); err != nil {
		os.Remove(tmpPath)
		return err
	}
	return nil
}
