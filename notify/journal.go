package notify

import (
	"bufio"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"hash/crc32"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/bytedance/sonic"
	log "github.com/sirupsen/logrus"
)

// Each record is framed as length(4) crc32c(4) timestamp-ms(8) payload.
const journalHeaderSize = 16

var (
	errJournalClosed = errors.New("journal closed")
	crcTable         = crc32.MakeTable(crc32.Castagnoli)
)

type JournalConfig struct {
	Dir          string
	SegmentBytes int64
	// SyncEvery fsyncs after that many appends; 1 syncs every append.
	SyncEvery int
	Logger    *log.Logger
}

type journalSegment struct {
	seq     uint64
	path    string
	file    *os.File
	writer  *bufio.Writer
	size    int64
	first   int64
	last    int64
	records int
}

// Journal is an append-only, segmented condition log. Retention removes
// whole segments whose newest record is older than the horizon.
type Journal struct {
	cfg JournalConfig

	mu          sync.Mutex
	segments    []*journalSegment
	nextSeq     uint64
	pendingSync int
	closed      bool
}

// OpenJournal opens or creates the journal in cfg.Dir. Torn or corrupt
// tails left by a crash are truncated.
func OpenJournal(cfg JournalConfig) (*Journal, error) {
	if cfg.Dir == "" {
		return nil, fmt.Errorf("journal dir required")
	}
	if cfg.SegmentBytes <= 0 {
		cfg.SegmentBytes = 4 << 20
	}
	if cfg.SyncEvery <= 0 {
		cfg.SyncEvery = 16
	}
	if err := os.MkdirAll(cfg.Dir, 0o755); err != nil {
		return nil, err
	}
	j := &Journal{cfg: cfg, nextSeq: 1}

	paths, err := filepath.Glob(filepath.Join(cfg.Dir, "conditions-*.log"))
	if err != nil {
		return nil, err
	}
	sort.Strings(paths)
	for _, path := range paths {
		seg, err := loadJournalSegment(path)
		if err != nil {
			j.closeFiles()
			return nil, err
		}
		j.segments = append(j.segments, seg)
		if seg.seq >= j.nextSeq {
			j.nextSeq = seg.seq + 1
		}
	}
	if len(j.segments) == 0 {
		if err := j.openSegmentLocked(); err != nil {
			return nil, err
		}
	} else {
		last := j.segments[len(j.segments)-1]
		if _, err := last.file.Seek(last.size, io.SeekStart); err != nil {
			j.closeFiles()
			return nil, err
		}
		last.writer = bufio.NewWriterSize(last.file, 64*1024)
	}
	return j, nil
}

// scanRecords reads framed records from r until EOF and returns the byte
// length of the valid prefix.
func scanRecords(r io.Reader, fn func(ts int64, payload []byte) error) (int64, error) {
	reader := bufio.NewReaderSize(r, 64*1024)
	var pos int64
	hdr := make([]byte, journalHeaderSize)
	for {
		if _, err := io.ReadFull(reader, hdr); err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
				return pos, nil
			}
			return pos, err
		}
		length := binary.LittleEndian.Uint32(hdr[0:4])
		crc := binary.LittleEndian.Uint32(hdr[4:8])
		ts := int64(binary.LittleEndian.Uint64(hdr[8:16]))
		buf := make([]byte, length)
		if _, err := io.ReadFull(reader, buf); err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
				return pos, nil
			}
			return pos, err
		}
		if crc32.Checksum(buf, crcTable) != crc {
			return pos, nil
		}
		if err := fn(ts, buf); err != nil {
			return pos, err
		}
		pos += journalHeaderSize + int64(length)
	}
}

func loadJournalSegment(path string) (*journalSegment, error) {
	name := strings.TrimSuffix(strings.TrimPrefix(filepath.Base(path), "conditions-"), ".log")
	seq, err := strconv.ParseUint(name, 10, 64)
	if err != nil {
		return nil, fmt.Errorf("journal segment name %s: %w", path, err)
	}
	f, err := os.OpenFile(path, os.O_RDWR, 0o644)
	if err != nil {
		return nil, err
	}
	seg := &journalSegment{seq: seq, path: path, file: f}
	valid, err := scanRecords(f, func(ts int64, _ []byte) error {
		if seg.records == 0 {
			seg.first = ts
		}
		seg.last = ts
		seg.records++
		return nil
	})
	if err != nil {
		f.Close()
		return nil, err
	}
	fi, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, err
	}
	if fi.Size() > valid {
		if err := f.Truncate(valid); err != nil {
			f.Close()
			return nil, err
		}
	}
	seg.size = valid
	return seg, nil
}

func (j *Journal) openSegmentLocked() error {
	if j.closed {
		return errJournalClosed
	}
	path := filepath.Join(j.cfg.Dir, fmt.Sprintf("conditions-%020d.log", j.nextSeq))
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR|os.O_TRUNC, 0o644)
	if err != nil {
		return err
	}
	j.segments = append(j.segments, &journalSegment{
		seq:    j.nextSeq,
		path:   path,
		file:   f,
		writer: bufio.NewWriterSize(f, 64*1024),
	})
	j.nextSeq++
	return nil
}

// rotateLocked seals the active segment and opens a new one.
func (j *Journal) rotateLocked() error {
	current := j.segments[len(j.segments)-1]
	if err := current.writer.Flush(); err != nil {
		return err
	}
	if err := current.file.Sync(); err != nil {
		return err
	}
	current.writer = nil
	return j.openSegmentLocked()
}

// Append writes one condition.
func (j *Journal) Append(_ context.Context, c Condition) error {
	payload, err := sonic.Marshal(c)
	if err != nil {
		return err
	}

	j.mu.Lock()
	defer j.mu.Unlock()
	if j.closed {
		return errJournalClosed
	}
	current := j.segments[len(j.segments)-1]
	if current.size >= j.cfg.SegmentBytes {
		if err := j.rotateLocked(); err != nil {
			return err
		}
		current = j.segments[len(j.segments)-1]
	}

	header := make([]byte, journalHeaderSize)
	binary.LittleEndian.PutUint32(header[0:4], uint32(len(payload)))
	binary.LittleEndian.PutUint32(header[4:8], crc32.Checksum(payload, crcTable))
	binary.LittleEndian.PutUint64(header[8:16], uint64(c.Timestamp))
	if _, err := current.writer.Write(header); err != nil {
		return err
	}
	if _, err := current.writer.Write(payload); err != nil {
		return err
	}
	if err := current.writer.Flush(); err != nil {
		return err
	}
	if current.records == 0 {
		current.first = c.Timestamp
	}
	current.last = c.Timestamp
	current.records++
	current.size += int64(len(header) + len(payload))

	j.pendingSync++
	if j.pendingSync >= j.cfg.SyncEvery {
		if err := current.file.Sync(); err != nil {
			return err
		}
		j.pendingSync = 0
	}
	return nil
}

// Prune removes every segment whose newest record is older than before and
// returns how many records went with them.
func (j *Journal) Prune(_ context.Context, before time.Time) (int, error) {
	cutoff := before.UnixMilli()

	j.mu.Lock()
	defer j.mu.Unlock()
	if j.closed {
		return 0, errJournalClosed
	}
	active := j.segments[len(j.segments)-1]
	if active.records > 0 && active.last < cutoff {
		if err := j.rotateLocked(); err != nil {
			return 0, err
		}
	}

	removed := 0
	kept := j.segments[:0]
	last := len(j.segments) - 1
	for i, seg := range j.segments {
		if i == last || seg.last >= cutoff {
			kept = append(kept, seg)
			continue
		}
		seg.file.Close()
		if err := os.Remove(seg.path); err != nil && !errors.Is(err, os.ErrNotExist) {
			if j.cfg.Logger != nil {
				j.cfg.Logger.WithError(err).Warnf("failed to remove journal segment %s", seg.path)
			}
			kept = append(kept, seg)
			continue
		}
		removed += seg.records
	}
	j.segments = kept
	return removed, nil
}

// ReadAll replays every stored condition in write order.
func (j *Journal) ReadAll() ([]Condition, error) {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.closed {
		return nil, errJournalClosed
	}
	var out []Condition
	for _, seg := range j.segments {
		if seg.writer != nil {
			if err := seg.writer.Flush(); err != nil {
				return nil, err
			}
		}
		f, err := os.Open(seg.path)
		if err != nil {
			return nil, err
		}
		_, err = scanRecords(io.LimitReader(f, seg.size), func(_ int64, payload []byte) error {
			var c Condition
			if err := sonic.Unmarshal(payload, &c); err != nil {
				return err
			}
			out = append(out, c)
			return nil
		})
		f.Close()
		if err != nil {
			return nil, err
		}
	}
	return out, nil
}

// Segments returns the number of segment files.
func (j *Journal) Segments() int {
	j.mu.Lock()
	defer j.mu.Unlock()
	return len(j.segments)
}

func (j *Journal) closeFiles() {
	for _, seg := range j.segments {
		if seg.writer != nil {
			seg.writer.Flush()
		}
		seg.file.Close()
	}
}

func (j *Journal) Close() error {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.closed {
		return nil
	}
	j.closed = true
	var err error
	if n := len(j.segments); n > 0 {
		current := j.segments[n-1]
		if current.writer != nil {
			err = current.writer.Flush()
		}
		if syncErr := current.file.Sync(); err == nil {
			err = syncErr
		}
	}
	j.closeFiles()
	return err
}
