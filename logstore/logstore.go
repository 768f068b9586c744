// Package logstore is the durable log (§4.1/§4.2): a directory of
// preallocated segment files fronted by an in-memory index, so that
// Get/TermOf/Length are always served from memory while every Append is
// still made durable before it's acknowledged.
package logstore

import (
	"bytes"
	"encoding/binary"
	"encoding/gob"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"github.com/sushantsondhi/raftd/common"
	"github.com/sushantsondhi/raftd/internal/probe"
)

const defaultSegmentSize = 64 * 1024 * 1024

// Store is a common.LogStore backed by segment files under dir.
type Store struct {
	dir         string
	segmentSize int64

	mu       sync.RWMutex
	entries  map[uint64]common.LogEntry
	first    uint64 // lowest index currently retained, 0 if log is empty
	last     uint64 // highest index currently retained, 0 if log is empty
	hasAny   bool
	sealed   []*segment // ordered by seq, oldest first
	open     *segment
	nextSeq  uint64
	leases   []leaseRange
	writer   *writer
}

type leaseRange struct {
	lo, hi uint64
}

var _ common.LogStore = &Store{}

// Open creates dir if necessary, replays whatever segments already exist
// there to rebuild the in-memory index, and returns a ready Store.
func Open(dir string, segmentSize int64) (*Store, error) {
	if segmentSize <= 0 {
		segmentSize = defaultSegmentSize
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("logstore: creating directory: %w", err)
	}
	s := &Store{
		dir:         dir,
		segmentSize: segmentSize,
		entries:     make(map[uint64]common.LogEntry),
		writer:      newWriter(dir),
	}
	if err := s.replay(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Store) replay() error {
	direntries, err := os.ReadDir(s.dir)
	if err != nil {
		return fmt.Errorf("logstore: reading directory: %w", err)
	}

	type sealedFile struct {
		first, last uint64
		name        string
	}
	var sealedFiles []sealedFile
	var openName string
	var openSeq uint64

	for _, d := range direntries {
		if d.IsDir() {
			continue
		}
		if seq, ok := openSegmentSeq(d.Name()); ok {
			openName, openSeq = d.Name(), seq
			continue
		}
		if first, last, ok := sealedSegmentRange(d.Name()); ok {
			sealedFiles = append(sealedFiles, sealedFile{first, last, d.Name()})
		}
	}
	sort.Slice(sealedFiles, func(i, j int) bool { return sealedFiles[i].first < sealedFiles[j].first })

	for _, sf := range sealedFiles {
		if err := s.replayFile(filepath.Join(s.dir, sf.name)); err != nil {
			return fmt.Errorf("logstore: replaying segment %s: %w", sf.name, err)
		}
		s.nextSeq++
	}

	if openName != "" {
		path := filepath.Join(s.dir, openName)
		hadAny, lastBefore := s.hasAny, s.last
		if err := s.replayFile(path); err != nil {
			return fmt.Errorf("logstore: replaying open segment: %w", err)
		}

		probeFD, err := os.Open(path)
		if err != nil {
			return fmt.Errorf("logstore: inspecting open segment: %w", err)
		}
		direct, err := readSegmentDirect(probeFD)
		var offset int64
		if err == nil {
			// Scanned through this plain descriptor: the reopened one may be
			// O_DIRECT, which rejects scanOffset's small unaligned reads.
			offset, err = s.scanOffset(probeFD)
		}
		probeFD.Close()
		if err != nil {
			return err
		}

		flags := os.O_RDWR
		switch {
		case direct:
			flags |= probe.ODirectFlag
		case !s.writer.caps.AIO:
			flags |= probe.DSyncFlag
		}
		f, err := os.OpenFile(path, flags, 0644)
		if err != nil {
			return fmt.Errorf("logstore: reopening open segment: %w", err)
		}
		info, _ := f.Stat()
		s.open = &segment{path: path, file: f, seq: openSeq, offset: offset, size: info.Size(), first: s.first, direct: direct}
		if s.hasAny && hadAny && s.last > lastBefore {
			s.open.first, s.open.last = lastBefore+1, s.last
		} else if s.hasAny && !hadAny {
			s.open.last = s.last
		} else if s.hasAny {
			s.open.first = s.last + 1
		}
		s.nextSeq = openSeq + 1
	}

	return nil
}

// nextRecordOffset advances past one record of the given length, skipping
// the O_DIRECT padding the record was written with if direct is true
// (§4.2: direct-mode records are padded up to probe.DirectIOAlign so every
// write lands at an aligned offset).
func nextRecordOffset(offset, length int64, direct bool) int64 {
	offset += 8 + length
	if direct {
		offset = probe.AlignUp(offset, probe.DirectIOAlign)
	}
	return offset
}

// scanOffset re-derives the write offset of an open segment by walking
// its length-prefixed records until a zero-length (never-written) record
// is found.
func (s *Store) scanOffset(f *os.File) (int64, error) {
	direct, err := readSegmentDirect(f)
	if err != nil {
		return 0, err
	}
	offset := int64(segmentHeaderSize)
	if direct {
		offset = probe.AlignUp(offset, probe.DirectIOAlign)
	}
	for {
		var lenBuf [8]byte
		n, err := f.ReadAt(lenBuf[:], offset)
		if n < 8 || err != nil {
			return offset, nil
		}
		length := binary.BigEndian.Uint64(lenBuf[:])
		if length == 0 {
			return offset, nil
		}
		offset = nextRecordOffset(offset, int64(length), direct)
	}
}

func (s *Store) replayFile(path string) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	direct, err := readSegmentDirect(f)
	if err != nil {
		return err
	}
	offset := int64(segmentHeaderSize)
	if direct {
		offset = probe.AlignUp(offset, probe.DirectIOAlign)
	}
	for {
		var lenBuf [8]byte
		n, err := f.ReadAt(lenBuf[:], offset)
		if n < 8 || err != nil {
			return nil
		}
		length := binary.BigEndian.Uint64(lenBuf[:])
		if length == 0 {
			return nil
		}
		buf := make([]byte, length)
		if _, err := f.ReadAt(buf, offset+8); err != nil {
			return err
		}
		var entry common.LogEntry
		if err := gob.NewDecoder(bytes.NewReader(buf)).Decode(&entry); err != nil {
			return fmt.Errorf("decoding entry: %w", err)
		}
		s.indexEntry(entry)
		offset = nextRecordOffset(offset, int64(length), direct)
	}
}

func (s *Store) indexEntry(entry common.LogEntry) {
	s.entries[entry.Index] = entry
	if !s.hasAny || entry.Index < s.first {
		s.first = entry.Index
	}
	if !s.hasAny || entry.Index > s.last {
		s.last = entry.Index
	}
	s.hasAny = true
}

// Append is the synchronous convenience wrapper most callers (tests,
// Bootstrap, simple embedders) use: it blocks until AppendAsync's
// durability result is known. Callers on the raft reactor goroutine use
// AppendAsync directly instead, since blocking there would stall every
// other mutation behind a disk round-trip (§5).
func (s *Store) Append(entries []common.LogEntry) error {
	if err := <-s.AppendAsync(entries); err != nil {
		return fmt.Errorf("logstore: durable write failed: %w", err)
	}
	return nil
}

// AppendAsync stores entries contiguously, rolling to a new segment as
// needed. Segment bookkeeping and indexing happen synchronously (so
// Length/Get/TermOf observe the new entries as soon as AppendAsync
// returns, which raft's own leader/follower bookkeeping depends on), but
// AppendAsync does not wait for the underlying writes to reach disk: it
// submits them to the durable segment writer and returns a channel that
// receives the combined durability result once every submitted write has
// completed (§5 "every operation that submits disk I/O ... returns
// immediately; continuation runs in a subsequent reactor turn").
func (s *Store) AppendAsync(entries []common.LogEntry) <-chan error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var pending []chan error
	for _, entry := range entries {
		if s.open == nil {
			if err := s.rollSegmentLocked(); err != nil {
				return singleErrChan(err)
			}
		}
		payload, err := encodeEntry(entry)
		if err != nil {
			return singleErrChan(err)
		}
		frame := framePayload(payload, s.open.direct)
		if int64(len(frame)) > s.open.remainingCapacity() {
			if err := s.sealCurrentLocked(); err != nil {
				return singleErrChan(err)
			}
			if err := s.rollSegmentLocked(); err != nil {
				return singleErrChan(err)
			}
			frame = framePayload(payload, s.open.direct)
		}

		done := s.writer.submit(s.open.file, s.open.offset, frame)
		pending = append(pending, done)

		if s.open.first == 0 {
			s.open.first = entry.Index
		}
		s.open.last = entry.Index
		s.open.offset += int64(len(frame))
		s.indexEntry(entry)
	}
	return mergeErrChans(pending)
}

// framePayload pads payload up to probe.DirectIOAlign when the segment is
// in O_DIRECT mode, since O_DIRECT requires both the buffer length and
// the file offset written to be aligned; the extra bytes are zero and
// nextRecordOffset knows to skip over them on replay.
func framePayload(payload []byte, direct bool) []byte {
	if !direct {
		return payload
	}
	aligned := probe.AlignUp(int64(len(payload)), probe.DirectIOAlign)
	buf := probe.AlignedBuffer(int(aligned))
	copy(buf, payload)
	return buf
}

// singleErrChan wraps a single already-known error (e.g. a segment-roll
// failure that never reached the writer) in the same channel shape
// AppendAsync normally returns.
func singleErrChan(err error) <-chan error {
	ch := make(chan error, 1)
	ch <- err
	return ch
}

// mergeErrChans waits (off the caller's goroutine) for every channel in
// chans to report its one-shot result, and forwards the first non-nil
// error, or nil once all have succeeded.
func mergeErrChans(chans []chan error) <-chan error {
	out := make(chan error, 1)
	if len(chans) == 0 {
		out <- nil
		return out
	}
	go func() {
		var first error
		for _, ch := range chans {
			if err := <-ch; err != nil && first == nil {
				first = err
			}
		}
		out <- first
	}()
	return out
}

func (s *Store) rollSegmentLocked() error {
	seg, err := createSegment(s.dir, s.nextSeq, s.segmentSize, s.writer.caps)
	if err != nil {
		return err
	}
	s.nextSeq++
	s.open = seg
	return nil
}

func (s *Store) sealCurrentLocked() error {
	if s.open == nil {
		return nil
	}
	if err := s.open.seal(s.dir); err != nil {
		return err
	}
	s.sealed = append(s.sealed, s.open)
	s.open = nil
	return nil
}

func encodeEntry(entry common.LogEntry) ([]byte, error) {
	var body bytes.Buffer
	if err := gob.NewEncoder(&body).Encode(entry); err != nil {
		return nil, err
	}
	var out bytes.Buffer
	var lenBuf [8]byte
	binary.BigEndian.PutUint64(lenBuf[:], uint64(body.Len()))
	out.Write(lenBuf[:])
	out.Write(body.Bytes())
	return out.Bytes(), nil
}

func (s *Store) Get(index uint64) (*common.LogEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	entry, ok := s.entries[index]
	if !ok {
		return nil, fmt.Errorf("logstore: no entry at index %d", index)
	}
	return &entry, nil
}

func (s *Store) TermOf(index uint64) (uint64, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	entry, ok := s.entries[index]
	if !ok {
		return 0, false
	}
	return entry.Term, true
}

func (s *Store) Length() (uint64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if !s.hasAny {
		return 0, nil
	}
	return s.last + 1, nil
}

// TruncateSuffix discards every entry at index >= from. Only the in-memory
// index is truncated: segments are append-only, so the discarded records
// stay on disk. Replay indexes records in file order and a later record
// for an index replaces an earlier one, so entries re-appended after the
// truncation supersede the discarded ones on the next Open; discarded
// entries that were not re-appended before a restart are indexed again by
// replay.
func (s *Store) TruncateSuffix(from uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for idx := range s.entries {
		if idx >= from {
			delete(s.entries, idx)
		}
	}
	if !s.hasAny {
		return nil
	}
	if from <= s.first {
		s.hasAny = false
		s.first, s.last = 0, 0
		return nil
	}
	s.last = from - 1
	return nil
}

// TruncatePrefix discards every entry at index <= through, refusing if a
// live lease still pins an overlapping range.
func (s *Store) TruncatePrefix(through uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, lease := range s.leases {
		if lease.lo <= through {
			return fmt.Errorf("logstore: %w", errRangeAcquired)
		}
	}
	for idx := range s.entries {
		if idx <= through {
			delete(s.entries, idx)
		}
	}
	if !s.hasAny || through >= s.last {
		s.hasAny = len(s.entries) > 0
	}
	if through >= s.first {
		s.first = through + 1
	}

	var kept []*segment
	for _, seg := range s.sealed {
		if seg.last <= through {
			seg.close()
			os.Remove(seg.path)
			continue
		}
		kept = append(kept, seg)
	}
	s.sealed = kept
	return nil
}

type lease struct {
	store   *Store
	lo, hi  uint64
	release sync.Once
}

func (l *lease) Release() {
	l.release.Do(func() {
		l.store.mu.Lock()
		defer l.store.mu.Unlock()
		for i, r := range l.store.leases {
			if r.lo == l.lo && r.hi == l.hi {
				l.store.leases = append(l.store.leases[:i], l.store.leases[i+1:]...)
				break
			}
		}
	})
}

func (s *Store) Acquire(lo, hi uint64) (common.Lease, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.leases = append(s.leases, leaseRange{lo, hi})
	return &lease{store: s, lo: lo, hi: hi}, nil
}

func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	var err error
	if s.open != nil {
		if cerr := s.open.close(); cerr != nil {
			err = cerr
		}
	}
	if werr := s.writer.close(); werr != nil {
		err = werr
	}
	return err
}

var errRangeAcquired = fmt.Errorf("range is acquired by an in-flight lease")
