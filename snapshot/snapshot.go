// Package snapshot implements the on-disk snapshot lifecycle: taking a
// snapshot of applied FSM state, loading the latest one back on startup,
// and assembling one shipped over InstallSnapshot chunk by chunk.
//
// A snapshot is two files, snapshot-T-I-CS.meta and snapshot-T-I-CS, for
// term T, last-included-index I, and a random suffix CS that lets a new
// snapshot be written alongside an old one without colliding. Both are
// written to a temp file, fsynced, and renamed into place — the payload
// first, then the metadata, so that a crash between the two leaves only
// an orphaned payload file rather than a .meta pointing at missing data;
// readLatestFromDisk treats .meta presence as the completeness marker.
// This is the same write-temp/rename/fsync-dir shape the teacher's
// bolt-backed stores get for free from a transactional commit,
// re-expressed here as plain-file atomicity since nothing in this package
// uses bolt.
package snapshot

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"hash/crc64"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/google/uuid"
	"github.com/sushantsondhi/raftd/common"
)

var crcTable = crc64.MakeTable(crc64.ISO)

// Engine owns the snapshot directory for one raft server.
type Engine struct {
	dir       string
	threshold int64 // applied-AppliedIndex delta that triggers ShouldTake

	mu      sync.Mutex
	capture func() ([]byte, error)
	latest  *common.SnapshotMeta
	lastIdx uint64

	install installState
}

// installState buffers an in-progress InstallSnapshot transfer. Only one
// install can be in flight at a time (there is only ever one leader
// sending us one).
type installState struct {
	file              *os.File
	path              string
	lastIncludedIndex uint64
	lastIncludedTerm  uint64
	configuration     []byte
}

// NewEngine opens dir (creating it if necessary) and loads whatever
// snapshot is already there, if any.
func NewEngine(dir string, threshold int64) (*Engine, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("snapshot: creating directory: %w", err)
	}
	e := &Engine{dir: dir, threshold: threshold}
	meta, err := e.readLatestFromDisk()
	if err != nil {
		return nil, err
	}
	e.latest = meta
	if meta != nil {
		e.lastIdx = meta.LastIncludedIndex
	}
	return e, nil
}

// RegisterCapture registers the function used to capture FSM state at
// Take time.
func (e *Engine) RegisterCapture(fn func() ([]byte, error)) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.capture = fn
}

// LastIncludedIndex returns the index covered by the most recent
// snapshot, or 0 if none exists yet.
func (e *Engine) LastIncludedIndex() uint64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.lastIdx
}

// ShouldTake reports whether enough entries have been applied since the
// last snapshot to warrant taking another one (§4.3 "when to snapshot").
func (e *Engine) ShouldTake(appliedIndex uint64) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.threshold <= 0 {
		return false
	}
	return int64(appliedIndex-e.lastIdx) >= e.threshold
}

// LoadLatest returns the most recently taken (or installed) snapshot, or
// nil if none exists.
func (e *Engine) LoadLatest() (*common.SnapshotMeta, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.latest, nil
}

// Take captures FSM state via the registered capture callback and writes
// a new snapshot covering [1, appliedIndex] at term, atomically replacing
// whatever was there before.
func (e *Engine) Take(appliedIndex, term uint64, configuration []byte) error {
	e.mu.Lock()
	capture := e.capture
	e.mu.Unlock()
	if capture == nil {
		return fmt.Errorf("snapshot: no capture callback registered")
	}
	data, err := capture()
	if err != nil {
		return fmt.Errorf("snapshot: capture failed: %w", err)
	}
	meta := &common.SnapshotMeta{
		LastIncludedIndex: appliedIndex,
		LastIncludedTerm:  term,
		Configuration:     configuration,
		Data:              data,
	}
	if err := e.writeAtomic(meta); err != nil {
		return err
	}
	e.mu.Lock()
	e.latest = meta
	e.lastIdx = appliedIndex
	e.mu.Unlock()
	return nil
}

// WriteChunk appends one InstallSnapshot chunk to the in-progress
// transfer file, creating it on the first chunk (offset 0) and swapping
// it atomically into place on the final chunk (done).
func (e *Engine) WriteChunk(lastIncludedIndex, lastIncludedTerm uint64, configuration []byte, offset int64, data []byte, done bool) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if offset == 0 {
		if e.install.file != nil {
			e.install.file.Close()
			os.Remove(e.install.path)
		}
		f, err := os.CreateTemp(e.dir, "install-*.tmp")
		if err != nil {
			return fmt.Errorf("snapshot: creating install temp file: %w", err)
		}
		e.install = installState{
			file:              f,
			path:              f.Name(),
			lastIncludedIndex: lastIncludedIndex,
			lastIncludedTerm:  lastIncludedTerm,
			configuration:     configuration,
		}
	}
	if e.install.file == nil {
		return fmt.Errorf("snapshot: received out-of-order install chunk at offset %d", offset)
	}
	if _, err := e.install.file.WriteAt(data, offset); err != nil {
		return fmt.Errorf("snapshot: writing install chunk: %w", err)
	}
	if !done {
		return nil
	}

	if err := e.install.file.Sync(); err != nil {
		return fmt.Errorf("snapshot: syncing install file: %w", err)
	}
	fullData, err := io.ReadAll(io.NewSectionReader(e.install.file, 0, mustSize(e.install.file)))
	if err != nil {
		return err
	}
	e.install.file.Close()
	os.Remove(e.install.path)

	meta := &common.SnapshotMeta{
		LastIncludedIndex: e.install.lastIncludedIndex,
		LastIncludedTerm:  e.install.lastIncludedTerm,
		Configuration:     e.install.configuration,
		Data:              fullData,
	}
	e.install = installState{}

	if err := e.writeAtomicLocked(meta); err != nil {
		return err
	}
	e.latest = meta
	e.lastIdx = meta.LastIncludedIndex
	return nil
}

func mustSize(f *os.File) int64 {
	info, err := f.Stat()
	if err != nil {
		return 0
	}
	return info.Size()
}

func (e *Engine) writeAtomic(meta *common.SnapshotMeta) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.writeAtomicLocked(meta)
}

// writeAtomicLocked writes meta's payload and metadata as the two files
// named by snapshotBase, payload first then metadata (see package doc),
// and prunes any stale snapshot files left behind by a prior Take or
// crash.
func (e *Engine) writeAtomicLocked(meta *common.SnapshotMeta) error {
	base := e.snapshotBase(meta.LastIncludedTerm, meta.LastIncludedIndex, uuid.New().String())
	payloadPath := base
	metaPath := base + ".meta"

	if err := writeFileAtomic(e.dir, "snapshot-*.payload.tmp", payloadPath, meta.Data); err != nil {
		return fmt.Errorf("snapshot: writing payload: %w", err)
	}

	dataCRC := crc64.Checksum(meta.Data, crcTable)
	if err := writeFileAtomic(e.dir, "snapshot-*.meta.tmp", metaPath, encodeMeta(meta, dataCRC)); err != nil {
		os.Remove(payloadPath)
		return fmt.Errorf("snapshot: writing metadata: %w", err)
	}

	if dir, err := os.Open(e.dir); err == nil {
		dir.Sync()
		dir.Close()
	}
	e.pruneOtherThan(filepath.Base(base))
	return nil
}

// writeFileAtomic writes data to a temp file matching pattern in dir,
// fsyncs it, and renames it into place at finalPath.
func writeFileAtomic(dir, pattern, finalPath string, data []byte) error {
	tmp, err := os.CreateTemp(dir, pattern)
	if err != nil {
		return fmt.Errorf("creating temp file: %w", err)
	}
	tmpPath := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("writing temp file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("syncing temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("closing temp file: %w", err)
	}
	if err := os.Rename(tmpPath, finalPath); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("renaming into place: %w", err)
	}
	return nil
}

// pruneOtherThan removes every well-formed snapshot file (.meta and
// payload) other than the one named keepBase; it never touches files it
// doesn't recognize.
func (e *Engine) pruneOtherThan(keepBase string) {
	entries, err := os.ReadDir(e.dir)
	if err != nil {
		return
	}
	for _, ent := range entries {
		if ent.IsDir() {
			continue
		}
		_, _, _, _, ok := parseSnapshotName(ent.Name())
		if !ok {
			continue
		}
		if strings.TrimSuffix(ent.Name(), ".meta") == keepBase {
			continue
		}
		os.Remove(filepath.Join(e.dir, ent.Name()))
	}
}

const snapshotPrefix = "snapshot-"
const snapshotFieldWidth = 20

// snapshotBase returns the shared base path (without a .meta suffix) for
// the snapshot-T-I-CS[.meta] pair covering term/index with random
// suffix. T and I are fixed-width zero-padded so parseSnapshotName can
// split them out without being confused by hyphens inside suffix (a
// uuid's string form contains several).
func (e *Engine) snapshotBase(term, index uint64, suffix string) string {
	return filepath.Join(e.dir, fmt.Sprintf("%s%0*d-%0*d-%s", snapshotPrefix, snapshotFieldWidth, term, snapshotFieldWidth, index, suffix))
}

// parseSnapshotName recognizes snapshot-T-I-CS and snapshot-T-I-CS.meta,
// returning the term, index, and random suffix, and whether the name was
// the .meta half of the pair.
func parseSnapshotName(name string) (term, index uint64, suffix string, isMeta bool, ok bool) {
	rest := name
	isMeta = strings.HasSuffix(rest, ".meta")
	if isMeta {
		rest = strings.TrimSuffix(rest, ".meta")
	}
	if !strings.HasPrefix(rest, snapshotPrefix) {
		return 0, 0, "", false, false
	}
	rest = rest[len(snapshotPrefix):]
	if len(rest) < snapshotFieldWidth*2+2 {
		return 0, 0, "", false, false
	}
	termStr := rest[:snapshotFieldWidth]
	if rest[snapshotFieldWidth] != '-' {
		return 0, 0, "", false, false
	}
	rest = rest[snapshotFieldWidth+1:]
	indexStr := rest[:snapshotFieldWidth]
	if rest[snapshotFieldWidth] != '-' {
		return 0, 0, "", false, false
	}
	suffix = rest[snapshotFieldWidth+1:]
	if suffix == "" {
		return 0, 0, "", false, false
	}
	t, err := strconv.ParseUint(termStr, 10, 64)
	if err != nil {
		return 0, 0, "", false, false
	}
	i, err := strconv.ParseUint(indexStr, 10, 64)
	if err != nil {
		return 0, 0, "", false, false
	}
	return t, i, suffix, isMeta, true
}

// readLatestFromDisk scans dir for the .meta file with the highest
// (term, index), verifying its metadata checksum and, once read, its
// payload's checksum, and returns it decoded. Corrupt, truncated, or
// orphaned (.meta with no matching payload) snapshots are skipped with
// the next-highest tried instead.
func (e *Engine) readLatestFromDisk() (*common.SnapshotMeta, error) {
	entries, err := os.ReadDir(e.dir)
	if err != nil {
		return nil, fmt.Errorf("snapshot: reading directory: %w", err)
	}
	type candidate struct {
		term, index uint64
		metaName    string
	}
	var candidates []candidate
	for _, ent := range entries {
		if ent.IsDir() {
			continue
		}
		term, index, _, isMeta, ok := parseSnapshotName(ent.Name())
		if !ok || !isMeta {
			continue
		}
		candidates = append(candidates, candidate{term, index, ent.Name()})
	}
	sort.Slice(candidates, func(i, j int) bool {
		if candidates[i].term != candidates[j].term {
			return candidates[i].term > candidates[j].term
		}
		return candidates[i].index > candidates[j].index
	})

	for _, c := range candidates {
		metaRaw, err := os.ReadFile(filepath.Join(e.dir, c.metaName))
		if err != nil {
			continue
		}
		term, index, cfg, dataCRC, err := decodeMeta(metaRaw)
		if err != nil {
			continue
		}
		payloadName := strings.TrimSuffix(c.metaName, ".meta")
		data, err := os.ReadFile(filepath.Join(e.dir, payloadName))
		if err != nil {
			continue
		}
		if crc64.Checksum(data, crcTable) != dataCRC {
			continue
		}
		return &common.SnapshotMeta{
			LastIncludedIndex: index,
			LastIncludedTerm:  term,
			Configuration:     cfg,
			Data:              data,
		}, nil
	}
	return nil, nil
}

// encodeMeta serializes the .meta half of a snapshot pair as
// [term(8)][index(8)][cfgLen(8)][cfg][dataCRC64(8)][crc64(8)]. The
// payload itself lives in the sibling file; dataCRC is checked against
// it once both files are read back (see readLatestFromDisk).
func encodeMeta(meta *common.SnapshotMeta, dataCRC uint64) []byte {
	var body bytes.Buffer
	writeUint64(&body, meta.LastIncludedTerm)
	writeUint64(&body, meta.LastIncludedIndex)
	writeUint64(&body, uint64(len(meta.Configuration)))
	body.Write(meta.Configuration)
	writeUint64(&body, dataCRC)

	sum := crc64.Checksum(body.Bytes(), crcTable)
	var out bytes.Buffer
	out.Write(body.Bytes())
	writeUint64(&out, sum)
	return out.Bytes()
}

func decodeMeta(raw []byte) (term, index uint64, cfg []byte, dataCRC uint64, err error) {
	if len(raw) < 8 {
		return 0, 0, nil, 0, fmt.Errorf("snapshot: truncated metadata file")
	}
	body, sumBytes := raw[:len(raw)-8], raw[len(raw)-8:]
	want := binary.BigEndian.Uint64(sumBytes)
	got := crc64.Checksum(body, crcTable)
	if want != got {
		return 0, 0, nil, 0, fmt.Errorf("snapshot: metadata checksum mismatch")
	}

	r := bytes.NewReader(body)
	term, err = readUint64(r)
	if err != nil {
		return 0, 0, nil, 0, err
	}
	index, err = readUint64(r)
	if err != nil {
		return 0, 0, nil, 0, err
	}
	cfgLen, err := readUint64(r)
	if err != nil {
		return 0, 0, nil, 0, err
	}
	cfg = make([]byte, cfgLen)
	if _, err := io.ReadFull(r, cfg); err != nil {
		return 0, 0, nil, 0, err
	}
	dataCRC, err = readUint64(r)
	if err != nil {
		return 0, 0, nil, 0, err
	}
	return term, index, cfg, dataCRC, nil
}

func writeUint64(w io.Writer, v uint64) {
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], v)
	w.Write(b[:])
}

func readUint64(r io.Reader) (uint64, error) {
	var b [8]byte
	if _, err := io.ReadFull(r, b[:]); err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint64(b[:]), nil
}
