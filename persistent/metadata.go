package persistent

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"hash/crc64"
	"os"
	"path/filepath"
	"sync"

	"github.com/sushantsondhi/raftd/common"
)

// metadataFileSize is the fixed size of each rotated metadata file (§6):
// large enough to hold the handful of small key/value pairs raft keeps
// as non-volatile state (current term, voted-for, first retained index)
// with generous headroom, small enough that a full rewrite is cheap.
const metadataFileSize = 8 * 1024

const metadataMagic = uint32(0x72616674) // "raft"

var metadataCRC = crc64.MakeTable(crc64.ISO)

// MetadataStore is a common.PersistentStore backed by a pair of
// alternating fixed-size files, metadata1 and metadata2 (§6). Every Set
// rewrites the *other* file in full with a bumped version counter and a
// trailing checksum, then fsyncs it, so a crash mid-write leaves the
// previously-committed file intact. On open, whichever of the two files
// has the higher version counter and a valid checksum wins.
type MetadataStore struct {
	mu      sync.Mutex
	dir     string
	paths   [2]string
	version uint64
	active  int // index into paths of the file holding the current committed state
	state   map[string][]byte
}

var _ common.PersistentStore = &MetadataStore{}

// OpenMetadataStore opens (creating if necessary) the rotated metadata
// pair under dir.
func OpenMetadataStore(dir string) (*MetadataStore, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("persistent: creating metadata directory: %w", err)
	}
	store := &MetadataStore{
		dir: dir,
		paths: [2]string{
			filepath.Join(dir, "metadata1"),
			filepath.Join(dir, "metadata2"),
		},
		state: make(map[string][]byte),
	}
	if err := store.load(); err != nil {
		return nil, err
	}
	return store, nil
}

func (s *MetadataStore) load() error {
	var best *decodedMetadata
	bestSlot := -1
	for i, path := range s.paths {
		raw, err := os.ReadFile(path)
		if err != nil {
			continue
		}
		dec, err := decodeMetadata(raw)
		if err != nil {
			continue
		}
		if best == nil || dec.version > best.version {
			best = dec
			bestSlot = i
		}
	}
	if best == nil {
		s.version = 0
		s.active = -1
		return nil
	}
	s.version = best.version
	s.active = bestSlot
	s.state = best.entries
	return nil
}

func (s *MetadataStore) Set(key, value []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state[string(key)] = append([]byte(nil), value...)
	return s.commitLocked()
}

func (s *MetadataStore) Get(key []byte) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	val, ok := s.state[string(key)]
	if !ok {
		return nil, fmt.Errorf("persistent: key %q does not exist", key)
	}
	return append([]byte(nil), val...), nil
}

func (s *MetadataStore) GetDefault(key []byte, defaultVal []byte) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if val, ok := s.state[string(key)]; ok {
		return append([]byte(nil), val...), nil
	}
	s.state[string(key)] = append([]byte(nil), defaultVal...)
	if err := s.commitLocked(); err != nil {
		return nil, err
	}
	return defaultVal, nil
}

func (s *MetadataStore) Close() error {
	return nil
}

// commitLocked writes the full current state to the file *not* currently
// active, bumps the version, fsyncs, then flips active. The previous
// file is left untouched as a fallback.
func (s *MetadataStore) commitLocked() error {
	target := 1 - s.active
	if s.active < 0 {
		target = 0
	}
	nextVersion := s.version + 1

	raw := encodeMetadata(nextVersion, s.state)
	if len(raw) > metadataFileSize {
		return fmt.Errorf("persistent: metadata state exceeds %d bytes", metadataFileSize)
	}
	padded := make([]byte, metadataFileSize)
	copy(padded, raw)

	f, err := os.OpenFile(s.paths[target], os.O_CREATE|os.O_WRONLY, 0600)
	if err != nil {
		return fmt.Errorf("persistent: opening metadata file: %w", err)
	}
	defer f.Close()
	if _, err := f.WriteAt(padded, 0); err != nil {
		return fmt.Errorf("persistent: writing metadata file: %w", err)
	}
	if err := f.Sync(); err != nil {
		return fmt.Errorf("persistent: syncing metadata file: %w", err)
	}

	s.version = nextVersion
	s.active = target
	return nil
}

type decodedMetadata struct {
	version uint64
	entries map[string][]byte
}

// encodeMetadata lays out: magic(4) | version(8) | count(4) | entries... |
// crc64(8), where each entry is keyLen(4) key valLen(4) val.
func encodeMetadata(version uint64, state map[string][]byte) []byte {
	var body bytes.Buffer
	var u32 [4]byte
	var u64 [8]byte

	binary.BigEndian.PutUint32(u32[:], metadataMagic)
	body.Write(u32[:])
	binary.BigEndian.PutUint64(u64[:], version)
	body.Write(u64[:])
	binary.BigEndian.PutUint32(u32[:], uint32(len(state)))
	body.Write(u32[:])

	for k, v := range state {
		binary.BigEndian.PutUint32(u32[:], uint32(len(k)))
		body.Write(u32[:])
		body.WriteString(k)
		binary.BigEndian.PutUint32(u32[:], uint32(len(v)))
		body.Write(u32[:])
		body.Write(v)
	}

	sum := crc64.Checksum(body.Bytes(), metadataCRC)
	binary.BigEndian.PutUint64(u64[:], sum)
	body.Write(u64[:])
	return body.Bytes()
}

func decodeMetadata(raw []byte) (*decodedMetadata, error) {
	if len(raw) < 4+8+4+8 {
		return nil, fmt.Errorf("persistent: metadata file too short")
	}
	trailerAt := len(raw) - 8
	// The file is zero-padded to metadataFileSize; find the real payload
	// length by trusting only bytes up through the first all-zero tail.
	// Since we always write a fixed-size checksum trailer immediately
	// after the payload, scan from the front instead: reparse using the
	// embedded count to know where the payload ends before trusting any
	// checksum.
	r := bytes.NewReader(raw)
	var magic uint32
	var version uint64
	var count uint32
	if err := binary.Read(r, binary.BigEndian, &magic); err != nil {
		return nil, err
	}
	if magic != metadataMagic {
		return nil, fmt.Errorf("persistent: bad metadata magic")
	}
	if err := binary.Read(r, binary.BigEndian, &version); err != nil {
		return nil, err
	}
	if err := binary.Read(r, binary.BigEndian, &count); err != nil {
		return nil, err
	}

	entries := make(map[string][]byte, count)
	for i := uint32(0); i < count; i++ {
		var klen uint32
		if err := binary.Read(r, binary.BigEndian, &klen); err != nil {
			return nil, err
		}
		key := make([]byte, klen)
		if _, err := r.Read(key); err != nil {
			return nil, err
		}
		var vlen uint32
		if err := binary.Read(r, binary.BigEndian, &vlen); err != nil {
			return nil, err
		}
		val := make([]byte, vlen)
		if _, err := r.Read(val); err != nil {
			return nil, err
		}
		entries[string(key)] = val
	}

	payloadLen := len(raw) - r.Len() // bytes consumed so far
	if payloadLen > trailerAt {
		return nil, fmt.Errorf("persistent: metadata payload overruns file")
	}
	wantSum := binary.BigEndian.Uint64(raw[payloadLen : payloadLen+8])
	gotSum := crc64.Checksum(raw[:payloadLen], metadataCRC)
	if wantSum != gotSum {
		return nil, fmt.Errorf("persistent: metadata checksum mismatch")
	}

	return &decodedMetadata{version: version, entries: entries}, nil
}
