package pruv

import (
	"bufio"
	"context"
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
	"syscall"
)

// fileStore implements Store using POSIX files with append-only
// semantics. Layout under the base directory:
//
//	chains/{chainID}/meta.json        - chain metadata
//	chains/{chainID}/entries.log      - framed entry log
//	chains/{chainID}/tail.json        - full copy of the tail entry
//	chains/{chainID}/checkpoints.log  - framed checkpoint records
//
// Frame format in the .log files:
//
//	[4]byte: payload length (uint32, big endian)
//	[n]byte: JSON payload
//
// tail.json gives O(1) tail access; the entry log is scanned
// sequentially for reads.
type fileStore struct {
	dir string
	mu  sync.RWMutex
}

const (
	chainsDirName       = "chains"
	metaFileName        = "meta.json"
	entriesFileName     = "entries.log"
	tailFileName        = "tail.json"
	checkpointsFileName = "checkpoints.log"
)

// OpenFileStore creates or opens a file-based store rooted at dir.
func OpenFileStore(dir string) (Store, error) {
	if err := os.MkdirAll(filepath.Join(dir, chainsDirName), 0700); err != nil {
		return nil, fmt.Errorf("create directory: %w", err)
	}
	return &fileStore{dir: dir}, nil
}

func (s *fileStore) chainDir(chainID string) (string, error) {
	if chainID == "" || strings.ContainsAny(chainID, "/\\") || strings.Contains(chainID, "..") {
		return "", fmt.Errorf("invalid chain id %q", chainID)
	}
	return filepath.Join(s.dir, chainsDirName, chainID), nil
}

func (s *fileStore) CreateChain(_ context.Context, c *Chain) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	dir, err := s.chainDir(c.ID)
	if err != nil {
		return err
	}
	if _, err := os.Stat(dir); err == nil {
		return ErrChainExists
	}
	if err := os.MkdirAll(dir, 0700); err != nil {
		return fmt.Errorf("create chain directory: %w", err)
	}
	return writeJSONFile(filepath.Join(dir, metaFileName), c)
}

func (s *fileStore) Chain(_ context.Context, chainID string) (*Chain, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.readChainLocked(chainID)
}

func (s *fileStore) readChainLocked(chainID string) (*Chain, error) {
	dir, err := s.chainDir(chainID)
	if err != nil {
		return nil, err
	}
	var c Chain
	if err := readJSONFile(filepath.Join(dir, metaFileName), &c); err != nil {
		if os.IsNotExist(err) {
			return nil, ErrChainNotFound
		}
		return nil, err
	}
	return &c, nil
}

func (s *fileStore) Chains(_ context.Context) ([]*Chain, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	root := filepath.Join(s.dir, chainsDirName)
	dirs, err := os.ReadDir(root)
	if err != nil {
		return nil, fmt.Errorf("read chains directory: %w", err)
	}
	var out []*Chain
	for _, d := range dirs {
		if !d.IsDir() {
			continue
		}
		c, err := s.readChainLocked(d.Name())
		if err != nil {
			continue
		}
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// AppendEntry writes the entry frame and refreshes the tail file. The
// tail file is the contiguity authority: an index that is not exactly
// one past it fails with ErrConcurrentAppendConflict.
func (s *fileStore) AppendEntry(_ context.Context, e *Entry) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	dir, err := s.chainDir(e.ChainID)
	if err != nil {
		return err
	}
	if _, err := os.Stat(filepath.Join(dir, metaFileName)); err != nil {
		if os.IsNotExist(err) {
			return ErrChainNotFound
		}
		return err
	}

	f, err := os.OpenFile(filepath.Join(dir, entriesFileName), os.O_RDWR|os.O_CREATE|os.O_APPEND, 0600)
	if err != nil {
		return fmt.Errorf("open entry log: %w", err)
	}
	defer f.Close()

	// The flock must cover the tail read as well as the write, or two
	// processes sharing the data dir could both pass the contiguity
	// check against the same stale tail.
	if err := syscall.Flock(int(f.Fd()), syscall.LOCK_EX); err != nil {
		return fmt.Errorf("lock entry log: %w", err)
	}
	defer syscall.Flock(int(f.Fd()), syscall.LOCK_UN)

	tail, ok, err := s.readTailLocked(dir)
	if err != nil {
		return err
	}
	var next uint64
	if ok {
		next = tail.Index + 1
	}
	if e.Index != next {
		return ErrConcurrentAppendConflict
	}

	if err := writeFrame(f, e); err != nil {
		return err
	}
	if err := f.Sync(); err != nil {
		return fmt.Errorf("sync entry log: %w", err)
	}

	return writeJSONFile(filepath.Join(dir, tailFileName), e)
}

func (s *fileStore) Entries(_ context.Context, chainID string, start uint64, limit int) ([]*Entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	dir, err := s.chainDir(chainID)
	if err != nil {
		return nil, err
	}
	if _, err := os.Stat(filepath.Join(dir, metaFileName)); err != nil {
		if os.IsNotExist(err) {
			return nil, ErrChainNotFound
		}
		return nil, err
	}

	var out []*Entry
	err = scanFrames(filepath.Join(dir, entriesFileName), func(payload []byte) (bool, error) {
		var e Entry
		if err := json.Unmarshal(payload, &e); err != nil {
			return false, fmt.Errorf("decode entry: %w", err)
		}
		if e.Index < start {
			return true, nil
		}
		out = append(out, &e)
		if limit > 0 && len(out) >= limit {
			return false, nil
		}
		return true, nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (s *fileStore) Entry(ctx context.Context, chainID string, index uint64) (*Entry, error) {
	entries, err := s.Entries(ctx, chainID, index, 1)
	if err != nil {
		return nil, err
	}
	if len(entries) == 0 || entries[0].Index != index {
		return nil, ErrEntryNotFound
	}
	return entries[0], nil
}

func (s *fileStore) Tail(_ context.Context, chainID string) (*Entry, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	dir, err := s.chainDir(chainID)
	if err != nil {
		return nil, false, err
	}
	if _, err := os.Stat(filepath.Join(dir, metaFileName)); err != nil {
		if os.IsNotExist(err) {
			return nil, false, ErrChainNotFound
		}
		return nil, false, err
	}
	return s.readTailLocked(dir)
}

func (s *fileStore) readTailLocked(dir string) (*Entry, bool, error) {
	var e Entry
	if err := readJSONFile(filepath.Join(dir, tailFileName), &e); err != nil {
		if os.IsNotExist(err) {
			return nil, false, nil
		}
		return nil, false, err
	}
	return &e, true, nil
}

func (s *fileStore) PutCheckpoint(_ context.Context, cp *Checkpoint) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	dir, err := s.chainDir(cp.ChainID)
	if err != nil {
		return err
	}
	if _, err := os.Stat(filepath.Join(dir, metaFileName)); err != nil {
		if os.IsNotExist(err) {
			return ErrChainNotFound
		}
		return err
	}

	f, err := os.OpenFile(filepath.Join(dir, checkpointsFileName), os.O_RDWR|os.O_CREATE|os.O_APPEND, 0600)
	if err != nil {
		return fmt.Errorf("open checkpoint log: %w", err)
	}
	defer f.Close()

	if err := syscall.Flock(int(f.Fd()), syscall.LOCK_EX); err != nil {
		return fmt.Errorf("lock checkpoint log: %w", err)
	}
	defer syscall.Flock(int(f.Fd()), syscall.LOCK_UN)

	if err := writeFrame(f, cp); err != nil {
		return err
	}
	return f.Sync()
}

// readCheckpointsLocked scans the checkpoint log. The log is append
// only, so a re-put of the same id appears twice and the last frame
// wins.
func (s *fileStore) readCheckpointsLocked(chainID string) (map[string]*Checkpoint, error) {
	dir, err := s.chainDir(chainID)
	if err != nil {
		return nil, err
	}
	if _, err := os.Stat(filepath.Join(dir, metaFileName)); err != nil {
		if os.IsNotExist(err) {
			return nil, ErrChainNotFound
		}
		return nil, err
	}

	out := make(map[string]*Checkpoint)
	err = scanFrames(filepath.Join(dir, checkpointsFileName), func(payload []byte) (bool, error) {
		var cp Checkpoint
		if err := json.Unmarshal(payload, &cp); err != nil {
			return false, fmt.Errorf("decode checkpoint: %w", err)
		}
		out[cp.ID] = &cp
		return true, nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (s *fileStore) Checkpoint(_ context.Context, chainID, checkpointID string) (*Checkpoint, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	cps, err := s.readCheckpointsLocked(chainID)
	if err != nil {
		return nil, err
	}
	cp, ok := cps[checkpointID]
	if !ok {
		return nil, ErrCheckpointNotFound
	}
	return cp, nil
}

func (s *fileStore) Checkpoints(_ context.Context, chainID string) ([]*Checkpoint, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	cps, err := s.readCheckpointsLocked(chainID)
	if err != nil {
		return nil, err
	}
	out := make([]*Checkpoint, 0, len(cps))
	for _, cp := range cps {
		out = append(out, cp)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].EntryIndex != out[j].EntryIndex {
			return out[i].EntryIndex < out[j].EntryIndex
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

func (s *fileStore) Close() error { return nil }

// writeFrame appends a length-prefixed JSON frame.
func writeFrame(w io.Writer, v any) error {
	payload, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode frame: %w", err)
	}
	var hdr [4]byte
	binary.BigEndian.PutUint32(hdr[:], uint32(len(payload)))
	if _, err := w.Write(hdr[:]); err != nil {
		return fmt.Errorf("write frame header: %w", err)
	}
	if _, err := w.Write(payload); err != nil {
		return fmt.Errorf("write frame payload: %w", err)
	}
	return nil
}

// scanFrames reads length-prefixed frames, calling fn for each payload
// until EOF or fn returns false. A missing file is an empty log.
func scanFrames(path string, fn func(payload []byte) (bool, error)) error {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("open %s: %w", filepath.Base(path), err)
	}
	defer f.Close()

	reader := bufio.NewReader(f)
	for {
		var hdr [4]byte
		if _, err := io.ReadFull(reader, hdr[:]); err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return fmt.Errorf("read frame header: %w", err)
		}
		payload := make([]byte, binary.BigEndian.Uint32(hdr[:]))
		if _, err := io.ReadFull(reader, payload); err != nil {
			return fmt.Errorf("read frame payload: %w", err)
		}
		more, err := fn(payload)
		if err != nil {
			return err
		}
		if !more {
			return nil
		}
	}
}

// writeJSONFile replaces path atomically via a temp file and rename.
func writeJSONFile(path string, v any) error {
	payload, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode %s: %w", filepath.Base(path), err)
	}
	tmp := path + ".tmp"
	f, err := os.OpenFile(tmp, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0600)
	if err != nil {
		return fmt.Errorf("open %s: %w", filepath.Base(tmp), err)
	}
	if _, err := f.Write(payload); err != nil {
		_ = f.Close()
		return fmt.Errorf("write %s: %w", filepath.Base(tmp), err)
	}
	if err := f.Sync(); err != nil {
		_ = f.Close()
		return fmt.Errorf("sync %s: %w", filepath.Base(tmp), err)
	}
	if err := f.Close(); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

func readJSONFile(path string, v any) error {
	payload, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	return json.Unmarshal(payload, v)
}
