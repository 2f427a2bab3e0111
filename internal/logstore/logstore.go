// Package logstore is the kernel's durable record store: newline-delimited
// JSON files under a base directory, appended with fsync and compacted by
// rewriting through a temp file and renaming it into place. A failed write
// surfaces a PersistenceError; in-memory state stays authoritative.
package logstore

import (
	"bufio"
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/nextlevelbuilder/termclaw/pkg/protocol"
)

// Well-known files under the log directory.
const (
	FileAgents             = "agents"
	FileTeams              = "teams"
	FileManagers           = "managers"
	FilePersistentSessions = "persistent_sessions"
	FileNotifications      = "notifications"
	FileFeedback           = "feedback"
)

// Meta is the envelope every persisted record carries.
type Meta struct {
	Kind      string    `json:"kind"`
	Version   int       `json:"version"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Store appends and replays records under a single base directory.
// Appends on different files may proceed concurrently; appends on the same
// file are serialized.
type Store struct {
	dir string

	mu    sync.Mutex
	files map[string]*os.File
}

// Open creates the base directory if needed and returns a Store.
func Open(dir string) (*Store, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, &protocol.PersistenceError{Path: dir, Kind: "mkdir", Err: err}
	}
	return &Store{dir: dir, files: make(map[string]*os.File)}, nil
}

// Dir returns the base directory.
func (s *Store) Dir() string { return s.dir }

func (s *Store) handle(name string) (*os.File, error) {
	if f, ok := s.files[name]; ok {
		return f, nil
	}
	f, err := os.OpenFile(filepath.Join(s.dir, name), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, err
	}
	s.files[name] = f
	return f, nil
}

// Append marshals record as one JSON line and fsyncs the write.
func (s *Store) Append(name string, record any) error {
	data, err := json.Marshal(record)
	if err != nil {
		return &protocol.PersistenceError{Path: name, Kind: "append", Err: err}
	}
	data = append(data, '\n')

	s.mu.Lock()
	defer s.mu.Unlock()

	f, err := s.handle(name)
	if err != nil {
		return &protocol.PersistenceError{Path: name, Kind: "append", Err: err}
	}
	if _, err := f.Write(data); err != nil {
		return &protocol.PersistenceError{Path: name, Kind: "append", Err: err}
	}
	if err := f.Sync(); err != nil {
		return &protocol.PersistenceError{Path: name, Kind: "append", Err: err}
	}
	return nil
}

// Replay calls fn for each record line in the file, oldest first. Lines that
// fail to parse are skipped: a torn final line after a crash must not poison
// the rest of the log. A missing file replays nothing.
func (s *Store) Replay(name string, fn func(kind string, raw json.RawMessage) error) error {
	data, err := os.ReadFile(filepath.Join(s.dir, name))
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return &protocol.PersistenceError{Path: name, Kind: "read", Err: err}
	}

	sc := bufio.NewScanner(bytes.NewReader(data))
	sc.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for sc.Scan() {
		line := bytes.TrimSpace(sc.Bytes())
		if len(line) == 0 {
			continue
		}
		var probe struct {
			Kind string `json:"kind"`
		}
		if err := json.Unmarshal(line, &probe); err != nil {
			continue
		}
		raw := make(json.RawMessage, len(line))
		copy(raw, line)
		if err := fn(probe.Kind, raw); err != nil {
			return err
		}
	}
	return nil
}

// Rewrite replaces the file's contents with the given records, one JSON line
// each, atomically via temp file + rename. Used by compaction.
func (s *Store) Rewrite(name string, records []any) error {
	var buf bytes.Buffer
	for _, r := range records {
		data, err := json.Marshal(r)
		if err != nil {
			return &protocol.PersistenceError{Path: name, Kind: "rewrite", Err: err}
		}
		buf.Write(data)
		buf.WriteByte('\n')
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	// Close the append handle so the rename does not race buffered writes.
	if f, ok := s.files[name]; ok {
		f.Close()
		delete(s.files, name)
	}
	if err := s.atomicWrite(name, buf.Bytes()); err != nil {
		return &protocol.PersistenceError{Path: name, Kind: "rewrite", Err: err}
	}
	return nil
}

// WriteSnapshot atomically replaces the file with a single JSON document.
// Used for persistent_sessions, which is stored as one JSON array.
func (s *Store) WriteSnapshot(name string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return &protocol.PersistenceError{Path: name, Kind: "rewrite", Err: err}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.atomicWrite(name, append(data, '\n')); err != nil {
		return &protocol.PersistenceError{Path: name, Kind: "rewrite", Err: err}
	}
	return nil
}

// ReadSnapshot unmarshals the whole file into v. A missing file leaves v
// untouched and returns false.
func (s *Store) ReadSnapshot(name string, v any) (bool, error) {
	data, err := os.ReadFile(filepath.Join(s.dir, name))
	if err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, &protocol.PersistenceError{Path: name, Kind: "read", Err: err}
	}
	if err := json.Unmarshal(data, v); err != nil {
		return false, &protocol.PersistenceError{Path: name, Kind: "read", Err: err}
	}
	return true, nil
}

// atomicWrite writes data to a temp file in the store directory, fsyncs it,
// and renames it over the target. Caller holds s.mu.
func (s *Store) atomicWrite(name string, data []byte) error {
	tmp, err := os.CreateTemp(s.dir, name+"-*.tmp")
	if err != nil {
		return err
	}
	tmpPath := tmp.Name()
	cleanup := true
	defer func() {
		if cleanup {
			os.Remove(tmpPath)
		}
	}()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmpPath, filepath.Join(s.dir, name)); err != nil {
		return err
	}
	cleanup = false
	return nil
}

// Size returns the current byte size of a file, 0 if missing.
func (s *Store) Size(name string) int64 {
	info, err := os.Stat(filepath.Join(s.dir, name))
	if err != nil {
		return 0
	}
	return info.Size()
}

// Close releases all open append handles.
func (s *Store) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for name, f := range s.files {
		f.Close()
		delete(s.files, name)
	}
}
