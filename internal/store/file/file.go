// Package file implements the canonical JSONL store backend: one UTF-8,
// LF-terminated line per record, appended with O_APPEND and fsynced before
// the append returns.
package file

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/nextlevelbuilder/taskclaw/internal/store"
)

// Sink appends serialized records to a single .jsonl file.
type Sink struct {
	mu   sync.Mutex
	path string
	f    *os.File
}

// Open creates the parent directory if needed and opens the file for
// appending.
func Open(path string) (*Sink, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create log dir: %w", err)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open log %s: %w", path, err)
	}
	return &Sink{path: path, f: f}, nil
}

func (s *Sink) Append(lines []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var b strings.Builder
	for _, line := range lines {
		b.WriteString(line)
		b.WriteByte('\n')
	}
	if _, err := s.f.WriteString(b.String()); err != nil {
		return fmt.Errorf("append %s: %w", s.path, err)
	}
	if err := s.f.Sync(); err != nil {
		return fmt.Errorf("sync %s: %w", s.path, err)
	}
	return nil
}

func (s *Sink) LoadAll() ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	f, err := os.Open(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("load %s: %w", s.path, err)
	}
	defer f.Close()

	var lines []string
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" {
			continue
		}
		lines = append(lines, line)
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("scan %s: %w", s.path, err)
	}
	return lines, nil
}

func (s *Sink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.f.Close()
}

// OpenStores opens the standard trio of kernel logs under dir.
func OpenStores(dir string) (*store.Stores, error) {
	events, err := Open(filepath.Join(dir, "events.jsonl"))
	if err != nil {
		return nil, err
	}
	conversations, err := Open(filepath.Join(dir, "conversations.jsonl"))
	if err != nil {
		events.Close()
		return nil, err
	}
	audit, err := Open(filepath.Join(dir, "audit.jsonl"))
	if err != nil {
		events.Close()
		conversations.Close()
		return nil, err
	}
	return &store.Stores{
		Events:        events,
		Conversations: conversations,
		Audit:         audit,
		Snapshots:     NewSnapshotStore(filepath.Join(dir, "projections.jsonl")),
	}, nil
}
