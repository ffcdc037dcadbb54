package history

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"

	logx "periodicd/pkg/logx"
)

// fileStore appends records to <prefix>.history.jsonl and keeps the newest
// Retain of them in memory. Once the file holds twice that many lines it is
// rewritten from memory.
type fileStore struct {
	log    logx.Logger
	path   string
	retain int

	mu     sync.Mutex
	f      *os.File
	recent []Record // oldest first
	lines  int
}

func openFile(cfg Config, log logx.Logger) (Store, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("history.path is required for file driver")
	}
	dir := filepath.Dir(path)
	base := strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}

	s := &fileStore{
		log:    log,
		path:   filepath.Join(dir, base) + ".history.jsonl",
		retain: retainOrDefault(cfg.Retain),
	}
	if err := s.replay(); err != nil && !errors.Is(err, os.ErrNotExist) {
		log.Warn("history replay failed", logx.String("path", s.path), logx.Err(err))
	}
	f, err := os.OpenFile(s.path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		return nil, err
	}
	s.f = f
	return s, nil
}

func (s *fileStore) replay() error {
	f, err := os.Open(s.path)
	if err != nil {
		return err
	}
	defer f.Close()
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		s.lines++
		var r Record
		if err := json.Unmarshal(sc.Bytes(), &r); err != nil || r.Client == "" {
			continue
		}
		s.push(r)
	}
	return sc.Err()
}

func (s *fileStore) push(r Record) {
	s.recent = append(s.recent, r)
	if over := len(s.recent) - s.retain; over > 0 {
		s.recent = append(s.recent[:0], s.recent[over:]...)
	}
}

func (s *fileStore) Append(_ context.Context, r Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.f == nil {
		return errors.New("history file closed")
	}
	if err := json.NewEncoder(s.f).Encode(r); err != nil {
		return err
	}
	s.lines++
	s.push(r)
	if s.lines >= 2*s.retain {
		if err := s.compactLocked(); err != nil {
			s.log.Debug("history compact failed", logx.Err(err))
		}
	}
	return nil
}

func (s *fileStore) Recent(_ context.Context, client string, limit int) ([]Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if limit <= 0 {
		limit = len(s.recent)
	}
	out := make([]Record, 0, min(limit, len(s.recent)))
	for i := len(s.recent) - 1; i >= 0 && len(out) < limit; i-- {
		if client == "" || s.recent[i].Client == client {
			out = append(out, s.recent[i])
		}
	}
	return out, nil
}

// compactLocked rewrites the file from memory. The rewrite is opened for
// appending and becomes the live handle once renamed into place, so a
// failure leaves the previous file and handle untouched.
func (s *fileStore) compactLocked() error {
	tmp := s.path + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		return err
	}
	abort := func(err error) error {
		_ = f.Close()
		_ = os.Remove(tmp)
		return err
	}
	w := bufio.NewWriter(f)
	enc := json.NewEncoder(w)
	for _, r := range s.recent {
		if err := enc.Encode(r); err != nil {
			return abort(err)
		}
	}
	if err := w.Flush(); err != nil {
		return abort(err)
	}
	if err := os.Rename(tmp, s.path); err != nil {
		return abort(err)
	}
	_ = s.f.Close()
	s.f = f
	s.lines = len(s.recent)
	return nil
}

func (s *fileStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.f == nil {
		return nil
	}
	err := s.f.Close()
	s.f = nil
	return err
}
