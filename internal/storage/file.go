package storage

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	logx "pollhub/pkg/logx"
)

// recentPerTask bounds the in-memory tail kept per task for RecentOutcomes.
const recentPerTask = 64

// fileStore appends outcomes to <prefix>.outcomes.jsonl. The newest records
// per task are mirrored in memory; Prune rewrites the file through a temp
// file and rename.
type fileStore struct {
	log  logx.Logger
	path string

	mu     sync.Mutex
	f      *os.File
	recent map[string][]Outcome // oldest first
}

func openFile(cfg Config, log logx.Logger) (Store, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("storage.path is required for file driver")
	}
	dir := filepath.Dir(path)
	base := strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}

	s := &fileStore{
		log:    log,
		path:   filepath.Join(dir, base) + ".outcomes.jsonl",
		recent: make(map[string][]Outcome),
	}
	n, err := s.replay()
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		log.Warn("outcome journal replay incomplete", logx.Err(err))
	}
	f, err := os.OpenFile(s.path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		return nil, err
	}
	s.f = f
	log.Debug("outcome journal opened", logx.String("path", s.path), logx.Int("replayed", n))
	return s, nil
}

// replay loads the tail of every task from disk. Corrupt lines are skipped.
func (s *fileStore) replay() (int, error) {
	f, err := os.Open(s.path)
	if err != nil {
		return 0, err
	}
	defer f.Close()
	n := 0
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), 1<<20)
	for sc.Scan() {
		var o Outcome
		if err := json.Unmarshal(sc.Bytes(), &o); err != nil || o.Task == "" {
			continue
		}
		s.remember(o)
		n++
	}
	return n, sc.Err()
}

func (s *fileStore) remember(o Outcome) {
	tail := append(s.recent[o.Task], o)
	if len(tail) > recentPerTask {
		tail = tail[len(tail)-recentPerTask:]
	}
	s.recent[o.Task] = tail
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

func (s *fileStore) AppendOutcome(ctx context.Context, o Outcome) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if o.At.IsZero() {
		o.At = time.Now()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.f == nil {
		return errors.New("outcome journal closed")
	}
	if err := json.NewEncoder(s.f).Encode(o); err != nil {
		return err
	}
	s.remember(o)
	return nil
}

func (s *fileStore) RecentOutcomes(ctx context.Context, task string, limit int) ([]Outcome, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = recentPerTask
	}
	s.mu.Lock()
	var out []Outcome
	if task != "" {
		out = append(out, s.recent[task]...)
	} else {
		for _, tail := range s.recent {
			out = append(out, tail...)
		}
	}
	s.mu.Unlock()

	sort.SliceStable(out, func(i, j int) bool { return out[i].At.After(out[j].At) })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *fileStore) Prune(ctx context.Context, cutoff time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.f == nil {
		return 0, errors.New("outcome journal closed")
	}

	in, err := os.Open(s.path)
	if err != nil {
		return 0, err
	}
	defer in.Close()

	tmp := s.path + ".tmp"
	out, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o600)
	if err != nil {
		return 0, err
	}
	w := bufio.NewWriter(out)
	dropped := 0
	sc := bufio.NewScanner(in)
	sc.Buffer(make([]byte, 0, 64*1024), 1<<20)
	for sc.Scan() {
		if err := ctx.Err(); err != nil {
			_ = out.Close()
			_ = os.Remove(tmp)
			return 0, err
		}
		var o Outcome
		if err := json.Unmarshal(sc.Bytes(), &o); err != nil || o.At.Before(cutoff) {
			dropped++
			continue
		}
		_, _ = w.Write(sc.Bytes())
		_ = w.WriteByte('\n')
	}
	if err := sc.Err(); err != nil {
		_ = out.Close()
		_ = os.Remove(tmp)
		return 0, err
	}
	if err := w.Flush(); err != nil {
		_ = out.Close()
		return 0, err
	}
	if err := out.Close(); err != nil {
		return 0, err
	}
	if dropped == 0 {
		return 0, os.Remove(tmp)
	}

	// Swap files and reopen the append handle on the compacted journal.
	_ = s.f.Close()
	s.f = nil
	if err := os.Rename(tmp, s.path); err != nil {
		return 0, fmt.Errorf("swap journal: %w", err)
	}
	f, err := os.OpenFile(s.path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		return dropped, err
	}
	s.f = f

	for task, tail := range s.recent {
		kept := tail[:0]
		for _, o := range tail {
			if !o.At.Before(cutoff) {
				kept = append(kept, o)
			}
		}
		if len(kept) == 0 {
			delete(s.recent, task)
		} else {
			s.recent[task] = kept
		}
	}
	return dropped, nil
}
