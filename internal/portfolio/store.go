package portfolio

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"
)

const defaultDebounce = time.Second

// Store manages all portfolios and persists each one to
// <dir>/portfolio_<id>.json. Mutations are observed through portfolio
// events and flushed after a debounce window so bursts of changes coalesce
// into a single write. Writes go through a temp file, fsync, and atomic
// rename so a crash never leaves a truncated document behind.
type Store struct {
	mu         sync.Mutex
	dir        string
	debounce   time.Duration
	portfolios map[string]*Portfolio
	timers     map[string]*time.Timer
	closed     bool

	// OnSave, if set, is called after each successful flush. Used for
	// metrics; must not block.
	OnSave func(id string)
}

// NewStore creates a store rooted at dir, creating it if needed.
func NewStore(dir string) (*Store, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}
	return &Store{
		dir:        dir,
		debounce:   defaultDebounce,
		portfolios: make(map[string]*Portfolio),
		timers:     make(map[string]*time.Timer),
	}, nil
}

// SetDebounce overrides the save debounce window. Call before Load.
func (s *Store) SetDebounce(d time.Duration) {
	s.mu.Lock()
	s.debounce = d
	s.mu.Unlock()
}

// Load scans the data dir for portfolio files. Corrupt or unreadable files
// are logged and skipped so one bad document never blocks startup; files
// with duplicate ids after the first are ignored.
func (s *Store) Load() error {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return fmt.Errorf("read data dir: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	for _, ent := range entries {
		name := ent.Name()
		if ent.IsDir() || !strings.HasPrefix(name, "portfolio_") || !strings.HasSuffix(name, ".json") {
			continue
		}
		path := filepath.Join(s.dir, name)
		data, err := os.ReadFile(path)
		if err != nil {
			slog.Error("skipping unreadable portfolio file", "path", path, "error", err)
			continue
		}
		p := New("", "")
		if err := json.Unmarshal(data, p); err != nil {
			slog.Error("skipping corrupt portfolio file", "path", path, "error", err)
			continue
		}
		if _, exists := s.portfolios[p.ID()]; exists {
			slog.Warn("duplicate portfolio id, skipping", "id", p.ID(), "path", path)
			continue
		}
		s.attachLocked(p)
		slog.Info("loaded portfolio", "id", p.ID(), "underlying", p.Underlying(), "options", len(p.Options()))
	}
	return nil
}

// EnsureDefault creates a default portfolio when none were loaded.
func (s *Store) EnsureDefault(underlying string) *Portfolio {
	s.mu.Lock()
	if len(s.portfolios) > 0 {
		for _, p := range s.portfolios {
			s.mu.Unlock()
			return p
		}
	}
	s.mu.Unlock()
	p, _ := s.Create("", underlying)
	return p
}

// Create adds a new portfolio and persists it immediately. An empty id
// generates a UUID.
func (s *Store) Create(id, underlying string) (*Portfolio, error) {
	p := New(id, underlying)

	s.mu.Lock()
	if _, exists := s.portfolios[p.ID()]; exists {
		s.mu.Unlock()
		return nil, fmt.Errorf("portfolio %s already exists", p.ID())
	}
	s.attachLocked(p)
	s.mu.Unlock()

	if err := s.Save(p.ID()); err != nil {
		return nil, err
	}
	slog.Info("created portfolio", "id", p.ID(), "underlying", underlying)
	return p, nil
}

// Get returns the portfolio, or nil.
func (s *Store) Get(id string) *Portfolio {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.portfolios[id]
}

// List returns all portfolio ids, sorted.
func (s *Store) List() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := make([]string, 0, len(s.portfolios))
	for id := range s.portfolios {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// All returns every managed portfolio.
func (s *Store) All() []*Portfolio {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*Portfolio, 0, len(s.portfolios))
	for _, p := range s.portfolios {
		out = append(out, p)
	}
	return out
}

// Delete removes a portfolio and its file. Returns false if not found.
func (s *Store) Delete(id string) bool {
	s.mu.Lock()
	_, ok := s.portfolios[id]
	if !ok {
		s.mu.Unlock()
		return false
	}
	delete(s.portfolios, id)
	if t := s.timers[id]; t != nil {
		t.Stop()
		delete(s.timers, id)
	}
	s.mu.Unlock()

	path := s.path(id)
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		slog.Error("failed to remove portfolio file", "path", path, "error", err)
	}
	slog.Info("deleted portfolio", "id", id)
	return true
}

// attachLocked registers the portfolio and subscribes to its events.
func (s *Store) attachLocked(p *Portfolio) {
	s.portfolios[p.ID()] = p
	id := p.ID()
	for _, et := range AllEventTypes {
		p.AddListener(et, func(Event) { s.scheduleSave(id) })
	}
}

// scheduleSave arms (or re-arms) the debounce timer for one portfolio.
func (s *Store) scheduleSave(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	if t, ok := s.timers[id]; ok {
		t.Reset(s.debounce)
		return
	}
	s.timers[id] = time.AfterFunc(s.debounce, func() {
		s.mu.Lock()
		delete(s.timers, id)
		s.mu.Unlock()
		if err := s.Save(id); err != nil {
			slog.Error("debounced save failed", "id", id, "error", err)
		}
	})
}

// Save writes one portfolio to disk immediately.
func (s *Store) Save(id string) error {
	s.mu.Lock()
	p := s.portfolios[id]
	s.mu.Unlock()
	if p == nil {
		return fmt.Errorf("portfolio %s not found", id)
	}

	data, err := json.MarshalIndent(p, "", "  ")
	if err != nil {
		return fmt.Errorf("encode portfolio %s: %w", id, err)
	}
	if err := writeFileAtomic(s.path(id), data); err != nil {
		return fmt.Errorf("write portfolio %s: %w", id, err)
	}
	p.MarkClean()
	if s.OnSave != nil {
		s.OnSave(id)
	}
	return nil
}

// SaveAll flushes every portfolio, returning the first error encountered
// after attempting all of them.
func (s *Store) SaveAll() error {
	var firstErr error
	for _, id := range s.List() {
		if err := s.Save(id); err != nil {
			slog.Error("save failed", "id", id, "error", err)
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	return firstErr
}

// Close stops all pending debounce timers and flushes dirty portfolios.
func (s *Store) Close() error {
	s.mu.Lock()
	s.closed = true
	for id, t := range s.timers {
		t.Stop()
		delete(s.timers, id)
	}
	s.mu.Unlock()
	return s.SaveAll()
}

func (s *Store) path(id string) string {
	return filepath.Join(s.dir, "portfolio_"+id+".json")
}

// writeFileAtomic writes via a temp file in the same directory, fsyncs,
// then renames over the target.
func writeFileAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, filepath.Base(path)+".tmp*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

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
	return os.Rename(tmpName, path)
}
