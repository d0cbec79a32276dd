package catalog

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math/rand"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	yaml "go.yaml.in/yaml/v3"

	"taskctl/pkg/logx"
)

// Manager owns the on-disk catalog file, exposes the current snapshot under
// a single lock (copy-on-write), and fans out newly-published
// snapshots to subscribers such as the scheduler loop.
type Manager struct {
	path string

	mu  sync.RWMutex
	cat *Catalog

	subsMu sync.Mutex
	subs   []chan *Catalog

	log       logx.Logger
	validator func(ctx context.Context, cat *Catalog) error

	// lastHash avoids redundant publishes when a write event fires without
	// a content change (common with editors that rewrite via a temp file).
	lastHash uint64
}

// NewManager returns a Manager for the catalog file at path. Call Load
// before Watch to get the first parse error synchronously.
func NewManager(path string) *Manager {
	return &Manager{path: path, validator: func(context.Context, *Catalog) error { return nil }}
}

func (m *Manager) SetLogger(log logx.Logger) { m.log = log }

// SetValidator installs the validation hook Watch runs before commit and
// publish; the default validator installed by NewManager accepts every
// catalog, so callers that want catalog.Validate must install it here.
func (m *Manager) SetValidator(fn func(ctx context.Context, cat *Catalog) error) {
	m.validator = fn
}

// Parse reads and strict-decodes the catalog file without publishing it.
func (m *Manager) Parse() (*Catalog, error) {
	b, err := os.ReadFile(m.path)
	if err != nil {
		return nil, err
	}
	jb, err := coerceToJSONBytes(m.path, b)
	if err != nil {
		return nil, &ConfigError{Reason: err.Error()}
	}

	var cat Catalog
	dec := json.NewDecoder(bytes.NewReader(jb))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&cat); err != nil {
		return nil, &ConfigError{Reason: err.Error()}
	}
	if err := dec.Decode(&struct{}{}); err != io.EOF {
		if err == nil {
			return nil, &ConfigError{Reason: "trailing data after catalog document"}
		}
		return nil, &ConfigError{Reason: err.Error()}
	}
	return &cat, nil
}

func (m *Manager) Commit(cat *Catalog) {
	m.mu.Lock()
	m.cat = cat
	m.lastHash = hashCatalog(cat)
	m.mu.Unlock()
}

// Mutate applies fn to a deep copy of the current snapshot, validates the
// result, writes it back to the catalog file, and commits+publishes it on
// success — the control API's only path for create/update/delete job
// mutations, kept copy-on-write like every other catalog transition.
func (m *Manager) Mutate(ctx context.Context, fn func(*Catalog) error) (*Catalog, error) {
	m.mu.RLock()
	cur := m.cat
	m.mu.RUnlock()
	if cur == nil {
		cur = &Catalog{}
	}
	next := cloneCatalog(cur)

	if err := fn(next); err != nil {
		return nil, err
	}
	if err := m.validator(ctx, next); err != nil {
		return nil, err
	}
	if err := m.writeFile(next); err != nil {
		return nil, fmt.Errorf("catalog: write %s: %w", m.path, err)
	}

	m.Commit(next)
	m.publish(next)
	return next, nil
}

func cloneCatalog(cat *Catalog) *Catalog {
	b, err := json.Marshal(cat)
	if err != nil {
		return &Catalog{}
	}
	var out Catalog
	if err := json.Unmarshal(b, &out); err != nil {
		return &Catalog{}
	}
	return &out
}

func (m *Manager) writeFile(cat *Catalog) error {
	b, err := yaml.Marshal(cat)
	if err != nil {
		return err
	}
	return os.WriteFile(m.path, b, 0o644)
}

// Load parses, validates, commits, and returns the catalog. It does not
// publish to subscribers (there are none yet at bootstrap).
func (m *Manager) Load() (*Catalog, error) {
	cat, err := m.Parse()
	if err != nil {
		return nil, err
	}
	if err := m.validator(context.Background(), cat); err != nil {
		return nil, err
	}
	m.Commit(cat)
	return cat, nil
}

// Get returns the currently published snapshot, or nil before the first Load.
func (m *Manager) Get() *Catalog {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.cat
}

// Subscribe registers a channel that receives every newly-published
// snapshot. buffer sizes the channel; slow subscribers have their oldest
// pending snapshot dropped in favor of the newest.
func (m *Manager) Subscribe(buffer int) chan *Catalog {
	ch := make(chan *Catalog, buffer)
	m.subsMu.Lock()
	m.subs = append(m.subs, ch)
	m.subsMu.Unlock()
	return ch
}

func (m *Manager) Unsubscribe(ch chan *Catalog) {
	if ch == nil {
		return
	}
	m.subsMu.Lock()
	defer m.subsMu.Unlock()
	for i, s := range m.subs {
		if s == ch {
			last := len(m.subs) - 1
			m.subs[i] = m.subs[last]
			m.subs[last] = nil
			m.subs = m.subs[:last]
			close(ch)
			return
		}
	}
}

func (m *Manager) publish(cat *Catalog) {
	m.subsMu.Lock()
	defer m.subsMu.Unlock()
	for _, ch := range m.subs {
		if ch == nil {
			continue
		}
		select {
		case ch <- cat:
		default:
			select {
			case <-ch:
			default:
			}
			select {
			case ch <- cat:
			default:
				if !m.log.IsZero() {
					m.log.Debug("catalog update dropped (subscriber slow)",
						logx.Int("queue_len", len(ch)), logx.Int("queue_cap", cap(ch)))
				}
			}
		}
	}
}

// Watch blocks reloading the catalog on every filesystem change to it until
// ctx is cancelled; it does not parse the file when it starts (use Load for
// the initial parse). Invalid updates are rejected
// (ConfigError) and the previous snapshot remains in force, matching
// Mutate's copy-on-write discipline.
func (m *Manager) Watch(ctx context.Context) error {
	dir := filepath.Dir(m.path)
	file := filepath.Base(m.path)

	const (
		restartBackoffBase = 250 * time.Millisecond
		restartBackoffMax  = 5 * time.Second
	)
	backoff := restartBackoffBase
	rng := rand.New(rand.NewSource(time.Now().UnixNano()))

	var (
		timerMu sync.Mutex
		timer   *time.Timer
	)
	debounce := func() {
		timerMu.Lock()
		defer timerMu.Unlock()
		if timer != nil {
			timer.Stop()
		}
		if !m.log.IsZero() {
			m.log.Debug("catalog change detected; scheduling reload", logx.String("path", m.path))
		}
		timer = time.AfterFunc(250*time.Millisecond, func() {
			cat, err := m.Parse()
			if err != nil {
				if !m.log.IsZero() {
					m.log.Warn("catalog parse failed", logx.String("path", m.path), logx.Err(err))
				}
				return
			}

			h := hashCatalog(cat)
			m.mu.RLock()
			unchanged := h != 0 && h == m.lastHash
			m.mu.RUnlock()
			if unchanged {
				return
			}

			vctx, cancel := context.WithTimeout(ctx, 5*time.Second)
			err = m.validator(vctx, cat)
			cancel()
			if err != nil {
				if !m.log.IsZero() {
					m.log.Warn("catalog rejected", logx.String("path", m.path), logx.Err(err))
				}
				return
			}

			m.Commit(cat)
			m.publish(cat)
			if !m.log.IsZero() {
				m.log.Info("catalog reloaded", logx.String("path", m.path),
					logx.Int("jobs", len(cat.Jobs)), logx.Int("resource_groups", len(cat.ResourceGroups)))
			}
		})
	}

	for {
		if ctx.Err() != nil {
			return nil
		}

		w, err := fsnotify.NewWatcher()
		if err != nil {
			if !m.log.IsZero() {
				m.log.Warn("catalog watch init failed", logx.Err(err), logx.String("dir", dir))
			}
			if !sleepBackoff(ctx, &backoff, restartBackoffMax, rng) {
				return nil
			}
			continue
		}

		if err := w.Add(dir); err != nil {
			_ = w.Close()
			if !m.log.IsZero() {
				m.log.Warn("catalog watch add failed", logx.Err(err), logx.String("dir", dir))
			}
			if !sleepBackoff(ctx, &backoff, restartBackoffMax, rng) {
				return nil
			}
			continue
		}

		backoff = restartBackoffBase
		if !m.log.IsZero() {
			m.log.Debug("catalog watcher started", logx.String("dir", dir), logx.String("file", file))
		}

		broken := false
		for !broken {
			select {
			case <-ctx.Done():
				_ = w.Close()
				return nil
			case ev, ok := <-w.Events:
				if !ok {
					broken = true
					break
				}
				if strings.EqualFold(filepath.Base(ev.Name), file) {
					if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename|fsnotify.Remove|fsnotify.Chmod) != 0 {
						debounce()
					}
				}
			case err, ok := <-w.Errors:
				if !ok {
					broken = true
					break
				}
				if err == nil {
					continue
				}
				if strings.Contains(strings.ToLower(err.Error()), "overflow") {
					if !m.log.IsZero() {
						m.log.Warn("catalog watch overflow; forcing reload", logx.Err(err))
					}
					debounce()
					continue
				}
				if !m.log.IsZero() {
					m.log.Warn("catalog watch error", logx.Err(err), logx.String("dir", dir))
				}
			}
		}
		_ = w.Close()
	}
}

func sleepBackoff(ctx context.Context, backoff *time.Duration, max time.Duration, rng *rand.Rand) bool {
	wait := *backoff + time.Duration(rng.Int63n(int64(*backoff/2)+1))
	if *backoff < max {
		*backoff *= 2
		if *backoff > max {
			*backoff = max
		}
	}
	select {
	case <-ctx.Done():
		return false
	case <-time.After(wait):
		return true
	}
}

func hashCatalog(cat *Catalog) uint64 {
	if cat == nil {
		return 0
	}
	b, err := json.Marshal(cat)
	if err != nil {
		return 0
	}
	return hashBytes(b)
}
