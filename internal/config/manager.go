package config

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"deliveryd/pkg/logx"
)

const (
	// settleDelay lets an editor finish writing before the file is re-read.
	settleDelay     = 250 * time.Millisecond
	watchBackoffMin = 250 * time.Millisecond
	watchBackoffMax = 5 * time.Second
)

// Manager owns the config file. Every load goes through the same pipeline:
// decode, overlay environment secrets, validate, then commit. Reloads that
// change the content are queued as a Change for the reload loop.
type Manager struct {
	path string
	log  logx.Logger

	// validate typically builds every component config and discards them.
	validate func(*Config) error

	mu   sync.RWMutex
	cur  *Config
	hash uint64

	// reloadMu serializes Reload so the file watcher and SIGHUP cannot
	// commit out of order.
	reloadMu sync.Mutex
	changes  chan Change
}

func NewManager(path string) *Manager {
	return &Manager{path: path, log: logx.Nop(), changes: make(chan Change, 1)}
}

func (m *Manager) SetLogger(log logx.Logger) { m.log = log.With(logx.String("path", m.path)) }

// SetValidator installs the check run before a config is committed.
func (m *Manager) SetValidator(fn func(*Config) error) { m.validate = fn }

func (m *Manager) read() (*Config, uint64, error) {
	b, err := os.ReadFile(m.path)
	if err != nil {
		return nil, 0, err
	}
	cfg, err := Decode(m.path, b)
	if err != nil {
		return nil, 0, err
	}
	// Hash the decoded form so formatting-only edits are not reloads.
	j, err := json.Marshal(cfg)
	if err != nil {
		return nil, 0, err
	}
	return cfg, hashBytes(j), nil
}

// Load reads, validates and commits the file. It is the startup path.
func (m *Manager) Load() (*Config, error) {
	cfg, h, err := m.read()
	if err != nil {
		return nil, err
	}
	if m.validate != nil {
		if err := m.validate(cfg); err != nil {
			return nil, err
		}
	}
	m.mu.Lock()
	m.cur, m.hash = cfg, h
	m.mu.Unlock()
	return cfg, nil
}

// Current returns the committed config.
func (m *Manager) Current() *Config {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.cur
}

// Changes delivers accepted reloads. Changes not yet received are merged, so
// the receiver always sees the diff from what it last applied.
func (m *Manager) Changes() <-chan Change { return m.changes }

// Reload re-reads the file. An unchanged file yields an empty Change; an
// invalid one is rejected and the committed config stays in force.
func (m *Manager) Reload() (Change, error) {
	m.reloadMu.Lock()
	defer m.reloadMu.Unlock()
	next, h, err := m.read()
	if err != nil {
		return Change{}, err
	}
	m.mu.RLock()
	prev, same := m.cur, h == m.hash
	m.mu.RUnlock()
	if same {
		return Change{}, nil
	}
	if m.validate != nil {
		if err := m.validate(next); err != nil {
			return Change{}, fmt.Errorf("config rejected: %w", err)
		}
	}
	m.mu.Lock()
	m.cur, m.hash = next, h
	m.mu.Unlock()

	ch := Diff(prev, next)
	if !ch.Empty() {
		m.publish(ch)
	}
	return ch, nil
}

// publish is called with reloadMu held.
func (m *Manager) publish(ch Change) {
	for {
		select {
		case m.changes <- ch:
			return
		default:
		}
		select {
		case old := <-m.changes:
			ch = Diff(old.Prev, ch.Next)
			if ch.Empty() {
				return
			}
		default:
		}
	}
}

// Watch reloads the file whenever it changes on disk until ctx is done. The
// directory is watched, not the file, so editors that replace the file by
// rename are seen. A broken watcher is recreated with backoff.
func (m *Manager) Watch(ctx context.Context) error {
	dir, file := filepath.Dir(m.path), filepath.Base(m.path)
	backoff := watchBackoffMin
	for {
		started, err := m.watch(ctx, dir, file)
		if ctx.Err() != nil {
			return nil
		}
		if started {
			backoff = watchBackoffMin
		}
		m.log.Warn("config watcher stopped, restarting", logx.Err(err), logx.Duration("backoff", backoff))
		t := time.NewTimer(backoff)
		select {
		case <-ctx.Done():
			t.Stop()
			return nil
		case <-t.C:
		}
		backoff = min(2*backoff, watchBackoffMax)
	}
}

func (m *Manager) watch(ctx context.Context, dir, file string) (bool, error) {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return false, err
	}
	defer w.Close()
	if err := w.Add(dir); err != nil {
		return false, err
	}
	m.log.Debug("config watcher started")

	settle := time.NewTimer(settleDelay)
	settle.Stop()
	defer settle.Stop()
	for {
		select {
		case <-ctx.Done():
			return true, nil
		case ev, ok := <-w.Events:
			if !ok {
				return true, errors.New("watcher events closed")
			}
			if strings.EqualFold(filepath.Base(ev.Name), file) {
				settle.Reset(settleDelay)
			}
		case err, ok := <-w.Errors:
			if !ok {
				return true, errors.New("watcher errors closed")
			}
			if errors.Is(err, fsnotify.ErrEventOverflow) {
				// Events were lost; the file may have changed.
				settle.Reset(settleDelay)
				continue
			}
			m.log.Warn("config watch error", logx.Err(err))
		case <-settle.C:
			m.reload()
		}
	}
}

func (m *Manager) reload() {
	ch, err := m.Reload()
	switch {
	case err != nil:
		m.log.Warn("config reload failed, keeping current", logx.Err(err))
	case ch.Empty():
		m.log.Debug("config unchanged")
	default:
		m.log.Debug("config change queued", logx.String("sections", strings.Join(ch.Sections, ",")))
	}
}
