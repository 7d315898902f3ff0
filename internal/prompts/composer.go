package prompts

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

const defaultWatchDebounce = 100 * time.Millisecond

// Composer loads prompts from a directory and caches them until the
// directory changes.
type Composer struct {
	dir    string
	logger *slog.Logger

	mu    sync.RWMutex
	cache map[string]*Prompt

	watchMu     sync.Mutex
	watcher     *fsnotify.Watcher
	watchCancel context.CancelFunc
	watchWg     sync.WaitGroup
	debounce    time.Duration
}

// NewComposer creates a composer for dir. It does not touch the filesystem.
func NewComposer(dir string, logger *slog.Logger) *Composer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Composer{
		dir:      dir,
		logger:   logger.With("component", "prompts"),
		cache:    make(map[string]*Prompt),
		debounce: defaultWatchDebounce,
	}
}

func (c *Composer) Dir() string {
	return c.dir
}

// Compose resolves a directive at the start of text. It returns nil when
// text carries no directive.
func (c *Composer) Compose(text string) (*Composition, error) {
	name, rest, ok := ParseDirective(text)
	if !ok {
		return nil, nil
	}
	prompt, err := c.Load(name)
	if err != nil {
		return nil, err
	}
	return &Composition{Text: rest, Prompt: prompt}, nil
}

// Load returns the named prompt, reading it on a cache miss.
func (c *Composer) Load(name string) (*Prompt, error) {
	c.mu.RLock()
	cached, ok := c.cache[name]
	c.mu.RUnlock()
	if ok {
		return cached, nil
	}

	path := filepath.Join(c.dir, name+".md")
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s", ErrPromptNotFound, name)
		}
		return nil, fmt.Errorf("read prompt %s: %w", name, err)
	}
	prompt, err := Parse(name, data)
	if err != nil {
		return nil, err
	}
	prompt.Path = path

	c.mu.Lock()
	c.cache[name] = prompt
	c.mu.Unlock()
	return prompt, nil
}

// Invalidate drops every cached prompt.
func (c *Composer) Invalidate() {
	c.mu.Lock()
	c.cache = make(map[string]*Prompt)
	c.mu.Unlock()
}

// StartWatching invalidates the cache whenever the prompt directory changes.
// A missing directory is not an error; nothing is watched.
func (c *Composer) StartWatching(ctx context.Context) error {
	if info, err := os.Stat(c.dir); err != nil || !info.IsDir() {
		c.logger.Debug("prompt directory not found, watching disabled", "dir", c.dir)
		return nil
	}

	c.watchMu.Lock()
	defer c.watchMu.Unlock()
	if c.watcher != nil {
		return nil
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create prompt watcher: %w", err)
	}
	if err := watcher.Add(c.dir); err != nil {
		_ = watcher.Close()
		return fmt.Errorf("watch %s: %w", c.dir, err)
	}
	c.watcher = watcher
	watchCtx, cancel := context.WithCancel(ctx)
	c.watchCancel = cancel

	c.watchWg.Add(1)
	go c.watchLoop(watchCtx, watcher)
	return nil
}

// Close stops the watcher.
func (c *Composer) Close() error {
	c.watchMu.Lock()
	if c.watchCancel != nil {
		c.watchCancel()
		c.watchCancel = nil
	}
	watcher := c.watcher
	c.watcher = nil
	c.watchMu.Unlock()

	var err error
	if watcher != nil {
		err = watcher.Close()
	}
	c.watchWg.Wait()
	return err
}

func (c *Composer) watchLoop(ctx context.Context, watcher *fsnotify.Watcher) {
	defer c.watchWg.Done()

	var mu sync.Mutex
	var timer *time.Timer
	schedule := func() {
		mu.Lock()
		defer mu.Unlock()
		if timer != nil {
			timer.Stop()
		}
		timer = time.AfterFunc(c.debounce, func() {
			c.Invalidate()
			c.logger.Debug("prompt cache invalidated")
		})
	}
	defer func() {
		mu.Lock()
		if timer != nil {
			timer.Stop()
		}
		mu.Unlock()
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-watcher.Events:
			if !ok {
				return
			}
			if event.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Remove|fsnotify.Rename) != 0 {
				// Drop stale entries right away; the debounced pass catches
				// editors that write in several steps.
				c.Invalidate()
				schedule()
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return
			}
			c.logger.Warn("prompt watch error", "error", err)
		}
	}
}
