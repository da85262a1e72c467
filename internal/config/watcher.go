package config

import (
	"context"
	"crypto/sha256"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// ReloadFunc receives the new, validated config after every successful
// reload. It runs on the watcher goroutine and must return quickly.
type ReloadFunc func(newCfg *Config)

// Watcher reloads the config file when it changes. fsnotify gives fast
// notification for editors and atomic renames; a content-hash poll catches
// mounted ConfigMap/Secret volumes whose "..data" symlink swaps never reach
// inotify.
type Watcher struct {
	path         string
	onReload     ReloadFunc
	logger       *slog.Logger
	settle       time.Duration
	pollInterval time.Duration

	stopOnce sync.Once
	mu       sync.Mutex
	cancel   context.CancelFunc
}

// NewWatcher creates a config file watcher. Nothing is watched until Start.
func NewWatcher(path string, onReload ReloadFunc, logger *slog.Logger) *Watcher {
	return &Watcher{
		path:         path,
		onReload:     onReload,
		logger:       logger,
		settle:       300 * time.Millisecond,
		pollInterval: 2 * time.Second,
	}
}

// fileSet fingerprints a group of files living in one directory.
type fileSet struct {
	files    []string
	dataLink string
	hashes   []string
	target   string
}

func newFileSet(files ...string) *fileSet {
	fs := &fileSet{
		files:    files,
		dataLink: filepath.Join(filepath.Dir(files[0]), "..data"),
		hashes:   make([]string, len(files)),
	}
	fs.snapshot()
	return fs
}

func (fs *fileSet) snapshot() {
	for i, f := range fs.files {
		fs.hashes[i] = hashFile(f)
	}
	fs.target = readlink(fs.dataLink)
}

// changed compares the current state to the last snapshot. The symlink
// target is checked first since it is the cheapest signal.
func (fs *fileSet) changed() bool {
	if t := readlink(fs.dataLink); t != "" && t != fs.target {
		return true
	}
	for i, f := range fs.files {
		if hashFile(f) != fs.hashes[i] {
			return true
		}
	}
	return false
}

// Start watches until ctx is canceled or Stop is called.
func (w *Watcher) Start(ctx context.Context) error {
	ctx = w.bind(ctx)

	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer fsw.Close()

	if err := fsw.Add(filepath.Dir(w.path)); err != nil {
		return err
	}
	_ = fsw.Add(w.path)

	w.logger.Info("config watcher started", "path", w.path)

	state := newFileSet(w.path)
	poll := time.NewTicker(w.pollInterval)
	defer poll.Stop()

	var settleCh <-chan time.Time
	for {
		select {
		case <-ctx.Done():
			w.logger.Info("config watcher stopped")
			return nil

		case ev, ok := <-fsw.Events:
			if !ok {
				return nil
			}
			if ev.Has(fsnotify.Write) || ev.Has(fsnotify.Create) || ev.Has(fsnotify.Rename) {
				// Atomic-save editors replace the inode; re-arm the file watch.
				if ev.Has(fsnotify.Create) || ev.Has(fsnotify.Rename) {
					_ = fsw.Add(w.path)
				}
				settleCh = time.After(w.settle)
			}

		case <-settleCh:
			settleCh = nil
			w.reload()
			state.snapshot()

		case <-poll.C:
			if state.changed() {
				state.snapshot()
				w.logger.Debug("config change detected by polling", "path", w.path)
				w.reload()
			}

		case werr, ok := <-fsw.Errors:
			if !ok {
				return nil
			}
			w.logger.Error("config watcher error", "error", werr)
		}
	}
}

func (w *Watcher) bind(ctx context.Context) context.Context {
	w.mu.Lock()
	defer w.mu.Unlock()
	ctx, w.cancel = context.WithCancel(ctx)
	return ctx
}

// reload publishes a new config. An invalid file keeps the old config.
func (w *Watcher) reload() {
	cfg, err := LoadFromPath(w.path)
	if err != nil {
		w.logger.Error("config reload failed, keeping previous config", "error", err)
		return
	}
	w.logger.Info("config reloaded", "path", w.path)
	w.onReload(cfg)
}

// Stop terminates the watcher.
func (w *Watcher) Stop() {
	w.stopOnce.Do(func() {
		w.mu.Lock()
		defer w.mu.Unlock()
		if w.cancel != nil {
			w.cancel()
		}
	})
}

// CertReloadFunc is invoked when the TLS certificate or key file changes.
type CertReloadFunc func(certFile, keyFile string)

// CertWatcher polls a TLS certificate pair for rotation.
type CertWatcher struct {
	certFile     string
	keyFile      string
	onChange     CertReloadFunc
	logger       *slog.Logger
	pollInterval time.Duration

	stopOnce sync.Once
	mu       sync.Mutex
	cancel   context.CancelFunc
}

// NewCertWatcher creates a certificate watcher. Nothing is polled until Start.
func NewCertWatcher(certFile, keyFile string, onChange CertReloadFunc, logger *slog.Logger) *CertWatcher {
	return &CertWatcher{
		certFile:     certFile,
		keyFile:      keyFile,
		onChange:     onChange,
		logger:       logger,
		pollInterval: 2 * time.Second,
	}
}

// Start polls until ctx is canceled or Stop is called.
func (cw *CertWatcher) Start(ctx context.Context) error {
	cw.mu.Lock()
	ctx, cw.cancel = context.WithCancel(ctx)
	cw.mu.Unlock()

	cw.logger.Info("TLS cert watcher started", "cert", cw.certFile, "key", cw.keyFile)

	state := newFileSet(cw.certFile, cw.keyFile)
	ticker := time.NewTicker(cw.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			cw.logger.Info("TLS cert watcher stopped")
			return nil
		case <-ticker.C:
			if state.changed() {
				state.snapshot()
				cw.logger.Info("TLS certificate change detected", "cert", cw.certFile)
				cw.onChange(cw.certFile, cw.keyFile)
			}
		}
	}
}

// Stop terminates the cert watcher.
func (cw *CertWatcher) Stop() {
	cw.stopOnce.Do(func() {
		cw.mu.Lock()
		defer cw.mu.Unlock()
		if cw.cancel != nil {
			cw.cancel()
		}
	})
}

// hashFile returns the SHA-256 of the resolved file content, or "" when
// unreadable.
func hashFile(path string) string {
	f, err := os.Open(path)
	if err != nil {
		return ""
	}
	defer f.Close()

	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return ""
	}
	return string(h.Sum(nil))
}

func readlink(path string) string {
	target, err := os.Readlink(path)
	if err != nil {
		return ""
	}
	return target
}
