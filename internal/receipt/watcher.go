package receipt

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
	"golang.org/x/text/encoding/charmap"
	"golang.org/x/text/encoding/unicode"
	"golang.org/x/text/transform"
)

// Blob is one raw receipt read from the spool folder.
type Blob struct {
	Path      string
	Text      string
	ArrivedAt time.Time
}

// WatcherConfig configures the spool folder watcher.
type WatcherConfig struct {
	Dir         string
	Extensions  []string
	SettleDelay time.Duration
	// MaxRemembered bounds how many processed paths are kept for dedup.
	MaxRemembered int
	// RestartDelay is how long to wait before re-creating a failed watcher.
	RestartDelay time.Duration
}

// Watcher turns file activity in a print-spool folder into receipt blobs.
type Watcher struct {
	cfg WatcherConfig
	log *zap.Logger
	now func() time.Time

	mu        sync.Mutex
	inflight  map[string]struct{}
	seen      map[string]fileStamp
	order     []string
	running   bool
	processed int
}

// fileStamp identifies one version of a spool file. Spoolers reuse job file
// names, so a path alone does not identify a receipt.
type fileStamp struct {
	size    int64
	modTime time.Time
}

func stampOf(info os.FileInfo) fileStamp {
	return fileStamp{size: info.Size(), modTime: info.ModTime()}
}

func (s fileStamp) same(o fileStamp) bool {
	return s.size == o.size && s.modTime.Equal(o.modTime)
}

func NewWatcher(cfg WatcherConfig, log *zap.Logger) *Watcher {
	if cfg.MaxRemembered <= 0 {
		cfg.MaxRemembered = 1000
	}
	if cfg.RestartDelay <= 0 {
		cfg.RestartDelay = 5 * time.Second
	}
	for i, ext := range cfg.Extensions {
		cfg.Extensions[i] = strings.ToLower(ext)
	}
	return &Watcher{
		cfg:  cfg,
		log:  log.Named("receipt"),
		now:      time.Now,
		inflight: make(map[string]struct{}),
		seen:     make(map[string]fileStamp),
	}
}

// Status is reported by the admin status endpoint.
type Status struct {
	Monitoring     bool   `json:"is_monitoring"`
	Path           string `json:"monitor_path"`
	ProcessedFiles int    `json:"processed_files_count"`
}

func (w *Watcher) Status() Status {
	w.mu.Lock()
	defer w.mu.Unlock()
	return Status{Monitoring: w.running, Path: w.cfg.Dir, ProcessedFiles: w.processed}
}

// Run watches the folder until ctx is done, sending each new receipt file to
// out. A watcher failure is logged and the watch is re-established.
func (w *Watcher) Run(ctx context.Context, out chan<- Blob) error {
	for {
		err := w.watch(ctx, out)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		w.log.Warn("spool watcher stopped, restarting", zap.Error(err), zap.Duration("delay", w.cfg.RestartDelay))
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(w.cfg.RestartDelay):
		}
	}
}

func (w *Watcher) watch(ctx context.Context, out chan<- Blob) error {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	defer fw.Close()

	if err := fw.Add(w.cfg.Dir); err != nil {
		return fmt.Errorf("watch %s: %w", w.cfg.Dir, err)
	}
	w.setRunning(true)
	defer w.setRunning(false)
	w.log.Info("receipt monitoring started", zap.String("path", w.cfg.Dir))

	var wg sync.WaitGroup
	defer wg.Wait()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-fw.Events:
			if !ok {
				return errors.New("event channel closed")
			}
			if !ev.Has(fsnotify.Create) && !ev.Has(fsnotify.Write) {
				continue
			}
			if !w.Accepts(ev.Name) || !w.claim(ev.Name) {
				continue
			}
			wg.Add(1)
			go func(path string) {
				defer wg.Done()
				w.deliver(ctx, path, out)
			}(ev.Name)
		case err, ok := <-fw.Errors:
			if !ok {
				return errors.New("error channel closed")
			}
			return err
		}
	}
}

// deliver waits for the spooler to finish writing, then reads and emits the
// file unless this exact version of it was already processed.
func (w *Watcher) deliver(ctx context.Context, path string, out chan<- Blob) {
	defer w.release(path)
	select {
	case <-ctx.Done():
		return
	case <-time.After(w.cfg.SettleDelay):
	}
	info, err := os.Stat(path)
	if err != nil {
		w.log.Error("stat receipt file", zap.String("path", path), zap.Error(err))
		return
	}
	stamp := stampOf(info)
	if !w.remember(path, stamp) {
		return
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		w.log.Error("read receipt file", zap.String("path", path), zap.Error(err))
		w.forget(path)
		return
	}
	text := Decode(raw)
	if strings.TrimSpace(text) == "" {
		w.forget(path)
		return
	}
	select {
	case <-ctx.Done():
	case out <- Blob{Path: path, Text: text, ArrivedAt: w.now()}:
	}
}

// Accepts reports whether path has an allow-listed extension.
func (w *Watcher) Accepts(path string) bool {
	ext := strings.ToLower(filepath.Ext(path))
	for _, allowed := range w.cfg.Extensions {
		if ext == allowed {
			return true
		}
	}
	return false
}

// claim marks a delivery for path as pending; false if one already is.
// Spoolers emit several write events per file.
func (w *Watcher) claim(path string) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	if _, ok := w.inflight[path]; ok {
		return false
	}
	w.inflight[path] = struct{}{}
	return true
}

func (w *Watcher) release(path string) {
	w.mu.Lock()
	delete(w.inflight, path)
	w.mu.Unlock()
}

// remember records stamp as the processed version of path; false if that
// version was processed already. The memory is bounded: past MaxRemembered
// paths the oldest half is dropped.
func (w *Watcher) remember(path string, stamp fileStamp) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	prev, ok := w.seen[path]
	if ok && prev.same(stamp) {
		return false
	}
	if !ok {
		w.order = append(w.order, path)
	}
	w.seen[path] = stamp
	w.processed++
	if len(w.order) > w.cfg.MaxRemembered {
		drop := len(w.order) - w.cfg.MaxRemembered/2
		for _, p := range w.order[:drop] {
			delete(w.seen, p)
		}
		w.order = append([]string(nil), w.order[drop:]...)
	}
	return true
}

// forget drops path so a later write to it is retried.
func (w *Watcher) forget(path string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	delete(w.seen, path)
	for i, p := range w.order {
		if p == path {
			w.order = append(w.order[:i], w.order[i+1:]...)
			break
		}
	}
	w.processed--
}

func (w *Watcher) setRunning(v bool) {
	w.mu.Lock()
	w.running = v
	w.mu.Unlock()
}

// Decode turns spool bytes into text. UTF-16 with a BOM and UTF-8 are taken as
// is; anything else is read as Windows-1252, the usual receipt printer code
// page. Control bytes such as ESC/POS commands become line breaks.
func Decode(raw []byte) string {
	var text string
	switch {
	case bytes.HasPrefix(raw, []byte{0xFF, 0xFE}), bytes.HasPrefix(raw, []byte{0xFE, 0xFF}):
		dec := unicode.BOMOverride(unicode.UTF16(unicode.LittleEndian, unicode.UseBOM).NewDecoder())
		out, _, err := transform.Bytes(dec, raw)
		if err == nil {
			text = string(out)
			break
		}
		fallthrough
	case utf8.Valid(raw):
		text = strings.TrimPrefix(string(raw), "\ufeff")
	default:
		out, _, err := transform.Bytes(charmap.Windows1252.NewDecoder(), raw)
		if err != nil {
			text = string(raw)
		} else {
			text = string(out)
		}
	}
	return sanitize(text)
}

func sanitize(s string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r == '\n' || r == '\t':
			return r
		case r == '\r':
			return -1
		case r < 0x20 || r == 0x7f:
			return '\n'
		}
		return r
	}, s)
}
