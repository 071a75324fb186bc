package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"

	"github.com/tonimelisma/sharepoint-go/internal/obs"
	"github.com/tonimelisma/sharepoint-go/internal/upload"
)

const (
	defaultSettle  = 2 * time.Second
	watchQueueSize = 256
)

func newWatchCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "watch <dir>",
		Short: "Upload files as they appear in a directory",
		Long: `Watch a local directory and upload every regular file created or written
in it once it has been quiet for the settle period. Hidden files and files
ending in .tmp or .part are ignored. Uploads run one at a time.

When metrics.listen_addr is configured, Prometheus metrics are served on
/metrics for as long as the watch runs.`,
		Args: cobra.ExactArgs(1),
		RunE: runWatch,
	}

	cmd.Flags().Bool("remove-after-upload", false, "delete local files after a successful upload")
	cmd.Flags().Bool("existing", false, "also upload files already in the directory at start")
	cmd.Flags().Duration("settle", defaultSettle, "quiet period before a changed file is uploaded")
	cmd.Flags().String("dir", "", "destination folder, overriding site.upload_dir")
	cmd.Flags().Bool("resume", false, "continue matching interrupted upload sessions")

	return cmd
}

func runWatch(cmd *cobra.Command, args []string) error {
	dir := args[0]

	removeAfter, _ := cmd.Flags().GetBool("remove-after-upload")
	existing, _ := cmd.Flags().GetBool("existing")
	settle, _ := cmd.Flags().GetDuration("settle")

	fi, err := os.Stat(dir)
	if err != nil {
		return fmt.Errorf("watch directory: %w", err)
	}

	if !fi.IsDir() {
		return fmt.Errorf("%q is not a directory", dir)
	}

	logger := buildLogger()
	ctx, stop := shutdownContext(cmd.Context(), logger)
	defer stop()

	release, err := acquireWatchLock(watchLockPath(dir))
	if err != nil {
		return err
	}
	defer release()

	reg := prometheus.NewRegistry()

	metrics, err := obs.NewMetricsSink(reg)
	if err != nil {
		return fmt.Errorf("registering metrics: %w", err)
	}

	sess, err := NewSession(ctx, resolvedCfg, logger, obs.Multi(obs.NewLogSink(logger), metrics))
	if err != nil {
		return err
	}
	defer sess.Close()

	var wg sync.WaitGroup

	if addr := resolvedCfg.Metrics.ListenAddr; addr != "" {
		wg.Add(1)

		go func() {
			defer wg.Done()

			if err := serveMetrics(ctx, addr, reg, logger); err != nil {
				logger.Error("metrics endpoint failed", slog.String("error", err.Error()))
			}
		}()
	}

	w := newDirWatcher(sess.Router(), dir, settle, removeAfter, logger)

	statusf("Watching %s (Ctrl-C to stop)\n", dir)

	err = w.run(ctx, existing)

	wg.Wait()

	return err
}

// uploader is the part of *upload.Router the watcher uses.
type uploader interface {
	Upload(ctx context.Context, content upload.Content, name string) (*upload.Result, error)
}

// dirWatcher turns filesystem events in one directory into sequential
// uploads. Each path is uploaded once it has seen no events for settle.
type dirWatcher struct {
	up          uploader
	dir         string
	settle      time.Duration
	removeAfter bool
	logger      *slog.Logger

	mu      sync.Mutex
	pending map[string]*time.Timer
	queue   chan string
}

func newDirWatcher(up uploader, dir string, settle time.Duration, removeAfter bool, logger *slog.Logger) *dirWatcher {
	if settle <= 0 {
		settle = defaultSettle
	}

	return &dirWatcher{
		up:          up,
		dir:         dir,
		settle:      settle,
		removeAfter: removeAfter,
		logger:      logger,
		pending:     make(map[string]*time.Timer),
		queue:       make(chan string, watchQueueSize),
	}
}

// run blocks until ctx is cancelled. The upload in progress at that point
// is cancelled too.
func (w *dirWatcher) run(ctx context.Context, existing bool) error {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("creating watcher: %w", err)
	}
	defer fw.Close()

	if err := fw.Add(w.dir); err != nil {
		return fmt.Errorf("watching %s: %w", w.dir, err)
	}

	var wg sync.WaitGroup

	wg.Add(1)

	go func() {
		defer wg.Done()
		w.work(ctx)
	}()

	if existing {
		w.scanExisting(ctx)
	}

	defer func() {
		w.stopTimers()
		wg.Wait()
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-fw.Events:
			if !ok {
				return nil
			}

			w.handle(ctx, ev)
		case err, ok := <-fw.Errors:
			if !ok {
				return nil
			}

			w.logger.Warn("watch error", slog.String("error", err.Error()))
		}
	}
}

func (w *dirWatcher) handle(ctx context.Context, ev fsnotify.Event) {
	if ignoredName(filepath.Base(ev.Name)) {
		return
	}

	switch {
	case ev.Has(fsnotify.Create), ev.Has(fsnotify.Write):
		w.schedule(ctx, ev.Name)
	case ev.Has(fsnotify.Remove), ev.Has(fsnotify.Rename):
		w.forget(ev.Name)
	}
}

func (w *dirWatcher) scanExisting(ctx context.Context) {
	entries, err := os.ReadDir(w.dir)
	if err != nil {
		w.logger.Warn("listing existing files", slog.String("error", err.Error()))

		return
	}

	for _, e := range entries {
		if e.Type().IsRegular() && !ignoredName(e.Name()) {
			w.schedule(ctx, filepath.Join(w.dir, e.Name()))
		}
	}
}

// schedule (re)starts the settle timer for path.
func (w *dirWatcher) schedule(ctx context.Context, path string) {
	w.mu.Lock()
	defer w.mu.Unlock()

	w.armLocked(ctx, path)
}

// armLocked requires w.mu. A timer that already fired is replaced rather
// than reset; its callback sees it is no longer pending and drops the path.
func (w *dirWatcher) armLocked(ctx context.Context, path string) {
	if t, ok := w.pending[path]; ok && t.Stop() {
		t.Reset(w.settle)

		return
	}

	var t *time.Timer

	t = time.AfterFunc(w.settle, func() {
		w.mu.Lock()
		if w.pending[path] != t {
			w.mu.Unlock()

			return
		}

		delete(w.pending, path)
		w.mu.Unlock()

		select {
		case w.queue <- path:
		case <-ctx.Done():
		}
	})

	w.pending[path] = t
}

func (w *dirWatcher) forget(path string) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if t, ok := w.pending[path]; ok {
		t.Stop()
		delete(w.pending, path)
	}
}

func (w *dirWatcher) stopTimers() {
	w.mu.Lock()
	defer w.mu.Unlock()

	for path, t := range w.pending {
		t.Stop()
		delete(w.pending, path)
	}
}

func (w *dirWatcher) work(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case path := <-w.queue:
			w.uploadOne(ctx, path)
		}
	}
}

func (w *dirWatcher) uploadOne(ctx context.Context, path string) {
	fi, err := os.Lstat(path)
	if err != nil || !fi.Mode().IsRegular() {
		return
	}

	name := filepath.Base(path)

	res, err := w.up.Upload(ctx, upload.FromFile(path), name)
	if err != nil {
		if !errors.Is(err, upload.ErrCancelled) {
			w.logger.Error("upload failed", slog.String("file", name), slog.String("error", err.Error()))
		}

		return
	}

	statusf("Uploaded %s (%s)\n", name, formatSize(res.Size))

	if w.removeAfter {
		if err := os.Remove(path); err != nil {
			w.logger.Warn("removing uploaded file", slog.String("file", name), slog.String("error", err.Error()))
		}
	}
}

// ignoredName reports files that are hidden or still being written by
// common tools.
func ignoredName(name string) bool {
	return strings.HasPrefix(name, ".") ||
		strings.HasSuffix(name, ".tmp") ||
		strings.HasSuffix(name, ".part") ||
		strings.HasSuffix(name, "~")
}
