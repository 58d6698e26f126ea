package engine

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v3"

	"github.com/gleitzeit/gleitzeit/transport"
	"github.com/gleitzeit/gleitzeit/workflow"
)

// defaultWatchSettle is how long a file must stay quiet after its last
// write before it is submitted. Writers that stream a file in produce a
// burst of write events; only the settled file is worth reading.
const defaultWatchSettle = 500 * time.Millisecond

// WatchSpec configures one batch directory watcher.
type WatchSpec struct {
	// Directory is the root being watched.
	Directory string

	// Pattern is a doublestar glob matched against paths relative to
	// Directory.
	Pattern string

	// Template is the path of the workflow document submitted for each
	// matching file.
	Template string

	// ParamKey is the params slot the file path is injected under.
	// Defaults to the batch convention ("file").
	ParamKey string

	// Settle is the per-file debounce delay. Zero means the default.
	Settle time.Duration
}

// Watcher submits a workflow per new file appearing under a directory.
// The template document is re-read on every submission so edits take
// effect without a restart.
type Watcher struct {
	spec   WatchSpec
	submit func(context.Context, transport.SubmitRequest) transport.SubmitReply
	logger *slog.Logger
	fsw    *fsnotify.Watcher
	ctx    context.Context
	cancel context.CancelFunc

	mu     sync.Mutex
	timers map[string]*time.Timer
	closed bool

	done chan struct{}
}

// Watch starts a watcher feeding this engine. The engine owns the watcher
// and closes it on Stop.
func (e *Engine) Watch(spec WatchSpec) (*Watcher, error) {
	w, err := newWatcher(spec, e.Submit, e.logger)
	if err != nil {
		return nil, err
	}
	e.mu.Lock()
	e.watchers = append(e.watchers, w)
	e.mu.Unlock()
	return w, nil
}

func newWatcher(spec WatchSpec, submit func(context.Context, transport.SubmitRequest) transport.SubmitReply, logger *slog.Logger) (*Watcher, error) {
	if spec.Directory == "" {
		return nil, fmt.Errorf("watch: directory must not be empty")
	}
	if spec.Pattern == "" {
		return nil, fmt.Errorf("watch: pattern must not be empty")
	}
	if !doublestar.ValidatePattern(spec.Pattern) {
		return nil, fmt.Errorf("watch: invalid pattern %q", spec.Pattern)
	}
	if spec.Template == "" {
		return nil, fmt.Errorf("watch: template must not be empty")
	}
	if _, err := os.Stat(spec.Template); err != nil {
		return nil, fmt.Errorf("watch: template: %w", err)
	}
	if spec.ParamKey == "" {
		spec.ParamKey = workflow.DefaultBatchParamKey
	}
	if spec.Settle <= 0 {
		spec.Settle = defaultWatchSettle
	}

	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("watch: %w", err)
	}
	if err := fsw.Add(spec.Directory); err != nil {
		fsw.Close()
		return nil, fmt.Errorf("watch %s: %w", spec.Directory, err)
	}
	// Pre-register subdirectories so ** patterns see files below the root.
	filepath.WalkDir(spec.Directory, func(path string, d os.DirEntry, err error) error {
		if err == nil && d.IsDir() && path != spec.Directory {
			if aerr := fsw.Add(path); aerr != nil {
				logger.Warn("watch subdirectory", "path", path, "error", aerr)
			}
		}
		return nil
	})

	ctx, cancel := context.WithCancel(context.Background())
	w := &Watcher{
		spec:   spec,
		submit: submit,
		logger: logger.With("component", "watcher", "directory", spec.Directory),
		fsw:    fsw,
		ctx:    ctx,
		cancel: cancel,
		timers: make(map[string]*time.Timer),
		done:   make(chan struct{}),
	}
	go w.run()
	w.logger.Info("watching for batch files", "pattern", spec.Pattern, "template", spec.Template)
	return w, nil
}

func (w *Watcher) run() {
	defer close(w.done)
	for {
		select {
		case ev, ok := <-w.fsw.Events:
			if !ok {
				return
			}
			w.handleEvent(ev)
		case err, ok := <-w.fsw.Errors:
			if !ok {
				return
			}
			w.logger.Warn("watch error", "error", err)
		}
	}
}

func (w *Watcher) handleEvent(ev fsnotify.Event) {
	if !ev.Has(fsnotify.Create) && !ev.Has(fsnotify.Write) {
		return
	}
	info, err := os.Stat(ev.Name)
	if err != nil {
		return
	}
	if info.IsDir() {
		if ev.Has(fsnotify.Create) {
			if err := w.fsw.Add(ev.Name); err != nil {
				w.logger.Warn("watch new subdirectory", "path", ev.Name, "error", err)
			}
		}
		return
	}

	rel, err := filepath.Rel(w.spec.Directory, ev.Name)
	if err != nil {
		return
	}
	match, err := doublestar.Match(w.spec.Pattern, filepath.ToSlash(rel))
	if err != nil || !match {
		return
	}
	w.debounce(ev.Name)
}

// debounce (re)arms the per-file settle timer. Every write pushes the
// submission out; the file is picked up once writes stop.
func (w *Watcher) debounce(path string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return
	}
	if t, ok := w.timers[path]; ok {
		t.Reset(w.spec.Settle)
		return
	}
	w.timers[path] = time.AfterFunc(w.spec.Settle, func() {
		w.mu.Lock()
		delete(w.timers, path)
		closed := w.closed
		w.mu.Unlock()
		if closed {
			return
		}
		w.submitFile(path)
	})
}

// submitFile instantiates the template for one settled file.
func (w *Watcher) submitFile(path string) {
	data, err := os.ReadFile(w.spec.Template)
	if err != nil {
		w.logger.Error("read template", "template", w.spec.Template, "error", err)
		return
	}
	doc, err := workflow.ParseDocument(data)
	if err != nil {
		w.logger.Error("parse template", "template", w.spec.Template, "error", err)
		return
	}

	// Inject the triggering file path into every task that does not bind
	// the slot itself, then submit the rewritten document.
	doc.ID = ""
	inject := func(t *workflow.TaskDoc) {
		if t.Params == nil {
			t.Params = make(map[string]any)
		}
		if _, ok := t.Params[w.spec.ParamKey]; !ok {
			t.Params[w.spec.ParamKey] = path
		}
	}
	for i := range doc.Tasks {
		inject(&doc.Tasks[i])
	}
	if doc.Template != nil {
		inject(doc.Template)
	}

	source, err := yaml.Marshal(doc)
	if err != nil {
		w.logger.Error("encode template instance", "error", err)
		return
	}

	reply := w.submit(w.ctx, transport.SubmitRequest{
		Source:     source,
		SourcePath: path,
	})
	if reply.Error != nil {
		w.logger.Error("submit batch workflow", "file", path, "error", reply.Error)
		return
	}
	w.logger.Info("batch workflow submitted",
		"file", path, "workflow_id", reply.WorkflowID, "tasks", reply.TaskCount)
}

// Close stops the watcher and cancels any pending settle timers.
func (w *Watcher) Close() error {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return nil
	}
	w.closed = true
	for path, t := range w.timers {
		t.Stop()
		delete(w.timers, path)
	}
	w.mu.Unlock()

	w.cancel()
	err := w.fsw.Close()
	<-w.done
	return err
}
