package octoprint

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/orrn/polarbridge/internal/core"
)

// MovieStore receives downloaded timelapse movies.
type MovieStore interface {
	AddFolder(name string) (string, error)
	JoinPath(elem ...string) string
	AddFile(path string, data []byte) error
	PathOnDisk(path string) string
}

type WatcherConfig struct {
	Interval time.Duration
	// Timelapse enables polling for rendered movies.
	Timelapse bool
}

// Watcher polls the host and turns state transitions into events.
type Watcher struct {
	client *Client
	movies MovieStore
	sink   func(core.Event)
	cfg    WatcherConfig
	logger *slog.Logger

	prev       *State
	seenMovies map[string]bool
	rendering  bool

	stopCh chan struct{}
	wg     sync.WaitGroup
}

func NewWatcher(client *Client, movies MovieStore, sink func(core.Event), cfg WatcherConfig, logger *slog.Logger) *Watcher {
	if cfg.Interval <= 0 {
		cfg.Interval = 2 * time.Second
	}
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Watcher{
		client: client,
		movies: movies,
		sink:   sink,
		cfg:    cfg,
		logger: logger,
		stopCh: make(chan struct{}),
	}
}

func (w *Watcher) Start(ctx context.Context) {
	w.wg.Add(1)
	go w.loop(ctx)
}

func (w *Watcher) Stop() {
	close(w.stopCh)
	w.wg.Wait()
}

func (w *Watcher) loop(ctx context.Context) {
	defer w.wg.Done()

	ticker := time.NewTicker(w.cfg.Interval)
	defer ticker.Stop()

	w.Tick(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-w.stopCh:
			return
		case <-ticker.C:
			w.Tick(ctx)
		}
	}
}

// Tick polls once and emits the events implied by the change since the
// previous poll.
func (w *Watcher) Tick(ctx context.Context) {
	cur, err := w.client.Poll(ctx)
	if err != nil {
		w.logger.Debug("host poll failed", "error", err)
	}
	if w.prev != nil {
		for _, ev := range transitions(*w.prev, cur) {
			w.sink(ev)
		}
	}
	w.prev = &cur

	if w.cfg.Timelapse && err == nil {
		w.pollMovies(ctx)
	}
}

// transitions derives host events from two consecutive polls.
func transitions(prev, cur State) []core.Event {
	var events []core.Event
	wasActive := prev.Printing || prev.Paused
	isActive := cur.Printing || cur.Paused

	switch {
	case !wasActive && cur.Printing:
		events = append(events, core.Event{Type: core.EventPrintStarted})
	case prev.Paused && cur.Printing && !cur.Paused:
		events = append(events, core.Event{Type: core.EventPrintResumed})
	case prev.Printing && !prev.Paused && cur.Paused:
		events = append(events, core.Event{Type: core.EventPrintPaused})
	case wasActive && !isActive:
		printTime := cur.Job.PrintTime
		if printTime == nil {
			printTime = prev.Job.PrintTime
		}
		switch {
		case cur.Error || cur.ClosedOrError:
			events = append(events, core.Event{Type: core.EventPrintFailed})
		case finished(cur.Job) || prev.ID == "FINISHING":
			events = append(events, core.Event{Type: core.EventPrintDone, PrintTime: printTime})
		default:
			events = append(events, core.Event{Type: core.EventPrintCancelled})
		}
	}

	if cur.Error && !prev.Error {
		events = append(events, core.Event{Type: core.EventError})
	}
	if cur.ID != prev.ID {
		events = append(events, core.Event{Type: core.EventPrinterStateChanged})
	}
	return events
}

func finished(job core.JobData) bool {
	return job.Completion != nil && *job.Completion >= 100
}

func (w *Watcher) pollMovies(ctx context.Context) {
	list, err := w.client.Timelapses(ctx)
	if err != nil {
		w.logger.Debug("timelapse poll failed", "error", err)
		return
	}

	rendering := false
	for _, u := range list.Unrendered {
		if u.Rendering {
			rendering = true
		}
	}
	if rendering && !w.rendering {
		w.sink(core.Event{Type: core.EventMovieRendering})
	}
	w.rendering = rendering

	if w.seenMovies == nil {
		// first listing: everything already there is old
		w.seenMovies = make(map[string]bool, len(list.Files))
		for _, f := range list.Files {
			w.seenMovies[f.Name] = true
		}
		return
	}

	for _, f := range list.Files {
		if w.seenMovies[f.Name] {
			continue
		}
		w.seenMovies[f.Name] = true
		w.sink(w.fetchMovie(ctx, f))
	}
}

func (w *Watcher) fetchMovie(ctx context.Context, f TimelapseFile) core.Event {
	data, err := w.client.Download(ctx, f.URL)
	if err != nil {
		w.logger.Warn("could not download timelapse", "name", f.Name, "error", err)
		return core.Event{Type: core.EventMovieFailed}
	}
	folder, err := w.movies.AddFolder("timelapse")
	if err != nil {
		w.logger.Warn("could not store timelapse", "name", f.Name, "error", err)
		return core.Event{Type: core.EventMovieFailed}
	}
	path := w.movies.JoinPath(folder, f.Name)
	if err := w.movies.AddFile(path, data); err != nil {
		w.logger.Warn("could not store timelapse", "name", f.Name, "error", err)
		return core.Event{Type: core.EventMovieFailed}
	}
	w.logger.Info("timelapse downloaded", "name", f.Name, "bytes", len(data))
	return core.Event{Type: core.EventMovieDone, Movie: w.movies.PathOnDisk(path)}
}
