// The agent is the capturing side of the pipeline: it evaluates page
// captures (JSON snapshots of a navigation) and publishes any detected
// purchase or subscription onto the bus for the background process.
//
// One-shot mode evaluates the files given as arguments. Watch mode polls a
// spool directory and evaluates each capture once its file has settled,
// which stands in for the debounce a DOM observer would apply.
package main

import (
	"context"
	"errors"
	"flag"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"vibetracker/internal/bus"
	"vibetracker/internal/config"
	"vibetracker/internal/dedup"
	"vibetracker/internal/detect"
	"vibetracker/internal/infer"
	"vibetracker/internal/log"
	"vibetracker/internal/page"
)

const (
	dedupCapacity = 512
	dedupTTL      = time.Hour
)

func main() {
	// Exit through run so deferred cleanup (bus close, signal release)
	// executes on every path.
	os.Exit(run())
}

func run() int {
	_ = godotenv.Load()

	watch := flag.Bool("watch", false, "poll the watch directory for capture files")
	flag.Parse()

	cfg := config.Load()
	if err := cfg.Validate(); err != nil {
		log.New(log.DefaultConfig()).Error("Configuration validation failed", log.FieldError, err)
		return 1
	}

	logger := log.New(log.Config{
		Level:     log.ParseLevel(cfg.LogLevel),
		Component: log.ComponentAgent,
	})
	log.SetDefault(logger)

	busClient, err := bus.NewClient(cfg.AMQPURL, cfg.AMQPExchange, cfg.AMQPQueue)
	if err != nil {
		logger.Error("Failed to initialize bus client", log.FieldError, err)
		return 1
	}
	defer busClient.Close()

	guard := dedup.NewGuard(dedupCapacity, dedupTTL)
	agent := &agent{bus: busClient, guard: guard, logger: logger}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if !*watch {
		if flag.NArg() == 0 {
			logger.Error("No capture files given; pass file paths or use -watch")
			return 1
		}
		exitCode := 0
		for _, path := range flag.Args() {
			if err := agent.processFile(ctx, path); err != nil {
				logger.Error("Failed to evaluate capture", log.FieldError, err, "path", path)
				exitCode = 1
			}
		}
		return exitCode
	}

	if cfg.WatchDir == "" {
		logger.Error("WATCH_DIR must be set for watch mode")
		return 1
	}

	logger.Info("Watching for captures",
		"dir", cfg.WatchDir,
		"debounce", cfg.DebounceInterval)
	agent.watchLoop(ctx, cfg.WatchDir, cfg.DebounceInterval)
	logger.Info("Agent shutdown complete")
	return 0
}

type agent struct {
	bus    *bus.Client
	guard  *dedup.Guard
	logger *log.Logger
}

// processFile runs the full pipeline for one capture file: decode, dedup,
// extract, classify, infer, publish.
func (a *agent) processFile(ctx context.Context, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	capture, err := page.DecodeCapture(data)
	if err != nil {
		return err
	}
	return a.evaluate(ctx, capture)
}

func (a *agent) evaluate(ctx context.Context, capture page.Capture) error {
	if !a.guard.MarkIfNew(capture.URL) {
		a.logger.DebugContext(ctx, "Skipping already evaluated page", log.FieldURL, capture.URL)
		return nil
	}

	sig, err := page.Extract(capture)
	if err != nil {
		a.guard.Forget(capture.URL)
		return err
	}

	result := detect.Classify(sig)
	if !result.IsConfirmation {
		// Leave the URL unmarked so a later capture of the same page,
		// with content that has finished rendering, gets another look.
		a.guard.Forget(capture.URL)
		a.logger.DebugContext(ctx, "Page is not a confirmation",
			log.FieldURL, capture.URL,
			log.FieldKeywordHits, result.MatchedKeywordCount)
		return nil
	}

	tx := infer.Infer(sig, time.Now().UTC())
	if err := tx.Validate(); err != nil {
		a.guard.Forget(capture.URL)
		return err
	}

	msg, err := bus.NewDetection(tx)
	if err != nil {
		return err
	}
	if err := a.bus.Publish(ctx, msg); err != nil {
		// Unpublished means undetected; let a retry capture try again.
		a.guard.Forget(capture.URL)
		return err
	}

	a.logger.InfoContext(ctx, "Detection published",
		log.FieldLocalID, tx.LocalID,
		log.FieldStore, tx.Store,
		log.FieldAmount, tx.Amount,
		log.FieldTxType, tx.Type)
	return nil
}

type pendingFile struct {
	modTime time.Time
	size    int64
}

// watchLoop polls the spool directory. A capture is evaluated only after
// its file has stopped changing for the debounce interval, then consumed.
func (a *agent) watchLoop(ctx context.Context, dir string, debounce time.Duration) {
	poll := debounce / 2
	if poll < 250*time.Millisecond {
		poll = 250 * time.Millisecond
	}
	ticker := time.NewTicker(poll)
	defer ticker.Stop()

	pending := make(map[string]pendingFile)

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			a.scan(ctx, dir, debounce, pending)
		}
	}
}

func (a *agent) scan(ctx context.Context, dir string, debounce time.Duration, pending map[string]pendingFile) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		a.logger.WarnContext(ctx, "Failed to read watch directory", log.FieldError, err)
		return
	}

	seen := make(map[string]bool, len(entries))
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".json") {
			continue
		}
		path := filepath.Join(dir, entry.Name())
		info, err := entry.Info()
		if err != nil {
			continue
		}
		seen[path] = true

		prev, known := pending[path]
		current := pendingFile{modTime: info.ModTime(), size: info.Size()}
		if !known || prev != current {
			pending[path] = current
			continue
		}

		// Unchanged since last poll; wait for the debounce window to pass.
		if time.Since(current.modTime) < debounce {
			continue
		}

		if err := a.processFile(ctx, path); err != nil && !errors.Is(err, context.Canceled) {
			a.logger.ErrorContext(ctx, "Failed to evaluate capture", log.FieldError, err, "path", path)
		}
		if err := os.Remove(path); err != nil {
			a.logger.WarnContext(ctx, "Failed to consume capture file", log.FieldError, err, "path", path)
		}
		delete(pending, path)
	}

	// Forget files that disappeared out from under us.
	for path := range pending {
		if !seen[path] {
			delete(pending, path)
		}
	}
}
