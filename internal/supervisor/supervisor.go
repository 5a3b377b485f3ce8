// Package supervisor implements the Supervisor (C9, spec.md §4.8): it owns
// the lifecycle of every other stage, drives cooperative shutdown in
// reverse data-flow order, and restarts a stage that exits unexpectedly
// with bounded backoff.
package supervisor

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/ep1cman/unifi-protect-backup/internal/ledger"
	"github.com/ep1cman/unifi-protect-backup/internal/listen"
	"github.com/ep1cman/unifi-protect-backup/internal/pipeline"
	"github.com/ep1cman/unifi-protect-backup/internal/purge"
	"github.com/ep1cman/unifi-protect-backup/internal/reconcile"
)

const (
	restartBaseBackoff = time.Second
	restartMaxBackoff  = 60 * time.Second

	// DefaultDownloadGrace and DefaultUploadGrace bound how long shutdown
	// waits for an in-flight item to finish before cancelling that stage
	// outright (spec.md §4.8).
	DefaultDownloadGrace = 30 * time.Second
	DefaultUploadGrace   = 30 * time.Second

	drainPollInterval = 100 * time.Millisecond
)

// Supervisor wires and runs C4-C8 and owns the ledger's lifetime.
type Supervisor struct {
	Listener   *listen.Listener
	Reconciler *reconcile.Reconciler
	Download   *pipeline.DownloadStage
	Upload     *pipeline.UploadStage
	Purger     *purge.Purger
	Ledger     ledger.Ledger

	DownloadGrace time.Duration
	UploadGrace   time.Duration

	mu    sync.Mutex
	fatal error
}

// Healthy reports whether the Supervisor has not yet escalated a fatal
// stage error, for the /healthz endpoint.
func (s *Supervisor) Healthy() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.fatal == nil
}

// FatalErr returns the escalated fatal error, if any.
func (s *Supervisor) FatalErr() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.fatal
}

// Escalate records a fatal error from a component outside the stage
// goroutines this Supervisor directly runs (the Ledger's OnFatal
// callback, wired by the caller before Run starts).
func (s *Supervisor) Escalate(err error) {
	s.mu.Lock()
	if s.fatal == nil {
		s.fatal = err
	}
	s.mu.Unlock()
}

// Run blocks until ctx is cancelled (typically by an OS signal in main),
// then drives shutdown in the order listener/reconciler -> download ->
// upload -> purger -> ledger. The download and upload stages each get
// their configured grace period to finish in-flight work before being
// forcibly cancelled; the listener, reconciler and purger are cancelled
// at once.
func (s *Supervisor) Run(ctx context.Context) error {
	downloadGrace := s.DownloadGrace
	if downloadGrace <= 0 {
		downloadGrace = DefaultDownloadGrace
	}
	uploadGrace := s.UploadGrace
	if uploadGrace <= 0 {
		uploadGrace = DefaultUploadGrace
	}

	listenCtx, cancelListen := context.WithCancel(context.Background())
	downloadCtx, cancelDownload := context.WithCancel(context.Background())
	uploadCtx, cancelUpload := context.WithCancel(context.Background())
	purgeCtx, cancelPurge := context.WithCancel(context.Background())
	defer cancelListen()
	defer cancelDownload()
	defer cancelUpload()
	defer cancelPurge()

	var wgListener, wgReconciler, wgDownload, wgUpload, wgPurger sync.WaitGroup

	wgListener.Add(1)
	go func() {
		defer wgListener.Done()
		s.runWithRestart("listener", listenCtx, s.Listener.Run)
	}()

	wgReconciler.Add(1)
	go func() {
		defer wgReconciler.Done()
		s.runWithRestart("reconciler", listenCtx, func(ctx context.Context) error {
			return s.Reconciler.Run(ctx, s.Listener.Triggers)
		})
	}()

	wgDownload.Add(1)
	go func() {
		defer wgDownload.Done()
		s.runWithRestart("download", downloadCtx, s.Download.Run)
	}()

	wgUpload.Add(1)
	go func() {
		defer wgUpload.Done()
		s.runWithRestart("upload", uploadCtx, s.Upload.Run)
	}()

	wgPurger.Add(1)
	go func() {
		defer wgPurger.Done()
		s.runWithRestart("purger", purgeCtx, s.Purger.Run)
	}()

	<-ctx.Done()
	log.Printf("[INFO] Supervisor: shutdown signal received, draining pipeline")

	cancelListen()
	wgListener.Wait()
	wgReconciler.Wait()

	s.waitIdleOrGrace(downloadGrace, func() bool {
		return s.Download.Queue.RealtimeDepth() == 0 && s.Download.Queue.BacklogDepth() == 0 && s.Download.InFlight.Len() == 0
	})
	cancelDownload()
	wgDownload.Wait()

	s.waitIdleOrGrace(uploadGrace, func() bool {
		return s.Upload.CurrentEventID() == ""
	})
	cancelUpload()
	wgUpload.Wait()

	cancelPurge()
	wgPurger.Wait()

	if err := s.Ledger.Close(); err != nil {
		log.Printf("[ERROR] Supervisor: ledger close: %v", err)
	}

	log.Printf("[INFO] Supervisor: shutdown complete")
	return s.FatalErr()
}

// waitIdleOrGrace polls idle until it reports true or grace elapses,
// whichever comes first.
func (s *Supervisor) waitIdleOrGrace(grace time.Duration, idle func() bool) {
	deadline := time.Now().Add(grace)
	for time.Now().Before(deadline) {
		if idle() {
			return
		}
		time.Sleep(drainPollInterval)
	}
}

// runWithRestart runs fn until it returns nil (ctx cancelled cleanly) or
// ctx itself is done, restarting on an unexpected error with bounded
// exponential backoff.
func (s *Supervisor) runWithRestart(name string, ctx context.Context, fn func(context.Context) error) {
	backoff := restartBaseBackoff
	for {
		err := fn(ctx)
		if ctx.Err() != nil || err == nil {
			return
		}
		log.Printf("[ERROR] Supervisor: stage %s exited, restarting in %s: %v", name, backoff, err)
		select {
		case <-ctx.Done():
			return
		case <-time.After(backoff):
		}
		backoff *= 2
		if backoff > restartMaxBackoff {
			backoff = restartMaxBackoff
		}
	}
}
