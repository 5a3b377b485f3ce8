// unifi-protect-backup mirrors UniFi Protect detection clips to remote
// storage: it wires the ledger, NVR adapter, download/upload pipeline,
// realtime listener, missing-event reconciler, and purger behind a single
// Supervisor, and exits 200 on any configuration error per the exit-code
// contract operators script their container entrypoints against.
package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ep1cman/unifi-protect-backup/internal/config"
	"github.com/ep1cman/unifi-protect-backup/internal/event"
	"github.com/ep1cman/unifi-protect-backup/internal/httpapi"
	"github.com/ep1cman/unifi-protect-backup/internal/ledger"
	"github.com/ep1cman/unifi-protect-backup/internal/listen"
	"github.com/ep1cman/unifi-protect-backup/internal/metrics"
	"github.com/ep1cman/unifi-protect-backup/internal/notifier"
	"github.com/ep1cman/unifi-protect-backup/internal/nvrclient/unifi"
	"github.com/ep1cman/unifi-protect-backup/internal/pathtemplate"
	"github.com/ep1cman/unifi-protect-backup/internal/pipeline"
	"github.com/ep1cman/unifi-protect-backup/internal/purge"
	"github.com/ep1cman/unifi-protect-backup/internal/reconcile"
	"github.com/ep1cman/unifi-protect-backup/internal/retry"
	"github.com/ep1cman/unifi-protect-backup/internal/supervisor"
	"github.com/ep1cman/unifi-protect-backup/internal/transfer/rclone"
)

func main() {
	root := config.NewRootCommand(run)
	if err := root.Execute(); err != nil {
		log.Printf("[ERROR] %v", err)
		os.Exit(config.ExitConfigError)
	}
}

func run(cfg config.Config) error {
	tmpl, err := pathtemplate.Compile(cfg.FileStructureFormat)
	if err != nil {
		return err
	}

	detectionTypes := make(map[event.Type]bool, len(cfg.DetectionTypes))
	for _, t := range cfg.DetectionTypes {
		detectionTypes[t] = true
	}
	ignoredCameras := make(map[string]bool, len(cfg.IgnoreCameras))
	for _, id := range cfg.IgnoreCameras {
		ignoredCameras[id] = true
	}
	elig := event.Eligibility{
		DetectionTypes:  detectionTypes,
		IgnoredCameras:  ignoredCameras,
		MaxClipDuration: cfg.MaxEventLength,
	}

	notifierDispatcher, err := notifier.New(cfg.AppriseNotifiers)
	if err != nil {
		return err
	}

	sup := &supervisor.Supervisor{
		DownloadGrace: supervisor.DefaultDownloadGrace,
		UploadGrace:   supervisor.DefaultUploadGrace,
	}

	led, err := ledger.Open(cfg.SQLitePath, sup.Escalate)
	if err != nil {
		return err
	}
	sup.Ledger = led

	adapter := unifi.New(unifi.Config{
		Address:   cfg.Address,
		Port:      cfg.Port,
		Username:  cfg.Username,
		Password:  cfg.Password,
		VerifySSL: cfg.VerifySSL,
	})

	xfer := rclone.New(rclone.Config{
		Destination: cfg.RcloneDestination,
		ExtraArgs:   cfg.RcloneArgs,
		PurgeArgs:   cfg.RclonePurgeArgs,
	})

	coll := metrics.NewCollector(false)
	retryCounter := retry.New(cfg.Retention)
	queue := pipeline.NewEventQueue(pipeline.DefaultQueueDepth)
	inFlight := pipeline.NewInFlight()

	dl := pipeline.NewDownloadStage(queue, inFlight, adapter, led, retryCounter, tmpl, coll, notifierDispatcher, cfg.DownloadBufferSize)
	ul := pipeline.NewUploadStage(dl.Out, inFlight, xfer, led, retryCounter, coll, notifierDispatcher)

	l := listen.New(adapter, led, elig, queue, inFlight, retryCounter, coll)

	r := reconcile.New(adapter, led, elig, queue, inFlight, retryCounter, coll, cfg.Retention)
	r.SkipMissing = cfg.SkipMissing

	p := purge.New(led, xfer, coll, cfg.Retention)
	p.Interval = cfg.PurgeInterval

	sup.Listener = l
	sup.Reconciler = r
	sup.Download = dl
	sup.Upload = ul
	sup.Purger = p

	httpSrv := &http.Server{
		Addr:    ":9100",
		Handler: httpapi.NewRouter(httpapi.Config{Metrics: coll, Health: sup}),
	}
	go func() {
		if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Printf("[ERROR] diagnostics server: %v", err)
		}
	}()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	runErr := sup.Run(ctx)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		log.Printf("[ERROR] diagnostics server shutdown: %v", err)
	}

	return runErr
}
