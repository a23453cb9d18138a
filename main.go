package main

import (
	"context"
	"flag"
	"syscall"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"
	"github.com/edgeworks/avc-agent/pkg/bearer"
	"github.com/edgeworks/avc-agent/pkg/config"
	"github.com/edgeworks/avc-agent/pkg/cred"
	"github.com/edgeworks/avc-agent/pkg/downloader"
	"github.com/edgeworks/avc-agent/pkg/logging"
	"github.com/edgeworks/avc-agent/pkg/lwm2m"
	"github.com/edgeworks/avc-agent/pkg/platform/hostfw"
	"github.com/edgeworks/avc-agent/pkg/session"
	"github.com/edgeworks/avc-agent/pkg/sigcontext"
	"github.com/edgeworks/avc-agent/pkg/store"
	"github.com/edgeworks/avc-agent/pkg/update"
	"github.com/edgeworks/avc-agent/pkg/verify"
	"github.com/edgeworks/avc-agent/pkg/workgroup"
	"github.com/pkg/errors"
)

var (
	flagLogDebug = flag.Bool("debug", false, "")
)

func main() {
	flag.Parse()

	if *flagLogDebug {
		logging.Set(logging.Level("debug"))
	}

	log := logging.New("main")

	if logging.Debuggable {
		log.Info("low-level logging.Debuggable is enabled in this build")
		log.Warn("logging.Debuggable produces large volumes of logs")
	}

	cfg, err := config.Load()
	if err != nil {
		log.WithError(err).Fatalf("configuration")
	}

	ctx, cancel := sigcontext.WithSignalCancel(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx, cfg); err != nil {
		log.WithError(err).Fatalf("agent stopped")
	}
	log.Info("agent finished")
}

func run(ctx context.Context, cfg *config.Config) error {
	log := logging.New("agent")

	st, err := store.New(logging.New("store"), cfg.StorageDir)
	if err != nil {
		return errors.WithMessage(err, "could not open record store")
	}
	keys := verify.NewKeyRing(logging.New("verify"), cred.NewFileStore(cfg.CredentialDir))

	plat, err := hostfw.New()
	if err != nil {
		return errors.WithMessage(err, "could not setup platform")
	}
	machine, err := update.New(logging.New("update"), st, plat, cfg.InstallDelay)
	if err != nil {
		return errors.WithMessage(err, "could not setup update machine")
	}
	dl, err := downloader.New(logging.New("downloader"), st, keys, downloader.NewHTTPSource(), machine, cfg.DownloadChunk)
	if err != nil {
		return errors.WithMessage(err, "could not setup download engine")
	}
	machine.SetDownloader(dl)

	engine := lwm2m.NewStubEngine(logging.New("engine"), cfg.ServerURI)
	ctrl, err := session.New(logging.New("session"), engine, bearer.NewHostBearer(logging.New("bearer")), cfg.Endpoint, cfg.RetryInterval)
	if err != nil {
		return errors.WithMessage(err, "could not setup session controller")
	}
	engine.SetHandler(ctrl)
	ctrl.HandlePackage(lwm2m.PackageFirmware, machine.HandlePackageEvent)
	ctrl.HandlePackage(lwm2m.PackageSoftware, machine.HandlePackageEvent)

	// Reboot-spanning re-hydration happens before any connection: learn how
	// the last install went, then pick up any interrupted download.
	if err := machine.FirmwareInstallResult(); err != nil {
		log.WithError(err).Error("install reconciliation failed")
	}
	if err := machine.ResumePackageDownload(); err != nil {
		log.WithError(err).Error("download resume failed")
	}

	group := workgroup.WithContext(ctx)
	group.Work(ctrl.Run)
	group.Work(watchdog)

	if err := ctrl.Connect(); err != nil {
		return errors.WithMessage(err, "initial connect")
	}
	daemon.SdNotify(false, daemon.SdNotifyReady)

	return errors.WithMessage(group.Wait(), "run error")
}

// watchdog feeds the systemd watchdog when one is armed for this unit.
func watchdog(ctx context.Context) error {
	interval, err := daemon.SdWatchdogEnabled(false)
	if err != nil || interval == 0 {
		return nil
	}
	tick := time.NewTicker(interval / 2)
	defer tick.Stop()
	for {
		select {
		case <-ctx.Done():
			daemon.SdNotify(false, daemon.SdNotifyStopping)
			return nil
		case <-tick.C:
			daemon.SdNotify(false, daemon.SdNotifyWatchdog)
		}
	}
}
