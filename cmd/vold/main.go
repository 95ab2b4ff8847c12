package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"k8s.io/klog/v2"

	"git.srvlab.io/whiskey/vold/pkg/broadcast"
	"git.srvlab.io/whiskey/vold/pkg/config"
	"git.srvlab.io/whiskey/vold/pkg/fsdriver"
	"git.srvlab.io/whiskey/vold/pkg/logging"
	"git.srvlab.io/whiskey/vold/pkg/loop"
	"git.srvlab.io/whiskey/vold/pkg/manager"
	"git.srvlab.io/whiskey/vold/pkg/mount"
	"git.srvlab.io/whiskey/vold/pkg/observability"
	"git.srvlab.io/whiskey/vold/pkg/partition"
	"git.srvlab.io/whiskey/vold/pkg/process"
	"git.srvlab.io/whiskey/vold/pkg/volume"
)

// Version is set at build time
var Version = "dev"

var (
	configPath = flag.String("config", "", "Path to the config file (default "+config.DefaultConfigPath+")")
	debug      = flag.Bool("debug", false, "Enable debug logging on every volume")

	// Version flag
	version = flag.Bool("version", false, "Print version and exit")
)

func main() {
	klog.InitFlags(nil)
	flag.Parse()

	if *version {
		fmt.Println("vold", Version)
		os.Exit(0)
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		klog.Fatalf("Failed to load configuration: %v", err)
	}

	// an explicit -v wins over the config file
	verbosity := cfg.Logging.Verbosity
	flag.Visit(func(f *flag.Flag) {
		if f.Name == "v" {
			verbosity = -1
		}
	})
	logs, err := logging.Setup(logging.Options{
		Verbosity:  verbosity,
		File:       cfg.Logging.File,
		MaxSizeMB:  cfg.Logging.MaxSizeMB,
		MaxBackups: cfg.Logging.MaxBackups,
		MaxAgeDays: cfg.Logging.MaxAgeDays,
		Compress:   cfg.Logging.Compress,
	})
	if err != nil {
		klog.Fatalf("Failed to set up logging: %v", err)
	}
	defer logs.Close()

	klog.Infof("Starting vold %s", Version)

	mgr, err := newManager(cfg)
	if err != nil {
		klog.Fatalf("Failed to create volume manager: %v", err)
	}
	mgr.SetDebug(*debug)

	for _, vc := range cfg.Volumes {
		vcfg, err := vc.ToVolume()
		if err != nil {
			klog.Fatalf("Invalid volume %s: %v", vc.Label, err)
		}
		if _, err := mgr.AddVolume(vcfg); err != nil {
			klog.Fatalf("Failed to add volume %s: %v", vc.Label, err)
		}
	}
	klog.Infof("Managing %d volumes", len(mgr.Volumes()))

	var metricsServer *http.Server
	if cfg.Metrics.Enabled {
		metricsServer = serveMetrics(cfg.Metrics.Address, mgr)
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigChan
	klog.Infof("Received signal %s, shutting down", sig)

	if metricsServer != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := metricsServer.Shutdown(ctx); err != nil {
			klog.Errorf("Failed to stop metrics server: %v", err)
		}
		cancel()
	}
	mgr.Shutdown()
}

// metrics is shared by the environment and the HTTP endpoint
var metrics = observability.NewMetrics()

// newManager wires the production collaborators into a manager
func newManager(cfg *config.Config) (*manager.Manager, error) {
	mounter := mount.NewMounter()

	drivers, err := cfg.BuildDrivers(mounter)
	if err != nil {
		return nil, fmt.Errorf("failed to build filesystem drivers: %w", err)
	}

	hub := broadcast.NewHub()
	hub.SetMetrics(metrics)

	env := &volume.Env{
		Mounter:          mounter,
		Drivers:          drivers,
		Terminator:       process.NewProcScanner(),
		PartitionWriter:  partition.NewSfdiskWriter(),
		Broadcaster:      hub,
		Labels:           fsdriver.NewLabelReader(),
		Metrics:          metrics,
		Paths:            cfg.VolumePaths(),
		Retry:            cfg.RetryPolicy(),
		PrimaryStorage:   cfg.Storage.PrimaryStorage,
		CryptoState:      cfg.Storage.CryptoState,
		FakeSdcard:       cfg.Storage.FakeSdcard,
		VirtualSdcard:    cfg.Storage.VirtualSdcard,
		FormatDriver:     cfg.Storage.FormatFilesystem,
		FlashFormatLabel: cfg.Storage.FlashFormatLabel,
	}
	if cfg.Paths.LoopDevice != "" {
		env.Loop = volume.NewLoopMount(loop.NewDevice(cfg.Paths.LoopDevice))
	}
	if cfg.Paths.LoopControl != "" {
		env.Obb = volume.NewObbMounts(loop.NewPool(cfg.Paths.LoopControl, cfg.Paths.LoopDeviceDir))
	}

	return manager.New(env, cfg.ManagerOptions())
}

func serveMetrics(addr string, mgr *manager.Manager) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		for _, v := range mgr.Volumes() {
			fmt.Fprintf(w, "%s %s %s\n", v.Label(), v.Mountpoint(), v.State())
		}
	})

	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 10 * time.Second}
	go func() {
		klog.Infof("Serving metrics on %s", addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			klog.Errorf("Metrics server failed: %v", err)
		}
	}()
	return srv
}
