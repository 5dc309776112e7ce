// Phantom runs a persistent-object VM: it boots the heap, runs the
// configured workloads, snapshots the heap periodically and serves
// inspection RPCs until interrupted, then takes a final snapshot.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/tliron/commonlog"
	_ "github.com/tliron/commonlog/simple"

	"github.com/rxell/phantomuserland/config"
	"github.com/rxell/phantomuserland/server"
	"github.com/rxell/phantomuserland/snapshot"
	"github.com/rxell/phantomuserland/vm"
	"github.com/rxell/phantomuserland/workload"
)

var log = commonlog.GetLogger("phantom")

func main() {
	configPath := flag.String("config", "", "Config file (default: search upward for phantom.toml or phantom.yaml)")
	verbose := flag.Bool("v", false, "Debug logging")
	listen := flag.String("listen", "", "Serve RPCs on this address, overriding [server].listen")
	noSnapshots := flag.Bool("no-snapshots", false, "Disable periodic snapshots")

	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: phantom [options]\n\n")
		fmt.Fprintf(os.Stderr, "Runs the VM described by the configuration until interrupted.\n\n")
		fmt.Fprintf(os.Stderr, "Options:\n")
		flag.PrintDefaults()
		fmt.Fprintf(os.Stderr, "\nExamples:\n")
		fmt.Fprintf(os.Stderr, "  phantom                           # Use ./phantom.toml or defaults\n")
		fmt.Fprintf(os.Stderr, "  phantom -config demo.yaml -v      # Explicit config, debug logging\n")
		fmt.Fprintf(os.Stderr, "  phantom -listen :7070             # Serve RPCs on :7070\n")
	}
	flag.Parse()

	cfg, err := loadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	if *listen != "" {
		cfg.Server.Listen = *listen
	}
	if *noSnapshots {
		cfg.Snapshot.Interval = 0
	}

	verbosity := cfg.Log.Verbosity
	if *verbose {
		verbosity = 2
	}
	commonlog.Configure(verbosity, cfg.LogFile())

	if err := run(cfg); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func loadConfig(path string) (*config.Config, error) {
	if path != "" {
		return config.Load(path)
	}
	wd, err := os.Getwd()
	if err != nil {
		return nil, err
	}
	return config.FindAndLoad(wd)
}

func run(cfg *config.Config) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// The ticker outlives the signal context so sleepers keep waking while
	// the final snapshot is taken.
	tickCtx, stopTicks := context.WithCancel(context.Background())
	defer stopTicks()

	v := vm.New(cfg.VMOptions())
	v.Start(tickCtx)

	store, err := snapshot.OpenStore(cfg.Snapshot.Driver, cfg.SnapshotPath())
	if err != nil {
		return err
	}
	defer store.Close()

	if latest, err := store.Latest(ctx); err == nil {
		log.Infof("latest snapshot %s: generation %d taken %s",
			latest.ID, latest.Generation, latest.TakenAt.Format(time.RFC3339))
	} else if !errors.Is(err, snapshot.ErrNotFound) {
		log.Warning(err.Error())
	}

	snapper := snapshot.NewSnapshotter(v, store, cfg.SnapshotOptions())
	if cfg.Snapshot.Interval > 0 {
		snapper.Start()
		log.Infof("snapshots every %s into %s", cfg.Snapshot.Interval.Std(), cfg.SnapshotPath())
	}

	machine := workload.NewMachine()
	var drivers sync.WaitGroup
	for _, w := range cfg.Workload {
		inst, err := workload.Start(v, machine, w.Program, w.Count, w.Rounds)
		if err != nil {
			snapper.Stop()
			v.Stop()
			return err
		}
		log.Infof("workload %s: %d threads", inst.Program, len(inst.Threads))
		if inst.Program == workload.Echo {
			drivers.Add(1)
			go func() {
				defer drivers.Done()
				n := inst.Drive(ctx, 10*time.Millisecond)
				log.Infof("echo: %d objects returned", n)
			}()
		}
	}

	var srv *server.PhantomServer
	serveErr := make(chan error, 1)
	if cfg.Server.Listen != "" {
		srv = server.New(v, server.WithSnapshotter(snapper))
		go func() { serveErr <- srv.ListenAndServe(cfg.Server.Listen) }()
	}

	var runErr error
	select {
	case <-ctx.Done():
		log.Notice("shutting down")
	case runErr = <-serveErr:
		if runErr != nil {
			runErr = fmt.Errorf("server: %w", runErr)
		}
	}
	stop()

	if srv != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Warningf("server shutdown: %s", err.Error())
		}
		cancel()
	}

	snapper.Stop()
	meta, err := snapper.Final(context.Background())
	if err != nil {
		runErr = errors.Join(runErr, fmt.Errorf("final snapshot: %w", err))
	} else {
		log.Noticef("final snapshot %s: %d objects, %d threads", meta.ID, meta.Objects, meta.Threads)
	}
	drivers.Wait()

	log.Infof("%d instructions executed, %d snapshots taken", machine.Steps(), snapper.Count())
	return runErr
}
