// Command lrsd is the Local Resource Scheduler daemon: it wires the
// library surface under internal/... against concrete (but still
// swappable) implementations of the external collaborators spec.md §6
// names — a bbolt-backed metadata store, an in-process fake tape library
// transport, and a local-filesystem adapter — so the scheduler is
// runnable end-to-end without a real tape robot.
//
// Per SPEC_FULL.md §1, external protocol framing is out of scope: this
// binary starts no socket or RPC server and submits no requests itself;
// requests reach the scheduler only in-process via
// scheduler.Scheduler.PushRequest, and internal/api holds the
// request/response types.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/tapeforge/lrs/internal/config"
	"github.com/tapeforge/lrs/internal/device"
	"github.com/tapeforge/lrs/internal/dispatch"
	"github.com/tapeforge/lrs/internal/fsadapter/localfs"
	"github.com/tapeforge/lrs/internal/iosched"
	_ "github.com/tapeforge/lrs/internal/iosched/fifo"
	_ "github.com/tapeforge/lrs/internal/iosched/grouped"
	"github.com/tapeforge/lrs/internal/mediacache"
	"github.com/tapeforge/lrs/internal/model"
	"github.com/tapeforge/lrs/internal/scheduler"
	"github.com/tapeforge/lrs/internal/store"
	"github.com/tapeforge/lrs/internal/store/boltstore"
	"github.com/tapeforge/lrs/internal/transport/faketape"
)

var (
	dbPath         string
	logLevel       string
	dispatchPeriod time.Duration
	minFreeOnRO    int64
)

func main() {
	cfg := config.New()
	root := &cobra.Command{
		Use:   "lrsd",
		Short: "Local Resource Scheduler daemon",
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd.Context(), cfg)
		},
	}

	fs := root.Flags()
	cfg.AddFlags(fs)
	fs.StringVar(&dbPath, "db-path", "lrs.db", "Path to the bbolt metadata store file")
	fs.StringVar(&logLevel, "log-level", "info", "Log level (debug, info, warn, error)")
	fs.DurationVar(&dispatchPeriod, "dispatch-interval", time.Second, "Device dispatcher period")
	fs.Int64Var(&minFreeOnRO, "min-free-bytes", 0, "Filesystem free-space floor before a mount is treated as full")

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()
	root.SetContext(ctx)

	if err := root.Execute(); err != nil {
		logrus.WithError(err).Fatal("lrsd: fatal error")
	}
}

func run(ctx context.Context, cfg *config.Config) error {
	if lvl, err := logrus.ParseLevel(logLevel); err == nil {
		logrus.SetLevel(lvl)
	}
	if err := cfg.Finalize(); err != nil {
		return fmt.Errorf("config: %w", err)
	}

	st, err := boltstore.Open(dbPath)
	if err != nil {
		return fmt.Errorf("opening store: %w", err)
	}
	defer st.Close()

	devices, err := st.ListDevices(ctx)
	if err != nil {
		return fmt.Errorf("listing devices: %w", err)
	}

	dir := iosched.NewDirectory()
	picker := scheduler.NewStorePicker(ctx, st)

	scheds := dispatch.Schedulers{
		mustBuildScheduler(model.ReqRead, cfg.ReadAlgo, cfg.OrderedGroupedRead, dir, picker),
		mustBuildScheduler(model.ReqWrite, cfg.WriteAlgo, cfg.OrderedGroupedRead, dir, picker),
		mustBuildScheduler(model.ReqFormat, cfg.FormatAlgo, cfg.OrderedGroupedRead, dir, picker),
	}

	sched := scheduler.New(dir, scheds, scheduler.Config{
		DispatchInterval: dispatchPeriod,
		DispatchAlgo:     cfg.DispatchAlgo,
		Thresholds:       cfg.FairShare,
	}, cfg.PriorityAlgo.Selector())

	cache := mediacache.New(st)
	fsys := localfs.New(minFreeOnRO)

	librariesByFamily := map[string]*faketape.Library{}
	for _, dev := range devices {
		lib := libraryFor(librariesByFamily, dev.ID.Library)
		thresholds := cfg.SyncThresholds[dev.ID.Family]
		thread := device.New(*dev, st, cache, lib, fsys, cfg.MountPrefix, thresholds)
		sched.AddDevice(thread)
	}

	for _, lib := range librariesByFamily {
		if err := lib.Open(ctx); err != nil {
			return fmt.Errorf("opening library: %w", err)
		}
	}

	for _, thread := range sched.Devices() {
		// Threads ignore the signal context so that Stop, not
		// cancellation, ends them through their shutdown path.
		go thread.Run(context.WithoutCancel(ctx))
	}
	go sched.Run(ctx)

	logrus.WithField("devices", len(devices)).Info("lrsd: scheduler running")

	<-ctx.Done()
	logrus.Info("lrsd: shutting down")
	for _, thread := range sched.Devices() {
		thread.Stop()
	}
	for _, thread := range sched.Devices() {
		<-thread.Done()
	}
	sched.Stop()
	<-sched.Done()
	return nil
}

// libraryFor returns the shared faketape.Library for a device's owning
// library name, constructing one on first use. A real deployment would
// dial the actual SCSI transport here instead.
func libraryFor(libraries map[string]*faketape.Library, name string) *faketape.Library {
	if lib, ok := libraries[name]; ok {
		return lib
	}
	lib := faketape.New(nil)
	libraries[name] = lib
	return lib
}

func mustBuildScheduler(kind model.RequestType, algo config.SchedAlgo, ordered bool, dir *iosched.Directory, picker iosched.MediumPicker) iosched.Scheduler {
	factory := iosched.MustGet(algo.FactoryName(ordered))
	return factory(kind, dir, picker)
}

var _ store.Store = (*boltstore.Store)(nil)
