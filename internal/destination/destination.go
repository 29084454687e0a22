// Package destination pairs one scheduler with one filesystem under a name
// and selects between them with pluggable pickers.
package destination

import (
	"context"
	"fmt"
	"log/slog"
	"sort"

	"jobbroker/internal/apperrors"
	"jobbroker/internal/config"
	"jobbroker/internal/filesystem"
	"jobbroker/internal/scheduler"
)

// Destination is a named scheduler/filesystem pairing. The orchestrator
// depends only on the two capability contracts; everything else about a
// destination is opaque.
type Destination struct {
	Name       string
	Scheduler  scheduler.Scheduler
	FS         filesystem.FileSystem
	schedType  string
}

// Ephemeral reports whether the destination's jobs die with the service
// process. Non-terminal jobs on an ephemeral destination are marked
// lost_to_restart at startup instead of being reconciled.
func (d *Destination) Ephemeral() bool {
	return d.schedType == config.SchedulerMemory
}

// Close releases the destination's remote connections.
func (d *Destination) Close() error {
	err := d.Scheduler.Close()
	if fsErr := d.FS.Close(); err == nil {
		err = fsErr
	}
	return err
}

// Build constructs all configured destinations. Construction failures are
// configuration errors and abort startup.
func Build(ctx context.Context, cfgs map[string]config.DestinationConfig) (map[string]*Destination, error) {
	destinations := make(map[string]*Destination, len(cfgs))
	for name, cfg := range cfgs {
		dest, err := build(ctx, name, cfg)
		if err != nil {
			CloseAll(destinations)
			return nil, err
		}
		destinations[name] = dest
	}
	return destinations, nil
}

func build(ctx context.Context, name string, cfg config.DestinationConfig) (*Destination, error) {
	var fs filesystem.FileSystem
	switch cfg.Filesystem.Type {
	case "", config.FilesystemLocal:
		fs = filesystem.LocalFS{}
	case config.FilesystemSftp:
		fs = filesystem.NewSftpFS(*cfg.Filesystem.Sftp)
	case config.FilesystemGrid:
		fs = filesystem.NewGridFS(*cfg.Filesystem.Grid)
	default:
		return nil, apperrors.Configuration(
			"destination",
			fmt.Sprintf("destination %s: unknown filesystem type %q", name, cfg.Filesystem.Type),
		)
	}

	var sched scheduler.Scheduler
	var err error
	switch cfg.Scheduler.Type {
	case config.SchedulerMemory:
		sched = scheduler.NewMemoryScheduler(cfg.Scheduler.Memory.Slots)
	case config.SchedulerSlurm:
		sched = scheduler.NewSlurmScheduler(*cfg.Scheduler.Slurm)
	case config.SchedulerArq:
		sched = scheduler.NewQueueScheduler(*cfg.Scheduler.Queue)
	case config.SchedulerGrid:
		var fsCfg config.GridFilesystemConfig
		if cfg.Filesystem.Grid != nil {
			fsCfg = *cfg.Filesystem.Grid
		}
		sched = scheduler.NewGridScheduler(*cfg.Scheduler.Grid, fsCfg)
	case config.SchedulerDocker:
		sched, err = scheduler.NewDockerScheduler(ctx, *cfg.Scheduler.Docker)
		if err != nil {
			fs.Close()
			return nil, err
		}
	default:
		fs.Close()
		return nil, apperrors.Configuration(
			"destination",
			fmt.Sprintf("destination %s: unknown scheduler type %q", name, cfg.Scheduler.Type),
		)
	}

	return &Destination{
		Name:      name,
		Scheduler: sched,
		FS:        fs,
		schedType: cfg.Scheduler.Type,
	}, nil
}

// CloseAll closes every destination, logging failures.
func CloseAll(destinations map[string]*Destination) {
	for name, dest := range destinations {
		if err := dest.Close(); err != nil {
			slog.Warn("Destination close failed", "destination", name, "error", err)
		}
	}
}

// Names returns the destination names in deterministic (sorted) order, the
// order pickers index into.
func Names(destinations map[string]*Destination) []string {
	names := make([]string, 0, len(destinations))
	for name := range destinations {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
