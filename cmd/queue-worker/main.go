// queue-worker consumes the Redis queue of an arq destination and executes
// jobs on the local filesystem. Run it on hosts that share the job root
// with the broker, one process per destination.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"jobbroker/internal/config"
	"jobbroker/internal/scheduler"
)

func main() {
	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stdout, nil)))

	if err := run(); err != nil {
		slog.Error("Worker failed", "error", err)
		os.Exit(1)
	}
}

func run() error {
	configFile := flag.String("config", config.GetEnv("CONFIG_FILE", "config.yaml"), "broker configuration file")
	destName := flag.String("destination", "", "arq destination to work (default: the only arq destination)")
	flag.Parse()

	cfg, err := config.Load(*configFile)
	if err != nil {
		return err
	}

	queueCfg, err := pickQueueConfig(cfg, *destName)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	worker := scheduler.NewQueueWorker(*queueCfg)
	return worker.Run(ctx)
}

// pickQueueConfig resolves which arq destination this worker serves.
func pickQueueConfig(cfg *config.Config, destName string) (*config.QueueSchedulerConfig, error) {
	if destName != "" {
		dest, ok := cfg.Destinations[destName]
		if !ok {
			return nil, fmt.Errorf("destination %q is not configured", destName)
		}
		if dest.Scheduler.Type != config.SchedulerArq || dest.Scheduler.Queue == nil {
			return nil, fmt.Errorf("destination %q is not an arq destination", destName)
		}
		return dest.Scheduler.Queue, nil
	}

	var found *config.QueueSchedulerConfig
	var foundName string
	for name, dest := range cfg.Destinations {
		if dest.Scheduler.Type == config.SchedulerArq && dest.Scheduler.Queue != nil {
			if found != nil {
				return nil, fmt.Errorf(
					"multiple arq destinations configured (%s, %s); pass -destination",
					foundName, name,
				)
			}
			found = dest.Scheduler.Queue
			foundName = name
		}
	}
	if found == nil {
		return nil, fmt.Errorf("no arq destination in configuration")
	}
	slog.Info("Working arq destination", "destination", foundName)
	return found, nil
}
