// Copyright 2024 The Erigon Authors
// This file is part of Erigon.
//
// Erigon is free software: you can redistribute it and/or modify
// it under the terms of the GNU Lesser General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// Erigon is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE. See the
// GNU Lesser General Public License for more details.
//
// You should have received a copy of the GNU Lesser General Public License
// along with Erigon. If not, see <http://www.gnu.org/licenses/>.

// Command partitiond is a small demonstration binary wiring a fixed-N
// partition set, replaying a SideLog checkpoint, and serving the
// programmatic API of spec.md §6 from the command line rather than RPC.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/alecthomas/kong"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/opensetdb/core/internal/config"
	"github.com/opensetdb/core/internal/mem"
	"github.com/opensetdb/core/internal/obs"
	"github.com/opensetdb/core/internal/partition"
	"github.com/opensetdb/core/internal/property"
)

type serveCmd struct {
	Partitions    int    `default:"8" help:"Number of partitions to run."`
	CheckpointDir string `type:"path" help:"Directory to restore/write per-partition checkpoints, if set."`
	AutoSize      bool   `help:"Scale pool/LRU ceilings to host memory instead of fixed defaults."`
}

type insertCmd struct {
	Partition     int    `default:"0" help:"Partition to submit into."`
	JSON          string `arg:"" help:"Event JSON payload, e.g. {\"uid\":\"alice\",\"stamp\":1700000000000,\"event\":\"view\"}."`
	CheckpointDir string `type:"path" help:"Directory to restore/write the target partition's checkpoint, if set."`
}

var cli struct {
	Serve  serveCmd  `cmd:"" help:"Run a fixed-N partition set until interrupted."`
	Insert insertCmd `cmd:"" help:"Submit one event into a single partition, checkpoint, and exit."`
}

func main() {
	ctx := kong.Parse(&cli, kong.Name("partitiond"), kong.Description(
		"Demonstration host for the event-store core: runs or drives partitions from the command line."))

	logger, err := obs.New()
	if err != nil {
		logger = obs.Nop()
	}
	defer logger.Sync()

	switch ctx.Command() {
	case "serve":
		err = cli.Serve.Run(logger)
	case "insert <json>":
		err = cli.Insert.Run(logger)
	default:
		err = fmt.Errorf("unknown command %q", ctx.Command())
	}
	if err != nil {
		logger.Fatal("partitiond exited with error", zap.Error(err))
	}
}

func buildConfig(autoSize bool) *config.Snapshot {
	cfg := config.Default()
	if autoSize {
		cfg = config.AutoSize(cfg)
	}
	return config.NewSnapshot(cfg)
}

func (c *serveCmd) Run(logger *zap.Logger) error {
	cfg := buildConfig(c.AutoSize)
	catalog := property.NewCatalog()

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	metrics := obs.Default()

	parts := make([]*partition.Partition, c.Partitions)
	for i := 0; i < c.Partitions; i++ {
		p := partition.New(int32(i), 0, catalog, newPool(cfg), cfg, logger)
		p.SetMetrics(metrics)
		if c.CheckpointDir != "" {
			path := checkpointPath(c.CheckpointDir, i)
			if _, statErr := os.Stat(path); statErr == nil {
				if err := p.Restore(path); err != nil {
					return fmt.Errorf("restore partition %d: %w", i, err)
				}
				logger.Info("restored partition from checkpoint", zap.Int("partition", i), zap.String("path", path))
			}
		}
		parts[i] = p
	}

	for _, p := range parts {
		go p.Run(ctx)
	}
	logger.Info("partitiond serving", zap.Int("partitions", c.Partitions))
	<-ctx.Done()
	logger.Info("shutting down, checkpointing partitions")

	if c.CheckpointDir != "" {
		var g errgroup.Group
		for i, p := range parts {
			i, p := i, p
			g.Go(func() error {
				path := checkpointPath(c.CheckpointDir, i)
				if err := p.Checkpoint(path); err != nil {
					logger.Error("checkpoint failed", zap.Int("partition", i), zap.Error(err))
					return err
				}
				return nil
			})
		}
		// Fan-in only to let every partition finish its own checkpoint
		// write before the process exits; individual failures are already
		// logged above and must not abort siblings still in flight.
		_ = g.Wait()
	}
	return nil
}

func (c *insertCmd) Run(logger *zap.Logger) error {
	cfg := buildConfig(false)
	catalog := property.NewCatalog()
	p := partition.New(int32(c.Partition), 0, catalog, newPool(cfg), cfg, logger)
	p.SetMetrics(obs.Default())

	path := ""
	if c.CheckpointDir != "" {
		path = checkpointPath(c.CheckpointDir, c.Partition)
		if _, statErr := os.Stat(path); statErr == nil {
			if err := p.Restore(path); err != nil {
				return fmt.Errorf("restore partition: %w", err)
			}
		}
	}

	seq := p.SubmitInsert([]byte(c.JSON))
	logger.Info("submitted insert", zap.Int64("seq", seq))

	if _, err := p.DrainOnce(1); err != nil {
		return fmt.Errorf("drain: %w", err)
	}

	if path != "" {
		if err := p.Checkpoint(path); err != nil {
			return fmt.Errorf("checkpoint: %w", err)
		}
	}
	return nil
}

func newPool(cfg *config.Snapshot) *mem.BucketPool {
	c := cfg.Current()
	return mem.NewBucketPool(int(c.BucketPoolMinSize), int(c.BucketPoolMaxSize))
}

func checkpointPath(dir string, partition int) string {
	return filepath.Join(dir, fmt.Sprintf("partition-%d.chk", partition))
}
