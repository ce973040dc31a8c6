// Copyright 2024 Google Inc. All Rights Reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Command gofilesys formats and mounts the file system, and offers a
// handful of maintenance subcommands used by the testable-properties suite
// (spec.md §8).
package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"runtime/debug"
	"time"

	"github.com/pintosfs/gofilesys/internal/blockdevice"
	"github.com/pintosfs/gofilesys/internal/bufcache"
	"github.com/pintosfs/gofilesys/internal/clock"
	"github.com/pintosfs/gofilesys/internal/config"
	"github.com/pintosfs/gofilesys/internal/filesys"
	"github.com/pintosfs/gofilesys/internal/freemap"
	"github.com/pintosfs/gofilesys/internal/fuseadapter"
	"github.com/pintosfs/gofilesys/internal/logger"
	"github.com/pintosfs/gofilesys/internal/util"
	"github.com/spf13/cobra"
)

var cfgFile string

func main() {
	if err := rootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "gofilesys",
		Short: "Format, mount, and inspect a gofilesys block device image.",
	}
	root.PersistentFlags().StringVar(&cfgFile, "config-file", "", "Path to a YAML config file.")

	def := config.Default()
	config.BindFlags(root.PersistentFlags(), def)

	root.AddCommand(formatCmd(), mountCmd(), statsCmd(), benchCmd(), configCmd())
	return root
}

func configCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "config",
		Short: "Print the fully resolved configuration as YAML.",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			out, err := cfg.YAML()
			if err != nil {
				return err
			}
			fmt.Print(out)
			return nil
		},
	}
}

func loadConfig(cmd *cobra.Command) (config.Config, error) {
	return config.Load(cfgFile, cmd.Flags())
}

func openDeviceAndLog(cfg config.Config) (blockdevice.Device, error) {
	if err := logger.Init(logger.Options{
		Filename:   cfg.Logging.FilePath,
		Format:     cfg.Logging.Format,
		Severity:   cfg.Logging.Severity,
		MaxSizeMB:  cfg.Logging.LogRotate.MaxFileSizeMB,
		MaxBackups: cfg.Logging.LogRotate.BackupFileCount,
	}); err != nil {
		return nil, err
	}

	devicePath, err := util.GetResolvedPath(cfg.DevicePath)
	if err != nil {
		return nil, fmt.Errorf("resolving device path %s: %w", cfg.DevicePath, err)
	}

	dev, err := blockdevice.OpenFileDevice(devicePath, blockdevice.Sector(cfg.SectorCount))
	if err != nil {
		return nil, fmt.Errorf("opening device %s: %w", devicePath, err)
	}

	if cfg.Throttle.Enabled {
		dev = blockdevice.NewThrottle(dev, cfg.Throttle.SectorsPerSecond, cfg.Throttle.BurstSectors)
	}
	return dev, nil
}

func formatCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "format",
		Short: "Initialize a fresh file system on the configured device.",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			dev, err := openDeviceAndLog(cfg)
			if err != nil {
				return err
			}
			defer dev.Close()

			bitmapSpan := (cfg.SectorCount/8 + blockdevice.SectorSize - 1) / blockdevice.SectorSize
			if bitmapSpan < 1 {
				bitmapSpan = 1
			}
			dataBase := blockdevice.Sector(1 + bitmapSpan)
			fm := freemap.New(dev, 1, blockdevice.Sector(bitmapSpan), dataBase, cfg.SectorCount-1-bitmapSpan)
			cache := bufcache.New(dev, cfg.Cache.Size)

			ctx := context.Background()
			if _, err := filesys.Format(ctx, cache, fm); err != nil {
				return err
			}
			if err := cache.Flush(ctx); err != nil {
				return err
			}
			logger.Infof("formatted %s: %d sectors, %d data sectors free", cfg.DevicePath, cfg.SectorCount, fm.NumFree())
			return nil
		},
	}
}

func mountCmd() *cobra.Command {
	var mountPoint string
	cmd := &cobra.Command{
		Use:   "mount",
		Short: "Mount the file system at mountPoint via FUSE.",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			if cfg.Logging.FilePath != "" {
				if crashFile, err := openCrashFile(cfg.Logging.FilePath + ".crash"); err == nil {
					debug.SetCrashOutput(crashFile, debug.CrashOptions{})
				}
			}

			dev, err := openDeviceAndLog(cfg)
			if err != nil {
				return err
			}

			bitmapSpan := (cfg.SectorCount/8 + blockdevice.SectorSize - 1) / blockdevice.SectorSize
			if bitmapSpan < 1 {
				bitmapSpan = 1
			}
			dataBase := blockdevice.Sector(1 + bitmapSpan)
			fm := freemap.New(dev, 1, blockdevice.Sector(bitmapSpan), dataBase, cfg.SectorCount-1-bitmapSpan)
			cache := bufcache.New(dev, cfg.Cache.Size)

			fsys := filesys.Mount(cache, fm)
			logger.Infof("mounting %s at %s (mount id %s)", cfg.DevicePath, mountPoint, fsys.ID())
			ctx := context.Background()
			shutdown := util.JoinShutdownFunc(
				func(context.Context) error { return fsys.Flush(ctx) },
				func(context.Context) error { return dev.Close() },
			)
			defer shutdown(ctx)

			return fuseadapter.Mount(ctx, fsys, mountPoint)
		},
	}
	cmd.Flags().StringVar(&mountPoint, "mount-point", "", "Directory to mount the file system on.")
	return cmd
}

func statsCmd() *cobra.Command {
	var watchInterval time.Duration
	cmd := &cobra.Command{
		Use:   "stats",
		Short: "Print buffer cache hit/access counters, optionally repeating every --watch-interval.",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			dev, err := openDeviceAndLog(cfg)
			if err != nil {
				return err
			}
			defer dev.Close()

			bitmapSpan := (cfg.SectorCount/8 + blockdevice.SectorSize - 1) / blockdevice.SectorSize
			if bitmapSpan < 1 {
				bitmapSpan = 1
			}
			dataBase := blockdevice.Sector(1 + bitmapSpan)
			fm := freemap.New(dev, 1, blockdevice.Sector(bitmapSpan), dataBase, cfg.SectorCount-1-bitmapSpan)
			cache := bufcache.New(dev, cfg.Cache.Size)
			fsys := filesys.Mount(cache, fm)

			statFn := func() (uint64, uint64) { return fsys.AccessCount(), fsys.HitCount() }
			if watchInterval <= 0 {
				accesses, hits := statFn()
				fmt.Printf("accesses=%d hits=%d\n", accesses, hits)
				return nil
			}
			return runStatsWatch(cmd.Context(), statFn, clock.RealClock{}, watchInterval, os.Stdout, 0)
		},
	}
	cmd.Flags().DurationVar(&watchInterval, "watch-interval", 0, "Repeat printing stats every interval instead of once; 0 prints once.")
	return cmd
}

// runStatsWatch prints accesses/hits from statFn, then waits on ck.After
// before repeating, until ctx is done or maxIterations prints have run
// (maxIterations <= 0 means unlimited, the real CLI's "watch" mode).
func runStatsWatch(ctx context.Context, statFn func() (uint64, uint64), ck clock.Clock, interval time.Duration, out io.Writer, maxIterations int) error {
	for i := 0; maxIterations <= 0 || i < maxIterations; i++ {
		accesses, hits := statFn()
		fmt.Fprintf(out, "accesses=%d hits=%d\n", accesses, hits)

		if maxIterations > 0 && i == maxIterations-1 {
			return nil
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ck.After(interval):
		}
	}
	return nil
}

func benchCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "bench",
		Short: "Run the write-coalescing microbenchmark from the testable-properties suite.",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			dev, err := openDeviceAndLog(cfg)
			if err != nil {
				return err
			}
			defer dev.Close()

			bitmapSpan := (cfg.SectorCount/8 + blockdevice.SectorSize - 1) / blockdevice.SectorSize
			if bitmapSpan < 1 {
				bitmapSpan = 1
			}
			dataBase := blockdevice.Sector(1 + bitmapSpan)
			fm := freemap.New(dev, 1, blockdevice.Sector(bitmapSpan), dataBase, cfg.SectorCount-1-bitmapSpan)
			cache := bufcache.New(dev, cfg.Cache.Size)

			ctx := context.Background()
			fsys, err := filesys.Format(ctx, cache, fm)
			if err != nil {
				return err
			}

			const size = 64 * 1024
			if err := fsys.Create(ctx, "bench", size, false); err != nil {
				return err
			}
			f, err := fsys.Open(ctx, "bench")
			if err != nil {
				return err
			}
			defer f.Close(ctx)

			fsys.ResetStats()
			elapsed, err := runWriteBenchmark(ctx, clock.RealClock{}, size, f.Write)
			if err != nil {
				return err
			}

			fmt.Printf("wrote %d bytes one byte at a time in %s; accesses=%d hits=%d misses=%d\n",
				size, elapsed, fsys.AccessCount(), fsys.HitCount(), fsys.AccessCount()-fsys.HitCount())
			return nil
		},
	}
}

// runWriteBenchmark writes size one-byte chunks through write, timing the
// whole run on ck. Taking write as a function rather than a *filesys.File
// lets tests drive it against a clock.SimulatedClock without a real mount.
func runWriteBenchmark(ctx context.Context, ck clock.Clock, size int, write func(context.Context, []byte) (int, error)) (time.Duration, error) {
	start := ck.Now()
	one := []byte{0}
	for i := 0; i < size; i++ {
		if _, err := write(ctx, one); err != nil {
			return 0, err
		}
	}
	return ck.Now().Sub(start), nil
}
