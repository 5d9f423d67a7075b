// Copyright 2026 The bedup Authors. All Rights Reserved.
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

// bedup deduplicates identical files on btrfs by sharing their extents.
package main

import (
	"fmt"
	"log"
	"os"

	"github.com/jacobsa/timeutil"
	"github.com/spf13/cobra"

	dedup "github.com/VariousForks/bedup"
	"github.com/VariousForks/bedup/btrfsvol"
	"github.com/VariousForks/bedup/catalog"
	"github.com/VariousForks/bedup/hashing"
)

var (
	flagDB         string
	flagSizeCutoff uint64
	flagWindowSize int
)

// The default minimum file size considered for deduplication.
const defaultSizeCutoff = 8 * 1024 * 1024

var rootCmd = &cobra.Command{
	Use:   "bedup",
	Short: "Offline btrfs deduplication",
	Long: `bedup tracks file updates through the btrfs generation counter,
stores candidates in a small database, and deduplicates identical files
by asking the kernel to share their extents.`,
	SilenceUsage: true,
}

var scanCmd = &cobra.Command{
	Use:   "scan VOLUME...",
	Short: "Update the candidate database from volume generations",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withVolumes(args, func(cat *catalog.Catalog, groups [][]*dedup.Volume) error {
			scanner := &dedup.Scanner{
				Catalog:  cat,
				Ops:      btrfsvol.Ops{},
				Progress: newReporter(),
			}
			for _, vols := range groups {
				for _, vol := range vols {
					if err := scanner.Scan(vol); err != nil {
						return fmt.Errorf("scanning %q: %w", vol.Desc, err)
					}
				}
			}
			return nil
		})
	},
}

var dedupCmd = &cobra.Command{
	Use:   "dedup VOLUME...",
	Short: "Scan, then deduplicate tracked files",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withVolumes(args, func(cat *catalog.Catalog, groups [][]*dedup.Volume) error {
			reporter := newReporter()
			scanner := &dedup.Scanner{
				Catalog:  cat,
				Ops:      btrfsvol.Ops{},
				Progress: reporter,
			}
			pipeline := &dedup.DedupPipeline{
				Catalog:      cat,
				Ops:          btrfsvol.Ops{},
				Fingerprints: hashing.Fns{},
				Progress:     reporter,
				Clock:        timeutil.RealClock(),
				ErrorLogger:  log.New(os.Stderr, "bedup: ", log.LstdFlags),
				DebugLogger:  dedup.DefaultDebugLogger(),
				WindowSize:   flagWindowSize,
			}

			for _, vols := range groups {
				for _, vol := range vols {
					if err := scanner.Scan(vol); err != nil {
						return fmt.Errorf("scanning %q: %w", vol.Desc, err)
					}
				}
				if err := pipeline.DedupVolumeSet(vols); err != nil {
					return err
				}
			}
			return nil
		})
	},
}

var resetCmd = &cobra.Command{
	Use:   "reset VOLUME",
	Short: "Forget tracked inodes of a volume",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withVolumes(args, func(cat *catalog.Catalog, groups [][]*dedup.Volume) error {
			for _, vols := range groups {
				for _, vol := range vols {
					if err := cat.ResetVolume(vol); err != nil {
						return err
					}
				}
			}
			return nil
		})
	},
}

// Open the catalog and the named volumes, group them by filesystem, and
// run fn. The catalog is committed and closed afterwards.
func withVolumes(
	paths []string,
	fn func(cat *catalog.Catalog, groups [][]*dedup.Volume) error) error {
	cat, err := catalog.Open(flagDB)
	if err != nil {
		return err
	}
	defer cat.Close()

	byUUID := make(map[string]*dedup.Filesystem)
	var order []string
	var volumes []*dedup.Volume

	defer func() {
		for _, vol := range volumes {
			vol.FD.Close()
		}
	}()

	for _, path := range paths {
		vol, err := btrfsvol.OpenVolume(path)
		if err != nil {
			return fmt.Errorf("opening volume %q: %w", path, err)
		}
		volumes = append(volumes, vol)

		fs, ok := byUUID[vol.FS.UUID]
		if !ok {
			fs = vol.FS
			byUUID[fs.UUID] = fs
			order = append(order, fs.UUID)
		} else {
			vol.FS = fs
		}
		fs.Volumes = append(fs.Volumes, vol)

		vol.SizeCutoff = flagSizeCutoff
		if err := cat.LoadVolume(vol); err != nil {
			return fmt.Errorf("registering volume %q: %w", path, err)
		}
	}

	groups := make([][]*dedup.Volume, 0, len(order))
	for _, uuid := range order {
		groups = append(groups, byUUID[uuid].Volumes)
	}

	if err := fn(cat, groups); err != nil {
		return err
	}
	return cat.Commit()
}

func main() {
	rootCmd.PersistentFlags().StringVar(
		&flagDB, "db", "bedup.db", "Path of the candidate database.")
	rootCmd.PersistentFlags().Uint64Var(
		&flagSizeCutoff, "size-cutoff", defaultSizeCutoff,
		"Minimum file size considered for deduplication.")
	rootCmd.PersistentFlags().IntVar(
		&flagWindowSize, "window-size", 0,
		"Size groups per catalog window (0 selects the default).")

	rootCmd.AddCommand(scanCmd, dedupCmd, resetCmd)

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
