package main

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strconv"
	"text/tabwriter"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/meigma/gamecache"
)

// withCache opens the cache, runs fn and closes the cache.
func withCache(readOnly bool, fn func(c *gamecache.Cache) error) (err error) {
	c, err := openCache(readOnly)
	if err != nil {
		return err
	}
	defer func() {
		err = errors.Join(err, c.Close())
	}()
	return fn(c)
}

func parseID(name, s string) (int, error) {
	v, err := strconv.Atoi(s)
	if err != nil || v < 0 {
		return 0, fmt.Errorf("invalid %s %q", name, s)
	}
	return v, nil
}

func parseIDs(names []string, args []string) ([]int, error) {
	out := make([]int, len(args))
	for i, a := range args {
		v, err := parseID(names[i], a)
		if err != nil {
			return nil, err
		}
		out[i] = v
	}
	return out, nil
}

func newTable(w io.Writer) *tabwriter.Writer {
	return tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
}

func newCreateIndexCmd() *cobra.Command {
	var names, digests, lengths, crcs bool
	var protocol int
	cmd := &cobra.Command{
		Use:   "create-index <index>",
		Short: "Create an empty index",
		Args:  cobra.ExactArgs(1),
		RunE: func(_ *cobra.Command, args []string) error {
			id, err := parseID("index", args[0])
			if err != nil {
				return err
			}
			opts := []gamecache.IndexOption{gamecache.IndexWithProtocol(protocol)}
			if names {
				opts = append(opts, gamecache.IndexWithNames())
			}
			if digests {
				opts = append(opts, gamecache.IndexWithDigests())
			}
			if lengths {
				opts = append(opts, gamecache.IndexWithLengths())
			}
			if crcs {
				opts = append(opts, gamecache.IndexWithUncompressedChecksums())
			}
			return withCache(false, func(c *gamecache.Cache) error {
				return c.CreateIndex(id, opts...)
			})
		},
	}
	cmd.Flags().BoolVar(&names, "names", false, "record archive and file name hashes")
	cmd.Flags().BoolVar(&digests, "digests", false, "record whirlpool digests")
	cmd.Flags().BoolVar(&lengths, "lengths", false, "record archive lengths")
	cmd.Flags().BoolVar(&crcs, "crcs", false, "record checksums of decoded payloads")
	cmd.Flags().IntVar(&protocol, "protocol", 6, "reference table protocol (5, 6 or 7)")
	return cmd
}

func newLsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "ls [index]",
		Short: "List indices, or the archives of one index",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withCache(true, func(c *gamecache.Cache) error {
				w := newTable(cmd.OutOrStdout())
				defer w.Flush()
				if len(args) == 0 {
					fmt.Fprintln(w, "INDEX\tARCHIVES\tREVISION\tCRC")
					sums, err := c.MasterChecksums()
					if err != nil {
						return err
					}
					for _, s := range sums {
						fmt.Fprintf(w, "%d\t%d\t%d\t%08x\n", s.Index, s.Archives, s.Revision, s.CRC)
					}
					return nil
				}

				index, err := parseID("index", args[0])
				if err != nil {
					return err
				}
				ids, err := c.Archives(index)
				if err != nil {
					return err
				}
				fmt.Fprintln(w, "ARCHIVE\tREVISION\tCRC\tFILES\tSIZE\tCOMPRESSION")
				for _, id := range ids {
					info, err := c.Archive(index, id)
					if err != nil {
						fmt.Fprintf(w, "%d\t-\t-\t-\t-\t%v\n", id, err)
						continue
					}
					fmt.Fprintf(w, "%d\t%d\t%08x\t%d\t%s\t%s\n", id, info.Revision, info.CRC,
						len(info.Files), humanize.IBytes(uint64(info.StoredLen)), info.Compression) //nolint:gosec // lengths are non-negative
				}
				return nil
			})
		},
	}
}

func newInfoCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "info <index> <archive>",
		Short: "Describe one archive",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			ids, err := parseIDs([]string{"index", "archive"}, args)
			if err != nil {
				return err
			}
			return withCache(true, func(c *gamecache.Cache) error {
				info, err := c.Archive(ids[0], ids[1])
				if err != nil {
					return err
				}
				w := newTable(cmd.OutOrStdout())
				defer w.Flush()
				fmt.Fprintf(w, "index\t%d\n", info.Index)
				fmt.Fprintf(w, "archive\t%d\n", info.ID)
				fmt.Fprintf(w, "name hash\t%d\n", info.NameHash)
				fmt.Fprintf(w, "revision\t%d\n", info.Revision)
				fmt.Fprintf(w, "crc\t%08x\n", info.CRC)
				if info.Whirlpool != nil {
					fmt.Fprintf(w, "whirlpool\t%s\n", hex.EncodeToString(info.Whirlpool))
				}
				fmt.Fprintf(w, "compression\t%s\n", info.Compression)
				fmt.Fprintf(w, "stored\t%s\n", humanize.IBytes(uint64(info.StoredLen))) //nolint:gosec // non-negative
				if info.UncompressedLen > 0 {
					fmt.Fprintf(w, "uncompressed\t%s\n", humanize.IBytes(uint64(info.UncompressedLen))) //nolint:gosec // non-negative
				}
				fmt.Fprintf(w, "files\t%v\n", info.Files)
				return nil
			})
		},
	}
}

func newGetCmd() *cobra.Command {
	var out string
	cmd := &cobra.Command{
		Use:   "get <index> <archive> [file]",
		Short: "Write an archive or one of its files to stdout or a file",
		Args:  cobra.RangeArgs(2, 3),
		RunE: func(cmd *cobra.Command, args []string) error {
			ids, err := parseIDs([]string{"index", "archive", "file"}, args)
			if err != nil {
				return err
			}
			return withCache(true, func(c *gamecache.Cache) error {
				var data []byte
				if len(ids) == 3 {
					data, err = c.ReadFile(ids[0], ids[1], ids[2])
				} else {
					data, err = c.ReadArchive(ids[0], ids[1])
				}
				if err != nil {
					return err
				}
				if out == "" {
					_, err = cmd.OutOrStdout().Write(data)
					return err
				}
				logger.Info("wrote archive", "index", ids[0], "archive", ids[1], "path", out, "size", len(data))
				return os.WriteFile(out, data, 0o644) //nolint:gosec // user supplied output path
			})
		},
	}
	cmd.Flags().StringVarP(&out, "output", "o", "", "write to this file instead of stdout")
	return cmd
}

func newPutCmd() *cobra.Command {
	var file int
	var name string
	cmd := &cobra.Command{
		Use:   "put <index> <archive> <path>",
		Short: "Store a file as an archive, or as one file of an archive with --file",
		Args:  cobra.ExactArgs(3),
		RunE: func(_ *cobra.Command, args []string) error {
			ids, err := parseIDs([]string{"index", "archive"}, args[:2])
			if err != nil {
				return err
			}
			data, err := os.ReadFile(args[2])
			if err != nil {
				return err
			}
			var opts []gamecache.OpOption
			if name != "" {
				opts = append(opts, gamecache.WithName(name))
			}
			return withCache(false, func(c *gamecache.Cache) error {
				var rev int32
				if file >= 0 {
					rev, err = c.WriteFile(ids[0], ids[1], file, data, opts...)
				} else {
					rev, err = c.WriteArchive(ids[0], ids[1], data, opts...)
				}
				if err != nil {
					return err
				}
				logger.Info("stored archive", "index", ids[0], "archive", ids[1], "revision", rev, "size", len(data))
				return nil
			})
		},
	}
	cmd.Flags().IntVar(&file, "file", -1, "store as this file id inside the archive")
	cmd.Flags().StringVar(&name, "name", "", "archive name")
	return cmd
}

func newRmCmd() *cobra.Command {
	var file int
	cmd := &cobra.Command{
		Use:   "rm <index> <archive>",
		Short: "Remove an archive, or one file of it with --file",
		Args:  cobra.ExactArgs(2),
		RunE: func(_ *cobra.Command, args []string) error {
			ids, err := parseIDs([]string{"index", "archive"}, args)
			if err != nil {
				return err
			}
			return withCache(false, func(c *gamecache.Cache) error {
				if file >= 0 {
					return c.RemoveFile(ids[0], ids[1], file)
				}
				return c.Remove(ids[0], ids[1])
			})
		},
	}
	cmd.Flags().IntVar(&file, "file", -1, "remove only this file id")
	return cmd
}

func newRebuildCmd() *cobra.Command {
	var to string
	cmd := &cobra.Command{
		Use:   "rebuild [index]",
		Short: "Repair an index, or copy the whole cache compactly with --to",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if to != "" {
				return withCache(true, func(c *gamecache.Cache) error {
					return c.RebuildTo(to)
				})
			}
			if len(args) != 1 {
				return errors.New("rebuild needs an index or --to")
			}
			index, err := parseID("index", args[0])
			if err != nil {
				return err
			}
			return withCache(false, func(c *gamecache.Cache) error {
				report, err := c.Rebuild(index)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "checked %d archives, dropped %v, cleared %v, %d free sectors\n",
					report.Checked, report.Dropped, report.Orphans, report.FreeSectors)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&to, "to", "", "write a compact copy of the cache into this directory")
	return cmd
}

func newDefragCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "defrag <index>",
		Short: "Rewrite the block file of an index without free sectors",
		Args:  cobra.ExactArgs(1),
		RunE: func(_ *cobra.Command, args []string) error {
			index, err := parseID("index", args[0])
			if err != nil {
				return err
			}
			return withCache(false, func(c *gamecache.Cache) error {
				return c.Defragment(index)
			})
		},
	}
}

func newVerifyCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "verify",
		Short: "Check every archive's chain and checksums",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt)
			defer stop()
			return withCache(true, func(c *gamecache.Cache) error {
				if err := c.Verify(ctx); err != nil {
					if errors.Is(err, context.Canceled) {
						return err
					}
					return fmt.Errorf("verification failed:\n%w", err)
				}
				fmt.Fprintln(cmd.OutOrStdout(), "ok")
				return nil
			})
		},
	}
}

func newChecksumsCmd() *cobra.Command {
	var manifest int
	cmd := &cobra.Command{
		Use:   "checksums",
		Short: "Print the checksum table, or the manifest of one index with --manifest",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withCache(true, func(c *gamecache.Cache) error {
				w := newTable(cmd.OutOrStdout())
				defer w.Flush()
				if manifest >= 0 {
					entries, err := c.Manifest(manifest)
					if err != nil {
						return err
					}
					fmt.Fprintln(w, "ARCHIVE\tREVISION\tCRC\tSIZE\tDIGEST")
					for _, e := range entries {
						fmt.Fprintf(w, "%d\t%d\t%08x\t%d\t%s\n", e.Archive, e.Revision, e.CRC, e.Size, e.Digest)
					}
					return nil
				}
				sums, err := c.MasterChecksums()
				if err != nil {
					return err
				}
				fmt.Fprintln(w, "INDEX\tCRC\tREVISION\tWHIRLPOOL")
				for _, s := range sums {
					fmt.Fprintf(w, "%d\t%08x\t%d\t%s\n", s.Index, s.CRC, s.Revision, hex.EncodeToString(s.Whirlpool))
				}
				return nil
			})
		},
	}
	cmd.Flags().IntVar(&manifest, "manifest", -1, "print the per-archive manifest of this index")
	return cmd
}
