// Command extentmap prints the extent map of files using FS_IOC_FIEMAP.
package main

import (
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"text/tabwriter"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/bradfitz/extentstress/internal/fiemap"
)

var errNotSupported = errors.New("filesystem does not support FS_IOC_FIEMAP")

// Config holds the configuration for extentmap
type Config struct {
	Sync    bool
	Xattr   bool
	Verbose bool
}

func main() {
	config := &Config{}
	cmd := &cobra.Command{
		Use:          "extentmap [flags] FILE...",
		Short:        "Print the extent map of files",
		Args:         cobra.MinimumNArgs(1),
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			failed := 0
			for _, name := range args {
				if err := printExtents(cmd.OutOrStdout(), name, config); err != nil {
					fmt.Fprintf(os.Stderr, "%s: %v\n", name, err)
					failed++
				}
			}
			if failed > 0 {
				return fmt.Errorf("%d of %d files failed", failed, len(args))
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&config.Sync, "sync", false, "flush the file before mapping it")
	cmd.Flags().BoolVar(&config.Xattr, "xattr", false, "map the extended attribute tree instead of data")
	cmd.Flags().BoolVarP(&config.Verbose, "verbose", "v", false, "list every extent, not just the count")

	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func printExtents(w io.Writer, name string, config *Config) error {
	f, err := os.Open(name)
	if err != nil {
		return err
	}
	defer f.Close()

	var flags uint32
	if config.Sync {
		flags |= fiemap.FlagSync
	}
	if config.Xattr {
		flags |= fiemap.FlagXattr
	}

	extents, err := fiemap.Map(f.Fd(), flags)
	if err != nil {
		if fiemap.IsNotSupported(err) {
			return errNotSupported
		}
		return err
	}

	var total uint64
	for _, e := range extents {
		total += e.Length
	}
	fmt.Fprintf(w, "%s: %d extents, %s mapped\n", name, len(extents), humanize.IBytes(total))
	if !config.Verbose || len(extents) == 0 {
		return nil
	}

	tw := tabwriter.NewWriter(w, 0, 8, 2, ' ', tabwriter.AlignRight)
	fmt.Fprintln(tw, "#\tlogical\tphysical\tlength\tflags\t")
	for i, e := range extents {
		fmt.Fprintf(tw, "%d\t%d\t%d\t%s\t%s\t\n", i, e.Logical, e.Physical, humanize.IBytes(e.Length), flagString(e.Flags))
	}
	return tw.Flush()
}

func flagString(flags uint32) string {
	var names []string
	for _, f := range []struct {
		bit  uint32
		name string
	}{
		{fiemap.ExtentLast, "last"},
		{fiemap.ExtentUnknown, "unknown"},
		{fiemap.ExtentDelalloc, "delalloc"},
		{fiemap.ExtentEncoded, "encoded"},
		{fiemap.ExtentDataEncrypted, "encrypted"},
		{fiemap.ExtentDataInline, "inline"},
		{fiemap.ExtentUnwritten, "unwritten"},
		{fiemap.ExtentMerged, "merged"},
		{fiemap.ExtentShared, "shared"},
	} {
		if flags&f.bit != 0 {
			names = append(names, f.name)
		}
	}
	if len(names) == 0 {
		return "-"
	}
	return strings.Join(names, ",")
}
