// pcicdump replays the global index of a recording and prints one line
// per frame.
//
//	pcicdump [--stream o3r_di_0] [--summary] recording.pcrec
package main

import (
	"errors"
	"fmt"
	"io"
	"maps"
	"os"
	"slices"
	"text/tabwriter"
	"time"

	"github.com/spf13/pflag"

	"github.com/danmuck/pcicrec/internal/container"
	logs "github.com/danmuck/pcicrec/internal/logging"
)

type options struct {
	path    string
	stream  string
	summary bool
}

func parseArgs(args []string) (options, error) {
	var opts options
	fs := pflag.NewFlagSet("pcicdump", pflag.ContinueOnError)
	fs.StringVar(&opts.stream, "stream", "", "only print frames of this stream")
	fs.BoolVar(&opts.summary, "summary", false, "print stream totals instead of frames")
	if err := fs.Parse(args); err != nil {
		return options{}, err
	}
	if fs.NArg() != 1 {
		return options{}, fmt.Errorf("expected one recording path, got %d", fs.NArg())
	}
	opts.path = fs.Arg(0)
	return opts, nil
}

func main() {
	logs.ConfigureRuntime()
	opts, err := parseArgs(os.Args[1:])
	if err == nil {
		err = dump(os.Stdout, opts)
	}
	if err != nil && !errors.Is(err, pflag.ErrHelp) {
		fmt.Fprintf(os.Stderr, "pcicdump: %v\n", err)
		os.Exit(1)
	}
}

func dump(out io.Writer, opts options) error {
	r, err := container.Open(opts.path)
	if err != nil {
		return err
	}
	defer r.Close()
	if r.Truncated() {
		logs.Warnf("pcicdump truncated recording path=%s frames=%d", opts.path, r.FrameCount())
	}

	meta := r.Meta()
	fmt.Fprintf(out, "recording %s format=%s/%d created=%s complete=%v frames=%d\n",
		meta.RecordingID, meta.Format, meta.Version, meta.CreatedAt().UTC().Format(time.RFC3339), r.Complete(), r.FrameCount())
	for _, k := range slices.Sorted(maps.Keys(meta.Attrs)) {
		fmt.Fprintf(out, "  %s=%s\n", k, meta.Attrs[k])
	}

	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	defer tw.Flush()
	if opts.summary {
		fmt.Fprintln(tw, "ID\tSTREAM\tFORMAT\tSOURCE\tSENSOR\tFRAMES")
		for _, s := range r.Streams() {
			fmt.Fprintf(tw, "%d\t%s\t%s\t%s\t%s\t%d\n", s.ID, s.Name, s.Format, s.Source, s.Sensor, r.Len(s.Name))
		}
		return nil
	}
	fmt.Fprintln(tw, "GLOBAL\tSTREAM\tIDX\tRECEIVED\tDATA\tFORMAT\tBYTES")
	return r.Replay(func(e container.IndexEntry, f container.Frame) error {
		if opts.stream != "" && f.Stream != opts.stream {
			return nil
		}
		_, err := fmt.Fprintf(tw, "%d\t%s\t%d\t%s\t%s\t%s\t%d\n",
			f.GlobalIdx, f.Stream, f.StreamIdx,
			f.ReceivedAt.UTC().Format(time.RFC3339Nano), f.DataTimestamp.UTC().Format(time.RFC3339Nano),
			f.Format, len(f.Payload))
		return err
	})
}
