// The halcyon command drives the image cache from the command line:
// it prefetches URL lists into a cache directory and runs maintenance
// passes over it.
package main

import (
	"bufio"
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"runtime"
	"strings"
	"time"

	halcyon "github.com/halcyon-cache/halcyon"
	"github.com/halcyon-cache/halcyon/cache"
	"github.com/halcyon-cache/halcyon/cache/disk"
	"github.com/halcyon-cache/halcyon/cache/memory"
	"github.com/halcyon-cache/halcyon/config"
	"github.com/halcyon-cache/halcyon/downloader"
	"github.com/halcyon-cache/halcyon/utils/flags"

	"github.com/dustin/go-humanize"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/urfave/cli/v2"
	"golang.org/x/sync/errgroup"
)

const logFlags = log.Ldate | log.Ltime | log.LUTC

func main() {
	log.SetFlags(logFlags)
	log.Printf("halcyon built with %s.", runtime.Version())

	app := cli.NewApp()
	app.Name = "halcyon"
	app.Usage = "image retrieval cache tool"
	app.Flags = flags.GetCliFlags()
	app.Commands = []*cli.Command{
		{
			Name:      "prefetch",
			Usage:     "download a list of image URLs into the cache",
			ArgsUsage: "<url-list-file | url...>",
			Flags:     flags.GetCliFlags(),
			Action:    runPrefetch,
		},
		{
			Name:   "gc",
			Usage:  "remove expired entries and enforce the disk size budget",
			Flags:  flags.GetCliFlags(),
			Action: runGC,
		},
	}

	if err := app.Run(os.Args); err != nil {
		log.Fatal("halcyon terminated: ", err)
	}
}

func newManager(c *config.Config) (*halcyon.Manager, error) {
	dsk, err := disk.New(c.Dir,
		disk.WithSizeLimit(c.MaxDiskSizeBytes),
		disk.WithDefaultExpiration(cache.In(c.DiskExpiration)),
		disk.WithAccessLogger(c.AccessLogger),
		disk.WithErrorLogger(c.ErrorLogger),
	)
	if err != nil {
		return nil, err
	}

	mem := memory.New(
		memory.WithCostLimit(c.MaxMemoryCostBytes),
		memory.WithDefaultExpiration(cache.In(c.MemoryExpiration)),
		memory.WithCleanInterval(c.CleanInterval),
	)

	dl := downloader.New(
		downloader.WithTimeout(c.DownloadTimeout),
		downloader.WithAccessLogger(c.AccessLogger),
		downloader.WithErrorLogger(c.ErrorLogger),
	)

	m := halcyon.NewManager(halcyon.NewCache(mem, dsk), dl)
	m.SetLoggers(c.AccessLogger, c.ErrorLogger)
	return m, nil
}

// serveMetrics exposes /metrics until ctx is cancelled. When no metrics
// address is configured, the returned function does nothing and
// returns nil.
func serveMetrics(ctx context.Context, addr string, errorLogger *log.Logger) func() error {
	if addr == "" {
		return func() error { return nil }
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	server := &http.Server{Addr: addr, Handler: mux}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			errorLogger.Printf("metrics server shutdown: %v", err)
		}
	}()

	return func() error {
		log.Printf("Serving metrics on address %s", addr)
		err := server.ListenAndServe()
		if err == http.ErrServerClosed {
			return nil
		}
		return err
	}
}

func runPrefetch(ctx *cli.Context) error {
	c, err := config.Get(ctx)
	if err != nil {
		fmt.Fprintf(ctx.App.Writer, "%v\n\n", err)
		cli.ShowSubcommandHelp(ctx)
		return cli.Exit("", 1)
	}

	urls, err := collectURLs(ctx)
	if err != nil {
		return err
	}
	if len(urls) == 0 {
		return cli.Exit("no URLs to prefetch", 1)
	}

	m, err := newManager(c)
	if err != nil {
		return err
	}

	sources := make([]halcyon.Source, 0, len(urls))
	for _, u := range urls {
		sources = append(sources, halcyon.URL(u))
	}

	runCtx, cancel := context.WithCancel(ctx.Context)
	defer cancel()

	var g errgroup.Group
	g.Go(serveMetrics(runCtx, c.MetricsAddress, c.ErrorLogger))

	var result halcyon.PrefetchResult
	g.Go(func() error {
		p := halcyon.NewPrefetcher(m, sources, c.MaxConcurrentDownloads,
			halcyon.WaitForCache())
		result = p.Run(runCtx, func(r halcyon.PrefetchResult, total int) {
			c.AccessLogger.Printf("PREFETCH %d/%d (completed %d, skipped %d, failed %d)",
				r.Finished(), total, len(r.Completed), len(r.Skipped), len(r.Failed))
		})
		cancel()
		return nil
	})

	if err := g.Wait(); err != nil {
		return err
	}

	log.Printf("Prefetched %d URL(s): completed %d, skipped %d, failed %d.",
		len(sources), len(result.Completed), len(result.Skipped), len(result.Failed))
	if len(result.Failed) > 0 {
		return cli.Exit("", 1)
	}
	return nil
}

func runGC(ctx *cli.Context) error {
	c, err := config.Get(ctx)
	if err != nil {
		fmt.Fprintf(ctx.App.Writer, "%v\n\n", err)
		cli.ShowSubcommandHelp(ctx)
		return cli.Exit("", 1)
	}

	dsk, err := disk.New(c.Dir,
		disk.WithSizeLimit(c.MaxDiskSizeBytes),
		disk.WithAccessLogger(c.AccessLogger),
		disk.WithErrorLogger(c.ErrorLogger),
	)
	if err != nil {
		return err
	}

	expired, err := dsk.RemoveExpired(time.Now())
	if err != nil {
		return err
	}
	evicted, err := dsk.RemoveSizeExceeded()
	if err != nil {
		return err
	}

	total, err := dsk.TotalSize()
	if err != nil {
		return err
	}

	entries, err := dsk.Entries()
	if err != nil {
		return err
	}
	oldest := time.Now()
	for _, e := range entries {
		if e.Accessed.Before(oldest) {
			oldest = e.Accessed
		}
	}

	log.Printf("Removed %d expired and %d size-exceeded entr(ies).", len(expired), len(evicted))
	log.Printf("Cache now holds %d entr(ies), %s on disk.", len(entries), humanize.Bytes(uint64(total)))
	if len(entries) > 0 {
		log.Printf("Oldest entry last accessed %s.", humanize.Time(oldest))
	}
	return nil
}

// collectURLs reads the subcommand arguments: either one file with a
// URL per line (blank lines and #-comments skipped), or URLs given
// directly.
func collectURLs(ctx *cli.Context) ([]string, error) {
	args := ctx.Args().Slice()
	if len(args) == 1 {
		if _, err := os.Stat(args[0]); err == nil {
			return readURLFile(args[0])
		}
	}
	return args, nil
}

func readURLFile(path string) ([]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var urls []string
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || line[0] == '#' {
			continue
		}
		urls = append(urls, line)
	}
	return urls, scanner.Err()
}
