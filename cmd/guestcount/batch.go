package main

import (
	"context"
	"fmt"
	"io"

	"github.com/google/uuid"
	"github.com/nvr-ai/guestcount/detector"
	"github.com/nvr-ai/guestcount/util"
	"github.com/pkg/errors"
	"github.com/urfave/cli/v2"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"
)

// Summary aggregates the counts of one batch run.
type Summary struct {
	RunID    string
	Requests int
	Failed   int
	Average  float64
	Min      float64
	Max      float64
}

// Summarize computes the statistics of the successful counts.
func Summarize(runID string, counts []int, failed int) Summary {
	s := Summary{RunID: runID, Requests: len(counts) + failed, Failed: failed}
	if len(counts) == 0 {
		return s
	}

	xs := make([]float64, len(counts))
	for i, c := range counts {
		xs[i] = float64(c)
	}
	s.Average = stat.Mean(xs, nil)
	s.Min = floats.Min(xs)
	s.Max = floats.Max(xs)
	return s
}

// Write prints the summary as aligned key/value lines.
func (s Summary) Write(w io.Writer) error {
	_, err := fmt.Fprintf(w,
		"run:      %s\nrequests: %d\nfailed:   %d\naverage:  %.2f\nmin:      %.0f\nmax:      %.0f\n",
		s.RunID, s.Requests, s.Failed, s.Average, s.Min, s.Max)
	return err
}

// countFiles counts every file with at most workers calls in flight. Results keep the
// order of files; ok[i] is false when files[i] failed.
func countFiles(
	ctx context.Context,
	counter *detector.Counter,
	files []util.ImageFile,
	workers int,
	logger *zap.Logger,
) ([]int, []bool, error) {
	counts := make([]int, len(files))
	ok := make([]bool, len(files))

	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(workers)
	for i, file := range files {
		g.Go(func() error {
			count, err := counter.CountGuestsBytes(ctx, file.Data)
			if err != nil {
				if errors.Is(err, context.Canceled) {
					return err
				}
				logger.Warn("count failed", zap.String("path", file.Path), zap.Error(err))
				return nil
			}
			counts[i], ok[i] = count, true
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, nil, err
	}
	return counts, ok, nil
}

// BatchAction counts every image of a directory and prints the per-file counts and a summary.
func BatchAction(c *cli.Context) error {
	if c.NArg() != 1 {
		return errors.New("batch needs exactly one directory")
	}
	workers := c.Int(flagWorkers)
	if workers < 1 {
		return errors.Errorf("workers must be positive, got %d", workers)
	}

	files, err := util.LoadDirectoryImageFiles(c.Args().First())
	if err != nil {
		return err
	}

	counter, logger, err := openCounter(c)
	if err != nil {
		return err
	}
	defer logger.Sync() //nolint:errcheck
	defer counter.Close()

	runID := uuid.NewString()
	logger = logger.With(zap.String("run", runID))
	logger.Info("batch started", zap.Int("files", len(files)), zap.Int("workers", workers),
		zap.Bool("fallback", counter.Fallback()))

	counts, ok, err := countFiles(c.Context, counter, files, workers, logger)
	if err != nil {
		return err
	}

	var succeeded []int
	for i, file := range files {
		if !ok[i] {
			fmt.Fprintf(c.App.Writer, "%s\terror\n", file.Path)
			continue
		}
		fmt.Fprintf(c.App.Writer, "%s\t%d\n", file.Path, counts[i])
		succeeded = append(succeeded, counts[i])
	}

	return Summarize(runID, succeeded, len(files)-len(succeeded)).Write(c.App.Writer)
}
