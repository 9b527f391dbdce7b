// Package main is the guestcount command.
package main

import (
	"fmt"
	"os"

	"github.com/nvr-ai/guestcount/detector"
	"github.com/pkg/errors"
	"github.com/urfave/cli/v2"
	"go.uber.org/zap"
)

const (
	// Flags.
	flagConfig     = "config"
	flagModel      = "model"
	flagRuntimeLib = "runtime-lib"
	flagLogLevel   = "log-level"
	flagDebug      = "debug"
	flagWorkers    = "workers"
)

func main() {
	app := &cli.App{
		Name:  "guestcount",
		Usage: "count the people in still images with a YOLO detector",
		Flags: []cli.Flag{
			&cli.PathFlag{
				Name:    flagConfig,
				Aliases: []string{"c"},
				Usage:   "YAML configuration file",
			},
			&cli.PathFlag{
				Name:    flagModel,
				EnvVars: []string{"GUESTCOUNT_MODEL"},
				Usage:   "ONNX model file, overrides the configuration",
			},
			&cli.PathFlag{
				Name:  flagRuntimeLib,
				Usage: "onnxruntime shared library, overrides the configuration",
			},
			&cli.StringFlag{
				Name:  flagLogLevel,
				Value: "info",
				Usage: "debug, info, warn or error",
			},
			&cli.BoolFlag{
				Name:  flagDebug,
				Usage: "human readable logs at debug level",
			},
		},
		Commands: []*cli.Command{
			{
				Name:      "count",
				Usage:     "count the guests in each image",
				ArgsUsage: "IMAGE...",
				Action:    CountAction,
			},
			{
				Name:      "batch",
				Usage:     "count every image of a directory and print a summary",
				ArgsUsage: "DIR",
				Flags: []cli.Flag{
					&cli.IntFlag{
						Name:  flagWorkers,
						Value: 4,
						Usage: "number of images counted concurrently",
					},
				},
				Action: BatchAction,
			},
		},
	}

	if err := app.Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// newLogger builds a JSON production logger, or a console development logger with --debug.
func newLogger(c *cli.Context) (*zap.Logger, error) {
	if c.Bool(flagDebug) {
		return zap.NewDevelopment()
	}

	level, err := zap.ParseAtomicLevel(c.String(flagLogLevel))
	if err != nil {
		return nil, errors.Wrap(err, "parse log level")
	}
	cfg := zap.NewProductionConfig()
	cfg.Level = level
	return cfg.Build()
}

// loadConfig reads the configuration file, if any, and applies the flag overrides.
func loadConfig(c *cli.Context) (detector.Config, error) {
	cfg := detector.DefaultConfig()
	if path := c.Path(flagConfig); path != "" {
		var err error
		if cfg, err = detector.LoadConfig(path); err != nil {
			return cfg, err
		}
	}

	if model := c.Path(flagModel); model != "" {
		cfg.Engine.ModelPath = model
	}
	if lib := c.Path(flagRuntimeLib); lib != "" {
		cfg.Engine.SharedLibraryPath = lib
	}
	return cfg, nil
}

// openCounter wires the logger and configuration into a counter.
func openCounter(c *cli.Context) (*detector.Counter, *zap.Logger, error) {
	logger, err := newLogger(c)
	if err != nil {
		return nil, nil, err
	}

	cfg, err := loadConfig(c)
	if err != nil {
		return nil, nil, err
	}

	counter, err := detector.Open(cfg, detector.WithLogger(logger))
	if err != nil {
		return nil, nil, err
	}
	return counter, logger, nil
}

// CountAction counts the guests of every image given as argument.
func CountAction(c *cli.Context) error {
	if c.NArg() == 0 {
		return errors.New("count needs at least one image")
	}

	counter, logger, err := openCounter(c)
	if err != nil {
		return err
	}
	defer logger.Sync() //nolint:errcheck
	defer counter.Close()

	for _, path := range c.Args().Slice() {
		count, err := counter.CountGuests(c.Context, path)
		if err != nil {
			return err
		}
		fmt.Fprintf(c.App.Writer, "%s\t%d\n", path, count)
	}
	return nil
}
