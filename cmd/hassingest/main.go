package main

import (
	"log/slog"
	"os"

	"github.com/urfave/cli/v2"
)

const serviceName = "hassingest"

var version = "dev"

func main() {
	app := &cli.App{
		Name:    serviceName,
		Usage:   "Stream Home Assistant events into a time-series store",
		Version: version,
		Commands: []*cli.Command{
			{
				Name:   "ingest",
				Usage:  "Subscribe to the hub, enrich events and deliver them to the store service",
				Action: func(c *cli.Context) error { return run(c.Context, modeIngest) },
			},
			{
				Name:   "store",
				Usage:  "Accept delivered events and write them to the time-series store",
				Action: func(c *cli.Context) error { return run(c.Context, modeStore) },
			},
			{
				Name:   "all",
				Usage:  "Run ingest and store in one process",
				Action: func(c *cli.Context) error { return run(c.Context, modeAll) },
			},
		},
	}

	if err := app.Run(os.Args); err != nil {
		slog.Error("service exited", "error", err)
		os.Exit(1)
	}
}
