package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"code.cloudfoundry.org/flatfs/commands"
	"code.cloudfoundry.org/flatfs/commands/config"
	"code.cloudfoundry.org/lager/v3"

	"github.com/urfave/cli/v2"
)

const version = "0.1.0"

func main() {
	flatfs := cli.NewApp()
	flatfs.Name = "flatfs"
	flatfs.Usage = "Inspect container images and squash their layers into a single rootfs"
	flatfs.Version = version

	flatfs.Flags = []cli.Flag{
		&cli.StringFlag{
			Name:  "config",
			Usage: "Path to a config file",
		},
		&cli.StringFlag{
			Name:  "store",
			Usage: "Path to the layer store directory",
		},
		&cli.IntFlag{
			Name:  "worker-count",
			Usage: "Number of concurrent layer extractions",
		},
		&cli.StringFlag{
			Name:  "metron-endpoint",
			Usage: "Metron endpoint used to send metrics",
		},
		&cli.StringFlag{
			Name:  "log-level",
			Usage: "Set logging level <debug|info|error|fatal>",
			Value: "info",
		},
	}

	flatfs.Commands = []*cli.Command{
		&commands.SquashCommand,
		&commands.ImagesCommand,
		&commands.DockerfilesCommand,
	}

	flatfs.Before = func(ctx *cli.Context) error {
		configBuilder, err := createConfigBuilder(ctx)
		if err != nil {
			return cli.Exit(err.Error(), 1)
		}
		cfg := configBuilder.Build()

		logger := lager.NewLogger("flatfs")
		logger.RegisterSink(lager.NewWriterSink(os.Stderr, logLevel(cfg.LogLevel)))

		ctx.App.Metadata["logger"] = logger
		ctx.App.Metadata["configBuilder"] = configBuilder

		return nil
	}

	runCtx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := flatfs.RunContext(runCtx, os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func createConfigBuilder(ctx *cli.Context) (*config.Builder, error) {
	configBuilder := config.NewBuilder()
	if ctx.IsSet("config") {
		var err error
		configBuilder, err = config.NewBuilderFromFile(ctx.String("config"))
		if err != nil {
			return nil, err
		}
	}

	configBuilder.WithStorePath(ctx.String("store")).
		WithWorkerCount(ctx.Int("worker-count")).
		WithMetronEndpoint(ctx.String("metron-endpoint"))
	if ctx.IsSet("log-level") {
		configBuilder.WithLogLevel(ctx.String("log-level"))
	}

	return configBuilder, nil
}

func logLevel(level string) lager.LogLevel {
	switch level {
	case "debug":
		return lager.DEBUG
	case "error":
		return lager.ERROR
	case "fatal":
		return lager.FATAL
	default:
		return lager.INFO
	}
}
