package commands

import (
	"os"

	"code.cloudfoundry.org/flatfs/flat"
	"code.cloudfoundry.org/flatfs/store"
	"code.cloudfoundry.org/lager/v3"
	errorspkg "github.com/pkg/errors"
	"github.com/urfave/cli/v2"
)

var SquashCommand = cli.Command{
	Name:        "squash",
	Usage:       "squash <image-path> <target-dir>",
	Description: "Merges all layers of the image at <image-path> into a single rootfs under <target-dir>.",

	Action: func(ctx *cli.Context) error {
		logger := commandLogger(ctx, "squash")
		cfg := commandConfig(ctx)

		if ctx.NArg() != 2 {
			return cli.Exit("image path and target directory must be specified", 1)
		}
		imagePath := ctx.Args().Get(0)
		targetPath := ctx.Args().Get(1)

		storePath := cfg.StorePath
		retainStore := storePath != ""
		if storePath == "" {
			var err error
			storePath, err = os.MkdirTemp("", "flatfs-store-")
			if err != nil {
				logger.Error("allocating-store-failed", err)
				return cli.Exit(err.Error(), 1)
			}
			defer func() {
				if err := os.RemoveAll(storePath); err != nil {
					logger.Error("removing-store-failed", err, lager.Data{"storePath": storePath})
				}
			}()
		}

		if err := store.NewConfigurer().Ensure(logger, storePath); err != nil {
			logger.Error("ensuring-store-failed", err)
			return cli.Exit(err.Error(), 1)
		}

		metricsEmitter := createMetricsEmitter(logger, cfg)
		flattener := createFlattener(storePath, metricsEmitter)

		err := flattener.Squash(ctx.Context, logger, flat.SquashSpec{
			ImagePath:   imagePath,
			TargetPath:  targetPath,
			WorkerCount: cfg.WorkerCount,
			RetainStore: retainStore,
		})
		if err != nil {
			logger.Error("squashing-failed", err)
			if flat.IsAmbiguousImageCount(err) {
				return cli.Exit(errorspkg.Wrap(err, "can only squash exactly one image").Error(), 1)
			}
			return cli.Exit(err.Error(), 1)
		}

		return nil
	},
}
