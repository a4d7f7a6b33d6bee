package commands

import (
	"encoding/csv"
	"encoding/json"
	"fmt"
	"os"

	"code.cloudfoundry.org/flatfs/flat"
	imagepkg "code.cloudfoundry.org/flatfs/image"
	"code.cloudfoundry.org/flatfs/store"
	"github.com/urfave/cli/v2"
)

var ImagesCommand = cli.Command{
	Name:        "images",
	Usage:       "images [--csv] [--extract-to <path>] <image-path>",
	Description: "Lists images found at <image-path> as JSON, or as CSV rows with --csv. With --extract-to, tarballs are expanded there and layers extracted.",

	Flags: []cli.Flag{
		&cli.BoolFlag{
			Name:  "csv",
			Usage: "Print information as CSV instead of JSON",
		},
		&cli.StringFlag{
			Name:  "extract-to",
			Usage: "Expand tarballs and extract layers under this directory",
		},
	},

	Action: func(ctx *cli.Context) error {
		logger := commandLogger(ctx, "images")
		cfg := commandConfig(ctx)

		if ctx.NArg() != 1 {
			return cli.Exit("image path must be specified", 1)
		}
		imagePath := ctx.Args().First()
		extractTo := ctx.String("extract-to")

		storePath := cfg.StorePath
		if extractTo != "" {
			storePath = extractTo
			if err := store.NewConfigurer().Ensure(logger, storePath); err != nil {
				logger.Error("ensuring-store-failed", err)
				return cli.Exit(err.Error(), 1)
			}
		}

		metricsEmitter := createMetricsEmitter(logger, cfg)
		flattener := createFlattener(storePath, metricsEmitter)

		images, err := flattener.List(ctx.Context, logger, flat.ListSpec{
			ImagePath:   imagePath,
			ExtractTo:   extractTo,
			WorkerCount: cfg.WorkerCount,
		})
		if err != nil {
			logger.Error("listing-images-failed", err)
			return cli.Exit(err.Error(), 1)
		}

		if !ctx.Bool("csv") {
			output, err := json.MarshalIndent(images, "", "  ")
			if err != nil {
				return cli.Exit(err.Error(), 1)
			}
			fmt.Println(string(output))
			return nil
		}

		rows := imagepkg.FlattenImages(images)
		if len(rows) == 0 {
			return cli.Exit("no images found", 1)
		}

		writer := csv.NewWriter(os.Stdout)
		if err := writer.Write(imagepkg.RowHeaders()); err != nil {
			return cli.Exit(err.Error(), 1)
		}
		for _, row := range rows {
			if err := writer.Write(row.Values()); err != nil {
				return cli.Exit(err.Error(), 1)
			}
		}
		writer.Flush()
		if err := writer.Error(); err != nil {
			return cli.Exit(err.Error(), 1)
		}

		return nil
	},
}
