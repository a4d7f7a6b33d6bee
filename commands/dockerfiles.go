package commands

import (
	"encoding/csv"
	"encoding/json"
	"fmt"
	"os"

	dockerfilepkg "code.cloudfoundry.org/flatfs/dockerfile"
	"github.com/urfave/cli/v2"
)

var DockerfilesCommand = cli.Command{
	Name:        "dockerfiles",
	Usage:       "dockerfiles (--json|--csv) <dir>",
	Description: "Finds Dockerfile-like files under <dir> and prints their parsed instructions as JSON or CSV.",

	Flags: []cli.Flag{
		&cli.BoolFlag{
			Name:  "json",
			Usage: "Print information as JSON",
		},
		&cli.BoolFlag{
			Name:  "csv",
			Usage: "Print information as CSV",
		},
	},

	Action: func(ctx *cli.Context) error {
		logger := commandLogger(ctx, "dockerfiles")

		if ctx.NArg() != 1 {
			return cli.Exit("directory must be specified", 1)
		}
		if !ctx.Bool("json") && !ctx.Bool("csv") {
			return cli.Exit("at least one of --json or --csv is required", 1)
		}
		dir := ctx.Args().First()

		if _, err := os.Stat(dir); err != nil {
			logger.Error("accessing-directory-failed", err)
			return cli.Exit(err.Error(), 1)
		}

		dockerfiles, err := dockerfilepkg.Collect(ctx.Context, logger, dir)
		if err != nil {
			logger.Error("collecting-dockerfiles-failed", err)
			return cli.Exit(err.Error(), 1)
		}

		if ctx.Bool("json") {
			output, err := json.MarshalIndent(dockerfiles, "", "  ")
			if err != nil {
				return cli.Exit(err.Error(), 1)
			}
			fmt.Println(string(output))
		}

		if ctx.Bool("csv") {
			rows := dockerfilepkg.Flatten(dockerfiles)
			if len(rows) == 0 {
				return cli.Exit("no dockerfiles found", 1)
			}

			writer := csv.NewWriter(os.Stdout)
			if err := writer.Write(dockerfilepkg.RowHeaders()); err != nil {
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
		}

		return nil
	},
}
