package commands // import "code.cloudfoundry.org/flatfs/commands"

import (
	"path/filepath"

	"code.cloudfoundry.org/flatfs/commands/config"
	"code.cloudfoundry.org/flatfs/flat"
	imagepkg "code.cloudfoundry.org/flatfs/image"
	"code.cloudfoundry.org/flatfs/metrics"
	"code.cloudfoundry.org/flatfs/squasher"
	storepkg "code.cloudfoundry.org/flatfs/store"
	"code.cloudfoundry.org/flatfs/store/locksmith"
	"code.cloudfoundry.org/flatfs/unpacker"
	"code.cloudfoundry.org/lager/v3"
	"github.com/urfave/cli/v2"
)

func createFlattener(storePath string, metricsEmitter flat.MetricsEmitter) *flat.Flattener {
	tarUnpacker := unpacker.NewTarUnpacker()
	parser := imagepkg.NewParser()
	discoverer := imagepkg.NewDiscovery(parser, tarUnpacker, unpacker.OpenArchive)

	fileSystemLock := locksmith.NewFileSystem(filepath.Join(storePath, storepkg.LocksDirName))
	layerStore := storepkg.NewLayerStore(storePath, tarUnpacker, unpacker.OpenArchive, fileSystemLock, metricsEmitter)

	rootfsSquasher := squasher.NewRootfsSquasher(metricsEmitter)

	return flat.NewFlattener(discoverer, layerStore, rootfsSquasher)
}

func createMetricsEmitter(logger lager.Logger, cfg config.Config) flat.MetricsEmitter {
	if cfg.MetronEndpoint == "" {
		return metrics.NewNoopEmitter()
	}

	emitter, err := metrics.NewEmitter(cfg.MetronEndpoint)
	if err != nil {
		logger.Error("initializing-metrics-emitter-failed", err, lager.Data{"metronEndpoint": cfg.MetronEndpoint})
		return metrics.NewNoopEmitter()
	}

	return emitter
}

func commandConfig(ctx *cli.Context) config.Config {
	configBuilder := ctx.App.Metadata["configBuilder"].(*config.Builder)
	return configBuilder.Build()
}

func commandLogger(ctx *cli.Context, session string) lager.Logger {
	logger := ctx.App.Metadata["logger"].(lager.Logger)
	return logger.Session(session)
}
