package image

import (
	"context"
	"io"
	"io/fs"
	"os"
	"path/filepath"

	"code.cloudfoundry.org/flatfs/flat"
	"code.cloudfoundry.org/lager/v3"
	errorspkg "github.com/pkg/errors"
)

// ArchiveOpener opens an image tarball for streaming.
type ArchiveOpener func(location string) (io.ReadCloser, error)

// Discovery locates images below a directory tree or inside an image
// tarball. Tarballs are expanded first and then treated as the directory
// case.
type Discovery struct {
	parser        *Parser
	unpacker      flat.Unpacker
	archiveOpener ArchiveOpener
}

func NewDiscovery(parser *Parser, unpacker flat.Unpacker, archiveOpener ArchiveOpener) *Discovery {
	return &Discovery{
		parser:        parser,
		unpacker:      unpacker,
		archiveOpener: archiveOpener,
	}
}

// Discover returns every image found under spec.Path. The second return
// value names the temporary directory allocated for tarball expansion, empty
// when none was; its removal is the caller's business once the images are no
// longer referenced.
func (d *Discovery) Discover(ctx context.Context, logger lager.Logger, spec flat.DiscoverSpec) ([]*flat.Image, string, error) {
	logger = logger.Session("discovering-images", lager.Data{"path": spec.Path})
	logger.Info("starting")
	defer logger.Info("ending")

	stat, err := os.Stat(spec.Path)
	if err != nil {
		return nil, "", errorspkg.Wrap(err, "accessing image path")
	}

	scanDir := spec.Path
	workDir := ""
	if !stat.IsDir() {
		extractTo := spec.ExtractTo
		if extractTo == "" {
			extractTo, err = os.MkdirTemp("", "flatfs-images-")
			if err != nil {
				return nil, "", flat.NewExtractionIOErr(errorspkg.Wrap(err, "allocating extraction directory"))
			}
			workDir = extractTo
		}

		if err := d.expandTarball(ctx, logger, spec.Path, extractTo); err != nil {
			return nil, workDir, err
		}
		scanDir = extractTo
	}

	images := []*flat.Image{}
	err = d.Walk(ctx, logger, scanDir, func(image *flat.Image) error {
		images = append(images, image)
		return nil
	})

	return images, workDir, err
}

// Walk scans dir for manifest files and hands each discovered image to fn as
// it is found, without accumulating them. A manifest that fails to parse is
// reported and skipped; the walk continues with the remaining images.
func (d *Discovery) Walk(ctx context.Context, logger lager.Logger, dir string, fn func(*flat.Image) error) error {
	return filepath.WalkDir(dir, func(path string, entry fs.DirEntry, err error) error {
		if err != nil {
			return errorspkg.Wrap(err, "scanning for manifests")
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		if entry.IsDir() || entry.Name() != ManifestFileName {
			return nil
		}

		images, err := d.parser.Parse(logger, path)
		if err != nil {
			logger.Error("parsing-manifest-failed", err, lager.Data{"manifestPath": path})
			return nil
		}

		for _, image := range images {
			if err := fn(image); err != nil {
				return err
			}
		}

		return nil
	})
}

func (d *Discovery) expandTarball(ctx context.Context, logger lager.Logger, tarballPath, extractTo string) error {
	logger = logger.Session("expanding-tarball", lager.Data{"tarballPath": tarballPath, "extractTo": extractTo})
	logger.Info("starting")
	defer logger.Info("ending")

	stream, err := d.archiveOpener(tarballPath)
	if err != nil {
		return errorspkg.Wrap(err, "opening image tarball")
	}
	defer stream.Close()

	output, err := d.unpacker.Unpack(ctx, logger, flat.UnpackSpec{
		Stream:     stream,
		TargetPath: extractTo,
	})
	if err != nil {
		return errorspkg.Wrap(err, "expanding image tarball")
	}
	logger.Debug("tarball-expanded", lager.Data{"bytesWritten": output.BytesWritten, "entriesWritten": output.EntriesWritten})

	return nil
}
