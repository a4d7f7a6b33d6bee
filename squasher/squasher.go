package squasher // import "code.cloudfoundry.org/flatfs/squasher"

import (
	"context"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"code.cloudfoundry.org/flatfs/flat"
	"code.cloudfoundry.org/lager/v3"
	errorspkg "github.com/pkg/errors"
)

const (
	whiteoutPrefix = ".wh."
	opaqueWhiteout = ".wh..wh..opq"
)

// RootfsSquasher merges the materialized layers of one image into a single
// rootfs directory. Layers are applied strictly in order; each layer sees the
// accumulated state of all the layers before it.
type RootfsSquasher struct {
	metricsEmitter flat.MetricsEmitter
}

func NewRootfsSquasher(metricsEmitter flat.MetricsEmitter) *RootfsSquasher {
	return &RootfsSquasher{
		metricsEmitter: metricsEmitter,
	}
}

func (s *RootfsSquasher) Squash(ctx context.Context, logger lager.Logger, image *flat.Image, targetPath string) error {
	logger = logger.Session("squashing-rootfs", lager.Data{"imageID": image.ID, "targetPath": targetPath})
	logger.Info("starting")
	defer logger.Info("ending")
	defer s.metricsEmitter.TryEmitDurationFrom(logger, flat.MetricsSquashTimeName, time.Now())

	if len(image.Layers) == 0 {
		return flat.NewMalformedManifestErr(errorspkg.Errorf("image `%s` has no layers", image.ID))
	}

	if err := os.MkdirAll(targetPath, 0755); err != nil {
		return flat.NewExtractionIOErr(errorspkg.Wrapf(err, "making target directory `%s`", targetPath))
	}

	for i := range image.Layers {
		if err := ctx.Err(); err != nil {
			return err
		}

		layer := &image.Layers[i]
		if layer.ExtractionRoot == "" {
			return errorspkg.Errorf("layer `%s` has not been materialized", layer.DiffID)
		}

		logger.Debug("applying-layer", lager.Data{"index": i, "diffID": layer.DiffID})
		if err := s.applyWhiteouts(ctx, layer.ExtractionRoot, targetPath); err != nil {
			return err
		}
		if err := s.copyLayer(ctx, layer.ExtractionRoot, targetPath); err != nil {
			return err
		}
	}

	return nil
}

// applyWhiteouts walks one layer's extraction root and applies its deletion
// markers to the accumulated target before any of the layer's own content is
// copied. Opaque markers discard the whole directory content from earlier
// layers, single-file whiteouts remove one path. A whiteout for a path no
// earlier layer created is a no-op.
func (s *RootfsSquasher) applyWhiteouts(ctx context.Context, layerRoot, targetPath string) error {
	return filepath.WalkDir(layerRoot, func(entryPath string, entry fs.DirEntry, err error) error {
		if err != nil {
			return flat.NewExtractionIOErr(errorspkg.Wrap(err, "walking layer"))
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		if entry.IsDir() {
			return nil
		}

		base := filepath.Base(entryPath)
		if base != opaqueWhiteout && !strings.HasPrefix(base, whiteoutPrefix) {
			return nil
		}

		relDir, err := filepath.Rel(layerRoot, filepath.Dir(entryPath))
		if err != nil {
			return errorspkg.Wrap(err, "resolving whiteout directory")
		}

		if base == opaqueWhiteout {
			targetDir, err := resolveTargetPath(targetPath, relDir)
			if err != nil {
				return err
			}
			return cleanDirectory(targetDir)
		}

		deletedPath, err := resolveTargetPath(targetPath, filepath.Join(relDir, strings.TrimPrefix(base, whiteoutPrefix)))
		if err != nil {
			return err
		}
		if err := os.RemoveAll(deletedPath); err != nil {
			return flat.NewExtractionIOErr(errorspkg.Wrapf(err, "applying whiteout for `%s`", deletedPath))
		}

		return nil
	})
}

func (s *RootfsSquasher) copyLayer(ctx context.Context, layerRoot, targetPath string) error {
	hardlinks := map[hardlinkKey]string{}

	return filepath.WalkDir(layerRoot, func(entryPath string, entry fs.DirEntry, err error) error {
		if err != nil {
			return flat.NewExtractionIOErr(errorspkg.Wrap(err, "walking layer"))
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		if entryPath == layerRoot {
			return nil
		}

		base := filepath.Base(entryPath)
		if base == opaqueWhiteout || strings.HasPrefix(base, whiteoutPrefix) {
			return nil
		}

		relPath, err := filepath.Rel(layerRoot, entryPath)
		if err != nil {
			return errorspkg.Wrap(err, "resolving entry path")
		}
		dstPath, err := resolveTargetPath(targetPath, relPath)
		if err != nil {
			return err
		}

		info, err := entry.Info()
		if err != nil {
			return flat.NewExtractionIOErr(errorspkg.Wrap(err, "reading entry info"))
		}

		switch {
		case entry.IsDir():
			return mergeDirectory(dstPath, info)

		case info.Mode()&os.ModeSymlink != 0:
			return copySymlink(entryPath, dstPath, targetPath, relPath)

		case info.Mode().IsRegular():
			return copyRegularFile(entryPath, dstPath, info, hardlinks)
		}

		// sockets, devices and other special files are not representable
		// in the squashed tree
		return nil
	})
}

// mergeDirectory creates the directory if absent and refreshes its
// attributes if present. A non-directory occupying the path is overwritten.
func mergeDirectory(dstPath string, info fs.FileInfo) error {
	if existing, err := os.Lstat(dstPath); err == nil {
		if !existing.IsDir() {
			if err := os.Remove(dstPath); err != nil {
				return flat.NewExtractionIOErr(errorspkg.Wrapf(err, "replacing `%s` with directory", dstPath))
			}
			if err := os.Mkdir(dstPath, info.Mode().Perm()); err != nil {
				return flat.NewExtractionIOErr(errorspkg.Wrapf(err, "creating directory `%s`", dstPath))
			}
		}
	} else {
		if err := os.Mkdir(dstPath, info.Mode().Perm()); err != nil {
			return flat.NewExtractionIOErr(errorspkg.Wrapf(err, "creating directory `%s`", dstPath))
		}
	}

	if err := os.Chmod(dstPath, info.Mode().Perm()); err != nil {
		return flat.NewExtractionIOErr(errorspkg.Wrapf(err, "chmoding directory `%s`", dstPath))
	}
	if err := os.Chtimes(dstPath, info.ModTime(), info.ModTime()); err != nil {
		return flat.NewExtractionIOErr(errorspkg.Wrapf(err, "setting the modtime for directory `%s`", dstPath))
	}

	return nil
}

// copySymlink reproduces the symlink verbatim, never dereferencing it. Link
// targets that would resolve outside the target root are rejected.
func copySymlink(srcPath, dstPath, targetPath, relPath string) error {
	linkTarget, err := os.Readlink(srcPath)
	if err != nil {
		return flat.NewExtractionIOErr(errorspkg.Wrapf(err, "reading symlink `%s`", srcPath))
	}

	if !filepath.IsAbs(linkTarget) {
		resolved := filepath.Join(filepath.Dir(relPath), linkTarget)
		if _, err := resolveTargetPath(targetPath, resolved); err != nil {
			return err
		}
	}

	if _, err := os.Lstat(dstPath); err == nil {
		if err := os.RemoveAll(dstPath); err != nil {
			return flat.NewExtractionIOErr(errorspkg.Wrapf(err, "removing `%s`", dstPath))
		}
	}

	if err := os.Symlink(linkTarget, dstPath); err != nil {
		return flat.NewExtractionIOErr(errorspkg.Wrapf(err, "create symlink `%s` -> `%s`", linkTarget, dstPath))
	}

	return nil
}

func copyRegularFile(srcPath, dstPath string, info fs.FileInfo, hardlinks map[hardlinkKey]string) error {
	if existing, err := os.Lstat(dstPath); err == nil {
		if existing.IsDir() {
			if err := os.RemoveAll(dstPath); err != nil {
				return flat.NewExtractionIOErr(errorspkg.Wrapf(err, "replacing directory `%s` with file", dstPath))
			}
		} else {
			if err := os.Remove(dstPath); err != nil {
				return flat.NewExtractionIOErr(errorspkg.Wrapf(err, "removing `%s`", dstPath))
			}
		}
	}

	// files hardlinked together within the layer stay hardlinked in the
	// squashed tree
	if stat, ok := info.Sys().(*syscall.Stat_t); ok && stat.Nlink > 1 {
		key := hardlinkKey{dev: uint64(stat.Dev), ino: uint64(stat.Ino)}
		if original, ok := hardlinks[key]; ok {
			if err := os.Link(original, dstPath); err != nil {
				return flat.NewBrokenHardlinkErr(errorspkg.Wrapf(err, "linking `%s` to `%s`", dstPath, original))
			}
			return nil
		}
		hardlinks[key] = dstPath
	}

	srcFile, err := os.Open(srcPath)
	if err != nil {
		return flat.NewExtractionIOErr(errorspkg.Wrapf(err, "opening `%s`", srcPath))
	}
	defer srcFile.Close()

	dstFile, err := os.OpenFile(dstPath, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, info.Mode().Perm())
	if err != nil {
		return flat.NewExtractionIOErr(errorspkg.Wrapf(err, "creating file `%s`", dstPath))
	}

	if _, err := io.Copy(dstFile, srcFile); err != nil {
		dstFile.Close()
		return flat.NewExtractionIOErr(errorspkg.Wrapf(err, "writing to file `%s`", dstPath))
	}

	if err := dstFile.Close(); err != nil {
		return flat.NewExtractionIOErr(errorspkg.Wrapf(err, "closing file `%s`", dstPath))
	}

	if err := os.Chmod(dstPath, info.Mode().Perm()); err != nil {
		return flat.NewExtractionIOErr(errorspkg.Wrapf(err, "chmoding file `%s`", dstPath))
	}
	if err := os.Chtimes(dstPath, info.ModTime(), info.ModTime()); err != nil {
		return flat.NewExtractionIOErr(errorspkg.Wrapf(err, "setting the modtime for file `%s`", dstPath))
	}

	return nil
}

type hardlinkKey struct {
	dev uint64
	ino uint64
}

func cleanDirectory(path string) error {
	contents, err := os.ReadDir(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return flat.NewExtractionIOErr(errorspkg.Wrap(err, "reading opaque directory"))
	}

	for _, content := range contents {
		if err := os.RemoveAll(filepath.Join(path, content.Name())); err != nil {
			return flat.NewExtractionIOErr(errorspkg.Wrap(err, "cleaning up opaque directory"))
		}
	}

	return nil
}

// resolveTargetPath joins a layer-relative path onto the target root and
// rejects paths that normalize outside of it.
func resolveTargetPath(targetPath, relPath string) (string, error) {
	cleaned := filepath.Clean(relPath)
	if filepath.IsAbs(cleaned) || cleaned == ".." || strings.HasPrefix(cleaned, ".."+string(filepath.Separator)) {
		return "", flat.NewPathEscapeErr(errorspkg.Errorf("entry `%s` escapes the target root", relPath))
	}

	return filepath.Join(targetPath, cleaned), nil
}
