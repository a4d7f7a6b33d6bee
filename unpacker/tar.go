package unpacker // import "code.cloudfoundry.org/flatfs/unpacker"

import (
	"archive/tar"
	"bufio"
	"compress/gzip"
	"context"
	"io"
	"os"
	"path/filepath"
	"strings"

	"code.cloudfoundry.org/flatfs/flat"
	"code.cloudfoundry.org/lager/v3"
	errorspkg "github.com/pkg/errors"
)

// TarUnpacker reproduces a tar stream on local storage. It is a byte-faithful
// copy: whiteout marker entries are written out as the regular files they
// are, never interpreted. Whiteout semantics belong to the squasher.
type TarUnpacker struct {
}

func NewTarUnpacker() *TarUnpacker {
	return &TarUnpacker{}
}

func (u *TarUnpacker) Unpack(ctx context.Context, logger lager.Logger, spec flat.UnpackSpec) (flat.UnpackOutput, error) {
	logger = logger.Session("unpacking-with-tar", lager.Data{"targetPath": spec.TargetPath})
	logger.Debug("starting")
	defer logger.Debug("ending")

	if _, err := os.Stat(spec.TargetPath); err != nil {
		if err := os.MkdirAll(spec.TargetPath, 0755); err != nil {
			return flat.UnpackOutput{}, flat.NewExtractionIOErr(errorspkg.Wrapf(err, "making destination directory `%s`", spec.TargetPath))
		}
	}

	output := flat.UnpackOutput{}
	tarReader := tar.NewReader(spec.Stream)
	for {
		if err := ctx.Err(); err != nil {
			return output, err
		}

		tarHeader, err := tarReader.Next()
		if err == io.EOF {
			break
		} else if err != nil {
			return output, flat.NewArchiveReadErr(errorspkg.Wrap(err, "reading archive entry"))
		}

		entryPath, err := resolveEntryPath(spec.TargetPath, tarHeader.Name)
		if err != nil {
			return output, err
		}

		written, err := u.handleEntry(spec.TargetPath, entryPath, tarReader, tarHeader)
		if err != nil {
			return output, err
		}

		output.BytesWritten += written
		output.EntriesWritten++
	}

	return output, nil
}

func (u *TarUnpacker) handleEntry(targetPath, entryPath string, tarReader *tar.Reader, tarHeader *tar.Header) (int64, error) {
	switch tarHeader.Typeflag {
	case tar.TypeBlock, tar.TypeChar, tar.TypeFifo:
		// ignore devices
		return 0, nil

	case tar.TypeLink:
		return 0, u.createLink(targetPath, entryPath, tarHeader)

	case tar.TypeSymlink:
		return 0, u.createSymlink(entryPath, tarHeader)

	case tar.TypeDir:
		return 0, u.createDirectory(entryPath, tarHeader)

	case tar.TypeReg, tar.TypeRegA:
		return u.createRegularFile(entryPath, tarHeader, tarReader)
	}

	return 0, nil
}

func (u *TarUnpacker) createDirectory(path string, tarHeader *tar.Header) error {
	if info, err := os.Lstat(path); err != nil {
		if err = os.Mkdir(path, tarHeader.FileInfo().Mode()); err != nil {
			return flat.NewExtractionIOErr(errorspkg.Wrapf(err, "creating directory `%s`", path))
		}
	} else if !info.IsDir() {
		// a symlink or file from an earlier entry must not stand in for
		// the directory, chmod/chown below would go through it
		if err := os.Remove(path); err != nil {
			return flat.NewExtractionIOErr(errorspkg.Wrapf(err, "replacing `%s` with directory", path))
		}
		if err := os.Mkdir(path, tarHeader.FileInfo().Mode()); err != nil {
			return flat.NewExtractionIOErr(errorspkg.Wrapf(err, "creating directory `%s`", path))
		}
	}

	if os.Getuid() == 0 {
		if err := os.Chown(path, tarHeader.Uid, tarHeader.Gid); err != nil {
			return flat.NewExtractionIOErr(errorspkg.Wrapf(err, "chowning directory %d:%d `%s`", tarHeader.Uid, tarHeader.Gid, path))
		}
	}

	// we need to explicitly apply perms because mkdir is subject to umask
	if err := os.Chmod(path, tarHeader.FileInfo().Mode()); err != nil {
		return flat.NewExtractionIOErr(errorspkg.Wrapf(err, "chmoding directory `%s`", path))
	}

	if err := os.Chtimes(path, tarHeader.ModTime, tarHeader.ModTime); err != nil {
		return flat.NewExtractionIOErr(errorspkg.Wrapf(err, "setting the modtime for directory `%s`", path))
	}

	return nil
}

func (u *TarUnpacker) createSymlink(path string, tarHeader *tar.Header) error {
	if _, err := os.Lstat(path); err == nil {
		if err := os.Remove(path); err != nil {
			return flat.NewExtractionIOErr(errorspkg.Wrapf(err, "removing file `%s`", path))
		}
	}

	if err := os.Symlink(tarHeader.Linkname, path); err != nil {
		return flat.NewExtractionIOErr(errorspkg.Wrapf(err, "create symlink `%s` -> `%s`", tarHeader.Linkname, path))
	}

	return nil
}

func (u *TarUnpacker) createLink(targetPath, path string, tarHeader *tar.Header) error {
	linkTarget, err := resolveEntryPath(targetPath, tarHeader.Linkname)
	if err != nil {
		return err
	}

	if _, err := os.Lstat(linkTarget); err != nil {
		return flat.NewBrokenHardlinkErr(errorspkg.Errorf("hardlink `%s` points at `%s` which has not been materialized", path, tarHeader.Linkname))
	}

	if _, err := os.Lstat(path); err == nil {
		if err := os.Remove(path); err != nil {
			return flat.NewExtractionIOErr(errorspkg.Wrapf(err, "removing file `%s`", path))
		}
	}

	if err := os.Link(linkTarget, path); err != nil {
		return flat.NewExtractionIOErr(errorspkg.Wrapf(err, "create hardlink `%s` -> `%s`", tarHeader.Linkname, path))
	}

	return nil
}

func (u *TarUnpacker) createRegularFile(path string, tarHeader *tar.Header, tarReader *tar.Reader) (int64, error) {
	// opening through a symlink from an earlier entry would write outside
	// the target root
	if info, err := os.Lstat(path); err == nil && info.Mode()&os.ModeSymlink != 0 {
		if err := os.Remove(path); err != nil {
			return 0, flat.NewExtractionIOErr(errorspkg.Wrapf(err, "removing symlink `%s`", path))
		}
	}

	file, err := os.OpenFile(path, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, tarHeader.FileInfo().Mode())
	if err != nil {
		return 0, flat.NewExtractionIOErr(errorspkg.Wrapf(err, "creating file `%s`", path))
	}

	written, err := io.Copy(file, tarReader)
	if err != nil {
		file.Close()
		return 0, flat.NewArchiveReadErr(errorspkg.Wrapf(err, "reading contents of `%s`", tarHeader.Name))
	}

	if err := file.Close(); err != nil {
		return 0, flat.NewExtractionIOErr(errorspkg.Wrapf(err, "closing file `%s`", path))
	}

	if os.Getuid() == 0 {
		if err := os.Chown(path, tarHeader.Uid, tarHeader.Gid); err != nil {
			return 0, flat.NewExtractionIOErr(errorspkg.Wrapf(err, "chowning file %d:%d `%s`", tarHeader.Uid, tarHeader.Gid, path))
		}
	}

	// we need to explicitly apply perms because open is subject to umask
	if err := os.Chmod(path, tarHeader.FileInfo().Mode()); err != nil {
		return 0, flat.NewExtractionIOErr(errorspkg.Wrapf(err, "chmoding file `%s`", path))
	}

	if err := os.Chtimes(path, tarHeader.ModTime, tarHeader.ModTime); err != nil {
		return 0, flat.NewExtractionIOErr(errorspkg.Wrapf(err, "setting the modtime for file `%s`", path))
	}

	return written, nil
}

// resolveEntryPath joins an archive entry name onto the target root and
// rejects names that normalize outside of it. Names that survive the lexical
// check are then checked on disk: an earlier entry may have planted a symlink
// along the way, and descending through it would land outside the root.
func resolveEntryPath(targetPath, name string) (string, error) {
	cleaned := filepath.Clean(name)
	if filepath.IsAbs(cleaned) || cleaned == ".." || strings.HasPrefix(cleaned, ".."+string(filepath.Separator)) {
		return "", flat.NewPathEscapeErr(errorspkg.Errorf("entry `%s` escapes the target root", name))
	}

	entryPath := filepath.Join(targetPath, cleaned)
	if err := rejectSymlinkedParents(targetPath, filepath.Dir(entryPath), name); err != nil {
		return "", err
	}

	return entryPath, nil
}

// rejectSymlinkedParents lstats every path component between the target root
// and the entry's parent directory, refusing to descend through a symlink.
// Components that do not exist yet are safe: they get created as real
// directories during extraction.
func rejectSymlinkedParents(targetPath, parentPath, name string) error {
	if parentPath == targetPath {
		return nil
	}

	rel, err := filepath.Rel(targetPath, parentPath)
	if err != nil {
		return errorspkg.Wrap(err, "resolving entry parent")
	}

	currentPath := targetPath
	for _, component := range strings.Split(rel, string(filepath.Separator)) {
		currentPath = filepath.Join(currentPath, component)
		info, err := os.Lstat(currentPath)
		if err != nil {
			if os.IsNotExist(err) {
				return nil
			}
			return flat.NewExtractionIOErr(errorspkg.Wrapf(err, "inspecting `%s`", currentPath))
		}

		if info.Mode()&os.ModeSymlink != 0 {
			return flat.NewPathEscapeErr(errorspkg.Errorf("entry `%s` traverses symlink `%s`", name, component))
		}
	}

	return nil
}

var gzipMagic = []byte{0x1f, 0x8b}

// OpenArchive opens a layer archive for reading, transparently unwrapping
// gzip compression.
func OpenArchive(location string) (io.ReadCloser, error) {
	file, err := os.Open(location)
	if err != nil {
		return nil, flat.NewArchiveReadErr(errorspkg.Wrap(err, "opening archive"))
	}

	buffered := bufio.NewReader(file)
	magic, err := buffered.Peek(2)
	if err != nil || magic[0] != gzipMagic[0] || magic[1] != gzipMagic[1] {
		return &archiveStream{Reader: buffered, file: file}, nil
	}

	gzipReader, err := gzip.NewReader(buffered)
	if err != nil {
		file.Close()
		return nil, flat.NewArchiveReadErr(errorspkg.Wrap(err, "opening gzip stream"))
	}

	return &archiveStream{Reader: gzipReader, file: file, gzipReader: gzipReader}, nil
}

type archiveStream struct {
	io.Reader
	file       *os.File
	gzipReader *gzip.Reader
}

func (s *archiveStream) Close() error {
	if s.gzipReader != nil {
		s.gzipReader.Close()
	}
	return s.file.Close()
}
