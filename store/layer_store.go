package store

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"code.cloudfoundry.org/flatfs/flat"
	"code.cloudfoundry.org/lager/v3"
	errorspkg "github.com/pkg/errors"
	shortid "github.com/ventu-io/go-shortid"
)

// ArchiveOpener opens a layer archive for streaming.
type ArchiveOpener func(location string) (io.ReadCloser, error)

// LayerStore materializes layer archives into per-layer extraction roots,
// content-addressed by diff ID. Materializing the same diff ID twice reuses
// the first extraction.
type LayerStore struct {
	storePath      string
	unpacker       flat.Unpacker
	archiveOpener  ArchiveOpener
	locksmith      flat.Locksmith
	metricsEmitter flat.MetricsEmitter
}

func NewLayerStore(storePath string, unpacker flat.Unpacker, archiveOpener ArchiveOpener, locksmith flat.Locksmith, metricsEmitter flat.MetricsEmitter) *LayerStore {
	return &LayerStore{
		storePath:      storePath,
		unpacker:       unpacker,
		archiveOpener:  archiveOpener,
		locksmith:      locksmith,
		metricsEmitter: metricsEmitter,
	}
}

// Materialize extracts the layer's archive into a volume named after its
// diff ID and reports the extraction root. The first caller for a given diff
// ID does the work under a per-ID lock, everybody else reuses the volume.
func (s *LayerStore) Materialize(ctx context.Context, logger lager.Logger, layer *flat.Layer) (string, error) {
	id := volumeID(layer)
	logger = logger.Session("materializing-layer", lager.Data{"diffID": layer.DiffID, "volumeID": id})
	logger.Debug("starting")
	defer logger.Debug("ending")

	volumePath := filepath.Join(s.storePath, VolumesDirName, id)
	if s.volumeExists(logger, volumePath) {
		layer.ExtractionRoot = volumePath
		return volumePath, nil
	}

	lockFile, err := s.locksmith.Lock(id)
	if err != nil {
		return "", errorspkg.Wrap(err, "acquiring lock")
	}
	defer s.locksmith.Unlock(lockFile)

	if s.volumeExists(logger, volumePath) {
		layer.ExtractionRoot = volumePath
		return volumePath, nil
	}

	if err := s.extractVolume(ctx, logger, layer, id, volumePath); err != nil {
		return "", err
	}

	layer.ExtractionRoot = volumePath
	return volumePath, nil
}

// MaterializeAll materializes every layer of the image, distributing distinct
// layers over a bounded pool of workers. Layer order is irrelevant here; it
// only matters to the squasher.
func (s *LayerStore) MaterializeAll(ctx context.Context, logger lager.Logger, image *flat.Image, workerCount int) error {
	logger = logger.Session("materializing-image", lager.Data{"imageID": image.ID, "workerCount": workerCount})
	logger.Debug("starting")
	defer logger.Debug("ending")

	if workerCount < 1 {
		workerCount = 1
	}

	jobs := make(chan *flat.Layer)
	errs := make(chan error, len(image.Layers))

	var wg sync.WaitGroup
	for i := 0; i < workerCount; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for layer := range jobs {
				_, err := s.Materialize(ctx, logger, layer)
				errs <- err
			}
		}()
	}

	for i := range image.Layers {
		jobs <- &image.Layers[i]
	}
	close(jobs)
	wg.Wait()
	close(errs)

	for err := range errs {
		if err != nil {
			return err
		}
	}

	return nil
}

// Destroy removes a single materialized volume.
func (s *LayerStore) Destroy(logger lager.Logger, layer *flat.Layer) error {
	logger = logger.Session("destroying-volume", lager.Data{"diffID": layer.DiffID})
	logger.Debug("starting")
	defer logger.Debug("ending")

	volumePath := filepath.Join(s.storePath, VolumesDirName, volumeID(layer))
	if err := os.RemoveAll(volumePath); err != nil {
		return errorspkg.Wrapf(err, "destroying volume `%s`", volumePath)
	}

	layer.ExtractionRoot = ""
	return nil
}

// Clean removes every materialized volume and any leftover temporary state.
func (s *LayerStore) Clean(logger lager.Logger) error {
	logger = logger.Session("cleaning-store", lager.Data{"storePath": s.storePath})
	logger.Debug("starting")
	defer logger.Debug("ending")

	for _, folder := range []string{VolumesDirName, TempDirName} {
		folderPath := filepath.Join(s.storePath, folder)
		entries, err := os.ReadDir(folderPath)
		if err != nil {
			if os.IsNotExist(err) {
				continue
			}
			return errorspkg.Wrapf(err, "reading store folder `%s`", folderPath)
		}

		for _, entry := range entries {
			if err := os.RemoveAll(filepath.Join(folderPath, entry.Name())); err != nil {
				return errorspkg.Wrapf(err, "removing `%s`", entry.Name())
			}
		}
	}

	return nil
}

func (s *LayerStore) extractVolume(ctx context.Context, logger lager.Logger, layer *flat.Layer, id, volumePath string) error {
	defer s.metricsEmitter.TryEmitDurationFrom(logger, flat.MetricsUnpackTimeName, time.Now())

	stream, err := s.archiveOpener(layer.ArchiveLocation)
	if err != nil {
		return errorspkg.Wrapf(err, "opening layer archive `%s`", layer.ArchiveLocation)
	}
	defer stream.Close()

	tempVolumePath, err := s.createTemporaryVolumeDirectory(id)
	if err != nil {
		return err
	}

	output, err := s.unpacker.Unpack(ctx, logger, flat.UnpackSpec{
		Stream:     stream,
		TargetPath: tempVolumePath,
	})
	if err != nil {
		if errD := os.RemoveAll(tempVolumePath); errD != nil {
			logger.Error("volume-cleanup-failed", errD)
		}
		return errorspkg.Wrapf(err, "unpacking layer `%s`", layer.DiffID)
	}
	logger.Debug("layer-unpacked", lager.Data{"bytesWritten": output.BytesWritten, "entriesWritten": output.EntriesWritten})

	if err := os.Rename(tempVolumePath, volumePath); err != nil {
		return errorspkg.Wrap(err, "moving volume to its final location")
	}

	return nil
}

func (s *LayerStore) createTemporaryVolumeDirectory(id string) (string, error) {
	sid, err := shortid.Generate()
	if err != nil {
		return "", errorspkg.Wrap(err, "generating volume id")
	}

	tempVolumePath := filepath.Join(s.storePath, VolumesDirName, fmt.Sprintf("%s-incomplete-%s", id, sid))
	if err := os.MkdirAll(tempVolumePath, 0755); err != nil {
		return "", flat.NewExtractionIOErr(errorspkg.Wrapf(err, "creating volume directory `%s`", tempVolumePath))
	}

	return tempVolumePath, nil
}

func (s *LayerStore) volumeExists(logger lager.Logger, volumePath string) bool {
	if _, err := os.Stat(volumePath); err == nil {
		logger.Debug("volume-exists", lager.Data{"volumePath": volumePath})
		return true
	}

	return false
}

func volumeID(layer *flat.Layer) string {
	return strings.Replace(layer.DiffID.String(), ":", "-", 1)
}
