package flat // import "code.cloudfoundry.org/flatfs/flat"

import (
	"context"
	"encoding/json"
	"io"
	"os"
	"time"

	"code.cloudfoundry.org/lager/v3"
	"github.com/opencontainers/go-digest"
	specsv1 "github.com/opencontainers/image-spec/specs-go/v1"
	errorspkg "github.com/pkg/errors"
)

const (
	MetricsUnpackTimeName = "UnpackTime"
	MetricsSquashTimeName = "SquashTime"
)

//go:generate counterfeiter . Discoverer
//go:generate counterfeiter . LayerStore
//go:generate counterfeiter . Squasher
//go:generate counterfeiter . Unpacker
//go:generate counterfeiter . Locksmith

// Layer is one filesystem diff in an image's ordered stack.
type Layer struct {
	// DiffID is the content-addressed identity of the layer's filesystem
	// diff. Two layers with equal DiffID share one extraction.
	DiffID digest.Digest `json:"diff_id"`

	// ArchiveLocation points at the layer's tar archive on disk.
	ArchiveLocation string `json:"archive_location"`

	Size int64 `json:"size"`

	// ExtractionRoot is empty until the layer has been materialized by a
	// LayerStore.
	ExtractionRoot string `json:"extraction_root,omitempty"`
}

// Image is one container image instance. Layers are ordered base-first;
// the order is the overlay application order and is never reshuffled.
type Image struct {
	ID       string   `json:"id"`
	Path     string   `json:"path"`
	RepoTags []string `json:"repo_tags,omitempty"`
	Layers   []Layer  `json:"layers"`

	// Config is the typed view of the image configuration blob.
	Config specsv1.Image `json:"config"`

	// RawConfig carries every configuration field as declared in the
	// source metadata, including ones Config does not model.
	RawConfig map[string]json.RawMessage `json:"-"`
}

type DiscoverSpec struct {
	// Path is a directory containing extracted image layouts, or an image
	// tarball.
	Path string

	// ExtractTo is where a tarball gets expanded. When empty, a temporary
	// directory is allocated and reported back through the second return
	// value of Discover.
	ExtractTo string
}

type Discoverer interface {
	Discover(ctx context.Context, logger lager.Logger, spec DiscoverSpec) ([]*Image, string, error)
}

type LayerStore interface {
	Materialize(ctx context.Context, logger lager.Logger, layer *Layer) (string, error)
	MaterializeAll(ctx context.Context, logger lager.Logger, image *Image, workerCount int) error
	Clean(logger lager.Logger) error
}

type Squasher interface {
	Squash(ctx context.Context, logger lager.Logger, image *Image, targetPath string) error
}

type UnpackSpec struct {
	Stream     io.Reader `json:"-"`
	TargetPath string
}

type UnpackOutput struct {
	BytesWritten   int64
	EntriesWritten int
}

type Unpacker interface {
	Unpack(ctx context.Context, logger lager.Logger, spec UnpackSpec) (UnpackOutput, error)
}

type Locksmith interface {
	Lock(key string) (*os.File, error)
	Unlock(lockFile *os.File) error
}

type MetricsEmitter interface {
	TryEmitDurationFrom(logger lager.Logger, name string, from time.Time)
}

type SquashSpec struct {
	ImagePath   string
	TargetPath  string
	WorkerCount int

	// RetainStore keeps the extraction roots around after the squash
	// instead of having the layer store clean them up.
	RetainStore bool
}

type ListSpec struct {
	ImagePath   string
	ExtractTo   string
	WorkerCount int
}

type Flattener struct {
	discoverer Discoverer
	layerStore LayerStore
	squasher   Squasher
}

func NewFlattener(discoverer Discoverer, layerStore LayerStore, squasher Squasher) *Flattener {
	return &Flattener{
		discoverer: discoverer,
		layerStore: layerStore,
		squasher:   squasher,
	}
}

// Squash discovers exactly one image under spec.ImagePath, materializes its
// layers and merges them into spec.TargetPath. Finding zero or multiple
// images fails before anything is written to the target.
func (f *Flattener) Squash(ctx context.Context, logger lager.Logger, spec SquashSpec) error {
	logger = logger.Session("flat-squashing", lager.Data{"imagePath": spec.ImagePath, "targetPath": spec.TargetPath})
	logger.Info("starting")
	defer logger.Info("ending")

	images, workDir, err := f.discoverer.Discover(ctx, logger, DiscoverSpec{Path: spec.ImagePath})
	if workDir != "" {
		defer func() {
			if err := os.RemoveAll(workDir); err != nil {
				logger.Error("removing-workdir-failed", err, lager.Data{"workDir": workDir})
			}
		}()
	}
	if err != nil {
		return errorspkg.Wrap(err, "discovering images")
	}

	if len(images) != 1 {
		return NewAmbiguousImageCountErr(len(images))
	}
	image := images[0]

	// extracted volumes are released whether or not the squash goes
	// through, unless the caller keeps the store
	if !spec.RetainStore {
		defer func() {
			if err := f.layerStore.Clean(logger); err != nil {
				logger.Error("cleaning-layer-store-failed", err)
			}
		}()
	}

	if err := f.layerStore.MaterializeAll(ctx, logger, image, spec.WorkerCount); err != nil {
		return errorspkg.Wrap(err, "materializing layers")
	}

	return f.squasher.Squash(ctx, logger, image, spec.TargetPath)
}

// List discovers all images under spec.ImagePath. With spec.ExtractTo set,
// tarballs are expanded there and every discovered image's layers are
// materialized. A single image failing to materialize is reported and
// skipped, the others go through.
func (f *Flattener) List(ctx context.Context, logger lager.Logger, spec ListSpec) ([]*Image, error) {
	logger = logger.Session("flat-listing", lager.Data{"imagePath": spec.ImagePath})
	logger.Info("starting")
	defer logger.Info("ending")

	images, workDir, err := f.discoverer.Discover(ctx, logger, DiscoverSpec{
		Path:      spec.ImagePath,
		ExtractTo: spec.ExtractTo,
	})
	if err != nil {
		return nil, errorspkg.Wrap(err, "discovering images")
	}
	if workDir != "" && spec.ExtractTo == "" {
		defer func() {
			if err := os.RemoveAll(workDir); err != nil {
				logger.Error("removing-workdir-failed", err, lager.Data{"workDir": workDir})
			}
		}()
	}

	if spec.ExtractTo == "" {
		return images, nil
	}

	materialized := []*Image{}
	for _, image := range images {
		if err := f.layerStore.MaterializeAll(ctx, logger, image, spec.WorkerCount); err != nil {
			logger.Error("materializing-image-failed", err, lager.Data{"imageID": image.ID})
			continue
		}
		materialized = append(materialized, image)
	}

	return materialized, nil
}
