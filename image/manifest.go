package image // import "code.cloudfoundry.org/flatfs/image"

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"

	"code.cloudfoundry.org/flatfs/flat"
	"code.cloudfoundry.org/lager/v3"
	"github.com/opencontainers/go-digest"
	specsv1 "github.com/opencontainers/image-spec/specs-go/v1"
	errorspkg "github.com/pkg/errors"
)

const ManifestFileName = "manifest.json"

type manifestEntry struct {
	Config   string   `json:"Config"`
	RepoTags []string `json:"RepoTags"`
	Layers   []string `json:"Layers"`
}

// Parser turns a docker-save style manifest plus its configuration blob into
// Image entities. The order of layers in the manifest is the overlay
// application order and is preserved as-is.
type Parser struct {
}

func NewParser() *Parser {
	return &Parser{}
}

// Parse reads the manifest at manifestPath and produces one Image per
// manifest entry. A malformed entry is reported and skipped so the remaining
// images survive; the error is only surfaced when no entry parses at all.
func (p *Parser) Parse(logger lager.Logger, manifestPath string) ([]*flat.Image, error) {
	logger = logger.Session("parsing-manifest", lager.Data{"manifestPath": manifestPath})
	logger.Debug("starting")
	defer logger.Debug("ending")

	content, err := os.ReadFile(manifestPath)
	if err != nil {
		return nil, flat.NewMalformedManifestErr(errorspkg.Wrap(err, "reading manifest"))
	}

	var entries []manifestEntry
	if err := json.Unmarshal(content, &entries); err != nil {
		return nil, flat.NewMalformedManifestErr(errorspkg.Wrap(err, "decoding manifest"))
	}
	if len(entries) == 0 {
		return nil, flat.NewMalformedManifestErr(errorspkg.New("manifest declares no images"))
	}

	imageDir := filepath.Dir(manifestPath)
	images := make([]*flat.Image, 0, len(entries))
	var entryErr error
	for i, entry := range entries {
		image, err := p.parseEntry(imageDir, entry)
		if err != nil {
			logger.Error("parsing-manifest-entry-failed", err, lager.Data{"entryIndex": i})
			entryErr = err
			continue
		}
		images = append(images, image)
	}

	if len(images) == 0 {
		return nil, entryErr
	}

	return images, nil
}

func (p *Parser) parseEntry(imageDir string, entry manifestEntry) (*flat.Image, error) {
	if len(entry.Layers) == 0 {
		return nil, flat.NewMalformedManifestErr(errorspkg.New("manifest entry declares no layers"))
	}

	image := &flat.Image{
		ID:       imageID(entry),
		Path:     imageDir,
		RepoTags: entry.RepoTags,
	}

	var diffIDs []digest.Digest
	if entry.Config != "" {
		config, rawConfig, err := p.parseConfig(filepath.Join(imageDir, filepath.FromSlash(entry.Config)))
		if err != nil {
			return nil, err
		}
		image.Config = config
		image.RawConfig = rawConfig
		diffIDs = config.RootFS.DiffIDs
	}

	if len(diffIDs) > 0 && len(diffIDs) != len(entry.Layers) {
		return nil, flat.NewMalformedManifestErr(errorspkg.Errorf(
			"manifest declares %d layers but the configuration carries %d diff ids", len(entry.Layers), len(diffIDs)))
	}

	for i, layerRef := range entry.Layers {
		archiveLocation := filepath.Join(imageDir, filepath.FromSlash(layerRef))
		stat, err := os.Stat(archiveLocation)
		if err != nil {
			return nil, flat.NewMalformedManifestErr(errorspkg.Wrapf(err, "manifest references missing layer `%s`", layerRef))
		}

		var diffID digest.Digest
		if len(diffIDs) > 0 {
			diffID = diffIDs[i]
		} else {
			diffID = layerDiffID(layerRef)
		}

		image.Layers = append(image.Layers, flat.Layer{
			DiffID:          diffID,
			ArchiveLocation: archiveLocation,
			Size:            stat.Size(),
		})
	}

	return image, nil
}

// parseConfig reads the configuration blob twice over: once into the typed
// OCI image view and once into a raw field map so that fields the typed view
// does not model survive.
func (p *Parser) parseConfig(configPath string) (specsv1.Image, map[string]json.RawMessage, error) {
	content, err := os.ReadFile(configPath)
	if err != nil {
		return specsv1.Image{}, nil, flat.NewMalformedManifestErr(errorspkg.Wrap(err, "reading image configuration"))
	}

	var config specsv1.Image
	if err := json.Unmarshal(content, &config); err != nil {
		return specsv1.Image{}, nil, flat.NewMalformedManifestErr(errorspkg.Wrap(err, "decoding image configuration"))
	}

	var rawConfig map[string]json.RawMessage
	if err := json.Unmarshal(content, &rawConfig); err != nil {
		return specsv1.Image{}, nil, flat.NewMalformedManifestErr(errorspkg.Wrap(err, "decoding image configuration fields"))
	}

	return config, rawConfig, nil
}

func imageID(entry manifestEntry) string {
	if entry.Config != "" {
		base := filepath.Base(filepath.FromSlash(entry.Config))
		return strings.TrimSuffix(base, ".json")
	}

	return digest.FromString(strings.Join(entry.Layers, "\n")).Encoded()
}

// layerDiffID derives a layer identity when the configuration blob does not
// carry diff ids. Docker-save layouts name each layer directory after a
// sha256, which is reused verbatim; anything else gets digested.
func layerDiffID(layerRef string) digest.Digest {
	dirName := strings.Split(filepath.ToSlash(layerRef), "/")[0]
	candidate := digest.NewDigestFromEncoded(digest.SHA256, dirName)
	if err := candidate.Validate(); err == nil {
		return candidate
	}

	return digest.FromString(layerRef)
}
