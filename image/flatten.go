package image

import (
	"strconv"
	"strings"

	"code.cloudfoundry.org/flatfs/flat"
	units "github.com/docker/go-units"
)

// Row is one layer of one image, flattened for tabular reporting.
type Row struct {
	ImageID         string `json:"image_id"`
	RepoTags        string `json:"repo_tags"`
	LayerIndex      int    `json:"layer_index"`
	DiffID          string `json:"diff_id"`
	ArchiveLocation string `json:"archive_location"`
	Size            int64  `json:"size"`
	HumanSize       string `json:"human_size"`
	ExtractionRoot  string `json:"extraction_root"`
}

// FlattenImages turns images into one row per layer, in image order then
// layer order.
func FlattenImages(images []*flat.Image) []Row {
	rows := []Row{}
	for _, image := range images {
		for i, layer := range image.Layers {
			rows = append(rows, Row{
				ImageID:         image.ID,
				RepoTags:        strings.Join(image.RepoTags, " "),
				LayerIndex:      i,
				DiffID:          layer.DiffID.String(),
				ArchiveLocation: layer.ArchiveLocation,
				Size:            layer.Size,
				HumanSize:       units.HumanSize(float64(layer.Size)),
				ExtractionRoot:  layer.ExtractionRoot,
			})
		}
	}

	return rows
}

// RowHeaders are the CSV column names, in Values order.
func RowHeaders() []string {
	return []string{"image_id", "repo_tags", "layer_index", "diff_id", "archive_location", "size", "human_size", "extraction_root"}
}

func (r Row) Values() []string {
	return []string{
		r.ImageID,
		r.RepoTags,
		strconv.Itoa(r.LayerIndex),
		r.DiffID,
		r.ArchiveLocation,
		strconv.FormatInt(r.Size, 10),
		r.HumanSize,
		r.ExtractionRoot,
	}
}
