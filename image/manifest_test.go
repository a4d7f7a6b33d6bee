package image_test

import (
	"archive/tar"
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"code.cloudfoundry.org/flatfs/flat"
	"code.cloudfoundry.org/flatfs/image"
	"code.cloudfoundry.org/lager/v3"
	"code.cloudfoundry.org/lager/v3/lagertest"
	"github.com/opencontainers/go-digest"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

func writeLayerArchive(path string, files map[string]string) {
	Expect(os.MkdirAll(filepath.Dir(path), 0755)).To(Succeed())

	buffer := bytes.NewBuffer([]byte{})
	tarWriter := tar.NewWriter(buffer)
	for name, contents := range files {
		Expect(tarWriter.WriteHeader(&tar.Header{
			Name:     name,
			Typeflag: tar.TypeReg,
			Mode:     0600,
			Size:     int64(len(contents)),
		})).To(Succeed())
		_, err := tarWriter.Write([]byte(contents))
		Expect(err).NotTo(HaveOccurred())
	}
	Expect(tarWriter.Close()).To(Succeed())
	Expect(os.WriteFile(path, buffer.Bytes(), 0600)).To(Succeed())
}

func writeJSON(path string, content interface{}) {
	serialized, err := json.Marshal(content)
	Expect(err).NotTo(HaveOccurred())
	Expect(os.WriteFile(path, serialized, 0600)).To(Succeed())
}

var _ = Describe("Parser", func() {
	var (
		logger   lager.Logger
		imageDir string
		parser   *image.Parser

		diffIDs []digest.Digest
	)

	writeImageLayout := func(dir string) string {
		Expect(os.MkdirAll(dir, 0755)).To(Succeed())
		writeLayerArchive(filepath.Join(dir, "layer-one", "layer.tar"), map[string]string{"a_file": "from-one"})
		writeLayerArchive(filepath.Join(dir, "layer-two", "layer.tar"), map[string]string{"b_file": "from-two"})

		diffIDs = []digest.Digest{digest.FromString("layer-one"), digest.FromString("layer-two")}
		writeJSON(filepath.Join(dir, "config.json"), map[string]interface{}{
			"architecture": "amd64",
			"rootfs": map[string]interface{}{
				"type":     "layers",
				"diff_ids": diffIDs,
			},
			"history_note": "kept-around",
		})

		manifestPath := filepath.Join(dir, "manifest.json")
		writeJSON(manifestPath, []map[string]interface{}{
			{
				"Config":   "config.json",
				"RepoTags": []string{"busybox:latest"},
				"Layers":   []string{"layer-one/layer.tar", "layer-two/layer.tar"},
			},
		})
		return manifestPath
	}

	BeforeEach(func() {
		var err error
		imageDir, err = os.MkdirTemp("", "image-")
		Expect(err).NotTo(HaveOccurred())

		logger = lagertest.NewTestLogger("test-parser")
		parser = image.NewParser()
	})

	AfterEach(func() {
		Expect(os.RemoveAll(imageDir)).To(Succeed())
	})

	It("produces one image with its layers in manifest order", func() {
		manifestPath := writeImageLayout(imageDir)

		images, err := parser.Parse(logger, manifestPath)
		Expect(err).NotTo(HaveOccurred())
		Expect(images).To(HaveLen(1))

		img := images[0]
		Expect(img.ID).To(Equal("config"))
		Expect(img.Path).To(Equal(imageDir))
		Expect(img.RepoTags).To(ConsistOf("busybox:latest"))
		Expect(img.Layers).To(HaveLen(2))
		Expect(img.Layers[0].DiffID).To(Equal(diffIDs[0]))
		Expect(img.Layers[1].DiffID).To(Equal(diffIDs[1]))
		Expect(img.Layers[0].ArchiveLocation).To(Equal(filepath.Join(imageDir, "layer-one", "layer.tar")))
		Expect(img.Layers[0].Size).To(BeNumerically(">", 0))
	})

	It("parses the configuration blob into the typed view", func() {
		manifestPath := writeImageLayout(imageDir)

		images, err := parser.Parse(logger, manifestPath)
		Expect(err).NotTo(HaveOccurred())
		Expect(images[0].Config.Architecture).To(Equal("amd64"))
		Expect(images[0].Config.RootFS.DiffIDs).To(Equal(diffIDs))
	})

	It("keeps configuration fields the typed view does not model", func() {
		manifestPath := writeImageLayout(imageDir)

		images, err := parser.Parse(logger, manifestPath)
		Expect(err).NotTo(HaveOccurred())

		raw, ok := images[0].RawConfig["history_note"]
		Expect(ok).To(BeTrue())
		Expect(string(raw)).To(Equal(`"kept-around"`))
	})

	Context("when the configuration carries no diff ids", func() {
		It("derives layer identities from the layer directory names", func() {
			hexName := "a3ed95caeb02ffe68cdd9fd84406680ae93d633cb16422d00e8a7c22955b46d4"
			writeLayerArchive(filepath.Join(imageDir, hexName, "layer.tar"), map[string]string{"a_file": "contents"})
			manifestPath := filepath.Join(imageDir, "manifest.json")
			writeJSON(manifestPath, []map[string]interface{}{
				{"Layers": []string{hexName + "/layer.tar"}},
			})

			images, err := parser.Parse(logger, manifestPath)
			Expect(err).NotTo(HaveOccurred())
			Expect(images[0].Layers[0].DiffID).To(Equal(digest.NewDigestFromEncoded(digest.SHA256, hexName)))
		})
	})

	Context("when one of several entries is malformed", func() {
		It("skips it and returns the entries that parse", func() {
			writeLayerArchive(filepath.Join(imageDir, "layer-one", "layer.tar"), map[string]string{"a_file": "contents"})
			manifestPath := filepath.Join(imageDir, "manifest.json")
			writeJSON(manifestPath, []map[string]interface{}{
				{"RepoTags": []string{"broken:latest"}, "Layers": []string{"nowhere/layer.tar"}},
				{"RepoTags": []string{"busybox:latest"}, "Layers": []string{"layer-one/layer.tar"}},
			})

			images, err := parser.Parse(logger, manifestPath)
			Expect(err).NotTo(HaveOccurred())
			Expect(images).To(HaveLen(1))
			Expect(images[0].RepoTags).To(ConsistOf("busybox:latest"))
		})
	})

	Describe("malformed manifests", func() {
		It("rejects a missing manifest", func() {
			_, err := parser.Parse(logger, filepath.Join(imageDir, "manifest.json"))
			Expect(flat.IsMalformedManifest(err)).To(BeTrue())
		})

		It("rejects a manifest that is not valid json", func() {
			manifestPath := filepath.Join(imageDir, "manifest.json")
			Expect(os.WriteFile(manifestPath, []byte("not-json"), 0600)).To(Succeed())

			_, err := parser.Parse(logger, manifestPath)
			Expect(flat.IsMalformedManifest(err)).To(BeTrue())
		})

		It("rejects a manifest that declares no images", func() {
			manifestPath := filepath.Join(imageDir, "manifest.json")
			writeJSON(manifestPath, []map[string]interface{}{})

			_, err := parser.Parse(logger, manifestPath)
			Expect(flat.IsMalformedManifest(err)).To(BeTrue())
		})

		It("rejects an entry that declares no layers", func() {
			manifestPath := filepath.Join(imageDir, "manifest.json")
			writeJSON(manifestPath, []map[string]interface{}{
				{"Config": "config.json", "Layers": []string{}},
			})

			_, err := parser.Parse(logger, manifestPath)
			Expect(flat.IsMalformedManifest(err)).To(BeTrue())
		})

		It("rejects an entry referencing a missing layer archive", func() {
			manifestPath := filepath.Join(imageDir, "manifest.json")
			writeJSON(manifestPath, []map[string]interface{}{
				{"Layers": []string{"nowhere/layer.tar"}},
			})

			_, err := parser.Parse(logger, manifestPath)
			Expect(flat.IsMalformedManifest(err)).To(BeTrue())
		})

		It("rejects a diff id count that does not match the layer count", func() {
			writeImageLayout(imageDir)
			writeJSON(filepath.Join(imageDir, "config.json"), map[string]interface{}{
				"rootfs": map[string]interface{}{
					"type":     "layers",
					"diff_ids": []digest.Digest{digest.FromString("only-one")},
				},
			})

			_, err := parser.Parse(logger, filepath.Join(imageDir, "manifest.json"))
			Expect(flat.IsMalformedManifest(err)).To(BeTrue())
			Expect(err.Error()).To(ContainSubstring(fmt.Sprintf("manifest declares %d layers", 2)))
		})
	})
})
