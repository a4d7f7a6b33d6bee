package flat_test

import (
	"archive/tar"
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"

	"code.cloudfoundry.org/flatfs/flat"
	"code.cloudfoundry.org/flatfs/image"
	"code.cloudfoundry.org/flatfs/metrics"
	"code.cloudfoundry.org/flatfs/squasher"
	"code.cloudfoundry.org/flatfs/store"
	"code.cloudfoundry.org/flatfs/store/locksmith"
	"code.cloudfoundry.org/flatfs/unpacker"
	"code.cloudfoundry.org/lager/v3"
	"code.cloudfoundry.org/lager/v3/lagertest"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

type tarFile struct {
	name     string
	contents string
}

func writeTar(path string, files ...tarFile) {
	Expect(os.MkdirAll(filepath.Dir(path), 0755)).To(Succeed())

	buffer := bytes.NewBuffer([]byte{})
	tarWriter := tar.NewWriter(buffer)
	for _, file := range files {
		Expect(tarWriter.WriteHeader(&tar.Header{
			Name:     file.name,
			Typeflag: tar.TypeReg,
			Mode:     0600,
			Size:     int64(len(file.contents)),
		})).To(Succeed())
		_, err := tarWriter.Write([]byte(file.contents))
		Expect(err).NotTo(HaveOccurred())
	}
	Expect(tarWriter.Close()).To(Succeed())
	Expect(os.WriteFile(path, buffer.Bytes(), 0600)).To(Succeed())
}

func writeManifest(imageDir string, tag string, layerDirs ...string) {
	layers := []string{}
	for _, layerDir := range layerDirs {
		layers = append(layers, layerDir+"/layer.tar")
	}

	entry := map[string]interface{}{"Layers": layers}
	if tag != "" {
		entry["RepoTags"] = []string{tag}
	}

	serialized, err := json.Marshal([]map[string]interface{}{entry})
	Expect(err).NotTo(HaveOccurred())
	Expect(os.WriteFile(filepath.Join(imageDir, "manifest.json"), serialized, 0600)).To(Succeed())
}

var _ = Describe("Flattener", func() {
	var (
		logger    lager.Logger
		ctx       context.Context
		baseDir   string
		storePath string
		flattener *flat.Flattener
	)

	BeforeEach(func() {
		var err error
		baseDir, err = os.MkdirTemp("", "flattener-")
		Expect(err).NotTo(HaveOccurred())
		storePath = filepath.Join(baseDir, "store")
		Expect(store.NewConfigurer().Ensure(lagertest.NewTestLogger("configurer"), storePath)).To(Succeed())

		logger = lagertest.NewTestLogger("test-flattener")
		ctx = context.Background()

		parser := image.NewParser()
		tarUnpacker := unpacker.NewTarUnpacker()
		emitter := metrics.NewNoopEmitter()
		fileSystemLock := locksmith.NewFileSystem(filepath.Join(storePath, store.LocksDirName))
		layerStore := store.NewLayerStore(storePath, tarUnpacker, unpacker.OpenArchive, fileSystemLock, emitter)
		discovery := image.NewDiscovery(parser, tarUnpacker, unpacker.OpenArchive)

		flattener = flat.NewFlattener(discovery, layerStore, squasher.NewRootfsSquasher(emitter))
	})

	AfterEach(func() {
		Expect(os.RemoveAll(baseDir)).To(Succeed())
	})

	Describe("Squash", func() {
		var (
			imageDir   string
			targetPath string
		)

		BeforeEach(func() {
			imageDir = filepath.Join(baseDir, "images", "busybox")
			Expect(os.MkdirAll(imageDir, 0755)).To(Succeed())
			targetPath = filepath.Join(baseDir, "rootfs")
		})

		It("merges the image's layers into the target, last layer winning", func() {
			writeTar(filepath.Join(imageDir, "base", "layer.tar"),
				tarFile{name: "etc_issue", contents: "base"},
				tarFile{name: "kept", contents: "kept-contents"},
			)
			writeTar(filepath.Join(imageDir, "top", "layer.tar"),
				tarFile{name: "etc_issue", contents: "top"},
			)
			writeManifest(imageDir, "busybox:latest", "base", "top")

			Expect(flattener.Squash(ctx, logger, flat.SquashSpec{
				ImagePath:   imageDir,
				TargetPath:  targetPath,
				WorkerCount: 2,
			})).To(Succeed())

			contents, err := os.ReadFile(filepath.Join(targetPath, "etc_issue"))
			Expect(err).NotTo(HaveOccurred())
			Expect(string(contents)).To(Equal("top"))

			contents, err = os.ReadFile(filepath.Join(targetPath, "kept"))
			Expect(err).NotTo(HaveOccurred())
			Expect(string(contents)).To(Equal("kept-contents"))
		})

		It("honors whiteouts from upper layers", func() {
			writeTar(filepath.Join(imageDir, "base", "layer.tar"),
				tarFile{name: "doomed", contents: "to-be-deleted"},
				tarFile{name: "kept", contents: "kept-contents"},
			)
			writeTar(filepath.Join(imageDir, "top", "layer.tar"),
				tarFile{name: ".wh.doomed", contents: ""},
			)
			writeManifest(imageDir, "busybox:latest", "base", "top")

			Expect(flattener.Squash(ctx, logger, flat.SquashSpec{
				ImagePath:  imageDir,
				TargetPath: targetPath,
			})).To(Succeed())

			Expect(filepath.Join(targetPath, "doomed")).NotTo(BeAnExistingFile())
			Expect(filepath.Join(targetPath, ".wh.doomed")).NotTo(BeAnExistingFile())
			Expect(filepath.Join(targetPath, "kept")).To(BeARegularFile())
		})

		It("cleans the layer store afterwards", func() {
			writeTar(filepath.Join(imageDir, "base", "layer.tar"), tarFile{name: "a_file", contents: "contents"})
			writeManifest(imageDir, "busybox:latest", "base")

			Expect(flattener.Squash(ctx, logger, flat.SquashSpec{
				ImagePath:  imageDir,
				TargetPath: targetPath,
			})).To(Succeed())

			entries, err := os.ReadDir(filepath.Join(storePath, store.VolumesDirName))
			Expect(err).NotTo(HaveOccurred())
			Expect(entries).To(BeEmpty())
		})

		It("retains the layer store when asked to", func() {
			writeTar(filepath.Join(imageDir, "base", "layer.tar"), tarFile{name: "a_file", contents: "contents"})
			writeManifest(imageDir, "busybox:latest", "base")

			Expect(flattener.Squash(ctx, logger, flat.SquashSpec{
				ImagePath:   imageDir,
				TargetPath:  targetPath,
				RetainStore: true,
			})).To(Succeed())

			entries, err := os.ReadDir(filepath.Join(storePath, store.VolumesDirName))
			Expect(err).NotTo(HaveOccurred())
			Expect(entries).To(HaveLen(1))
		})

		Context("when squashing fails after the layers were materialized", func() {
			It("still cleans the layer store", func() {
				writeTar(filepath.Join(imageDir, "base", "layer.tar"), tarFile{name: "a_file", contents: "contents"})
				writeManifest(imageDir, "busybox:latest", "base")

				blockerPath := filepath.Join(baseDir, "blocker")
				Expect(os.WriteFile(blockerPath, []byte{}, 0600)).To(Succeed())

				err := flattener.Squash(ctx, logger, flat.SquashSpec{
					ImagePath:  imageDir,
					TargetPath: filepath.Join(blockerPath, "rootfs"),
				})
				Expect(err).To(HaveOccurred())

				entries, err := os.ReadDir(filepath.Join(storePath, store.VolumesDirName))
				Expect(err).NotTo(HaveOccurred())
				Expect(entries).To(BeEmpty())
			})
		})

		Context("when the path holds more than one image", func() {
			BeforeEach(func() {
				otherDir := filepath.Join(baseDir, "images", "alpine")
				Expect(os.MkdirAll(otherDir, 0755)).To(Succeed())
				writeTar(filepath.Join(imageDir, "base", "layer.tar"), tarFile{name: "a_file", contents: "contents"})
				writeManifest(imageDir, "busybox:latest", "base")
				writeTar(filepath.Join(otherDir, "base", "layer.tar"), tarFile{name: "b_file", contents: "contents"})
				writeManifest(otherDir, "alpine:3.17", "base")
			})

			It("fails without touching the target", func() {
				err := flattener.Squash(ctx, logger, flat.SquashSpec{
					ImagePath:  filepath.Join(baseDir, "images"),
					TargetPath: targetPath,
				})
				Expect(flat.IsAmbiguousImageCount(err)).To(BeTrue())
				Expect(err).To(MatchError("expected exactly one image, found 2"))
				Expect(targetPath).NotTo(BeADirectory())
			})
		})

		Context("when the path holds no image", func() {
			It("fails without touching the target", func() {
				err := flattener.Squash(ctx, logger, flat.SquashSpec{
					ImagePath:  imageDir,
					TargetPath: targetPath,
				})
				Expect(flat.IsAmbiguousImageCount(err)).To(BeTrue())
				Expect(err).To(MatchError("expected exactly one image, found 0"))
				Expect(targetPath).NotTo(BeADirectory())
			})
		})
	})

	Describe("List", func() {
		BeforeEach(func() {
			for _, name := range []string{"busybox", "alpine"} {
				dir := filepath.Join(baseDir, "images", name)
				Expect(os.MkdirAll(dir, 0755)).To(Succeed())
				writeTar(filepath.Join(dir, name+"-base", "layer.tar"), tarFile{name: "a_file", contents: name})
				writeManifest(dir, name+":latest", name+"-base")
			}
		})

		It("returns every discovered image without materializing", func() {
			images, err := flattener.List(ctx, logger, flat.ListSpec{
				ImagePath: filepath.Join(baseDir, "images"),
			})
			Expect(err).NotTo(HaveOccurred())
			Expect(images).To(HaveLen(2))

			for _, img := range images {
				Expect(img.Layers[0].ExtractionRoot).To(BeEmpty())
			}
		})

		It("materializes every image when an extraction directory is given", func() {
			images, err := flattener.List(ctx, logger, flat.ListSpec{
				ImagePath:   filepath.Join(baseDir, "images"),
				ExtractTo:   filepath.Join(baseDir, "extracted"),
				WorkerCount: 2,
			})
			Expect(err).NotTo(HaveOccurred())
			Expect(images).To(HaveLen(2))

			for _, img := range images {
				Expect(img.Layers[0].ExtractionRoot).NotTo(BeEmpty())
				Expect(filepath.Join(img.Layers[0].ExtractionRoot, "a_file")).To(BeARegularFile())
			}
		})

		It("skips an image whose layers cannot be materialized", func() {
			brokenDir := filepath.Join(baseDir, "images", "broken")
			Expect(os.MkdirAll(brokenDir, 0755)).To(Succeed())
			Expect(os.WriteFile(filepath.Join(brokenDir, "layer.tar"), []byte("not-a-tar"), 0600)).To(Succeed())
			writeManifestRaw := func() {
				serialized, err := json.Marshal([]map[string]interface{}{
					{"RepoTags": []string{"broken:latest"}, "Layers": []string{"layer.tar"}},
				})
				Expect(err).NotTo(HaveOccurred())
				Expect(os.WriteFile(filepath.Join(brokenDir, "manifest.json"), serialized, 0600)).To(Succeed())
			}
			writeManifestRaw()

			images, err := flattener.List(ctx, logger, flat.ListSpec{
				ImagePath: filepath.Join(baseDir, "images"),
				ExtractTo: filepath.Join(baseDir, "extracted"),
			})
			Expect(err).NotTo(HaveOccurred())

			tags := []string{}
			for _, img := range images {
				tags = append(tags, img.RepoTags...)
			}
			Expect(tags).To(ConsistOf("busybox:latest", "alpine:latest"))
		})
	})
})
