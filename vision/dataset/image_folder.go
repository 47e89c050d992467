package dataset

import (
	"context"
	"fmt"
	"math/rand"
	"os"
	"path/filepath"
	"strings"

	"github.com/tsawler/go-finetune/async"
	"github.com/tsawler/go-finetune/vision/preprocessing"
)

// ImageFolderDataset represents a dataset loaded from a directory structure
// where each subdirectory represents a class
type ImageFolderDataset struct {
	imagePaths []string
	labels     []int
	classNames []string
	classToIdx map[string]int
}

// NewImageFolderDataset creates a dataset from a directory structure.
// Classes are numbered in lexical order of their directory names.
func NewImageFolderDataset(root string, extensions []string) (*ImageFolderDataset, error) {
	return NewImageFolderDatasetWithClasses(root, nil, extensions)
}

// NewImageFolderDatasetWithClasses numbers classes by their position in
// classNames, so a validation folder can share a training folder's labels.
// Subdirectories not in classNames are an error. A nil classNames discovers
// the classes from root.
func NewImageFolderDatasetWithClasses(root string, classNames []string, extensions []string) (*ImageFolderDataset, error) {
	if len(extensions) == 0 {
		extensions = []string{".jpg", ".jpeg", ".png"}
	}

	dataset := &ImageFolderDataset{
		classToIdx: make(map[string]int),
	}
	for i, name := range classNames {
		dataset.classNames = append(dataset.classNames, name)
		dataset.classToIdx[name] = i
	}

	// Glob returns the class directories sorted
	classes, err := filepath.Glob(filepath.Join(root, "*"))
	if err != nil {
		return nil, fmt.Errorf("failed to list classes: %w", err)
	}

	for _, classPath := range classes {
		info, err := os.Stat(classPath)
		if err != nil || !info.IsDir() {
			continue
		}

		className := filepath.Base(classPath)
		classIdx, known := dataset.classToIdx[className]
		if !known {
			if classNames != nil {
				return nil, fmt.Errorf("class %q in %s is not a known class", className, root)
			}
			classIdx = len(dataset.classNames)
			dataset.classNames = append(dataset.classNames, className)
			dataset.classToIdx[className] = classIdx
		}

		entries, err := os.ReadDir(classPath)
		if err != nil {
			return nil, fmt.Errorf("failed to list %s: %w", classPath, err)
		}
		for _, e := range entries {
			if e.IsDir() || !hasExtension(e.Name(), extensions) {
				continue
			}
			dataset.imagePaths = append(dataset.imagePaths, filepath.Join(classPath, e.Name()))
			dataset.labels = append(dataset.labels, classIdx)
		}
	}

	if len(dataset.imagePaths) == 0 {
		return nil, fmt.Errorf("no images found in %s", root)
	}

	return dataset, nil
}

func hasExtension(name string, extensions []string) bool {
	ext := strings.ToLower(filepath.Ext(name))
	for _, e := range extensions {
		if ext == strings.ToLower(e) {
			return true
		}
	}
	return false
}

// Len returns the number of items in the dataset
func (d *ImageFolderDataset) Len() int {
	return len(d.imagePaths)
}

// GetItem returns the image path and label at the given index
func (d *ImageFolderDataset) GetItem(index int) (string, int, error) {
	if index < 0 || index >= len(d.imagePaths) {
		return "", 0, fmt.Errorf("index %d out of range [0, %d)", index, len(d.imagePaths))
	}
	return d.imagePaths[index], d.labels[index], nil
}

// NumClasses returns the number of classes
func (d *ImageFolderDataset) NumClasses() int {
	return len(d.classNames)
}

// ClassNames returns the list of class names
func (d *ImageFolderDataset) ClassNames() []string {
	return append([]string(nil), d.classNames...)
}

// ClassDistribution returns the distribution of samples per class
func (d *ImageFolderDataset) ClassDistribution() map[string]int {
	dist := make(map[string]int)
	for _, label := range d.labels {
		dist[d.classNames[label]]++
	}
	return dist
}

// Split splits the dataset into train and validation sets after a shuffle
// seeded by seed.
func (d *ImageFolderDataset) Split(trainRatio float64, seed int64) (*ImageFolderDataset, *ImageFolderDataset) {
	n := len(d.imagePaths)
	trainSize := int(float64(n) * trainRatio)
	indices := rand.New(rand.NewSource(seed)).Perm(n)
	return d.subset(indices[:trainSize]), d.subset(indices[trainSize:])
}

func (d *ImageFolderDataset) subset(indices []int) *ImageFolderDataset {
	subset := &ImageFolderDataset{
		imagePaths: make([]string, len(indices)),
		labels:     make([]int, len(indices)),
		classNames: d.classNames,
		classToIdx: d.classToIdx,
	}
	for i, idx := range indices {
		subset.imagePaths[i] = d.imagePaths[idx]
		subset.labels[i] = d.labels[idx]
	}
	return subset
}

// Load decodes every image at size x size and returns them as an in-memory
// dataset of [3, size, size] samples.
func (d *ImageFolderDataset) Load(ctx context.Context, size, workers int) (*async.Dataset, error) {
	images, err := preprocessing.PreprocessBatch(ctx, d.imagePaths, size, workers)
	if err != nil {
		return nil, err
	}

	samples := make([]async.Sample, len(images))
	for i, img := range images {
		samples[i] = async.Sample{Features: img.Data, Label: int32(d.labels[i])}
	}
	return async.NewDataset([]int{3, size, size}, samples)
}

// String returns a string representation of the dataset
func (d *ImageFolderDataset) String() string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "ImageFolderDataset: %d samples, %d classes\n", len(d.imagePaths), len(d.classNames))
	sb.WriteString("Class distribution:\n")

	dist := d.ClassDistribution()
	for _, className := range d.classNames {
		fmt.Fprintf(&sb, "  %s: %d samples\n", className, dist[className])
	}

	return sb.String()
}
