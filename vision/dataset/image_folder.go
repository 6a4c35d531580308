package dataset

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

var (
	// ErrNoImages is returned when a partition holds no valid images at all.
	ErrNoImages = errors.New("no images found")
	// ErrUnknownClass is returned when a partition holds a class directory
	// missing from the explicit class list.
	ErrUnknownClass = errors.New("class not in class list")
)

// ImageFolderDataset represents one partition laid out as root/<class>/<image>.
type ImageFolderDataset struct {
	root       string
	imagePaths []string
	labels     []int
	classNames []string
	classToIdx map[string]int
}

// NewImageFolderDataset creates a dataset from a directory structure.
//
// When classNames is nil the classes are the sorted subdirectory names of
// root. Otherwise classNames fixes the label of every class, which is how the
// validation and test partitions are indexed consistently with training.
func NewImageFolderDataset(root string, classNames []string) (*ImageFolderDataset, error) {
	entries, err := os.ReadDir(root)
	if err != nil {
		return nil, fmt.Errorf("failed to list classes: %w", err)
	}

	var dirs []string
	for _, e := range entries {
		if e.IsDir() {
			dirs = append(dirs, e.Name())
		}
	}
	sort.Strings(dirs)

	if classNames == nil {
		classNames = dirs
	}

	dataset := &ImageFolderDataset{
		root:       root,
		classNames: append([]string(nil), classNames...),
		classToIdx: make(map[string]int, len(classNames)),
	}
	for i, name := range dataset.classNames {
		dataset.classToIdx[name] = i
	}

	for _, dir := range dirs {
		classIdx, ok := dataset.classToIdx[dir]
		if !ok {
			return nil, fmt.Errorf("%w: %q in %s", ErrUnknownClass, dir, root)
		}

		images, err := ListValidImages(filepath.Join(root, dir))
		if err != nil {
			return nil, err
		}
		for _, img := range images {
			dataset.imagePaths = append(dataset.imagePaths, img.Path)
			dataset.labels = append(dataset.labels, classIdx)
		}
	}

	if len(dataset.imagePaths) == 0 {
		return nil, fmt.Errorf("%w in %s", ErrNoImages, root)
	}

	return dataset, nil
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

// ClassNames returns a copy of the class list in label order.
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

// String returns a string representation of the dataset
func (d *ImageFolderDataset) String() string {
	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("ImageFolderDataset(%s): %d samples, %d classes\n", d.root, len(d.imagePaths), len(d.classNames)))
	sb.WriteString("Class distribution:\n")

	dist := d.ClassDistribution()
	for _, className := range d.classNames {
		sb.WriteString(fmt.Sprintf("  %s: %d samples\n", className, dist[className]))
	}

	return sb.String()
}
