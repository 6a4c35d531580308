package dataset

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
)

// ErrSourceNotFound is returned when the corpus root is missing or not a directory.
var ErrSourceNotFound = errors.New("source directory not found")

// validExtensions lists the accepted image suffixes. Matching is case-sensitive,
// so only the all-lower and all-upper spellings are accepted.
var validExtensions = map[string]struct{}{
	".jpg": {}, ".jpeg": {}, ".png": {},
	".JPG": {}, ".JPEG": {}, ".PNG": {},
}

// FoodClass is one leaf directory of the raw corpus.
type FoodClass struct {
	Name       string
	SourcePath string
	Category   string
}

// ImageRecord is a candidate training image.
type ImageRecord struct {
	Path string
	Size int64
}

// HasValidExtension reports whether name carries one of the accepted image suffixes.
func HasValidExtension(name string) bool {
	_, ok := validExtensions[filepath.Ext(name)]
	return ok
}

// ScanCorpus walks root/<category>/<class> and returns one FoodClass per
// class directory. Files at either level are ignored. An empty corpus is not
// an error.
func ScanCorpus(root string) ([]FoodClass, error) {
	info, err := os.Stat(root)
	if err != nil || !info.IsDir() {
		return nil, fmt.Errorf("%w: %s", ErrSourceNotFound, root)
	}

	categories, err := os.ReadDir(root)
	if err != nil {
		return nil, fmt.Errorf("failed to list categories: %w", err)
	}

	var classes []FoodClass
	for _, category := range categories {
		if !category.IsDir() {
			continue
		}
		categoryPath := filepath.Join(root, category.Name())

		entries, err := os.ReadDir(categoryPath)
		if err != nil {
			return nil, fmt.Errorf("failed to list classes in %s: %w", categoryPath, err)
		}

		for _, entry := range entries {
			if !entry.IsDir() {
				continue
			}
			classes = append(classes, FoodClass{
				Name:       entry.Name(),
				SourcePath: filepath.Join(categoryPath, entry.Name()),
				Category:   category.Name(),
			})
		}
	}

	return classes, nil
}

// ListValidImages returns the non-empty image files directly inside dir.
// A directory with no valid images yields an empty slice, not an error.
func ListValidImages(dir string) ([]ImageRecord, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("failed to list images in %s: %w", dir, err)
	}

	images := make([]ImageRecord, 0, len(entries))
	for _, entry := range entries {
		if entry.IsDir() || !HasValidExtension(entry.Name()) {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			continue
		}
		// Zero-byte files are left behind by interrupted downloads.
		if info.Size() <= 0 {
			continue
		}
		images = append(images, ImageRecord{
			Path: filepath.Join(dir, entry.Name()),
			Size: info.Size(),
		})
	}

	return images, nil
}
