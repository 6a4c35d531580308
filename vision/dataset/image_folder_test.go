package dataset

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

// createTestDataset creates a temporary root/<class>/<image> structure
func createTestDataset(t *testing.T, classes []string, imagesPerClass int) string {
	tempDir := t.TempDir()

	for _, className := range classes {
		classDir := filepath.Join(tempDir, className)
		if err := os.MkdirAll(classDir, 0755); err != nil {
			t.Fatalf("Failed to create class directory %s: %v", classDir, err)
		}

		for i := 0; i < imagesPerClass; i++ {
			imagePath := filepath.Join(classDir, fmt.Sprintf("image_%d.jpg", i))
			if err := createMockImageFile(imagePath); err != nil {
				t.Fatalf("Failed to create mock image %s: %v", imagePath, err)
			}
		}
	}

	return tempDir
}

// createMockImageFile creates a simple file to simulate an image
func createMockImageFile(path string) error {
	file, err := os.Create(path)
	if err != nil {
		return err
	}
	defer file.Close()

	_, err = file.WriteString("mock image content")
	return err
}

func TestNewImageFolderDataset(t *testing.T) {
	t.Run("ValidDataset", func(t *testing.T) {
		classes := []string{"kimchi", "bibimbap", "japchae"}
		tempDir := createTestDataset(t, classes, 5)

		dataset, err := NewImageFolderDataset(tempDir, nil)
		if err != nil {
			t.Fatalf("Unexpected error: %v", err)
		}

		if dataset.Len() != 15 {
			t.Errorf("Expected 15 images, got %d", dataset.Len())
		}

		// Classes are discovered in sorted order
		want := []string{"bibimbap", "japchae", "kimchi"}
		got := dataset.ClassNames()
		for i := range want {
			if got[i] != want[i] {
				t.Errorf("Class %d: expected %s, got %s", i, want[i], got[i])
			}
		}
	})

	t.Run("ExplicitClassList", func(t *testing.T) {
		tempDir := createTestDataset(t, []string{"kimchi", "bibimbap"}, 2)

		// Training order differs from sorted order and lists a class that
		// has no directory in this partition.
		classNames := []string{"kimchi", "tteokbokki", "bibimbap"}
		dataset, err := NewImageFolderDataset(tempDir, classNames)
		if err != nil {
			t.Fatalf("Unexpected error: %v", err)
		}

		if dataset.NumClasses() != 3 {
			t.Errorf("Expected 3 classes, got %d", dataset.NumClasses())
		}

		for i := 0; i < dataset.Len(); i++ {
			path, label, _ := dataset.GetItem(i)
			className := filepath.Base(filepath.Dir(path))
			if classNames[label] != className {
				t.Errorf("Item %s labelled %d (%s)", path, label, classNames[label])
			}
		}
	})

	t.Run("UnknownClass", func(t *testing.T) {
		tempDir := createTestDataset(t, []string{"kimchi", "galbi"}, 1)

		_, err := NewImageFolderDataset(tempDir, []string{"kimchi"})
		if !errors.Is(err, ErrUnknownClass) {
			t.Errorf("Expected ErrUnknownClass, got %v", err)
		}
	})

	t.Run("FiltersInvalidFiles", func(t *testing.T) {
		tempDir := createTestDataset(t, []string{"kimchi"}, 2)
		classDir := filepath.Join(tempDir, "kimchi")

		os.WriteFile(filepath.Join(classDir, "notes.txt"), []byte("x"), 0644)
		os.WriteFile(filepath.Join(classDir, "empty.jpg"), nil, 0644)
		os.WriteFile(filepath.Join(classDir, "upper.PNG"), []byte("x"), 0644)
		os.WriteFile(filepath.Join(classDir, "mixed.Jpg"), []byte("x"), 0644)

		dataset, err := NewImageFolderDataset(tempDir, nil)
		if err != nil {
			t.Fatalf("Unexpected error: %v", err)
		}

		if dataset.Len() != 3 {
			t.Errorf("Expected 3 images, got %d", dataset.Len())
		}
	})

	t.Run("EmptyDirectory", func(t *testing.T) {
		tempDir := createTestDataset(t, []string{"kimchi"}, 0)

		_, err := NewImageFolderDataset(tempDir, nil)
		if !errors.Is(err, ErrNoImages) {
			t.Errorf("Expected ErrNoImages, got %v", err)
		}
	})

	t.Run("NonexistentDirectory", func(t *testing.T) {
		_, err := NewImageFolderDataset("/nonexistent/directory", nil)
		if err == nil {
			t.Error("Expected error for nonexistent directory")
		}
	})
}

func TestImageFolderDatasetGetItem(t *testing.T) {
	tempDir := createTestDataset(t, []string{"kimchi", "galbi"}, 3)
	dataset, err := NewImageFolderDataset(tempDir, nil)
	if err != nil {
		t.Fatalf("Failed to create dataset: %v", err)
	}

	t.Run("ValidIndices", func(t *testing.T) {
		for i := 0; i < dataset.Len(); i++ {
			path, label, err := dataset.GetItem(i)
			if err != nil {
				t.Errorf("Unexpected error for index %d: %v", i, err)
			}
			if path == "" {
				t.Errorf("Empty path for index %d", i)
			}
			if label < 0 || label >= dataset.NumClasses() {
				t.Errorf("Invalid label %d for index %d", label, i)
			}
		}
	})

	t.Run("InvalidIndices", func(t *testing.T) {
		for _, idx := range []int{-1, dataset.Len(), dataset.Len() + 10} {
			if _, _, err := dataset.GetItem(idx); err == nil {
				t.Errorf("Expected error for index %d", idx)
			}
		}
	})
}

func TestImageFolderDatasetString(t *testing.T) {
	tempDir := createTestDataset(t, []string{"kimchi", "galbi"}, 2)
	dataset, err := NewImageFolderDataset(tempDir, nil)
	if err != nil {
		t.Fatalf("Failed to create dataset: %v", err)
	}

	dist := dataset.ClassDistribution()
	if dist["kimchi"] != 2 || dist["galbi"] != 2 {
		t.Errorf("Unexpected distribution: %v", dist)
	}

	s := dataset.String()
	if !strings.Contains(s, "4 samples, 2 classes") {
		t.Errorf("Unexpected summary: %s", s)
	}
}
