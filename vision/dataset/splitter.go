package dataset

import (
	"context"
	"errors"
	"fmt"
	"io"
	"math/rand"
	"os"
	"path/filepath"
	"time"

	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/tsawler/go-hansik/logging"
	"github.com/tsawler/go-hansik/prompt"
)

// Split partition names, also used as output directory names.
const (
	SplitTrain      = "train"
	SplitValidation = "validation"
	SplitTest       = "test"
)

// ManifestFile is written at the target root after a successful run.
const ManifestFile = "split_manifest.yaml"

var (
	// ErrCancelled is returned when the overwrite confirmation is declined.
	ErrCancelled = errors.New("split cancelled")
	// ErrInvalidRatios is returned for ratios outside [0,1] or train+val > 1.
	ErrInvalidRatios = errors.New("invalid split ratios")
)

// Ratios are the fractions of each class assigned to the partitions. Test
// always receives the remainder, so Test is informational.
type Ratios struct {
	Train      float64 `yaml:"train"`
	Validation float64 `yaml:"validation"`
	Test       float64 `yaml:"test"`
}

// Validate checks that each ratio lies in [0,1] and train+validation <= 1.
func (r Ratios) Validate() error {
	for _, v := range []float64{r.Train, r.Validation, r.Test} {
		if v < 0 || v > 1 {
			return fmt.Errorf("%w: %+v", ErrInvalidRatios, r)
		}
	}
	if r.Train+r.Validation > 1 {
		return fmt.Errorf("%w: train+validation exceeds 1: %+v", ErrInvalidRatios, r)
	}
	return nil
}

// SplitCounts holds the number of images per partition.
type SplitCounts struct {
	Train      int `yaml:"train"`
	Validation int `yaml:"validation"`
	Test       int `yaml:"test"`
}

// Total returns the sum over the three partitions.
func (c SplitCounts) Total() int { return c.Train + c.Validation + c.Test }

// Add accumulates other into c.
func (c *SplitCounts) Add(other SplitCounts) {
	c.Train += other.Train
	c.Validation += other.Validation
	c.Test += other.Test
}

// SplitAssignment is a disjoint, exhaustive partition of one class's images.
type SplitAssignment struct {
	Train      []ImageRecord
	Validation []ImageRecord
	Test       []ImageRecord
}

// Counts returns the partition sizes.
func (a SplitAssignment) Counts() SplitCounts {
	return SplitCounts{Train: len(a.Train), Validation: len(a.Validation), Test: len(a.Test)}
}

// Partition cuts an already-shuffled image list: [0,trainEnd) is train,
// [trainEnd,valEnd) validation and [valEnd,n) test, with
// trainEnd = floor(n*train) and valEnd = trainEnd + floor(n*validation).
func Partition(images []ImageRecord, r Ratios) SplitAssignment {
	n := len(images)
	trainEnd := int(float64(n) * r.Train)
	valEnd := trainEnd + int(float64(n)*r.Validation)
	if valEnd > n {
		valEnd = n
	}
	return SplitAssignment{
		Train:      images[:trainEnd],
		Validation: images[trainEnd:valEnd],
		Test:       images[valEnd:],
	}
}

// ClassReport records the outcome for one class.
type ClassReport struct {
	Name        string `yaml:"name"`
	Category    string `yaml:"category"`
	SplitCounts `yaml:",inline"`
}

// SplitReport summarises a Process run. It is written to ManifestFile.
type SplitReport struct {
	Source    string         `yaml:"source"`
	Target    string         `yaml:"target"`
	Seed      int64          `yaml:"seed"`
	Ratios    Ratios         `yaml:"ratios"`
	CreatedAt time.Time      `yaml:"created_at"`
	Totals    SplitCounts    `yaml:"totals"`
	ClassDirs map[string]int `yaml:"class_dirs"`
	Classes   []ClassReport  `yaml:"classes"`
}

// SplitterConfig configures a Splitter.
type SplitterConfig struct {
	TargetDir string
	Ratios    Ratios
	Seed      int64
	// Confirm gates deletion of an existing TargetDir. A nil Confirmer declines.
	Confirm prompt.Confirmer
	// OnClass is called after each class has been copied.
	OnClass func(done, total int, class FoodClass, counts SplitCounts)
	Logger  *zap.Logger
}

// Splitter partitions a corpus into train/validation/test directories.
// One seeded generator is shared by all classes of a run, so each class
// consumes the next stretch of the same random stream.
type Splitter struct {
	cfg SplitterConfig
	rng *rand.Rand
	log *zap.Logger
}

// NewSplitter creates a Splitter after validating the ratios.
func NewSplitter(cfg SplitterConfig) (*Splitter, error) {
	if err := cfg.Ratios.Validate(); err != nil {
		return nil, err
	}
	if cfg.TargetDir == "" {
		return nil, fmt.Errorf("target directory is required")
	}
	return &Splitter{
		cfg: cfg,
		rng: rand.New(rand.NewSource(cfg.Seed)),
		log: logging.OrNop(cfg.Logger),
	}, nil
}

// SplitDir returns the output directory of a partition.
func (s *Splitter) SplitDir(split string) string {
	return filepath.Join(s.cfg.TargetDir, split)
}

// SplitAndCopy shuffles one class, partitions it and copies each file to
// target/<split>/<class>/<file>. A class without valid images returns zero
// counts and creates nothing.
func (s *Splitter) SplitAndCopy(class FoodClass) (SplitCounts, error) {
	images, err := ListValidImages(class.SourcePath)
	if err != nil {
		return SplitCounts{}, err
	}

	if len(images) == 0 {
		s.log.Warn("class has no valid images", zap.String("class", class.Name), zap.String("path", class.SourcePath))
		return SplitCounts{}, nil
	}

	s.rng.Shuffle(len(images), func(i, j int) {
		images[i], images[j] = images[j], images[i]
	})

	assignment := Partition(images, s.cfg.Ratios)
	splits := []struct {
		name   string
		images []ImageRecord
	}{
		{SplitTrain, assignment.Train},
		{SplitValidation, assignment.Validation},
		{SplitTest, assignment.Test},
	}

	for _, split := range splits {
		classDir := filepath.Join(s.SplitDir(split.name), class.Name)
		if err := os.MkdirAll(classDir, 0755); err != nil {
			return SplitCounts{}, fmt.Errorf("failed to create %s: %w", classDir, err)
		}
		for _, img := range split.images {
			dst := filepath.Join(classDir, filepath.Base(img.Path))
			if err := copyFile(img.Path, dst); err != nil {
				return SplitCounts{}, fmt.Errorf("failed to copy %s: %w", img.Path, err)
			}
		}
	}

	return assignment.Counts(), nil
}

// Process runs the full split of sourceRoot into the target directory.
// An existing target is only removed after confirmation. Copies completed
// before a failure are left on disk.
func (s *Splitter) Process(ctx context.Context, sourceRoot string) (*SplitReport, error) {
	info, err := os.Stat(sourceRoot)
	if err != nil || !info.IsDir() {
		return nil, fmt.Errorf("%w: %s", ErrSourceNotFound, sourceRoot)
	}

	target := s.cfg.TargetDir
	if _, err := os.Stat(target); err == nil {
		ok := false
		if s.cfg.Confirm != nil {
			ok, err = s.cfg.Confirm.Confirm(fmt.Sprintf("%s already exists. Delete it and continue?", target))
			if err != nil {
				return nil, fmt.Errorf("confirmation failed: %w", err)
			}
		}
		if !ok {
			return nil, ErrCancelled
		}
		if err := os.RemoveAll(target); err != nil {
			return nil, fmt.Errorf("failed to remove %s: %w", target, err)
		}
		s.log.Info("removed existing target", zap.String("target", target))
	}

	for _, split := range []string{SplitTrain, SplitValidation, SplitTest} {
		if err := os.MkdirAll(s.SplitDir(split), 0755); err != nil {
			return nil, fmt.Errorf("failed to create split directory: %w", err)
		}
	}

	classes, err := ScanCorpus(sourceRoot)
	if err != nil {
		return nil, err
	}
	s.log.Info("food classes found", zap.Int("classes", len(classes)), zap.String("source", sourceRoot))

	report := &SplitReport{
		Source:    sourceRoot,
		Target:    target,
		Seed:      s.cfg.Seed,
		Ratios:    s.cfg.Ratios,
		CreatedAt: time.Now().UTC(),
		ClassDirs: make(map[string]int),
		Classes:   make([]ClassReport, 0, len(classes)),
	}

	for i, class := range classes {
		if err := ctx.Err(); err != nil {
			return report, err
		}
		counts, err := s.SplitAndCopy(class)
		if err != nil {
			return report, err
		}
		report.Totals.Add(counts)
		report.Classes = append(report.Classes, ClassReport{Name: class.Name, Category: class.Category, SplitCounts: counts})
		if s.cfg.OnClass != nil {
			s.cfg.OnClass(i+1, len(classes), class, counts)
		}
	}

	for _, split := range []string{SplitTrain, SplitValidation, SplitTest} {
		n, err := countDirs(s.SplitDir(split))
		if err != nil {
			return report, err
		}
		report.ClassDirs[split] = n
	}

	if err := writeManifest(filepath.Join(target, ManifestFile), report); err != nil {
		return report, err
	}

	s.log.Info("split complete",
		zap.Int("train", report.Totals.Train),
		zap.Int("validation", report.Totals.Validation),
		zap.Int("test", report.Totals.Test))

	return report, nil
}

// ReadManifest loads a manifest written by Process.
func ReadManifest(path string) (*SplitReport, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var report SplitReport
	if err := yaml.Unmarshal(data, &report); err != nil {
		return nil, fmt.Errorf("failed to parse manifest: %w", err)
	}
	return &report, nil
}

func writeManifest(path string, report *SplitReport) error {
	data, err := yaml.Marshal(report)
	if err != nil {
		return fmt.Errorf("failed to encode manifest: %w", err)
	}
	return os.WriteFile(path, data, 0644)
}

func countDirs(dir string) (int, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return 0, err
	}
	n := 0
	for _, e := range entries {
		if e.IsDir() {
			n++
		}
	}
	return n, nil
}

// copyFile copies src to dst keeping permissions and modification time.
func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	info, err := in.Stat()
	if err != nil {
		return err
	}

	out, err := os.OpenFile(dst, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, info.Mode().Perm())
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	if err := out.Close(); err != nil {
		return err
	}

	return os.Chtimes(dst, info.ModTime(), info.ModTime())
}
