package checkpoints

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"sort"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/tsawler/go-hansik/logging"
)

// File names inside a checkpoint directory.
const (
	BestFile    = "best_model.ckpt"
	LatestFile  = "latest_checkpoint.ckpt"
	epochPrefix = "checkpoint_epoch_"
	fileExt     = ".ckpt"
)

// EpochFile returns the per-epoch archive name, e.g. checkpoint_epoch_007.ckpt.
func EpochFile(epoch int) string {
	return fmt.Sprintf("%s%03d%s", epochPrefix, epoch, fileExt)
}

// ModelState is implemented by models whose weights can be restored.
type ModelState interface {
	LoadStateDict(StateDict) error
}

// BlobState is implemented by optimizers and schedulers.
type BlobState interface {
	LoadStateDict([]byte) error
}

// Mirror receives copies of the best and latest checkpoints.
type Mirror interface {
	Upload(ctx context.Context, localPath, name string) error
}

// StoreConfig configures a Store.
type StoreConfig struct {
	Dir    string
	Format CheckpointFormat
	// MaxCheckpoints bounds the number of per-epoch archives kept; 0 keeps all.
	// The best and latest files are never removed.
	MaxCheckpoints int
	Mirror         Mirror
	Logger         *zap.Logger
}

// Store writes and finds checkpoints in one directory. One training process
// per directory is assumed.
type Store struct {
	cfg StoreConfig
	log *zap.Logger
}

// NewStore creates the checkpoint directory if needed.
func NewStore(cfg StoreConfig) (*Store, error) {
	if cfg.Dir == "" {
		return nil, fmt.Errorf("checkpoint directory is required")
	}
	if err := os.MkdirAll(cfg.Dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create checkpoint directory: %w", err)
	}
	return &Store{cfg: cfg, log: logging.OrNop(cfg.Logger)}, nil
}

// Dir returns the checkpoint directory.
func (s *Store) Dir() string { return s.cfg.Dir }

// BestPath returns the path of the best-model file.
func (s *Store) BestPath() string { return filepath.Join(s.cfg.Dir, BestFile) }

// LatestPath returns the path of the latest-checkpoint file.
func (s *Store) LatestPath() string { return filepath.Join(s.cfg.Dir, LatestFile) }

// EpochPath returns the path of the archive for epoch.
func (s *Store) EpochPath(epoch int) string { return filepath.Join(s.cfg.Dir, EpochFile(epoch)) }

// Save writes the per-epoch archive, overwrites latest, and overwrites best
// when isBest is set. All files carry the same payload. Each file is
// replaced atomically, but the set is not: a crash between writes can leave
// latest and best describing different epochs.
func (s *Store) Save(ctx context.Context, c *Checkpoint, isBest bool) (string, error) {
	if c.CreatedAt.IsZero() {
		c.CreatedAt = time.Now().UTC()
	}

	data, err := Encode(c, s.cfg.Format)
	if err != nil {
		return "", err
	}

	epochPath := s.EpochPath(c.Epoch)
	if err := writeFileAtomic(epochPath, data); err != nil {
		return "", fmt.Errorf("failed to write checkpoint: %w", err)
	}

	mirrored := []string{LatestFile}
	if isBest {
		if err := writeFileAtomic(s.BestPath(), data); err != nil {
			return "", fmt.Errorf("failed to write best checkpoint: %w", err)
		}
		s.log.Info("best model saved", zap.Int("epoch", c.Epoch), zap.Float64("val_acc", c.BestValAcc))
		mirrored = append(mirrored, BestFile)
	}

	if err := writeFileAtomic(s.LatestPath(), data); err != nil {
		return "", fmt.Errorf("failed to write latest checkpoint: %w", err)
	}

	s.log.Debug("checkpoint saved", zap.String("path", epochPath), zap.Int("bytes", len(data)))

	if err := s.cleanupOldCheckpoints(); err != nil {
		s.log.Warn("failed to cleanup old checkpoints", zap.Error(err))
	}

	if s.cfg.Mirror != nil {
		for _, name := range mirrored {
			if err := s.cfg.Mirror.Upload(ctx, filepath.Join(s.cfg.Dir, name), name); err != nil {
				s.log.Warn("checkpoint mirror upload failed", zap.String("file", name), zap.Error(err))
			}
		}
	}

	return epochPath, nil
}

// cleanupOldCheckpoints removes the lowest-numbered epoch archives beyond
// MaxCheckpoints.
func (s *Store) cleanupOldCheckpoints() error {
	if s.cfg.MaxCheckpoints <= 0 {
		return nil
	}

	archives, err := listEpochFiles(s.cfg.Dir)
	if err != nil {
		return err
	}
	if len(archives) <= s.cfg.MaxCheckpoints {
		return nil
	}

	sort.Slice(archives, func(i, j int) bool { return archives[i].epoch < archives[j].epoch })
	for _, a := range archives[:len(archives)-s.cfg.MaxCheckpoints] {
		if err := os.Remove(a.path); err != nil {
			return fmt.Errorf("failed to remove old checkpoint %s: %w", a.path, err)
		}
	}
	return nil
}

// Load reads and validates a checkpoint. A missing file wraps ErrNotFound;
// anything unreadable as a checkpoint wraps ErrCorruptCheckpoint.
func Load(path string) (*Checkpoint, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, path)
		}
		return nil, fmt.Errorf("failed to read checkpoint: %w", err)
	}

	c, err := Decode(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return c, nil
}

// FindLatest returns the checkpoint a resume should start from: the latest
// file when present, else the most recently modified epoch archive. The
// embedded epoch number is not consulted. ok is false when the directory
// holds no checkpoints.
func FindLatest(dir string) (path string, ok bool, err error) {
	latest := filepath.Join(dir, LatestFile)
	if _, err := os.Stat(latest); err == nil {
		return latest, true, nil
	}

	archives, err := listEpochFiles(dir)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return "", false, nil
		}
		return "", false, err
	}
	if len(archives) == 0 {
		return "", false, nil
	}

	newest := archives[0]
	for _, a := range archives[1:] {
		if a.modTime.After(newest.modTime) || (a.modTime.Equal(newest.modTime) && a.path > newest.path) {
			newest = a
		}
	}
	return newest.path, true, nil
}

// StateValidator is implemented by blob states that can check a saved
// blob without applying it.
type StateValidator interface {
	ValidateStateDict([]byte) error
}

// Resume restores model, optimizer and scheduler from the checkpoint at
// path and returns the epoch to start from and the best validation
// accuracy so far. When classNames is non-empty it must equal the names
// stored in the checkpoint. Nothing is restored unless the file loads
// cleanly, the class names agree and every validating blob checks out.
func Resume(path string, classNames []string, model ModelState, optimizer, scheduler BlobState) (startEpoch int, bestValAcc float64, err error) {
	c, err := Load(path)
	if err != nil {
		return 0, 0, err
	}

	if len(classNames) > 0 && len(c.ClassNames) > 0 && !slices.Equal(classNames, c.ClassNames) {
		return 0, 0, fmt.Errorf("%w: checkpoint has %v, configured %v", ErrClassMismatch, c.ClassNames, classNames)
	}
	if err := validateBlob("optimizer", optimizer, c.OptimizerState); err != nil {
		return 0, 0, err
	}
	if err := validateBlob("scheduler", scheduler, c.SchedulerState); err != nil {
		return 0, 0, err
	}

	if err := model.LoadStateDict(c.ModelState); err != nil {
		return 0, 0, fmt.Errorf("failed to restore model: %w", err)
	}
	if optimizer != nil && c.OptimizerState != nil {
		if err := optimizer.LoadStateDict(c.OptimizerState); err != nil {
			return 0, 0, fmt.Errorf("failed to restore optimizer: %w", err)
		}
	}
	if scheduler != nil && c.SchedulerState != nil {
		if err := scheduler.LoadStateDict(c.SchedulerState); err != nil {
			return 0, 0, fmt.Errorf("failed to restore scheduler: %w", err)
		}
	}

	return c.Epoch + 1, c.BestValAcc, nil
}

func validateBlob(kind string, state BlobState, data []byte) error {
	v, ok := state.(StateValidator)
	if !ok || data == nil {
		return nil
	}
	if err := v.ValidateStateDict(data); err != nil {
		return fmt.Errorf("failed to restore %s: %w", kind, err)
	}
	return nil
}

type epochArchive struct {
	path    string
	epoch   int
	modTime time.Time
}

func listEpochFiles(dir string) ([]epochArchive, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}

	var archives []epochArchive
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasPrefix(name, epochPrefix) || !strings.HasSuffix(name, fileExt) {
			continue
		}
		epoch, err := strconv.Atoi(strings.TrimSuffix(strings.TrimPrefix(name, epochPrefix), fileExt))
		if err != nil {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		archives = append(archives, epochArchive{
			path:    filepath.Join(dir, name),
			epoch:   epoch,
			modTime: info.ModTime(),
		})
	}
	return archives, nil
}

// writeFileAtomic writes data to a temp file in the same directory and
// renames it over path.
func writeFileAtomic(path string, data []byte) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), "."+filepath.Base(path)+".tmp-*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return err
	}
	if err := os.Chmod(tmpName, 0644); err != nil {
		os.Remove(tmpName)
		return err
	}
	return os.Rename(tmpName, path)
}
