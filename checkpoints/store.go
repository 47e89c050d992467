package checkpoints

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/google/uuid"
)

const (
	latestName = "checkpoint"
	epochName  = "checkpoint_%04d"
)

// Store writes the checkpoints of one training run into a directory.
// Files written during a run share the store's run ID.
type Store struct {
	dir   string
	saver *CheckpointSaver
	runID string
}

// NewStore creates dir if needed and returns a store writing format into it.
func NewStore(dir string, format CheckpointFormat) (*Store, error) {
	if dir == "" {
		return nil, &StorageError{Op: "open", Path: dir, Err: fmt.Errorf("empty output directory")}
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, &StorageError{Op: "open", Path: dir, Err: err}
	}
	return &Store{
		dir:   dir,
		saver: NewCheckpointSaver(format),
		runID: uuid.NewString(),
	}, nil
}

func (s *Store) Dir() string   { return s.dir }
func (s *Store) RunID() string { return s.runID }

// LatestPath is the fixed location overwritten by SaveLatest.
func (s *Store) LatestPath() string {
	return filepath.Join(s.dir, latestName+"."+s.saver.Format().Extension())
}

// EpochPath is the location of the best-so-far snapshot for a 1-based epoch.
func (s *Store) EpochPath(epoch int) string {
	return filepath.Join(s.dir, fmt.Sprintf(epochName, epoch)+"."+s.saver.Format().Extension())
}

// SaveLatest overwrites the run's "latest" checkpoint.
func (s *Store) SaveLatest(cp *Checkpoint) (string, error) {
	path := s.LatestPath()
	s.stamp(cp)
	return path, s.saver.SaveCheckpoint(cp, path)
}

// SaveEpoch writes an epoch-numbered checkpoint using cp.TrainingState.Epoch.
func (s *Store) SaveEpoch(cp *Checkpoint) (string, error) {
	if cp == nil {
		return "", &StorageError{Op: "save", Path: s.dir, Err: fmt.Errorf("nil checkpoint")}
	}
	path := s.EpochPath(cp.TrainingState.Epoch)
	s.stamp(cp)
	return path, s.saver.SaveCheckpoint(cp, path)
}

// Load reads a checkpoint of either format.
func (s *Store) Load(path string) (*Checkpoint, error) {
	return s.saver.LoadCheckpoint(path)
}

func (s *Store) stamp(cp *Checkpoint) {
	if cp != nil && cp.Metadata.RunID == "" {
		cp.Metadata.RunID = s.runID
	}
}
