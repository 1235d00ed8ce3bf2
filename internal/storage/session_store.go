// internal/storage/session_store.go
package storage

import (
	"context"
	"errors"
	"fmt"
	"path"
	"sort"

	"github.com/Corphon/CrisisSimMCP/internal/models"
)

// SessionStore 会话持久化契约。Get 在会话不存在时返回 nil, nil
type SessionStore interface {
	Create(ctx context.Context, state *models.SimulationState) error
	Get(ctx context.Context, id string) (*models.SimulationState, error)
	Update(ctx context.Context, state *models.SimulationState) error
	Delete(ctx context.Context, id string) (bool, error)
	List(ctx context.Context) ([]*models.SimulationState, error)
	Close() error
}

const (
	simulationsDir = "simulations"
	simulationFile = "simulation.json"
)

// FileSessionStore 每个会话一个目录: simulations/<id>/simulation.json
type FileSessionStore struct {
	fs *FileStorage
}

// NewFileSessionStore 在 dataDir 下创建文件会话存储
func NewFileSessionStore(dataDir string) (*FileSessionStore, error) {
	fs, err := NewFileStorage(dataDir)
	if err != nil {
		return nil, err
	}
	return &FileSessionStore{fs: fs}, nil
}

func sessionDir(id string) string {
	return path.Join(simulationsDir, id)
}

func validSessionID(id string) error {
	if id == "" || id == "." || id == ".." || path.Base(id) != id {
		return fmt.Errorf("invalid simulation id %q", id)
	}
	return nil
}

func (s *FileSessionStore) Create(ctx context.Context, state *models.SimulationState) error {
	if state == nil {
		return errors.New("nil simulation state")
	}
	if err := validSessionID(state.SimulationID); err != nil {
		return err
	}
	if s.fs.FileExists(sessionDir(state.SimulationID), simulationFile) {
		return fmt.Errorf("simulation %s already exists", state.SimulationID)
	}
	return s.fs.SaveJSONFile(sessionDir(state.SimulationID), simulationFile, state)
}

func (s *FileSessionStore) Get(ctx context.Context, id string) (*models.SimulationState, error) {
	if validSessionID(id) != nil {
		return nil, nil
	}
	var state models.SimulationState
	if err := s.fs.LoadJSONFile(sessionDir(id), simulationFile, &state); err != nil {
		if errors.Is(err, ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}
	return &state, nil
}

func (s *FileSessionStore) Update(ctx context.Context, state *models.SimulationState) error {
	if state == nil {
		return errors.New("nil simulation state")
	}
	if err := validSessionID(state.SimulationID); err != nil {
		return err
	}
	return s.fs.SaveJSONFile(sessionDir(state.SimulationID), simulationFile, state)
}

func (s *FileSessionStore) Delete(ctx context.Context, id string) (bool, error) {
	if validSessionID(id) != nil {
		return false, nil
	}
	if err := s.fs.DeleteDir(sessionDir(id)); err != nil {
		if errors.Is(err, ErrNotExist) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

// List 按创建时间升序返回所有会话；损坏的文件被跳过
func (s *FileSessionStore) List(ctx context.Context) ([]*models.SimulationState, error) {
	ids, err := s.fs.ListDirs(simulationsDir)
	if err != nil {
		return nil, err
	}

	states := make([]*models.SimulationState, 0, len(ids))
	for _, id := range ids {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		state, err := s.Get(ctx, id)
		if err != nil || state == nil {
			continue
		}
		states = append(states, state)
	}
	sortByCreated(states)
	return states, nil
}

func (s *FileSessionStore) Close() error {
	s.fs.Close()
	return nil
}

func sortByCreated(states []*models.SimulationState) {
	sort.SliceStable(states, func(i, j int) bool {
		return states[i].CreatedAt.Before(states[j].CreatedAt)
	})
}
