package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/ent0n29/foreman/internal/improve"
	"github.com/ent0n29/foreman/internal/tasks"
)

const (
	plansDir  = "plans"
	activeDir = "active"
	loopsDir  = "improve"
)

// FileStore keeps one JSON file per entity under a root directory.
type FileStore struct {
	mu   sync.Mutex
	root string
}

func NewFileStore(root string) (*FileStore, error) {
	root = strings.TrimSpace(root)
	if root == "" {
		return nil, errors.New("store directory is required")
	}
	for _, sub := range []string{plansDir, activeDir, loopsDir} {
		if err := os.MkdirAll(filepath.Join(root, sub), 0o700); err != nil {
			return nil, fmt.Errorf("create store directory: %w", err)
		}
	}
	return &FileStore{root: root}, nil
}

func (s *FileStore) planPath(conv tasks.ConversationID) string {
	return filepath.Join(s.root, plansDir, conv.String()+".json")
}

func (s *FileStore) loopPath(conv tasks.ConversationID) string {
	return filepath.Join(s.root, loopsDir, conv.String()+".json")
}

func (s *FileStore) activePath(id string) (string, error) {
	if id == "" || strings.ContainsAny(id, `/\`) || strings.HasPrefix(id, ".") {
		return "", fmt.Errorf("invalid active task id %q", id)
	}
	return filepath.Join(s.root, activeDir, id+".json"), nil
}

func (s *FileStore) SavePlan(_ context.Context, plan tasks.PendingPlan) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return atomicWriteJSON(s.planPath(plan.ConversationID), plan)
}

func (s *FileStore) LoadPlan(_ context.Context, conv tasks.ConversationID) (tasks.PendingPlan, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var plan tasks.PendingPlan
	if err := readJSON(s.planPath(conv), &plan); err != nil {
		return tasks.PendingPlan{}, err
	}
	return plan, nil
}

func (s *FileStore) DeletePlan(_ context.Context, conv tasks.ConversationID) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return removeFile(s.planPath(conv))
}

func (s *FileStore) SaveActiveTask(_ context.Context, rec tasks.ActiveTaskRecord) error {
	path, err := s.activePath(rec.ID)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return atomicWriteJSON(path, rec)
}

func (s *FileStore) DeleteActiveTask(_ context.Context, id string) error {
	path, err := s.activePath(id)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err = removeFile(path)
	return err
}

func (s *FileStore) ListActiveTasks(context.Context) ([]tasks.ActiveTaskRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []tasks.ActiveTaskRecord
	err := s.eachJSON(activeDir, func(path string) error {
		var rec tasks.ActiveTaskRecord
		if err := readJSON(path, &rec); err != nil {
			return err
		}
		out = append(out, rec)
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartedAt.Before(out[j].StartedAt) })
	return out, nil
}

func (s *FileStore) SaveLoopState(_ context.Context, state improve.State) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return atomicWriteJSON(s.loopPath(state.ConversationID), state)
}

func (s *FileStore) LoadLoopState(_ context.Context, conv tasks.ConversationID) (improve.State, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var state improve.State
	if err := readJSON(s.loopPath(conv), &state); err != nil {
		return improve.State{}, err
	}
	return state, nil
}

func (s *FileStore) DeleteLoopState(_ context.Context, conv tasks.ConversationID) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return removeFile(s.loopPath(conv))
}

func (s *FileStore) ListLoopStates(context.Context) ([]improve.State, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []improve.State
	err := s.eachJSON(loopsDir, func(path string) error {
		var state improve.State
		if err := readJSON(path, &state); err != nil {
			return err
		}
		out = append(out, state)
		return nil
	})
	if err != nil {
		return nil, err
	}
	sortStates(out)
	return out, nil
}

func (s *FileStore) Close() error { return nil }

// eachJSON visits the committed JSON files in sub, skipping in-flight temp files.
func (s *FileStore) eachJSON(sub string, fn func(path string) error) error {
	entries, err := os.ReadDir(filepath.Join(s.root, sub))
	if err != nil {
		return fmt.Errorf("read %s directory: %w", sub, err)
	}
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || strings.HasPrefix(name, ".") || filepath.Ext(name) != ".json" {
			continue
		}
		if err := fn(filepath.Join(s.root, sub, name)); err != nil {
			return err
		}
	}
	return nil
}

func readJSON(path string, v any) error {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return tasks.ErrStoreNotFound
	}
	if err != nil {
		return fmt.Errorf("read %s: %w", filepath.Base(path), err)
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("decode %s: %w", filepath.Base(path), err)
	}
	return nil
}
