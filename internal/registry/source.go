package registry

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/duneforge/workforce/internal/mission"
)

// Source provides worker definitions from wherever they physically live.
type Source interface {
	Reload() ([]*mission.Worker, error)
}

// DirSource loads worker definitions from a directory. Each subdirectory
// holds one worker: a worker.json file with id, name, description, tool
// scopes and model preference, and optionally a persona.md whose content
// overrides the description field.
type DirSource struct {
	dir string
}

// NewDirSource creates a source rooted at dir.
func NewDirSource(dir string) *DirSource {
	return &DirSource{dir: dir}
}

type workerDef struct {
	ID              string   `json:"id"`
	Name            string   `json:"name"`
	Description     string   `json:"description"`
	ToolScopes      []string `json:"tool_scopes"`
	ModelPreference string   `json:"model_preference"`
}

// Reload scans the directory. A missing directory yields an empty set
// rather than an error so a fresh deployment starts clean.
func (s *DirSource) Reload() ([]*mission.Worker, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read worker directory %s: %w", s.dir, err)
	}

	var workers []*mission.Worker
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		w, err := s.loadOne(filepath.Join(s.dir, entry.Name()))
		if err != nil {
			return nil, fmt.Errorf("load worker %s: %w", entry.Name(), err)
		}
		if w != nil {
			workers = append(workers, w)
		}
	}
	return workers, nil
}

func (s *DirSource) loadOne(dir string) (*mission.Worker, error) {
	data, err := os.ReadFile(filepath.Join(dir, "worker.json"))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read worker.json: %w", err)
	}

	var def workerDef
	if err := json.Unmarshal(data, &def); err != nil {
		return nil, fmt.Errorf("parse worker.json: %w", err)
	}
	if def.ID == "" {
		def.ID = filepath.Base(dir)
	}

	// persona.md, when present, replaces the description.
	if persona, err := os.ReadFile(filepath.Join(dir, "persona.md")); err == nil {
		if p := strings.TrimSpace(string(persona)); p != "" {
			def.Description = p
		}
	}

	return &mission.Worker{
		ID:              def.ID,
		Name:            def.Name,
		Description:     def.Description,
		ToolScopes:      def.ToolScopes,
		ModelPreference: def.ModelPreference,
	}, nil
}
