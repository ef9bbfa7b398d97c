package audit

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// FileBackup writes events as JSON files.
type FileBackup struct {
	dir string
}

func NewFileBackup(dir string) (*FileBackup, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("create audit dir: %w", err)
	}
	return &FileBackup{dir: dir}, nil
}

// Save writes evt to {source}_{finished}_{run_id}.json and returns the path.
func (f *FileBackup) Save(evt *Event) (string, error) {
	name := fmt.Sprintf("%s_%s_%s.json",
		safeName(evt.Source),
		evt.Run.FinishedAt.UTC().Format("20060102T150405Z"),
		safeName(evt.Run.RunID),
	)
	path := filepath.Join(f.dir, name)

	data, err := json.MarshalIndent(evt, "", "  ")
	if err != nil {
		return "", fmt.Errorf("marshal event: %w", err)
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return "", fmt.Errorf("write file: %w", err)
	}
	return path, nil
}

func safeName(s string) string {
	if s == "" {
		return "unknown"
	}
	return strings.NewReplacer("/", "_", "\\", "_", ":", "_", " ", "_").Replace(s)
}
