package etl

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// Scenario is one independently processed partition of a batch: all log
// files recorded for a single scenario id.
type Scenario struct {
	ID    string
	Files []string
}

// DiscoverScenarios walks a batch directory. Each subdirectory is one
// scenario named after it; log files directly under root form a single
// scenario named after the root. Scenarios come back sorted by id so runs
// over the same batch visit them in the same order.
func DiscoverScenarios(root string) ([]Scenario, error) {
	entries, err := os.ReadDir(root)
	if err != nil {
		return nil, fmt.Errorf("read batch dir: %w", err)
	}

	var scenarios []Scenario
	var looseFiles []string
	for _, entry := range entries {
		name := entry.Name()
		if strings.HasPrefix(name, ".") {
			continue
		}
		full := filepath.Join(root, name)
		if entry.IsDir() {
			files, err := logFilesIn(full)
			if err != nil {
				return nil, err
			}
			if len(files) > 0 {
				scenarios = append(scenarios, Scenario{ID: name, Files: files})
			}
			continue
		}
		if isLogFile(name) {
			looseFiles = append(looseFiles, full)
		}
	}

	if len(looseFiles) > 0 {
		sort.Strings(looseFiles)
		scenarios = append(scenarios, Scenario{
			ID:    filepath.Base(filepath.Clean(root)),
			Files: looseFiles,
		})
	}

	sort.Slice(scenarios, func(i, j int) bool { return scenarios[i].ID < scenarios[j].ID })
	if len(scenarios) == 0 {
		return nil, fmt.Errorf("batch dir %s contains no log files", root)
	}
	return scenarios, nil
}

func logFilesIn(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("read scenario dir: %w", err)
	}
	var files []string
	for _, entry := range entries {
		if entry.IsDir() || !isLogFile(entry.Name()) {
			continue
		}
		files = append(files, filepath.Join(dir, entry.Name()))
	}
	sort.Strings(files)
	return files, nil
}

func isLogFile(name string) bool {
	switch strings.ToLower(filepath.Ext(name)) {
	case ".log", ".txt":
		return true
	}
	return false
}
