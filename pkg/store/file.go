/*
 * Copyright 2025 Carver Automation Corporation.
 *
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 *
 *     http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 */

package store

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/carverauto/devicefleet/pkg/models"
)

// FileStore persists workflows and reports as JSON files under a directory,
// for single-node deployments and tests.
type FileStore struct {
	mu  sync.Mutex
	dir string
}

func NewFileStore(dir string) (*FileStore, error) {
	for _, sub := range []string{"workflows", "reports"} {
		if err := os.MkdirAll(filepath.Join(dir, sub), 0o755); err != nil {
			return nil, fmt.Errorf("failed to create store directory: %w", err)
		}
	}

	return &FileStore{dir: dir}, nil
}

func (f *FileStore) Load(_ context.Context) ([]*models.Workflow, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	dir := filepath.Join(f.dir, "workflows")

	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("failed to read workflow directory: %w", err)
	}

	var out []*models.Workflow

	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".json") {
			continue
		}

		path := filepath.Join(dir, entry.Name())

		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read file '%s': %w", path, err)
		}

		var wf models.Workflow
		if err := json.Unmarshal(data, &wf); err != nil {
			return nil, fmt.Errorf("failed to unmarshal JSON from '%s': %w", path, err)
		}

		out = append(out, &wf)
	}

	return out, nil
}

func (f *FileStore) Save(_ context.Context, workflow *models.Workflow) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	data, err := json.MarshalIndent(workflow, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal workflow %s: %w", workflow.WorkflowID, err)
	}

	path := f.workflowPath(workflow.WorkflowID)

	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("failed to write file '%s': %w", path, err)
	}

	return nil
}

func (f *FileStore) Delete(_ context.Context, workflowID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	err := os.Remove(f.workflowPath(workflowID))
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to delete workflow %s: %w", workflowID, err)
	}

	return nil
}

func (f *FileStore) SaveReport(_ context.Context, report *models.WorkflowReport) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	data, err := json.MarshalIndent(report, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal report %s: %w", report.ReportID, err)
	}

	path := filepath.Join(f.dir, "reports", report.WorkflowID+"-"+report.ReportID+".json")

	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("failed to write file '%s': %w", path, err)
	}

	return nil
}

func (f *FileStore) workflowPath(workflowID string) string {
	return filepath.Join(f.dir, "workflows", workflowID+".json")
}
