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

// Package store persists workflow definitions and reports. The orchestrator
// consumes these contracts; implementations back them with NATS JetStream
// KV or the local filesystem.
package store

import (
	"context"

	"github.com/carverauto/devicefleet/pkg/models"
)

// WorkflowConfigStore persists workflow definitions across restarts.
type WorkflowConfigStore interface {
	Load(ctx context.Context) ([]*models.Workflow, error)
	Save(ctx context.Context, workflow *models.Workflow) error
	Delete(ctx context.Context, workflowID string) error
}

// WorkflowReportStore persists analyze-phase report snapshots.
type WorkflowReportStore interface {
	SaveReport(ctx context.Context, report *models.WorkflowReport) error
}
