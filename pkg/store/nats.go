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
	"errors"
	"fmt"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"

	"github.com/carverauto/devicefleet/pkg/models"
)

const (
	workflowBucket = "workflows"
	reportBucket   = "workflow-reports"
)

// NatsStore persists workflows and reports in NATS JetStream KV buckets.
type NatsStore struct {
	nc        *nats.Conn
	js        jetstream.JetStream
	workflows jetstream.KeyValue
	reports   jetstream.KeyValue
}

func NewNatsStore(ctx context.Context, natsURL string) (*NatsStore, error) {
	nc, err := nats.Connect(natsURL)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}

	js, err := jetstream.New(nc)
	if err != nil {
		nc.Close()

		return nil, fmt.Errorf("failed to create JetStream context: %w", err)
	}

	workflows, err := js.CreateKeyValue(ctx, jetstream.KeyValueConfig{Bucket: workflowBucket})
	if err != nil {
		nc.Close()

		return nil, fmt.Errorf("failed to create KV bucket %s: %w", workflowBucket, err)
	}

	reports, err := js.CreateKeyValue(ctx, jetstream.KeyValueConfig{Bucket: reportBucket})
	if err != nil {
		nc.Close()

		return nil, fmt.Errorf("failed to create KV bucket %s: %w", reportBucket, err)
	}

	return &NatsStore{
		nc:        nc,
		js:        js,
		workflows: workflows,
		reports:   reports,
	}, nil
}

// JetStream exposes the underlying JetStream context so the event publisher
// can share one connection.
func (n *NatsStore) JetStream() jetstream.JetStream {
	return n.js
}

func (n *NatsStore) Load(ctx context.Context) ([]*models.Workflow, error) {
	lister, err := n.workflows.ListKeys(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list workflow keys: %w", err)
	}

	var out []*models.Workflow

	for key := range lister.Keys() {
		entry, err := n.workflows.Get(ctx, key)
		if errors.Is(err, jetstream.ErrKeyNotFound) {
			continue
		}

		if err != nil {
			return nil, fmt.Errorf("failed to get workflow %s: %w", key, err)
		}

		var wf models.Workflow
		if err := json.Unmarshal(entry.Value(), &wf); err != nil {
			return nil, fmt.Errorf("failed to unmarshal workflow %s: %w", key, err)
		}

		out = append(out, &wf)
	}

	return out, nil
}

func (n *NatsStore) Save(ctx context.Context, workflow *models.Workflow) error {
	data, err := json.Marshal(workflow)
	if err != nil {
		return fmt.Errorf("failed to marshal workflow %s: %w", workflow.WorkflowID, err)
	}

	if _, err := n.workflows.Put(ctx, workflow.WorkflowID, data); err != nil {
		return fmt.Errorf("failed to put workflow %s: %w", workflow.WorkflowID, err)
	}

	return nil
}

func (n *NatsStore) Delete(ctx context.Context, workflowID string) error {
	err := n.workflows.Delete(ctx, workflowID)
	if err != nil && !errors.Is(err, jetstream.ErrKeyNotFound) {
		return fmt.Errorf("failed to delete workflow %s: %w", workflowID, err)
	}

	return nil
}

func (n *NatsStore) SaveReport(ctx context.Context, report *models.WorkflowReport) error {
	data, err := json.Marshal(report)
	if err != nil {
		return fmt.Errorf("failed to marshal report %s: %w", report.ReportID, err)
	}

	key := report.WorkflowID + "." + report.ReportID

	if _, err := n.reports.Put(ctx, key, data); err != nil {
		return fmt.Errorf("failed to put report %s: %w", key, err)
	}

	return nil
}

func (n *NatsStore) Close() {
	n.nc.Close()
}
