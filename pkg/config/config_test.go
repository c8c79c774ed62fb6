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

package config

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var errBadListenAddr = errors.New("listen_addr is required")

type testServiceConfig struct {
	ListenAddr string `json:"listen_addr"`
	Workers    int    `json:"workers"`
}

func (c *testServiceConfig) Validate() error {
	if c.ListenAddr == "" {
		return errBadListenAddr
	}

	return nil
}

type plainConfig struct {
	Name string `json:"name"`
}

func writeConfigFile(t *testing.T, content string) string {
	t.Helper()

	path := filepath.Join(t.TempDir(), "config.json")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))

	return path
}

func TestLoadAndValidate(t *testing.T) {
	path := writeConfigFile(t, `{"listen_addr": ":50051", "workers": 4}`)

	var cfg testServiceConfig

	err := NewConfig(nil).LoadAndValidate(context.Background(), path, &cfg)
	require.NoError(t, err)
	assert.Equal(t, ":50051", cfg.ListenAddr)
	assert.Equal(t, 4, cfg.Workers)
}

func TestLoadAndValidateNilConfig(t *testing.T) {
	err := NewConfig(nil).LoadAndValidate(context.Background(), "irrelevant.json", nil)
	assert.ErrorIs(t, err, errInvalidConfigPtr)
}

func TestLoadAndValidateMissingFile(t *testing.T) {
	var cfg testServiceConfig

	err := NewConfig(nil).LoadAndValidate(context.Background(), filepath.Join(t.TempDir(), "missing.json"), &cfg)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to read file")
}

func TestLoadAndValidateMalformedJSON(t *testing.T) {
	path := writeConfigFile(t, `{"listen_addr": `)

	var cfg testServiceConfig

	err := NewConfig(nil).LoadAndValidate(context.Background(), path, &cfg)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to unmarshal JSON")
}

func TestLoadAndValidateRunsValidator(t *testing.T) {
	path := writeConfigFile(t, `{"workers": 4}`)

	var cfg testServiceConfig

	err := NewConfig(nil).LoadAndValidate(context.Background(), path, &cfg)
	assert.ErrorIs(t, err, errBadListenAddr)
}

func TestLoadAndValidateSkipsNonValidator(t *testing.T) {
	path := writeConfigFile(t, `{"name": "fleetd"}`)

	var cfg plainConfig

	err := NewConfig(nil).LoadAndValidate(context.Background(), path, &cfg)
	require.NoError(t, err)
	assert.Equal(t, "fleetd", cfg.Name)
}
