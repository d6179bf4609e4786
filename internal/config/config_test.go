package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoad_MissingFileUsesDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	require.NoError(t, err)

	assert.Equal(t, 8080, cfg.Server.Port)
	assert.Equal(t, GraphBackendNeo4j, cfg.Graph.Backend)
	assert.Equal(t, 1, cfg.Sync.StageConcurrency)
	assert.Equal(t, 500, cfg.InsightVM.PageSize)
	assert.Equal(t, 30, cfg.Sync.RetentionDays)
	assert.Equal(t, "localhost:6379", cfg.Redis.Addr())
}

func TestLoad_ExpandsEnvironment(t *testing.T) {
	t.Setenv("IVM_PASSWORD", "s3cret")
	path := writeConfig(t, `
insightvm:
  host: vm.example.com:3780
  username: svc
  password: ${IVM_PASSWORD}
  timeout: 90s
sync:
  stage_concurrency: 3
  schedule: "0 */6 * * *"
graph:
  backend: memory
`)

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "s3cret", cfg.InsightVM.Password)
	assert.Equal(t, 90*time.Second, cfg.InsightVM.Timeout)
	assert.Equal(t, 3, cfg.Sync.StageConcurrency)
	assert.Equal(t, "0 */6 * * *", cfg.Sync.Schedule)
	assert.Equal(t, GraphBackendMemory, cfg.Graph.Backend)
}

func TestLoad_Invalid(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{name: "bad yaml", body: "server: ["},
		{name: "unknown backend", body: "graph:\n  backend: dynamo\n"},
		{name: "negative concurrency", body: "sync:\n  asset_concurrency: -1\n"},
		{name: "user without hash", body: "auth:\n  users:\n    - name: ops\n      role: admin\n"},
		{name: "user with unknown role", body: "auth:\n  users:\n    - name: ops\n      password_hash: x\n      role: root\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load(writeConfig(t, tt.body))
			assert.Error(t, err)
		})
	}
}

func TestDatabaseDSN(t *testing.T) {
	cfg := DatabaseConfig{Host: "db", Port: 5432, User: "u", Password: "p", Database: "vmgraph", SSLMode: "disable"}
	assert.Equal(t, "host=db port=5432 user=u password=p dbname=vmgraph sslmode=disable", cfg.DSN())
}
