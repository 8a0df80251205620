package config

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeButlerYAML(t *testing.T, content string) string {
	t.Helper()
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "butler.yaml"), []byte(content), 0o644))
	return dir
}

const minimalYAML = `
butler:
  name: alfred
  endpoint_url: http://alfred:8080
runtime:
  adapter: stub
`

func TestInitializeAppliesDefaults(t *testing.T) {
	dir := writeButlerYAML(t, minimalYAML)

	cfg, err := Initialize(context.Background(), dir)
	require.NoError(t, err)

	assert.Equal(t, "alfred", cfg.Butler.Name)
	assert.Equal(t, 3, cfg.Butler.MaxConcurrentSessions)
	assert.Equal(t, 1000, cfg.Buffer.QueueCapacity)
	assert.Equal(t, 5, cfg.Breaker.FailureThreshold)
	assert.Equal(t, 2.0, cfg.Limits.ReplyPriorityMultiplier)
	assert.Equal(t, 8080, cfg.HTTP.Port)
	assert.NotNil(t, cfg.Fleet)
}

func TestInitializeUserValuesWinOverDefaults(t *testing.T) {
	dir := writeButlerYAML(t, minimalYAML+`
buffer:
  queue_capacity: 50
limits:
  global_in_flight: 2
fleet:
  butlers:
    pennyworth:
      endpoint_url: http://pennyworth:8080
`)

	cfg, err := Initialize(context.Background(), dir)
	require.NoError(t, err)

	assert.Equal(t, 50, cfg.Buffer.QueueCapacity)
	assert.Equal(t, 4, cfg.Buffer.WorkerCount, "unset fields keep defaults")
	assert.Equal(t, 2, cfg.Limits.GlobalInFlight)
	require.Contains(t, cfg.Fleet.Butlers, "pennyworth")
	assert.Equal(t, "http://pennyworth:8080", cfg.Fleet.Butlers["pennyworth"].EndpointURL)
}

func TestInitializeExpandsEnvTemplates(t *testing.T) {
	t.Setenv("BUTLER_TEST_ENDPOINT", "http://alfred.internal:9090")
	dir := writeButlerYAML(t, `
butler:
  name: alfred
  endpoint_url: "{{.BUTLER_TEST_ENDPOINT}}"
runtime:
  adapter: stub
`)

	cfg, err := Initialize(context.Background(), dir)
	require.NoError(t, err)
	assert.Equal(t, "http://alfred.internal:9090", cfg.Butler.EndpointURL)
}

func TestInitializeMissingFileIsLoadError(t *testing.T) {
	_, err := Initialize(context.Background(), t.TempDir())
	require.Error(t, err)
	var loadErr *LoadError
	assert.ErrorAs(t, err, &loadErr)
}

func TestValidateRejectsBadButlerName(t *testing.T) {
	dir := writeButlerYAML(t, `
butler:
  name: "Alfred The Butler"
runtime:
  adapter: stub
`)

	_, err := Initialize(context.Background(), dir)
	require.Error(t, err)
	var validErr *ValidationError
	require.ErrorAs(t, err, &validErr)
	assert.Equal(t, "butler.name", validErr.Field)
}

func TestValidateRejectsCLIAdapterWithoutCommand(t *testing.T) {
	dir := writeButlerYAML(t, `
butler:
  name: alfred
runtime:
  adapter: cli
`)

	_, err := Initialize(context.Background(), dir)
	require.Error(t, err)
	var validErr *ValidationError
	require.ErrorAs(t, err, &validErr)
	assert.Equal(t, "runtime.command", validErr.Field)
}

func TestValidateRejectsQuarantineBeforeStale(t *testing.T) {
	dir := writeButlerYAML(t, minimalYAML+`
registry:
  stale_after: 10m
  quarantine_after: 1m
`)

	_, err := Initialize(context.Background(), dir)
	require.Error(t, err)
	var validErr *ValidationError
	require.ErrorAs(t, err, &validErr)
	assert.Equal(t, "registry.quarantine_after", validErr.Field)
}
