package orchestrator

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sampleCompose = `
vms:
  db:
    config: configs/db.yaml
    environment:
      POSTGRES_DB: clonebox
  app:
    config: configs/app.yaml
    depends_on: [db]
    health_gate: http
  web:
    config: configs/web.yaml
    depends_on: [app]
`

func TestParseComposeBuildsDependencyEdges(t *testing.T) {
	vms, err := ParseCompose([]byte(sampleCompose))
	require.NoError(t, err)
	require.Len(t, vms, 3)

	byName := map[string]int{}
	for i, vm := range vms {
		byName[vm.Name] = i
	}

	app := vms[byName["app"]]
	assert.Equal(t, "configs/app.yaml", app.ConfigSource)
	assert.Equal(t, []string{"db"}, app.DependsOn)
	require.NotNil(t, app.HealthGate)
	assert.Equal(t, "http", *app.HealthGate)

	db := vms[byName["db"]]
	assert.Nil(t, db.HealthGate)
	assert.Equal(t, "clonebox", db.Environment["POSTGRES_DB"])

	web := vms[byName["web"]]
	assert.Equal(t, []string{"app"}, web.DependsOn)
}

func TestParseComposeOrdersVMsByNameDeterministically(t *testing.T) {
	vms, err := ParseCompose([]byte(sampleCompose))
	require.NoError(t, err)

	names := make([]string, len(vms))
	for i, vm := range vms {
		names[i] = vm.Name
	}
	assert.Equal(t, []string{"app", "db", "web"}, names)
}

func TestParseComposeResultFeedsBuildLevels(t *testing.T) {
	vms, err := ParseCompose([]byte(sampleCompose))
	require.NoError(t, err)

	levels, err := BuildLevels(vms)
	require.NoError(t, err)
	require.Len(t, levels, 3)
	assert.Equal(t, "db", levels[0][0].Name)
	assert.Equal(t, "app", levels[1][0].Name)
	assert.Equal(t, "web", levels[2][0].Name)
}

func TestLoadComposeFileReadsFromDisk(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "compose.yaml")
	require.NoError(t, os.WriteFile(path, []byte(sampleCompose), 0o644))

	vms, err := LoadComposeFile(path)
	require.NoError(t, err)
	assert.Len(t, vms, 3)
}

func TestLoadComposeFileMissingReturnsError(t *testing.T) {
	_, err := LoadComposeFile(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}

func TestParseComposeRejectsMalformedYAML(t *testing.T) {
	_, err := ParseCompose([]byte("vms: [this, is, not, a, map]"))
	assert.Error(t, err)
}
