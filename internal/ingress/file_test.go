package ingress

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, name, contents string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(contents), 0o644))
	return path
}

func TestLoadFile_JSON(t *testing.T) {
	path := writeFile(t, "deploy.json", sampleDocumentJSON)
	doc, err := LoadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "dep-1", doc.DeploymentID)
}

func TestLoadFile_YAML(t *testing.T) {
	yamlDoc := `
deploymentId: dep-2
timestamp: 1700000001
groupName: edge-fleet
packages:
  - name: com.example.App
    version: 1.2.0
    rootComponent: true
    configuration:
      logLevel: debug
policies:
  failureHandling: ROLLBACK
  componentUpdatePolicy:
    action: NOTIFY_COMPONENTS
    timeoutSec: 30
`
	path := writeFile(t, "deploy.yaml", yamlDoc)
	doc, err := LoadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "dep-2", doc.DeploymentID)
	require.Len(t, doc.Packages, 1)
	assert.Equal(t, "com.example.App", doc.Packages[0].Name)
	assert.Equal(t, "debug", doc.Packages[0].Configuration["logLevel"])
}

func TestLoadFileWithDefaultID_AssignsIDWhenAbsent(t *testing.T) {
	noID := `{
		"timestamp": 1700000000,
		"groupName": "edge-fleet",
		"packages": [{"name": "a", "version": "1.0.0"}],
		"policies": {
			"failureHandling": "DO_NOTHING",
			"componentUpdatePolicy": {"action": "SKIP_NOTIFY_COMPONENTS"}
		}
	}`
	path := writeFile(t, "deploy.json", noID)

	_, err := LoadFile(path)
	require.Error(t, err, "strict load must reject a document without deploymentId")

	doc, err := LoadFileWithDefaultID(path, func() string { return "generated-1" })
	require.NoError(t, err)
	assert.Equal(t, "generated-1", doc.DeploymentID)

	// A document that already carries an id keeps it.
	withID := writeFile(t, "deploy2.json", sampleDocumentJSON)
	doc, err = LoadFileWithDefaultID(withID, func() string { return "generated-2" })
	require.NoError(t, err)
	assert.Equal(t, "dep-1", doc.DeploymentID)
}

func TestLoadFile_MissingFile(t *testing.T) {
	_, err := LoadFile(filepath.Join(t.TempDir(), "missing.json"))
	assert.Error(t, err)
}

func TestLoadFile_MalformedYAML(t *testing.T) {
	path := writeFile(t, "deploy.yml", "not: [valid: yaml")
	_, err := LoadFile(path)
	assert.Error(t, err)
}
