package ingress

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"fleetkeeper/internal/ferrors"
)

const sampleDocumentJSON = `{
	"deploymentId": "dep-1",
	"timestamp": 1700000000,
	"groupName": "edge-fleet",
	"packages": [
		{"name": "com.example.App", "version": "1.2.0", "rootComponent": true, "configuration": {"logLevel": "debug"}}
	],
	"policies": {
		"failureHandling": "ROLLBACK",
		"componentUpdatePolicy": {"action": "NOTIFY_COMPONENTS", "timeoutSec": 30}
	}
}`

func TestParse_ValidDocument(t *testing.T) {
	doc, err := Parse([]byte(sampleDocumentJSON))
	require.NoError(t, err)
	assert.Equal(t, "dep-1", doc.DeploymentID)
	assert.Equal(t, "edge-fleet", doc.GroupName)
	require.Len(t, doc.Packages, 1)
	assert.Equal(t, "com.example.App", doc.Packages[0].Name)
	assert.True(t, doc.Packages[0].RootComponent)
	assert.Equal(t, Rollback, doc.Policies.FailureHandling)
	assert.Equal(t, NotifyComponents, doc.Policies.ComponentUpdatePolicy.Action)
}

func TestParse_MalformedJSONIsDeploymentInvalid(t *testing.T) {
	_, err := Parse([]byte(`{not json`))
	require.Error(t, err)
	assert.True(t, ferrors.Is(err, ferrors.KindDeploymentInvalid))
}

func TestParse_MissingRequiredFieldIsDeploymentInvalid(t *testing.T) {
	_, err := Parse([]byte(`{"deploymentId": "dep-1"}`))
	require.Error(t, err)
	assert.True(t, ferrors.Is(err, ferrors.KindDeploymentInvalid))
}

func TestParse_UnknownFailureHandlingEnumRejected(t *testing.T) {
	bad := `{
		"deploymentId": "dep-1",
		"timestamp": 1700000000,
		"groupName": "edge-fleet",
		"packages": [{"name": "a", "version": "1.0.0"}],
		"policies": {
			"failureHandling": "RETRY_FOREVER",
			"componentUpdatePolicy": {"action": "NOTIFY_COMPONENTS"}
		}
	}`
	_, err := Parse([]byte(bad))
	require.Error(t, err)
	assert.True(t, ferrors.Is(err, ferrors.KindDeploymentInvalid))
}

func TestParse_PackageMissingVersionRejected(t *testing.T) {
	bad := `{
		"deploymentId": "dep-1",
		"timestamp": 1700000000,
		"groupName": "edge-fleet",
		"packages": [{"name": "a", "version": ""}],
		"policies": {
			"failureHandling": "DO_NOTHING",
			"componentUpdatePolicy": {"action": "SKIP_NOTIFY_COMPONENTS"}
		}
	}`
	_, err := Parse([]byte(bad))
	require.Error(t, err)
	assert.True(t, ferrors.Is(err, ferrors.KindDeploymentInvalid))
}
