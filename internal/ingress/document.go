// Package ingress treats the cloud channel as an external collaborator:
// it parses and validates the deployment document JSON that channel
// delivers, and defines the minimal interfaces a real MQTT/HTTPS
// transport would implement to deliver documents in and publish status
// documents out.
package ingress

import (
	"encoding/json"
	"fmt"
	"regexp"

	"github.com/go-playground/validator/v10"

	"fleetkeeper/internal/ferrors"
)

// FailureHandling is the deployment-level policy on apply failure.
type FailureHandling string

const (
	DoNothing FailureHandling = "DO_NOTHING"
	Rollback  FailureHandling = "ROLLBACK"
)

// ComponentUpdateAction selects whether affected components vote before a
// disruptive change.
type ComponentUpdateAction string

const (
	NotifyComponents     ComponentUpdateAction = "NOTIFY_COMPONENTS"
	SkipNotifyComponents ComponentUpdateAction = "SKIP_NOTIFY_COMPONENTS"
)

// Package is one component entry in a deployment document.
type Package struct {
	Name          string                 `json:"name" validate:"required"`
	Version       string                 `json:"version" validate:"required"`
	RootComponent bool                   `json:"rootComponent"`
	Configuration map[string]interface{} `json:"configuration"`
}

// ComponentUpdatePolicy is the deployment document's safe-update section.
type ComponentUpdatePolicy struct {
	Action     ComponentUpdateAction `json:"action" validate:"required,oneof=NOTIFY_COMPONENTS SKIP_NOTIFY_COMPONENTS"`
	TimeoutSec int                   `json:"timeoutSec"`
}

// ConfigurationValidationPolicy bounds the per-component validation
// round-trip during DeploymentController's VALIDATING state.
type ConfigurationValidationPolicy struct {
	TimeoutSec int `json:"timeoutSec"`
}

// Policies is the deployment document's policies block.
type Policies struct {
	FailureHandling               FailureHandling               `json:"failureHandling" validate:"required,oneof=DO_NOTHING ROLLBACK"`
	ComponentUpdatePolicy         ComponentUpdatePolicy         `json:"componentUpdatePolicy" validate:"required"`
	ConfigurationValidationPolicy ConfigurationValidationPolicy `json:"configurationValidationPolicy"`
}

// Document is the wire shape of a deployment document.
type Document struct {
	DeploymentID string     `json:"deploymentId" validate:"required"`
	Timestamp    int64      `json:"timestamp" validate:"required"`
	GroupName    string     `json:"groupName" validate:"required"`
	Packages     []Package  `json:"packages" validate:"required,dive"`
	Policies     Policies   `json:"policies" validate:"required"`
}

var validate = validator.New()

// Parse decodes and structurally validates a deployment document. Any
// decode failure, unknown enum value, or missing required field is
// reported as ferrors.KindDeploymentInvalid, never a bare JSON or
// validator error.
func Parse(data []byte) (*Document, error) {
	var doc Document
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, ferrors.Wrap(ferrors.KindDeploymentInvalid, err, "decode deployment document")
	}
	if err := validate.Struct(&doc); err != nil {
		return nil, ferrors.Wrap(ferrors.KindDeploymentInvalid, err, "deployment document failed validation")
	}
	for _, p := range doc.Packages {
		if p.Name == "" || p.Version == "" {
			return nil, ferrors.New(ferrors.KindDeploymentInvalid,
				fmt.Sprintf("package entry missing name/version: %+v", p))
		}
		if !componentNamePattern.MatchString(p.Name) {
			return nil, ferrors.New(ferrors.KindDeploymentInvalid,
				fmt.Sprintf("package name %q contains characters outside [A-Za-z0-9._-]", p.Name))
		}
	}
	return &doc, nil
}

var componentNamePattern = regexp.MustCompile(`^[A-Za-z0-9._-]+$`)
