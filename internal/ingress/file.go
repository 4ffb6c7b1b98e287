package ingress

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"fleetkeeper/internal/ferrors"
)

// LoadFile reads a deployment document from a local JSON or YAML file,
// the path the daemon uses for job files in its jobs directory, running
// the same Parse/validation path the cloud transport would use.
func LoadFile(path string) (*Document, error) {
	data, err := readAsJSON(path)
	if err != nil {
		return nil, err
	}
	return Parse(data)
}

// LoadFileWithDefaultID is LoadFile, except a document missing
// deploymentId is assigned newID() before validation — the CLI
// convenience path, so an operator's hand-written document need not
// invent an identifier. The cloud transport never uses this; a cloud
// document without an id is invalid.
func LoadFileWithDefaultID(path string, newID func() string) (*Document, error) {
	data, err := readAsJSON(path)
	if err != nil {
		return nil, err
	}
	var generic map[string]interface{}
	if err := json.Unmarshal(data, &generic); err != nil {
		return nil, ferrors.Wrap(ferrors.KindDeploymentInvalid, err, fmt.Sprintf("decode %s", path))
	}
	if id, _ := generic["deploymentId"].(string); id == "" {
		generic["deploymentId"] = newID()
		if data, err = json.Marshal(generic); err != nil {
			return nil, ferrors.Wrap(ferrors.KindDeploymentInvalid, err, fmt.Sprintf("re-encode %s", path))
		}
	}
	return Parse(data)
}

func readAsJSON(path string) ([]byte, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("ingress: read %s: %w", path, err)
	}
	if ext := strings.ToLower(filepath.Ext(path)); ext == ".yaml" || ext == ".yml" {
		var generic interface{}
		if err := yaml.Unmarshal(raw, &generic); err != nil {
			return nil, ferrors.Wrap(ferrors.KindDeploymentInvalid, err, fmt.Sprintf("decode %s as yaml", path))
		}
		data, err := json.Marshal(normalizeYAML(generic))
		if err != nil {
			return nil, ferrors.Wrap(ferrors.KindDeploymentInvalid, err, fmt.Sprintf("convert %s from yaml", path))
		}
		return data, nil
	}
	return raw, nil
}

// normalizeYAML converts the map[string]interface{}/map[interface{}]interface{}
// mix that gopkg.in/yaml.v3 can produce into pure JSON-marshalable types.
func normalizeYAML(v interface{}) interface{} {
	switch x := v.(type) {
	case map[string]interface{}:
		out := make(map[string]interface{}, len(x))
		for k, val := range x {
			out[k] = normalizeYAML(val)
		}
		return out
	case []interface{}:
		out := make([]interface{}, len(x))
		for i, val := range x {
			out[i] = normalizeYAML(val)
		}
		return out
	default:
		return x
	}
}
