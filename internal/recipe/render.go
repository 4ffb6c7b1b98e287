package recipe

import (
	"bytes"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"text/template"

	"github.com/Masterminds/sprig/v3"
)

// RenderContext carries everything a lifecycle command may reference for
// one component: its identity, its work directory, its merged
// configuration tree, and the on-disk paths of its prepared artifacts.
type RenderContext struct {
	Name          string
	Version       string
	WorkPath      string
	Configuration map[string]interface{}
	ArtifactPaths map[string]string // artifact base name -> verified on-disk path
}

// Renderer turns a manifest's lifecycle phase templates into executable
// shell commands. Plain commands use {{ token }} placeholders drawn from
// a fixed vocabulary:
//
//	{{ name }} / {{ version }} / {{ work_path }}   component identity
//	{{ configuration.some.nested.key }}            merged configuration tree
//	{{ artifacts.app.zip }}                        prepared artifact path, by base name
//	{{ phase.install }}                            another phase's rendered command
//
// Phase delegation follows the same phase graph the parser cycle-checks,
// so an acyclic recipe can compose phases (e.g. recover re-running the
// tail of install) without duplicating command text. Commands using Go
// template actions beyond plain placeholders render through
// text/template with the Sprig function map.
type Renderer struct{}

func NewRenderer() *Renderer { return &Renderer{} }

var tokenPattern = regexp.MustCompile(`\{\{\s*\.?([a-zA-Z_][a-zA-Z0-9_.-]*)\s*\}\}`)

// RenderPhase renders manifest's command for phase against rc. The second
// return is false when the manifest does not define the phase.
func (r *Renderer) RenderPhase(manifest *Manifest, phase LifecyclePhase, rc RenderContext) (string, bool, error) {
	raw, ok := manifest.Lifecycle[phase]
	if !ok {
		return "", false, nil
	}
	cmd, err := r.render(manifest, raw, rc, map[LifecyclePhase]bool{phase: true})
	if err != nil {
		return "", true, fmt.Errorf("recipe: render %s phase of %s@%s: %w", phase, rc.Name, rc.Version, err)
	}
	return cmd, true, nil
}

func (r *Renderer) render(manifest *Manifest, raw string, rc RenderContext, visiting map[LifecyclePhase]bool) (string, error) {
	if isComplexCommand(raw) {
		return r.renderComplex(raw, rc)
	}

	var unresolved []string
	result := raw
	for _, match := range tokenPattern.FindAllStringSubmatch(raw, -1) {
		token := match[1]
		replacement, err := r.resolveToken(manifest, token, rc, visiting)
		if err != nil {
			unresolved = append(unresolved, fmt.Sprintf("%s (%v)", token, err))
			continue
		}
		result = strings.ReplaceAll(result, match[0], replacement)
	}
	if len(unresolved) > 0 {
		return "", fmt.Errorf("command references unresolved parameter(s): %s", strings.Join(unresolved, "; "))
	}
	return result, nil
}

func (r *Renderer) resolveToken(manifest *Manifest, token string, rc RenderContext, visiting map[LifecyclePhase]bool) (string, error) {
	switch {
	case token == "name":
		return rc.Name, nil
	case token == "version":
		return rc.Version, nil
	case token == "work_path":
		return rc.WorkPath, nil
	case strings.HasPrefix(token, "configuration."):
		v, err := lookupConfiguration(rc.Configuration, strings.TrimPrefix(token, "configuration."))
		if err != nil {
			return "", err
		}
		return formatScalar(v)
	case strings.HasPrefix(token, "artifacts."):
		base := strings.TrimPrefix(token, "artifacts.")
		p, ok := rc.ArtifactPaths[base]
		if !ok {
			return "", fmt.Errorf("no prepared artifact named %q", base)
		}
		return p, nil
	case strings.HasPrefix(token, "phase."):
		return r.resolvePhaseRef(manifest, LifecyclePhase(strings.TrimPrefix(token, "phase.")), rc, visiting)
	default:
		return "", fmt.Errorf("unknown parameter")
	}
}

// resolvePhaseRef splices in another phase's rendered command. The parser
// already rejects cyclic phase graphs; the visiting set is a second line
// of defense so a hand-edited cached recipe can never hang the renderer.
func (r *Renderer) resolvePhaseRef(manifest *Manifest, ref LifecyclePhase, rc RenderContext, visiting map[LifecyclePhase]bool) (string, error) {
	if !knownPhases[ref] {
		return "", fmt.Errorf("unknown lifecycle phase %q", ref)
	}
	if visiting[ref] {
		return "", fmt.Errorf("phase delegation cycle at %q", ref)
	}
	raw, ok := manifest.Lifecycle[ref]
	if !ok {
		return "", fmt.Errorf("phase %q not defined by this manifest", ref)
	}
	visiting[ref] = true
	out, err := r.render(manifest, raw, rc, visiting)
	delete(visiting, ref)
	return out, err
}

// lookupConfiguration walks a dotted key through the nested configuration
// tree.
func lookupConfiguration(tree map[string]interface{}, dotted string) (interface{}, error) {
	parts := strings.Split(dotted, ".")
	var current interface{} = tree
	for i, part := range parts {
		m, ok := current.(map[string]interface{})
		if !ok {
			return nil, fmt.Errorf("configuration.%s is not an object", strings.Join(parts[:i], "."))
		}
		current, ok = m[part]
		if !ok {
			return nil, fmt.Errorf("configuration has no value at %q", strings.Join(parts[:i+1], "."))
		}
	}
	return current, nil
}

// formatScalar renders a configuration value the way it should appear on
// a command line. Lists join with single spaces; nested objects cannot
// appear inline.
func formatScalar(v interface{}) (string, error) {
	switch x := v.(type) {
	case string:
		return x, nil
	case bool:
		return strconv.FormatBool(x), nil
	case int:
		return strconv.Itoa(x), nil
	case int64:
		return strconv.FormatInt(x, 10), nil
	case float64:
		return strconv.FormatFloat(x, 'g', -1, 64), nil
	case []string:
		return strings.Join(x, " "), nil
	case []interface{}:
		parts := make([]string, 0, len(x))
		for _, e := range x {
			s, err := formatScalar(e)
			if err != nil {
				return "", err
			}
			parts = append(parts, s)
		}
		return strings.Join(parts, " "), nil
	default:
		return "", fmt.Errorf("value of type %T cannot appear in a command line", v)
	}
}

// renderComplex renders raw as a full Go text/template with Sprig's
// function map, for lifecycle commands that need conditionals or string
// helpers beyond plain placeholder substitution.
func (r *Renderer) renderComplex(raw string, rc RenderContext) (string, error) {
	tmpl, err := template.New("lifecycle-command").Funcs(sprig.TxtFuncMap()).Option("missingkey=error").Parse(raw)
	if err != nil {
		return "", fmt.Errorf("invalid command template: %w", err)
	}
	data := map[string]interface{}{
		"name":          rc.Name,
		"version":       rc.Version,
		"work_path":     rc.WorkPath,
		"configuration": rc.Configuration,
		"artifacts":     rc.ArtifactPaths,
	}
	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, data); err != nil {
		return "", fmt.Errorf("command template execution failed: %w", err)
	}
	return buf.String(), nil
}

// isComplexCommand reports whether raw uses Go template constructs
// (actions, pipelines, control flow) beyond the plain {{ token }}
// placeholders render handles directly.
func isComplexCommand(raw string) bool {
	return strings.Contains(raw, "{{-") || strings.Contains(raw, "-}}") ||
		strings.Contains(raw, "{{if") || strings.Contains(raw, "{{ if") ||
		strings.Contains(raw, "{{range") || strings.Contains(raw, "{{ range") ||
		strings.Contains(raw, "{{with") || strings.Contains(raw, "{{ with") ||
		// a pipeline inside an action, or a function call (an identifier
		// followed by an argument) — as opposed to a bare "{{ token }}"
		pipeInActionPattern.MatchString(raw) ||
		funcCallPattern.MatchString(raw)
}

var (
	pipeInActionPattern = regexp.MustCompile(`\{\{[^}]*\|`)
	funcCallPattern     = regexp.MustCompile(`\{\{\s*[a-zA-Z_][a-zA-Z0-9_]*\s+[^}\s]`)
)
