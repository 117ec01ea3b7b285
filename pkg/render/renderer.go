package render

import (
	"context"
	_ "embed"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	cueerrors "cuelang.org/go/cue/errors"
	"cuelang.org/go/cue/load"
	"github.com/rs/zerolog"

	"github.com/openfroyo/provisioner/pkg/engine"
)

//go:embed default.cue
var defaultTemplate string

// Paths inside a template.
var (
	requestPath = cue.ParsePath("request")
	varsPath    = cue.ParsePath("vars")
)

// Config selects the template and the optional hook.
type Config struct {
	// TemplatePath is a .cue file or a directory holding a CUE package.
	// Empty uses the built-in template.
	TemplatePath string

	// HookPath is an optional Starlark script deriving extra variables.
	HookPath string

	// HookTimeout bounds one hook execution.
	HookTimeout time.Duration
}

// Renderer turns provisioning requests into module variables. The CUE
// template receives the request at "request" and must produce a concrete
// struct at "vars".
type Renderer struct {
	cue    *cue.Context
	tmpl   cue.Value
	source string
	hook   *Hook
	logger zerolog.Logger
}

var _ engine.Renderer = (*Renderer)(nil)

// NewRenderer compiles the template and loads the hook.
func NewRenderer(cfg Config, logger zerolog.Logger) (*Renderer, error) {
	r := &Renderer{
		cue:    cuecontext.New(),
		logger: logger.With().Str("component", "render").Logger(),
	}

	var err error
	if cfg.TemplatePath == "" {
		r.source = "default.cue"
		r.tmpl = r.cue.CompileString(defaultTemplate, cue.Filename(r.source))
	} else {
		r.source = cfg.TemplatePath
		r.tmpl, err = r.load(cfg.TemplatePath)
		if err != nil {
			return nil, err
		}
	}
	if err := r.tmpl.Err(); err != nil {
		return nil, fmt.Errorf("invalid template %s: %s", r.source, details(err))
	}
	if !r.tmpl.LookupPath(varsPath).Exists() {
		return nil, fmt.Errorf("template %s does not define vars", r.source)
	}

	if cfg.HookPath != "" {
		script, err := os.ReadFile(cfg.HookPath)
		if err != nil {
			return nil, fmt.Errorf("failed to read hook: %w", err)
		}
		r.hook = NewHook(filepath.Base(cfg.HookPath), string(script), cfg.HookTimeout)
	}

	r.logger.Info().Str("template", r.source).Bool("hook", r.hook != nil).Msg("Renderer ready")
	return r, nil
}

// load reads a template file or package directory.
func (r *Renderer) load(path string) (cue.Value, error) {
	info, err := os.Stat(path)
	if err != nil {
		return cue.Value{}, fmt.Errorf("failed to stat template %s: %w", path, err)
	}

	if !info.IsDir() {
		content, err := os.ReadFile(path)
		if err != nil {
			return cue.Value{}, fmt.Errorf("failed to read template: %w", err)
		}
		return r.cue.CompileBytes(content, cue.Filename(path)), nil
	}

	abs, err := filepath.Abs(path)
	if err != nil {
		return cue.Value{}, err
	}
	instances := load.Instances([]string{"."}, &load.Config{Dir: abs})
	if len(instances) == 0 {
		return cue.Value{}, fmt.Errorf("no CUE files found in %s", path)
	}
	if err := instances[0].Err; err != nil {
		return cue.Value{}, fmt.Errorf("failed to load template %s: %s", path, details(err))
	}
	return r.cue.BuildInstance(instances[0]), nil
}

// Render fills the request into the template and returns the variables
// as JSON, extended by the hook when one is configured.
func (r *Renderer) Render(ctx context.Context, req engine.ProvisionRequest) ([]byte, error) {
	input, err := requestMap(req)
	if err != nil {
		return nil, err
	}

	filled := r.tmpl.FillPath(requestPath, input)
	if err := filled.LookupPath(requestPath).Validate(cue.Concrete(true)); err != nil {
		return nil, fmt.Errorf("request does not match template: %s", details(err))
	}

	vars := filled.LookupPath(varsPath)
	if err := vars.Validate(cue.Concrete(true)); err != nil {
		return nil, fmt.Errorf("template produced incomplete vars: %s", details(err))
	}

	data, err := vars.MarshalJSON()
	if err != nil {
		return nil, fmt.Errorf("failed to export vars: %s", details(err))
	}
	if r.hook == nil {
		return data, nil
	}

	return r.applyHook(ctx, input, data)
}

// applyHook merges the hook's derived variables into vars. A hook may add
// variables but never replace one the template produced.
func (r *Renderer) applyHook(ctx context.Context, request map[string]interface{}, data []byte) ([]byte, error) {
	var vars map[string]interface{}
	if err := json.Unmarshal(data, &vars); err != nil {
		return nil, fmt.Errorf("failed to decode vars: %w", err)
	}

	derived, err := r.hook.Derive(ctx, request, vars)
	if err != nil {
		return nil, err
	}

	for name, value := range derived {
		if _, exists := vars[name]; exists {
			return nil, fmt.Errorf("hook may not override variable %q", name)
		}
		vars[name] = value
	}

	out, err := json.Marshal(vars)
	if err != nil {
		return nil, fmt.Errorf("failed to encode vars: %w", err)
	}
	return out, nil
}

// requestMap converts the request through its JSON form so the template
// sees the wire field names.
func requestMap(req engine.ProvisionRequest) (map[string]interface{}, error) {
	data, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("failed to encode request: %w", err)
	}
	var m map[string]interface{}
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("failed to decode request: %w", err)
	}
	return m, nil
}

// details flattens a CUE error list into one line per error.
func details(err error) string {
	var lines []string
	for _, e := range cueerrors.Errors(err) {
		line := strings.TrimSpace(cueerrors.Details(e, nil))
		if line != "" {
			lines = append(lines, line)
		}
	}
	if len(lines) == 0 {
		return err.Error()
	}
	return strings.Join(lines, "; ")
}
