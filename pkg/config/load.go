package config

import (
	_ "embed"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	cueerrors "cuelang.org/go/cue/errors"
	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/openfroyo/idler/pkg/engine"
)

//go:embed schema.cue
var schemaSource string

// Format is a configuration file encoding.
type Format string

const (
	FormatCUE  Format = "cue"
	FormatYAML Format = "yaml"
	FormatJSON Format = "json"
)

// FormatFromPath infers the format from a file extension.
func FormatFromPath(path string) (Format, error) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".cue":
		return FormatCUE, nil
	case ".yaml", ".yml":
		return FormatYAML, nil
	case ".json":
		return FormatJSON, nil
	}
	return "", fmt.Errorf("unsupported config file extension: %s", path)
}

// ValidationError locates one schema or validation failure.
type ValidationError struct {
	Path    string `json:"path,omitempty"`
	Line    int    `json:"line,omitempty"`
	Column  int    `json:"column,omitempty"`
	Message string `json:"message"`
}

func (e ValidationError) String() string {
	loc := e.Path
	if e.Line > 0 {
		loc = fmt.Sprintf("%s:%d:%d", loc, e.Line, e.Column)
	}
	if loc == "" {
		return e.Message
	}
	return loc + ": " + e.Message
}

// InvalidConfigError carries every failure found in one pass.
type InvalidConfigError struct {
	Source string
	Errors []ValidationError
}

func (e *InvalidConfigError) Error() string {
	msgs := make([]string, len(e.Errors))
	for i, ve := range e.Errors {
		msgs[i] = ve.String()
	}
	return fmt.Sprintf("invalid configuration %s: %s", e.Source, strings.Join(msgs, "; "))
}

// Load reads and validates a configuration file.
func Load(path string) (*Config, error) {
	format, err := FormatFromPath(path)
	if err != nil {
		return nil, engine.NewConfigurationError("cannot load configuration", err)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}
	return Parse(data, format, path)
}

// Default returns the configuration produced by an empty document.
func Default() *Config {
	cfg, err := Parse([]byte("{}"), FormatJSON, "default")
	if err != nil {
		panic(fmt.Sprintf("config: schema defaults do not validate: %v", err))
	}
	return cfg
}

// Parse decodes data in the given format, applies the schema defaults and
// validates the result.
func Parse(data []byte, format Format, source string) (*Config, error) {
	ctx := cuecontext.New()

	schema := ctx.CompileString(schemaSource, cue.Filename("schema.cue"))
	if err := schema.Err(); err != nil {
		return nil, fmt.Errorf("failed to compile config schema: %w", err)
	}
	def := schema.LookupPath(cue.ParsePath("#Config"))

	var doc cue.Value
	switch format {
	case FormatCUE, FormatJSON:
		// JSON is valid CUE; compiling it directly keeps integers integral.
		doc = ctx.CompileBytes(data, cue.Filename(source))
	case FormatYAML:
		var v interface{}
		if err := yaml.Unmarshal(data, &v); err != nil {
			return nil, invalid(source, ValidationError{Message: err.Error()})
		}
		if v == nil {
			v = map[string]interface{}{}
		}
		doc = ctx.Encode(v)
	default:
		return nil, engine.NewConfigurationError("unknown config format "+string(format), nil)
	}
	if err := doc.Err(); err != nil {
		return nil, invalid(source, convertCUEErrors(err)...)
	}

	unified := def.Unify(doc)
	if err := unified.Validate(cue.Final(), cue.Concrete(true)); err != nil {
		return nil, invalid(source, convertCUEErrors(err)...)
	}

	raw, err := unified.MarshalJSON()
	if err != nil {
		return nil, invalid(source, convertCUEErrors(err)...)
	}
	var cfg Config
	if err := json.Unmarshal(raw, &cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}

	if errs := validate(&cfg); len(errs) > 0 {
		return nil, invalid(source, errs...)
	}
	return &cfg, nil
}

func invalid(source string, errs ...ValidationError) error {
	return engine.NewConfigurationError("invalid configuration", &InvalidConfigError{Source: source, Errors: errs}).
		WithCode(engine.ErrCodeValidation)
}

var validate = func() func(*Config) []ValidationError {
	v := validator.New()
	return func(cfg *Config) []ValidationError {
		var out []ValidationError
		if err := v.Struct(cfg); err != nil {
			if verrs, ok := err.(validator.ValidationErrors); ok {
				for _, fe := range verrs {
					out = append(out, ValidationError{
						Path:    fe.Namespace(),
						Message: fmt.Sprintf("failed %q constraint", fe.Tag()),
					})
				}
			} else {
				out = append(out, ValidationError{Message: err.Error()})
			}
		}
		return append(out, checkSemantics(cfg)...)
	}
}()

// checkSemantics covers rules that span fields.
func checkSemantics(cfg *Config) []ValidationError {
	var out []ValidationError

	stages := map[string]bool{}
	clusters := map[string]string{}
	for i, st := range cfg.Stages {
		path := fmt.Sprintf("stages[%d]", i)
		if stages[st.Name] {
			out = append(out, ValidationError{Path: path + ".name", Message: "duplicate stage " + st.Name})
		}
		stages[st.Name] = true

		if db := st.Resources.DBCluster; db != nil {
			if other, dup := clusters[db.ID]; dup {
				out = append(out, ValidationError{
					Path:    path + ".resources.db_cluster.id",
					Message: fmt.Sprintf("cluster %s already belongs to stage %s", db.ID, other),
				})
			}
			clusters[db.ID] = st.Name
		}

		services := map[string]bool{}
		for _, svc := range st.Resources.Services {
			key := svc.Cluster + "/" + svc.Name
			if services[key] {
				out = append(out, ValidationError{Path: path + ".resources.services", Message: "duplicate service " + key})
			}
			services[key] = true
		}
	}

	if p := cfg.AutoRestart.ClusterPattern; p != "" {
		re, err := regexp.Compile(p)
		switch {
		case err != nil:
			out = append(out, ValidationError{Path: "autorestart.cluster_pattern", Message: err.Error()})
		case re.SubexpIndex("stage") < 0:
			out = append(out, ValidationError{Path: "autorestart.cluster_pattern", Message: `pattern needs a named group "stage"`})
		}
	}

	if cfg.Timing.RetryMaxDelay < cfg.Timing.RetryBaseDelay {
		out = append(out, ValidationError{Path: "timing.retry_max_delay", Message: "must not be shorter than retry_base_delay"})
	}
	return out
}

func convertCUEErrors(err error) []ValidationError {
	var out []ValidationError
	for _, e := range cueerrors.Errors(err) {
		ve := ValidationError{
			Path:    strings.Join(e.Path(), "."),
			Message: cueerrors.Details(e, nil),
		}
		if pos := cueerrors.Positions(e); len(pos) > 0 {
			ve.Line, ve.Column = pos[0].Line(), pos[0].Column()
		}
		out = append(out, ve)
	}
	return out
}
