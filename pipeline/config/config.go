// Package config loads engine configuration from a YAML file with
// PIPELINE_ environment variable overrides.
package config

import (
	"fmt"
	"os"
	"regexp"
	"strings"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"

	"github.com/HishamBS/third-eye-mcp-sub000/pipeline/backend"
	"github.com/HishamBS/third-eye-mcp-sub000/pipeline/registry"
)

// DefaultPath is where Load looks when no file is given explicitly.
const DefaultPath = "config.yaml"

type Config struct {
	Server    ServerConfig    `koanf:"server"`
	Storage   StorageConfig   `koanf:"storage"`
	Tracing   TracingConfig   `koanf:"tracing"`
	Engine    EngineConfig    `koanf:"engine"`
	Backends  []BackendConfig `koanf:"backends"`
	Stages    []StageConfig   `koanf:"stages"`
	Routing   RoutingConfig   `koanf:"routing"` // catalog default routing
	Blueprint BlueprintConfig `koanf:"blueprint"`
	Template  []TemplateStep  `koanf:"template"` // template-strategy step list
}

type ServerConfig struct {
	// MetricsPort exposes Prometheus /metrics when > 0.
	MetricsPort int `koanf:"metrics_port"`
}

type StorageConfig struct {
	Type   string       `koanf:"type"` // sqlite, memory
	SQLite SQLiteConfig `koanf:"sqlite"`
}

type SQLiteConfig struct {
	Path string `koanf:"path"`
}

type TracingConfig struct {
	Enabled     bool   `koanf:"enabled"`
	Endpoint    string `koanf:"endpoint"` // OTLP gRPC endpoint, host:port
	ServiceName string `koanf:"service_name"`
}

type EngineConfig struct {
	// Strategy selects the routing strategy: "dynamic" or "template".
	Strategy string `koanf:"strategy"`
	// MaxStageInvocations caps how many stages a single run may execute.
	MaxStageInvocations int `koanf:"max_stage_invocations"`
}

type BackendConfig struct {
	ID                 string `koanf:"id"`
	BaseURL            string `koanf:"base_url"`
	APIKey             string `koanf:"api_key"` // supports ${ENV_VAR} substitution
	RequiresCredential bool   `koanf:"requires_credential"`
}

type StageConfig struct {
	Name               string        `koanf:"name"`
	Template           string        `koanf:"template"`
	TemplateFile       string        `koanf:"template_file"` // alternative to inline template
	AllowedCodes       []string      `koanf:"allowed_codes"`
	RequiredDataFields []string      `koanf:"required_data_fields"`
	Routing            RoutingConfig `koanf:"routing"` // stage-level override
}

type RoutingConfig struct {
	PrimaryBackend  string `koanf:"primary_backend"`
	PrimaryModel    string `koanf:"primary_model"`
	FallbackBackend string `koanf:"fallback_backend"`
	FallbackModel   string `koanf:"fallback_model"`
}

type BlueprintConfig struct {
	RouterStage               string   `koanf:"router_stage"`
	FirstStage                string   `koanf:"first_stage"`
	ClarificationLadder       []string `koanf:"clarification_ladder"`
	PlanStage                 string   `koanf:"plan_stage"`
	ImplementationReview      string   `koanf:"implementation_review"`
	TextTrackStages           []string `koanf:"text_track_stages"`
	FinalStage                string   `koanf:"final_stage"`
	MinStagesBeforeCompletion int      `koanf:"min_stages_before_completion"`
}

// TemplateStep is one step of a fixed template pipeline.
type TemplateStep struct {
	Stage     string              `koanf:"stage"`
	Condition string              `koanf:"condition"` // always, if_ok, if_rejected, if_awaiting_input
	Branches  map[string][]string `koanf:"branches"`  // branch value -> replacement stages
}

var envVarPattern = regexp.MustCompile(`\$\{([^}]+)\}`)

// Load reads configuration from path (DefaultPath when empty) and then
// applies PIPELINE_ environment overrides. A missing DefaultPath is fine;
// a missing explicit path is an error.
func Load(path string) (*Config, error) {
	k := koanf.New(".")

	explicit := path != ""
	if !explicit {
		path = DefaultPath
	}
	if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
		if explicit || !os.IsNotExist(err) {
			return nil, fmt.Errorf("failed to load config file %s: %w", path, err)
		}
	}

	// Environment overrides: PIPELINE_STORAGE__TYPE=memory -> storage.type
	if err := k.Load(env.Provider("PIPELINE_", ".", func(s string) string {
		return strings.ReplaceAll(strings.ToLower(strings.TrimPrefix(s, "PIPELINE_")), "__", ".")
	}), nil); err != nil {
		return nil, fmt.Errorf("failed to load environment: %w", err)
	}

	applyDefaults(k)

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	for i := range cfg.Backends {
		cfg.Backends[i].APIKey = substituteEnvVars(cfg.Backends[i].APIKey)
	}
	for i := range cfg.Stages {
		if cfg.Stages[i].Template == "" && cfg.Stages[i].TemplateFile != "" {
			raw, err := os.ReadFile(cfg.Stages[i].TemplateFile)
			if err != nil {
				return nil, fmt.Errorf("failed to read template for stage %s: %w", cfg.Stages[i].Name, err)
			}
			cfg.Stages[i].Template = string(raw)
		}
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func applyDefaults(k *koanf.Koanf) {
	if !k.Exists("storage.type") {
		k.Set("storage.type", "sqlite")
	}
	if !k.Exists("storage.sqlite.path") {
		k.Set("storage.sqlite.path", "pipeline.db")
	}
	if !k.Exists("engine.strategy") {
		k.Set("engine.strategy", "dynamic")
	}
	if !k.Exists("engine.max_stage_invocations") {
		k.Set("engine.max_stage_invocations", 32)
	}
	if !k.Exists("tracing.service_name") {
		k.Set("tracing.service_name", "pipeline-engine")
	}
}

func substituteEnvVars(s string) string {
	return envVarPattern.ReplaceAllStringFunc(s, func(match string) string {
		varName := envVarPattern.FindStringSubmatch(match)[1]
		return os.Getenv(varName)
	})
}

// Validate checks cross-field constraints that koanf cannot express.
func (c *Config) Validate() error {
	switch c.Storage.Type {
	case "sqlite", "memory":
	default:
		return fmt.Errorf("unknown storage type %q", c.Storage.Type)
	}
	switch c.Engine.Strategy {
	case "dynamic", "template":
	default:
		return fmt.Errorf("unknown engine strategy %q", c.Engine.Strategy)
	}
	if c.Engine.Strategy == "template" && len(c.Template) == 0 {
		return fmt.Errorf("template strategy requires at least one template step")
	}

	seen := make(map[string]bool, len(c.Backends))
	for _, b := range c.Backends {
		if b.ID == "" {
			return fmt.Errorf("backend with empty id")
		}
		if b.BaseURL == "" {
			return fmt.Errorf("backend %s has no base_url", b.ID)
		}
		if seen[b.ID] {
			return fmt.Errorf("duplicate backend %s", b.ID)
		}
		seen[b.ID] = true
	}

	for _, s := range c.Stages {
		routing := s.Routing
		for _, ref := range []string{routing.PrimaryBackend, routing.FallbackBackend} {
			if ref != "" && !seen[ref] {
				return fmt.Errorf("stage %s routes to unknown backend %s", s.Name, ref)
			}
		}
	}
	for _, ref := range []string{c.Routing.PrimaryBackend, c.Routing.FallbackBackend} {
		if ref != "" && !seen[ref] {
			return fmt.Errorf("default routing references unknown backend %s", ref)
		}
	}
	return nil
}

// =============================================================================
// DOMAIN CONVERSIONS
// =============================================================================

func (r RoutingConfig) toRouting() *registry.Routing {
	if r.PrimaryBackend == "" && r.PrimaryModel == "" {
		return nil
	}
	return &registry.Routing{
		PrimaryBackend:  r.PrimaryBackend,
		PrimaryModel:    r.PrimaryModel,
		FallbackBackend: r.FallbackBackend,
		FallbackModel:   r.FallbackModel,
	}
}

// BuildRegistry converts the configured stages into a stage registry.
func (c *Config) BuildRegistry() (*registry.Registry, error) {
	specs := make([]*registry.StageSpec, 0, len(c.Stages))
	for _, s := range c.Stages {
		specs = append(specs, &registry.StageSpec{
			Name:               s.Name,
			Template:           s.Template,
			AllowedCodes:       s.AllowedCodes,
			RequiredDataFields: s.RequiredDataFields,
			Routing:            s.Routing.toRouting(),
		})
	}
	return registry.New(specs, c.Routing.toRouting())
}

// BuildBlueprint converts the blueprint section, falling back to the
// default topology for any field left empty.
func (c *Config) BuildBlueprint() (*registry.Blueprint, error) {
	bp := registry.DefaultBlueprint()
	if c.Blueprint.RouterStage != "" {
		bp.RouterStage = c.Blueprint.RouterStage
	}
	if c.Blueprint.FirstStage != "" {
		bp.FirstStage = c.Blueprint.FirstStage
	}
	if len(c.Blueprint.ClarificationLadder) > 0 {
		bp.ClarificationLadder = c.Blueprint.ClarificationLadder
	}
	if c.Blueprint.PlanStage != "" {
		bp.PlanStage = c.Blueprint.PlanStage
	}
	if c.Blueprint.ImplementationReview != "" {
		bp.ImplementationReview = c.Blueprint.ImplementationReview
	}
	if len(c.Blueprint.TextTrackStages) > 0 {
		bp.TextTrackStages = c.Blueprint.TextTrackStages
	}
	if c.Blueprint.FinalStage != "" {
		bp.FinalStage = c.Blueprint.FinalStage
	}
	if c.Blueprint.MinStagesBeforeCompletion > 0 {
		bp.MinStagesBeforeCompletion = c.Blueprint.MinStagesBeforeCompletion
	}
	if err := bp.Validate(); err != nil {
		return nil, err
	}
	return bp, nil
}

// Endpoints returns the backend endpoint map for the HTTP client.
func (c *Config) Endpoints() map[string]backend.Endpoint {
	out := make(map[string]backend.Endpoint, len(c.Backends))
	for _, b := range c.Backends {
		out[b.ID] = backend.Endpoint{
			BaseURL:            b.BaseURL,
			RequiresCredential: b.RequiresCredential,
		}
	}
	return out
}

// Credentials returns the API keys configured inline (after ${VAR}
// substitution). Callers usually chain this with EnvCredentials.
func (c *Config) Credentials() *backend.StaticCredentials {
	secrets := make(map[string]string)
	for _, b := range c.Backends {
		if b.APIKey != "" {
			secrets[b.ID] = b.APIKey
		}
	}
	return backend.NewStaticCredentials(secrets)
}
