package config

import (
	"bytes"
	_ "embed"
	"encoding/json"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/santhosh-tekuri/jsonschema/v5"
	"gopkg.in/yaml.v3"

	"github.com/ambientloop/keel/internal/attribution"
	"github.com/ambientloop/keel/internal/derive"
	"github.com/ambientloop/keel/internal/errors"
	"github.com/ambientloop/keel/internal/event"
	"github.com/ambientloop/keel/internal/healthmon"
	"github.com/ambientloop/keel/internal/receipt"
	"github.com/ambientloop/keel/internal/trust"
)

//go:embed schema.json
var schemaJSON []byte

// Document is the versioned threshold document. Every field is optional
// except version; omitted sections keep the shipped defaults. The safety
// breaker threshold is deliberately absent: it is a hard-coded circuit
// breaker, not a tunable heuristic.
type Document struct {
	Version     int                             `yaml:"version"`
	Transitions map[string]transitionDoc        `yaml:"transitions"`
	BaseImpacts map[string]float64              `yaml:"base_impacts"`
	Gates       map[string]gateDoc              `yaml:"gates"`
	Health      map[string]healthmon.Thresholds `yaml:"health_thresholds"`
	BatchWindow *derive.Window                  `yaml:"batch_window"`
	ReceiptTTLs map[string]int                  `yaml:"receipt_ttl_hours"`
}

type transitionDoc struct {
	MinDays  int     `yaml:"min_days"`
	MinCount int     `yaml:"min_count"`
	MinScore float64 `yaml:"min_score"`
}

type gateDoc struct {
	MinPhase      string  `yaml:"min_phase"`
	MinConfidence float64 `yaml:"min_confidence"`
}

// Manager loads and validates threshold documents. An invalid document is
// rejected whole and the previous valid one stays active; there is no
// partial application.
type Manager struct {
	mu      sync.RWMutex
	current Document
	schema  *jsonschema.Schema
	logger  zerolog.Logger
	loaded  time.Time
}

// NewManager creates a manager holding the shipped defaults.
func NewManager(logger zerolog.Logger) (*Manager, error) {
	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource("thresholds.schema.json", bytes.NewReader(schemaJSON)); err != nil {
		return nil, fmt.Errorf("loading threshold schema: %w", err)
	}
	schema, err := compiler.Compile("thresholds.schema.json")
	if err != nil {
		return nil, fmt.Errorf("compiling threshold schema: %w", err)
	}
	return &Manager{
		current: Document{Version: 1},
		schema:  schema,
		logger:  logger.With().Str("component", "config").Logger(),
	}, nil
}

// LoadFile reads, validates and atomically applies a threshold document.
// On any error the current document is untouched.
func (m *Manager) LoadFile(path string) error {
	raw, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("reading threshold document: %w", err)
	}
	return m.Load(raw)
}

// Load validates and applies a YAML threshold document.
func (m *Manager) Load(raw []byte) error {
	var generic interface{}
	if err := yaml.Unmarshal(raw, &generic); err != nil {
		return fmt.Errorf("%w: %v", errors.ErrInvalidConfig, err)
	}
	// Round-trip through JSON so the schema validator sees JSON-typed values.
	jsonRaw, err := json.Marshal(generic)
	if err != nil {
		return fmt.Errorf("%w: %v", errors.ErrInvalidConfig, err)
	}
	var jsonVal interface{}
	if err := json.Unmarshal(jsonRaw, &jsonVal); err != nil {
		return fmt.Errorf("%w: %v", errors.ErrInvalidConfig, err)
	}
	if err := m.schema.Validate(jsonVal); err != nil {
		return fmt.Errorf("%w: %v", errors.ErrInvalidConfig, err)
	}

	var doc Document
	if err := yaml.Unmarshal(raw, &doc); err != nil {
		return fmt.Errorf("%w: %v", errors.ErrInvalidConfig, err)
	}
	if err := validateSemantics(doc); err != nil {
		return err
	}

	m.mu.Lock()
	old := m.current.Version
	m.current = doc
	m.loaded = time.Now().UTC()
	m.mu.Unlock()

	m.logger.Info().Int("old_version", old).Int("version", doc.Version).
		Msg("threshold document applied")
	return nil
}

// validateSemantics checks the cross-field rules the schema cannot express.
func validateSemantics(doc Document) error {
	for name := range doc.BaseImpacts {
		if !event.Kind(name).Valid() {
			return &errors.ConfigError{Field: "base_impacts." + name, Message: "unknown event kind"}
		}
	}
	for name := range doc.Gates {
		if !trust.ActionKind(name).Valid() {
			return &errors.ConfigError{Field: "gates." + name, Message: "unknown action kind"}
		}
	}
	for name, t := range doc.Health {
		if !healthmon.FailureClass(name).Valid() {
			return &errors.ConfigError{Field: "health_thresholds." + name, Message: "unknown failure class"}
		}
		if !(t.Degraded < t.SafeMode && t.SafeMode < t.Suspended) {
			return &errors.ConfigError{
				Field:   "health_thresholds." + name,
				Message: "thresholds must be strictly increasing in severity",
			}
		}
	}
	for name := range doc.ReceiptTTLs {
		if !trust.ActionKind(name).Valid() {
			return &errors.ConfigError{Field: "receipt_ttl_hours." + name, Message: "unknown action kind"}
		}
	}
	return nil
}

// Current returns the active document.
func (m *Manager) Current() Document {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.current
}

// Transitions converts the document section, overlaying the defaults.
func (m *Manager) Transitions() map[trust.Phase]trust.Transition {
	out := trust.DefaultTransitions()
	for name, t := range m.Current().Transitions {
		phase, ok := trust.ParsePhase(name)
		if !ok {
			continue
		}
		out[phase] = trust.Transition{MinDays: t.MinDays, MinCount: t.MinCount, MinScore: t.MinScore}
	}
	return out
}

// BaseImpacts converts the document section, overlaying the defaults.
func (m *Manager) BaseImpacts() map[event.Kind]float64 {
	out := make(map[event.Kind]float64)
	for k, v := range attribution.DefaultBaseImpacts() {
		out[k] = v
	}
	for name, v := range m.Current().BaseImpacts {
		out[event.Kind(name)] = v
	}
	return out
}

// Gates converts the document section, overlaying the defaults.
func (m *Manager) Gates() map[trust.ActionKind]trust.Gate {
	out := trust.DefaultGates()
	for name, g := range m.Current().Gates {
		phase, ok := trust.ParsePhase(g.MinPhase)
		if !ok {
			continue
		}
		out[trust.ActionKind(name)] = trust.Gate{MinPhase: phase, MinConfidence: g.MinConfidence}
	}
	return out
}

// HealthThresholds converts the document section, overlaying the defaults.
func (m *Manager) HealthThresholds() map[healthmon.FailureClass]healthmon.Thresholds {
	out := healthmon.DefaultThresholds()
	for name, t := range m.Current().Health {
		out[healthmon.FailureClass(name)] = t
	}
	return out
}

// BatchWindow returns the OfflineBatch eligibility window.
func (m *Manager) BatchWindow() derive.Window {
	if w := m.Current().BatchWindow; w != nil {
		return *w
	}
	return derive.DefaultBatchWindow
}

// ReceiptTTLs converts the document section, overlaying the defaults.
func (m *Manager) ReceiptTTLs() map[trust.ActionKind]time.Duration {
	out := receipt.DefaultTTLs()
	for name, hours := range m.Current().ReceiptTTLs {
		out[trust.ActionKind(name)] = time.Duration(hours) * time.Hour
	}
	return out
}
