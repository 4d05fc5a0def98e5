// Package prompts is the prompt library. Prompts are YAML data: the embedded defaults can be
// overridden per entry by a prompts.yaml in the configured directory.
package prompts

import (
	_ "embed"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"text/template"

	gocache "github.com/patrickmn/go-cache"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/tenderflow/backend/pkg/errs"
	"github.com/tenderflow/backend/pkg/logger"
)

type Type string

const (
	TocNavigator         Type = "toc_navigator"
	BidEvaluator         Type = "bid_evaluator"
	TodoGenerator        Type = "todo_generator"
	ComplianceAuditor    Type = "compliance_auditor"
	ChunkFilter          Type = "chunk_filter"
	RequirementExtractor Type = "requirement_extractor"
	StructureAI          Type = "structure_ai"
)

// Types lists every prompt the library must provide.
var Types = []Type{
	TocNavigator, BidEvaluator, TodoGenerator, ComplianceAuditor,
	ChunkFilter, RequirementExtractor, StructureAI,
}

//go:embed defaults.yaml
var defaultLibrary []byte

const overrideFile = "prompts.yaml"

type Config struct {
	SystemPrompt string  `json:"system_prompt"`
	Temperature  float32 `json:"temperature"`
	MaxTokens    int     `json:"max_tokens"`
	Purpose      string  `json:"purpose"`
}

type tocHints struct {
	WithToc    string `yaml:"with_toc"`
	WithoutToc string `yaml:"without_toc"`
}

type entry struct {
	Purpose     string   `yaml:"purpose"`
	Temperature float32  `yaml:"temperature"`
	MaxTokens   int      `yaml:"max_tokens"`
	Variables   []string `yaml:"variables"`
	System      string   `yaml:"system"`
	Template    string   `yaml:"template"`
	TocHints    tocHints `yaml:"toc_hints"`
}

type library struct {
	Prompts map[Type]entry `yaml:"prompts"`
}

// Manager loads the library lazily and keeps compiled templates until Reload.
type Manager struct {
	dir string

	mu      sync.Mutex
	entries map[Type]entry

	compiled *gocache.Cache
}

func NewManager(dir string) *Manager {
	return &Manager{
		dir:      dir,
		compiled: gocache.New(gocache.NoExpiration, 0),
	}
}

func (m *Manager) load() (map[Type]entry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.entries != nil {
		return m.entries, nil
	}

	var lib library
	if err := yaml.Unmarshal(defaultLibrary, &lib); err != nil {
		return nil, errs.Configuration("load prompts", "embedded library is invalid: %v", err)
	}

	if m.dir != "" {
		path := filepath.Join(m.dir, overrideFile)
		data, err := os.ReadFile(path)
		switch {
		case err == nil:
			var override library
			if err := yaml.Unmarshal(data, &override); err != nil {
				return nil, errs.Configuration("load prompts", "%s is invalid: %v", path, err)
			}
			for t, e := range override.Prompts {
				lib.Prompts[t] = e
			}
			logger.Info("Prompt overrides loaded", zap.String("path", path), zap.Int("count", len(override.Prompts)))
		case os.IsNotExist(err):
			logger.Debug("No prompt override file", zap.String("path", path))
		default:
			return nil, errs.Configuration("load prompts", "cannot read %s: %v", path, err)
		}
	}

	for _, t := range Types {
		e, ok := lib.Prompts[t]
		if !ok || strings.TrimSpace(e.Template) == "" || strings.TrimSpace(e.System) == "" {
			return nil, errs.Configuration("load prompts", "prompt %s is missing", t)
		}
		if e.Purpose == "" {
			e.Purpose = string(t)
			lib.Prompts[t] = e
		}
	}

	m.entries = lib.Prompts
	return m.entries, nil
}

func (m *Manager) entry(t Type) (entry, error) {
	entries, err := m.load()
	if err != nil {
		return entry{}, err
	}
	e, ok := entries[t]
	if !ok {
		return entry{}, errs.Configuration("get prompt", "unknown prompt type %s", t)
	}
	return e, nil
}

func (m *Manager) template(t Type, e entry) (*template.Template, error) {
	if tmpl, ok := m.compiled.Get(string(t)); ok {
		return tmpl.(*template.Template), nil
	}
	tmpl, err := template.New(string(t)).Option("missingkey=error").Parse(e.Template)
	if err != nil {
		return nil, errs.Configuration("get prompt", "template %s does not parse: %v", t, err)
	}
	m.compiled.Set(string(t), tmpl, gocache.NoExpiration)
	return tmpl, nil
}

// Get renders the user prompt for t. Every declared variable must be present in vars.
// The bid evaluator additionally reads an optional bool has_toc and injects the matching hint.
func (m *Manager) Get(t Type, vars map[string]any) (string, error) {
	e, err := m.entry(t)
	if err != nil {
		return "", err
	}

	data := make(map[string]any, len(vars)+1)
	for k, v := range vars {
		data[k] = v
	}
	for _, name := range e.Variables {
		if _, ok := data[name]; !ok {
			return "", errs.MissingVariable("render "+string(t), name)
		}
	}

	if t == BidEvaluator {
		hasToc, _ := data["has_toc"].(bool)
		if hasToc {
			data["toc_hint"] = strings.TrimSpace(e.TocHints.WithToc)
		} else {
			data["toc_hint"] = strings.TrimSpace(e.TocHints.WithoutToc)
		}
	}

	tmpl, err := m.template(t, e)
	if err != nil {
		return "", err
	}
	var b strings.Builder
	if err := tmpl.Execute(&b, data); err != nil {
		return "", errs.MissingVariable("render "+string(t), err.Error())
	}
	return strings.TrimSpace(b.String()), nil
}

func (m *Manager) GetSystemPrompt(t Type) (string, error) {
	e, err := m.entry(t)
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(e.System), nil
}

func (m *Manager) GetConfig(t Type) (Config, error) {
	e, err := m.entry(t)
	if err != nil {
		return Config{}, err
	}
	return Config{
		SystemPrompt: strings.TrimSpace(e.System),
		Temperature:  e.Temperature,
		MaxTokens:    e.MaxTokens,
		Purpose:      e.Purpose,
	}, nil
}

// Variables returns the declared variables of t, sorted.
func (m *Manager) Variables(t Type) ([]string, error) {
	e, err := m.entry(t)
	if err != nil {
		return nil, err
	}
	out := append([]string(nil), e.Variables...)
	sort.Strings(out)
	return out, nil
}

// Reload drops the loaded library and compiled templates; the next call reads from disk again.
func (m *Manager) Reload() {
	m.mu.Lock()
	m.entries = nil
	m.mu.Unlock()
	m.compiled.Flush()
	logger.Info("Prompt library reloaded", zap.String("dir", m.dir))
}

var (
	defaultMu      sync.Mutex
	defaultManager *Manager
)

// Init installs the process-wide manager.
func Init(dir string) error {
	m := NewManager(dir)
	if _, err := m.load(); err != nil {
		return err
	}
	defaultMu.Lock()
	defaultManager = m
	defaultMu.Unlock()
	return nil
}

// Default returns the process-wide manager, creating one over the embedded library if Init was not called.
func Default() *Manager {
	defaultMu.Lock()
	defer defaultMu.Unlock()
	if defaultManager == nil {
		defaultManager = NewManager("")
	}
	return defaultManager
}

// Reset clears the process-wide manager. Intended for tests.
func Reset() {
	defaultMu.Lock()
	defaultManager = nil
	defaultMu.Unlock()
}
