// Package agentdef loads per-agent definitions from YAML files: prompt,
// welcome template, and whether group response gating applies.
package agentdef

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// Definition configures one agent id.
type Definition struct {
	AgentID         string `yaml:"agentId"`
	SystemPrompt    string `yaml:"systemPrompt,omitempty"`
	WelcomeTemplate string `yaml:"welcomeTemplate,omitempty"`
	GroupGating     bool   `yaml:"groupGating,omitempty"`
	HistoryLimit    int    `yaml:"historyLimit,omitempty"`
}

// DefaultDefinition is used for agent ids without a definition file.
func DefaultDefinition(agentID string) Definition {
	return Definition{
		AgentID:         agentID,
		WelcomeTemplate: "Hello {userName}! How can I help you today?",
		HistoryLimit:    20,
	}
}

// Registry resolves agent definitions by id.
type Registry struct {
	defs map[string]Definition
}

// Get returns the definition for the agent id, falling back to defaults.
func (r *Registry) Get(agentID string) Definition {
	if r != nil {
		if def, ok := r.defs[agentID]; ok {
			return def
		}
	}
	return DefaultDefinition(agentID)
}

// LoadFromDirectory reads every .yaml/.yml file in dir into a Registry.
// A missing directory yields an empty registry; malformed files are
// skipped with a warning.
func LoadFromDirectory(dir string, logger *slog.Logger) (*Registry, error) {
	reg := &Registry{defs: make(map[string]Definition)}

	if _, err := os.Stat(dir); os.IsNotExist(err) {
		logger.Debug("agents directory does not exist, using defaults", "dir", dir)
		return reg, nil
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("read agents dir: %w", err)
	}

	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		name := entry.Name()
		if !strings.HasSuffix(name, ".yaml") && !strings.HasSuffix(name, ".yml") {
			continue
		}

		path := filepath.Join(dir, name)
		data, err := os.ReadFile(path)
		if err != nil {
			logger.Warn("cannot read agent file", "path", path, "err", err)
			continue
		}

		var def Definition
		if err := yaml.Unmarshal(data, &def); err != nil {
			logger.Warn("cannot parse agent file", "path", path, "err", err)
			continue
		}
		if def.AgentID == "" {
			def.AgentID = strings.TrimSuffix(name, filepath.Ext(name))
		}
		if def.WelcomeTemplate == "" {
			def.WelcomeTemplate = DefaultDefinition(def.AgentID).WelcomeTemplate
		}
		if def.HistoryLimit <= 0 {
			def.HistoryLimit = DefaultDefinition(def.AgentID).HistoryLimit
		}

		logger.Info("loaded agent definition", "agent_id", def.AgentID, "path", path)
		reg.defs[def.AgentID] = def
	}
	return reg, nil
}

// RenderWelcome fills the welcome template for a user. Anonymous users get
// a neutral salutation instead of their placeholder name.
func (d Definition) RenderWelcome(userName string, isAnonymous bool) string {
	name := strings.TrimSpace(userName)
	if isAnonymous || name == "" {
		name = "there"
	}
	return strings.ReplaceAll(d.WelcomeTemplate, "{userName}", name)
}
