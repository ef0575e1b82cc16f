// Package templates seeds the built-in system org patterns. Patterns ship as
// YAML files embedded in the binary and are upserted by name at startup, so a
// rebuild refreshes them without touching workspace templates.
package templates

import (
	"context"
	"embed"
	"encoding/json"
	"fmt"
	"io/fs"

	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/crewdeck/crewdeck/internal/common/logger"
	"github.com/crewdeck/crewdeck/internal/team/models"
	"github.com/crewdeck/crewdeck/internal/team/store"
)

//go:embed patterns/*.yaml
var patternFS embed.FS

// seedFile is the on-disk shape of one system template.
type seedFile struct {
	Name        string   `yaml:"name"`
	Description string   `yaml:"description"`
	Version     string   `yaml:"version"`
	Pattern     yaml.Node `yaml:"pattern"`
}

// Validator checks a pattern before it is seeded. The deployment service
// implements it.
type Validator interface {
	ValidatePattern(pattern *models.OrgPattern) error
}

// Seed parses every embedded pattern and upserts it as a system template.
// A broken file fails startup; system templates are code, not data.
func Seed(ctx context.Context, st *store.Store, validator Validator, log *logger.Logger) error {
	entries, err := fs.Glob(patternFS, "patterns/*.yaml")
	if err != nil {
		return err
	}

	for _, path := range entries {
		raw, err := patternFS.ReadFile(path)
		if err != nil {
			return fmt.Errorf("failed to read %s: %w", path, err)
		}

		var file seedFile
		if err := yaml.Unmarshal(raw, &file); err != nil {
			return fmt.Errorf("failed to parse %s: %w", path, err)
		}
		if file.Name == "" {
			return fmt.Errorf("%s: template name is required", path)
		}

		pattern, err := decodePattern(&file.Pattern)
		if err != nil {
			return fmt.Errorf("%s: %w", path, err)
		}
		if validator != nil {
			if err := validator.ValidatePattern(pattern); err != nil {
				return fmt.Errorf("%s: %w", path, err)
			}
		}

		tpl := &models.Template{
			Name:        file.Name,
			Description: file.Description,
			Version:     file.Version,
			Pattern:     pattern,
		}
		if err := st.UpsertSystemTemplate(ctx, tpl); err != nil {
			return fmt.Errorf("failed to seed %s: %w", file.Name, err)
		}
		log.Info("seeded system template",
			zap.String("name", file.Name),
			zap.String("version", file.Version))
	}
	return nil
}

// decodePattern bridges the YAML document onto the JSON-tagged pattern model.
func decodePattern(node *yaml.Node) (*models.OrgPattern, error) {
	var generic map[string]any
	if err := node.Decode(&generic); err != nil {
		return nil, fmt.Errorf("invalid pattern block: %w", err)
	}
	raw, err := json.Marshal(generic)
	if err != nil {
		return nil, fmt.Errorf("invalid pattern block: %w", err)
	}
	var pattern models.OrgPattern
	if err := json.Unmarshal(raw, &pattern); err != nil {
		return nil, fmt.Errorf("invalid pattern block: %w", err)
	}
	if len(pattern.Structure.Roles) == 0 {
		return nil, fmt.Errorf("pattern has no roles")
	}
	return &pattern, nil
}
