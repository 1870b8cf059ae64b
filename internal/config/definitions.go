package config

import (
	"fmt"
	"os"
	"strings"

	"github.com/santedb/santedb-dc-core-sub006/internal/models"

	"gopkg.in/yaml.v2"
)

type definitionsFile struct {
	Subscriptions []models.SubscriptionDefinition `yaml:"subscriptions"`
}

// LoadDefinitions reads the subscription registry. Ids must be unique and
// every definition needs a resource type.
func LoadDefinitions(path string) ([]models.SubscriptionDefinition, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var file definitionsFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}

	seen := make(map[string]bool, len(file.Subscriptions))
	for i, def := range file.Subscriptions {
		def.ID = strings.TrimSpace(def.ID)
		def.ResourceType = strings.TrimSpace(def.ResourceType)
		if def.ID == "" || def.ResourceType == "" {
			return nil, fmt.Errorf("subscription %d: id and resource are required", i)
		}
		if seen[def.ID] {
			return nil, fmt.Errorf("duplicate subscription %q", def.ID)
		}
		seen[def.ID] = true
		file.Subscriptions[i] = def
	}
	return file.Subscriptions, nil
}
