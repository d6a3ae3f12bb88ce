package plan

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

type tableFile struct {
	Plans []tableEntry `yaml:"plans"`
}

// tableEntry keeps monthly_quota as a pointer so a missing key is not read
// as a zero quota.
type tableEntry struct {
	ID           ID       `yaml:"id"`
	Name         string   `yaml:"name"`
	MonthlyQuota *Limit   `yaml:"monthly_quota"`
	Features     Features `yaml:"features"`
}

// LoadFile reads a YAML plan table. An empty path yields DefaultPolicies.
//
//	plans:
//	  - id: standard
//	    monthly_quota: 40
//	    features: {export: true, seats: 1}
//	  - id: enterprise
//	    monthly_quota: unlimited
func LoadFile(path string) ([]Policy, error) {
	if path == "" {
		return DefaultPolicies(), nil
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("plan: read %s: %w", path, err)
	}
	return Parse(raw)
}

// Parse decodes a YAML plan table.
func Parse(raw []byte) ([]Policy, error) {
	var tf tableFile
	if err := yaml.Unmarshal(raw, &tf); err != nil {
		return nil, fmt.Errorf("plan: decode table: %w", err)
	}
	policies := make([]Policy, 0, len(tf.Plans))
	for i, e := range tf.Plans {
		if e.ID == "" {
			return nil, fmt.Errorf("plan: entry %d has no id", i)
		}
		if e.MonthlyQuota == nil {
			return nil, fmt.Errorf("plan: %s has no monthly_quota", e.ID)
		}
		policies = append(policies, Policy{ID: e.ID, Name: e.Name, QuotaLimit: *e.MonthlyQuota, Features: e.Features})
	}
	return policies, nil
}
