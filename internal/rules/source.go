package rules

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
)

// StaticSource serves rules loaded from YAML files. Rules are owned by
// an administrative surface; the engine only reads them, so a reload
// swaps the whole set at once.
type StaticSource struct {
	mu       sync.RWMutex
	byTenant map[string][]*Rule
}

// NewStaticSource creates a source holding the given rules.
func NewStaticSource(rules []*Rule) *StaticSource {
	s := &StaticSource{}
	s.Replace(rules)
	return s
}

// LoadRulesDir parses every .yaml/.yml file under dir into a single rule
// set. A directory with no rule files yields an empty set, not an error.
func LoadRulesDir(dir string) ([]*Rule, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("read rules dir: %w", err)
	}

	var all []*Rule
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		ext := strings.ToLower(filepath.Ext(entry.Name()))
		if ext != ".yaml" && ext != ".yml" {
			continue
		}

		data, err := os.ReadFile(filepath.Join(dir, entry.Name()))
		if err != nil {
			return nil, fmt.Errorf("read rule file %s: %w", entry.Name(), err)
		}
		rules, err := ParseRules(data)
		if err != nil {
			return nil, fmt.Errorf("parse rule file %s: %w", entry.Name(), err)
		}
		all = append(all, rules...)
	}
	return all, nil
}

// Replace swaps the current rule set.
func (s *StaticSource) Replace(rules []*Rule) {
	byTenant := make(map[string][]*Rule)
	for _, rule := range rules {
		byTenant[rule.Tenant] = append(byTenant[rule.Tenant], rule)
	}
	for _, tenantRules := range byTenant {
		sort.Slice(tenantRules, func(i, j int) bool {
			return tenantRules[i].CreatedAt.After(tenantRules[j].CreatedAt)
		})
	}

	s.mu.Lock()
	s.byTenant = byTenant
	s.mu.Unlock()
}

// EnabledForTenant returns the tenant's enabled rules, newest first.
func (s *StaticSource) EnabledForTenant(_ context.Context, tenant string) ([]*Rule, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var enabled []*Rule
	for _, rule := range s.byTenant[tenant] {
		if rule.Enabled {
			enabled = append(enabled, rule)
		}
	}
	return enabled, nil
}

// Len reports the total number of loaded rules across all tenants.
func (s *StaticSource) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()

	n := 0
	for _, rules := range s.byTenant {
		n += len(rules)
	}
	return n
}
