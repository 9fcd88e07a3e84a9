package inventory

import (
	"fmt"
	"os"
	"sort"
	"strings"

	"github.com/quailyquaily/smartops/internal/pathutil"
	"gopkg.in/yaml.v3"
)

// Target is one managed instance.
type Target struct {
	ID       string `yaml:"id"`
	Name     string `yaml:"name"`
	Platform string `yaml:"platform"`
}

type file struct {
	Targets []Target `yaml:"targets"`
}

// Inventory is the set of known targets, ordered by id.
type Inventory []Target

// Load reads an inventory file:
//
//	targets:
//	  - id: i-0abc
//	    name: web-1
//	    platform: linux
//
// An empty path yields an empty inventory.
func Load(path string) (Inventory, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, nil
	}
	data, err := os.ReadFile(pathutil.ExpandHomePath(path))
	if err != nil {
		return nil, fmt.Errorf("read inventory: %w", err)
	}
	return Parse(data)
}

func Parse(data []byte) (Inventory, error) {
	var f file
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse inventory: %w", err)
	}
	seen := make(map[string]bool, len(f.Targets))
	out := make(Inventory, 0, len(f.Targets))
	for i, t := range f.Targets {
		t.ID = strings.TrimSpace(t.ID)
		t.Name = strings.TrimSpace(t.Name)
		t.Platform = strings.ToLower(strings.TrimSpace(t.Platform))
		if t.ID == "" {
			return nil, fmt.Errorf("inventory target %d: missing id", i)
		}
		if seen[t.ID] {
			return nil, fmt.Errorf("inventory target %q listed twice", t.ID)
		}
		seen[t.ID] = true
		if t.Platform == "" {
			t.Platform = "linux"
		}
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// Platforms maps target id to platform.
func (inv Inventory) Platforms() map[string]string {
	if len(inv) == 0 {
		return nil
	}
	m := make(map[string]string, len(inv))
	for _, t := range inv {
		m[t.ID] = t.Platform
	}
	return m
}
