package inventory

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
	"gopkg.in/yaml.v3"

	"github.com/openfroyo/polemarch/pkg/engine"
	"github.com/openfroyo/polemarch/pkg/stores"
)

// Render writes the graph as an Ansible YAML inventory. Every host is
// declared under "all" with its own variables; groups reference hosts and
// children by name.
func (g *Graph) Render(w io.Writer) error {
	hosts := make(map[string]interface{}, len(g.hosts))
	for name, host := range g.hosts {
		hosts[name] = hostEntry(host.Vars)
	}

	children := make(map[string]interface{}, len(g.groups))
	for name, group := range g.groups {
		entry := make(map[string]interface{})
		if len(group.Hosts) > 0 {
			members := make(map[string]interface{}, len(group.Hosts))
			for _, host := range group.Hosts {
				members[host] = map[string]interface{}{}
			}
			entry["hosts"] = members
		}
		if len(group.Children) > 0 {
			members := make(map[string]interface{}, len(group.Children))
			for _, child := range group.Children {
				members[child] = map[string]interface{}{}
			}
			entry["children"] = members
		}
		if len(group.Vars) > 0 {
			entry["vars"] = group.Vars
		}
		children[name] = entry
	}

	all := make(map[string]interface{})
	if len(hosts) > 0 {
		all["hosts"] = hosts
	}
	if len(children) > 0 {
		all["children"] = children
	}
	if len(g.inv.Vars) > 0 {
		all["vars"] = g.inv.Vars
	}

	enc := yaml.NewEncoder(w)
	enc.SetIndent(2)
	if err := enc.Encode(map[string]interface{}{GroupAll: all}); err != nil {
		return fmt.Errorf("failed to render inventory %s: %w", g.inv.Name, err)
	}
	return enc.Close()
}

func hostEntry(vars map[string]interface{}) map[string]interface{} {
	if vars == nil {
		return map[string]interface{}{}
	}
	return vars
}

// WriteFile renders the inventory into dir and returns the file path.
// The file is written under a temporary name and renamed into place.
func (g *Graph) WriteFile(dir string) (string, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("failed to create inventory directory: %w", err)
	}

	path := filepath.Join(dir, fmt.Sprintf("inventory-%s.yml", uuid.NewString()))
	tmp, err := os.CreateTemp(dir, ".inventory-*")
	if err != nil {
		return "", fmt.Errorf("failed to create inventory file: %w", err)
	}
	defer os.Remove(tmp.Name())

	if err := g.Render(tmp); err != nil {
		tmp.Close()
		return "", err
	}
	if err := tmp.Close(); err != nil {
		return "", fmt.Errorf("failed to write inventory file: %w", err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return "", fmt.Errorf("failed to install inventory file: %w", err)
	}
	return path, nil
}

// Source loads stored inventory definitions by name.
type Source interface {
	GetInventory(ctx context.Context, name string) (string, error)
}

// Load fetches, parses and builds a stored inventory.
func Load(ctx context.Context, src Source, name string) (*Graph, error) {
	definition, err := src.GetInventory(ctx, name)
	if err != nil {
		if errors.Is(err, stores.ErrNotFound) {
			return nil, engine.NewNotFoundError("inventory", name)
		}
		return nil, fmt.Errorf("failed to load inventory %s: %w", name, err)
	}
	inv, err := Parse([]byte(definition))
	if err != nil {
		return nil, err
	}
	if inv.Name == "" {
		inv.Name = name
	}
	return Build(inv)
}

// Materialized is an inventory argument ready for the command line.
type Materialized struct {
	// Arg is passed to -i.
	Arg string

	// Graph is set when the inventory came from a stored definition.
	Graph *Graph

	path string
}

// Cleanup removes a rendered inventory file. Safe to call on any value.
func (m *Materialized) Cleanup() {
	if m != nil && m.path != "" {
		_ = os.Remove(m.path)
	}
}

// Materialize turns an inventory reference into a -i argument. A reference
// containing a comma is an inline host list. A reference naming a path in
// the workspace is used as is. Anything else is a stored inventory, rendered
// into tmpDir.
func Materialize(ctx context.Context, src Source, ref, root, tmpDir string) (*Materialized, error) {
	ref = strings.TrimSpace(ref)
	if ref == "" {
		return nil, invalid("inventory reference is empty")
	}
	if strings.Contains(ref, ",") {
		return &Materialized{Arg: ref}, nil
	}

	if !filepath.IsAbs(ref) && filepath.IsLocal(ref) {
		if _, err := os.Stat(filepath.Join(root, ref)); err == nil {
			return &Materialized{Arg: ref}, nil
		}
	}

	graph, err := Load(ctx, src, ref)
	if err != nil {
		return nil, err
	}
	path, err := graph.WriteFile(tmpDir)
	if err != nil {
		return nil, err
	}
	return &Materialized{Arg: path, Graph: graph, path: path}, nil
}
