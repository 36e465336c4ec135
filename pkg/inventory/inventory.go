// Package inventory models Ansible inventories as a directed acyclic graph of
// groups and hosts.
//
// An Inventory is the declarative form stored by name and loaded from the jobs
// file. Build validates it and returns a Graph, a read-only view that resolves
// host variables and group membership without parent/child object references.
package inventory

import (
	"bytes"
	"fmt"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/openfroyo/polemarch/pkg/engine"
)

// Reserved group names managed by Ansible itself.
const (
	GroupAll       = "all"
	GroupUngrouped = "ungrouped"
)

// Host is a managed host with its own variables.
type Host struct {
	Name string                 `json:"name" yaml:"name" validate:"required"`
	Vars map[string]interface{} `json:"vars,omitempty" yaml:"vars,omitempty"`
}

// Group collects either child groups or hosts, never both.
type Group struct {
	Name     string                 `json:"name" yaml:"name" validate:"required"`
	Children []string               `json:"children,omitempty" yaml:"children,omitempty"`
	Hosts    []string               `json:"hosts,omitempty" yaml:"hosts,omitempty"`
	Vars     map[string]interface{} `json:"vars,omitempty" yaml:"vars,omitempty"`
}

// Inventory is the declarative definition of hosts, groups and variables.
type Inventory struct {
	Name   string                 `json:"name" yaml:"name" validate:"required"`
	Vars   map[string]interface{} `json:"vars,omitempty" yaml:"vars,omitempty"`
	Hosts  []Host                 `json:"hosts,omitempty" yaml:"hosts,omitempty" validate:"dive"`
	Groups []Group                `json:"groups,omitempty" yaml:"groups,omitempty" validate:"dive"`
}

// Parse decodes a YAML inventory definition. Unknown fields are rejected.
func Parse(data []byte) (*Inventory, error) {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)

	var inv Inventory
	if err := dec.Decode(&inv); err != nil {
		return nil, engine.NewPermanentError("failed to parse inventory", err).
			WithCode(engine.ErrCodeValidation)
	}
	return &inv, nil
}

// Marshal encodes the inventory in the form Parse accepts.
func (inv *Inventory) Marshal() ([]byte, error) {
	data, err := yaml.Marshal(inv)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal inventory %s: %w", inv.Name, err)
	}
	return data, nil
}

// Graph is the validated, read-only view of an inventory.
type Graph struct {
	inv    *Inventory
	hosts  map[string]*Host
	groups map[string]*Group

	// parents maps a group to the groups listing it as a child
	parents map[string][]string

	// memberOf maps a host to the groups listing it directly
	memberOf map[string][]string

	// depth is the longest distance of a group from a top-level group
	depth map[string]int

	// levels holds group names per depth, parents before children
	levels [][]string
}

// Build validates the inventory and computes its group graph.
func Build(inv *Inventory) (*Graph, error) {
	g := &Graph{
		inv:      inv,
		hosts:    make(map[string]*Host),
		groups:   make(map[string]*Group),
		parents:  make(map[string][]string),
		memberOf: make(map[string][]string),
		depth:    make(map[string]int),
	}

	if err := g.initialize(); err != nil {
		return nil, err
	}
	if err := g.detectCycles(); err != nil {
		return nil, err
	}
	g.computeLevels()

	return g, nil
}

func invalid(format string, args ...interface{}) error {
	return engine.NewPermanentError(fmt.Sprintf(format, args...), nil).
		WithCode(engine.ErrCodeValidation)
}

func (g *Graph) initialize() error {
	for i := range g.inv.Hosts {
		host := &g.inv.Hosts[i]
		if host.Name == "" {
			return invalid("inventory %s: host has empty name", g.inv.Name)
		}
		if _, dup := g.hosts[host.Name]; dup {
			return invalid("inventory %s: duplicate host %s", g.inv.Name, host.Name)
		}
		g.hosts[host.Name] = host
	}

	for i := range g.inv.Groups {
		group := &g.inv.Groups[i]
		switch group.Name {
		case "":
			return invalid("inventory %s: group has empty name", g.inv.Name)
		case GroupAll, GroupUngrouped:
			return invalid("inventory %s: group name %s is reserved", g.inv.Name, group.Name)
		}
		if _, dup := g.groups[group.Name]; dup {
			return invalid("inventory %s: duplicate group %s", g.inv.Name, group.Name)
		}
		if _, clash := g.hosts[group.Name]; clash {
			return invalid("inventory %s: %s is both a host and a group", g.inv.Name, group.Name)
		}
		if len(group.Children) > 0 && len(group.Hosts) > 0 {
			return invalid("inventory %s: group %s holds both children and hosts", g.inv.Name, group.Name)
		}
		g.groups[group.Name] = group
	}

	for _, group := range g.groups {
		for _, child := range group.Children {
			if _, ok := g.groups[child]; !ok {
				return invalid("inventory %s: group %s references unknown group %s", g.inv.Name, group.Name, child)
			}
			g.parents[child] = append(g.parents[child], group.Name)
		}
		for _, host := range group.Hosts {
			if _, ok := g.hosts[host]; !ok {
				return invalid("inventory %s: group %s references unknown host %s", g.inv.Name, group.Name, host)
			}
			g.memberOf[host] = append(g.memberOf[host], group.Name)
		}
	}

	for name := range g.parents {
		sort.Strings(g.parents[name])
	}
	for name := range g.memberOf {
		sort.Strings(g.memberOf[name])
	}
	return nil
}

// detectCycles walks child edges depth first and reports the first cycle found.
func (g *Graph) detectCycles() error {
	visited := make(map[string]bool)
	onStack := make(map[string]bool)

	for _, name := range g.groupNames() {
		if visited[name] {
			continue
		}
		if cycle := g.detectCyclesUtil(name, visited, onStack, nil); cycle != nil {
			return invalid("inventory %s: group cycle detected: %s", g.inv.Name, formatCycle(cycle))
		}
	}
	return nil
}

func (g *Graph) detectCyclesUtil(name string, visited, onStack map[string]bool, path []string) []string {
	visited[name] = true
	onStack[name] = true
	path = append(path, name)

	for _, child := range g.groups[name].Children {
		if !visited[child] {
			if cycle := g.detectCyclesUtil(child, visited, onStack, path); cycle != nil {
				return cycle
			}
		} else if onStack[child] {
			for i, n := range path {
				if n == child {
					cycle := append([]string{}, path[i:]...)
					return append(cycle, child)
				}
			}
		}
	}

	onStack[name] = false
	return nil
}

// computeLevels runs Kahn's algorithm over child edges. A group lands on the
// level after its deepest parent.
func (g *Graph) computeLevels() {
	inDegree := make(map[string]int, len(g.groups))
	for name := range g.groups {
		inDegree[name] = len(g.parents[name])
	}

	current := make([]string, 0)
	for _, name := range g.groupNames() {
		if inDegree[name] == 0 {
			current = append(current, name)
		}
	}

	for level := 0; len(current) > 0; level++ {
		sort.Strings(current)
		g.levels = append(g.levels, current)

		next := make([]string, 0)
		for _, name := range current {
			g.depth[name] = level
			for _, child := range g.groups[name].Children {
				inDegree[child]--
				if inDegree[child] == 0 {
					next = append(next, child)
				}
			}
		}
		current = next
	}
}

func (g *Graph) groupNames() []string {
	names := make([]string, 0, len(g.groups))
	for name := range g.groups {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func formatCycle(cycle []string) string {
	return strings.Join(cycle, " -> ")
}

// Name returns the inventory name.
func (g *Graph) Name() string {
	return g.inv.Name
}

// Hosts returns every host name, sorted.
func (g *Graph) Hosts() []string {
	names := make([]string, 0, len(g.hosts))
	for name := range g.hosts {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Levels returns group names grouped by depth, top-level groups first.
func (g *Graph) Levels() [][]string {
	return g.levels
}

// Ancestors returns the groups host belongs to, directly or through parents,
// ordered from the farthest ancestor to the nearest group.
func (g *Graph) Ancestors(host string) []string {
	seen := make(map[string]bool)
	var walk func(string)
	walk = func(group string) {
		if seen[group] {
			return
		}
		seen[group] = true
		for _, parent := range g.parents[group] {
			walk(parent)
		}
	}
	for _, group := range g.memberOf[host] {
		walk(group)
	}

	groups := make([]string, 0, len(seen))
	for group := range seen {
		groups = append(groups, group)
	}
	sort.Slice(groups, func(i, j int) bool {
		if g.depth[groups[i]] != g.depth[groups[j]] {
			return g.depth[groups[i]] < g.depth[groups[j]]
		}
		return groups[i] < groups[j]
	})
	return groups
}

// ResolveVars computes the effective variables of host. Host variables win
// over the nearest group, groups win over their ancestors, and inventory
// variables come last. Values are replaced, not merged.
func (g *Graph) ResolveVars(host string) (map[string]interface{}, error) {
	h, ok := g.hosts[host]
	if !ok {
		return nil, engine.NewNotFoundError("host", host)
	}

	vars := make(map[string]interface{})
	for k, v := range g.inv.Vars {
		vars[k] = v
	}
	for _, group := range g.Ancestors(host) {
		for k, v := range g.groups[group].Vars {
			vars[k] = v
		}
	}
	for k, v := range h.Vars {
		vars[k] = v
	}
	return vars, nil
}

// GroupHosts returns the hosts of group including those of its descendants.
func (g *Graph) GroupHosts(group string) ([]string, error) {
	if group == GroupAll {
		return g.Hosts(), nil
	}
	if group == GroupUngrouped {
		var out []string
		for _, host := range g.Hosts() {
			if len(g.memberOf[host]) == 0 {
				out = append(out, host)
			}
		}
		return out, nil
	}
	if _, ok := g.groups[group]; !ok {
		return nil, engine.NewNotFoundError("group", group)
	}

	set := make(map[string]bool)
	var walk func(string)
	walk = func(name string) {
		grp := g.groups[name]
		for _, host := range grp.Hosts {
			set[host] = true
		}
		for _, child := range grp.Children {
			walk(child)
		}
	}
	walk(group)
	return sortedKeys(set), nil
}

// Match resolves an Ansible host pattern. Terms are separated by ':' or ','
// and may be a host, a group, "all" or "*". A leading '!' excludes the term
// and a leading '&' intersects with it. Unknown terms match nothing.
func (g *Graph) Match(pattern string) []string {
	terms := strings.FieldsFunc(pattern, func(r rune) bool { return r == ':' || r == ',' })

	selected := make(map[string]bool)
	var intersect []map[string]bool
	var exclude []string

	for _, term := range terms {
		term = strings.TrimSpace(term)
		switch {
		case strings.HasPrefix(term, "!"):
			exclude = append(exclude, g.term(term[1:])...)
		case strings.HasPrefix(term, "&"):
			set := make(map[string]bool)
			for _, host := range g.term(term[1:]) {
				set[host] = true
			}
			intersect = append(intersect, set)
		default:
			for _, host := range g.term(term) {
				selected[host] = true
			}
		}
	}

	for _, set := range intersect {
		for host := range selected {
			if !set[host] {
				delete(selected, host)
			}
		}
	}
	for _, host := range exclude {
		delete(selected, host)
	}
	return sortedKeys(selected)
}

func (g *Graph) term(term string) []string {
	if term == "*" {
		return g.Hosts()
	}
	if _, ok := g.hosts[term]; ok {
		return []string{term}
	}
	hosts, err := g.GroupHosts(term)
	if err != nil {
		return nil
	}
	return hosts
}

func sortedKeys(set map[string]bool) []string {
	out := make([]string, 0, len(set))
	for k := range set {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
