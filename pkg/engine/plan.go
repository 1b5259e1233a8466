package engine

import (
	"sort"

	"github.com/wehubfusion/Argus/pkg/node"
)

// Group is a set of nodes sharing a priority tier. Its nodes run
// concurrently; no order between them is guaranteed.
type Group struct {
	Priority int
	Nodes    []node.Node
}

// Names returns the node names of the group.
func (g Group) Names() []string {
	names := make([]string, len(g.Nodes))
	for i, n := range g.Nodes {
		names[i] = n.Definition().Name
	}
	return names
}

// Plan is the ordered list of groups for a run. Groups execute strictly one
// after another. ExecutionOrder is the group-major flattening and is used for
// bookkeeping only.
type Plan struct {
	Groups         []Group
	ExecutionOrder []string
	defs           map[string]node.Definition
}

// BuildPlan groups nodes by ascending priority. Within a group the input
// order is kept so the same selection always yields the same plan.
func BuildPlan(nodes []node.Node) *Plan {
	byPriority := make(map[int][]node.Node)
	defs := make(map[string]node.Definition, len(nodes))
	priorities := make([]int, 0)

	for _, n := range nodes {
		def := n.Definition()
		defs[def.Name] = def
		if _, seen := byPriority[def.Priority]; !seen {
			priorities = append(priorities, def.Priority)
		}
		byPriority[def.Priority] = append(byPriority[def.Priority], n)
	}
	sort.Ints(priorities)

	plan := &Plan{
		Groups:         make([]Group, 0, len(priorities)),
		ExecutionOrder: make([]string, 0, len(nodes)),
		defs:           defs,
	}
	for _, p := range priorities {
		g := Group{Priority: p, Nodes: byPriority[p]}
		plan.Groups = append(plan.Groups, g)
		plan.ExecutionOrder = append(plan.ExecutionOrder, g.Names()...)
	}
	return plan
}

// Len returns the number of planned nodes.
func (p *Plan) Len() int {
	return len(p.ExecutionOrder)
}

// Definition returns the definition of a planned node.
func (p *Plan) Definition(name string) (node.Definition, bool) {
	def, ok := p.defs[name]
	return def, ok
}

// Structure returns the node names of every group, in order.
func (p *Plan) Structure() [][]string {
	out := make([][]string, len(p.Groups))
	for i, g := range p.Groups {
		out[i] = g.Names()
	}
	return out
}
