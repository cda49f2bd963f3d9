// Package hierarchy models the agent tree declared through sub_agents
// manifest sections, with a navigation stack and remote delegation.
package hierarchy

import (
	"fmt"
	"log/slog"
	"sort"

	"github.com/skiffhq/skiff/pkg/config"
)

// Node is one agent in the tree. Children are referenced by name; nodes hold
// no back-pointers.
type Node struct {
	Name        string
	Description string

	// URL marks a remote child reached over its runtime HTTP surface.
	URL       string
	AuthToken string

	Children []string
}

// Remote reports whether this node runs out of process.
func (n *Node) Remote() bool { return n.URL != "" }

// Tree is the rooted agent hierarchy.
type Tree struct {
	root  string
	nodes map[string]*Node
}

// NewTree builds the hierarchy from the root agent's manifest. Each
// sub_agents entry becomes a child of the root.
func NewTree(manifest *config.Manifest) *Tree {
	root := &Node{
		Name:        manifest.Agent.Name,
		Description: manifest.Agent.Description,
	}
	t := &Tree{
		root:  root.Name,
		nodes: map[string]*Node{root.Name: root},
	}

	names := make([]string, 0, len(manifest.SubAgents))
	for key := range manifest.SubAgents {
		names = append(names, key)
	}
	sort.Strings(names)

	for _, key := range names {
		sub := manifest.SubAgents[key]
		name := sub.Name
		if name == "" {
			name = key
		}
		t.nodes[name] = &Node{
			Name:      name,
			URL:       sub.URL,
			AuthToken: sub.AuthToken,
		}
		root.Children = append(root.Children, name)
	}
	return t
}

// Root returns the root node name.
func (t *Tree) Root() string { return t.root }

// Node returns the named node, nil when undeclared.
func (t *Tree) Node(name string) *Node { return t.nodes[name] }

// Navigator is a per-session path from root to the currently addressed node.
type Navigator struct {
	tree  *Tree
	stack []string
}

// NewNavigator starts at the tree root.
func NewNavigator(tree *Tree) *Navigator {
	return &Navigator{tree: tree, stack: []string{tree.root}}
}

// RestorePath rebuilds a navigator from a persisted context path. An invalid
// path falls back to the root.
func RestorePath(tree *Tree, path []string) *Navigator {
	nav := NewNavigator(tree)
	for _, name := range path {
		if name == tree.root && len(nav.stack) == 1 {
			continue
		}
		if err := nav.Enter(name); err != nil {
			return NewNavigator(tree)
		}
	}
	return nav
}

// Current returns the addressed node.
func (n *Navigator) Current() *Node {
	return n.tree.Node(n.stack[len(n.stack)-1])
}

// Path returns the root-to-current node names.
func (n *Navigator) Path() []string {
	out := make([]string, len(n.stack))
	copy(out, n.stack)
	return out
}

// Enter pushes a declared child of the current node.
func (n *Navigator) Enter(child string) error {
	current := n.Current()
	for _, name := range current.Children {
		if name == child {
			n.stack = append(n.stack, child)
			return nil
		}
	}
	return fmt.Errorf("%s is not a child of %s", child, current.Name)
}

// Exit pops back toward the root. At the root it warns and stays put.
func (n *Navigator) Exit() {
	if len(n.stack) == 1 {
		slog.Warn("already at root agent", "agent", n.stack[0])
		return
	}
	n.stack = n.stack[:len(n.stack)-1]
}
