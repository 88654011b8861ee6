package session

import (
	"fmt"
	"strings"
	"time"
)

// ViewNode is one entry in a TreeView.
type ViewNode struct {
	ID           string    `json:"id"`
	ParentID     string    `json:"parent_id,omitempty"`
	Role         Role      `json:"role"`
	Preview      string    `json:"preview"`
	CreatedAt    time.Time `json:"created_at"`
	Children     []string  `json:"children,omitempty"`
	SupersededBy string    `json:"superseded_by,omitempty"`
	OnHeadPath   bool      `json:"on_head_path"`
	IsHead       bool      `json:"is_head"`
}

// TreeView is a structural description of a session's entries and branches.
type TreeView struct {
	SessionID    string     `json:"session_id"`
	Name         string     `json:"name"`
	Head         string     `json:"head,omitempty"`
	Nodes        []ViewNode `json:"nodes"`
	Roots        []string   `json:"roots"`
	Leaves       []string   `json:"leaves"`
	BranchPoints []string   `json:"branch_points"`
}

const previewLen = 60

func buildView(header Header, tree *Tree) TreeView {
	view := TreeView{
		SessionID:    header.ID,
		Name:         header.Name,
		Head:         tree.Head(),
		Leaves:       tree.Leaves(),
		BranchPoints: tree.BranchPoints(),
	}

	onPath := make(map[string]bool)
	if view.Head != "" {
		if path, err := tree.PathTo(view.Head); err == nil {
			for _, e := range path {
				onPath[e.ID] = true
			}
		}
		onPath[view.Head] = true
	}

	for _, id := range tree.order {
		e := tree.entries[id]
		node := ViewNode{
			ID:         e.ID,
			ParentID:   e.ParentID,
			Role:       e.Role,
			Preview:    e.Summary(previewLen),
			CreatedAt:  e.CreatedAt,
			Children:   tree.Children(id),
			OnHeadPath: onPath[id],
			IsHead:     id == view.Head,
		}
		node.SupersededBy, _ = tree.SupersededBy(id)
		if e.ParentID == "" {
			view.Roots = append(view.Roots, id)
		}
		view.Nodes = append(view.Nodes, node)
	}
	return view
}

// Node returns the node with the given id.
func (v TreeView) Node(id string) (ViewNode, bool) {
	for _, n := range v.Nodes {
		if n.ID == id {
			return n, true
		}
	}
	return ViewNode{}, false
}

// Render draws the raw tree as indented ASCII. Head is marked with '*',
// entries on the head path with '>', and compacted entries with '~'.
func (v TreeView) Render() string {
	byID := make(map[string]ViewNode, len(v.Nodes))
	for _, n := range v.Nodes {
		byID[n.ID] = n
	}

	var b strings.Builder
	fmt.Fprintf(&b, "%s (%s)\n", v.Name, v.SessionID)

	var walk func(id, prefix string, last bool)
	walk = func(id, prefix string, last bool) {
		n := byID[id]
		branch := "├── "
		next := prefix + "│   "
		if last {
			branch = "└── "
			next = prefix + "    "
		}

		mark := " "
		switch {
		case n.IsHead:
			mark = "*"
		case n.SupersededBy != "":
			mark = "~"
		case n.OnHeadPath:
			mark = ">"
		}
		fmt.Fprintf(&b, "%s%s%s %s [%s] %s\n", prefix, branch, mark, shortID(n.ID), n.Role, n.Preview)

		for i, c := range n.Children {
			walk(c, next, i == len(n.Children)-1)
		}
	}

	for i, r := range v.Roots {
		walk(r, "", i == len(v.Roots)-1)
	}
	return b.String()
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[len(id)-8:]
	}
	return id
}
