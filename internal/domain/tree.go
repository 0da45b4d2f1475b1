package domain

import (
	"net/url"
	"path"
	"strings"
)

// Names of the collections every transfer tree carries below its root.
const (
	CollectionData      = "data"
	CollectionGenerated = "generated"
	CollectionSettings  = "settings"
)

// Node attribute keys.
const (
	AttrExists      = "exists"
	AttrTransferred = "transferred"
)

// Node is a directory or file of a transfer tree. Files carry the logical location of
// their current copy in LFN.
type Node struct {
	Name       string            `json:"name"`
	Dir        bool              `json:"dir,omitempty"`
	LFN        string            `json:"lfn,omitempty"`
	Attributes map[string]string `json:"attributes,omitempty"`
	Children   []*Node           `json:"children,omitempty"`
}

func newDirNode(name string) *Node {
	return &Node{Name: name, Dir: true}
}

func newFileNode(name, lfn string) *Node {
	return &Node{Name: name, LFN: lfn}
}

func newRootNode() *Node {
	root := newDirNode("")
	for _, name := range []string{CollectionData, CollectionGenerated, CollectionSettings} {
		root.Children = append(root.Children, newDirNode(name))
	}
	return root
}

// Child returns the direct child called name.
func (n *Node) Child(name string) *Node {
	for _, c := range n.Children {
		if c.Name == name {
			return c
		}
	}
	return nil
}

func (n *Node) Attr(key string) string {
	if n.Attributes == nil {
		return ""
	}
	return n.Attributes[key]
}

func (n *Node) SetAttr(key, value string) {
	if n.Attributes == nil {
		n.Attributes = make(map[string]string)
	}
	n.Attributes[key] = value
}

func (n *Node) Transferred() bool {
	return n.Attr(AttrTransferred) == "true"
}

// ensureDir walks down the slash separated rel path creating missing directories.
func (n *Node) ensureDir(rel string) *Node {
	cur := n
	for _, part := range strings.Split(rel, "/") {
		if part == "" || part == "." {
			continue
		}
		next := cur.Child(part)
		if next == nil {
			next = newDirNode(part)
			cur.Children = append(cur.Children, next)
		}
		cur = next
	}
	return cur
}

// putFile adds or replaces the file called name.
func (n *Node) putFile(name, lfn string) *Node {
	for i, c := range n.Children {
		if c.Name == name && !c.Dir {
			n.Children[i] = newFileNode(name, lfn)
			return n.Children[i]
		}
	}
	f := newFileNode(name, lfn)
	n.Children = append(n.Children, f)
	return f
}

func (n *Node) clone() *Node {
	if n == nil {
		return nil
	}
	out := &Node{Name: n.Name, Dir: n.Dir, LFN: n.LFN}
	if len(n.Attributes) > 0 {
		out.Attributes = make(map[string]string, len(n.Attributes))
		for k, v := range n.Attributes {
			out.Attributes[k] = v
		}
	}
	for _, c := range n.Children {
		out.Children = append(out.Children, c.clone())
	}
	return out
}

// walk visits n and its descendants depth first; p holds the names from the collection
// level down to the visited node.
// contains reports whether target is n or one of its descendants. A nil n contains nothing.
func (n *Node) contains(target *Node) bool {
	if n == nil {
		return false
	}
	if n == target {
		return true
	}
	for _, c := range n.Children {
		if c.contains(target) {
			return true
		}
	}
	return false
}

func (n *Node) walk(p []string, fn func(p []string, node *Node) error) error {
	if err := fn(p, n); err != nil {
		return err
	}
	for _, c := range n.Children {
		next := append(append([]string(nil), p...), c.Name)
		if err := c.walk(next, fn); err != nil {
			return err
		}
	}
	return nil
}

// JoinLocation appends name to the path of the location reference base.
func JoinLocation(base, name string) string {
	u, err := url.Parse(base)
	if err != nil || u.Scheme == "" {
		return strings.TrimSuffix(base, "/") + "/" + strings.TrimPrefix(name, "/")
	}
	u.Path = path.Join("/", u.Path, name)
	u.RawPath = ""
	return u.String()
}
