package domain

import (
	"encoding/json"
	"errors"
	"fmt"
	"path"
	"strings"
	"sync"
)

var (
	ErrContainerClosed = errors.New("container is closed")
	ErrContainerOpen   = errors.New("container is not closed")
	ErrNodeNotFound    = errors.New("node not found")
	ErrNoDestination   = errors.New("container has no destination")
)

// TransferPair is one resolved source to target copy.
type TransferPair struct {
	Source string
	Target string
}

// FileEntry describes a file of one collection.
type FileEntry struct {
	// RelPath is the slash separated path below the collection.
	RelPath     string
	LFN         string
	Transferred bool
}

// Container is the serializable description of one transfer. It is safe for concurrent use.
type Container struct {
	mu          sync.RWMutex
	transferID  string
	kind        TransferKind
	closed      bool
	destination string
	root        *Node
	generated   []string
	index       map[string]*Node
}

type containerJSON struct {
	TransferID     string       `json:"transferId"`
	Kind           TransferKind `json:"kind"`
	Closed         bool         `json:"closed"`
	Destination    string       `json:"destination,omitempty"`
	Tree           *Node        `json:"tree"`
	GeneratedFiles []string     `json:"generatedFiles,omitempty"`
}

// NewContainer creates an open container with an empty tree.
func NewContainer(transferID string, kind TransferKind) *Container {
	return &Container{
		transferID: transferID,
		kind:       kind,
		root:       newRootNode(),
	}
}

func (c *Container) TransferID() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.transferID
}

func (c *Container) Kind() TransferKind {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.kind
}

func (c *Container) IsClosed() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.closed
}

func (c *Container) Destination() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.destination
}

func (c *Container) SetDestination(location string) {
	c.mu.Lock()
	c.destination = location
	c.index = nil
	c.mu.Unlock()
}

// GeneratedFiles returns the locations appended by staging processors.
func (c *Container) GeneratedFiles() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return append([]string(nil), c.generated...)
}

// AddDataFile registers lfn below the data collection at relPath.
func (c *Container) AddDataFile(lfn, relPath string) error {
	return c.addFile(CollectionData, lfn, relPath)
}

// AddGeneratedFile registers a processor artifact. Adding the same location twice is a no-op.
func (c *Container) AddGeneratedFile(lfn string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrContainerClosed
	}
	for _, existing := range c.generated {
		if existing == lfn {
			return nil
		}
	}
	c.root.Child(CollectionGenerated).putFile(path.Base(lfn), lfn)
	c.generated = append(c.generated, lfn)
	return nil
}

func (c *Container) AddSettingsFile(lfn string) error {
	return c.addFile(CollectionSettings, lfn, path.Base(lfn))
}

func (c *Container) addFile(collection, lfn, relPath string) error {
	if lfn == "" {
		return fmt.Errorf("empty location for %s file", collection)
	}
	rel := strings.Trim(path.Clean("/"+relPath), "/")
	if rel == "" {
		rel = path.Base(lfn)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrContainerClosed
	}
	dir, name := path.Split(rel)
	c.root.Child(collection).ensureDir(dir).putFile(name, lfn)
	return nil
}

// Close freezes the file set and indexes every file by its target location.
func (c *Container) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	c.rebuildIndex()
}

// rebuildIndex maps the target location of every file below the destination to its node.
// Two files may share a source but never a target.
func (c *Container) rebuildIndex() {
	c.index = make(map[string]*Node)
	if c.destination == "" {
		return
	}
	_ = c.root.walk(nil, func(p []string, n *Node) error {
		if n.Dir {
			return nil
		}
		location := c.destination
		for _, name := range p {
			location = JoinLocation(location, name)
		}
		c.index[location] = n
		return nil
	})
}

// MarkFileTransferred flags the file whose target is dst and points its location at dst.
// Marking the same pair again is a no-op.
func (c *Container) MarkFileTransferred(src, dst string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.index == nil {
		c.rebuildIndex()
	}
	n, ok := c.index[dst]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNodeNotFound, dst)
	}
	if n.Transferred() && n.LFN == dst {
		return nil
	}
	if n.LFN != src {
		return fmt.Errorf("%w: %s is copied from %s, not %s", ErrNodeNotFound, dst, n.LFN, src)
	}
	n.SetAttr(AttrTransferred, "true")
	n.LFN = dst
	if c.root.Child(CollectionGenerated).contains(n) {
		for i, g := range c.generated {
			if g == src {
				c.generated[i] = dst
				break
			}
		}
	}
	return nil
}

// ResolveOpenTransfers reconciles the closed tree with the destination. ensureDir is
// called for every directory location below the destination and reports whether it exists
// afterwards. The returned pairs cover all files not yet transferred.
func (c *Container) ResolveOpenTransfers(ensureDir func(location string) (bool, error)) ([]TransferPair, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.closed {
		return nil, ErrContainerOpen
	}
	if c.destination == "" {
		return nil, ErrNoDestination
	}

	var pairs []TransferPair
	var resolve func(n *Node, location string) error
	resolve = func(n *Node, location string) error {
		if n.Dir {
			exists, err := ensureDir(location)
			if err != nil {
				return fmt.Errorf("prepare directory %s: %w", location, err)
			}
			n.SetAttr(AttrExists, fmt.Sprintf("%t", exists))
			for _, child := range n.Children {
				if err := resolve(child, JoinLocation(location, child.Name)); err != nil {
					return err
				}
			}
			return nil
		}
		if n.Transferred() {
			return nil
		}
		pairs = append(pairs, TransferPair{Source: n.LFN, Target: location})
		return nil
	}

	for _, collection := range c.root.Children {
		if err := resolve(collection, JoinLocation(c.destination, collection.Name)); err != nil {
			return nil, err
		}
	}
	return pairs, nil
}

// Files lists the files of one collection.
func (c *Container) Files(collection string) []FileEntry {
	c.mu.RLock()
	defer c.mu.RUnlock()
	node := c.root.Child(collection)
	if node == nil {
		return nil
	}
	var out []FileEntry
	_ = node.walk(nil, func(p []string, n *Node) error {
		if !n.Dir {
			out = append(out, FileEntry{
				RelPath:     strings.Join(p, "/"),
				LFN:         n.LFN,
				Transferred: n.Transferred(),
			})
		}
		return nil
	})
	return out
}

// FileCount returns the number of files in all collections.
func (c *Container) FileCount() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	count := 0
	_ = c.root.walk(nil, func(_ []string, n *Node) error {
		if !n.Dir {
			count++
		}
		return nil
	})
	return count
}

func (c *Container) MarshalJSON() ([]byte, error) {
	c.mu.RLock()
	snapshot := containerJSON{
		TransferID:     c.transferID,
		Kind:           c.kind,
		Closed:         c.closed,
		Destination:    c.destination,
		Tree:           c.root.clone(),
		GeneratedFiles: append([]string(nil), c.generated...),
	}
	c.mu.RUnlock()
	return json.Marshal(snapshot)
}

func (c *Container) UnmarshalJSON(data []byte) error {
	var raw containerJSON
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	if raw.Tree == nil {
		raw.Tree = newRootNode()
	}
	for _, name := range []string{CollectionData, CollectionGenerated, CollectionSettings} {
		if raw.Tree.Child(name) == nil {
			raw.Tree.Children = append(raw.Tree.Children, newDirNode(name))
		}
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	c.transferID = raw.TransferID
	c.kind = raw.Kind
	c.closed = raw.Closed
	c.destination = raw.Destination
	c.root = raw.Tree
	c.generated = raw.GeneratedFiles
	c.index = nil
	if c.closed {
		c.rebuildIndex()
	}
	return nil
}
