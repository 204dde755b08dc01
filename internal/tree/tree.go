// Package tree models the shared file tree of a room. A tree is a
// name-keyed mapping of tagged nodes: a node is exclusively a folder
// (holding children) or a file (holding content). The whole structure
// crosses the wire by value on every folder update, so the package also
// provides deep copy, deep equality, and validation for decoded input.
package tree

import (
	"fmt"
	"path"
	"sort"
	"strings"
)

const (
	TypeFolder = "folder"
	TypeFile   = "file"
)

// File display annotations. Carried through sync verbatim; no merge
// logic ever consults them.
const (
	StatusUnchanged = "unchanged"
	StatusModified  = "modified"
	StatusEdited    = "edited"
	StatusNew       = "new"
)

// Node is one entry in the tree. Type selects the variant: folders use
// Children, files use Content/Language/Status.
type Node struct {
	Type     string           `json:"type"`
	Children map[string]*Node `json:"children,omitempty"`
	Content  string           `json:"content,omitempty"`
	Language string           `json:"language,omitempty"`
	Status   string           `json:"status,omitempty"`
}

// Folder is the root mapping of a room tree: child name to node. Names
// are unique among siblings by construction.
type Folder map[string]*Node

// Default returns the folder every new room starts with.
func Default() Folder {
	return Folder{
		"src": {
			Type: TypeFolder,
			Children: map[string]*Node{
				"index.js": {
					Type:     TypeFile,
					Content:  "// Welcome to CodeSathi",
					Language: "javascript",
					Status:   StatusUnchanged,
				},
			},
		},
	}
}

// Validate checks the variant invariants on every node. Decoded wire
// payloads must pass before they are applied or persisted.
func (f Folder) Validate() error {
	for name, node := range f {
		if err := node.validate(name); err != nil {
			return err
		}
	}
	return nil
}

func (n *Node) validate(name string) error {
	if n == nil {
		return fmt.Errorf("node %q is null", name)
	}
	switch n.Type {
	case TypeFolder:
		if n.Content != "" {
			return fmt.Errorf("folder %q carries file content", name)
		}
		for child, cn := range n.Children {
			if err := cn.validate(name + "/" + child); err != nil {
				return err
			}
		}
	case TypeFile:
		if len(n.Children) > 0 {
			return fmt.Errorf("file %q carries children", name)
		}
	default:
		return fmt.Errorf("node %q has unknown type %q", name, n.Type)
	}
	return nil
}

// Clone returns a deep copy. Every handoff across a goroutine or API
// boundary clones first; nothing ever shares node pointers.
func (f Folder) Clone() Folder {
	if f == nil {
		return nil
	}
	out := make(Folder, len(f))
	for name, node := range f {
		out[name] = node.clone()
	}
	return out
}

func (n *Node) clone() *Node {
	if n == nil {
		return nil
	}
	c := &Node{
		Type:     n.Type,
		Content:  n.Content,
		Language: n.Language,
		Status:   n.Status,
	}
	if n.Children != nil {
		c.Children = make(map[string]*Node, len(n.Children))
		for name, child := range n.Children {
			c.Children[name] = child.clone()
		}
	}
	return c
}

// Equal reports structural equality: same names, variant tags, content,
// language and status throughout. Receivers use it to drop redundant
// folder broadcasts.
func (f Folder) Equal(other Folder) bool {
	if len(f) != len(other) {
		return false
	}
	for name, node := range f {
		on, ok := other[name]
		if !ok || !node.equal(on) {
			return false
		}
	}
	return true
}

func (n *Node) equal(other *Node) bool {
	if n == nil || other == nil {
		return n == other
	}
	if n.Type != other.Type || n.Content != other.Content ||
		n.Language != other.Language || n.Status != other.Status {
		return false
	}
	if len(n.Children) != len(other.Children) {
		return false
	}
	for name, child := range n.Children {
		oc, ok := other.Children[name]
		if !ok || !child.equal(oc) {
			return false
		}
	}
	return true
}

// Get resolves a slash-separated path ("src/components/App.jsx") to a
// node.
func (f Folder) Get(p string) (*Node, bool) {
	parts := splitPath(p)
	if len(parts) == 0 {
		return nil, false
	}
	current := map[string]*Node(f)
	for i, part := range parts {
		node, ok := current[part]
		if !ok {
			return nil, false
		}
		if i == len(parts)-1 {
			return node, true
		}
		if node.Type != TypeFolder {
			return nil, false
		}
		current = node.Children
	}
	return nil, false
}

// SetFileContent overwrites the content of the file at p and marks it
// edited.
func (f Folder) SetFileContent(p, content string) error {
	node, ok := f.Get(p)
	if !ok {
		return fmt.Errorf("no such file: %s", p)
	}
	if node.Type != TypeFile {
		return fmt.Errorf("not a file: %s", p)
	}
	node.Content = content
	node.Status = StatusEdited
	return nil
}

// Create adds a new file or folder under parentPath. An empty
// parentPath targets the root mapping. Sibling name collisions are
// rejected.
func (f Folder) Create(parentPath, name, typ string) error {
	if name == "" || strings.Contains(name, "/") {
		return fmt.Errorf("invalid item name %q", name)
	}
	children, err := f.childrenAt(parentPath)
	if err != nil {
		return err
	}
	if _, exists := children[name]; exists {
		return fmt.Errorf("%s already exists in %s", name, parentPath)
	}
	switch typ {
	case TypeFolder:
		children[name] = &Node{Type: TypeFolder, Children: map[string]*Node{}}
	case TypeFile:
		children[name] = &Node{
			Type:     TypeFile,
			Content:  fmt.Sprintf("// New %s file", name),
			Language: DetectLanguage(name),
			Status:   StatusNew,
		}
	default:
		return fmt.Errorf("unknown item type %q", typ)
	}
	return nil
}

// Delete removes the file or folder at p, subtree included.
func (f Folder) Delete(p string) error {
	parts := splitPath(p)
	if len(parts) == 0 {
		return fmt.Errorf("empty path")
	}
	parent := path.Dir(p)
	if parent == "." {
		parent = ""
	}
	children, err := f.childrenAt(parent)
	if err != nil {
		return err
	}
	name := parts[len(parts)-1]
	if _, ok := children[name]; !ok {
		return fmt.Errorf("no such item: %s", p)
	}
	delete(children, name)
	return nil
}

// Files returns the paths of every file in the tree, sorted. Used by
// stats and by the headless agent when mirroring a room.
func (f Folder) Files() []string {
	var out []string
	var walk func(prefix string, children map[string]*Node)
	walk = func(prefix string, children map[string]*Node) {
		for name, node := range children {
			p := name
			if prefix != "" {
				p = prefix + "/" + name
			}
			if node.Type == TypeFile {
				out = append(out, p)
			} else {
				walk(p, node.Children)
			}
		}
	}
	walk("", f)
	sort.Strings(out)
	return out
}

func (f Folder) childrenAt(p string) (map[string]*Node, error) {
	if p == "" {
		return f, nil
	}
	node, ok := f.Get(p)
	if !ok {
		return nil, fmt.Errorf("no such folder: %s", p)
	}
	if node.Type != TypeFolder {
		return nil, fmt.Errorf("not a folder: %s", p)
	}
	if node.Children == nil {
		node.Children = map[string]*Node{}
	}
	return node.Children, nil
}

func splitPath(p string) []string {
	p = strings.Trim(p, "/")
	if p == "" {
		return nil
	}
	return strings.Split(p, "/")
}

// DetectLanguage maps a file name to the editor language hint.
func DetectLanguage(name string) string {
	ext := strings.ToLower(strings.TrimPrefix(path.Ext(name), "."))
	switch ext {
	case "js", "jsx", "ts", "tsx":
		return "javascript"
	case "py":
		return "python"
	case "cpp", "cc", "cxx", "hpp":
		return "cpp"
	case "c", "h":
		return "c"
	case "html", "htm":
		return "html"
	case "css":
		return "css"
	default:
		return "plaintext"
	}
}
