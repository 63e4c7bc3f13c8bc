package txn

import (
	"strings"

	"revfs/internal/noderev"
	"revfs/internal/revision"

	iradix "github.com/hashicorp/go-immutable-radix/v2"
)

type ChangeKind string

const (
	Add     ChangeKind = "A"
	Delete  ChangeKind = "D"
	Replace ChangeKind = "R"
	Modify  ChangeKind = "M"
)

// Change describes what a transaction did to one path.
type Change struct {
	Path     string            `json:"path"`
	Kind     ChangeKind        `json:"kind"`
	NodeKind noderev.Kind      `json:"node_kind,omitempty"`
	TextMod  bool              `json:"text_mod"`
	PropMod  bool              `json:"prop_mod"`
	CopyFrom *noderev.CopyFrom `json:"copy_from,omitempty"`
}

// changeSet is the ordered set of changed paths. Keys sort so that a
// directory precedes everything beneath it.
type changeSet struct {
	tree *iradix.Tree[*Change]
}

func newChangeSet() *changeSet {
	return &changeSet{tree: iradix.New[*Change]()}
}

func (c *changeSet) get(p string) (*Change, bool) {
	return c.tree.Get([]byte(p))
}

func (c *changeSet) put(ch *Change) {
	c.tree, _, _ = c.tree.Insert([]byte(ch.Path), ch)
}

func (c *changeSet) added(p string, kind noderev.Kind, from *noderev.CopyFrom) {
	ch := &Change{Path: p, Kind: Add, NodeKind: kind, CopyFrom: from}
	if prev, ok := c.get(p); ok && prev.Kind == Delete {
		ch.Kind = Replace
	}
	c.put(ch)
}

func (c *changeSet) deleted(p string, kind noderev.Kind) {
	prev, ok := c.get(p)
	c.dropBelow(p)
	if ok && prev.Kind == Add {
		c.tree, _, _ = c.tree.Delete([]byte(p))
		return
	}
	c.put(&Change{Path: p, Kind: Delete, NodeKind: kind})
}

func (c *changeSet) modified(p string, kind noderev.Kind, text, prop bool) {
	ch, ok := c.get(p)
	if !ok {
		ch = &Change{Path: p, Kind: Modify, NodeKind: kind}
	} else {
		cp := *ch
		ch = &cp
	}
	ch.TextMod = ch.TextMod || text
	ch.PropMod = ch.PropMod || prop
	c.put(ch)
}

func (c *changeSet) dropBelow(p string) {
	prefix := p + "/"
	if p == "/" {
		prefix = "/"
	}
	c.tree, _ = c.tree.DeletePrefix([]byte(prefix))
}

// list returns the changes in path order.
func (c *changeSet) list() []Change {
	out := make([]Change, 0, c.tree.Len())
	c.tree.Root().Walk(func(k []byte, ch *Change) bool {
		out = append(out, *ch)
		return false
	})
	return out
}

func changedPaths(changes []Change) []revision.ChangedPath {
	out := make([]revision.ChangedPath, len(changes))
	for i, ch := range changes {
		out[i] = revision.ChangedPath{
			Path:     ch.Path,
			Action:   string(ch.Kind),
			NodeKind: ch.NodeKind,
			TextMod:  ch.TextMod,
			PropMod:  ch.PropMod,
			CopyFrom: ch.CopyFrom,
		}
	}
	return out
}

// changeListing renders changes one per line as "<action> <path>", with a
// trailing slash on directories.
func changeListing(changes []Change) []byte {
	var b strings.Builder
	for _, ch := range changes {
		b.WriteString(string(ch.Kind))
		b.WriteByte(' ')
		b.WriteString(ch.Path)
		if ch.NodeKind == noderev.Dir && ch.Path != "/" {
			b.WriteByte('/')
		}
		b.WriteByte('\n')
	}
	return []byte(b.String())
}
