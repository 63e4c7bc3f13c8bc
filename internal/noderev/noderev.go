// Package noderev models node-revisions: the versioned state of one file
// or directory. It also resolves paths and directory entries within a
// revision or transaction tree.
package noderev

import (
	"fmt"
	"sort"
	"strconv"
	"strings"

	"revfs/internal/content"
	"revfs/internal/props"
)

type Kind string

const (
	File Kind = "file"
	Dir  Kind = "dir"
)

// ID identifies a node-revision. Committed node-revisions carry a
// revision; transaction node-revisions carry the transaction id instead.
type ID struct {
	NodeID string `json:"node"`
	Rev    int64  `json:"rev"`
	Txn    string `json:"txn,omitempty"`
}

func (id ID) InTxn() bool {
	return id.Txn != ""
}

func (id ID) IsZero() bool {
	return id.NodeID == ""
}

func (id ID) String() string {
	if id.InTxn() {
		return fmt.Sprintf("%s.t%s", id.NodeID, id.Txn)
	}
	return fmt.Sprintf("%s.r%d", id.NodeID, id.Rev)
}

// ParseID parses the String form.
func ParseID(s string) (ID, error) {
	i := strings.LastIndex(s, ".")
	if i <= 0 || i+2 > len(s) {
		return ID{}, fmt.Errorf("malformed node-revision id %q", s)
	}
	node, rest := s[:i], s[i+1:]
	switch rest[0] {
	case 't':
		return ID{NodeID: node, Rev: -1, Txn: rest[1:]}, nil
	case 'r':
		rev, err := strconv.ParseInt(rest[1:], 10, 64)
		if err != nil {
			return ID{}, fmt.Errorf("malformed node-revision id %q", s)
		}
		return ID{NodeID: node, Rev: rev}, nil
	default:
		return ID{}, fmt.Errorf("malformed node-revision id %q", s)
	}
}

type CopyFrom struct {
	Path string `json:"path"`
	Rev  int64  `json:"rev"`
}

type NodeRev struct {
	ID               ID                `json:"id"`
	Kind             Kind              `json:"kind"`
	CreatedPath      string            `json:"created_path"`
	Props            map[string]string `json:"props,omitempty"`
	Text             *content.Ref      `json:"text,omitempty"`
	CopyFrom         *CopyFrom         `json:"copy_from,omitempty"`
	Predecessor      *ID               `json:"predecessor,omitempty"`
	PredecessorCount int               `json:"predecessor_count"`
	Entries          map[string]ID     `json:"entries,omitempty"`
}

func (n *NodeRev) IsDir() bool {
	return n.Kind == Dir
}

// Names returns the directory's entry names in sorted order.
func (n *NodeRev) Names() []string {
	names := make([]string, 0, len(n.Entries))
	for name := range n.Entries {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Clone returns a deep copy.
func (n *NodeRev) Clone() *NodeRev {
	c := *n
	c.Props = props.Clone(n.Props)
	if n.Text != nil {
		t := *n.Text
		c.Text = &t
	}
	if n.CopyFrom != nil {
		cf := *n.CopyFrom
		c.CopyFrom = &cf
	}
	if n.Predecessor != nil {
		p := *n.Predecessor
		c.Predecessor = &p
	}
	if n.Entries != nil {
		c.Entries = make(map[string]ID, len(n.Entries))
		for k, v := range n.Entries {
			c.Entries[k] = v
		}
	}
	return &c
}

// Successor returns a mutable copy of n identified by id, recording n
// as its predecessor.
func (n *NodeRev) Successor(id ID) *NodeRev {
	c := n.Clone()
	pred := n.ID
	c.ID = id
	c.Predecessor = &pred
	c.PredecessorCount = n.PredecessorCount + 1
	c.CopyFrom = nil
	return c
}

// Checksum returns the SHA-256 of the file's text; empty files hash the
// empty string.
func (n *NodeRev) Checksum() string {
	if n.Text == nil {
		return emptyChecksum
	}
	return n.Text.Checksum
}

// Size is the expanded length of the file's text.
func (n *NodeRev) Size() int64 {
	if n.Text == nil {
		return 0
	}
	return n.Text.ExpandedSize
}

const emptyChecksum = "e3b0c44298fc1c149afbf4c8996fb92427ae41e4649b934ca495991b7852b855"
