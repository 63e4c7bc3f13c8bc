package content

import "fmt"

// Ref locates a representation. Inside a transaction Rev is -1 and Txn
// names the transaction whose proto-revision file holds it; promotion
// rewrites it to the new revision without moving any bytes.
type Ref struct {
	Rev          int64  `json:"rev"`
	Txn          string `json:"txn,omitempty"`
	Offset       int64  `json:"offset"`
	Size         int64  `json:"size"`
	ExpandedSize int64  `json:"expanded_size"`
	Checksum     string `json:"checksum"`
	Digest       string `json:"digest,omitempty"`
	Hops         int    `json:"hops"`
}

func (r Ref) InTxn() bool {
	return r.Txn != ""
}

// IsFulltext reports whether the representation starts a chain.
func (r Ref) IsFulltext() bool {
	return r.Hops == 0
}

// Promote moves a representation of txn into rev.
func (r Ref) Promote(txn string, rev int64) Ref {
	if r.Txn == txn {
		r.Txn = ""
		r.Rev = rev
	}
	return r
}

func (r Ref) String() string {
	if r.InTxn() {
		return fmt.Sprintf("t%s@%d", r.Txn, r.Offset)
	}
	return fmt.Sprintf("r%d@%d", r.Rev, r.Offset)
}

func (r Ref) cacheKey() string {
	return fmt.Sprintf("%d/%s/%d", r.Rev, r.Txn, r.Offset)
}
