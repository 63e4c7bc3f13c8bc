package pack

import (
	"bufio"
	"bytes"
	"fmt"
	"strconv"
	"strings"

	"revfs/internal/errors"
)

// Manifest maps each revision of a packed shard to the name of the
// property pack holding it. Names read "<first>.<index>": first is the
// first revision stored in the physical pack and index counts its
// rewrites, starting at zero.
type Manifest struct {
	FirstRev int64
	Names    []string
}

// ParseManifest reads one identifier per line for revisions counted from
// firstRev.
func ParseManifest(firstRev int64, data []byte) (*Manifest, error) {
	m := &Manifest{FirstRev: firstRev}
	sc := bufio.NewScanner(bytes.NewReader(data))
	for sc.Scan() {
		name := sc.Text()
		if _, _, err := parseName(name); err != nil {
			return nil, errors.Corrupt("manifest line %d: %v", len(m.Names)+1, err)
		}
		m.Names = append(m.Names, name)
	}
	if err := sc.Err(); err != nil {
		return nil, errors.Corrupt("reading manifest: %v", err)
	}
	return m, nil
}

func (m *Manifest) Marshal() []byte {
	var b strings.Builder
	for _, name := range m.Names {
		b.WriteString(name)
		b.WriteByte('\n')
	}
	return []byte(b.String())
}

func (m *Manifest) Contains(rev int64) bool {
	return rev >= m.FirstRev && rev < m.FirstRev+int64(len(m.Names))
}

// PackName returns the identifier of the pack holding rev.
func (m *Manifest) PackName(rev int64) (string, error) {
	if !m.Contains(rev) {
		return "", errors.NotFound(fmt.Sprintf("revision %d not in manifest starting at %d", rev, m.FirstRev))
	}
	return m.Names[rev-m.FirstRev], nil
}

// Members returns the revisions that share rev's physical pack, in order.
func (m *Manifest) Members(rev int64) ([]int64, error) {
	name, err := m.PackName(rev)
	if err != nil {
		return nil, err
	}
	var revs []int64
	for i, n := range m.Names {
		if n == name {
			revs = append(revs, m.FirstRev+int64(i))
		}
	}
	return revs, nil
}

// UpdatePackName renames the physical pack holding rev for its
// generation-th write (the initial write is generation 1) and redirects
// every revision sharing that pack to the new name.
func (m *Manifest) UpdatePackName(rev int64, generation int) (string, error) {
	if generation < 1 {
		return "", fmt.Errorf("pack generation must be at least 1, got %d", generation)
	}
	members, err := m.Members(rev)
	if err != nil {
		return "", err
	}
	old := m.Names[rev-m.FirstRev]
	name := FormatName(members[0], generation-1)
	for _, r := range members {
		if m.Names[r-m.FirstRev] == old {
			m.Names[r-m.FirstRev] = name
		}
	}
	return name, nil
}

// Generation returns the write generation encoded in a pack name.
func Generation(name string) (int, error) {
	_, idx, err := parseName(name)
	if err != nil {
		return 0, err
	}
	return idx + 1, nil
}

func FormatName(first int64, index int) string {
	return fmt.Sprintf("%d.%d", first, index)
}

func parseName(name string) (int64, int, error) {
	a, b, ok := strings.Cut(name, ".")
	if !ok {
		return 0, 0, fmt.Errorf("malformed pack name %q", name)
	}
	first, err := strconv.ParseInt(a, 10, 64)
	if err != nil || first < 0 {
		return 0, 0, fmt.Errorf("malformed pack name %q", name)
	}
	idx, err := strconv.Atoi(b)
	if err != nil || idx < 0 {
		return 0, 0, fmt.Errorf("malformed pack name %q", name)
	}
	return first, idx, nil
}
