// Package props reads and writes property lists in the K/V/END hash
// format used for revision and node properties.
package props

import (
	"bufio"
	"bytes"
	"fmt"
	"io"
	"sort"
	"strconv"
	"strings"
	"time"

	"revfs/internal/errors"
)

const (
	Author = "svn:author"
	Date   = "svn:date"
	Log    = "svn:log"
)

// DateFormat is the layout of svn:date values.
const DateFormat = "2006-01-02T15:04:05.000000Z"

func FormatDate(t time.Time) string {
	return t.UTC().Format(DateFormat)
}

func ParseDate(s string) (time.Time, error) {
	return time.Parse(DateFormat, s)
}

// Encode writes p in key order, terminated by END.
func Encode(w io.Writer, p map[string]string) error {
	keys := make([]string, 0, len(p))
	for k := range p {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	bw := bufio.NewWriter(w)
	for _, k := range keys {
		v := p[k]
		fmt.Fprintf(bw, "K %d\n%s\nV %d\n%s\n", len(k), k, len(v), v)
	}
	bw.WriteString("END\n")
	return bw.Flush()
}

func Marshal(p map[string]string) []byte {
	var buf bytes.Buffer
	Encode(&buf, p)
	return buf.Bytes()
}

// Decode reads one property list up to and including its END line.
// Value lines may be written as "V n" or " V n".
func Decode(r *bufio.Reader) (map[string]string, error) {
	p := make(map[string]string)
	for {
		line, err := readLine(r)
		if err != nil {
			return nil, err
		}
		if line == "END" {
			return p, nil
		}

		key, err := readField(r, line, "K")
		if err != nil {
			return nil, err
		}

		line, err = readLine(r)
		if err != nil {
			return nil, err
		}
		value, err := readField(r, strings.TrimPrefix(line, " "), "V")
		if err != nil {
			return nil, err
		}
		p[key] = value
	}
}

func Unmarshal(data []byte) (map[string]string, error) {
	return Decode(bufio.NewReader(bytes.NewReader(data)))
}

func readLine(r *bufio.Reader) (string, error) {
	line, err := r.ReadString('\n')
	if err == io.EOF {
		return "", errors.Corrupt("property list truncated")
	}
	if err != nil {
		return "", err
	}
	return strings.TrimSuffix(line, "\n"), nil
}

func readField(r *bufio.Reader, header, tag string) (string, error) {
	lenStr, ok := strings.CutPrefix(header, tag+" ")
	if !ok {
		return "", errors.Corrupt("malformed property list: expected %s line, got %q", tag, header)
	}
	n, err := strconv.Atoi(lenStr)
	if err != nil || n < 0 {
		return "", errors.Corrupt("malformed property list: bad length %q", lenStr)
	}

	buf := make([]byte, n+1)
	if _, err := io.ReadFull(r, buf); err != nil {
		return "", errors.Corrupt("property list truncated")
	}
	if buf[n] != '\n' {
		return "", errors.Corrupt("malformed property list: missing newline after %s", tag)
	}
	return string(buf[:n]), nil
}

// Clone copies p; a nil map clones to an empty one.
func Clone(p map[string]string) map[string]string {
	out := make(map[string]string, len(p))
	for k, v := range p {
		out[k] = v
	}
	return out
}

// Apply sets name to value in p, deleting it when value is nil.
func Apply(p map[string]string, name string, value []byte) {
	if value == nil {
		delete(p, name)
		return
	}
	p[name] = string(value)
}
