package validation

import (
	"strconv"
	"strings"
	"unicode/utf8"

	"revfs/internal/errors"
)

// CanonicalPath cleans a repository path into "/a/b" form. Empty
// components collapse; "." and ".." components are rejected.
func CanonicalPath(p string) (string, error) {
	if !utf8.ValidString(p) || strings.ContainsRune(p, 0) {
		return "", errors.ValidationError("path is not valid UTF-8", p)
	}
	var parts []string
	for _, c := range strings.Split(p, "/") {
		switch c {
		case "":
			continue
		case ".", "..":
			return "", errors.ValidationError("path contains relative component", p)
		}
		parts = append(parts, c)
	}
	return "/" + strings.Join(parts, "/"), nil
}

// Parent returns the parent of a canonical path; the root is its own parent.
func Parent(p string) string {
	i := strings.LastIndex(p, "/")
	if i <= 0 {
		return "/"
	}
	return p[:i]
}

// Base returns the last component of a canonical path.
func Base(p string) string {
	return p[strings.LastIndex(p, "/")+1:]
}

func Join(dir, name string) string {
	if dir == "/" {
		return "/" + name
	}
	return dir + "/" + name
}

// Components splits a canonical path into its names.
func Components(p string) []string {
	if p == "/" {
		return nil
	}
	return strings.Split(strings.TrimPrefix(p, "/"), "/")
}

// IsAncestor reports whether ancestor is p or lies above it.
func IsAncestor(ancestor, p string) bool {
	if ancestor == "/" || ancestor == p {
		return true
	}
	return strings.HasPrefix(p, ancestor+"/")
}

func PropName(name string) error {
	if name == "" {
		return errors.ValidationError("property name is empty", nil)
	}
	if strings.ContainsAny(name, "\n\x00") || !utf8.ValidString(name) {
		return errors.ValidationError("invalid property name", name)
	}
	return nil
}

func Revision(s string) (int64, error) {
	rev, err := strconv.ParseInt(s, 10, 64)
	if err != nil || rev < 0 {
		return 0, errors.ValidationError("invalid revision", s)
	}
	return rev, nil
}
