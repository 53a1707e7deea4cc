package provision

import (
	"fmt"
	"regexp"
	"slices"
	"strings"
)

// debian policy 5.6.1: lowercase alnum plus '+', '-', '.'; at least two
// chars; must start with alnum. An optional ":arch" qualifier is allowed.
var packageNameRe = regexp.MustCompile(`^[a-z0-9][a-z0-9+.\-]+(:[a-z0-9\-]+)?$`)

// PackageSet is a deduplicated, sorted set of package names. Declaration
// order has no effect on the installed result, so it is not kept.
type PackageSet struct {
	names []string
}

// NewPackageSet validates and normalises names.
func NewPackageSet(names ...string) (PackageSet, error) {
	seen := make(map[string]struct{}, len(names))
	out := make([]string, 0, len(names))
	for _, n := range names {
		n = strings.TrimSpace(n)
		if !packageNameRe.MatchString(n) {
			return PackageSet{}, fmt.Errorf("invalid package name %q", n)
		}
		if _, ok := seen[n]; ok {
			continue
		}
		seen[n] = struct{}{}
		out = append(out, n)
	}
	slices.Sort(out)
	return PackageSet{names: out}, nil
}

// MustPackageSet is NewPackageSet for static input.
func MustPackageSet(names ...string) PackageSet {
	s, err := NewPackageSet(names...)
	if err != nil {
		panic(err)
	}
	return s
}

func (s PackageSet) Names() []string {
	return slices.Clone(s.names)
}

func (s PackageSet) Len() int {
	return len(s.names)
}

func (s PackageSet) Contains(name string) bool {
	_, found := slices.BinarySearch(s.names, name)
	return found
}

// Equal reports set equality.
func (s PackageSet) Equal(other PackageSet) bool {
	return slices.Equal(s.names, other.names)
}

// Missing returns the members of s not present in installed. An ":arch"
// qualifier is ignored, dpkg records the bare name.
func (s PackageSet) Missing(installed PackageSet) []string {
	var out []string
	for _, n := range s.names {
		if !installed.Contains(BaseName(n)) {
			out = append(out, n)
		}
	}
	return out
}

// BaseName strips an ":arch" qualifier from a package name.
func BaseName(name string) string {
	base, _, _ := strings.Cut(name, ":")
	return base
}

// Inventory is what a package manager reports after an install: the
// concrete packages and the virtual names they provide.
type Inventory struct {
	Packages PackageSet
	Provides []string
}

// Satisfies reports whether name is installed, either as a package or as a
// virtual name provided by one.
func (inv Inventory) Satisfies(name string) bool {
	base := BaseName(name)
	return inv.Packages.Contains(base) || slices.Contains(inv.Provides, base)
}

// Missing returns the members of want that nothing installed satisfies.
func (inv Inventory) Missing(want PackageSet) []string {
	var out []string
	for _, n := range want.names {
		if !inv.Satisfies(n) {
			out = append(out, n)
		}
	}
	return out
}

func (s PackageSet) String() string {
	return "{" + strings.Join(s.names, ", ") + "}"
}
