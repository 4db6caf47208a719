package task

import (
	"os"
	"sort"

	"github.com/spf13/afero"
)

// Descriptor is a file-presence predicate: either a plain path or a
// (path, directory-flag) pair (spec.md §9 "Heterogeneous input/output
// descriptors" — modeled as a tagged variant rather than the original's
// ad-hoc string-or-tuple).
type Descriptor struct {
	Path  string
	IsDir bool
}

// parseDescriptor accepts either a bare path string or a two-element
// [path, dirFlag] array, the two shapes the submission schema allows.
func parseDescriptor(raw interface{}) (Descriptor, bool) {
	switch v := raw.(type) {
	case nil:
		return Descriptor{}, false
	case string:
		return Descriptor{Path: v}, true
	case []interface{}:
		if len(v) != 2 {
			return Descriptor{}, false
		}
		path, ok := v[0].(string)
		if !ok {
			return Descriptor{}, false
		}
		return Descriptor{Path: path, IsDir: truthy(v[1])}, true
	default:
		return Descriptor{}, false
	}
}

func truthy(v interface{}) bool {
	switch b := v.(type) {
	case bool:
		return b
	case float64:
		return b != 0
	case int:
		return b != 0
	default:
		return false
	}
}

// SortDescriptors orders descriptors lexicographically on the path
// component, the ordering equality and state() rely on.
func SortDescriptors(ds []Descriptor) {
	sort.Slice(ds, func(i, j int) bool { return ds[i].Path < ds[j].Path })
}

// Resolved reports whether the descriptor is satisfied on fs: for a
// directory descriptor, an existing directory; for a plain file, an
// existing file that is non-empty unless allowZeroLength permits it.
func (d Descriptor) Resolved(fs afero.Fs, allowZeroLength bool) (bool, error) {
	info, err := fs.Stat(d.Path)
	if err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, err
	}
	if d.IsDir {
		return info.IsDir(), nil
	}
	if !allowZeroLength && info.Size() == 0 {
		return false, nil
	}
	return true, nil
}

func (d Descriptor) String() string {
	return d.Path
}
