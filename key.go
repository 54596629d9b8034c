package astorage

import (
	"net/url"
	"strings"
)

// Key is an ordered sequence of string components. Keys route and order
// entries: the partition key selects the owner replicas, the clustering
// key sorts entries within a partition.
type Key []string

// K builds a Key from its components.
func K(parts ...string) Key {
	return Key(parts)
}

// ParseKey parses the wire form produced by Key.String, its exact
// inverse.
func ParseKey(s string) (Key, error) {
	if s == "" {
		return nil, nil
	}
	parts := strings.Split(s, ":")
	key := make(Key, len(parts))
	for i, p := range parts {
		u, err := url.PathUnescape(p)
		if err != nil {
			return nil, ErrInvalidKey
		}
		key[i] = u
	}
	return key, nil
}

// escapeComponent percent-encodes one key component. Unlike
// url.PathEscape it also encodes ':', so the component separator of the
// wire form stays unambiguous.
func escapeComponent(p string) string {
	return strings.ReplaceAll(url.QueryEscape(p), "+", "%20")
}

// String returns the wire form of the key: components percent-escaped
// (':' and '%' included) and joined with ':'. Distinct keys always have
// distinct wire forms.
func (k Key) String() string {
	parts := make([]string, len(k))
	for i, p := range k {
		parts[i] = escapeComponent(p)
	}
	return strings.Join(parts, ":")
}

func (k Key) Equal(other Key) bool {
	if len(k) != len(other) {
		return false
	}
	for i := range k {
		if k[i] != other[i] {
			return false
		}
	}
	return true
}

// Less orders keys lexicographically over their components.
func (k Key) Less(other Key) bool {
	for i := 0; i < len(k) && i < len(other); i++ {
		if k[i] != other[i] {
			return k[i] < other[i]
		}
	}
	return len(k) < len(other)
}

func (k Key) Clone() Key {
	if k == nil {
		return nil
	}
	out := make(Key, len(k))
	copy(out, k)
	return out
}

// checkPartition validates a partition key: at least one component, no
// empty components.
func checkPartition(k Key) error {
	if len(k) == 0 {
		return ErrInvalidKey
	}
	return checkClustering(k)
}

// checkClustering validates a clustering key, which may be empty.
func checkClustering(k Key) error {
	for _, p := range k {
		if p == "" {
			return ErrInvalidKey
		}
	}
	return nil
}

// checkReplication validates quorum parameters: 0 < r,w <= n.
func checkReplication(n, r, w int) error {
	if n <= 0 || r <= 0 || w <= 0 || r > n || w > n {
		return ErrInvalidReplication
	}
	return nil
}

func checkLimit(limit int) error {
	if limit < 0 {
		return ErrInvalidLimit
	}
	return nil
}
