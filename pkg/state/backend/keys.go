package backend

import (
	"fmt"
	"path"
	"sort"
	"strconv"
	"strings"
)

// ContentType is the media type recorded for every stored blob. The durable
// store only ever writes JSON documents.
const ContentType = "application/json"

// Keyspace maps backend-relative blob paths to object keys below a fixed
// prefix in a bucket or container.
type Keyspace string

// NewKeyspace creates a keyspace for prefix, ignoring leading and trailing
// slashes.
func NewKeyspace(prefix string) Keyspace {
	return Keyspace(strings.Trim(prefix, "/"))
}

// Key returns the object key for p.
func (k Keyspace) Key(p string) string {
	if k == "" {
		return p
	}
	return path.Join(string(k), p)
}

// ListPrefix returns the object key prefix that selects everything under
// dir. A non-empty dir always ends in "/" so that "dev" does not match
// "dev2/...".
func (k Keyspace) ListPrefix(dir string) string {
	if dir == "" {
		if k == "" {
			return ""
		}
		return string(k) + "/"
	}
	p := k.Key(dir)
	if !strings.HasSuffix(p, "/") {
		p += "/"
	}
	return p
}

// Relative strips the prefix from an object key. Keys outside the keyspace
// report false.
func (k Keyspace) Relative(key string) (string, bool) {
	if k == "" {
		return key, true
	}
	rel, ok := strings.CutPrefix(key, string(k)+"/")
	return rel, ok && rel != ""
}

// Collect gathers relative paths from object keys in sorted order, skipping
// keys outside the keyspace.
func (k Keyspace) Collect(keys []string) []string {
	paths := make([]string, 0, len(keys))
	for _, key := range keys {
		if rel, ok := k.Relative(key); ok {
			paths = append(paths, rel)
		}
	}
	sort.Strings(paths)
	return paths
}

// Options wraps a backend configuration map.
type Options map[string]string

// Get returns the value of key, or fallback when it is unset or empty.
func (o Options) Get(key, fallback string) string {
	if v := o[key]; v != "" {
		return v
	}
	return fallback
}

// Require returns the value of key or an error naming the backend type.
func (o Options) Require(backendType, key string) (string, error) {
	v := o[key]
	if v == "" {
		return "", fmt.Errorf("%s backend requires '%s' configuration", backendType, key)
	}
	return v, nil
}

// Bool reports whether key holds a true value ("true", "1", ...).
func (o Options) Bool(key string) bool {
	v, err := strconv.ParseBool(o[key])
	return err == nil && v
}
