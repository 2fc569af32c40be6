// Package storage provides the hierarchical key/value+blob store used
// to persist Matter state. Keys are slash-separated paths; a Context is
// a view onto one subtree (e.g. "fabrics/1" or "bdx/ota").
//
// All implementations must be safe for concurrent use.
package storage

import (
	"encoding/binary"
	"errors"
	"strings"
)

var (
	// ErrClosed indicates use of a store after Close.
	ErrClosed = errors.New("storage: store closed")

	// ErrBadKey indicates an empty key or one containing "..".
	ErrBadKey = errors.New("storage: invalid key")
)

// Store is the backing key/value interface.
type Store interface {
	// Get returns the value for key, with ok=false when absent.
	Get(key string) (value []byte, ok bool, err error)

	// Set writes the value for key, creating it if absent.
	Set(key string, value []byte) error

	// Delete removes key. Deleting an absent key is not an error.
	Delete(key string) error

	// Keys lists all keys under the given prefix.
	Keys(prefix string) ([]string, error)

	// Close releases the store. Further calls return ErrClosed.
	Close() error
}

// Well-known context roots (persisted state layout).
const (
	ContextFabrics    = "fabrics"
	ContextResumption = "sessions/resumption"
	ContextNodes      = "nodes"
	ContextEvents     = "events"
	ContextBDX        = "bdx"
)

func checkKey(key string) error {
	if key == "" || strings.Contains(key, "..") {
		return ErrBadKey
	}
	return nil
}

// Context is a prefixed view of a Store.
type Context struct {
	store  Store
	prefix string
}

// NewContext returns a Context rooted at the joined path parts.
func NewContext(store Store, parts ...string) *Context {
	return &Context{store: store, prefix: strings.Join(parts, "/")}
}

// Sub returns a child context.
func (c *Context) Sub(name string) *Context {
	return &Context{store: c.store, prefix: c.prefix + "/" + name}
}

func (c *Context) key(k string) string {
	if c.prefix == "" {
		return k
	}
	return c.prefix + "/" + k
}

// Get returns the value stored under k within this context.
func (c *Context) Get(k string) ([]byte, bool, error) {
	if err := checkKey(k); err != nil {
		return nil, false, err
	}
	return c.store.Get(c.key(k))
}

// Set stores value under k within this context.
func (c *Context) Set(k string, value []byte) error {
	if err := checkKey(k); err != nil {
		return err
	}
	return c.store.Set(c.key(k), value)
}

// Delete removes k from this context.
func (c *Context) Delete(k string) error {
	if err := checkKey(k); err != nil {
		return err
	}
	return c.store.Delete(c.key(k))
}

// Keys lists the keys in this context, with the context prefix
// stripped.
func (c *Context) Keys() ([]string, error) {
	keys, err := c.store.Keys(c.prefix)
	if err != nil {
		return nil, err
	}
	out := make([]string, 0, len(keys))
	for _, k := range keys {
		out = append(out, strings.TrimPrefix(strings.TrimPrefix(k, c.prefix), "/"))
	}
	return out, nil
}

// Clear deletes every key in this context.
func (c *Context) Clear() error {
	keys, err := c.store.Keys(c.prefix)
	if err != nil {
		return err
	}
	for _, k := range keys {
		if err := c.store.Delete(k); err != nil {
			return err
		}
	}
	return nil
}

// SetUint64 stores v as 8 little-endian bytes.
func (c *Context) SetUint64(k string, v uint64) error {
	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], v)
	return c.Set(k, buf[:])
}

// GetUint64 reads a value written by SetUint64.
func (c *Context) GetUint64(k string) (uint64, bool, error) {
	b, ok, err := c.Get(k)
	if err != nil || !ok {
		return 0, ok, err
	}
	if len(b) != 8 {
		return 0, false, ErrBadKey
	}
	return binary.LittleEndian.Uint64(b), true, nil
}

// SetString stores a string value.
func (c *Context) SetString(k, v string) error {
	return c.Set(k, []byte(v))
}

// GetString reads a value written by SetString.
func (c *Context) GetString(k string) (string, bool, error) {
	b, ok, err := c.Get(k)
	return string(b), ok, err
}
