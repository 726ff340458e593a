package udisks

import (
	"bytes"

	"github.com/godbus/dbus/v5"
)

// UDisks2 encodes path-like strings as NUL-terminated byte arrays ("ay"),
// and mount point lists as arrays of those ("aay"). The helpers below decode
// both shapes plus the plain scalar properties.

// PropString returns a string property, or empty when absent or mistyped.
func PropString(props map[string]dbus.Variant, key string) string {
	v, ok := props[key]
	if !ok {
		return ""
	}
	if s, ok := v.Value().(string); ok {
		return s
	}
	return ""
}

// PropBytesString decodes an "ay" property into a string, trimming the
// trailing NUL.
func PropBytesString(props map[string]dbus.Variant, key string) string {
	v, ok := props[key]
	if !ok {
		return ""
	}
	if b, ok := v.Value().([]byte); ok {
		return string(bytes.TrimRight(b, "\x00"))
	}
	// Some properties are plain strings depending on the daemon version.
	if s, ok := v.Value().(string); ok {
		return s
	}
	return ""
}

// PropByteArrays decodes an "aay" property into a string slice.
func PropByteArrays(props map[string]dbus.Variant, key string) []string {
	v, ok := props[key]
	if !ok {
		return nil
	}
	raw, ok := v.Value().([][]byte)
	if !ok {
		return nil
	}
	out := make([]string, 0, len(raw))
	for _, b := range raw {
		out = append(out, string(bytes.TrimRight(b, "\x00")))
	}
	return out
}

// PropUint64 returns an unsigned integer property regardless of the exact
// wire width.
func PropUint64(props map[string]dbus.Variant, key string) uint64 {
	v, ok := props[key]
	if !ok {
		return 0
	}
	switch n := v.Value().(type) {
	case uint64:
		return n
	case uint32:
		return uint64(n)
	case int64:
		if n < 0 {
			return 0
		}
		return uint64(n)
	case int32:
		if n < 0 {
			return 0
		}
		return uint64(n)
	}
	return 0
}

// PropBool returns a boolean property, false when absent.
func PropBool(props map[string]dbus.Variant, key string) bool {
	v, ok := props[key]
	if !ok {
		return false
	}
	if b, ok := v.Value().(bool); ok {
		return b
	}
	return false
}

// PropObjectPath returns an object-path property, empty when absent.
func PropObjectPath(props map[string]dbus.Variant, key string) dbus.ObjectPath {
	v, ok := props[key]
	if !ok {
		return ""
	}
	if p, ok := v.Value().(dbus.ObjectPath); ok {
		return p
	}
	return ""
}

// PropStringList returns an "as" property.
func PropStringList(props map[string]dbus.Variant, key string) []string {
	v, ok := props[key]
	if !ok {
		return nil
	}
	if s, ok := v.Value().([]string); ok {
		return s
	}
	return nil
}
