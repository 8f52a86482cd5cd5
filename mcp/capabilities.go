package mcp

import (
	"encoding/json"
	"sort"
)

// Capabilities is the set of named feature flags a peer declares during
// initialization. Keys are feature names (e.g. "tools", "sampling"); values
// are the feature's detail object, or an empty object for a bare flag.
//
// The set is immutable once the connection is operating; negotiation decides
// which declared features the local side may rely on.
type Capabilities map[string]json.RawMessage

// NewCapabilities returns an empty capability set.
func NewCapabilities() Capabilities {
	return Capabilities{}
}

// Declare adds a named capability with the given detail payload (nil means a
// bare flag). It returns the receiver so declarations chain. Declare panics
// when the detail cannot be marshalled: declarations are static program
// configuration, and silently advertising an empty detail would misrepresent
// the feature to the peer.
func (c Capabilities) Declare(name string, detail any) Capabilities {
	if detail == nil {
		c[name] = json.RawMessage(`{}`)
		return c
	}
	b, err := json.Marshal(detail)
	if err != nil {
		panic("mcp: capability detail for " + name + " is not marshallable: " + err.Error())
	}
	c[name] = b
	return c
}

// Has reports whether the named capability is declared.
func (c Capabilities) Has(name string) bool {
	_, ok := c[name]
	return ok
}

// Detail unmarshals the named capability's detail object into out. It
// reports false when the capability is absent.
func (c Capabilities) Detail(name string, out any) (bool, error) {
	raw, ok := c[name]
	if !ok {
		return false, nil
	}
	if out == nil || len(raw) == 0 {
		return true, nil
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return true, err
	}
	return true, nil
}

// Names returns the declared capability names in sorted order.
func (c Capabilities) Names() []string {
	names := make([]string, 0, len(c))
	for name := range c {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Intersect returns the capabilities present in both sets, keeping the
// receiver's detail payloads.
func (c Capabilities) Intersect(other Capabilities) Capabilities {
	out := Capabilities{}
	for name, raw := range c {
		if other.Has(name) {
			out[name] = raw
		}
	}
	return out
}

// Clone returns a shallow copy of the set.
func (c Capabilities) Clone() Capabilities {
	out := make(Capabilities, len(c))
	for name, raw := range c {
		out[name] = raw
	}
	return out
}
