package instrument

import (
	"sort"
	"strings"
)

// ObjectKind names the kind of host object a sensitive property lives on.
type ObjectKind string

const (
	KindGlobal   ObjectKind = "Global"
	KindWindow   ObjectKind = "Window"
	KindDocument ObjectKind = "Document"
	KindLocation ObjectKind = "Location"
	KindElement  ObjectKind = "Element"
)

// Policy says which accesses to a property are routed through the shim.
type Policy uint8

const (
	WrapGetter Policy = 1 << iota
	WrapSetter
	RewriteCall

	WrapBoth = WrapGetter | WrapSetter
)

// Has reports whether every bit of q is set in p.
func (p Policy) Has(q Policy) bool { return p&q == q && q != 0 }

func (p Policy) String() string {
	var parts []string
	switch {
	case p.Has(WrapBoth):
		parts = append(parts, "get/set")
	case p.Has(WrapGetter):
		parts = append(parts, "get")
	case p.Has(WrapSetter):
		parts = append(parts, "set")
	}
	if p.Has(RewriteCall) {
		parts = append(parts, "call")
	}
	if len(parts) == 0 {
		return "none"
	}
	return strings.Join(parts, "+")
}

// Entry is one row of the sensitive property table.
type Entry struct {
	Object   ObjectKind
	Property string
	Policy   Policy
}

// SensitivePropertyTable is the read-only list of properties whose access
// must go through the client runtime. The client runtime dispatches on the
// same table, so the two must be released together.
type SensitivePropertyTable struct {
	entries []Entry
	byName  map[string]Policy
}

var sensitiveProperties = []Entry{
	{KindGlobal, "location", WrapBoth},
	{KindGlobal, "eval", RewriteCall},

	{KindWindow, "location", WrapBoth},
	{KindWindow, "postMessage", RewriteCall},
	{KindWindow, "localStorage", WrapGetter},
	{KindWindow, "sessionStorage", WrapGetter},

	{KindDocument, "location", WrapBoth},
	{KindDocument, "cookie", WrapBoth},
	{KindDocument, "domain", WrapBoth},
	{KindDocument, "referrer", WrapGetter},
	{KindDocument, "URL", WrapGetter},
	{KindDocument, "documentURI", WrapGetter},
	{KindDocument, "baseURI", WrapGetter},
	{KindDocument, "write", RewriteCall},
	{KindDocument, "writeln", RewriteCall},

	{KindLocation, "href", WrapBoth},
	{KindLocation, "host", WrapBoth},
	{KindLocation, "hostname", WrapBoth},
	{KindLocation, "port", WrapBoth},
	{KindLocation, "protocol", WrapBoth},
	{KindLocation, "pathname", WrapBoth},
	{KindLocation, "search", WrapBoth},
	{KindLocation, "origin", WrapGetter},
	{KindLocation, "assign", RewriteCall},
	{KindLocation, "replace", RewriteCall},

	{KindElement, "href", WrapBoth},
	{KindElement, "src", WrapBoth},
	{KindElement, "srcset", WrapBoth},
	{KindElement, "action", WrapBoth},
	{KindElement, "formAction", WrapBoth},
	{KindElement, "poster", WrapBoth},
	{KindElement, "background", WrapBoth},
	{KindElement, "manifest", WrapBoth},
	{KindElement, "target", WrapBoth},
	{KindElement, "sandbox", WrapBoth},
	{KindElement, "innerHTML", WrapBoth},
	{KindElement, "outerHTML", WrapBoth},
	{KindElement, "setAttribute", RewriteCall},
	{KindElement, "insertAdjacentHTML", RewriteCall},
}

var defaultTable = NewTable(sensitiveProperties)

// DefaultTable returns the built-in table.
func DefaultTable() *SensitivePropertyTable { return defaultTable }

// NewTable builds a table from entries. Later entries for the same object
// and property replace earlier ones.
func NewTable(entries []Entry) *SensitivePropertyTable {
	t := &SensitivePropertyTable{byName: make(map[string]Policy)}
	seen := make(map[Entry]int)
	for _, e := range entries {
		key := Entry{Object: e.Object, Property: e.Property}
		if i, ok := seen[key]; ok {
			t.entries[i] = e
			continue
		}
		seen[key] = len(t.entries)
		t.entries = append(t.entries, e)
	}
	for _, e := range t.entries {
		t.byName[e.Property] |= e.Policy
	}
	return t
}

// Get returns the policy for a property of a known object kind.
func (t *SensitivePropertyTable) Get(kind ObjectKind, property string) (Policy, bool) {
	for _, e := range t.entries {
		if e.Object == kind && e.Property == property {
			return e.Policy, true
		}
	}
	return 0, false
}

// Lookup returns the union of the policies registered for property on any
// object kind. The transformer cannot know an object's kind statically, so
// the runtime shim decides per call.
func (t *SensitivePropertyTable) Lookup(property string) (Policy, bool) {
	p, ok := t.byName[property]
	return p, ok
}

// Entries returns the table sorted by object kind then property.
func (t *SensitivePropertyTable) Entries() []Entry {
	out := make([]Entry, len(t.entries))
	copy(out, t.entries)
	sort.Slice(out, func(i, j int) bool {
		if out[i].Object != out[j].Object {
			return out[i].Object < out[j].Object
		}
		return out[i].Property < out[j].Property
	})
	return out
}

// Len returns the number of entries.
func (t *SensitivePropertyTable) Len() int { return len(t.entries) }

// mayAccess reports whether src can contain an access the transformer
// rewrites: a computed member, which may name any property at run time, or
// a property name of the table.
func (t *SensitivePropertyTable) mayAccess(src string) bool {
	if strings.Contains(src, "[") {
		return true
	}
	for name := range t.byName {
		if strings.Contains(src, name) {
			return true
		}
	}
	return false
}
