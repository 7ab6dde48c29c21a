package catalog

import (
	"fmt"

	"github.com/tapirtools/bridge/internal/schema"
)

// Catalog is the complete, resolved set of tool descriptors. It is built
// once at startup and read-only afterwards, so lookups need no locking.
type Catalog struct {
	byName  map[string]*schema.Descriptor
	ordered []*schema.Descriptor
	hash    string
}

// Build constructs a catalog from a raw schema document. Any resolution
// failure is fatal: the process must refuse to serve dispatch rather than
// run with a partial catalog.
func Build(doc *schema.Document) (*Catalog, error) {
	descs, err := schema.Resolve(doc)
	if err != nil {
		return nil, err
	}
	return FromDescriptors(descs)
}

// FromDescriptors constructs a catalog from already-resolved descriptors.
func FromDescriptors(descs []*schema.Descriptor) (*Catalog, error) {
	c := &Catalog{
		byName:  make(map[string]*schema.Descriptor, len(descs)),
		ordered: descs,
	}
	for _, d := range descs {
		if _, dup := c.byName[d.Name]; dup {
			return nil, fmt.Errorf("duplicate tool name %q in catalog", d.Name)
		}
		c.byName[d.Name] = d
	}
	hash, err := schema.Fingerprint(descs)
	if err != nil {
		return nil, fmt.Errorf("failed to fingerprint catalog: %w", err)
	}
	c.hash = hash
	return c, nil
}

// Get returns the descriptor for a tool name.
func (c *Catalog) Get(name string) (*schema.Descriptor, bool) {
	d, ok := c.byName[name]
	return d, ok
}

// List returns descriptors in insertion order. Callers must not mutate
// the returned slice or its descriptors.
func (c *Catalog) List() []*schema.Descriptor {
	return c.ordered
}

// Len returns the number of tools in the catalog.
func (c *Catalog) Len() int {
	return len(c.ordered)
}

// Hash is the content fingerprint of the resolved descriptor set.
func (c *Catalog) Hash() string {
	return c.hash
}
