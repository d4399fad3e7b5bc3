// Package catalog holds the static mapping from model class ids to EPI display names.
package catalog

import (
	"fmt"
	"slices"
	"sort"
)

// Catalog maps class ids to display labels.
type Catalog struct {
	labels     map[int]string
	selectable []int
	defaults   []string
}

// Entry is one class id / label pair.
type Entry struct {
	ClassID int    `json:"classId"`
	Label   string `json:"label"`
}

// EPIs returns the catalog the detection model was trained with.
func EPIs() *Catalog {
	return New(map[int]string{
		0:  "pessoa",
		1:  "orelha",
		2:  "protetores auriculares",
		3:  "rosto",
		4:  "protetor facial",
		5:  "máscara facial",
		6:  "pé",
		7:  "ferramenta",
		8:  "óculos",
		9:  "luvas",
		10: "capacete",
		11: "mãos",
		12: "cabeça",
		13: "roupa médica",
		14: "sapatos",
		15: "roupa de segurança",
		16: "colete de segurança",
	},
		// body parts and tools are never offered as required equipment
		[]int{10, 8, 5, 9, 16, 2, 4, 13, 15, 14},
		[]string{"capacete", "óculos", "máscara facial"},
	)
}

// New builds a catalog. selectable lists the class ids a user may mark as
// required, in display order; defaults is the required set used on first run.
func New(labels map[int]string, selectable []int, defaults []string) *Catalog {
	c := &Catalog{
		labels:     make(map[int]string, len(labels)),
		selectable: append([]int(nil), selectable...),
		defaults:   append([]string(nil), defaults...),
	}
	for id, label := range labels {
		c.labels[id] = label
	}
	return c
}

// Label returns the display name for id, or a generic "class N" label.
func (c *Catalog) Label(id int) string {
	if label, ok := c.labels[id]; ok {
		return label
	}
	return fmt.Sprintf("class %d", id)
}

// Lookup returns the display name for id and whether it is known.
func (c *Catalog) Lookup(id int) (string, bool) {
	label, ok := c.labels[id]
	return label, ok
}

// ClassID returns the id for label.
func (c *Catalog) ClassID(label string) (int, bool) {
	for id, l := range c.labels {
		if l == label {
			return id, true
		}
	}
	return 0, false
}

// Selectable returns the entries offered in the required-label configuration.
func (c *Catalog) Selectable() []Entry {
	out := make([]Entry, 0, len(c.selectable))
	for _, id := range c.selectable {
		if label, ok := c.labels[id]; ok {
			out = append(out, Entry{ClassID: id, Label: label})
		}
	}
	return out
}

// IsSelectable reports whether label may be marked as required.
func (c *Catalog) IsSelectable(label string) bool {
	id, ok := c.ClassID(label)
	return ok && slices.Contains(c.selectable, id)
}

// Entries returns every class ordered by id.
func (c *Catalog) Entries() []Entry {
	out := make([]Entry, 0, len(c.labels))
	for id, label := range c.labels {
		out = append(out, Entry{ClassID: id, Label: label})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ClassID < out[j].ClassID })
	return out
}

// DefaultRequired returns a copy of the first-run required set.
func (c *Catalog) DefaultRequired() []string {
	return append([]string(nil), c.defaults...)
}
