package dicom

import (
	"sort"
)

// DataSet is an ordered collection of elements keyed by tag. Iteration is
// always in ascending tag order so that encoding is deterministic.
type DataSet struct {
	elems map[uint32]*Element
}

// NewDataSet returns an empty dataset.
func NewDataSet() *DataSet {
	return &DataSet{elems: make(map[uint32]*Element)}
}

// Len returns the number of elements.
func (ds *DataSet) Len() int { return len(ds.elems) }

// Get returns the element for a tag.
func (ds *DataSet) Get(t Tag) (*Element, bool) {
	e, ok := ds.elems[t.key()]
	return e, ok
}

// Has reports whether the tag is present.
func (ds *DataSet) Has(t Tag) bool {
	_, ok := ds.elems[t.key()]
	return ok
}

// Set inserts or replaces an element.
func (ds *DataSet) Set(e *Element) {
	ds.elems[e.Tag.key()] = e
}

// Delete removes an element if present.
func (ds *DataSet) Delete(t Tag) {
	delete(ds.elems, t.key())
}

// Elements returns all elements in ascending tag order.
func (ds *DataSet) Elements() []*Element {
	keys := make([]uint32, 0, len(ds.elems))
	for k := range ds.elems {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i] < keys[j] })

	out := make([]*Element, 0, len(keys))
	for _, k := range keys {
		out = append(out, ds.elems[k])
	}
	return out
}

// Tags returns all present tags in ascending order.
func (ds *DataSet) Tags() []Tag {
	els := ds.Elements()
	out := make([]Tag, 0, len(els))
	for _, e := range els {
		out = append(out, e.Tag)
	}
	return out
}

// GetString returns the first string value of a tag.
func (ds *DataSet) GetString(t Tag) (string, bool) {
	e, ok := ds.Get(t)
	if !ok || len(e.Strings) == 0 {
		return "", false
	}
	return e.Strings[0], true
}

// MustString returns the first string value or "" when absent.
func (ds *DataSet) MustString(t Tag) string {
	s, _ := ds.GetString(t)
	return s
}

// SetString inserts or replaces a string element.
func (ds *DataSet) SetString(t Tag, vr VR, values ...string) {
	ds.Set(NewString(t, vr, values...))
}

// Clone deep-copies the dataset.
func (ds *DataSet) Clone() *DataSet {
	c := NewDataSet()
	for _, e := range ds.elems {
		c.Set(e.Clone())
	}
	return c
}

// Walk visits every element in tag order, recursing into sequence items
// before moving to the next element. The visitor may mutate element values
// but must not add or remove elements of the dataset being walked.
func (ds *DataSet) Walk(fn func(e *Element) error) error {
	for _, e := range ds.Elements() {
		if err := fn(e); err != nil {
			return err
		}
		for _, item := range e.Items {
			if err := item.Walk(fn); err != nil {
				return err
			}
		}
	}
	return nil
}
