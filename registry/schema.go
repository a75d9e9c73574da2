package registry

import "slices"

// ItemType classifies metadata items.
type ItemType string

const (
	TypeObject ItemType = "object"
	TypeField  ItemType = "field"
	TypeAction ItemType = "action"
	TypeView   ItemType = "view"
)

// Valid reports whether t is a known item type.
func (t ItemType) Valid() bool {
	switch t {
	case TypeObject, TypeField, TypeAction, TypeView:
		return true
	}
	return false
}

// Key identifies an item. Keys are unique across the registry.
type Key struct {
	Type ItemType `json:"type"`
	Name string   `json:"name"`
}

func (k Key) String() string { return string(k.Type) + ":" + k.Name }

// Item is a metadata record owned by exactly one package.
type Item struct {
	Type    ItemType `json:"type"`
	Name    string   `json:"name"`
	Package string   `json:"package"`
	Payload any      `json:"payload,omitempty"`
}

// Key returns the item's identity.
func (i Item) Key() Key { return Key{Type: i.Type, Name: i.Name} }

// Cardinality of a relation.
type Cardinality string

const (
	One  Cardinality = "one"
	Many Cardinality = "many"
)

// OnDelete controls what happens to related rows when the owner is deleted.
type OnDelete string

const (
	Restrict OnDelete = "restrict"
	Cascade  OnDelete = "cascade"
)

// FieldSchema describes one column of an object.
type FieldSchema struct {
	Name     string `json:"name"`
	Type     string `json:"type"`
	Required bool   `json:"required,omitempty"`
	Unique   bool   `json:"unique,omitempty"`
}

// IndexSchema lists indexed fields in key order. The first field is the
// leading field the planner matches against.
type IndexSchema struct {
	Name   string   `json:"name"`
	Fields []string `json:"fields"`
	Unique bool     `json:"unique,omitempty"`
}

// RelationSchema links an object to Target. ForeignField names the field on
// the target side that references the owner.
type RelationSchema struct {
	Name         string      `json:"name"`
	Target       string      `json:"target"`
	Cardinality  Cardinality `json:"cardinality"`
	Required     bool        `json:"required,omitempty"`
	ForeignField string      `json:"foreignField,omitempty"`
	OnDelete     OnDelete    `json:"onDelete,omitempty"`
}

// ObjectSchema is the payload of an object item.
type ObjectSchema struct {
	Datasource string           `json:"datasource"`
	Fields     []FieldSchema    `json:"fields"`
	Indexes    []IndexSchema    `json:"indexes,omitempty"`
	Relations  []RelationSchema `json:"relations,omitempty"`
}

// Clone returns a deep copy of o.
func (o ObjectSchema) Clone() ObjectSchema {
	out := ObjectSchema{
		Datasource: o.Datasource,
		Fields:     slices.Clone(o.Fields),
		Relations:  slices.Clone(o.Relations),
	}
	if o.Indexes != nil {
		out.Indexes = make([]IndexSchema, len(o.Indexes))
		for i, idx := range o.Indexes {
			idx.Fields = slices.Clone(idx.Fields)
			out.Indexes[i] = idx
		}
	}
	return out
}

// Field looks up a field by name.
func (o ObjectSchema) Field(name string) (FieldSchema, bool) {
	for _, f := range o.Fields {
		if f.Name == name {
			return f, true
		}
	}
	return FieldSchema{}, false
}

// Relation looks up a relation by name.
func (o ObjectSchema) Relation(name string) (RelationSchema, bool) {
	for _, r := range o.Relations {
		if r.Name == name {
			return r, true
		}
	}
	return RelationSchema{}, false
}
