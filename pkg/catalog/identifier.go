// Package catalog defines the circulation data model's semantic contract
// (spec.md §3): value types and closed enums for the entities every other
// component operates on. Storage is delegated — per the spec's explicit
// Non-goal ("the relational schema itself... treated as an opaque
// persistence interface"), this package holds no ORM mapping and no SQL;
// see BibliographicRepository and CirculationRepository for the
// interface-only persistence seam.
package catalog

import "fmt"

// IdentifierType is a known identifier namespace. The set is open in the
// original system (new upstreams can introduce new types); these are the
// well-known ones named across the importer and MARC components.
type IdentifierType string

const (
	IdentifierURN       IdentifierType = "URN"
	IdentifierISBN      IdentifierType = "ISBN"
	IdentifierOverdrive IdentifierType = "Overdrive ID"
	IdentifierGutenberg IdentifierType = "Gutenberg ID"
	IdentifierODLLicense IdentifierType = "ODL License"
)

// Identifier is a typed opaque string, globally unique by (Type, Value)
// (spec.md §3, invariant 3). Equality is structural.
type Identifier struct {
	Type  IdentifierType
	Value string
}

func (id Identifier) String() string {
	return fmt.Sprintf("%s:%s", id.Type, id.Value)
}

// IsZero reports whether id is the zero value (absent/unset).
func (id Identifier) IsZero() bool {
	return id.Type == "" && id.Value == ""
}

// EquivalentIdentifier is an equivalence edge between two identifiers,
// carrying a confidence weight in [0,1] (spec.md §3: "linked by
// equivalence edges carrying a confidence weight").
type EquivalentIdentifier struct {
	From       Identifier
	To         Identifier
	Confidence float64
}
