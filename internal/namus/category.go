package namus

import (
	"fmt"
	"strings"
)

// Category selects which NamUs case set is crawled.
type Category int

// Supported case sets.
const (
	MissingPersons Category = iota + 1
	UnidentifiedPersons
	UnclaimedPersons
)

// Categories lists every case set in display order.
var Categories = []Category{MissingPersons, UnidentifiedPersons, UnclaimedPersons}

// Valid reports whether c is one of the supported case sets.
func (c Category) Valid() bool {
	return c >= MissingPersons && c <= UnclaimedPersons
}

// String returns the human readable name of the case set.
func (c Category) String() string {
	switch c {
	case MissingPersons:
		return "Missing Persons"
	case UnidentifiedPersons:
		return "Unidentified Persons"
	case UnclaimedPersons:
		return "Unclaimed Persons"
	}
	panic(fmt.Sprintf("namus: unmapped category %d", int(c)))
}

// PathSegment is the case set name as it appears in API URLs.
func (c Category) PathSegment() string {
	switch c {
	case MissingPersons:
		return "MissingPersons"
	case UnidentifiedPersons:
		return "UnidentifiedPersons"
	case UnclaimedPersons:
		return "UnclaimedPersons"
	}
	panic(fmt.Sprintf("namus: unmapped category %d", int(c)))
}

// PartitionField is the search predicate field holding the state for the case set.
func (c Category) PartitionField() string {
	switch c {
	case MissingPersons:
		return "stateOfLastContact"
	case UnidentifiedPersons:
		return "stateOfRecovery"
	case UnclaimedPersons:
		return "stateFound"
	}
	panic(fmt.Sprintf("namus: unmapped category %d", int(c)))
}

// Slug is the short lowercase name used in config, flags, and object paths.
func (c Category) Slug() string {
	switch c {
	case MissingPersons:
		return "missing"
	case UnidentifiedPersons:
		return "unidentified"
	case UnclaimedPersons:
		return "unclaimed"
	}
	panic(fmt.Sprintf("namus: unmapped category %d", int(c)))
}

// ParseCategory accepts a slug, a path segment, or a display name, case-insensitively.
func ParseCategory(raw string) (Category, error) {
	needle := strings.ToLower(strings.TrimSpace(raw))
	for _, c := range Categories {
		if needle == c.Slug() ||
			needle == strings.ToLower(c.PathSegment()) ||
			needle == strings.ToLower(c.String()) {
			return c, nil
		}
	}
	return 0, fmt.Errorf("unknown category %q", raw)
}
