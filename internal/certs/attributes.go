package certs

import (
	"encoding/asn1"
	"strings"
)

// Attribute identifies one subject field a depot knows how to encode.
type Attribute int

const (
	CommonName Attribute = iota
	Locality
	StateOrProvince
	Organization
	OrganizationalUnit
	Country
	StreetAddress
	DomainComponent
	UserID
	Custom
	EmailAddress
)

type attributeInfo struct {
	key   string
	short string
	oid   asn1.ObjectIdentifier
	ia5   bool
}

// attributeTable is ordered: it is the canonical DN field order.
var attributeTable = []attributeInfo{
	CommonName:         {key: "common_name", short: "CN", oid: asn1.ObjectIdentifier{2, 5, 4, 3}},
	Locality:           {key: "locality_name", short: "L", oid: asn1.ObjectIdentifier{2, 5, 4, 7}},
	StateOrProvince:    {key: "state_or_province_name", short: "ST", oid: asn1.ObjectIdentifier{2, 5, 4, 8}},
	Organization:       {key: "organization", short: "O", oid: asn1.ObjectIdentifier{2, 5, 4, 10}},
	OrganizationalUnit: {key: "organizational_unit_name", short: "OU", oid: asn1.ObjectIdentifier{2, 5, 4, 11}},
	Country:            {key: "country_name", short: "C", oid: asn1.ObjectIdentifier{2, 5, 4, 6}},
	StreetAddress:      {key: "street_address", short: "STREET", oid: asn1.ObjectIdentifier{2, 5, 4, 9}},
	DomainComponent:    {key: "domain_component", short: "DC", oid: asn1.ObjectIdentifier{0, 9, 2342, 19200300, 100, 1, 25}, ia5: true},
	UserID:             {key: "user_id", short: "UID", oid: asn1.ObjectIdentifier{0, 9, 2342, 19200300, 100, 1, 1}},
	Custom:             {key: "custom", short: "CUSTOM", oid: asn1.ObjectIdentifier{2, 25, 1730186415236941263}},
	EmailAddress:       {key: "email_address", short: "emailAddress", oid: asn1.ObjectIdentifier{1, 2, 840, 113549, 1, 9, 1}, ia5: true},
}

// AllAttributes returns every known attribute in canonical DN order.
func AllAttributes() []Attribute {
	all := make([]Attribute, len(attributeTable))
	for i := range attributeTable {
		all[i] = Attribute(i)
	}
	return all
}

func (a Attribute) valid() bool {
	return a >= 0 && int(a) < len(attributeTable)
}

// Key is the long, snake_case name of the attribute.
func (a Attribute) Key() string {
	if !a.valid() {
		return ""
	}
	return attributeTable[a].key
}

// String returns the DN short name, e.g. "CN" or "emailAddress".
func (a Attribute) String() string {
	if !a.valid() {
		return "UNKNOWN"
	}
	return attributeTable[a].short
}

// OID returns the ASN.1 object identifier the attribute is encoded with.
func (a Attribute) OID() asn1.ObjectIdentifier {
	if !a.valid() {
		return nil
	}
	return attributeTable[a].oid
}

// LookupAttribute resolves a DN short name ("CN", "emailAddress") or long key
// ("common_name") to its Attribute. Matching is case-insensitive.
func LookupAttribute(name string) (Attribute, bool) {
	name = strings.TrimSpace(name)
	for i, info := range attributeTable {
		if strings.EqualFold(info.short, name) || strings.EqualFold(info.key, name) {
			return Attribute(i), true
		}
	}
	return 0, false
}

func attributeForOID(oid asn1.ObjectIdentifier) (Attribute, bool) {
	for i, info := range attributeTable {
		if info.oid.Equal(oid) {
			return Attribute(i), true
		}
	}
	return 0, false
}

// Entry is one attribute=value pair of a subject. SameRDN joins the entry to
// the relative distinguished name of the entry before it.
type Entry struct {
	Attribute Attribute
	Value     string
	SameRDN   bool
}

// SubjectAttributes is an ordered set of subject fields. The order of the
// entries is the order they are encoded in.
type SubjectAttributes struct {
	entries []Entry
}

// NewSubjectAttributes builds attributes from a map of values, laid out in
// canonical order. Empty values are left out.
func NewSubjectAttributes(values map[Attribute]string) SubjectAttributes {
	var attrs SubjectAttributes
	for _, a := range AllAttributes() {
		if v, ok := values[a]; ok {
			attrs.Set(a, v)
		}
	}
	return attrs
}

// Set assigns value to attribute. A new attribute is appended, an existing one
// keeps its position. Setting an empty value removes the attribute.
func (s *SubjectAttributes) Set(attribute Attribute, value string) {
	if value == "" {
		s.Delete(attribute)
		return
	}
	for i := range s.entries {
		if s.entries[i].Attribute == attribute {
			s.entries[i].Value = value
			return
		}
	}
	s.entries = append(s.entries, Entry{Attribute: attribute, Value: value})
}

// Append adds an entry without replacing earlier values of the same attribute.
func (s *SubjectAttributes) Append(entry Entry) {
	if entry.Value == "" {
		return
	}
	if len(s.entries) == 0 {
		entry.SameRDN = false
	}
	s.entries = append(s.entries, entry)
}

// Delete removes every value of attribute.
func (s *SubjectAttributes) Delete(attribute Attribute) {
	kept := make([]Entry, 0, len(s.entries))
	for _, e := range s.entries {
		if e.Attribute != attribute {
			kept = append(kept, e)
		}
	}
	s.entries = kept
	if len(s.entries) > 0 {
		s.entries[0].SameRDN = false
	}
}

// Get returns the first value of attribute.
func (s SubjectAttributes) Get(attribute Attribute) (string, bool) {
	for _, e := range s.entries {
		if e.Attribute == attribute {
			return e.Value, true
		}
	}
	return "", false
}

// Len returns the number of entries.
func (s SubjectAttributes) Len() int {
	return len(s.entries)
}

// Entries returns a copy of the entries in encoding order.
func (s SubjectAttributes) Entries() []Entry {
	out := make([]Entry, len(s.entries))
	copy(out, s.entries)
	return out
}

// String formats the attributes as a slash delimited DN.
func (s SubjectAttributes) String() string {
	return formatEntries(s.entries)
}
