package certs

import (
	"crypto/x509/pkix"
	"encoding/asn1"
	"fmt"
	"strings"

	deperrors "certdepot/internal/errors"
)

// ParseDN parses a slash delimited distinguished name such as
// "/UID=recorder-12" or "/CN=Bob,emailAddress=bob@example.com". Pairs joined
// by a comma share one relative distinguished name. That name is a DER SET,
// so once encoded its pairs come back in encoding order rather than as typed:
// "/emailAddress=bob@x.com,CN=Bob" is issued as "/CN=Bob,emailAddress=bob@x.com".
func ParseDN(dn string) (SubjectAttributes, error) {
	var attrs SubjectAttributes
	trimmed := strings.TrimSpace(dn)
	if trimmed == "" {
		return attrs, fmt.Errorf("%w: empty", deperrors.ErrInvalidDN)
	}
	for _, segment := range strings.Split(trimmed, "/") {
		segment = strings.TrimSpace(segment)
		if segment == "" {
			continue
		}
		for i, pair := range strings.Split(segment, ",") {
			name, value, found := strings.Cut(pair, "=")
			if !found {
				return SubjectAttributes{}, fmt.Errorf("%w: %q is not attribute=value", deperrors.ErrInvalidDN, pair)
			}
			attribute, ok := LookupAttribute(name)
			if !ok {
				return SubjectAttributes{}, fmt.Errorf("%w: unknown attribute %q", deperrors.ErrInvalidDN, strings.TrimSpace(name))
			}
			value = strings.TrimSpace(value)
			if value == "" {
				return SubjectAttributes{}, fmt.Errorf("%w: empty value for %s", deperrors.ErrInvalidDN, attribute)
			}
			attrs.Append(Entry{Attribute: attribute, Value: value, SameRDN: i > 0})
		}
	}
	if attrs.Len() == 0 {
		return attrs, fmt.Errorf("%w: no attributes in %q", deperrors.ErrInvalidDN, dn)
	}
	return attrs, nil
}

func formatEntries(entries []Entry) string {
	var b strings.Builder
	for i, e := range entries {
		if i == 0 || !e.SameRDN {
			b.WriteByte('/')
		} else {
			b.WriteByte(',')
		}
		b.WriteString(e.Attribute.String())
		b.WriteByte('=')
		b.WriteString(e.Value)
	}
	return b.String()
}

// rdnSequence lays the entries out as an ASN.1 Name, keeping their order.
func (s SubjectAttributes) rdnSequence() pkix.RDNSequence {
	var seq pkix.RDNSequence
	for i, e := range s.entries {
		atv := pkix.AttributeTypeAndValue{Type: e.Attribute.OID(), Value: encodedValue(e)}
		if i > 0 && e.SameRDN {
			seq[len(seq)-1] = append(seq[len(seq)-1], atv)
			continue
		}
		seq = append(seq, pkix.RelativeDistinguishedNameSET{atv})
	}
	return seq
}

func encodedValue(e Entry) any {
	if attributeTable[e.Attribute].ia5 {
		return asn1.RawValue{Tag: asn1.TagIA5String, Class: asn1.ClassUniversal, Bytes: []byte(e.Value)}
	}
	return e.Value
}

// marshal returns the DER encoding of the attributes as a Name.
func (s SubjectAttributes) marshal() ([]byte, error) {
	return asn1.Marshal(s.rdnSequence())
}

// parseName decodes a DER Name into its entries. Attributes outside the
// table are skipped.
func parseName(raw []byte) (pkix.RDNSequence, error) {
	var seq pkix.RDNSequence
	rest, err := asn1.Unmarshal(raw, &seq)
	if err != nil {
		return nil, fmt.Errorf("parse name: %w", err)
	}
	if len(rest) != 0 {
		return nil, fmt.Errorf("parse name: trailing data")
	}
	return seq, nil
}

func attributesFromRDNs(seq pkix.RDNSequence) SubjectAttributes {
	var attrs SubjectAttributes
	for _, rdn := range seq {
		first := true
		for _, atv := range rdn {
			attribute, ok := attributeForOID(atv.Type)
			if !ok {
				continue
			}
			attrs.Append(Entry{Attribute: attribute, Value: fmt.Sprint(atv.Value), SameRDN: !first})
			first = false
		}
	}
	return attrs
}

// FormatName renders a Name in the slash delimited form ParseDN accepts.
// Unknown attribute types are written as dotted OIDs.
func FormatName(seq pkix.RDNSequence) string {
	var b strings.Builder
	for _, rdn := range seq {
		for i, atv := range rdn {
			if i == 0 {
				b.WriteByte('/')
			} else {
				b.WriteByte(',')
			}
			if attribute, ok := attributeForOID(atv.Type); ok {
				b.WriteString(attribute.String())
			} else {
				b.WriteString(atv.Type.String())
			}
			b.WriteByte('=')
			b.WriteString(fmt.Sprint(atv.Value))
		}
	}
	return b.String()
}
