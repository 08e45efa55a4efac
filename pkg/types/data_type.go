package types

import (
	"fmt"
	"strings"
)

// PayloadKind is the closed set of payload shapes a DataType can hold.
type PayloadKind string

// Payload kinds. KindBlob is the escape hatch for anything not yet modeled.
const (
	KindJSON   PayloadKind = "json"
	KindBlob   PayloadKind = "blob"
	KindGraph  PayloadKind = "graph"
	KindSearch PayloadKind = "search"
)

var payloadKinds = map[PayloadKind]bool{
	KindJSON:   true,
	KindBlob:   true,
	KindGraph:  true,
	KindSearch: true,
}

// Valid reports whether k is a known kind.
func (k PayloadKind) Valid() bool {
	return payloadKinds[k]
}

// ParsePayloadKind parses a kind name case-insensitively.
func ParsePayloadKind(s string) (PayloadKind, error) {
	k := PayloadKind(strings.ToLower(strings.TrimSpace(s)))
	if !k.Valid() {
		return "", fmt.Errorf("%w: %q", ErrInvalidKind, s)
	}
	return k, nil
}

// DataType is a named class of stored payload.
type DataType struct {
	ID   int64       `json:"id"`
	Name string      `json:"name"`
	Kind PayloadKind `json:"kind"`
}

// ValidateName rejects empty names and names with surrounding whitespace.
// It is shared by data types and services.
func ValidateName(name string) error {
	if name == "" || strings.TrimSpace(name) != name {
		return fmt.Errorf("%w: %q", ErrInvalidName, name)
	}
	return nil
}
