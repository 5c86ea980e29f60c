// Copyright 2026 The Chatwire Authors
// SPDX-License-Identifier: Apache-2.0

package wire

import (
	"fmt"
	"strings"
)

// ID is the service's three-part identifier for users, conversations
// ("spaces" and DMs), and topics. The canonical string carries a kind
// prefix ("dm/1bM4JkAAAAE"), the raw string is the bare identifier, and
// the numeric type disambiguates otherwise-identical raw strings across
// entity kinds. Two IDs are equal only if all three parts match, which
// struct equality gives us for free.
//
// On the wire an ID collapses to the array [canonical, raw, type].
type ID struct {
	// Kind is the entity kind prefix: "dm", "space", "user", "topic".
	Kind string
	// Raw is the bare identifier string, unique only within a kind+type.
	Raw string
	// Type is the service's numeric entity type. Observed values: 1 for
	// users, 5 for DMs, 6 for spaces, 8 for topics.
	Type int64
}

// Known entity kinds.
const (
	KindDM    = "dm"
	KindSpace = "space"
	KindUser  = "user"
	KindTopic = "topic"
)

// Numeric entity types observed in captured traffic. The numeric type is
// what actually disambiguates entities server-side; the kind prefix is
// presentational.
const (
	TypeUser  int64 = 1
	TypeDM    int64 = 5
	TypeSpace int64 = 6
	TypeTopic int64 = 8
)

// DM returns the ID for a direct-message conversation.
func DM(raw string) ID { return ID{Kind: KindDM, Raw: raw, Type: TypeDM} }

// Space returns the ID for a multi-party conversation.
func Space(raw string) ID { return ID{Kind: KindSpace, Raw: raw, Type: TypeSpace} }

// User returns the ID for a user.
func User(raw string) ID { return ID{Kind: KindUser, Raw: raw, Type: TypeUser} }

// Canonical returns the kind-prefixed canonical string, e.g.
// "dm/1bM4JkAAAAE". This is the form the service uses in URLs and as the
// first element of the wire array.
func (id ID) Canonical() string {
	return id.Kind + "/" + id.Raw
}

// IsZero reports whether the ID is the zero value.
func (id ID) IsZero() bool {
	return id == ID{}
}

// String implements fmt.Stringer. The numeric type is included because
// the canonical string alone does not uniquely identify an entity.
func (id ID) String() string {
	return fmt.Sprintf("%s/%s#%d", id.Kind, id.Raw, id.Type)
}

// encodeID collapses an ID to its wire array form.
func encodeID(id ID) []any {
	return []any{id.Canonical(), id.Raw, id.Type}
}

// decodeID parses the three-element wire array form of an ID.
func decodeID(value any) (ID, error) {
	arr, ok := value.([]any)
	if !ok {
		return ID{}, fmt.Errorf("id: expected array, got %T", value)
	}
	if len(arr) != 3 {
		return ID{}, fmt.Errorf("id: expected 3 elements, got %d", len(arr))
	}
	canonical, ok := arr[0].(string)
	if !ok {
		return ID{}, fmt.Errorf("id: canonical part is %T, not string", arr[0])
	}
	raw, ok := arr[1].(string)
	if !ok {
		return ID{}, fmt.Errorf("id: raw part is %T, not string", arr[1])
	}
	numericType, err := toInt64(arr[2])
	if err != nil {
		return ID{}, fmt.Errorf("id: numeric type: %w", err)
	}
	kind, prefixedRaw, found := strings.Cut(canonical, "/")
	if !found {
		return ID{}, fmt.Errorf("id: canonical %q has no kind prefix", canonical)
	}
	if prefixedRaw != raw {
		return ID{}, fmt.Errorf("id: canonical %q does not match raw %q", canonical, raw)
	}
	return ID{Kind: kind, Raw: raw, Type: numericType}, nil
}
