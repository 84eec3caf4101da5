package allocator

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math"
	"strconv"

	"gopkg.in/yaml.v3"
)

type idKind uint8

const (
	idNone idKind = iota
	idInt
	idString
)

// ItemID identifies an inventory record. An id is either an integer or a
// string; IntID(1) and StringID("1") are different ids. The zero value is
// not a valid id.
type ItemID struct {
	kind idKind
	num  int64
	str  string
}

// IntID returns an integer identifier.
func IntID(n int64) ItemID {
	return ItemID{kind: idInt, num: n}
}

// StringID returns a string identifier.
func StringID(s string) ItemID {
	return ItemID{kind: idString, str: s}
}

// ParseID converts a loosely typed value into an ItemID. Integers, strings,
// json.Number and integral float64 values (as produced by encoding/json) are
// accepted.
func ParseID(v any) (ItemID, error) {
	switch x := v.(type) {
	case ItemID:
		if !x.Valid() {
			return ItemID{}, fmt.Errorf("%w: zero item id", ErrInvalidArgument)
		}
		return x, nil
	case int:
		return IntID(int64(x)), nil
	case int8:
		return IntID(int64(x)), nil
	case int16:
		return IntID(int64(x)), nil
	case int32:
		return IntID(int64(x)), nil
	case int64:
		return IntID(x), nil
	case uint:
		return uintID(uint64(x))
	case uint8:
		return IntID(int64(x)), nil
	case uint16:
		return IntID(int64(x)), nil
	case uint32:
		return IntID(int64(x)), nil
	case uint64:
		return uintID(x)
	case string:
		return StringID(x), nil
	case json.Number:
		n, err := x.Int64()
		if err != nil {
			return ItemID{}, fmt.Errorf("%w: item id %q is not an integer", ErrInvalidArgument, x.String())
		}
		return IntID(n), nil
	case float64:
		if x != math.Trunc(x) || math.IsInf(x, 0) || x >= 1<<63 || x < -(1<<63) {
			return ItemID{}, fmt.Errorf("%w: item id %v is not an integer", ErrInvalidArgument, x)
		}
		return IntID(int64(x)), nil
	default:
		return ItemID{}, fmt.Errorf("%w: item id must be an integer or string, got %T", ErrInvalidArgument, v)
	}
}

func uintID(v uint64) (ItemID, error) {
	if v > math.MaxInt64 {
		return ItemID{}, fmt.Errorf("%w: item id %d overflows int64", ErrInvalidArgument, v)
	}
	return IntID(int64(v)), nil
}

// Valid reports whether the id was constructed as an integer or string.
func (id ItemID) Valid() bool {
	return id.kind != idNone
}

// IsInt reports whether the id is an integer id.
func (id ItemID) IsInt() bool {
	return id.kind == idInt
}

// Int returns the integer value and whether the id is an integer id.
func (id ItemID) Int() (int64, bool) {
	return id.num, id.kind == idInt
}

func (id ItemID) String() string {
	switch id.kind {
	case idInt:
		return strconv.FormatInt(id.num, 10)
	case idString:
		return id.str
	default:
		return "<invalid>"
	}
}

// Value returns the id as int64 or string, or nil for the zero id.
func (id ItemID) Value() any {
	switch id.kind {
	case idInt:
		return id.num
	case idString:
		return id.str
	default:
		return nil
	}
}

// compareIDs orders integer ids numerically before string ids, which are
// ordered lexically.
func compareIDs(a, b ItemID) int {
	if a.kind != b.kind {
		if a.kind < b.kind {
			return -1
		}
		return 1
	}
	switch a.kind {
	case idInt:
		switch {
		case a.num < b.num:
			return -1
		case a.num > b.num:
			return 1
		}
	case idString:
		switch {
		case a.str < b.str:
			return -1
		case a.str > b.str:
			return 1
		}
	}
	return 0
}

// MarshalJSON encodes integer ids as JSON numbers and string ids as JSON strings.
func (id ItemID) MarshalJSON() ([]byte, error) {
	switch id.kind {
	case idInt:
		return []byte(strconv.FormatInt(id.num, 10)), nil
	case idString:
		return json.Marshal(id.str)
	default:
		return nil, fmt.Errorf("%w: cannot encode zero item id", ErrInvalidArgument)
	}
}

// UnmarshalJSON accepts a JSON number or string.
func (id *ItemID) UnmarshalJSON(data []byte) error {
	var raw any
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	if err := dec.Decode(&raw); err != nil {
		return fmt.Errorf("decode item id: %w", err)
	}
	parsed, err := ParseID(raw)
	if err != nil {
		return err
	}
	*id = parsed
	return nil
}

// UnmarshalYAML accepts an integer or string scalar. Quoted scalars are
// always string ids.
func (id *ItemID) UnmarshalYAML(node *yaml.Node) error {
	if node.Kind != yaml.ScalarNode {
		return fmt.Errorf("%w: item id must be a scalar at line %d", ErrInvalidArgument, node.Line)
	}
	switch node.ShortTag() {
	case "!!int":
		n, err := strconv.ParseInt(node.Value, 0, 64)
		if err != nil {
			return fmt.Errorf("%w: item id %q at line %d: %v", ErrInvalidArgument, node.Value, node.Line, err)
		}
		*id = IntID(n)
		return nil
	case "!!str":
		*id = StringID(node.Value)
		return nil
	}
	return fmt.Errorf("%w: item id must be an integer or string, got %s at line %d", ErrInvalidArgument, node.ShortTag(), node.Line)
}

// MarshalYAML encodes integer ids as YAML integers and string ids as strings.
func (id ItemID) MarshalYAML() (any, error) {
	if !id.Valid() {
		return nil, fmt.Errorf("%w: cannot encode zero item id", ErrInvalidArgument)
	}
	return id.Value(), nil
}
