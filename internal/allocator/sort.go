package allocator

import (
	"cmp"
	"encoding/json"
	"fmt"
	"slices"
	"strings"
)

type valueRank uint8

const (
	rankMissing valueRank = iota
	rankBool
	rankNumber
	rankString
	rankOther
)

// sortKey is the comparable projection of one item for a sort field.
type sortKey struct {
	rank valueRank
	num  float64
	str  string
	id   ItemID
	byID bool
}

func keyFor(item Item, field string) sortKey {
	switch field {
	case "", "id":
		return sortKey{byID: true, id: item.ID()}
	case "quantity":
		return sortKey{rank: rankNumber, num: float64(item.Quantity())}
	}
	attributed, ok := item.(Attributed)
	if !ok {
		return sortKey{rank: rankMissing}
	}
	v, ok := attributed.Attribute(field)
	if !ok {
		return sortKey{rank: rankMissing}
	}
	return keyForValue(v)
}

func keyForValue(v any) sortKey {
	if n, ok := ToFloat(v); ok {
		return sortKey{rank: rankNumber, num: n}
	}
	switch x := v.(type) {
	case nil:
		return sortKey{rank: rankMissing}
	case bool:
		if x {
			return sortKey{rank: rankBool, num: 1}
		}
		return sortKey{rank: rankBool}
	case string:
		return sortKey{rank: rankString, str: x}
	case ItemID:
		return keyForValue(x.Value())
	case fmt.Stringer:
		return sortKey{rank: rankOther, str: x.String()}
	default:
		return sortKey{rank: rankOther, str: fmt.Sprint(x)}
	}
}

// ToFloat converts numeric values, including json.Number, to float64.
func ToFloat(v any) (float64, bool) {
	switch x := v.(type) {
	case int:
		return float64(x), true
	case int8:
		return float64(x), true
	case int16:
		return float64(x), true
	case int32:
		return float64(x), true
	case int64:
		return float64(x), true
	case uint:
		return float64(x), true
	case uint8:
		return float64(x), true
	case uint16:
		return float64(x), true
	case uint32:
		return float64(x), true
	case uint64:
		return float64(x), true
	case float32:
		return float64(x), true
	case float64:
		return x, true
	case json.Number:
		f, err := x.Float64()
		return f, err == nil
	}
	return 0, false
}

func compareKeys(a, b sortKey) int {
	if a.byID && b.byID {
		return compareIDs(a.id, b.id)
	}
	if a.rank != b.rank {
		return cmp.Compare(a.rank, b.rank)
	}
	switch a.rank {
	case rankBool, rankNumber:
		return cmp.Compare(a.num, b.num)
	case rankString, rankOther:
		return strings.Compare(a.str, b.str)
	}
	return 0
}

// sortItems returns the items stably ordered by field. Descending reverses
// the comparison only, so equal keys keep their original relative order.
func sortItems(items []Item, field string, descending bool) []Item {
	type keyed struct {
		item Item
		key  sortKey
	}
	rows := make([]keyed, len(items))
	for i, item := range items {
		rows[i] = keyed{item: item, key: keyFor(item, field)}
	}
	slices.SortStableFunc(rows, func(a, b keyed) int {
		c := compareKeys(a.key, b.key)
		if descending {
			return -c
		}
		return c
	})
	out := make([]Item, len(rows))
	for i, r := range rows {
		out[i] = r.item
	}
	return out
}
