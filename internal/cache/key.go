package cache

import (
	"fmt"
	"slices"
	"strconv"
	"strings"

	"github.com/zeebo/xxh3"

	"github.com/eugenenazirov/bundle-allocator/internal/allocator"
)

// GenerateKey hashes everything that determines a summary: each inventory
// row (id, quantity and attributes), each bundle, and the options. Row and
// bundle order are part of the key since both affect the allocation.
func GenerateKey(inventory []allocator.Item, set allocator.BundleSet, opts allocator.Options) string {
	rows := make([]string, 0, len(inventory))
	for _, item := range inventory {
		if item == nil {
			continue
		}
		row := idToken(item.ID()) + ":" + strconv.Itoa(item.Quantity())
		if attrs, ok := attributeToken(item, opts.SortField); ok {
			row += ":" + attrs
		}
		rows = append(rows, row)
	}

	bundles := make([]string, 0, set.Len())
	for _, b := range set.Bundles() {
		ids := b.Items()
		tokens := make([]string, len(ids))
		for i, id := range ids {
			tokens[i] = idToken(id)
		}
		bundles = append(bundles, strings.Join(tokens, ",")+":"+strconv.Itoa(b.Quantity()))
	}

	var sb strings.Builder
	sb.WriteString(strings.Join(rows, "|"))
	sb.WriteByte('#')
	sb.WriteString(strings.Join(bundles, "|"))
	sb.WriteByte('#')
	fmt.Fprintf(&sb, "maxMemoryUsage=%d;lazyEvaluation=%t;sortField=%s;sortDescending=%t",
		opts.MaxMemoryUsage, opts.LazyEvaluation, opts.SortField, opts.SortDescending)

	h := xxh3.HashString128(sb.String())
	return fmt.Sprintf("%016x%016x", h.Hi, h.Lo)
}

// idToken keeps IntID(1) and StringID("1") apart.
func idToken(id allocator.ItemID) string {
	if id.IsInt() {
		return "i" + id.String()
	}
	return "s" + strconv.Quote(id.String())
}

// attributeToken encodes every attribute a Record carries into its summary,
// keys sorted. Other items only contribute the sort value.
func attributeToken(item allocator.Item, field string) (string, bool) {
	rec, ok := item.(*allocator.Record)
	if !ok {
		return sortValue(item, field)
	}
	if len(rec.Attributes) == 0 {
		return "", false
	}
	keys := make([]string, 0, len(rec.Attributes))
	for k := range rec.Attributes {
		keys = append(keys, k)
	}
	slices.Sort(keys)

	var sb strings.Builder
	for i, k := range keys {
		if i > 0 {
			sb.WriteByte(',')
		}
		// %T keeps "1" and 1 apart
		fmt.Fprintf(&sb, "%s=%T:%v", strconv.Quote(k), rec.Attributes[k], rec.Attributes[k])
	}
	return sb.String(), true
}

func sortValue(item allocator.Item, field string) (string, bool) {
	switch field {
	case "", allocator.DefaultSortField, "quantity":
		return "", false
	}
	attributed, ok := item.(allocator.Attributed)
	if !ok {
		return "", false
	}
	v, ok := attributed.Attribute(field)
	if !ok {
		return "", false
	}
	return fmt.Sprint(v), true
}
