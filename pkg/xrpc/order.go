package xrpc

import (
	"math/big"
	"slices"
	"strconv"
	"strings"
)

// DefaultSortFields name the entity identifiers calls are ordered by.
var DefaultSortFields = []string{"user_id", "item_id"}

// sortKey is one field of a call's ordering key. A missing value ranks after
// every present one, so it behaves like one more than the largest value seen.
type sortKey struct {
	missing bool
	value   *big.Int
}

func compareKeys(a, b []sortKey) int {
	for i := range a {
		switch {
		case a[i].missing && b[i].missing:
			continue
		case a[i].missing:
			return 1
		case b[i].missing:
			return -1
		}
		if c := a[i].value.Cmp(b[i].value); c != 0 {
			return c
		}
	}
	return 0
}

// Order returns calls stably sorted by the integer values of fields. Values
// are compared as arbitrary-precision integers. Calls that lack a field, or
// whose args failed to decode, go behind every call that carries it.
// On a non-numeric (or NULL) field value Order returns an *OrderingError and
// the caller keeps arrival order.
func Order(calls []*Call, fields []string) ([]*Call, error) {
	if len(calls) < 2 || len(fields) == 0 {
		return slices.Clone(calls), nil
	}

	type keyed struct {
		call *Call
		key  []sortKey
	}
	items := make([]keyed, len(calls))
	for i, c := range calls {
		key := make([]sortKey, len(fields))
		for j, f := range fields {
			key[j].missing = true
			if c.Args.Failed() {
				continue
			}
			v, ok, err := sortValue(c, f)
			if err != nil {
				return nil, err
			}
			if ok {
				key[j] = sortKey{value: v}
			}
		}
		items[i] = keyed{call: c, key: key}
	}

	slices.SortStableFunc(items, func(a, b keyed) int {
		return compareKeys(a.key, b.key)
	})

	out := make([]*Call, len(items))
	for i, it := range items {
		out[i] = it.call
	}
	return out, nil
}

func sortValue(c *Call, field string) (*big.Int, bool, error) {
	raw, ok := c.Args.Lookup(field)
	if !ok {
		return nil, false, nil
	}
	if raw == nil {
		return nil, false, &OrderingError{EventID: c.ID, Field: field, Value: "NULL", Err: strconv.ErrSyntax}
	}
	v, ok := new(big.Int).SetString(strings.TrimSpace(*raw), 10)
	if !ok {
		return nil, false, &OrderingError{EventID: c.ID, Field: field, Value: *raw, Err: strconv.ErrSyntax}
	}
	return v, true, nil
}
