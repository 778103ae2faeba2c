package kvstore

import (
	"encoding/json"
	"sort"
	"strings"

	"github.com/kvsync/kvsync/internal/commitgraph"
)

// ScanOptions is the enumerated option set accepted by ReadTx.Scan and
// WriteTx.Scan.
type ScanOptions struct {
	Prefix    string
	Limit     int    // 0 means unlimited
	IndexName string // "" selects the primary key-space
	Start     ScanStart
}

// ScanStart positions a scan at >= (or, if Exclusive, >) a key. For an
// index scan, Secondary/Primary replace Key: an empty Primary means "from
// the beginning of that secondary.
type ScanStart struct {
	Has       bool
	Exclusive bool
	Key       string // base scans
	Secondary string // index scans
	Primary   string // index scans; "" = from beginning of Secondary
}

// NewStart builds a base-scan start position.
func NewStart(key string, exclusive bool) ScanStart {
	return ScanStart{Has: true, Key: key, Exclusive: exclusive}
}

// NewIndexStart builds an index-scan start position.
func NewIndexStart(secondary, primary string, exclusive bool) ScanStart {
	return ScanStart{Has: true, Secondary: secondary, Primary: primary, Exclusive: exclusive}
}

// KV is one scan result.
type KV struct {
	Key          string          // primary key
	SecondaryKey string          // set only for index scans
	Value        json.RawMessage
}

// scanBase implements an ordered, filtered, limited scan over the primary
// key-space.
func scanBase(rows map[string]json.RawMessage, opts ScanOptions) []KV {
	keys := make([]string, 0, len(rows))
	for k := range rows {
		if opts.Prefix != "" && !strings.HasPrefix(k, opts.Prefix) {
			continue
		}
		keys = append(keys, k)
	}
	sort.Strings(keys)

	out := make([]KV, 0, len(keys))
	for _, k := range keys {
		if opts.Start.Has {
			if opts.Start.Exclusive {
				if k <= opts.Start.Key {
					continue
				}
			} else if k < opts.Start.Key {
				continue
			}
		}
		out = append(out, KV{Key: k, Value: rows[k]})
		if opts.Limit > 0 && len(out) >= opts.Limit {
			break
		}
	}
	return out
}

// scanIndex implements an ordered, filtered, limited scan over one
// materialized secondary index, resolving each entry's current row value
// from rows.
func scanIndex(iv *commitgraph.IndexView, rows map[string]json.RawMessage, opts ScanOptions) []KV {
	type pair struct{ secondary, primary string }
	pairs := make([]pair, 0, len(iv.Entries))
	for ck, primary := range iv.Entries {
		sep := strings.IndexByte(ck, 0)
		secondary := ck[:sep]
		if opts.Prefix != "" && !strings.HasPrefix(primary, opts.Prefix) {
			continue
		}
		pairs = append(pairs, pair{secondary: secondary, primary: primary})
	}
	sort.Slice(pairs, func(i, j int) bool {
		if pairs[i].secondary != pairs[j].secondary {
			return pairs[i].secondary < pairs[j].secondary
		}
		return pairs[i].primary < pairs[j].primary
	})

	out := make([]KV, 0, len(pairs))
	for _, p := range pairs {
		if opts.Start.Has && !indexAtOrPastStart(p.secondary, p.primary, opts.Start) {
			continue
		}
		out = append(out, KV{Key: p.primary, SecondaryKey: p.secondary, Value: rows[p.primary]})
		if opts.Limit > 0 && len(out) >= opts.Limit {
			break
		}
	}
	return out
}

// indexAtOrPastStart reports whether (secondary, primary) is at or after
// (depending on Exclusive) the requested start position in composite
// (secondary, primary) order. An empty start.Primary means "from the
// beginning of that secondary".
func indexAtOrPastStart(secondary, primary string, start ScanStart) bool {
	if secondary != start.Secondary {
		return secondary > start.Secondary
	}
	if start.Primary == "" {
		return true
	}
	if start.Exclusive {
		return primary > start.Primary
	}
	return primary >= start.Primary
}
