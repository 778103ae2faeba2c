// Package indexing holds the pure row -> index-entry logic shared by
// create_index (an initial full scan) and the sync engine (rebuilding a
// carried-over index's entries against a freshly pulled snapshot's rows),
// so the two call sites can never drift apart on semantics.
package indexing

import (
	"encoding/json"
	"sort"
	"strings"

	"github.com/kvsync/kvsync/internal/commitgraph"
	"github.com/kvsync/kvsync/internal/jsonptr"
)

// Build scans rows whose key has keyPrefix and emits one IndexEntry per
// string (or string-array element) found at pointer. A row whose pointer
// target is missing, non-string, and non-string-array is silently skipped,
// not an error.
func Build(rows map[string]json.RawMessage, keyPrefix, pointer string) ([]commitgraph.IndexEntry, error) {
	if err := jsonptr.Validate(pointer); err != nil {
		return nil, err
	}

	var entries []commitgraph.IndexEntry
	for key, raw := range rows {
		if !strings.HasPrefix(key, keyPrefix) {
			continue
		}
		var decoded interface{}
		if err := json.Unmarshal(raw, &decoded); err != nil {
			continue
		}
		targets, ok := jsonptr.StringTargets(decoded, pointer)
		if !ok {
			continue
		}
		for _, secondary := range targets {
			entries = append(entries, commitgraph.IndexEntry{Secondary: secondary, Primary: key})
		}
	}

	sort.Slice(entries, func(i, j int) bool {
		if entries[i].Secondary != entries[j].Secondary {
			return entries[i].Secondary < entries[j].Secondary
		}
		return entries[i].Primary < entries[j].Primary
	})
	return entries, nil
}

// EntriesForRow computes the index entries a single row contributes, used
// for incremental maintenance on put/del.
func EntriesForRow(key string, value json.RawMessage, pointer string) []commitgraph.IndexEntry {
	var decoded interface{}
	if err := json.Unmarshal(value, &decoded); err != nil {
		return nil
	}
	targets, ok := jsonptr.StringTargets(decoded, pointer)
	if !ok {
		return nil
	}
	var out []commitgraph.IndexEntry
	for _, secondary := range targets {
		out = append(out, commitgraph.IndexEntry{Secondary: secondary, Primary: key})
	}
	return out
}
