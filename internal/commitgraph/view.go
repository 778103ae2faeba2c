package commitgraph

import "encoding/json"

// View is the materialized key/value + index state at a commit, produced
// by replaying its chain from the nearest Snapshot forward. Replay walks
// the whole chain rather than patching a persistent structure
// incrementally -- simple and easy to get right at the scale this store
// targets.
type View struct {
	Rows    map[string]json.RawMessage
	Indexes map[string]*IndexView
}

// IndexView is the materialized entry set for one live secondary index.
type IndexView struct {
	Def     IndexDefinition
	Entries map[string]string // "secondary\x00primary" -> primary, for fast dedup on add
}

func newView() *View {
	return &View{Rows: make(map[string]json.RawMessage), Indexes: make(map[string]*IndexView)}
}

func compositeKey(secondary, primary string) string {
	return secondary + "\x00" + primary
}

// Materialize replays the chain rooted at hash into a View.
func (g *Graph) Materialize(hash string) (*View, error) {
	chain, err := g.Chain(hash)
	if err != nil {
		return nil, err
	}
	v := newView()
	for _, c := range chain {
		switch c.Kind {
		case KindSnapshot:
			for k, val := range c.BaseRows {
				v.Rows[k] = val
			}
			for _, def := range c.BaseIndexDefs {
				iv := &IndexView{Def: def, Entries: make(map[string]string)}
				for _, e := range c.BaseIndexEntries[def.Name] {
					iv.Entries[compositeKey(e.Secondary, e.Primary)] = e.Primary
				}
				v.Indexes[def.Name] = iv
			}
		case KindLocal:
			for _, op := range c.Delta {
				if op.Del {
					delete(v.Rows, op.Key)
				} else {
					v.Rows[op.Key] = op.Value
				}
			}
			for _, iop := range c.IndexDelta {
				iv, ok := v.Indexes[iop.Index]
				if !ok {
					continue // index was dropped later in the chain; op is moot
				}
				ck := compositeKey(iop.Secondary, iop.Primary)
				if iop.Del {
					delete(iv.Entries, ck)
				} else {
					iv.Entries[ck] = iop.Primary
				}
			}
		case KindIndexChange:
			if c.Created != nil {
				iv := &IndexView{Def: *c.Created, Entries: make(map[string]string)}
				for _, e := range c.InitialRows {
					iv.Entries[compositeKey(e.Secondary, e.Primary)] = e.Primary
				}
				v.Indexes[c.Created.Name] = iv
			}
			if c.DroppedName != "" {
				delete(v.Indexes, c.DroppedName)
			}
		}
	}
	return v, nil
}
