package store

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
)

// Memory is an in-memory Client with the same conditional-write semantics as
// the DynamoDB client. It is safe for concurrent use and is the universal
// test double for the engine.
type Memory struct {
	mu     sync.Mutex
	tables map[string]map[string][]Item
}

var _ Client = (*Memory)(nil)

// NewMemory creates an empty store.
func NewMemory() *Memory {
	return &Memory{tables: make(map[string]map[string][]Item)}
}

func hashRepr(k KeyValue) string {
	if k.IsNum {
		return fmt.Sprintf("n:%020d", k.N)
	}
	return "s:" + k.S
}

func (m *Memory) partition(table string, hash KeyValue) []Item {
	t := m.tables[table]
	if t == nil {
		return nil
	}
	return t[hashRepr(hash)]
}

func (m *Memory) sortKeyOf(table string, it Item) KeyValue {
	sch := Schemas[table]
	if sch.SortKey == "" {
		return KeyValue{}
	}
	return keyValueOf(it[sch.SortKey])
}

func (m *Memory) find(table string, key Key) (Item, int) {
	rows := m.partition(table, key.Hash)
	sch := Schemas[table]
	for i, row := range rows {
		if sch.SortKey == "" || m.sortKeyOf(table, row).Equal(key.Sort) {
			return row, i
		}
	}
	return nil, -1
}

func checkExpected(existing Item, expected map[string]Expected) error {
	for name, exp := range expected {
		var have *Value
		if existing != nil {
			if v, ok := existing[name]; ok {
				have = &v
			}
		}
		if exp.Value == nil {
			if have != nil {
				return ErrConditionalCheckFailed
			}
		} else {
			if have == nil || !have.Equal(*exp.Value) {
				return ErrConditionalCheckFailed
			}
		}
	}
	return nil
}

// GetItem implements Client.
func (m *Memory) GetItem(ctx context.Context, table string, key Key) (Item, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	row, _ := m.find(table, key)
	if row == nil {
		return nil, ErrNotFound
	}
	return row.Clone(), nil
}

// BatchGetItem implements Client.
func (m *Memory) BatchGetItem(ctx context.Context, table string, keys []Key) ([]Item, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Item, len(keys))
	for i, key := range keys {
		if row, _ := m.find(table, key); row != nil {
			out[i] = row.Clone()
		}
	}
	return out, nil
}

// PutItem implements Client.
func (m *Memory) PutItem(ctx context.Context, table string, key Key, attrs Item, expected map[string]Expected) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	existing, idx := m.find(table, key)
	if err := checkExpected(existing, expected); err != nil {
		return err
	}
	row := WithKeyAttrs(table, key, attrs)
	m.insert(table, key, row, idx)
	return nil
}

// UpdateItem implements Client. Missing rows are created (upsert), matching
// DynamoDB semantics.
func (m *Memory) UpdateItem(ctx context.Context, table string, key Key, updates map[string]Update, expected map[string]Expected) (Item, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	existing, idx := m.find(table, key)
	if err := checkExpected(existing, expected); err != nil {
		return nil, err
	}
	var row Item
	if existing != nil {
		row = existing.Clone()
	} else {
		row = WithKeyAttrs(table, key, Item{})
	}
	for name, u := range updates {
		switch u.Action {
		case UpdatePut:
			row[name] = u.Value
		case UpdateDelete:
			delete(row, name)
		case UpdateAdd:
			switch u.Value.Kind {
			case KindNumber:
				cur := row.GetNumber(name)
				row[name] = Number(cur + u.Value.N)
			case KindStringSet:
				merged := append(row.GetStringSet(name), u.Value.SS...)
				row[name] = StringSet(merged...)
			default:
				return nil, fmt.Errorf("store: ADD on non-numeric attribute %q", name)
			}
		}
	}
	m.insert(table, key, row, idx)
	return row.Clone(), nil
}

// DeleteItem implements Client. Deleting a missing row without preconditions
// succeeds.
func (m *Memory) DeleteItem(ctx context.Context, table string, key Key, expected map[string]Expected) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	existing, idx := m.find(table, key)
	if err := checkExpected(existing, expected); err != nil {
		return err
	}
	if idx >= 0 {
		repr := hashRepr(key.Hash)
		rows := m.tables[table][repr]
		m.tables[table][repr] = append(rows[:idx], rows[idx+1:]...)
	}
	return nil
}

func (m *Memory) insert(table string, key Key, row Item, idx int) {
	if m.tables[table] == nil {
		m.tables[table] = make(map[string][]Item)
	}
	repr := hashRepr(key.Hash)
	rows := m.tables[table][repr]
	if idx >= 0 {
		rows[idx] = row
	} else {
		rows = append(rows, row)
		sortKey := func(i int) KeyValue { return m.sortKeyOf(table, rows[i]) }
		sort.SliceStable(rows, func(i, j int) bool { return sortKey(i).Less(sortKey(j)) })
	}
	m.tables[table][repr] = rows
}

func matchRange(sk KeyValue, cond *RangeCondition) bool {
	if cond == nil {
		return true
	}
	switch cond.Op {
	case RangeEQ:
		return sk.Equal(cond.Value)
	case RangeLT:
		return sk.Less(cond.Value)
	case RangeLE:
		return sk.Less(cond.Value) || sk.Equal(cond.Value)
	case RangeGT:
		return cond.Value.Less(sk)
	case RangeGE:
		return cond.Value.Less(sk) || sk.Equal(cond.Value)
	case RangeBetween:
		lowOK := cond.Value.Less(sk) || sk.Equal(cond.Value)
		highOK := sk.Less(cond.Value2) || sk.Equal(cond.Value2)
		return lowOK && highOK
	case RangeBeginsWith:
		return !sk.IsNum && strings.HasPrefix(sk.S, cond.Value.S)
	}
	return false
}

// Query implements Client.
func (m *Memory) Query(ctx context.Context, table string, hash KeyValue, cond *RangeCondition, opts QueryOptions) (QueryResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var matched []Item
	for _, row := range m.partition(table, hash) {
		if matchRange(m.sortKeyOf(table, row), cond) {
			matched = append(matched, row)
		}
	}
	if opts.Descending {
		for i, j := 0, len(matched)-1; i < j; i, j = i+1, j-1 {
			matched[i], matched[j] = matched[j], matched[i]
		}
	}
	if opts.ExclusiveStart != nil {
		start := *opts.ExclusiveStart
		i := 0
		for ; i < len(matched); i++ {
			sk := m.sortKeyOf(table, matched[i])
			if opts.Descending {
				if sk.Less(start) {
					break
				}
			} else if start.Less(sk) {
				break
			}
		}
		matched = matched[i:]
	}
	var res QueryResult
	limit := opts.Limit
	if limit > 0 && len(matched) > limit {
		last := m.sortKeyOf(table, matched[limit-1])
		res.LastEvaluated = &last
		matched = matched[:limit]
	}
	res.Items = make([]Item, len(matched))
	for i, row := range matched {
		res.Items[i] = row.Clone()
	}
	return res, nil
}

// Scan implements Client. Iteration order is deterministic: partitions by
// hash key representation, rows by sort key.
func (m *Memory) Scan(ctx context.Context, table string, opts ScanOptions) (ScanResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t := m.tables[table]
	reprs := make([]string, 0, len(t))
	for repr := range t {
		reprs = append(reprs, repr)
	}
	sort.Strings(reprs)

	var all []Item
	for _, repr := range reprs {
		all = append(all, t[repr]...)
	}
	if opts.ExclusiveStart != nil {
		start := *opts.ExclusiveStart
		i := 0
		for ; i < len(all); i++ {
			k := KeyOf(table, all[i])
			if k.Hash.Equal(start.Hash) && k.Sort.Equal(start.Sort) {
				i++
				break
			}
		}
		all = all[i:]
	}
	var res ScanResult
	limit := opts.Limit
	if limit > 0 && len(all) > limit {
		last := KeyOf(table, all[limit-1])
		res.LastEvaluated = &last
		all = all[:limit]
	}
	res.Items = make([]Item, len(all))
	for i, row := range all {
		res.Items[i] = row.Clone()
	}
	return res, nil
}
