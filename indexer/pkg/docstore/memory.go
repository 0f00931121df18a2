package docstore

import (
	"context"
	"encoding/json"
	"fmt"
	"maps"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/google/uuid"
)

// MemoryStore is an in-process Store. Documents are held in their JSON form so reads
// observe the same value normalization as the PostgreSQL backend.
type MemoryStore struct {
	mu          sync.RWMutex
	collections map[string]map[string][]byte
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		collections: make(map[string]map[string][]byte),
	}
}

func (s *MemoryStore) Get(ctx context.Context, ref Ref) (map[string]any, bool, error) {
	if err := ctx.Err(); err != nil {
		return nil, false, err
	}
	s.mu.RLock()
	raw, ok := s.collections[ref.Collection][ref.ID]
	s.mu.RUnlock()
	if !ok {
		return nil, false, nil
	}
	doc, err := DecodeDocument(raw)
	if err != nil {
		return nil, false, err
	}
	return doc, true, nil
}

func (s *MemoryStore) Set(ctx context.Context, ref Ref, data map[string]any, merge bool) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.setLocked(ref, data, merge)
}

func (s *MemoryStore) Create(ctx context.Context, ref Ref, data map[string]any) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.collections[ref.Collection][ref.ID]; ok {
		return false, nil
	}
	if err := s.setLocked(ref, data, false); err != nil {
		return false, err
	}
	return true, nil
}

func (s *MemoryStore) setLocked(ref Ref, data map[string]any, merge bool) error {
	if ref.Collection == "" || ref.ID == "" {
		return fmt.Errorf("invalid document reference %q", ref.Path())
	}
	next := data
	if merge {
		if raw, ok := s.collections[ref.Collection][ref.ID]; ok {
			existing, err := DecodeDocument(raw)
			if err != nil {
				return err
			}
			maps.Copy(existing, data)
			next = existing
		}
	}
	raw, err := json.Marshal(next)
	if err != nil {
		return fmt.Errorf("failed to marshal document %s: %w", ref, err)
	}
	coll, ok := s.collections[ref.Collection]
	if !ok {
		coll = make(map[string][]byte)
		s.collections[ref.Collection] = coll
	}
	coll[ref.ID] = raw
	return nil
}

func (s *MemoryStore) NewBatch() Batch {
	return &memoryBatch{store: s}
}

func (s *MemoryStore) Stream(ctx context.Context, q Query, fn func(Document) error) error {
	docs, err := s.snapshot(q.Collection)
	if err != nil {
		return err
	}

	matched := docs[:0]
	for _, d := range docs {
		if matchesAll(d.Data, q.Filters) {
			matched = append(matched, d)
		}
	}

	if q.OrderBy != "" {
		sort.SliceStable(matched, func(i, j int) bool {
			return lessByField(matched[i], matched[j], q.OrderBy, q.Descending)
		})
	}

	if q.Offset > 0 {
		if q.Offset >= len(matched) {
			matched = nil
		} else {
			matched = matched[q.Offset:]
		}
	}
	if q.Limit > 0 && len(matched) > q.Limit {
		matched = matched[:q.Limit]
	}

	for _, d := range matched {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := fn(d); err != nil {
			return err
		}
	}
	return nil
}

// snapshot decodes every document of a collection, sorted by id.
func (s *MemoryStore) snapshot(collection string) ([]Document, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	coll := s.collections[collection]
	ids := make([]string, 0, len(coll))
	for id := range coll {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	docs := make([]Document, 0, len(ids))
	for _, id := range ids {
		data, err := DecodeDocument(coll[id])
		if err != nil {
			return nil, err
		}
		docs = append(docs, Document{Ref: NewRef(collection, id), Data: data})
	}
	return docs, nil
}

// Count returns the number of documents in a collection.
func (s *MemoryStore) Count(collection string) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.collections[collection])
}

func (s *MemoryStore) NewID() string {
	return uuid.NewString()
}

func (s *MemoryStore) Close() error {
	return nil
}

type memoryBatch struct {
	opBatch
	store *MemoryStore
}

func (b *memoryBatch) Commit(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if len(b.ops) > MaxBatchSize {
		return fmt.Errorf("%w: %d operations", ErrBatchTooLarge, len(b.ops))
	}
	b.store.mu.Lock()
	defer b.store.mu.Unlock()
	for _, op := range b.ops {
		if op.delete {
			delete(b.store.collections[op.ref.Collection], op.ref.ID)
			continue
		}
		if err := b.store.setLocked(op.ref, op.data, false); err != nil {
			return err
		}
	}
	return nil
}

func matchesAll(data map[string]any, filters []Filter) bool {
	for _, f := range filters {
		v, ok := data[f.Field]
		if !ok {
			return false
		}
		c, ok := compareValues(v, f.Value)
		if !ok {
			return false
		}
		switch f.Op {
		case OpEQ:
			ok = c == 0
		case OpLT:
			ok = c < 0
		case OpLTE:
			ok = c <= 0
		case OpGT:
			ok = c > 0
		case OpGTE:
			ok = c >= 0
		default:
			ok = false
		}
		if !ok {
			return false
		}
	}
	return true
}

// lessByField orders documents by field. Documents missing the field, or holding null
// in it, go last in either direction. Values of different kinds order numbers before
// strings before anything else.
func lessByField(a, b Document, field string, desc bool) bool {
	av := a.Data[field]
	bv := b.Data[field]
	if av == nil || bv == nil {
		return av != nil && bv == nil
	}
	ar, br := kindRank(av), kindRank(bv)
	if ar != br {
		return ar < br
	}
	c, ok := compareValues(av, bv)
	if !ok {
		return false
	}
	if desc {
		return c > 0
	}
	return c < 0
}

func kindRank(v any) int {
	if _, ok := v.(string); ok {
		return 1
	}
	if _, ok := asFloat64(v); ok {
		return 0
	}
	return 2
}

// compareValues orders two numbers or two strings. Mixed or other kinds are not comparable.
func compareValues(a, b any) (int, bool) {
	if as, ok := a.(string); ok {
		bs, ok := b.(string)
		if !ok {
			return 0, false
		}
		return strings.Compare(as, bs), true
	}
	ai, aIsInt := asInt64(a)
	bi, bIsInt := asInt64(b)
	if aIsInt && bIsInt {
		switch {
		case ai < bi:
			return -1, true
		case ai > bi:
			return 1, true
		}
		return 0, true
	}
	af, ok := asFloat64(a)
	if !ok {
		return 0, false
	}
	bf, ok := asFloat64(b)
	if !ok {
		return 0, false
	}
	switch {
	case af < bf:
		return -1, true
	case af > bf:
		return 1, true
	}
	return 0, true
}

func asInt64(v any) (int64, bool) {
	switch t := v.(type) {
	case json.Number:
		i, err := t.Int64()
		return i, err == nil
	case int:
		return int64(t), true
	case int64:
		return t, true
	case int32:
		return int64(t), true
	}
	return 0, false
}

func asFloat64(v any) (float64, bool) {
	switch t := v.(type) {
	case json.Number:
		f, err := strconv.ParseFloat(t.String(), 64)
		return f, err == nil
	case float64:
		return t, true
	case float32:
		return float64(t), true
	case int:
		return float64(t), true
	case int64:
		return float64(t), true
	case int32:
		return float64(t), true
	}
	return 0, false
}
