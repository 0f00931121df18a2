package docstore

import (
	"context"
	"errors"
	"strings"
)

// MaxBatchSize is the largest number of operations a single batch commit may carry.
const MaxBatchSize = 500

var ErrBatchTooLarge = errors.New("batch exceeds maximum size")

// Ref addresses a single document. Collection may be a nested path such as
// "telemetry_raw/ut123/records".
type Ref struct {
	Collection string
	ID         string
}

func NewRef(collection, id string) Ref {
	return Ref{Collection: collection, ID: id}
}

// Child returns a reference inside a subcollection of this document.
func (r Ref) Child(subcollection, id string) Ref {
	return Ref{Collection: r.SubcollectionPath(subcollection), ID: id}
}

// SubcollectionPath returns the collection path of a subcollection under this document.
func (r Ref) SubcollectionPath(subcollection string) string {
	return r.Collection + "/" + r.ID + "/" + subcollection
}

func (r Ref) Path() string {
	return r.Collection + "/" + r.ID
}

func (r Ref) String() string {
	return r.Path()
}

// Kind returns the top-level collection name, used for metric labels.
func (r Ref) Kind() string {
	kind, _, _ := strings.Cut(r.Collection, "/")
	return kind
}

// Document is a stored document with its reference.
type Document struct {
	Ref  Ref
	Data map[string]any
}

type Op string

const (
	OpEQ  Op = "=="
	OpLT  Op = "<"
	OpLTE Op = "<="
	OpGT  Op = ">"
	OpGTE Op = ">="
)

// Filter compares a top-level document field against a value. Documents missing the
// field never match a filter.
type Filter struct {
	Field string
	Op    Op
	Value any
}

// Query selects documents from a single collection. Documents missing the OrderBy field
// sort after every document that has it, in both directions.
type Query struct {
	Collection string
	Filters    []Filter
	OrderBy    string
	Descending bool
	Offset     int
	Limit      int
}

// Store is the document store contract the ingestion pipeline writes through.
type Store interface {
	// Get returns the document data at ref, or ok=false if it does not exist.
	Get(ctx context.Context, ref Ref) (data map[string]any, ok bool, err error)

	// Set writes data at ref. When merge is true, top-level keys of data are merged into
	// the existing document instead of replacing it.
	Set(ctx context.Context, ref Ref, data map[string]any, merge bool) error

	// Create writes data at ref only if no document exists there. It reports whether the
	// document was created.
	Create(ctx context.Context, ref Ref, data map[string]any) (bool, error)

	// NewBatch starts a write batch. Nothing is written until Commit.
	NewBatch() Batch

	// Stream calls fn for every document matching q, in query order. Returning an error
	// from fn stops the stream and is returned.
	Stream(ctx context.Context, q Query, fn func(Document) error) error

	// NewID returns a new unique document id.
	NewID() string

	Close() error
}

// Batch accumulates writes and deletes that are committed together.
type Batch interface {
	Set(ref Ref, data map[string]any)
	Delete(ref Ref)
	Len() int
	Commit(ctx context.Context) error
}

type batchOp struct {
	ref    Ref
	data   map[string]any
	delete bool
}

// opBatch holds the pending operations shared by the batch implementations.
type opBatch struct {
	ops []batchOp
}

func (b *opBatch) Set(ref Ref, data map[string]any) {
	b.ops = append(b.ops, batchOp{ref: ref, data: data})
}

func (b *opBatch) Delete(ref Ref) {
	b.ops = append(b.ops, batchOp{ref: ref, delete: true})
}

func (b *opBatch) Len() int {
	return len(b.ops)
}
