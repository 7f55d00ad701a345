package results

import (
	"fmt"
	"sync"
	"time"

	"github.com/RoaringBitmap/roaring/v2"
	"github.com/google/uuid"

	apperrors "go-wanglab/internal/errors"
)

// Provenance identifies what produced a table. A zero RunID gets a fresh
// uuid on Finalize.
type Provenance struct {
	RunID      string
	ConfigHash string
	ModelName  string
}

// Aggregator collects exactly n rows, in any order, and finalizes them
// into a Table ordered by input index. It is safe for concurrent use.
type Aggregator struct {
	mu        sync.Mutex
	n         int
	prov      Provenance
	rows      []Row
	seen      *roaring.Bitmap
	finalized bool
}

// NewAggregator prepares an aggregator for n items.
func NewAggregator(n int, prov Provenance) *Aggregator {
	return &Aggregator{
		n:    n,
		prov: prov,
		rows: make([]Row, n),
		seen: roaring.New(),
	}
}

// Add records row at row.Index.
func (a *Aggregator) Add(row Row) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.finalized {
		return apperrors.NewInternalError("add after finalize", nil)
	}
	if row.Index < 0 || row.Index >= a.n {
		return apperrors.NewInternalError(fmt.Sprintf("row index %d outside [0, %d)", row.Index, a.n), nil)
	}
	if !a.seen.CheckedAdd(uint32(row.Index)) {
		return apperrors.NewInternalError(fmt.Sprintf("row %d added twice", row.Index), nil)
	}

	row.ConfigHash = a.prov.ConfigHash
	row.ModelName = a.prov.ModelName
	a.rows[row.Index] = row
	return nil
}

// Has reports whether the row at index was added.
func (a *Aggregator) Has(index int) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return index >= 0 && a.seen.Contains(uint32(index))
}

// Missing returns the indices no row has been added for yet.
func (a *Aggregator) Missing() []int {
	a.mu.Lock()
	defer a.mu.Unlock()

	all := roaring.New()
	all.AddRange(0, uint64(a.n))
	all.AndNot(a.seen)
	out := make([]int, 0, all.GetCardinality())
	it := all.Iterator()
	for it.HasNext() {
		out = append(out, int(it.Next()))
	}
	return out
}

// Finalize returns the table. It may only be called once, and only when
// every index has a row.
func (a *Aggregator) Finalize() (*Table, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.finalized {
		return nil, apperrors.NewInternalError("aggregator already finalized", nil)
	}
	if got := int(a.seen.GetCardinality()); got != a.n {
		return nil, apperrors.NewInternalError(fmt.Sprintf("finalize with %d of %d rows", got, a.n), nil)
	}
	a.finalized = true

	runID := a.prov.RunID
	if runID == "" {
		runID = uuid.NewString()
	}
	return &Table{
		RunID:      runID,
		ConfigHash: a.prov.ConfigHash,
		ModelName:  a.prov.ModelName,
		CreatedAt:  time.Now().UTC(),
		rows:       a.rows,
	}, nil
}
