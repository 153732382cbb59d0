package realtime

import "sync"

// Keyed is any row with a stable unique id.
type Keyed interface {
	Key() string
}

// View is a local, eventually-consistent projection of one table, keyed
// by row id. Reconciliation is idempotent under replays and tolerant of
// the race between an optimistic local mutation and its change-feed echo:
// events apply by id, never by position.
type View[T Keyed] struct {
	mu    sync.Mutex
	order []string
	rows  map[string]T
}

func NewView[T Keyed]() *View[T] {
	return &View[T]{rows: make(map[string]T)}
}

// Reset replaces the projection with the result of an initial bulk read.
func (v *View[T]) Reset(rows []T) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.order = v.order[:0]
	v.rows = make(map[string]T, len(rows))
	for _, row := range rows {
		id := row.Key()
		if _, ok := v.rows[id]; !ok {
			v.order = append(v.order, id)
		}
		v.rows[id] = row
	}
}

// Apply reconciles one change-feed event:
//   - insert: appended unless the id is already present (the optimistic
//     insert race); a duplicate replaces the stored row in place.
//   - update: replaces the row; inserts when absent, which self-heals a
//     missed insert.
//   - delete: removes the row; a no-op when absent.
func (v *View[T]) Apply(kind Kind, row T) {
	v.mu.Lock()
	defer v.mu.Unlock()
	id := row.Key()

	switch kind {
	case KindInsert, KindUpdate:
		if _, ok := v.rows[id]; !ok {
			v.order = append(v.order, id)
		}
		v.rows[id] = row
	case KindDelete:
		if _, ok := v.rows[id]; !ok {
			return
		}
		delete(v.rows, id)
		for i, existing := range v.order {
			if existing == id {
				v.order = append(v.order[:i], v.order[i+1:]...)
				break
			}
		}
	}
}

// Get returns the row with the given id.
func (v *View[T]) Get(id string) (T, bool) {
	v.mu.Lock()
	defer v.mu.Unlock()
	row, ok := v.rows[id]
	return row, ok
}

// Rows returns the projection in arrival order.
func (v *View[T]) Rows() []T {
	v.mu.Lock()
	defer v.mu.Unlock()
	out := make([]T, 0, len(v.order))
	for _, id := range v.order {
		out = append(out, v.rows[id])
	}
	return out
}

func (v *View[T]) Len() int {
	v.mu.Lock()
	defer v.mu.Unlock()
	return len(v.rows)
}
