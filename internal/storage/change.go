package storage

import "context"

// Change is a mutation already applied in memory that still has to be
// written. Commit writes it and reverts the in-memory mutation when the write
// fails.
type Change struct {
	sync func(ctx context.Context, undo func()) error
	undo func()
}

// NewChange pairs a write of the collection with the in-memory undo of the
// mutation. sync must run undo, when given, if the write fails.
func NewChange(sync func(ctx context.Context, undo func()) error, undo func()) Change {
	return Change{sync: sync, undo: undo}
}

// Commit persists the change, undoing it in memory on failure.
func (c Change) Commit(ctx context.Context) error {
	if c.sync == nil {
		return nil
	}
	return c.sync(ctx, c.undo)
}

// Flush persists the change and leaves memory alone on failure.
func (c Change) Flush(ctx context.Context) error {
	if c.sync == nil {
		return nil
	}
	return c.sync(ctx, nil)
}

// Revert undoes the mutation in memory and writes the result, in case a
// concurrent write already stored the mutation.
func (c Change) Revert(ctx context.Context) error {
	if c.sync == nil {
		return nil
	}
	if c.undo != nil {
		c.undo()
	}
	return c.sync(ctx, nil)
}

// Undo reverts the in-memory mutation without touching storage.
func (c Change) Undo() {
	if c.undo != nil {
		c.undo()
	}
}
