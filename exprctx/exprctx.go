// Package exprctx models the ExprCtx external collaborator from
// spec.md §6: an opaque, prepared expression evaluated once per row.
// The real expression evaluator lives in the out-of-scope SQL frontend
// (spec.md §1); this package only fixes the contract and a trivial
// constant-folding stand-in. No other package in this module imports
// it: parquetreader applies runtime filters through bloomfilter
// directly.
package exprctx

import "fmt"

// Value is the dynamically typed evaluation result of an expression
// against one row; a nil Value models SQL NULL.
type Value interface{}

// Row is whatever a caller's evaluator needs to resolve column
// references; parquetreader and tuplestream pass their own row
// representations through it opaquely.
type Row interface{}

// ExprCtx is the expression contract of spec.md §6
// "eval(row) -> value|null"; PCR's filter stages do not call it.
type ExprCtx interface {
	Prepare() error
	Open() error
	Eval(row Row) (Value, error)
	Close()
}

// Const is a minimal ExprCtx that always evaluates to a fixed value,
// useful for tests that need a predicate without a real expression
// tree.
type Const struct {
	Value Value
	opened bool
}

func (c *Const) Prepare() error { return nil }

func (c *Const) Open() error {
	c.opened = true
	return nil
}

func (c *Const) Eval(row Row) (Value, error) {
	if !c.opened {
		return nil, fmt.Errorf("exprctx: eval before open")
	}
	return c.Value, nil
}

func (c *Const) Close() { c.opened = false }
