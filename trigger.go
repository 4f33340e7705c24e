package mvdb

import "context"

// Trigger is a per-row hook on UPDATE. BeforeRow may veto the write of a row
// by returning false; new may be modified in place. AfterRow runs once the
// statement's rows have been written, in the same order.
type Trigger interface {
	BeforeRow(ctx context.Context, old, new *Row) (bool, error)
	AfterRow(ctx context.Context, old, new *Row) error
}

// TriggerFuncs adapts plain functions to Trigger. Nil functions allow the
// row and do nothing, respectively.
type TriggerFuncs struct {
	Before func(ctx context.Context, old, new *Row) (bool, error)
	After  func(ctx context.Context, old, new *Row) error
}

func (t TriggerFuncs) BeforeRow(ctx context.Context, old, new *Row) (bool, error) {
	if t.Before == nil {
		return true, nil
	}
	return t.Before(ctx, old, new)
}

func (t TriggerFuncs) AfterRow(ctx context.Context, old, new *Row) error {
	if t.After == nil {
		return nil
	}
	return t.After(ctx, old, new)
}
