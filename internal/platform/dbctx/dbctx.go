// Package dbctx bundles a request/operation context with an optional GORM
// transaction so repository methods compose whether or not they are called
// inside an ambient transaction.
package dbctx

import (
	"context"

	"gorm.io/gorm"
)

// Context carries the caller's context.Context alongside an optional open
// transaction. Repository methods accept a Context and fall back to their
// own *gorm.DB handle when Tx is nil.
type Context struct {
	Ctx context.Context
	Tx  *gorm.DB
}

// Background returns a Context with no transaction, suitable for top-level
// calls outside of an ambient unit of work.
func Background() Context {
	return Context{Ctx: context.Background()}
}
