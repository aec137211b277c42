// Package correlation defines the identity every gateway operation carries:
// a correlation ID linking logs, audit events, and responses, plus the
// account the operation acts for. The value travels as an explicit parameter,
// never hidden in a context.Context.
package correlation

import "github.com/google/uuid"

// Context identifies one operation end to end.
type Context struct {
	ID      string
	Account string
}

// New mints a fresh correlation ID for the given account.
func New(account string) Context {
	return Context{ID: uuid.NewString(), Account: account}
}

// WithID adopts an inbound correlation ID, minting one only if it is empty.
func WithID(id, account string) Context {
	if id == "" {
		return New(account)
	}
	return Context{ID: id, Account: account}
}
