// Package store defines interfaces for persisting job progress as relayed by
// progress trees. Implementations live in other packages; this package must
// not import database drivers or concrete clients.
package store
