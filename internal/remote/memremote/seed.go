package memremote

import (
	"github.com/mesh-intelligence/depot/internal/remote/fixture"
)

// Seed fills the remote with n fake parent rows per table, plus line items
// for the line-item tables.
func (r *Remote) Seed(n int) error {
	r.mu.Lock()
	names := make([]string, 0, len(r.tables))
	for name := range r.tables {
		names = append(names, name)
	}
	r.mu.Unlock()

	return fixture.Generate(names, n, func(table, key string, row map[string]any) error {
		_, err := r.PutValue(table, key, row)
		return err
	})
}
