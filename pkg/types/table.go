package types

import (
	"fmt"
	"regexp"
)

// TableDescriptor is the static description of one replicated remote table.
// The set of descriptors is fixed at startup.
type TableDescriptor struct {
	// Name is the remote table name; it also names the local cache table.
	Name string `json:"name" yaml:"name"`

	// PrimaryKeyField is the remote column holding the record key.
	PrimaryKeyField string `json:"primary_key_field" yaml:"primary_key_field"`

	// VersionField is the remote column holding the monotonic row version.
	VersionField string `json:"version_field" yaml:"version_field"`

	// PageSize is the number of rows requested per list call.
	PageSize int `json:"page_size" yaml:"page_size"`
}

// tableNamePattern restricts table names to identifiers that are safe to
// splice into SQL statements.
var tableNamePattern = regexp.MustCompile(`^[a-z][a-z0-9_]{0,62}$`)

// Validate checks that the descriptor is usable by the cache and the listers.
func (d TableDescriptor) Validate() error {
	if !tableNamePattern.MatchString(d.Name) {
		return fmt.Errorf("%w: %q", ErrInvalidTableName, d.Name)
	}
	if d.PrimaryKeyField == "" || !tableNamePattern.MatchString(d.PrimaryKeyField) {
		return fmt.Errorf("%w: primary key field %q", ErrInvalidTableName, d.PrimaryKeyField)
	}
	if d.VersionField == "" || !tableNamePattern.MatchString(d.VersionField) {
		return fmt.Errorf("%w: version field %q", ErrInvalidTableName, d.VersionField)
	}
	if d.PageSize <= 0 {
		return ErrPageSizeInvalid
	}
	return nil
}
