// Package metadata contains the name/value pairs attached to archival
// session records.
package metadata

// NameValue is one client or server metadata entry of a session record.
type NameValue struct {
	Name  string
	Value string
}
