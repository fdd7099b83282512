// Package types defines the CacheStore, Lister and Transport interfaces, the
// record, session and status value types, and the standard errors for the
// depot sync engine.
//
// A depot keeps a local replica of a fixed set of remote tables. Every row is
// stored as a CacheRecord carrying the remote version it was observed at; the
// version, not the arrival order, decides which write wins.
package types
