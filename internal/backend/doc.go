// Package backend defines the capability contract every storage backend
// (POSIX filesystem, object store, SQLite, memory) must implement, along with
// the registry that owns registered backend instances and their performance
// statistics for the lifetime of a middleware instance.
package backend
