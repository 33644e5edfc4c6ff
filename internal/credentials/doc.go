// Package credentials brokers tenant-scoped secrets to workers.
// Resolution is bounded by a timeout and backed by a pluggable Source;
// values never appear in logs.
package credentials
