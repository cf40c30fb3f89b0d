// Package scheduler executes the sub-requests of a logical read or write
// against their backends. It bounds concurrency with a worker pool,
// serializes backends that are not thread-safe, applies per sub-request
// timeouts and feeds every observed transfer back into the performance
// model.
package scheduler
