// Package perf implements the live per-backend cost model that drives backend
// selection and chunk sizing. Each backend owns a Stats value holding its
// current throughput and latency estimate; the Model turns those estimates
// into predicted costs and folds observed sub-request timings back into them
// as exponential moving averages.
package perf
