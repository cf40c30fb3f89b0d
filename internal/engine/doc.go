// Package engine implements the logical API of the middleware: creating,
// opening, writing, reading and destroying containers and datasets. It
// owns each open dataset's fragment index and serializes index commits so
// that sequence-number order equals commit order.
package engine
