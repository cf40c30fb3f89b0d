// Package layout decides how a logical request is split into fragments and
// which backend serves each fragment. On the write path a Policy decomposes
// the request region and the Layout binds every piece to a DATA backend by
// predicted completion time. On the read path Plan resolves the dataset's
// fragment index into a gather plan where later fragments win.
package layout
