package model

import (
	"errors"
	"fmt"
	"strings"
)

// Error taxonomy shared by backends, the layout engine, the scheduler and
// the logical API.
var (
	ErrConfig             = errors.New("configuration error")
	ErrBackendUnavailable = errors.New("backend unavailable")
	ErrDuplicateName      = errors.New("duplicate backend name")
	ErrNotFound           = errors.New("not found")
	ErrAlreadyExists      = errors.New("already exists")
	ErrIOFailure          = errors.New("i/o failure")
	ErrMissingFragment    = errors.New("missing fragment")
	ErrBackendRead        = errors.New("backend read failure")
	ErrBackendWrite       = errors.New("backend write failure")
	ErrAggregate          = errors.New("aggregate failure")
	ErrOrphanedFragment   = errors.New("orphaned fragment")
	ErrTimeout            = errors.New("sub-request timed out")
)

// TransferError reports a fragment transfer that failed after Bytes bytes
// had already moved.
type TransferError struct {
	Bytes int64
	Err   error
}

func (e *TransferError) Error() string {
	return fmt.Sprintf("%v (after %d bytes)", e.Err, e.Bytes)
}

func (e *TransferError) Unwrap() error { return e.Err }

// Transferred returns the byte count carried by a TransferError in err's
// chain, or zero.
func Transferred(err error) int64 {
	var te *TransferError
	if errors.As(err, &te) {
		return te.Bytes
	}
	return 0
}

// SubRegionError wraps a backend failure with the sub-region it was serving.
type SubRegionError struct {
	Op       Op
	Fragment string
	Region   Region
	Backend  string
	Err      error
}

func (e *SubRegionError) Error() string {
	return fmt.Sprintf("%s fragment %s %s on backend %q: %v", e.Op, e.Fragment, e.Region, e.Backend, e.Err)
}

func (e *SubRegionError) Unwrap() error { return e.Err }

// Is matches BackendReadFailure or BackendWriteFailure depending on Op.
func (e *SubRegionError) Is(target error) bool {
	switch e.Op {
	case OpRead:
		return target == ErrBackendRead
	case OpWrite:
		return target == ErrBackendWrite
	}
	return false
}

// MissingFragmentError names the parts of a read request that no committed
// fragment covers.
type MissingFragmentError struct {
	Dataset   string
	Uncovered []Region
}

func (e *MissingFragmentError) Error() string {
	parts := make([]string, len(e.Uncovered))
	for i, r := range e.Uncovered {
		parts[i] = r.String()
	}
	return fmt.Sprintf("missing fragment in %s: uncovered %s", e.Dataset, strings.Join(parts, " "))
}

func (e *MissingFragmentError) Is(target error) bool { return target == ErrMissingFragment }

// AggregateError reports every failed sub-request of a logical request.
// Orphans lists fragments that were persisted by sibling sub-requests but
// never committed to the dataset index.
type AggregateError struct {
	Total    int
	Failures []*SubRegionError
	Orphans  []FragmentRef
}

func (e *AggregateError) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "%d of %d sub-requests failed", len(e.Failures), e.Total)
	for _, f := range e.Failures {
		b.WriteString("; ")
		b.WriteString(f.Error())
	}
	if len(e.Orphans) > 0 {
		fmt.Fprintf(&b, "; %d fragments orphaned", len(e.Orphans))
	}
	return b.String()
}

func (e *AggregateError) Unwrap() []error {
	errs := make([]error, len(e.Failures))
	for i, f := range e.Failures {
		errs[i] = f
	}
	return errs
}

// Is matches AggregateFailure, and OrphanedFragment when orphans were left.
func (e *AggregateError) Is(target error) bool {
	if target == ErrAggregate {
		return true
	}
	return target == ErrOrphanedFragment && len(e.Orphans) > 0
}
