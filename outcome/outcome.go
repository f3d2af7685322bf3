// Package outcome holds the tagged results returned by the store adapters and the
// repository, together with the error categories they carry.
package outcome

import (
	goerrors "github.com/goliatone/go-errors"
)

// Status tags the result of a single storage operation.
type Status int

const (
	Succeeded Status = iota
	// NoOp means there was nothing to write, e.g. an empty change set.
	NoOp
	NotFound
	Failed
	// RolledBack marks an item whose batch was rolled back.
	RolledBack
)

func (s Status) String() string {
	switch s {
	case Succeeded:
		return "succeeded"
	case NoOp:
		return "noop"
	case NotFound:
		return "not_found"
	case Failed:
		return "failed"
	case RolledBack:
		return "rolled_back"
	default:
		return "unknown"
	}
}

// Result is the outcome of one operation against one or both tiers.
type Result struct {
	Status   Status
	Affected int64
	// Err is set for Failed and RolledBack results.
	Err error
	// CacheErr records a best effort cache write that failed after the
	// durable write succeeded.
	CacheErr error
}

func Success(affected int64) Result { return Result{Status: Succeeded, Affected: affected} }

func Skipped() Result { return Result{Status: NoOp} }

func Missing() Result { return Result{Status: NotFound} }

func Failure(err error) Result { return Result{Status: Failed, Err: err} }

// OK reports whether the operation succeeded.
func (r Result) OK() bool { return r.Status == Succeeded }

// Batch reports per-item results in the order the items were supplied.
type Batch struct {
	Items     []Result
	Committed bool
	Err       error
}

// Flags returns one success flag per item.
func (b Batch) Flags() []bool {
	flags := make([]bool, len(b.Items))
	for i, r := range b.Items {
		flags[i] = r.OK()
	}
	return flags
}

// Count returns how many items ended with the given status.
func (b Batch) Count(status Status) int {
	n := 0
	for _, r := range b.Items {
		if r.Status == status {
			n++
		}
	}
	return n
}

// Error categories.
var (
	// CategoryConfig marks setup mistakes: unregistered types, unarmed trackers,
	// unknown shards. These are the only errors returned as Go errors by the
	// repository.
	CategoryConfig = goerrors.CategoryInternal.Extend("config")
	// CategoryTransport marks a failed round trip to a store.
	CategoryTransport = goerrors.CategoryExternal
	CategoryNotFound  = goerrors.CategoryNotFound
)

// ConfigError builds a configuration error with a text code.
func ConfigError(code, message string) *goerrors.Error {
	return goerrors.New(message, CategoryConfig).WithTextCode(code)
}

// TransportError wraps a store failure.
func TransportError(err error, code, message string) *goerrors.Error {
	if err == nil {
		return nil
	}
	return goerrors.Wrap(err, CategoryTransport, message).WithTextCode(code)
}

func IsConfig(err error) bool { return goerrors.HasCategory(err, CategoryConfig) }

func IsTransport(err error) bool { return goerrors.HasCategory(err, CategoryTransport) }
