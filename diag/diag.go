// Package diag defines the error kinds raised while redistributing a mesh,
// and the diagnostics list that collects the non-fatal ones.
package diag

import (
	"errors"
	"fmt"
	"sort"
	"strings"
)

// Kind classifies a failure
type Kind uint8

const (
	None Kind = iota

	// Fatal kinds abort the collective call on every rank
	InvalidIdArray
	CommunicationFailure
	PartitionFailure // the oracle produced no usable layout

	// Non-fatal kinds are collected as diagnostics
	PartitionInconsistency
	InconsistentDuplicatePoint
	GhostResolutionFailure
)

var kindNames = map[Kind]string{
	None:                       "None",
	InvalidIdArray:             "InvalidIdArray",
	CommunicationFailure:       "CommunicationFailure",
	PartitionFailure:           "PartitionFailure",
	PartitionInconsistency:     "PartitionInconsistency",
	InconsistentDuplicatePoint: "InconsistentDuplicatePoint",
	GhostResolutionFailure:     "GhostResolutionFailure",
}

func (k Kind) String() string {
	if s, ok := kindNames[k]; ok {
		return s
	}
	return fmt.Sprintf("Kind(%d)", uint8(k))
}

// Fatal reports whether errors of this kind abort the whole call
func (k Kind) Fatal() bool {
	return k == InvalidIdArray || k == CommunicationFailure || k == PartitionFailure
}

// Error is a kinded failure. Errors match the sentinel of their kind with
// errors.Is, and unwrap to their cause.
type Error struct {
	Kind Kind
	Rank int    // rank that observed the failure, -1 when unknown
	Op   string // operation that failed
	Err  error  // underlying cause, may be nil
}

// Sentinels for errors.Is matching
var (
	ErrInvalidIdArray             = &Error{Kind: InvalidIdArray, Rank: -1}
	ErrCommunicationFailure       = &Error{Kind: CommunicationFailure, Rank: -1}
	ErrPartitionFailure           = &Error{Kind: PartitionFailure, Rank: -1}
	ErrPartitionInconsistency     = &Error{Kind: PartitionInconsistency, Rank: -1}
	ErrInconsistentDuplicatePoint = &Error{Kind: InconsistentDuplicatePoint, Rank: -1}
	ErrGhostResolutionFailure     = &Error{Kind: GhostResolutionFailure, Rank: -1}
)

// Errorf builds a kinded error whose cause is formatted from format and args
func Errorf(kind Kind, rank int, op, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, Rank: rank, Op: op, Err: fmt.Errorf(format, args...)}
}

// Wrap attaches a kind to err. A nil err yields nil, and an err that already
// carries a kind keeps it.
func Wrap(kind Kind, rank int, op string, err error) error {
	if err == nil {
		return nil
	}
	var de *Error
	if errors.As(err, &de) {
		return err
	}
	return &Error{Kind: kind, Rank: rank, Op: op, Err: err}
}

func (e *Error) Error() string {
	var sb strings.Builder
	sb.WriteString(e.Kind.String())
	if e.Rank >= 0 {
		fmt.Fprintf(&sb, " on rank %d", e.Rank)
	}
	if e.Op != "" {
		fmt.Fprintf(&sb, " during %s", e.Op)
	}
	if e.Err != nil {
		fmt.Fprintf(&sb, ": %v", e.Err)
	}
	return sb.String()
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches any *Error of the same kind
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && t.Kind == e.Kind
}

// KindOf returns the kind carried by err, or None
func KindOf(err error) Kind {
	var de *Error
	if errors.As(err, &de) {
		return de.Kind
	}
	return None
}

// Diagnostic is one recorded non-fatal event
type Diagnostic struct {
	Kind    Kind
	Rank    int
	ID      int64 // global point or cell id involved, -1 when not applicable
	Message string
}

func (d Diagnostic) String() string {
	if d.ID >= 0 {
		return fmt.Sprintf("%s on rank %d (id %d): %s", d.Kind, d.Rank, d.ID, d.Message)
	}
	return fmt.Sprintf("%s on rank %d: %s", d.Kind, d.Rank, d.Message)
}

// List accumulates diagnostics. The zero value is ready to use.
type List struct {
	entries []Diagnostic
}

// Add records a diagnostic
func (l *List) Add(kind Kind, rank int, id int64, format string, args ...interface{}) {
	l.entries = append(l.entries, Diagnostic{
		Kind:    kind,
		Rank:    rank,
		ID:      id,
		Message: fmt.Sprintf(format, args...),
	})
}

// Merge appends all entries of o
func (l *List) Merge(o *List) {
	if o == nil {
		return
	}
	l.entries = append(l.entries, o.entries...)
}

// Len returns the number of recorded diagnostics
func (l *List) Len() int { return len(l.entries) }

// Entries returns the recorded diagnostics in order
func (l *List) Entries() []Diagnostic { return l.entries }

// Count returns the number of diagnostics of the given kind
func (l *List) Count(kind Kind) int {
	n := 0
	for _, d := range l.entries {
		if d.Kind == kind {
			n++
		}
	}
	return n
}

// Summary returns counts per kind, e.g. "GhostResolutionFailure=2"
func (l *List) Summary() string {
	counts := make(map[Kind]int)
	for _, d := range l.entries {
		counts[d.Kind]++
	}
	kinds := make([]Kind, 0, len(counts))
	for k := range counts {
		kinds = append(kinds, k)
	}
	sort.Slice(kinds, func(i, j int) bool { return kinds[i] < kinds[j] })
	parts := make([]string, len(kinds))
	for i, k := range kinds {
		parts[i] = fmt.Sprintf("%s=%d", k, counts[k])
	}
	return strings.Join(parts, " ")
}
