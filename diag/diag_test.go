package diag

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestErrorMatching(t *testing.T) {
	cause := errors.New("peer vanished")
	err := Wrap(CommunicationFailure, 2, "exchange", cause)
	wrapped := fmt.Errorf("redistribute: %w", err)

	assert.ErrorIs(t, wrapped, ErrCommunicationFailure)
	assert.NotErrorIs(t, wrapped, ErrInvalidIdArray)
	assert.ErrorIs(t, wrapped, cause)
	assert.Equal(t, CommunicationFailure, KindOf(wrapped))
	assert.Equal(t, None, KindOf(cause))
	assert.Equal(t, "CommunicationFailure on rank 2 during exchange: peer vanished", err.Error())

	// a kinded error keeps its kind when wrapped again
	again := Wrap(InvalidIdArray, 0, "other", wrapped)
	assert.Equal(t, CommunicationFailure, KindOf(again))
	assert.Nil(t, Wrap(InvalidIdArray, 0, "noop", nil))
}

func TestKindFatal(t *testing.T) {
	for _, tc := range []struct {
		kind  Kind
		fatal bool
	}{
		{InvalidIdArray, true},
		{CommunicationFailure, true},
		{PartitionFailure, true},
		{PartitionInconsistency, false},
		{InconsistentDuplicatePoint, false},
		{GhostResolutionFailure, false},
		{None, false},
	} {
		assert.Equal(t, tc.fatal, tc.kind.Fatal(), tc.kind.String())
	}
	assert.Equal(t, "Kind(99)", Kind(99).String())
}

func TestList(t *testing.T) {
	var l List
	l.Add(GhostResolutionFailure, 1, 42, "point %d unresolved", 42)
	l.Add(PartitionInconsistency, 0, -1, "counts differ")
	l.Add(GhostResolutionFailure, 1, 43, "point unresolved")

	var other List
	other.Add(InconsistentDuplicatePoint, 3, 7, "attribute mismatch")
	l.Merge(&other)
	l.Merge(nil)

	assert.Equal(t, 4, l.Len())
	assert.Equal(t, 2, l.Count(GhostResolutionFailure))
	assert.Equal(t, "PartitionInconsistency=1 InconsistentDuplicatePoint=1 GhostResolutionFailure=2", l.Summary())
	assert.Equal(t, "GhostResolutionFailure on rank 1 (id 42): point 42 unresolved", l.Entries()[0].String())
	assert.Equal(t, "PartitionInconsistency on rank 0: counts differ", l.Entries()[1].String())
}
