package timeline

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/mizkun/project-anima3-sub000/internal/domain"
)

func turn(step int, character, ts string) domain.TimelineEntry {
	return domain.NewTurnEntry(step, character, ts, domain.TurnPayload{Talk: "line " + ts})
}

func steps(entries []domain.TimelineEntry) []int {
	out := make([]int, len(entries))
	for i, e := range entries {
		out[i] = e.Step
	}
	return out
}

func TestAppendSuppressesDuplicateIdentity(t *testing.T) {
	e := turn(1, "A", "t1")

	got, added := Append(nil, e)
	if !added || len(got) != 1 {
		t.Fatalf("first append: added=%v len=%d", added, len(got))
	}
	got, added = Append(got, e)
	if added {
		t.Fatalf("duplicate append reported as added")
	}
	if len(got) != 1 {
		t.Fatalf("expected 1 entry after duplicate append, got %d", len(got))
	}
}

func TestAppendDistinguishesIdentityFields(t *testing.T) {
	var got []domain.TimelineEntry
	for _, e := range []domain.TimelineEntry{
		turn(1, "A", "t1"),
		turn(1, "B", "t1"),
		turn(1, "A", "t2"),
		domain.NewInterventionEntry(1, "t1", domain.InterventionUpdateSituation, "storm", ""),
	} {
		got, _ = Append(got, e)
	}
	assert.Len(t, got, 4)
}

func TestAppendKeepsStepOrder(t *testing.T) {
	var got []domain.TimelineEntry
	for _, e := range []domain.TimelineEntry{turn(1, "A", "t1"), turn(3, "A", "t3"), turn(2, "B", "t2"), turn(2, "C", "t2b")} {
		got, _ = Append(got, e)
	}
	assert.Equal(t, []int{1, 2, 2, 3}, steps(got))
	assert.Equal(t, "B", got[1].Character, "equal steps keep arrival order")
	assert.Equal(t, "C", got[2].Character)
}

func TestAppendDoesNotMutateInput(t *testing.T) {
	base := []domain.TimelineEntry{turn(1, "A", "t1"), turn(3, "A", "t3")}
	snapshot := append([]domain.TimelineEntry(nil), base...)

	Append(base, turn(2, "A", "t2"))
	assert.Equal(t, snapshot, base)
}

func TestReplaceDropsDuplicatesAndKeepsOrder(t *testing.T) {
	incoming := []domain.TimelineEntry{turn(1, "A", "t1"), turn(2, "A", "t2"), turn(1, "A", "t1")}
	got := Replace(incoming)
	assert.Equal(t, []int{1, 2}, steps(got))

	empty := Replace(nil)
	assert.NotNil(t, empty)
	assert.Len(t, empty, 0)
}

func TestPushAndPollConvergeInAnyOrder(t *testing.T) {
	e1 := turn(1, "A", "t1")
	e2 := turn(2, "A", "t2")
	snapshot := []domain.TimelineEntry{e1, e2}

	pushFirst, _ := Append(nil, e2)
	assert.Len(t, pushFirst, 1)
	pushFirst = Replace(snapshot)

	pollFirst := Replace(snapshot)
	pollFirst, _ = Append(pollFirst, e2)

	assert.Equal(t, []int{1, 2}, steps(pushFirst))
	assert.Equal(t, []int{1, 2}, steps(pollFirst))
	assert.True(t, Equal(pushFirst, pollFirst))
}

func TestAdded(t *testing.T) {
	prev := []domain.TimelineEntry{turn(1, "A", "t1")}
	next := []domain.TimelineEntry{turn(1, "A", "t1"), turn(2, "B", "t2")}

	added := Added(prev, next)
	if assert.Len(t, added, 1) {
		assert.Equal(t, "B", added[0].Character)
	}
	assert.Empty(t, Added(next, prev))
}

func TestNewestFirst(t *testing.T) {
	stored := []domain.TimelineEntry{turn(1, "A", "t1"), turn(2, "A", "t2"), turn(3, "A", "t3")}
	assert.Equal(t, []int{3, 2, 1}, steps(NewestFirst(stored)))
	assert.Equal(t, []int{1, 2, 3}, steps(stored))
}
