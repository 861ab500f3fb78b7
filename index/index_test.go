package index

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestPutThenFindExact(t *testing.T) {
	idx := New()
	idx.Put(Entry{Key: "users/1", Length: 10})

	e, ok := idx.FindExact("users/1")
	require.True(t, ok)
	require.Equal(t, uint64(10), e.Length)

	_, ok = idx.FindExact("users/2")
	require.False(t, ok)
}

func TestRemoveDropsFromBothStructures(t *testing.T) {
	idx := New()
	idx.Put(Entry{Key: "a", Length: 1})
	idx.Remove("a")

	_, ok := idx.FindExact("a")
	require.False(t, ok)

	found, err := idx.FindRegex("^a$")
	require.NoError(t, err)
	require.Empty(t, found)
}

func TestFindPrefixOrdersLexically(t *testing.T) {
	idx := Rebuild([]Entry{
		{Key: "users/2", Length: 2},
		{Key: "users/1", Length: 1},
		{Key: "orders/1", Length: 3},
	})

	got := idx.FindPrefix("users/")
	require.Len(t, got, 2)
	require.Equal(t, "users/1", got[0].Key)
	require.Equal(t, "users/2", got[1].Key)
}

func TestFindRegexMatchesAcrossKeys(t *testing.T) {
	idx := Rebuild([]Entry{
		{Key: "log-2024-01"},
		{Key: "log-2024-02"},
		{Key: "other"},
	})

	got, err := idx.FindRegex(`^log-2024-\d+$`)
	require.NoError(t, err)
	require.Len(t, got, 2)
}

func TestFindRegexRejectsInvalidPattern(t *testing.T) {
	idx := New()
	_, err := idx.FindRegex("(unterminated")
	require.Error(t, err)
}

func TestCursorStepIsResumableAndExhaustive(t *testing.T) {
	idx := Rebuild([]Entry{
		{Key: "a"}, {Key: "b"}, {Key: "c"},
	})

	cur := idx.NewCursor()
	var seen []string
	for {
		e, _, ok := cur.Step("")
		if !ok {
			break
		}
		seen = append(seen, e.Key)
	}
	require.Equal(t, []string{"a", "b", "c"}, seen)

	_, _, ok := cur.Step("")
	require.False(t, ok, "a fully-drained cursor must stay exhausted")
}

func TestCursorStepHonorsPrefix(t *testing.T) {
	idx := Rebuild([]Entry{
		{Key: "cats/1"}, {Key: "dogs/1"}, {Key: "cats/2"},
	})

	cur := idx.NewCursor()
	var seen []string
	for {
		e, _, ok := cur.Step("cats/")
		if !ok {
			break
		}
		seen = append(seen, e.Key)
	}
	require.Equal(t, []string{"cats/1", "cats/2"}, seen)
}

func TestCursorSurvivesConcurrentPutsBetweenSteps(t *testing.T) {
	idx := Rebuild([]Entry{{Key: "a"}, {Key: "c"}})
	cur := idx.NewCursor()

	e, _, ok := cur.Step("")
	require.True(t, ok)
	require.Equal(t, "a", e.Key)

	idx.Put(Entry{Key: "b"})

	e, _, ok = cur.Step("")
	require.True(t, ok)
	require.Equal(t, "b", e.Key, "a key inserted after the cursor's last position must still surface")
}
