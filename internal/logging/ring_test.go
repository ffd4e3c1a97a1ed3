package logging

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRingEvictsOldest(t *testing.T) {
	r := NewRing(3)
	for i := 0; i < 5; i++ {
		r.Append(Entry{Level: "info", Message: fmt.Sprintf("line %d", i)})
	}
	got := r.Fetch(0, LevelDebug, "")
	require.Len(t, got, 3)
	assert.Equal(t, "line 2", got[0].Message)
	assert.Equal(t, "line 4", got[2].Message)
}

func TestRingFetchFilters(t *testing.T) {
	r := NewRing(16)
	r.Append(Entry{Level: "debug", Message: "noise"})
	r.Append(Entry{Level: "warn", Message: "spend nearing cap", TaskID: "t-1"})
	r.Append(Entry{Level: "error", Message: "provider down", TaskID: "t-2"})

	byLevel := r.Fetch(0, LevelWarn, "")
	require.Len(t, byLevel, 2)
	assert.Equal(t, "spend nearing cap", byLevel[0].Message)

	byTask := r.Fetch(0, LevelDebug, "t-2")
	require.Len(t, byTask, 1)
	assert.Equal(t, "provider down", byTask[0].Message)

	limited := r.Fetch(1, LevelDebug, "")
	require.Len(t, limited, 1)
	assert.Equal(t, "provider down", limited[0].Message)
}

func TestRingSubscribe(t *testing.T) {
	r := NewRing(16)
	ch, cancel := r.Subscribe()

	r.Append(Entry{Level: "info", Message: "hello"})
	select {
	case e := <-ch:
		assert.Equal(t, "hello", e.Message)
	case <-time.After(time.Second):
		t.Fatal("no entry delivered")
	}

	cancel()
	_, open := <-ch
	assert.False(t, open)
	// Appending after cancel must not panic.
	r.Append(Entry{Level: "info", Message: "late"})
}

func TestParseLevel(t *testing.T) {
	assert.Equal(t, LevelDebug, ParseLevel("debug"))
	assert.Equal(t, LevelWarn, ParseLevel("WARNING"))
	assert.Equal(t, LevelError, ParseLevel(" error "))
	assert.Equal(t, LevelInfo, ParseLevel("verbose"))
}
