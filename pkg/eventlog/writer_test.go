package eventlog

import (
	"bufio"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"pressroom/pkg/proto"
)

func TestWriteAppendsJSONL(t *testing.T) {
	dir := t.TempDir()
	w, err := NewWriter(dir)
	require.NoError(t, err)
	defer w.Close()

	decision := &proto.GateDecision{
		SubjectID: "item-001-writing",
		Verdict:   proto.VerdictApprove,
		DecidedAt: time.Now().UTC(),
	}
	require.NoError(t, w.Write(&Event{
		Type:      EventGateDecision,
		SubjectID: "item-001-writing",
		Decision:  decision,
	}))
	require.NoError(t, w.Write(&Event{
		Type:      EventTaskTransition,
		SubjectID: "item-001-writing",
		Detail:    map[string]any{"status": "complete"},
	}))

	path := filepath.Join(dir, "events-"+time.Now().UTC().Format("2006-01-02")+".jsonl")
	f, err := os.Open(path)
	require.NoError(t, err)
	defer f.Close()

	var events []Event
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		var ev Event
		require.NoError(t, json.Unmarshal(scanner.Bytes(), &ev))
		events = append(events, ev)
	}
	require.NoError(t, scanner.Err())
	require.Len(t, events, 2)

	assert.Equal(t, EventGateDecision, events[0].Type)
	require.NotNil(t, events[0].Decision)
	assert.Equal(t, proto.VerdictApprove, events[0].Decision.Verdict)
	assert.False(t, events[0].Timestamp.IsZero(), "writer must stamp events")

	assert.Equal(t, EventTaskTransition, events[1].Type)
	assert.Equal(t, "complete", events[1].Detail["status"])
}

func TestWriteSurvivesReopen(t *testing.T) {
	dir := t.TempDir()

	w, err := NewWriter(dir)
	require.NoError(t, err)
	require.NoError(t, w.Write(&Event{Type: EventItemQueued, SubjectID: "item-001"}))
	require.NoError(t, w.Close())

	// A second writer appends to the same daily file.
	w, err = NewWriter(dir)
	require.NoError(t, err)
	require.NoError(t, w.Write(&Event{Type: EventItemClosed, SubjectID: "item-001"}))
	require.NoError(t, w.Close())

	path := filepath.Join(dir, "events-"+time.Now().UTC().Format("2006-01-02")+".jsonl")
	data, err := os.ReadFile(path)
	require.NoError(t, err)

	lines := 0
	for _, b := range data {
		if b == '\n' {
			lines++
		}
	}
	assert.Equal(t, 2, lines)
}

func TestCloseIsIdempotent(t *testing.T) {
	w, err := NewWriter(t.TempDir())
	require.NoError(t, err)

	require.NoError(t, w.Close())
	require.NoError(t, w.Close())
}
