package action

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/convomesh/convomesh/core"
	"github.com/convomesh/convomesh/session"
	"github.com/convomesh/convomesh/transport"
)

func newTestExecutor(t *testing.T) (*Executor, *MemoryRecordStore, *session.InMemoryStore, *transport.Inline) {
	t.Helper()
	records := NewMemoryRecordStore()
	sessions := session.NewInMemoryStore()
	tr := transport.NewInline()
	exec := NewExecutor(records, sessions, func(o *Options) {
		o.Transport = tr
	})
	return exec, records, sessions, tr
}

func TestExecuteCreateTask(t *testing.T) {
	exec, records, _, _ := newTestExecutor(t)

	res := exec.Execute(context.Background(), Request{
		SubjectID: "subj-1",
		Kind:      core.ActionCreateTask,
		Args:      map[string]any{"title": "Call back tomorrow", "dueDate": "2026-09-01"},
	})

	require.True(t, res.Success, res.Message)
	taskID, ok := res.Data["task_id"].(string)
	require.True(t, ok)

	task, ok := records.Tasks()[taskID]
	require.True(t, ok)
	assert.Equal(t, "subj-1", task.SubjectID)
	assert.Equal(t, "Call back tomorrow", task.Title)
	assert.Equal(t, "normal", task.Priority)
}

func TestExecuteValidationFailure(t *testing.T) {
	exec, records, _, _ := newTestExecutor(t)

	res := exec.Execute(context.Background(), Request{
		SubjectID: "subj-1",
		Kind:      core.ActionCreateTask,
		Args:      map[string]any{"description": "no title"},
	})

	assert.False(t, res.Success)
	assert.Contains(t, res.Message, "VALIDATION_ERROR")
	assert.Empty(t, records.Tasks())
}

func TestExecuteUnknownKind(t *testing.T) {
	exec, _, _, _ := newTestExecutor(t)

	res := exec.Execute(context.Background(), Request{
		SubjectID: "subj-1",
		Kind:      core.ActionKind("delete_everything"),
		Args:      map[string]any{},
	})

	assert.False(t, res.Success)
	assert.Contains(t, res.Message, "UNKNOWN_KIND")
}

func TestExecuteUpdateStatus(t *testing.T) {
	exec, records, _, _ := newTestExecutor(t)
	records.SeedSubject(SubjectRecord{ID: "subj-1", Status: "new"})

	res := exec.Execute(context.Background(), Request{
		SubjectID: "subj-1",
		Kind:      core.ActionUpdateStatus,
		Args:      map[string]any{"newStatus": "qualified", "reason": "budget confirmed"},
	})

	require.True(t, res.Success, res.Message)
	rec, err := records.FindSubject(context.Background(), "subj-1")
	require.NoError(t, err)
	assert.Equal(t, "qualified", rec.Status)
}

func TestExecuteScheduleFollowupAndNotify(t *testing.T) {
	exec, records, _, _ := newTestExecutor(t)

	res := exec.Execute(context.Background(), Request{
		SubjectID: "subj-1",
		Kind:      core.ActionScheduleFollowup,
		Args:      map[string]any{"date": "2026-09-05", "type": "call"},
	})
	require.True(t, res.Success, res.Message)

	res = exec.Execute(context.Background(), Request{
		SubjectID: "subj-1",
		Kind:      core.ActionNotify,
		Args:      map[string]any{"message": "subject asked for pricing"},
	})
	require.True(t, res.Success, res.Message)

	entries := records.Interactions("subj-1")
	require.Len(t, entries, 2)
	assert.Equal(t, "followup_scheduled", entries[0].Type)
	assert.Equal(t, "notification", entries[1].Type)
}

func TestExecuteSendMessage(t *testing.T) {
	exec, _, _, tr := newTestExecutor(t)

	res := exec.Execute(context.Background(), Request{
		SubjectID: "subj-1",
		Kind:      core.ActionSendMessage,
		Args:      map[string]any{"channel": "sms:+15550001", "text": "see you tomorrow"},
	})

	require.True(t, res.Success, res.Message)
	sent := tr.Sent()
	require.Len(t, sent, 1)
	assert.Equal(t, "sms:+15550001", sent[0].Destination)
}

func TestExecuteSendMessageWithoutTransport(t *testing.T) {
	exec := NewExecutor(NewMemoryRecordStore(), session.NewInMemoryStore())

	res := exec.Execute(context.Background(), Request{
		Kind: core.ActionSendMessage,
		Args: map[string]any{"channel": "sms:+15550001", "text": "hi"},
	})

	assert.False(t, res.Success)
	assert.Contains(t, res.Message, "no transport configured")
}

func TestExecuteHandoffFreezesSession(t *testing.T) {
	exec, records, sessions, _ := newTestExecutor(t)

	sess, err := sessions.GetOrCreate(context.Background(), "subj-1", "web")
	require.NoError(t, err)

	res := exec.Execute(context.Background(), Request{
		SessionID: sess.ID,
		SubjectID: "subj-1",
		Kind:      core.ActionHandoff,
		Args:      map[string]any{"reason": "complex billing dispute", "urgency": "high"},
	})
	require.True(t, res.Success, res.Message)

	frozen, err := sessions.Get(context.Background(), sess.ID)
	require.NoError(t, err)
	assert.Equal(t, core.SessionHandoff, frozen.Status)

	var found bool
	for _, task := range records.Tasks() {
		if task.Title == "Handoff requested" {
			found = true
			assert.Equal(t, "high", task.Priority)
			assert.Equal(t, "complex billing dispute", task.Description)
		}
	}
	assert.True(t, found, "expected a handoff task")
}

func TestExecuteHandoffOnTerminalSession(t *testing.T) {
	exec, _, sessions, _ := newTestExecutor(t)

	sess, err := sessions.GetOrCreate(context.Background(), "subj-1", "web")
	require.NoError(t, err)
	require.NoError(t, sessions.MarkTerminal(context.Background(), sess.ID, core.SessionCompleted, "done"))

	res := exec.Execute(context.Background(), Request{
		SessionID: sess.ID,
		SubjectID: "subj-1",
		Kind:      core.ActionHandoff,
		Args:      map[string]any{"reason": "late handoff"},
	})

	// An already terminal session does not fail the handoff task creation.
	assert.True(t, res.Success, res.Message)
}

func TestSchemaLookup(t *testing.T) {
	for _, kind := range []core.ActionKind{
		core.ActionCreateTask,
		core.ActionScheduleFollowup,
		core.ActionUpdateStatus,
		core.ActionNotify,
		core.ActionSendMessage,
		core.ActionHandoff,
	} {
		s, ok := Schema(kind)
		require.True(t, ok, string(kind))
		assert.Equal(t, "object", s["type"])
	}

	_, ok := Schema(core.ActionKind("bogus"))
	assert.False(t, ok)
}
