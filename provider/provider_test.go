package provider

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/convomesh/convomesh/core"
)

func TestMock_CannedAndGeneratedResponses(t *testing.T) {
	m := NewMock()
	m.AddResponse("what is the price?", &Response{Content: "It is $10."})

	resp, err := m.Complete(context.Background(), Request{Messages: []Message{
		{Role: core.RoleSystem, Content: "be brief"},
		{Role: core.RoleUser, Content: "what is the price?"},
	}})
	require.NoError(t, err)
	assert.Equal(t, "It is $10.", resp.Content)

	resp, err = m.Complete(context.Background(), Request{Messages: []Message{
		{Role: core.RoleUser, Content: "unknown input"},
	}})
	require.NoError(t, err)
	assert.Contains(t, resp.Content, "unknown input")
	assert.Equal(t, 2, m.Calls())
}

func TestMock_StructuredCall(t *testing.T) {
	m := NewMock()
	m.AddResponse("book a call", &Response{
		StructuredCall: &core.StructuredCall{
			Name:          "schedule_followup",
			ArgumentsJSON: `{"date":"2024-01-01","type":"call"}`,
		},
	})

	resp, err := m.Complete(context.Background(), Request{Messages: []Message{
		{Role: core.RoleUser, Content: "book a call"},
	}})
	require.NoError(t, err)
	assert.Empty(t, resp.Content)
	require.NotNil(t, resp.StructuredCall)
	assert.Equal(t, "schedule_followup", resp.StructuredCall.Name)
}

func TestResponse_ValidateRejectsEmpty(t *testing.T) {
	empty := &Response{}
	assert.ErrorIs(t, empty.Validate(), ErrEmptyResponse)

	withCall := &Response{StructuredCall: &core.StructuredCall{Name: "notify"}}
	assert.NoError(t, withCall.Validate())
}
