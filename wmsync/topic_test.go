package wmsync

import (
	"testing"

	"github.com/go-playground/assert/v2"
)

func TestTopicWireForm(t *testing.T) {
	clientId := RequireParseId("0d4a7e66-5f2c-4b9e-9d0a-3c1f7b2e8a51")

	assert.Equal(t, WorkflowListTopic(clientId).String(), "0d4a7e66-5f2c-4b9e-9d0a-3c1f7b2e8a51:WORKFLOW")
	assert.Equal(t, WorkflowTopic(clientId, 7).String(), "0d4a7e66-5f2c-4b9e-9d0a-3c1f7b2e8a51:WORKFLOW:7")
	assert.Equal(
		t,
		AttributeTopic(clientId, RefTypeWorkflowEntity, 12).String(),
		"0d4a7e66-5f2c-4b9e-9d0a-3c1f7b2e8a51:WORKFLOW_ENTITY:12:attr",
	)

	for _, topic := range []Topic{
		WorkflowListTopic(clientId),
		WorkflowTopic(clientId, 7),
		AttributeTopic(clientId, RefTypeWorkflowState, 3),
	} {
		parsed, err := ParseTopic(topic.String())
		assert.Equal(t, err, nil)
		assert.Equal(t, parsed, topic)
	}
}

func TestTopicEquality(t *testing.T) {
	clientA := NewId()
	clientB := NewId()

	assert.Equal(t, WorkflowTopic(clientA, 1) == WorkflowTopic(clientA, 1), true)
	assert.Equal(t, WorkflowTopic(clientA, 1) == WorkflowTopic(clientB, 1), false)
	assert.Equal(t, WorkflowTopic(clientA, 1) == WorkflowTopic(clientA, 2), false)
	assert.Equal(t, WorkflowTopic(clientA, 1) == AttributeTopic(clientA, RefTypeWorkflow, 1), false)
	assert.Equal(t, WorkflowListTopic(clientA) == WorkflowTopic(clientA, 0), false)
}

func TestParseTopicInvalid(t *testing.T) {
	clientId := NewId().String()
	for _, topicStr := range []string{
		"",
		clientId,
		"nope:WORKFLOW",
		clientId + ":OTHER",
		clientId + ":WORKFLOW:x",
		clientId + ":WORKFLOW:0",
		clientId + ":WORKFLOW:attr",
		clientId + ":WORKFLOW:1:2",
		clientId + ":WORKFLOW:1:attr:attr",
	} {
		_, err := ParseTopic(topicStr)
		assert.NotEqual(t, err, nil)
	}
}

func TestTopicCommands(t *testing.T) {
	clientId := RequireParseId("0d4a7e66-5f2c-4b9e-9d0a-3c1f7b2e8a51")
	a := WorkflowTopic(clientId, 1)
	b := AttributeTopic(clientId, RefTypeWorkflowEntity, 2)

	assert.Equal(
		t,
		SubscribeCommand(a, b),
		"S 0d4a7e66-5f2c-4b9e-9d0a-3c1f7b2e8a51:WORKFLOW:1;0d4a7e66-5f2c-4b9e-9d0a-3c1f7b2e8a51:WORKFLOW_ENTITY:2:attr",
	)
	assert.Equal(t, UnsubscribeCommands(a, b), []string{
		"D 0d4a7e66-5f2c-4b9e-9d0a-3c1f7b2e8a51:WORKFLOW:1",
		"D 0d4a7e66-5f2c-4b9e-9d0a-3c1f7b2e8a51:WORKFLOW_ENTITY:2:attr",
	})
	assert.Equal(t, UnsubscribeAllCommand(), "D D")
}
