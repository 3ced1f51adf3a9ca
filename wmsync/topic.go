package wmsync

import (
	"fmt"
	"strconv"
	"strings"
)

// push channel commands
const (
	PingMessage = "ping"
	PongMessage = "pong"

	subscribeCommand   = "S"
	unsubscribeCommand = "D"
	unsubscribeAll     = "D D"

	topicSeparator  = ";"
	topicAttrSuffix = "attr"
)

// a push channel subscription unit
// wire form is `clientId:REFTYPE[:entityId][:attr]`
// comparable, so topics can be used as map keys
type Topic struct {
	ClientId    Id
	RefType     RefType
	EntityId    int
	HasEntityId bool
	Attr        bool
}

// the unscoped list of all workflows for the client
func WorkflowListTopic(clientId Id) Topic {
	return Topic{
		ClientId: clientId,
		RefType:  RefTypeWorkflow,
	}
}

// everything pushed for one workflow, its states and its entities
func WorkflowTopic(clientId Id, workflowId int) Topic {
	return Topic{
		ClientId:    clientId,
		RefType:     RefTypeWorkflow,
		EntityId:    workflowId,
		HasEntityId: true,
	}
}

// the attributes of one workflow, state or entity
func AttributeTopic(clientId Id, refType RefType, ownerId int) Topic {
	return Topic{
		ClientId:    clientId,
		RefType:     refType,
		EntityId:    ownerId,
		HasEntityId: true,
		Attr:        true,
	}
}

func (self Topic) String() string {
	parts := []string{self.ClientId.String(), string(self.RefType)}
	if self.HasEntityId {
		parts = append(parts, strconv.Itoa(self.EntityId))
	}
	if self.Attr {
		parts = append(parts, topicAttrSuffix)
	}
	return strings.Join(parts, ":")
}

func ParseTopic(topicStr string) (Topic, error) {
	parts := strings.Split(topicStr, ":")
	if len(parts) < 2 || 4 < len(parts) {
		return Topic{}, fmt.Errorf("Invalid topic: %s", topicStr)
	}
	clientId, err := ParseId(parts[0])
	if err != nil {
		return Topic{}, fmt.Errorf("Invalid topic client id: %s", topicStr)
	}
	topic := Topic{
		ClientId: clientId,
		RefType:  RefType(parts[1]),
	}
	if !topic.RefType.Valid() {
		return Topic{}, fmt.Errorf("Invalid topic ref type: %s", topicStr)
	}
	rest := parts[2:]
	if 0 < len(rest) && rest[len(rest)-1] == topicAttrSuffix {
		topic.Attr = true
		rest = rest[:len(rest)-1]
	}
	switch len(rest) {
	case 0:
	case 1:
		entityId, err := strconv.Atoi(rest[0])
		if err != nil || entityId <= 0 {
			return Topic{}, fmt.Errorf("Invalid topic entity id: %s", topicStr)
		}
		topic.EntityId = entityId
		topic.HasEntityId = true
	default:
		return Topic{}, fmt.Errorf("Invalid topic: %s", topicStr)
	}
	if topic.Attr && !topic.HasEntityId {
		return Topic{}, fmt.Errorf("Invalid topic, attr needs an entity id: %s", topicStr)
	}
	return topic, nil
}

func joinTopics(topics []Topic) string {
	topicStrs := make([]string, 0, len(topics))
	for _, topic := range topics {
		topicStrs = append(topicStrs, topic.String())
	}
	return strings.Join(topicStrs, topicSeparator)
}

func SubscribeCommand(topics ...Topic) string {
	return fmt.Sprintf("%s %s", subscribeCommand, joinTopics(topics))
}

// the server removes a single topic per unsubscribe
// so each topic gets its own command
func UnsubscribeCommands(topics ...Topic) []string {
	commands := make([]string, 0, len(topics))
	for _, topic := range topics {
		commands = append(commands, fmt.Sprintf("%s %s", unsubscribeCommand, topic.String()))
	}
	return commands
}

func UnsubscribeAllCommand() string {
	return unsubscribeAll
}
