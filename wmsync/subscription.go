package wmsync

import (
	"sync"

	"golang.org/x/exp/slices"
)

// where subscription commands are written, e.g. the `PushTransport`
type CommandSender interface {
	Send(message string) bool
}

type SubscriptionSettings struct {
	// bounds server side fan-out for attribute topics. 0 means unbounded
	MaxMinorTopics int
}

func DefaultSubscriptionSettings() *SubscriptionSettings {
	return &SubscriptionSettings{
		MaxMinorTopics: 32,
	}
}

// tracks the topics the client needs pushed
// the main topic is the open workflow or the workflow list,
// minor topics are the attribute topics currently watched, counted by reference
type SubscriptionManager struct {
	sender   CommandSender
	settings *SubscriptionSettings

	stateLock sync.Mutex
	main      *Topic
	// in order of first reference, oldest first
	minors      []Topic
	minorCounts map[Topic]int

	log      LogFunction
	minorLog LogFunction
}

func NewSubscriptionManagerWithDefaults(sender CommandSender) *SubscriptionManager {
	return NewSubscriptionManager(sender, DefaultSubscriptionSettings())
}

func NewSubscriptionManager(sender CommandSender, settings *SubscriptionSettings) *SubscriptionManager {
	log := LogFn(LogLevelInfo, "sub")
	return &SubscriptionManager{
		sender:      sender,
		settings:    settings,
		minors:      []Topic{},
		minorCounts: map[Topic]int{},
		log:         log,
		minorLog:    SubLogFn(log, "minor"),
	}
}

// returns true if the main topic changed
func (self *SubscriptionManager) SetMain(topic *Topic) bool {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	if self.main == nil && topic == nil {
		return false
	}
	if self.main != nil && topic != nil && *self.main == *topic {
		return false
	}

	unsubscribe := []Topic{}
	if self.main != nil {
		unsubscribe = append(unsubscribe, *self.main)
	}
	unsubscribe = append(unsubscribe, self.minors...)
	for _, command := range UnsubscribeCommands(unsubscribe...) {
		self.sender.Send(command)
	}
	self.minors = []Topic{}
	self.minorCounts = map[Topic]int{}

	if topic == nil {
		self.main = nil
		self.log("main cleared")
	} else {
		main := *topic
		self.main = &main
		self.sender.Send(SubscribeCommand(main))
		self.log("main %s", main)
	}
	return true
}

func (self *SubscriptionManager) Main() (Topic, bool) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	if self.main == nil {
		return Topic{}, false
	}
	return *self.main, true
}

func (self *SubscriptionManager) AddMinor(topic Topic) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	if count, ok := self.minorCounts[topic]; ok {
		self.minorCounts[topic] = count + 1
		return
	}

	self.minors = append(self.minors, topic)
	self.minorCounts[topic] = 1
	self.sender.Send(SubscribeCommand(topic))
	self.minorLog("add %s", topic)

	if 0 < self.settings.MaxMinorTopics {
		for self.settings.MaxMinorTopics < len(self.minors) {
			evicted := self.minors[0]
			self.minors = slices.Delete(self.minors, 0, 1)
			delete(self.minorCounts, evicted)
			for _, command := range UnsubscribeCommands(evicted) {
				self.sender.Send(command)
			}
			self.minorLog("evict %s", evicted)
		}
	}
}

// the topic is unsubscribed when the last reference is removed
func (self *SubscriptionManager) RemoveMinor(topic Topic) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	count, ok := self.minorCounts[topic]
	if !ok {
		return
	}
	if 1 < count {
		self.minorCounts[topic] = count - 1
		return
	}

	delete(self.minorCounts, topic)
	if i := slices.Index(self.minors, topic); 0 <= i {
		self.minors = slices.Delete(self.minors, i, i+1)
	}
	for _, command := range UnsubscribeCommands(topic) {
		self.sender.Send(command)
	}
	self.minorLog("remove %s", topic)
}

// drops every topic on the server with a single command
func (self *SubscriptionManager) Reset() {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	self.main = nil
	self.minors = []Topic{}
	self.minorCounts = map[Topic]int{}
	self.sender.Send(UnsubscribeAllCommand())
	self.log("reset")
}

// main first, then minors oldest first
func (self *SubscriptionManager) Topics() []Topic {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	return self.topics()
}

func (self *SubscriptionManager) topics() []Topic {
	topics := []Topic{}
	if self.main != nil {
		topics = append(topics, *self.main)
	}
	topics = append(topics, self.minors...)
	return topics
}

// the server drops a connection's subscriptions when it closes
// call on each new connection to restore them
func (self *SubscriptionManager) Resubscribe() {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	topics := self.topics()
	if len(topics) == 0 {
		return
	}
	self.sender.Send(SubscribeCommand(topics...))
	self.log("resubscribe %d topics", len(topics))
}

func (self *SubscriptionManager) MinorRefCount(topic Topic) int {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	return self.minorCounts[topic]
}
