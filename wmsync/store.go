package wmsync

import (
	"context"
	"sync"

	"github.com/golang/glog"
	"github.com/pkg/errors"
)

var ErrIdentityChanged = errors.New("identity changed during request")
var ErrStoreClosed = errors.New("store closed")

// request names for `RequestKey` and `Status`
const (
	RequestNameLoadWorkflows              = "LoadWorkflows"
	RequestNameLoadWorkflow               = "LoadWorkflow"
	RequestNameLoadStates                 = "LoadStates"
	RequestNameLoadState                  = "LoadState"
	RequestNameLoadEntity                 = "LoadEntity"
	RequestNameLoadEntitiesByWorkflow     = "LoadEntitiesByWorkflow"
	RequestNameLoadEntitiesByState        = "LoadEntitiesByState"
	RequestNameLoadNextEntitiesByState    = "LoadNextEntitiesByState"
	RequestNameCreateWorkflow             = "CreateWorkflow"
	RequestNameUpdateWorkflowConfig       = "UpdateWorkflowConfig"
	RequestNameCreateState                = "CreateState"
	RequestNameSetChangeRule              = "SetChangeRule"
	RequestNameCreateEntity               = "CreateEntity"
	RequestNameMoveEntity                 = "MoveEntity"
	RequestNameCreateAttributeDescription = "CreateAttributeDescription"
	RequestNameSetAttribute               = "SetAttribute"
)

// args of the load requests, for status lookups
type WorkflowArgs struct {
	WorkflowId int `json:"workflowId"`
}

type StateArgs struct {
	StateId int `json:"stateId"`
}

type EntityArgs struct {
	EntityId int `json:"entityId"`
}

type MoveEntityArgs struct {
	EntityId   int `json:"entityId"`
	NewStateId int `json:"newStateId"`
}

type SetAttributeArgs struct {
	RefType RefType              `json:"refType"`
	OwnerId int                  `json:"ownerId"`
	Name    string               `json:"name"`
	Value   *RequestNewAttribute `json:"value"`
}

type WorkflowStoreSettings struct {
	// no push channel when empty
	PushUrl                string
	PushTransportSettings  *PushTransportSettings
	SubscriptionSettings   *SubscriptionSettings
	RequestTrackerSettings *RequestTrackerSettings
	SeenEventsSize         int
	// max entities fetched per `LoadNextEntitiesByState`
	EntityBatchSize int
}

func DefaultWorkflowStoreSettings() *WorkflowStoreSettings {
	return &WorkflowStoreSettings{
		PushTransportSettings:  DefaultPushTransportSettings(),
		SubscriptionSettings:   DefaultSubscriptionSettings(),
		RequestTrackerSettings: DefaultRequestTrackerSettings(),
		SeenEventsSize:         1024,
		EntityBatchSize:        50,
	}
}

// the single context object for one client session
// loads and mutations go through the service and merge into the cache,
// push deltas for the active client merge into the same cache
type WorkflowStore struct {
	ctx    context.Context
	cancel context.CancelFunc

	service  WorkflowManagerService
	settings *WorkflowStoreSettings

	session       *SessionManager
	cache         *EntityCache
	tracker       *RequestTracker
	seenEvents    *SeenEvents
	subscriptions *SubscriptionManager
	// nil without a push url
	transport *PushTransport

	// orders merges against identity changes
	stateLock sync.Mutex
	// zero when unauthenticated
	activeClientId Id

	removeCallbacks []func()
}

func NewWorkflowStoreWithDefaults(
	ctx context.Context,
	service WorkflowManagerService,
	storage Storage,
	pushUrl string,
) (*WorkflowStore, error) {
	settings := DefaultWorkflowStoreSettings()
	settings.PushUrl = pushUrl
	return NewWorkflowStore(ctx, service, storage, settings)
}

func NewWorkflowStore(
	ctx context.Context,
	service WorkflowManagerService,
	storage Storage,
	settings *WorkflowStoreSettings,
) (*WorkflowStore, error) {
	session, err := NewSessionManager(ctx, storage)
	if err != nil {
		return nil, err
	}

	var transport *PushTransport
	var sender CommandSender
	if settings.PushUrl != "" {
		transport = NewPushTransport(ctx, settings.PushUrl, settings.PushTransportSettings)
		sender = transport
	} else {
		sender = &discardSender{}
	}

	store := newWorkflowStore(ctx, service, session, sender, settings)
	if transport != nil {
		store.transport = transport
		store.removeCallbacks = append(
			store.removeCallbacks,
			transport.AddReceiveCallback(store.HandleDelta),
			transport.AddStateCallback(store.transportStateChanged),
		)
	}
	return store, nil
}

func newWorkflowStore(
	ctx context.Context,
	service WorkflowManagerService,
	session *SessionManager,
	sender CommandSender,
	settings *WorkflowStoreSettings,
) *WorkflowStore {
	cancelCtx, cancel := context.WithCancel(ctx)
	store := &WorkflowStore{
		ctx:           cancelCtx,
		cancel:        cancel,
		service:       service,
		settings:      settings,
		session:       session,
		cache:         NewEntityCache(),
		tracker:       NewRequestTracker(settings.RequestTrackerSettings),
		seenEvents:    NewSeenEvents(settings.SeenEventsSize),
		subscriptions: NewSubscriptionManager(sender, settings.SubscriptionSettings),
	}
	if identity, ok := session.Identity(); ok {
		store.activeClientId = identity.ClientId
	}
	store.removeCallbacks = append(
		store.removeCallbacks,
		session.AddIdentityCallback(store.identityChanged),
	)
	return store
}

type discardSender struct{}

func (self *discardSender) Send(message string) bool {
	glog.V(2).Infof("[store]no push channel, discard ->%s\n", message)
	return false
}

func (self *WorkflowStore) Cache() *EntityCache {
	return self.cache
}

func (self *WorkflowStore) Tracker() *RequestTracker {
	return self.tracker
}

func (self *WorkflowStore) Session() *SessionManager {
	return self.session
}

func (self *WorkflowStore) Subscriptions() *SubscriptionManager {
	return self.subscriptions
}

// nil when the store has no push channel
func (self *WorkflowStore) Transport() *PushTransport {
	return self.transport
}

// the latest status of the named request with the given args
// args that do not encode have no status
func (self *WorkflowStore) Status(name string, args any) (RequestState, bool) {
	key, err := RequestKey(name, args)
	if err != nil {
		return RequestState{}, false
	}
	return self.tracker.Status(key)
}

func (self *WorkflowStore) identityChanged(identity *Identity) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	var clientId Id
	if identity != nil {
		clientId = identity.ClientId
	}
	self.setActiveClient(clientId)
}

// must be called with the lock
func (self *WorkflowStore) setActiveClient(clientId Id) {
	if clientId == self.activeClientId {
		return
	}
	self.activeClientId = clientId
	// another client's data must not be visible
	self.cache.Clear()
	self.seenEvents.Clear()
	self.subscriptions.Reset()
	glog.V(1).Infof("[store]active client %s\n", clientId)
}

func (self *WorkflowStore) transportStateChanged(state PushTransportState, reconnect bool) {
	if state == PushTransportStateOpen && reconnect {
		self.subscriptions.Resubscribe()
	}
}

// merges when the identity that made the request is still active
func (self *WorkflowStore) merge(identity Identity, eventId Id, do func() error) error {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	current, ok := self.session.Identity()
	if !ok || current.ClientId != identity.ClientId {
		return ErrIdentityChanged
	}
	// the session may have switched before the identity callback ran
	self.setActiveClient(identity.ClientId)
	self.seenEvents.Add(eventId)
	return do()
}

// runs one request with status tracking
func track[R any](
	self *WorkflowStore,
	ctx context.Context,
	name string,
	args any,
	do func(identity Identity) (R, error),
) (R, error) {
	var empty R
	key, err := RequestKey(name, args)
	if err != nil {
		// nothing to track under
		return empty, &ValidationError{Method: name, Request: true, Err: err}
	}
	self.tracker.Begin(key)

	fail := func(err error) (R, error) {
		self.tracker.Fail(key, err)
		return empty, err
	}

	if self.ctx.Err() != nil {
		return fail(ErrStoreClosed)
	}
	identity, err := self.session.RequireIdentity()
	if err != nil {
		return fail(err)
	}

	var result R
	if glog.V(2) {
		result, err = TraceWithReturnError(key, func() (R, error) {
			return do(identity)
		})
	} else {
		result, err = do(identity)
	}
	if err != nil {
		return fail(err)
	}
	self.tracker.Succeed(key)
	return result, nil
}

func validateRequest(request any) error {
	if err := validateModel(request); err != nil {
		return &ValidationError{Method: "request", Request: true, Err: err}
	}
	return nil
}

func (self *WorkflowStore) LoadWorkflows(ctx context.Context) error {
	_, err := track(self, ctx, RequestNameLoadWorkflows, nil, func(identity Identity) (bool, error) {
		workflows, err := self.service.ListWorkflows(ctx, identity)
		if err != nil {
			return false, err
		}
		return true, self.merge(identity, Id{}, func() error {
			_, err := self.cache.UpsertMany(RefTypeWorkflow, entities(workflows)...)
			return err
		})
	})
	return err
}

// the workflow with its attributes and attribute descriptions
func (self *WorkflowStore) LoadWorkflow(ctx context.Context, workflowId int) error {
	_, err := track(self, ctx, RequestNameLoadWorkflow, &WorkflowArgs{WorkflowId: workflowId}, func(identity Identity) (bool, error) {
		workflow, err := self.service.GetWorkflow(ctx, identity, workflowId)
		if err != nil {
			return false, err
		}
		attributes, err := self.service.ListAttributes(ctx, identity, RefTypeWorkflow, workflowId)
		if err != nil {
			return false, err
		}
		descriptions, err := self.service.ListAttributeDescriptions(ctx, identity, workflowId)
		if err != nil {
			return false, err
		}
		return true, self.merge(identity, Id{}, func() error {
			if _, err := self.cache.Upsert(RefTypeWorkflow, workflow); err != nil {
				return err
			}
			if _, err := self.cache.UpsertAttributes(RefTypeWorkflow, attributes...); err != nil {
				return err
			}
			_, err := self.cache.UpsertAttributeDescriptions(descriptions...)
			return err
		})
	})
	return err
}

func (self *WorkflowStore) LoadStates(ctx context.Context, workflowId int) error {
	_, err := track(self, ctx, RequestNameLoadStates, &WorkflowArgs{WorkflowId: workflowId}, func(identity Identity) (bool, error) {
		states, err := self.service.ListStates(ctx, identity, workflowId)
		if err != nil {
			return false, err
		}
		return true, self.merge(identity, Id{}, func() error {
			_, err := self.cache.UpsertMany(RefTypeWorkflowState, entities(states)...)
			return err
		})
	})
	return err
}

// the state with its attributes
func (self *WorkflowStore) LoadState(ctx context.Context, stateId int) error {
	_, err := track(self, ctx, RequestNameLoadState, &StateArgs{StateId: stateId}, func(identity Identity) (bool, error) {
		state, err := self.service.GetState(ctx, identity, stateId)
		if err != nil {
			return false, err
		}
		attributes, err := self.service.ListAttributes(ctx, identity, RefTypeWorkflowState, stateId)
		if err != nil {
			return false, err
		}
		return true, self.merge(identity, Id{}, func() error {
			if _, err := self.cache.Upsert(RefTypeWorkflowState, state); err != nil {
				return err
			}
			_, err := self.cache.UpsertAttributes(RefTypeWorkflowState, attributes...)
			return err
		})
	})
	return err
}

// the entity with its attributes
func (self *WorkflowStore) LoadEntity(ctx context.Context, entityId int) error {
	_, err := track(self, ctx, RequestNameLoadEntity, &EntityArgs{EntityId: entityId}, func(identity Identity) (bool, error) {
		entity, err := self.service.GetEntity(ctx, identity, entityId)
		if err != nil {
			return false, err
		}
		attributes, err := self.service.ListAttributes(ctx, identity, RefTypeWorkflowEntity, entityId)
		if err != nil {
			return false, err
		}
		return true, self.merge(identity, Id{}, func() error {
			if _, err := self.cache.Upsert(RefTypeWorkflowEntity, entity); err != nil {
				return err
			}
			_, err := self.cache.UpsertAttributes(RefTypeWorkflowEntity, attributes...)
			return err
		})
	})
	return err
}

// every entity of the workflow, in any state
func (self *WorkflowStore) LoadEntitiesByWorkflow(ctx context.Context, workflowId int) error {
	_, err := track(self, ctx, RequestNameLoadEntitiesByWorkflow, &WorkflowArgs{WorkflowId: workflowId}, func(identity Identity) (bool, error) {
		workflowEntities, err := self.service.ListEntitiesByWorkflow(ctx, identity, workflowId)
		if err != nil {
			return false, err
		}
		return true, self.merge(identity, Id{}, func() error {
			_, err := self.cache.UpsertMany(RefTypeWorkflowEntity, entities(workflowEntities)...)
			return err
		})
	})
	return err
}

func (self *WorkflowStore) LoadEntitiesByState(ctx context.Context, stateId int) error {
	_, err := track(self, ctx, RequestNameLoadEntitiesByState, &StateArgs{StateId: stateId}, func(identity Identity) (bool, error) {
		workflowEntities, err := self.service.ListEntitiesByState(ctx, identity, stateId)
		if err != nil {
			return false, err
		}
		return true, self.merge(identity, Id{}, func() error {
			_, err := self.cache.UpsertMany(RefTypeWorkflowEntity, entities(workflowEntities)...)
			return err
		})
	})
	return err
}

// fetches the next batch of entities in the state that are not cached yet
// returns the number fetched. 0 means every entity in the state is cached.
func (self *WorkflowStore) LoadNextEntitiesByState(ctx context.Context, stateId int) (int, error) {
	return track(self, ctx, RequestNameLoadNextEntitiesByState, &StateArgs{StateId: stateId}, func(identity Identity) (int, error) {
		entityIds, err := self.service.ListEntityIdsByState(ctx, identity, stateId)
		if err != nil {
			return 0, err
		}
		fetchIds := []int{}
		for _, entityId := range entityIds {
			if _, ok := self.cache.WorkflowEntity(entityId); ok {
				continue
			}
			fetchIds = append(fetchIds, entityId)
			if self.settings.EntityBatchSize <= len(fetchIds) {
				break
			}
		}
		if len(fetchIds) == 0 {
			return 0, nil
		}
		workflowEntities, err := self.service.ListEntitiesByIds(ctx, identity, fetchIds)
		if err != nil {
			return 0, err
		}
		err = self.merge(identity, Id{}, func() error {
			_, err := self.cache.UpsertMany(RefTypeWorkflowEntity, entities(workflowEntities)...)
			return err
		})
		return len(workflowEntities), err
	})
}

func (self *WorkflowStore) CreateWorkflow(ctx context.Context, request *RequestNewWorkflow) (*Workflow, error) {
	return track(self, ctx, RequestNameCreateWorkflow, request, func(identity Identity) (*Workflow, error) {
		if err := validateRequest(request); err != nil {
			return nil, err
		}
		workflow, eventId, err := self.service.CreateWorkflow(ctx, identity, request)
		if err != nil {
			return nil, err
		}
		return workflow, self.merge(identity, eventId, func() error {
			_, err := self.cache.Upsert(RefTypeWorkflow, workflow)
			return err
		})
	})
}

func (self *WorkflowStore) UpdateWorkflowConfig(ctx context.Context, workflowId int, request *RequestUpdateWorkflowConfig) (*Workflow, error) {
	args := map[string]any{"workflowId": workflowId, "config": request}
	return track(self, ctx, RequestNameUpdateWorkflowConfig, args, func(identity Identity) (*Workflow, error) {
		workflow, eventId, err := self.service.UpdateWorkflowConfig(ctx, identity, workflowId, request)
		if err != nil {
			return nil, err
		}
		return workflow, self.merge(identity, eventId, func() error {
			_, err := self.cache.Upsert(RefTypeWorkflow, workflow)
			return err
		})
	})
}

func (self *WorkflowStore) CreateState(ctx context.Context, workflowId int, request *RequestNewWorkflowState) (*WorkflowState, error) {
	args := map[string]any{"workflowId": workflowId, "state": request}
	return track(self, ctx, RequestNameCreateState, args, func(identity Identity) (*WorkflowState, error) {
		if err := validateRequest(request); err != nil {
			return nil, err
		}
		state, eventId, err := self.service.CreateState(ctx, identity, workflowId, request)
		if err != nil {
			return nil, err
		}
		return state, self.merge(identity, eventId, func() error {
			_, err := self.cache.Upsert(RefTypeWorkflowState, state)
			return err
		})
	})
}

func (self *WorkflowStore) SetChangeRule(ctx context.Context, stateId int, request *RequestSetChangeStateRule) (*WorkflowState, error) {
	args := map[string]any{"stateId": stateId, "rule": request}
	return track(self, ctx, RequestNameSetChangeRule, args, func(identity Identity) (*WorkflowState, error) {
		if err := validateRequest(request); err != nil {
			return nil, err
		}
		state, eventId, err := self.service.SetChangeRule(ctx, identity, stateId, request)
		if err != nil {
			return nil, err
		}
		return state, self.merge(identity, eventId, func() error {
			_, err := self.cache.Upsert(RefTypeWorkflowState, state)
			return err
		})
	})
}

func (self *WorkflowStore) CreateEntity(ctx context.Context, workflowId int, request *RequestNewWorkflowEntity) (*WorkflowEntity, error) {
	args := map[string]any{"workflowId": workflowId, "entity": request}
	return track(self, ctx, RequestNameCreateEntity, args, func(identity Identity) (*WorkflowEntity, error) {
		if err := validateRequest(request); err != nil {
			return nil, err
		}
		entity, eventId, err := self.service.CreateEntity(ctx, identity, workflowId, request)
		if err != nil {
			return nil, err
		}
		return entity, self.merge(identity, eventId, func() error {
			_, err := self.cache.Upsert(RefTypeWorkflowEntity, entity)
			return err
		})
	})
}

// the entity and both affected states are merged
func (self *WorkflowStore) MoveEntity(ctx context.Context, entityId int, newStateId int) (*EntityChangeState, error) {
	args := &MoveEntityArgs{EntityId: entityId, NewStateId: newStateId}
	return track(self, ctx, RequestNameMoveEntity, args, func(identity Identity) (*EntityChangeState, error) {
		change, eventId, err := self.service.MoveEntity(ctx, identity, entityId, newStateId)
		if err != nil {
			return nil, err
		}
		return change, self.merge(identity, eventId, func() error {
			if _, err := self.cache.Upsert(RefTypeWorkflowEntity, change.Entity); err != nil {
				return err
			}
			_, err := self.cache.UpsertMany(RefTypeWorkflowState, change.From, change.To)
			return err
		})
	})
}

func (self *WorkflowStore) CreateAttributeDescription(ctx context.Context, workflowId int, request *RequestNewAttributeDescription) (*AttributeDescription, error) {
	args := map[string]any{"workflowId": workflowId, "description": request}
	return track(self, ctx, RequestNameCreateAttributeDescription, args, func(identity Identity) (*AttributeDescription, error) {
		if err := validateRequest(request); err != nil {
			return nil, err
		}
		description, eventId, err := self.service.CreateAttributeDescription(ctx, identity, workflowId, request)
		if err != nil {
			return nil, err
		}
		return description, self.merge(identity, eventId, func() error {
			_, err := self.cache.UpsertAttributeDescription(description)
			return err
		})
	})
}

func (self *WorkflowStore) SetAttribute(
	ctx context.Context,
	refType RefType,
	ownerId int,
	name string,
	request *RequestNewAttribute,
) (*Attribute, error) {
	args := &SetAttributeArgs{
		RefType: refType,
		OwnerId: ownerId,
		Name:    name,
		Value:   request,
	}
	return track(self, ctx, RequestNameSetAttribute, args, func(identity Identity) (*Attribute, error) {
		attribute, eventId, err := self.service.SetAttribute(ctx, identity, refType, ownerId, name, request)
		if err != nil {
			return nil, err
		}
		return attribute, self.merge(identity, eventId, func() error {
			_, err := self.cache.UpsertAttribute(refType, attribute)
			return err
		})
	})
}

// pushes changes for one workflow, its states and its entities
func (self *WorkflowStore) FocusWorkflow(workflowId int) error {
	identity, err := self.session.RequireIdentity()
	if err != nil {
		return err
	}
	topic := WorkflowTopic(identity.ClientId, workflowId)
	self.subscriptions.SetMain(&topic)
	return nil
}

// pushes changes to the list of workflows
func (self *WorkflowStore) FocusWorkflowList() error {
	identity, err := self.session.RequireIdentity()
	if err != nil {
		return err
	}
	topic := WorkflowListTopic(identity.ClientId)
	self.subscriptions.SetMain(&topic)
	return nil
}

func (self *WorkflowStore) Unfocus() {
	self.subscriptions.SetMain(nil)
}

// each watch must be matched by an unwatch
func (self *WorkflowStore) WatchAttributes(refType RefType, ownerId int) error {
	if !refType.Valid() {
		return errors.Wrapf(ErrWrongKind, "watch %s", refType)
	}
	identity, err := self.session.RequireIdentity()
	if err != nil {
		return err
	}
	self.subscriptions.AddMinor(AttributeTopic(identity.ClientId, refType, ownerId))
	return nil
}

func (self *WorkflowStore) UnwatchAttributes(refType RefType, ownerId int) error {
	identity, err := self.session.RequireIdentity()
	if err != nil {
		return err
	}
	self.subscriptions.RemoveMinor(AttributeTopic(identity.ClientId, refType, ownerId))
	return nil
}

// a zero user id generates a fresh one. A zero client id logs out.
func (self *WorkflowStore) SetIdentity(ctx context.Context, clientId Id, userId Id) (*Identity, error) {
	return self.session.SetIdentity(ctx, clientId, userId)
}

// clears the cache and tears down every subscription
func (self *WorkflowStore) Logout(ctx context.Context) error {
	return self.session.Logout(ctx)
}

// merges one push frame
// frames that do not decode are dropped
func (self *WorkflowStore) HandleDelta(message []byte) {
	delta, err := DecodeDelta(message)
	if err != nil {
		glog.Infof("[store]drop push frame = %s\n", err)
		return
	}

	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	if self.activeClientId.IsZero() || delta.ClientId != self.activeClientId {
		glog.V(1).Infof("[store]ignore delta for client %s\n", delta.ClientId)
		return
	}
	if self.seenEvents.Contains(delta.EventId) {
		glog.V(2).Infof("[store]skip own event %s\n", delta.EventId)
		return
	}

	var changed bool
	switch obj := delta.Obj.(type) {
	case *Workflow:
		changed, err = self.cache.Upsert(RefTypeWorkflow, obj)
	case *WorkflowState:
		changed, err = self.cache.Upsert(RefTypeWorkflowState, obj)
	case *WorkflowEntity:
		changed, err = self.cache.Upsert(RefTypeWorkflowEntity, obj)
	case *AttributeDescription:
		changed, err = self.cache.UpsertAttributeDescription(obj)
	case *Attribute:
		changed, err = self.cache.UpsertAttribute(delta.RefType, obj)
	default:
		err = errors.Wrapf(ErrUnknownObjType, "%T", obj)
	}
	if err != nil {
		glog.Infof("[store]drop delta %s = %s\n", delta.ObjType, err)
		return
	}
	glog.V(2).Infof("[store]delta %s %s:%d event=%s changed=%t\n", delta.ObjType, delta.RefType, delta.BaseEntityId, delta.EventId, changed)
}

func (self *WorkflowStore) Close() {
	self.cancel()
	for _, removeCallback := range self.removeCallbacks {
		removeCallback()
	}
	if self.transport != nil {
		self.transport.Close()
	}
}

func entities[T Entity](items []T) []Entity {
	out := make([]Entity, 0, len(items))
	for _, item := range items {
		out = append(out, item)
	}
	return out
}
