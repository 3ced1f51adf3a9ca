package wmsync

import (
	"reflect"
	"sync"

	"github.com/pkg/errors"
	"golang.org/x/exp/slices"
)

var ErrWrongKind = errors.New("wrong kind")

// the normalized entity cache
//
// every merge is gated on `updateTime`: a candidate replaces the cached value
// only when it is strictly newer, otherwise it is dropped without error.
// stale pushes and slow responses are expected and harmless.
// secondary indexes always follow the current foreign keys of the cached values.
//
// values returned from the cache are shared and must be treated as read only.

type CacheChangeType int

const (
	CacheChangeEntity CacheChangeType = iota
	CacheChangeAttribute
	CacheChangeAttributeDescription
	CacheChangeClear
)

type CacheChange struct {
	Type CacheChangeType
	// the entity kind, or the attribute owner kind
	Kind RefType
	// the entity id, the attribute owner id, or the description workflow id
	Id int
	// attribute or description name
	Name string
}

type CacheChangeFunction = func(changes []CacheChange)

type EntityCache struct {
	stateLock sync.RWMutex

	tables       map[RefType]cacheTable
	attributes   map[RefType]*attributeTable
	descriptions map[int]map[descriptionKey]*AttributeDescription

	changeCallbacks *CallbackList[CacheChangeFunction]
}

func NewEntityCache() *EntityCache {
	return &EntityCache{
		tables:          newCacheTables(),
		attributes:      newAttributeTables(),
		descriptions:    map[int]map[descriptionKey]*AttributeDescription{},
		changeCallbacks: NewCallbackList[CacheChangeFunction](),
	}
}

// one declaration per kind, including its parent indexes
func newCacheTables() map[RefType]cacheTable {
	return map[RefType]cacheTable{
		RefTypeWorkflow: newEntityTable[*Workflow](RefTypeWorkflow),
		RefTypeWorkflowState: newEntityTable[*WorkflowState](
			RefTypeWorkflowState,
			newParentIndex(RefTypeWorkflow, func(state *WorkflowState) int {
				return state.WorkflowId
			}),
		),
		RefTypeWorkflowEntity: newEntityTable[*WorkflowEntity](
			RefTypeWorkflowEntity,
			newParentIndex(RefTypeWorkflow, func(entity *WorkflowEntity) int {
				return entity.WorkflowId
			}),
			newParentIndex(RefTypeWorkflowState, func(entity *WorkflowEntity) int {
				return entity.CurrentStateId
			}),
		),
	}
}

func newAttributeTables() map[RefType]*attributeTable {
	attributes := map[RefType]*attributeTable{}
	for _, refType := range RefTypes {
		attributes[refType] = newAttributeTable()
	}
	return attributes
}

func (self *EntityCache) AddChangeCallback(callback CacheChangeFunction) func() {
	return self.changeCallbacks.Add(callback)
}

func (self *EntityCache) notify(changes []CacheChange) {
	if len(changes) == 0 {
		return
	}
	for _, callback := range self.changeCallbacks.Get() {
		HandleError(func() {
			callback(changes)
		})
	}
}

func (self *EntityCache) Upsert(kind RefType, item Entity) (bool, error) {
	n, err := self.UpsertMany(kind, item)
	return 0 < n, err
}

// returns the number of items that changed the cache
// all items are checked before any is applied, so a bad item applies nothing
func (self *EntityCache) UpsertMany(kind RefType, items ...Entity) (int, error) {
	changes := []CacheChange{}
	err := func() error {
		self.stateLock.Lock()
		defer self.stateLock.Unlock()

		table, ok := self.tables[kind]
		if !ok {
			return errors.WithMessagef(ErrWrongKind, "no table for %s", kind)
		}
		for _, item := range items {
			if isNilItem(item) {
				return errors.WithMessagef(ErrWrongKind, "nil %s", kind)
			}
			if !table.accepts(item) {
				return errors.WithMessagef(ErrWrongKind, "%s table cannot hold %T", kind, item)
			}
		}
		for _, item := range items {
			if table.upsert(item) {
				changes = append(changes, CacheChange{
					Type: CacheChangeEntity,
					Kind: kind,
					Id:   item.EntityId(),
				})
			}
		}
		return nil
	}()
	self.notify(changes)
	return len(changes), err
}

func (self *EntityCache) Get(kind RefType, id int) (Entity, bool) {
	self.stateLock.RLock()
	defer self.stateLock.RUnlock()

	table, ok := self.tables[kind]
	if !ok {
		return nil, false
	}
	return table.get(id)
}

// ids of `childKind` entities whose `parentKind` foreign key is `parentId`, ascending
func (self *EntityCache) GetByParent(parentKind RefType, parentId int, childKind RefType) []int {
	self.stateLock.RLock()
	defer self.stateLock.RUnlock()

	table, ok := self.tables[childKind]
	if !ok {
		return []int{}
	}
	return table.childIds(parentKind, parentId)
}

func (self *EntityCache) Ids(kind RefType) []int {
	self.stateLock.RLock()
	defer self.stateLock.RUnlock()

	table, ok := self.tables[kind]
	if !ok {
		return []int{}
	}
	return table.ids()
}

func (self *EntityCache) Workflow(id int) (*Workflow, bool) {
	return getTyped[*Workflow](self, RefTypeWorkflow, id)
}

func (self *EntityCache) WorkflowState(id int) (*WorkflowState, bool) {
	return getTyped[*WorkflowState](self, RefTypeWorkflowState, id)
}

func (self *EntityCache) WorkflowEntity(id int) (*WorkflowEntity, bool) {
	return getTyped[*WorkflowEntity](self, RefTypeWorkflowEntity, id)
}

// all cached workflows ordered by id
func (self *EntityCache) Workflows() []*Workflow {
	workflows := []*Workflow{}
	for _, id := range self.Ids(RefTypeWorkflow) {
		if workflow, ok := self.Workflow(id); ok {
			workflows = append(workflows, workflow)
		}
	}
	return workflows
}

func (self *EntityCache) StatesByWorkflow(workflowId int) []int {
	return self.GetByParent(RefTypeWorkflow, workflowId, RefTypeWorkflowState)
}

func (self *EntityCache) EntitiesByState(stateId int) []int {
	return self.GetByParent(RefTypeWorkflowState, stateId, RefTypeWorkflowEntity)
}

func (self *EntityCache) EntitiesByWorkflow(workflowId int) []int {
	return self.GetByParent(RefTypeWorkflow, workflowId, RefTypeWorkflowEntity)
}

func (self *EntityCache) UpsertAttribute(refType RefType, attr *Attribute) (bool, error) {
	n, err := self.UpsertAttributes(refType, attr)
	return 0 < n, err
}

// attributes merge per (owner, description name) leaf
func (self *EntityCache) UpsertAttributes(refType RefType, attrs ...*Attribute) (int, error) {
	changes := []CacheChange{}
	err := func() error {
		self.stateLock.Lock()
		defer self.stateLock.Unlock()

		table, ok := self.attributes[refType]
		if !ok {
			return errors.WithMessagef(ErrWrongKind, "no attributes for %s", refType)
		}
		for _, attr := range attrs {
			if attr == nil {
				return errors.WithMessagef(ErrWrongKind, "nil %s attribute", refType)
			}
		}
		for _, attr := range attrs {
			if table.upsert(attr) {
				changes = append(changes, CacheChange{
					Type: CacheChangeAttribute,
					Kind: refType,
					Id:   attr.BaseEntityId,
					Name: attr.DescriptionName,
				})
			}
		}
		return nil
	}()
	self.notify(changes)
	return len(changes), err
}

func (self *EntityCache) Attribute(refType RefType, ownerId int, name string) (*Attribute, bool) {
	self.stateLock.RLock()
	defer self.stateLock.RUnlock()

	table, ok := self.attributes[refType]
	if !ok {
		return nil, false
	}
	attr, ok := table.owners[ownerId][name]
	return attr, ok
}

// description name -> attribute
func (self *EntityCache) Attributes(refType RefType, ownerId int) map[string]*Attribute {
	self.stateLock.RLock()
	defer self.stateLock.RUnlock()

	out := map[string]*Attribute{}
	if table, ok := self.attributes[refType]; ok {
		for name, attr := range table.owners[ownerId] {
			out[name] = attr
		}
	}
	return out
}

func (self *EntityCache) UpsertAttributeDescription(description *AttributeDescription) (bool, error) {
	n, err := self.UpsertAttributeDescriptions(description)
	return 0 < n, err
}

func (self *EntityCache) UpsertAttributeDescriptions(descriptions ...*AttributeDescription) (int, error) {
	changes := []CacheChange{}
	err := func() error {
		self.stateLock.Lock()
		defer self.stateLock.Unlock()

		for _, description := range descriptions {
			if description == nil {
				return errors.WithMessage(ErrWrongKind, "nil attribute description")
			}
			if !description.RefType.Valid() {
				return errors.WithMessagef(ErrWrongKind, "attribute description ref type %s", description.RefType)
			}
		}
		for _, description := range descriptions {
			workflowDescriptions, ok := self.descriptions[description.ParentWorkflowId]
			if !ok {
				workflowDescriptions = map[descriptionKey]*AttributeDescription{}
				self.descriptions[description.ParentWorkflowId] = workflowDescriptions
			}
			key := descriptionKey{
				refType: description.RefType,
				name:    description.Name,
			}
			if current, ok := workflowDescriptions[key]; ok && !isNewer(current, description) {
				continue
			}
			workflowDescriptions[key] = description
			changes = append(changes, CacheChange{
				Type: CacheChangeAttributeDescription,
				Kind: description.RefType,
				Id:   description.ParentWorkflowId,
				Name: description.Name,
			})
		}
		return nil
	}()
	self.notify(changes)
	return len(changes), err
}

// descriptions of a workflow for one ref type, ordered by name
func (self *EntityCache) AttributeDescriptions(workflowId int, refType RefType) []*AttributeDescription {
	self.stateLock.RLock()
	defer self.stateLock.RUnlock()

	out := []*AttributeDescription{}
	for key, description := range self.descriptions[workflowId] {
		if key.refType == refType {
			out = append(out, description)
		}
	}
	slices.SortFunc(out, func(a *AttributeDescription, b *AttributeDescription) int {
		if a.Name < b.Name {
			return -1
		} else if b.Name < a.Name {
			return 1
		} else {
			return 0
		}
	})
	return out
}

func (self *EntityCache) AttributeDescription(workflowId int, refType RefType, name string) (*AttributeDescription, bool) {
	self.stateLock.RLock()
	defer self.stateLock.RUnlock()

	description, ok := self.descriptions[workflowId][descriptionKey{refType: refType, name: name}]
	return description, ok
}

// purges every map and index
func (self *EntityCache) Clear() {
	func() {
		self.stateLock.Lock()
		defer self.stateLock.Unlock()

		self.tables = newCacheTables()
		self.attributes = newAttributeTables()
		self.descriptions = map[int]map[descriptionKey]*AttributeDescription{}
	}()
	self.notify([]CacheChange{{Type: CacheChangeClear}})
}

func (self *EntityCache) IsEmpty() bool {
	self.stateLock.RLock()
	defer self.stateLock.RUnlock()

	for _, table := range self.tables {
		if 0 < table.len() {
			return false
		}
	}
	for _, table := range self.attributes {
		if 0 < len(table.owners) {
			return false
		}
	}
	return len(self.descriptions) == 0
}

func getTyped[T Entity](self *EntityCache, kind RefType, id int) (T, bool) {
	var empty T
	item, ok := self.Get(kind, id)
	if !ok {
		return empty, false
	}
	typed, ok := item.(T)
	if !ok {
		return empty, false
	}
	return typed, true
}

func isNewer(current Versioned, candidate Versioned) bool {
	return current.LastUpdateTime().Before(candidate.LastUpdateTime())
}

func isNilItem(item Entity) bool {
	if item == nil {
		return true
	}
	v := reflect.ValueOf(item)
	return v.Kind() == reflect.Pointer && v.IsNil()
}

// kind erased view of an `entityTable`
type cacheTable interface {
	accepts(item Entity) bool
	// caller has checked `accepts`
	upsert(item Entity) bool
	get(id int) (Entity, bool)
	childIds(parentKind RefType, parentId int) []int
	ids() []int
	len() int
}

type entityTable[T Entity] struct {
	kind    RefType
	items   map[int]T
	indexes []*parentIndex[T]
}

func newEntityTable[T Entity](kind RefType, indexes ...*parentIndex[T]) *entityTable[T] {
	return &entityTable[T]{
		kind:    kind,
		items:   map[int]T{},
		indexes: indexes,
	}
}

func (self *entityTable[T]) accepts(item Entity) bool {
	_, ok := item.(T)
	return ok
}

func (self *entityTable[T]) upsert(item Entity) bool {
	typed := item.(T)
	id := typed.EntityId()

	if current, ok := self.items[id]; ok {
		if !isNewer(current, typed) {
			return false
		}
		for _, index := range self.indexes {
			index.move(index.key(current), index.key(typed), id)
		}
	} else {
		for _, index := range self.indexes {
			index.insert(index.key(typed), id)
		}
	}
	self.items[id] = typed
	return true
}

func (self *entityTable[T]) get(id int) (Entity, bool) {
	item, ok := self.items[id]
	if !ok {
		return nil, false
	}
	return item, true
}

func (self *entityTable[T]) childIds(parentKind RefType, parentId int) []int {
	for _, index := range self.indexes {
		if index.parentKind == parentKind {
			return index.ids(parentId)
		}
	}
	return []int{}
}

func (self *entityTable[T]) ids() []int {
	ids := make([]int, 0, len(self.items))
	for id := range self.items {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	return ids
}

func (self *entityTable[T]) len() int {
	return len(self.items)
}

// parent id -> child ids
type parentIndex[T Entity] struct {
	parentKind RefType
	key        func(T) int
	buckets    map[int]map[int]bool
}

func newParentIndex[T Entity](parentKind RefType, key func(T) int) *parentIndex[T] {
	return &parentIndex[T]{
		parentKind: parentKind,
		key:        key,
		buckets:    map[int]map[int]bool{},
	}
}

func (self *parentIndex[T]) insert(parentId int, id int) {
	bucket, ok := self.buckets[parentId]
	if !ok {
		bucket = map[int]bool{}
		self.buckets[parentId] = bucket
	}
	bucket[id] = true
}

func (self *parentIndex[T]) remove(parentId int, id int) {
	bucket, ok := self.buckets[parentId]
	if !ok {
		return
	}
	delete(bucket, id)
	if len(bucket) == 0 {
		delete(self.buckets, parentId)
	}
}

func (self *parentIndex[T]) move(fromParentId int, toParentId int, id int) {
	if fromParentId == toParentId {
		return
	}
	self.remove(fromParentId, id)
	self.insert(toParentId, id)
}

func (self *parentIndex[T]) ids(parentId int) []int {
	bucket := self.buckets[parentId]
	ids := make([]int, 0, len(bucket))
	for id := range bucket {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	return ids
}

func (self *parentIndex[T]) bucketCount() int {
	return len(self.buckets)
}

type attributeTable struct {
	// owner id -> description name -> attribute
	owners map[int]map[string]*Attribute
}

func newAttributeTable() *attributeTable {
	return &attributeTable{
		owners: map[int]map[string]*Attribute{},
	}
}

func (self *attributeTable) upsert(attr *Attribute) bool {
	ownerAttrs, ok := self.owners[attr.BaseEntityId]
	if !ok {
		ownerAttrs = map[string]*Attribute{}
		self.owners[attr.BaseEntityId] = ownerAttrs
	}
	if current, ok := ownerAttrs[attr.DescriptionName]; ok && !isNewer(current, attr) {
		return false
	}
	ownerAttrs[attr.DescriptionName] = attr
	return true
}

type descriptionKey struct {
	refType RefType
	name    string
}
