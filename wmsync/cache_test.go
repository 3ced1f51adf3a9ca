package wmsync

import (
	"encoding/json"
	"errors"
	"flag"
	"testing"
	"time"

	"github.com/go-playground/assert/v2"
)

func init() {
	initGlog()
}

func initGlog() {
	flag.Set("logtostderr", "true")
	flag.Set("stderrthreshold", "INFO")
	flag.Set("v", "0")
}

var testEpoch = time.Date(2024, time.March, 1, 12, 0, 0, 0, time.UTC)

func at(seconds int) time.Time {
	return testEpoch.Add(time.Duration(seconds) * time.Second)
}

func testWorkflow(id int, name string, updateSeconds int) *Workflow {
	return &Workflow{
		BaseEntity: BaseEntity{
			Id:           id,
			Name:         name,
			CreationTime: at(0),
			UpdateTime:   at(updateSeconds),
		},
	}
}

func testState(id int, workflowId int, updateSeconds int) *WorkflowState {
	return &WorkflowState{
		BaseEntity: BaseEntity{
			Id:           id,
			Name:         "state",
			CreationTime: at(0),
			UpdateTime:   at(updateSeconds),
		},
		WorkflowId:  workflowId,
		ChangeRules: []ChangeRule{},
	}
}

func testEntity(id int, workflowId int, stateId int, updateSeconds int) *WorkflowEntity {
	return &WorkflowEntity{
		BaseEntity: BaseEntity{
			Id:           id,
			Name:         "entity",
			CreationTime: at(0),
			UpdateTime:   at(updateSeconds),
		},
		WorkflowId:     workflowId,
		CurrentStateId: stateId,
	}
}

func testTextAttribute(ownerId int, name string, text string, updateSeconds int) *Attribute {
	return &Attribute{
		DescriptionName:  name,
		ParentWorkflowId: 1,
		BaseEntityId:     ownerId,
		CreationTime:     at(0),
		UpdateTime:       at(updateSeconds),
		Text:             &text,
	}
}

func TestCacheMonotonicMerge(t *testing.T) {
	older := testWorkflow(1, "older", 1)
	newer := testWorkflow(1, "newer", 2)

	// newer first, then older
	cache := NewEntityCache()
	changed, err := cache.Upsert(RefTypeWorkflow, newer)
	assert.Equal(t, err, nil)
	assert.Equal(t, changed, true)
	changed, err = cache.Upsert(RefTypeWorkflow, older)
	assert.Equal(t, err, nil)
	assert.Equal(t, changed, false)
	workflow, ok := cache.Workflow(1)
	assert.Equal(t, ok, true)
	assert.Equal(t, workflow.Name, "newer")

	// older first, then newer
	cache = NewEntityCache()
	changed, _ = cache.Upsert(RefTypeWorkflow, older)
	assert.Equal(t, changed, true)
	changed, _ = cache.Upsert(RefTypeWorkflow, newer)
	assert.Equal(t, changed, true)
	workflow, _ = cache.Workflow(1)
	assert.Equal(t, workflow.Name, "newer")
}

func TestCacheEqualTimestampIsNotNewer(t *testing.T) {
	cache := NewEntityCache()
	cache.Upsert(RefTypeWorkflow, testWorkflow(1, "first", 5))
	changed, err := cache.Upsert(RefTypeWorkflow, testWorkflow(1, "second", 5))
	assert.Equal(t, err, nil)
	assert.Equal(t, changed, false)
	workflow, _ := cache.Workflow(1)
	assert.Equal(t, workflow.Name, "first")
}

func TestCacheIndexConsistency(t *testing.T) {
	cache := NewEntityCache()
	cache.UpsertMany(RefTypeWorkflowState, testState(10, 1, 1), testState(11, 1, 1))
	cache.UpsertMany(
		RefTypeWorkflowEntity,
		testEntity(100, 1, 10, 1),
		testEntity(101, 1, 10, 1),
	)

	assert.Equal(t, cache.StatesByWorkflow(1), []int{10, 11})
	assert.Equal(t, cache.EntitiesByState(10), []int{100, 101})
	assert.Equal(t, cache.EntitiesByState(11), []int{})

	// move 100 from state 10 to state 11
	changed, err := cache.Upsert(RefTypeWorkflowEntity, testEntity(100, 1, 11, 2))
	assert.Equal(t, err, nil)
	assert.Equal(t, changed, true)
	assert.Equal(t, cache.EntitiesByState(10), []int{101})
	assert.Equal(t, cache.EntitiesByState(11), []int{100})
	assert.Equal(t, cache.EntitiesByWorkflow(1), []int{100, 101})

	// a stale move back is ignored, including the index
	changed, _ = cache.Upsert(RefTypeWorkflowEntity, testEntity(100, 1, 10, 1))
	assert.Equal(t, changed, false)
	assert.Equal(t, cache.EntitiesByState(10), []int{101})
	assert.Equal(t, cache.EntitiesByState(11), []int{100})
}

func TestCacheIndexNoEmptyBucket(t *testing.T) {
	cache := NewEntityCache()
	cache.Upsert(RefTypeWorkflowEntity, testEntity(100, 1, 10, 1))
	cache.Upsert(RefTypeWorkflowEntity, testEntity(100, 1, 11, 2))

	table := cache.tables[RefTypeWorkflowEntity].(*entityTable[*WorkflowEntity])
	var stateIndex *parentIndex[*WorkflowEntity]
	for _, index := range table.indexes {
		if index.parentKind == RefTypeWorkflowState {
			stateIndex = index
		}
	}
	assert.NotEqual(t, stateIndex, nil)
	assert.Equal(t, stateIndex.bucketCount(), 1)
	_, ok := stateIndex.buckets[10]
	assert.Equal(t, ok, false)
}

func TestCacheStaleRejectionUnchanged(t *testing.T) {
	cache := NewEntityCache()
	cache.Upsert(RefTypeWorkflowEntity, testEntity(100, 1, 10, 5))
	cache.UpsertAttribute(RefTypeWorkflowEntity, testTextAttribute(100, "note", "current", 5))

	snapshot := func() string {
		entity, _ := cache.WorkflowEntity(100)
		b, err := json.Marshal(map[string]any{
			"entity":        entity,
			"byState10":     cache.EntitiesByState(10),
			"byState11":     cache.EntitiesByState(11),
			"attributes":    cache.Attributes(RefTypeWorkflowEntity, 100),
			"entityIds":     cache.Ids(RefTypeWorkflowEntity),
			"byWorkflow":    cache.EntitiesByWorkflow(1),
			"byOtherWorkfl": cache.EntitiesByWorkflow(2),
		})
		assert.Equal(t, err, nil)
		return string(b)
	}
	before := snapshot()

	changed, err := cache.Upsert(RefTypeWorkflowEntity, testEntity(100, 2, 11, 4))
	assert.Equal(t, err, nil)
	assert.Equal(t, changed, false)
	changed, err = cache.UpsertAttribute(RefTypeWorkflowEntity, testTextAttribute(100, "note", "stale", 4))
	assert.Equal(t, err, nil)
	assert.Equal(t, changed, false)

	assert.Equal(t, snapshot(), before)
}

func TestCacheAttributeLeavesIndependent(t *testing.T) {
	cache := NewEntityCache()
	cache.UpsertAttributes(
		RefTypeWorkflowEntity,
		testTextAttribute(7, "a", "a1", 10),
		testTextAttribute(7, "b", "b1", 1),
	)

	// newer b, older a in the same batch
	n, err := cache.UpsertAttributes(
		RefTypeWorkflowEntity,
		testTextAttribute(7, "a", "a0", 5),
		testTextAttribute(7, "b", "b2", 2),
	)
	assert.Equal(t, err, nil)
	assert.Equal(t, n, 1)

	a, _ := cache.Attribute(RefTypeWorkflowEntity, 7, "a")
	b, _ := cache.Attribute(RefTypeWorkflowEntity, 7, "b")
	assert.Equal(t, a.Value(AttributeTypeText), "a1")
	assert.Equal(t, b.Value(AttributeTypeText), "b2")

	// same owner id under another ref type is a different owner
	_, ok := cache.Attribute(RefTypeWorkflowState, 7, "a")
	assert.Equal(t, ok, false)
}

func TestCacheAttributeDescriptions(t *testing.T) {
	cache := NewEntityCache()
	description := func(name string, refType RefType, attrType AttributeType, updateSeconds int) *AttributeDescription {
		return &AttributeDescription{
			Name:             name,
			ParentWorkflowId: 1,
			RefType:          refType,
			AttrType:         attrType,
			CreationTime:     at(0),
			UpdateTime:       at(updateSeconds),
		}
	}

	n, err := cache.UpsertAttributeDescriptions(
		description("priority", RefTypeWorkflowEntity, AttributeTypeInteger, 1),
		description("owner", RefTypeWorkflowEntity, AttributeTypeText, 1),
		description("priority", RefTypeWorkflowState, AttributeTypeFlag, 1),
	)
	assert.Equal(t, err, nil)
	assert.Equal(t, n, 3)

	changed, _ := cache.UpsertAttributeDescription(description("priority", RefTypeWorkflowEntity, AttributeTypeDecimal, 0))
	assert.Equal(t, changed, false)

	entityDescriptions := cache.AttributeDescriptions(1, RefTypeWorkflowEntity)
	assert.Equal(t, len(entityDescriptions), 2)
	assert.Equal(t, entityDescriptions[0].Name, "owner")
	assert.Equal(t, entityDescriptions[1].AttrType, AttributeTypeInteger)

	stateDescription, ok := cache.AttributeDescription(1, RefTypeWorkflowState, "priority")
	assert.Equal(t, ok, true)
	assert.Equal(t, stateDescription.AttrType, AttributeTypeFlag)

	_, err = cache.UpsertAttributeDescription(description("bad", RefType("OTHER"), AttributeTypeText, 1))
	assert.Equal(t, errors.Is(err, ErrWrongKind), true)
}

func TestCacheWrongKind(t *testing.T) {
	cache := NewEntityCache()

	_, err := cache.Upsert(RefTypeWorkflow, testState(1, 1, 1))
	assert.Equal(t, errors.Is(err, ErrWrongKind), true)

	var nilWorkflow *Workflow
	_, err = cache.Upsert(RefTypeWorkflow, nilWorkflow)
	assert.Equal(t, errors.Is(err, ErrWrongKind), true)

	// a bad item in a batch applies nothing
	n, err := cache.UpsertMany(RefTypeWorkflow, testWorkflow(1, "ok", 1), testState(2, 1, 1))
	assert.Equal(t, errors.Is(err, ErrWrongKind), true)
	assert.Equal(t, n, 0)
	assert.Equal(t, cache.IsEmpty(), true)

	_, ok := cache.Get(RefType("OTHER"), 1)
	assert.Equal(t, ok, false)
}

func TestCacheClear(t *testing.T) {
	cache := NewEntityCache()
	cache.Upsert(RefTypeWorkflow, testWorkflow(1, "w", 1))
	cache.Upsert(RefTypeWorkflowState, testState(10, 1, 1))
	cache.Upsert(RefTypeWorkflowEntity, testEntity(100, 1, 10, 1))
	cache.UpsertAttribute(RefTypeWorkflow, testTextAttribute(1, "a", "x", 1))
	assert.Equal(t, cache.IsEmpty(), false)

	cache.Clear()
	assert.Equal(t, cache.IsEmpty(), true)
	assert.Equal(t, cache.StatesByWorkflow(1), []int{})
	assert.Equal(t, cache.EntitiesByState(10), []int{})
	assert.Equal(t, len(cache.Workflows()), 0)
}

func TestCacheChangeCallbacks(t *testing.T) {
	cache := NewEntityCache()

	changes := []CacheChange{}
	remove := cache.AddChangeCallback(func(c []CacheChange) {
		// the change is visible to readers when observers run
		for _, change := range c {
			if change.Type == CacheChangeEntity {
				_, ok := cache.Get(change.Kind, change.Id)
				assert.Equal(t, ok, true)
			}
		}
		changes = append(changes, c...)
	})

	cache.Upsert(RefTypeWorkflow, testWorkflow(1, "w", 2))
	cache.Upsert(RefTypeWorkflow, testWorkflow(1, "w", 1))
	cache.UpsertAttribute(RefTypeWorkflow, testTextAttribute(1, "a", "x", 1))
	assert.Equal(t, changes, []CacheChange{
		{Type: CacheChangeEntity, Kind: RefTypeWorkflow, Id: 1},
		{Type: CacheChangeAttribute, Kind: RefTypeWorkflow, Id: 1, Name: "a"},
	})

	remove()
	cache.Upsert(RefTypeWorkflow, testWorkflow(2, "w", 1))
	assert.Equal(t, len(changes), 2)
}
