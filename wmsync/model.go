package wmsync

import (
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/shopspring/decimal"
)

const EntityMaxNameLength = 50

type RefType string

const (
	RefTypeWorkflow       RefType = "WORKFLOW"
	RefTypeWorkflowState  RefType = "WORKFLOW_STATE"
	RefTypeWorkflowEntity RefType = "WORKFLOW_ENTITY"
)

var RefTypes = []RefType{
	RefTypeWorkflow,
	RefTypeWorkflowState,
	RefTypeWorkflowEntity,
}

func (self RefType) Valid() bool {
	switch self {
	case RefTypeWorkflow, RefTypeWorkflowState, RefTypeWorkflowEntity:
		return true
	default:
		return false
	}
}

type AttributeType string

const (
	AttributeTypeInteger     AttributeType = "INTEGER"
	AttributeTypeFloating    AttributeType = "FLOATING"
	AttributeTypeEnumeration AttributeType = "ENUMERATION"
	AttributeTypeDecimal     AttributeType = "DECIMAL"
	AttributeTypeDate        AttributeType = "DATE"
	AttributeTypeTimestamp   AttributeType = "TIMESTAMP"
	AttributeTypeFlag        AttributeType = "FLAG"
	AttributeTypeText        AttributeType = "TEXT"
)

// anything the cache merges by recency
type Versioned interface {
	LastUpdateTime() time.Time
}

// workflows, states and entities
type Entity interface {
	Versioned
	EntityId() int
}

type BaseEntity struct {
	Id           int        `json:"id" validate:"gt=0"`
	Name         string     `json:"name" validate:"max=50"`
	CreationTime time.Time  `json:"creationTime"`
	UpdateTime   time.Time  `json:"updateTime"`
	DeletionTime *time.Time `json:"deletionTime,omitempty"`
}

func (self BaseEntity) EntityId() int {
	return self.Id
}

func (self BaseEntity) LastUpdateTime() time.Time {
	return self.UpdateTime
}

// `ResponseWorkflow`
type Workflow struct {
	BaseEntity
	InitialStateId *int `json:"initialStateId,omitempty" validate:"omitempty,gt=0"`
}

// `ResponseChangeStateRules`
// names and expressions are parallel lists
type ChangeRule struct {
	FromId          int       `json:"fromId"`
	ToId            int       `json:"toId" validate:"gt=0"`
	ExpressionNames []string  `json:"expressionNames,omitempty"`
	Expressions     []string  `json:"expressions"`
	CreationTime    time.Time `json:"creationTime"`
	UpdateTime      time.Time `json:"updateTime"`
}

// `ResponseWorkflowState`
type WorkflowState struct {
	BaseEntity
	WorkflowId  int          `json:"workflowId" validate:"gt=0"`
	ChangeRules []ChangeRule `json:"changeRules" validate:"dive"`
}

// the rule to move from this state to `toId`, if any
func (self *WorkflowState) ChangeRule(toId int) (ChangeRule, bool) {
	for _, rule := range self.ChangeRules {
		if rule.ToId == toId {
			return rule, true
		}
	}
	return ChangeRule{}, false
}

// `ResponseWorkflowEntity`
type WorkflowEntity struct {
	BaseEntity
	WorkflowId     int `json:"workflowId" validate:"gt=0"`
	CurrentStateId int `json:"currentStateId" validate:"gt=0"`
}

// `ResponseEntityChangeState`
type EntityChangeState struct {
	Entity *WorkflowEntity `json:"entity" validate:"required"`
	From   *WorkflowState  `json:"from" validate:"required"`
	To     *WorkflowState  `json:"to" validate:"required"`
}

type AttributeRule struct {
	Rule        string `json:"rule,omitempty"`
	Description string `json:"description,omitempty"`
	ErrorText   string `json:"errorText,omitempty"`
}

// `ResponseAttributeDescription`
type AttributeDescription struct {
	Name             string         `json:"name" validate:"required"`
	ParentWorkflowId int            `json:"parentWorkflowId" validate:"gt=0"`
	RefType          RefType        `json:"refType" validate:"oneof=WORKFLOW WORKFLOW_STATE WORKFLOW_ENTITY"`
	AttrType         AttributeType  `json:"attrType" validate:"oneof=INTEGER FLOATING ENUMERATION DECIMAL DATE TIMESTAMP FLAG TEXT"`
	CreationTime     time.Time      `json:"creationTime"`
	UpdateTime       time.Time      `json:"updateTime"`
	Expression       *AttributeRule `json:"expression,omitempty"`
	Regex            *AttributeRule `json:"regex,omitempty"`
	MaxLength        *int           `json:"maxLength,omitempty"`
	EnumDescription  []string       `json:"enumDescription,omitempty"`
}

func (self *AttributeDescription) LastUpdateTime() time.Time {
	return self.UpdateTime
}

// `ResponseAttribute`
// exactly one value field is populated, matching the description's kind
type Attribute struct {
	DescriptionName  string           `json:"descriptionName" validate:"required"`
	ParentWorkflowId int              `json:"parentWorkflowId" validate:"gt=0"`
	BaseEntityId     int              `json:"baseEntityId" validate:"gt=0"`
	CreationTime     time.Time        `json:"creationTime"`
	UpdateTime       time.Time        `json:"updateTime"`
	Integer          *int64           `json:"integer,omitempty"`
	Floating         *float64         `json:"floating,omitempty"`
	Enumeration      *string          `json:"enumeration,omitempty"`
	Decimal          *decimal.Decimal `json:"decimal,omitempty"`
	Date             *time.Time       `json:"date,omitempty"`
	Timestamp        *time.Time       `json:"timestamp,omitempty"`
	Flag             *bool            `json:"flag,omitempty"`
	Text             *string          `json:"text,omitempty"`
}

func (self *Attribute) LastUpdateTime() time.Time {
	return self.UpdateTime
}

// the populated value for the kind, or nil
func (self *Attribute) Value(attrType AttributeType) any {
	switch attrType {
	case AttributeTypeInteger:
		if self.Integer != nil {
			return *self.Integer
		}
	case AttributeTypeFloating:
		if self.Floating != nil {
			return *self.Floating
		}
	case AttributeTypeEnumeration:
		if self.Enumeration != nil {
			return *self.Enumeration
		}
	case AttributeTypeDecimal:
		if self.Decimal != nil {
			return *self.Decimal
		}
	case AttributeTypeDate:
		if self.Date != nil {
			return *self.Date
		}
	case AttributeTypeTimestamp:
		if self.Timestamp != nil {
			return *self.Timestamp
		}
	case AttributeTypeFlag:
		if self.Flag != nil {
			return *self.Flag
		}
	case AttributeTypeText:
		if self.Text != nil {
			return *self.Text
		}
	}
	return nil
}

// request bodies

type RequestNewWorkflow struct {
	Name string `json:"name" validate:"required,max=50"`
}

type RequestUpdateWorkflowConfig struct {
	InitialStateId *int `json:"initialStateId,omitempty"`
}

type RequestNewWorkflowState struct {
	Name string `json:"name" validate:"required,max=50"`
}

type RequestNewWorkflowEntity struct {
	Name string `json:"name" validate:"required,max=50"`
}

type RequestSetChangeStateRule struct {
	ToId            int      `json:"toId" validate:"gt=0"`
	ExpressionNames []string `json:"expressionNames,omitempty"`
	Expressions     []string `json:"expressions" validate:"min=1"`
}

type RequestNewAttributeDescription struct {
	Name             string         `json:"name" validate:"required"`
	ParentWorkflowId int            `json:"parentWorkflowId" validate:"gt=0"`
	RefType          RefType        `json:"refType" validate:"oneof=WORKFLOW WORKFLOW_STATE WORKFLOW_ENTITY"`
	AttrType         AttributeType  `json:"attrType" validate:"oneof=INTEGER FLOATING ENUMERATION DECIMAL DATE TIMESTAMP FLAG TEXT"`
	Expression       *AttributeRule `json:"expression,omitempty"`
	Regex            *AttributeRule `json:"regex,omitempty"`
	MaxLength        *int           `json:"maxLength,omitempty"`
	EnumDescription  []string       `json:"enumDescription,omitempty"`
}

type RequestNewAttribute struct {
	Integer     *int64           `json:"integer,omitempty"`
	Floating    *float64         `json:"floating,omitempty"`
	Enumeration *string          `json:"enumeration,omitempty"`
	Decimal     *decimal.Decimal `json:"decimal,omitempty"`
	Date        *time.Time       `json:"date,omitempty"`
	Timestamp   *time.Time       `json:"timestamp,omitempty"`
	Flag        *bool            `json:"flag,omitempty"`
	Text        *string          `json:"text,omitempty"`
}

var modelValidator = validator.New()

func validateModel(v any) error {
	return modelValidator.Struct(v)
}

// `ResponseEntityIdsByState`
type EntityIds struct {
	Ids []int `json:"ids"`
}
