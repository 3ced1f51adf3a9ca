package wmsync

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"reflect"
	"strings"
	"time"

	"github.com/golang/glog"
	"github.com/pkg/errors"
)

const (
	HeaderClientId = "client-id"
	HeaderUserId   = "user-id"
	HeaderEventId  = "wm-event-id"
)

// a failed call, including network failures (status 0) and non-2xx responses
type RequestError struct {
	Method     string
	Url        string
	StatusCode int
	// the response body, or the transport error
	Message string
	Err     error
}

func (self *RequestError) Error() string {
	if self.StatusCode == 0 {
		return fmt.Sprintf("%s %s: %s", self.Method, self.Url, self.Message)
	}
	return fmt.Sprintf("%s %s: %d %s", self.Method, self.Url, self.StatusCode, self.Message)
}

func (self *RequestError) Unwrap() error {
	return self.Err
}

// a response that does not decode to, or validate as, the expected model
type ValidationError struct {
	Method string
	Url    string
	// the outgoing request failed validation, not the response
	Request bool
	Err     error
}

func (self *ValidationError) Error() string {
	if self.Request {
		return fmt.Sprintf("%s: invalid request: %s", self.Method, self.Err)
	}
	return fmt.Sprintf("%s %s: invalid response: %s", self.Method, self.Url, self.Err)
}

func (self *ValidationError) Unwrap() error {
	return self.Err
}

// the request functions the store consumes
// mutations also return the event id of the change
type WorkflowManagerService interface {
	ListWorkflows(ctx context.Context, identity Identity) ([]*Workflow, error)
	GetWorkflow(ctx context.Context, identity Identity, workflowId int) (*Workflow, error)
	CreateWorkflow(ctx context.Context, identity Identity, request *RequestNewWorkflow) (*Workflow, Id, error)
	UpdateWorkflowConfig(ctx context.Context, identity Identity, workflowId int, request *RequestUpdateWorkflowConfig) (*Workflow, Id, error)

	ListAttributeDescriptions(ctx context.Context, identity Identity, workflowId int) ([]*AttributeDescription, error)
	CreateAttributeDescription(ctx context.Context, identity Identity, workflowId int, request *RequestNewAttributeDescription) (*AttributeDescription, Id, error)
	ListAttributes(ctx context.Context, identity Identity, refType RefType, ownerId int) ([]*Attribute, error)
	SetAttribute(ctx context.Context, identity Identity, refType RefType, ownerId int, name string, request *RequestNewAttribute) (*Attribute, Id, error)

	ListStates(ctx context.Context, identity Identity, workflowId int) ([]*WorkflowState, error)
	GetState(ctx context.Context, identity Identity, stateId int) (*WorkflowState, error)
	CreateState(ctx context.Context, identity Identity, workflowId int, request *RequestNewWorkflowState) (*WorkflowState, Id, error)
	SetChangeRule(ctx context.Context, identity Identity, stateId int, request *RequestSetChangeStateRule) (*WorkflowState, Id, error)

	GetEntity(ctx context.Context, identity Identity, entityId int) (*WorkflowEntity, error)
	ListEntitiesByWorkflow(ctx context.Context, identity Identity, workflowId int) ([]*WorkflowEntity, error)
	ListEntitiesByState(ctx context.Context, identity Identity, stateId int) ([]*WorkflowEntity, error)
	ListEntityIdsByState(ctx context.Context, identity Identity, stateId int) ([]int, error)
	ListEntitiesByIds(ctx context.Context, identity Identity, entityIds []int) ([]*WorkflowEntity, error)
	CreateEntity(ctx context.Context, identity Identity, workflowId int, request *RequestNewWorkflowEntity) (*WorkflowEntity, Id, error)
	MoveEntity(ctx context.Context, identity Identity, entityId int, newStateId int) (*EntityChangeState, Id, error)
}

type WorkflowManagerApiSettings struct {
	HttpTimeout        time.Duration
	HttpConnectTimeout time.Duration
	HttpTlsTimeout     time.Duration
}

func DefaultWorkflowManagerApiSettings() *WorkflowManagerApiSettings {
	return &WorkflowManagerApiSettings{
		HttpTimeout:        60 * time.Second,
		HttpConnectTimeout: 5 * time.Second,
		HttpTlsTimeout:     5 * time.Second,
	}
}

// http client for the workflow manager service
type WorkflowManagerApi struct {
	apiUrl   string
	settings *WorkflowManagerApiSettings
	client   *http.Client
}

func NewWorkflowManagerApiWithDefaults(apiUrl string) *WorkflowManagerApi {
	return NewWorkflowManagerApi(apiUrl, DefaultWorkflowManagerApiSettings())
}

func NewWorkflowManagerApi(apiUrl string, settings *WorkflowManagerApiSettings) *WorkflowManagerApi {
	// see https://medium.com/@nate510/don-t-use-go-s-default-http-client-4804cb19f779
	dialer := &net.Dialer{
		Timeout: settings.HttpConnectTimeout,
	}
	transport := &http.Transport{
		DialContext:         dialer.DialContext,
		TLSHandshakeTimeout: settings.HttpTlsTimeout,
	}
	return &WorkflowManagerApi{
		apiUrl:   strings.TrimRight(apiUrl, "/"),
		settings: settings,
		client: &http.Client{
			Transport: transport,
			Timeout:   settings.HttpTimeout,
		},
	}
}

// the path segment of each reference type
var refTypePaths = map[RefType]string{
	RefTypeWorkflow:       "workflows",
	RefTypeWorkflowState:  "workflow-states",
	RefTypeWorkflowEntity: "workflow-entities",
}

func (self *WorkflowManagerApi) url(format string, a ...any) string {
	return self.apiUrl + fmt.Sprintf(format, a...)
}

func (self *WorkflowManagerApi) ListWorkflows(ctx context.Context, identity Identity) ([]*Workflow, error) {
	result, _, err := call(ctx, self.client, "GET", self.url("/workflows"), identity, nil, []*Workflow{})
	return result, err
}

func (self *WorkflowManagerApi) GetWorkflow(ctx context.Context, identity Identity, workflowId int) (*Workflow, error) {
	result, _, err := call(ctx, self.client, "GET", self.url("/workflows/%d", workflowId), identity, nil, &Workflow{})
	return result, err
}

func (self *WorkflowManagerApi) CreateWorkflow(ctx context.Context, identity Identity, request *RequestNewWorkflow) (*Workflow, Id, error) {
	return call(ctx, self.client, "POST", self.url("/workflows"), identity, request, &Workflow{})
}

func (self *WorkflowManagerApi) UpdateWorkflowConfig(ctx context.Context, identity Identity, workflowId int, request *RequestUpdateWorkflowConfig) (*Workflow, Id, error) {
	return call(ctx, self.client, "PUT", self.url("/workflows/%d/config", workflowId), identity, request, &Workflow{})
}

func (self *WorkflowManagerApi) ListAttributeDescriptions(ctx context.Context, identity Identity, workflowId int) ([]*AttributeDescription, error) {
	result, _, err := call(ctx, self.client, "GET", self.url("/workflows/%d/attribute-descriptions", workflowId), identity, nil, []*AttributeDescription{})
	return result, err
}

func (self *WorkflowManagerApi) CreateAttributeDescription(ctx context.Context, identity Identity, workflowId int, request *RequestNewAttributeDescription) (*AttributeDescription, Id, error) {
	return call(ctx, self.client, "POST", self.url("/workflows/%d/attribute-descriptions", workflowId), identity, request, &AttributeDescription{})
}

func (self *WorkflowManagerApi) ListAttributes(ctx context.Context, identity Identity, refType RefType, ownerId int) ([]*Attribute, error) {
	refTypePath, ok := refTypePaths[refType]
	if !ok {
		return nil, errors.Wrapf(ErrWrongKind, "attributes %s", refType)
	}
	result, _, err := call(ctx, self.client, "GET", self.url("/%s/%d/attributes", refTypePath, ownerId), identity, nil, []*Attribute{})
	return result, err
}

func (self *WorkflowManagerApi) SetAttribute(ctx context.Context, identity Identity, refType RefType, ownerId int, name string, request *RequestNewAttribute) (*Attribute, Id, error) {
	refTypePath, ok := refTypePaths[refType]
	if !ok {
		return nil, Id{}, errors.Wrapf(ErrWrongKind, "attribute %s", refType)
	}
	return call(ctx, self.client, "PUT", self.url("/%s/%d/attributes/%s", refTypePath, ownerId, url.PathEscape(name)), identity, request, &Attribute{})
}

func (self *WorkflowManagerApi) ListStates(ctx context.Context, identity Identity, workflowId int) ([]*WorkflowState, error) {
	result, _, err := call(ctx, self.client, "GET", self.url("/workflows/%d/workflow-states", workflowId), identity, nil, []*WorkflowState{})
	return result, err
}

func (self *WorkflowManagerApi) GetState(ctx context.Context, identity Identity, stateId int) (*WorkflowState, error) {
	result, _, err := call(ctx, self.client, "GET", self.url("/workflow-states/%d", stateId), identity, nil, &WorkflowState{})
	return result, err
}

func (self *WorkflowManagerApi) CreateState(ctx context.Context, identity Identity, workflowId int, request *RequestNewWorkflowState) (*WorkflowState, Id, error) {
	return call(ctx, self.client, "POST", self.url("/workflows/%d/workflow-states", workflowId), identity, request, &WorkflowState{})
}

func (self *WorkflowManagerApi) SetChangeRule(ctx context.Context, identity Identity, stateId int, request *RequestSetChangeStateRule) (*WorkflowState, Id, error) {
	return call(ctx, self.client, "POST", self.url("/workflow-states/%d/rules", stateId), identity, request, &WorkflowState{})
}

func (self *WorkflowManagerApi) GetEntity(ctx context.Context, identity Identity, entityId int) (*WorkflowEntity, error) {
	result, _, err := call(ctx, self.client, "GET", self.url("/workflow-entities/%d", entityId), identity, nil, &WorkflowEntity{})
	return result, err
}

func (self *WorkflowManagerApi) ListEntitiesByWorkflow(ctx context.Context, identity Identity, workflowId int) ([]*WorkflowEntity, error) {
	result, _, err := call(ctx, self.client, "GET", self.url("/workflows/%d/workflow-entities", workflowId), identity, nil, []*WorkflowEntity{})
	return result, err
}

func (self *WorkflowManagerApi) ListEntitiesByState(ctx context.Context, identity Identity, stateId int) ([]*WorkflowEntity, error) {
	result, _, err := call(ctx, self.client, "GET", self.url("/workflow-states/%d/workflow-entities", stateId), identity, nil, []*WorkflowEntity{})
	return result, err
}

func (self *WorkflowManagerApi) ListEntityIdsByState(ctx context.Context, identity Identity, stateId int) ([]int, error) {
	result, _, err := call(ctx, self.client, "GET", self.url("/workflow-states/%d/workflow-entities/ids", stateId), identity, nil, &EntityIds{})
	if err != nil {
		return nil, err
	}
	return result.Ids, nil
}

func (self *WorkflowManagerApi) ListEntitiesByIds(ctx context.Context, identity Identity, entityIds []int) ([]*WorkflowEntity, error) {
	result, _, err := call(ctx, self.client, "POST", self.url("/workflow-entities/list"), identity, &EntityIds{Ids: entityIds}, []*WorkflowEntity{})
	return result, err
}

func (self *WorkflowManagerApi) CreateEntity(ctx context.Context, identity Identity, workflowId int, request *RequestNewWorkflowEntity) (*WorkflowEntity, Id, error) {
	return call(ctx, self.client, "POST", self.url("/workflows/%d/workflow-entities", workflowId), identity, request, &WorkflowEntity{})
}

func (self *WorkflowManagerApi) MoveEntity(ctx context.Context, identity Identity, entityId int, newStateId int) (*EntityChangeState, Id, error) {
	return call(ctx, self.client, "PATCH", self.url("/workflow-entities/%d/workflow-states/%d", entityId, newStateId), identity, nil, &EntityChangeState{})
}

// decodes the response into `result`
// the event id is zero when the response does not carry one
func call[R any](
	ctx context.Context,
	client *http.Client,
	method string,
	url string,
	identity Identity,
	args any,
	result R,
) (R, Id, error) {
	var empty R

	var body io.Reader
	if args != nil {
		requestBodyBytes, err := json.Marshal(args)
		if err != nil {
			return empty, Id{}, errors.Wrapf(err, "%s %s", method, url)
		}
		body = bytes.NewReader(requestBodyBytes)
	}

	req, err := http.NewRequestWithContext(ctx, method, url, body)
	if err != nil {
		return empty, Id{}, errors.Wrapf(err, "%s %s", method, url)
	}
	if args != nil {
		req.Header.Add("Content-Type", "application/json")
	}
	req.Header.Add("Accept", "application/json")
	req.Header.Add(HeaderClientId, identity.ClientId.String())
	req.Header.Add(HeaderUserId, identity.UserId.String())

	r, err := client.Do(req)
	if err != nil {
		return empty, Id{}, &RequestError{
			Method:  method,
			Url:     url,
			Message: err.Error(),
			Err:     err,
		}
	}
	defer r.Body.Close()

	responseBodyBytes, err := io.ReadAll(r.Body)

	if r.StatusCode < 200 || 300 <= r.StatusCode {
		// the response body is the error message
		return empty, Id{}, &RequestError{
			Method:     method,
			Url:        url,
			StatusCode: r.StatusCode,
			Message:    strings.TrimSpace(string(responseBodyBytes)),
		}
	}
	if err != nil {
		return empty, Id{}, &RequestError{
			Method:     method,
			Url:        url,
			StatusCode: r.StatusCode,
			Message:    err.Error(),
			Err:        err,
		}
	}

	if err := json.Unmarshal(responseBodyBytes, &result); err != nil {
		return empty, Id{}, &ValidationError{Method: method, Url: url, Err: err}
	}
	if err := validateResult(result); err != nil {
		return empty, Id{}, &ValidationError{Method: method, Url: url, Err: err}
	}

	var eventId Id
	if eventIdStr := r.Header.Get(HeaderEventId); eventIdStr != "" {
		eventId, err = ParseId(eventIdStr)
		if err != nil {
			glog.Infof("[api]%s %s invalid event id %s\n", method, url, eventIdStr)
			eventId = Id{}
		}
	}
	glog.V(2).Infof("[api]%s %s %d event=%s\n", method, url, r.StatusCode, eventId)
	return result, eventId, nil
}

// validates struct results, and each element of list results
func validateResult(result any) error {
	value := reflect.ValueOf(result)
	switch value.Kind() {
	case reflect.Slice:
		for i := 0; i < value.Len(); i += 1 {
			if err := validateResult(value.Index(i).Interface()); err != nil {
				return errors.WithMessagef(err, "[%d]", i)
			}
		}
		return nil
	case reflect.Pointer:
		if value.IsNil() {
			return errors.New("empty response")
		}
		if value.Elem().Kind() == reflect.Struct {
			return validateModel(result)
		}
		return nil
	default:
		return nil
	}
}
