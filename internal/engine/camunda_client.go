package engine

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/kyeliu99/PFlow/internal/config"
	apperrors "github.com/kyeliu99/PFlow/pkg/util/errorutil"
)

const (
	variableSubmissionKey   = "submissionKey"
	variableTicketID        = "ticketId"
	variableApproved        = "approved"
	variableDecisionComment = "decisionComment"

	maxResponseBytes = 1 << 20
)

// CamundaClient talks to a Camunda 7 engine over its REST API.
type CamundaClient struct {
	baseURL         string
	processKey      string
	decisionMessage string
	client          *http.Client
}

// NewCamundaClient constructs a client targeting cfg.BaseURL.
func NewCamundaClient(cfg config.EngineConfig) *CamundaClient {
	return &CamundaClient{
		baseURL:         strings.TrimRight(cfg.BaseURL, "/"),
		processKey:      cfg.ProcessKey,
		decisionMessage: cfg.DecisionMessage,
		client:          &http.Client{Timeout: cfg.Timeout()},
	}
}

type camundaInstance struct {
	ID          string `json:"id"`
	BusinessKey string `json:"businessKey"`
	Ended       bool   `json:"ended"`
	Suspended   bool   `json:"suspended"`
}

type camundaHistoricInstance struct {
	ID          string `json:"id"`
	BusinessKey string `json:"businessKey"`
	State       string `json:"state"`
}

type camundaVariable struct {
	Type  string `json:"type"`
	Value any    `json:"value"`
}

type camundaFailure struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

// StartInstance starts the approval process with the ticket id as business
// key. A running instance that already carries the submission key is
// returned instead of starting a second one.
func (c *CamundaClient) StartInstance(ctx context.Context, req StartRequest) (string, error) {
	const op = "start_instance"

	if req.SubmissionKey != "" {
		query := map[string]any{
			"businessKey": req.TicketID,
			"variables": []map[string]any{{
				"name":     variableSubmissionKey,
				"operator": "eq",
				"value":    req.SubmissionKey,
			}},
		}
		var existing []camundaInstance
		status, msg, err := c.call(ctx, op, http.MethodPost, "/process-instance", query, &existing)
		if err != nil {
			return "", err
		}
		if status >= 300 {
			return "", rejected(op, status, msg)
		}
		if len(existing) > 0 {
			return existing[0].ID, nil
		}
	}

	vars := make(map[string]any, len(req.Variables)+2)
	for k, v := range req.Variables {
		vars[k] = v
	}
	vars[variableTicketID] = req.TicketID
	if req.SubmissionKey != "" {
		vars[variableSubmissionKey] = req.SubmissionKey
	}
	payload := map[string]any{
		"businessKey": req.TicketID,
		"variables":   wrapVariables(vars),
	}

	var started camundaInstance
	path := fmt.Sprintf("/process-definition/key/%s/start", url.PathEscape(c.processKey))
	status, msg, err := c.call(ctx, op, http.MethodPost, path, payload, &started)
	if err != nil {
		return "", err
	}
	if status >= 300 {
		return "", rejected(op, status, msg)
	}
	if started.ID == "" {
		return "", apperrors.NewEngineRejected(op, "engine returned no instance id")
	}
	return started.ID, nil
}

// SignalDecision correlates the decision message with the waiting instance.
func (c *CamundaClient) SignalDecision(ctx context.Context, processInstanceID string, decision Decision) error {
	const op = "signal_decision"

	state, err := c.QueryState(ctx, processInstanceID)
	if err != nil {
		return err
	}
	if state.Status == InstanceCancelled {
		return apperrors.NewInstanceNotFound(processInstanceID)
	}
	if state.Status != InstanceRunning || state.Decided != nil {
		return apperrors.NewInstanceAlreadyDecided(processInstanceID)
	}

	payload := map[string]any{
		"messageName":       c.decisionMessage,
		"processInstanceId": processInstanceID,
		"processVariables": wrapVariables(map[string]any{
			variableApproved:        decision.Approved,
			variableDecisionComment: decision.Comment,
		}),
	}
	status, msg, err := c.call(ctx, op, http.MethodPost, "/message", payload, nil)
	if err != nil {
		return err
	}
	switch {
	case status < 300:
		return nil
	case status == http.StatusBadRequest && isMismatchingCorrelation(msg):
		// The instance is no longer waiting for a decision.
		return apperrors.NewInstanceAlreadyDecided(processInstanceID)
	default:
		return rejected(op, status, msg)
	}
}

// QueryState reads the runtime instance, falling back to history once the
// instance has ended.
func (c *CamundaClient) QueryState(ctx context.Context, processInstanceID string) (*InstanceState, error) {
	const op = "query_state"

	var running camundaInstance
	path := "/process-instance/" + url.PathEscape(processInstanceID)
	status, msg, err := c.call(ctx, op, http.MethodGet, path, nil, &running)
	if err != nil {
		return nil, err
	}
	switch {
	case status < 300:
		state := &InstanceState{ID: running.ID, BusinessKey: running.BusinessKey, Status: InstanceRunning}
		if running.Ended {
			state.Status = InstanceCompleted
		}
		var approved camundaVariable
		varPath := path + "/variables/" + variableApproved
		status, msg, err := c.call(ctx, op, http.MethodGet, varPath, nil, &approved)
		if err != nil {
			return nil, err
		}
		switch {
		case status < 300:
			if v, ok := approved.Value.(bool); ok {
				state.Decided = &v
				state.Advanced = v && state.Status == InstanceRunning
			}
		case status != http.StatusNotFound:
			return nil, rejected(op, status, msg)
		}
		return state, nil
	case status != http.StatusNotFound:
		return nil, rejected(op, status, msg)
	}

	var historic camundaHistoricInstance
	status, msg, err = c.call(ctx, op, http.MethodGet, "/history/process-instance/"+url.PathEscape(processInstanceID), nil, &historic)
	if err != nil {
		return nil, err
	}
	if status == http.StatusNotFound {
		return nil, apperrors.NewInstanceNotFound(processInstanceID)
	}
	if status >= 300 {
		return nil, rejected(op, status, msg)
	}

	state := &InstanceState{ID: historic.ID, BusinessKey: historic.BusinessKey, Status: historicStatus(historic.State)}
	var vars []camundaVariable
	query := "/history/variable-instance?" + url.Values{
		"processInstanceId": {processInstanceID},
		"variableName":      {variableApproved},
	}.Encode()
	status, msg, err = c.call(ctx, op, http.MethodGet, query, nil, &vars)
	if err != nil {
		return nil, err
	}
	if status >= 300 {
		return nil, rejected(op, status, msg)
	}
	for _, v := range vars {
		if approved, ok := v.Value.(bool); ok {
			state.Decided = &approved
			state.Advanced = approved
		}
	}
	return state, nil
}

// CancelInstance deletes a running instance.
func (c *CamundaClient) CancelInstance(ctx context.Context, processInstanceID, reason string) error {
	const op = "cancel_instance"

	payload := map[string]any{
		"processInstanceIds":  []string{processInstanceID},
		"deleteReason":        reason,
		"skipCustomListeners": true,
	}
	status, msg, err := c.call(ctx, op, http.MethodPost, "/process-instance/delete", payload, nil)
	if err != nil {
		return err
	}
	switch {
	case status < 300:
		return nil
	case status == http.StatusNotFound:
		return apperrors.NewInstanceNotFound(processInstanceID)
	default:
		return rejected(op, status, msg)
	}
}

// FetchAndLockExternalTasks locks up to maxTasks external tasks on topic.
func (c *CamundaClient) FetchAndLockExternalTasks(ctx context.Context, workerID, topic string, maxTasks int, lockDuration time.Duration) ([]ExternalTask, error) {
	const op = "fetch_and_lock"

	payload := map[string]any{
		"workerId":    workerID,
		"maxTasks":    maxTasks,
		"usePriority": true,
		"topics": []map[string]any{{
			"topicName":    topic,
			"lockDuration": lockDuration.Milliseconds(),
		}},
	}
	var raw []struct {
		ID                string                     `json:"id"`
		ProcessInstanceID string                     `json:"processInstanceId"`
		ActivityID        string                     `json:"activityId"`
		TopicName         string                     `json:"topicName"`
		BusinessKey       string                     `json:"businessKey"`
		Variables         map[string]camundaVariable `json:"variables"`
	}
	status, msg, err := c.call(ctx, op, http.MethodPost, "/external-task/fetchAndLock", payload, &raw)
	if err != nil {
		return nil, err
	}
	if status >= 300 {
		return nil, rejected(op, status, msg)
	}

	tasks := make([]ExternalTask, 0, len(raw))
	for _, t := range raw {
		vars := make(map[string]any, len(t.Variables))
		for name, v := range t.Variables {
			vars[name] = v.Value
		}
		tasks = append(tasks, ExternalTask{
			ID:                t.ID,
			ProcessInstanceID: t.ProcessInstanceID,
			ActivityID:        t.ActivityID,
			TopicName:         t.TopicName,
			BusinessKey:       t.BusinessKey,
			Variables:         vars,
		})
	}
	return tasks, nil
}

// CompleteExternalTask completes a locked task with optional variables.
func (c *CamundaClient) CompleteExternalTask(ctx context.Context, workerID, taskID string, variables map[string]any) error {
	const op = "complete_task"

	payload := map[string]any{
		"workerId":  workerID,
		"variables": wrapVariables(variables),
	}
	path := fmt.Sprintf("/external-task/%s/complete", url.PathEscape(taskID))
	status, msg, err := c.call(ctx, op, http.MethodPost, path, payload, nil)
	if err != nil {
		return err
	}
	if status >= 300 {
		return rejected(op, status, msg)
	}
	return nil
}

// UnlockExternalTask releases the lock on a task without completing it.
func (c *CamundaClient) UnlockExternalTask(ctx context.Context, taskID string) error {
	const op = "unlock_task"

	path := fmt.Sprintf("/external-task/%s/unlock", url.PathEscape(taskID))
	status, msg, err := c.call(ctx, op, http.MethodPost, path, nil, nil)
	if err != nil {
		return err
	}
	if status >= 300 {
		return rejected(op, status, msg)
	}
	return nil
}

// DeployProcess uploads a BPMN definition. Unchanged resources are skipped
// by the engine's duplicate filtering.
func (c *CamundaClient) DeployProcess(ctx context.Context, name string, bpmn []byte) error {
	const op = "deploy_process"

	body := &bytes.Buffer{}
	writer := multipart.NewWriter(body)
	if err := writer.WriteField("deployment-name", name); err != nil {
		return apperrors.NewInternalError(err)
	}
	if err := writer.WriteField("enable-duplicate-filtering", "true"); err != nil {
		return apperrors.NewInternalError(err)
	}
	part, err := writer.CreateFormFile("data", name+".bpmn")
	if err != nil {
		return apperrors.NewInternalError(err)
	}
	if _, err := part.Write(bpmn); err != nil {
		return apperrors.NewInternalError(err)
	}
	if err := writer.Close(); err != nil {
		return apperrors.NewInternalError(err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/deployment/create", body)
	if err != nil {
		return apperrors.NewInternalError(err)
	}
	req.Header.Set("Content-Type", writer.FormDataContentType())

	resp, err := c.client.Do(req)
	if err != nil {
		return apperrors.NewEngineUnavailable(op, err)
	}
	defer resp.Body.Close()
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	switch {
	case resp.StatusCode >= 500:
		return apperrors.NewEngineUnavailable(op, fmt.Errorf("camunda responded %s", resp.Status))
	case resp.StatusCode >= 300:
		return rejected(op, resp.StatusCode, failureMessage(raw))
	}
	return nil
}

// call performs a JSON request. Transport faults and 5xx responses are
// returned as EngineUnavailable; other non-2xx statuses are returned with
// the engine's message for the caller to classify. out is decoded only on
// 2xx.
func (c *CamundaClient) call(ctx context.Context, op, method, path string, payload, out any) (int, string, error) {
	var body io.Reader
	if payload != nil {
		encoded, err := json.Marshal(payload)
		if err != nil {
			return 0, "", apperrors.NewInternalError(err)
		}
		body = bytes.NewReader(encoded)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return 0, "", apperrors.NewInternalError(err)
	}
	req.Header.Set("Accept", "application/json")
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return 0, "", apperrors.NewEngineUnavailable(op, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return resp.StatusCode, "", apperrors.NewEngineUnavailable(op, err)
	}
	if resp.StatusCode >= 500 {
		return resp.StatusCode, "", apperrors.NewEngineUnavailable(op,
			fmt.Errorf("camunda responded %s: %s", resp.Status, failureMessage(raw)))
	}
	if resp.StatusCode >= 300 {
		return resp.StatusCode, failureMessage(raw), nil
	}
	if out != nil && len(raw) > 0 {
		if err := json.Unmarshal(raw, out); err != nil {
			return resp.StatusCode, "", apperrors.NewEngineUnavailable(op, fmt.Errorf("decode response: %w", err))
		}
	}
	return resp.StatusCode, "", nil
}

func rejected(op string, status int, msg string) error {
	return apperrors.NewEngineRejected(op, fmt.Sprintf("status %d: %s", status, msg))
}

func failureMessage(raw []byte) string {
	var failure camundaFailure
	if err := json.Unmarshal(raw, &failure); err == nil && failure.Message != "" {
		return failure.Message
	}
	return strings.TrimSpace(string(raw))
}

func isMismatchingCorrelation(msg string) bool {
	msg = strings.ToLower(msg)
	return strings.Contains(msg, "no process definition or execution matches") ||
		strings.Contains(msg, "mismatchingmessagecorrelation")
}

func historicStatus(state string) InstanceStatus {
	switch state {
	case "COMPLETED":
		return InstanceCompleted
	case "EXTERNALLY_TERMINATED", "INTERNALLY_TERMINATED":
		return InstanceCancelled
	default:
		return InstanceRunning
	}
}

func wrapVariables(vars map[string]any) map[string]any {
	out := make(map[string]any, len(vars))
	for k, v := range vars {
		wrapped := map[string]any{"value": v}
		switch v.(type) {
		case bool:
			wrapped["type"] = "Boolean"
		case string:
			wrapped["type"] = "String"
		case int, int32, int64:
			wrapped["type"] = "Long"
		case float32, float64:
			wrapped["type"] = "Double"
		}
		out[k] = wrapped
	}
	return out
}
