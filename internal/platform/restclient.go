package platform

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

const (
	defaultTimeout   = 120 * time.Second
	maxRetriesOn429  = 3
	maxErrorBodySize = 1 << 20 // 1 MiB
)

// RESTClient talks to the platform's REST API. It implements both
// ConfigurationClient and ActionClient.
type RESTClient struct {
	BaseURL string
	Token   string
	HTTP    *http.Client
}

var (
	_ ConfigurationClient = (*RESTClient)(nil)
	_ ActionClient        = (*RESTClient)(nil)
)

// NewRESTClient creates a platform client. The token is optional; when set
// it is sent as a bearer credential.
func NewRESTClient(baseURL, token string, timeout time.Duration) (*RESTClient, error) {
	base := strings.TrimRight(strings.TrimSpace(baseURL), "/")
	if base == "" {
		return nil, errors.New("platform base URL is required")
	}
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	return &RESTClient{
		BaseURL: base,
		Token:   strings.TrimSpace(token),
		HTTP:    &http.Client{Timeout: timeout},
	}, nil
}

func (c *RESTClient) GetGovernanceEngineByName(ctx context.Context, userID, name string) (EngineDefinition, error) {
	var out EngineDefinition
	path := "/api/v1/governance-engines/by-name/" + url.PathEscape(strings.TrimSpace(name))
	if err := c.getJSON(ctx, userID, path, nil, &out); err != nil {
		return EngineDefinition{}, err
	}
	return out, nil
}

func (c *RESTClient) GetIntegrationGroupByName(ctx context.Context, userID, name string) (EngineDefinition, error) {
	var out EngineDefinition
	path := "/api/v1/integration-groups/by-name/" + url.PathEscape(strings.TrimSpace(name))
	if err := c.getJSON(ctx, userID, path, nil, &out); err != nil {
		return EngineDefinition{}, err
	}
	return out, nil
}

func (c *RESTClient) ListRegisteredServices(ctx context.Context, userID, ownerGUID string, startFrom, pageSize int) ([]RegisteredService, error) {
	var out struct {
		Services []RegisteredService `json:"services"`
	}
	path := "/api/v1/owners/" + url.PathEscape(ownerGUID) + "/registered-services"
	if err := c.getJSON(ctx, userID, path, pagingQuery(startFrom, pageSize), &out); err != nil {
		return nil, err
	}
	return out.Services, nil
}

func (c *RESTClient) GetRegisteredService(ctx context.Context, userID, ownerGUID, serviceGUID string) (RegisteredService, error) {
	var out RegisteredService
	path := "/api/v1/owners/" + url.PathEscape(ownerGUID) + "/registered-services/" + url.PathEscape(serviceGUID)
	if err := c.getJSON(ctx, userID, path, nil, &out); err != nil {
		return RegisteredService{}, err
	}
	return out, nil
}

func (c *RESTClient) GetEngineAction(ctx context.Context, userID, actionGUID string) (EngineAction, error) {
	var out EngineAction
	path := "/api/v1/engine-actions/" + url.PathEscape(actionGUID)
	if err := c.getJSON(ctx, userID, path, nil, &out); err != nil {
		return EngineAction{}, err
	}
	return out, nil
}

func (c *RESTClient) ClaimEngineAction(ctx context.Context, userID, actionGUID string) error {
	path := "/api/v1/engine-actions/" + url.PathEscape(actionGUID) + "/claim"
	err := c.postJSON(ctx, userID, path, nil, nil)
	var apiErr *APIError
	if errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusConflict {
		return fmt.Errorf("%w: %s", ErrActionClaimed, actionGUID)
	}
	return err
}

func (c *RESTClient) ListActiveClaimedActions(ctx context.Context, userID, ownerGUID string, startFrom, pageSize int) ([]EngineAction, error) {
	var out struct {
		Actions []EngineAction `json:"actions"`
	}
	path := "/api/v1/engine-actions/active/claimed/" + url.PathEscape(ownerGUID)
	if err := c.getJSON(ctx, userID, path, pagingQuery(startFrom, pageSize), &out); err != nil {
		return nil, err
	}
	return out.Actions, nil
}

func (c *RESTClient) ListActiveActions(ctx context.Context, userID string, startFrom, pageSize int) ([]EngineAction, error) {
	var out struct {
		Actions []EngineAction `json:"actions"`
	}
	if err := c.getJSON(ctx, userID, "/api/v1/engine-actions/active", pagingQuery(startFrom, pageSize), &out); err != nil {
		return nil, err
	}
	return out.Actions, nil
}

func (c *RESTClient) UpdateActionStatus(ctx context.Context, userID, actionGUID string, status ActionStatus) error {
	path := "/api/v1/engine-actions/" + url.PathEscape(actionGUID) + "/status"
	payload := struct {
		Status ActionStatus `json:"status"`
	}{Status: status}
	return c.postJSON(ctx, userID, path, payload, nil)
}

func (c *RESTClient) UpdateActionTargetStatus(ctx context.Context, userID, actionTargetGUID string, status ActionStatus, startTime, completionTime *time.Time, message string) error {
	path := "/api/v1/action-targets/" + url.PathEscape(actionTargetGUID) + "/status"
	payload := struct {
		Status            ActionStatus `json:"status"`
		StartTime         *time.Time   `json:"start_time,omitempty"`
		CompletionTime    *time.Time   `json:"completion_time,omitempty"`
		CompletionMessage string       `json:"completion_message,omitempty"`
	}{Status: status, StartTime: startTime, CompletionTime: completionTime, CompletionMessage: message}
	return c.postJSON(ctx, userID, path, payload, nil)
}

func (c *RESTClient) RecordCompletionStatus(ctx context.Context, userID, actionGUID string, status ActionStatus, outputGuards []string, newParameters map[string]string, newTargets []NewActionTarget, message string) error {
	path := "/api/v1/engine-actions/" + url.PathEscape(actionGUID) + "/completion"
	payload := struct {
		Status            ActionStatus      `json:"status"`
		OutputGuards      []string          `json:"output_guards,omitempty"`
		NewParameters     map[string]string `json:"new_parameters,omitempty"`
		NewTargets        []NewActionTarget `json:"new_targets,omitempty"`
		CompletionMessage string            `json:"completion_message,omitempty"`
	}{Status: status, OutputGuards: outputGuards, NewParameters: newParameters, NewTargets: newTargets, CompletionMessage: message}
	return c.postJSON(ctx, userID, path, payload, nil)
}

func (c *RESTClient) InitiateEngineAction(ctx context.Context, userID string, req NewActionRequest) (string, error) {
	var out struct {
		GUID string `json:"guid"`
	}
	if err := c.postJSON(ctx, userID, "/api/v1/engine-actions", req, &out); err != nil {
		return "", err
	}
	return out.GUID, nil
}

func pagingQuery(startFrom, pageSize int) url.Values {
	q := url.Values{}
	q.Set("startFrom", strconv.Itoa(startFrom))
	q.Set("pageSize", strconv.Itoa(pageSize))
	return q
}

func (c *RESTClient) getJSON(ctx context.Context, userID, path string, query url.Values, out any) error {
	body, err := c.do(ctx, http.MethodGet, userID, path, query, nil)
	if err != nil {
		return err
	}
	if out == nil {
		return nil
	}
	return json.Unmarshal(body, out)
}

func (c *RESTClient) postJSON(ctx context.Context, userID, path string, payload, out any) error {
	var reqBody []byte
	if payload != nil {
		var err error
		reqBody, err = json.Marshal(payload)
		if err != nil {
			return err
		}
	}
	body, err := c.do(ctx, http.MethodPost, userID, path, nil, reqBody)
	if err != nil {
		return err
	}
	if out == nil {
		return nil
	}
	return json.Unmarshal(body, out)
}

func (c *RESTClient) endpoint(path string, query url.Values) (string, error) {
	base := strings.TrimRight(c.BaseURL, "/")
	if base == "" {
		return "", errors.New("platform base URL is required")
	}
	u, err := url.Parse(base)
	if err != nil {
		return "", err
	}
	u.Path = strings.TrimRight(u.Path, "/") + path
	if query != nil {
		u.RawQuery = query.Encode()
	}
	u.Fragment = ""
	return u.String(), nil
}

func (c *RESTClient) do(ctx context.Context, method, userID, path string, query url.Values, reqBody []byte) ([]byte, error) {
	if c.HTTP == nil {
		return nil, errors.New("platform http client is not configured")
	}
	endpoint, err := c.endpoint(path, query)
	if err != nil {
		return nil, err
	}

	var lastErr error
	for attempt := 0; attempt <= maxRetriesOn429; attempt++ {
		var bodyReader io.Reader
		if reqBody != nil {
			bodyReader = bytes.NewReader(reqBody)
		}
		req, err := http.NewRequestWithContext(ctx, method, endpoint, bodyReader)
		if err != nil {
			return nil, err
		}
		req.Header.Set("Accept", "application/json")
		req.Header.Set("User-Agent", "governd")
		req.Header.Set("X-User-ID", strings.TrimSpace(userID))
		if reqBody != nil {
			req.Header.Set("Content-Type", "application/json")
		}
		if c.Token != "" {
			req.Header.Set("Authorization", "Bearer "+c.Token)
		}

		resp, err := c.HTTP.Do(req)
		if err != nil {
			return nil, err
		}
		body, readErr := io.ReadAll(io.LimitReader(resp.Body, maxErrorBodySize))
		resp.Body.Close()
		if readErr != nil {
			return nil, readErr
		}

		if resp.StatusCode == http.StatusTooManyRequests {
			lastErr = apiError(resp, body)
			if attempt == maxRetriesOn429 {
				return nil, lastErr
			}
			wait, ok := retryAfterDuration(resp.Header.Get("Retry-After"))
			if !ok {
				wait = time.Second
			}
			if err := sleep(ctx, wait); err != nil {
				return nil, err
			}
			continue
		}

		if resp.StatusCode == http.StatusNotFound {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, path)
		}
		if resp.StatusCode < 200 || resp.StatusCode >= 300 {
			return nil, apiError(resp, body)
		}
		return body, nil
	}
	if lastErr != nil {
		return nil, lastErr
	}
	return nil, errors.New("platform request failed")
}

func apiError(resp *http.Response, body []byte) error {
	return &APIError{
		StatusCode: resp.StatusCode,
		Status:     resp.Status,
		Summary:    extractAPIErrorMessage(body),
	}
}

func extractAPIErrorMessage(body []byte) string {
	var payload struct {
		Errors  []string `json:"errors"`
		Error   string   `json:"error"`
		Message string   `json:"message"`
	}
	if err := json.Unmarshal(body, &payload); err == nil {
		if len(payload.Errors) > 0 {
			if first := strings.TrimSpace(payload.Errors[0]); first != "" {
				return first
			}
		}
		if msg := strings.TrimSpace(payload.Error); msg != "" {
			return msg
		}
		if msg := strings.TrimSpace(payload.Message); msg != "" {
			return msg
		}
	}

	msg := strings.TrimSpace(string(body))
	if msg == "" {
		return ""
	}
	if strings.HasPrefix(msg, "<!DOCTYPE html") || strings.HasPrefix(msg, "<html") {
		return ""
	}
	msg = strings.Join(strings.Fields(msg), " ")
	const maxLen = 300
	if len(msg) > maxLen {
		msg = msg[:maxLen] + "…"
	}
	return msg
}

func retryAfterDuration(header string) (time.Duration, bool) {
	header = strings.TrimSpace(header)
	if header == "" {
		return 0, false
	}
	secs, err := strconv.Atoi(header)
	if err != nil || secs < 0 {
		return 0, false
	}
	return time.Duration(secs) * time.Second, true
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
