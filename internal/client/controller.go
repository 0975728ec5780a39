package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"call-coordinator/internal/calls"
	"call-coordinator/internal/control"

	"github.com/pion/webrtc/v4"
)

// HTTPController calls the control API with a bearer token.
type HTTPController struct {
	baseURL string
	token   string
	http    *http.Client
}

func NewHTTPController(baseURL, accessToken string, hc *http.Client) *HTTPController {
	if hc == nil {
		hc = &http.Client{Timeout: 10 * time.Second}
	}
	return &HTTPController{baseURL: strings.TrimRight(baseURL, "/"), token: accessToken, http: hc}
}

// APIError is a non-2xx control API response.
type APIError struct {
	Status  int
	Message string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("control api: %d %s", e.Status, e.Message)
}

// Is maps status codes back onto the call error taxonomy.
func (e *APIError) Is(target error) bool {
	switch target {
	case calls.ErrInvalidArgument:
		return e.Status == http.StatusBadRequest
	case calls.ErrForbidden:
		return e.Status == http.StatusForbidden
	case calls.ErrNotFound:
		return e.Status == http.StatusNotFound
	case calls.ErrConflict:
		return e.Status == http.StatusConflict
	}
	return false
}

func (c *HTTPController) Do(ctx context.Context, req control.Request) (control.Result, error) {
	var out control.Result
	err := c.call(ctx, http.MethodPost, "/v1/call", req, &out)
	return out, err
}

func (c *HTTPController) StartCall(ctx context.Context, conversationID string, callType calls.CallType) (control.Result, error) {
	return c.Do(ctx, control.Request{ConversationID: conversationID, Action: calls.ActionStartCall, CallType: callType})
}

func (c *HTTPController) Accept(ctx context.Context, conversationID, sessionID string) (control.Result, error) {
	return c.Do(ctx, control.Request{ConversationID: conversationID, SessionID: sessionID, Action: calls.ActionAccept})
}

func (c *HTTPController) Reject(ctx context.Context, conversationID, sessionID string) (control.Result, error) {
	return c.Do(ctx, control.Request{ConversationID: conversationID, SessionID: sessionID, Action: calls.ActionReject})
}

// EndCall treats a superseded transition as success.
func (c *HTTPController) EndCall(ctx context.Context, conversationID, sessionID string) error {
	_, err := c.Do(ctx, control.Request{ConversationID: conversationID, SessionID: sessionID, Action: calls.ActionEndCall})
	if errors.Is(err, calls.ErrNotFound) {
		return nil
	}
	return err
}

func (c *HTTPController) Active(ctx context.Context, conversationID string) (*calls.Session, error) {
	var out struct {
		Session *calls.Session `json:"session"`
	}
	if err := c.call(ctx, http.MethodGet, "/v1/call?conversationId="+url.QueryEscape(conversationID), nil, &out); err != nil {
		return nil, err
	}
	return out.Session, nil
}

func (c *HTTPController) ICEServers(ctx context.Context) ([]webrtc.ICEServer, error) {
	var out struct {
		ICEServers []webrtc.ICEServer `json:"iceServers"`
	}
	if err := c.call(ctx, http.MethodGet, "/v1/call/ice-servers", nil, &out); err != nil {
		return nil, err
	}
	return out.ICEServers, nil
}

func (c *HTTPController) call(ctx context.Context, method, path string, body, out any) error {
	var rdr *bytes.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return err
		}
		rdr = bytes.NewReader(raw)
	} else {
		rdr = bytes.NewReader(nil)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, rdr)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.token)

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		var e struct {
			Error string `json:"error"`
		}
		_ = json.NewDecoder(resp.Body).Decode(&e)
		return &APIError{Status: resp.StatusCode, Message: e.Error}
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}
