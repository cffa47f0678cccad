package client

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/pkg/errors"

	"github.com/zeusync/workbench/internal/core/models"
	"github.com/zeusync/workbench/internal/core/observability/log"
)

// maxErrorBody bounds how much of an unexpected response is kept.
const maxErrorBody = 1024

// APIClient is the lock service client. Calls are never retried; a denied
// lock is a normal result, not an error.
type APIClient struct {
	base   *url.URL
	token  string
	http   *http.Client
	logger log.Log
}

// NewAPIClient creates a REST client. httpClient may be nil.
func NewAPIClient(config Config, httpClient *http.Client, logger log.Log) (*APIClient, error) {
	base, err := config.baseURL()
	if err != nil {
		return nil, err
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: config.RequestTimeout}
	}
	if logger == nil {
		logger = log.NewNop()
	}
	return &APIClient{
		base:   base,
		token:  config.Token,
		http:   httpClient,
		logger: logger.With(log.String("component", "api_client")),
	}, nil
}

func (c *APIClient) endpoint(ref models.EntityRef, action string) string {
	return c.base.JoinPath("api", ref.Model, ref.PK, action).String()
}

func (c *APIClient) do(ctx context.Context, method string, ref models.EntityRef, action string) (*http.Response, error) {
	if ref.IsZero() {
		return nil, models.ErrInvalidRef
	}
	req, err := http.NewRequestWithContext(ctx, method, c.endpoint(ref, action), nil)
	if err != nil {
		return nil, errors.Wrapf(err, "%s %s", method, action)
	}
	req.Header.Set("Accept", "application/json")
	if c.token != "" {
		req.Header.Set("Authorization", "Token "+c.token)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, errors.Wrapf(err, "%s %s", method, action)
	}
	return resp, nil
}

func unexpected(op string, resp *http.Response) error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	return &UnexpectedStatusError{Op: op, StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(body))}
}

func decodeLock(op string, ref models.EntityRef, resp *http.Response) (models.LockState, error) {
	var state models.LockState
	if err := json.NewDecoder(resp.Body).Decode(&state); err != nil {
		return models.LockState{}, errors.Wrapf(err, "%s: decode lock state", op)
	}
	if state.ModelName == "" {
		state.ModelName = ref.Model
	}
	if state.ModelPK == "" {
		state.ModelPK = ref.PK
	}
	if err := state.Validate(); err != nil {
		return models.LockState{}, errors.Wrap(err, op)
	}
	return state, nil
}

// Lock requests the edit lock on ref for the token's user. When another user
// holds it the returned state names that user and err is nil.
func (c *APIClient) Lock(ctx context.Context, ref models.EntityRef) (models.LockState, error) {
	resp, err := c.do(ctx, http.MethodPut, ref, "lock")
	if err != nil {
		return models.LockState{}, err
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK, http.StatusLocked:
		return decodeLock("lock", ref, resp)
	default:
		return models.LockState{}, unexpected("lock", resp)
	}
}

// Unlock releases the token user's lock on ref.
func (c *APIClient) Unlock(ctx context.Context, ref models.EntityRef) error {
	resp, err := c.do(ctx, http.MethodPut, ref, "unlock")
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK, http.StatusNoContent:
		return nil
	default:
		return unexpected("unlock", resp)
	}
}

// LockStatus returns the current lock state without requesting the lock.
func (c *APIClient) LockStatus(ctx context.Context, ref models.EntityRef) (models.LockState, error) {
	resp, err := c.do(ctx, http.MethodGet, ref, "lock")
	if err != nil {
		return models.LockState{}, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return models.LockState{}, unexpected("lock status", resp)
	}
	return decodeLock("lock status", ref, resp)
}

// MarkChanged records a save of ref. It fails with a 423 status error when
// another user holds the lock.
func (c *APIClient) MarkChanged(ctx context.Context, ref models.EntityRef) error {
	resp, err := c.do(ctx, http.MethodPost, ref, "changed")
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK, http.StatusNoContent:
		return nil
	default:
		return unexpected("mark changed", resp)
	}
}

type relationsBody struct {
	Count int `json:"count"`
}

func decodeCount(op string, resp *http.Response) (int, error) {
	var body relationsBody
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return 0, errors.Wrapf(err, "%s: decode count", op)
	}
	return body.Count, nil
}

// CountRelations returns the number of items related to ref.
func (c *APIClient) CountRelations(ctx context.Context, ref models.EntityRef) (int, error) {
	resp, err := c.do(ctx, http.MethodGet, ref, "relations")
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return 0, unexpected("count relations", resp)
	}
	return decodeCount("count relations", resp)
}

// AddRelation attaches one related item to ref and returns the new count.
func (c *APIClient) AddRelation(ctx context.Context, ref models.EntityRef) (int, error) {
	resp, err := c.do(ctx, http.MethodPost, ref, "relations")
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK, http.StatusCreated:
		return decodeCount("add relation", resp)
	default:
		return 0, unexpected("add relation", resp)
	}
}
