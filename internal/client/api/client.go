package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/iudanet/ctxsync/internal/models"
	"github.com/iudanet/ctxsync/pkg/api"
)

// ClientAPI is the server surface used by the client commands.
type ClientAPI interface {
	CreateEntity(ctx context.Context, req api.EntityRequest) (*api.WriteResponse, error)
	UpdateEntity(ctx context.Context, req api.EntityRequest) (*api.WriteResponse, error)
	DeleteEntity(ctx context.Context, req api.EntityRequest) (*api.WriteResponse, error)
	GetEntity(ctx context.Context, entityType, entityID string) (*models.ContextEntity, error)
	ListEntities(ctx context.Context, projectID, entityType string) ([]models.ContextEntity, error)
	BulkUpsert(ctx context.Context, req api.BulkRequest) (*api.BulkResponse, error)
	QueuedChanges(ctx context.Context, clientID uuid.UUID) ([]models.ContextChange, error)
	Ack(ctx context.Context, clientID, changeID uuid.UUID) error
	SyncStatus(ctx context.Context, projectID string) (*models.SyncStatus, error)
	ListConflicts(ctx context.Context, projectID, state string) ([]models.ConflictInfo, error)
	ResolveConflict(ctx context.Context, conflictID string, req api.ResolveRequest) (*models.ConflictResolutionResult, error)
	Stream(ctx context.Context, clientID uuid.UUID, filters []models.SyncFilters) (*Stream, error)
}

var _ ClientAPI = (*Client)(nil)

// ErrConflict matches an *Error carrying status 409
var ErrConflict = errors.New("conflict")

// Error is a non-2xx answer of the server
type Error struct {
	Conflict   *models.ConflictInfo
	Message    string
	StatusCode int
}

func (e *Error) Error() string {
	return fmt.Sprintf("server error (%d): %s", e.StatusCode, e.Message)
}

// Is makes errors.Is(err, ErrConflict) hold for 409 answers.
func (e *Error) Is(target error) bool {
	return target == ErrConflict && e.StatusCode == http.StatusConflict
}

// Client представляет HTTP клиент для взаимодействия с сервером
type Client struct {
	httpClient *http.Client
	baseURL    string
	token      string
}

// NewClient создает новый API клиент. Пустой token отключает авторизацию.
func NewClient(baseURL, token string) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		token:   token,
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
			CheckRedirect: func(req *http.Request, via []*http.Request) error {
				// Ограничиваем количество редиректов
				if len(via) >= 10 {
					return fmt.Errorf("stopped after 10 redirects")
				}
				// Копируем заголовки Authorization при редиректе
				if len(via) > 0 && via[0].Header.Get("Authorization") != "" {
					req.Header.Set("Authorization", via[0].Header.Get("Authorization"))
				}
				return nil
			},
		},
	}
}

// CreateEntity создает новую сущность
func (c *Client) CreateEntity(ctx context.Context, req api.EntityRequest) (*api.WriteResponse, error) {
	var resp api.WriteResponse
	if err := c.doRequest(ctx, http.MethodPost, "/api/v1/entities", req, &resp); err != nil {
		return nil, fmt.Errorf("create entity request failed: %w", err)
	}
	return &resp, nil
}

// UpdateEntity обновляет сущность, req.BaseVersion - последняя известная клиенту версия
func (c *Client) UpdateEntity(ctx context.Context, req api.EntityRequest) (*api.WriteResponse, error) {
	var resp api.WriteResponse
	if err := c.doRequest(ctx, http.MethodPut, entityPath(req.EntityType, req.EntityID), req, &resp); err != nil {
		return nil, fmt.Errorf("update entity request failed: %w", err)
	}
	return &resp, nil
}

// DeleteEntity удаляет сущность
func (c *Client) DeleteEntity(ctx context.Context, req api.EntityRequest) (*api.WriteResponse, error) {
	var resp api.WriteResponse
	if err := c.doRequest(ctx, http.MethodDelete, entityPath(req.EntityType, req.EntityID), req, &resp); err != nil {
		return nil, fmt.Errorf("delete entity request failed: %w", err)
	}
	return &resp, nil
}

// GetEntity получает сущность по типу и ID
func (c *Client) GetEntity(ctx context.Context, entityType, entityID string) (*models.ContextEntity, error) {
	var entity models.ContextEntity
	if err := c.doRequest(ctx, http.MethodGet, entityPath(entityType, entityID), nil, &entity); err != nil {
		return nil, fmt.Errorf("get entity request failed: %w", err)
	}
	return &entity, nil
}

// ListEntities возвращает сущности проекта
func (c *Client) ListEntities(ctx context.Context, projectID, entityType string) ([]models.ContextEntity, error) {
	q := url.Values{"project_id": {projectID}}
	if entityType != "" {
		q.Set("entity_type", entityType)
	}

	var entities []models.ContextEntity
	if err := c.doRequest(ctx, http.MethodGet, "/api/v1/entities?"+q.Encode(), nil, &entities); err != nil {
		return nil, fmt.Errorf("list entities request failed: %w", err)
	}
	return entities, nil
}

// BulkUpsert создает или перезаписывает набор сущностей одного типа
func (c *Client) BulkUpsert(ctx context.Context, req api.BulkRequest) (*api.BulkResponse, error) {
	var resp api.BulkResponse
	if err := c.doRequest(ctx, http.MethodPost, "/api/v1/entities/bulk", req, &resp); err != nil {
		return nil, fmt.Errorf("bulk upsert request failed: %w", err)
	}
	return &resp, nil
}

// QueuedChanges возвращает изменения, ожидающие подтверждения клиентом
func (c *Client) QueuedChanges(ctx context.Context, clientID uuid.UUID) ([]models.ContextChange, error) {
	var resp api.QueueResponse
	path := "/api/v1/sync/queue?client_id=" + url.QueryEscape(clientID.String())
	if err := c.doRequest(ctx, http.MethodGet, path, nil, &resp); err != nil {
		return nil, fmt.Errorf("queue request failed: %w", err)
	}
	return resp.Changes, nil
}

// Ack подтверждает доставку изменения
func (c *Client) Ack(ctx context.Context, clientID, changeID uuid.UUID) error {
	req := api.AckRequest{ClientID: clientID, ChangeID: changeID}
	if err := c.doRequest(ctx, http.MethodPost, "/api/v1/sync/ack", req, nil); err != nil {
		return fmt.Errorf("ack request failed: %w", err)
	}
	return nil
}

// SyncStatus возвращает состояние синхронизации проекта
func (c *Client) SyncStatus(ctx context.Context, projectID string) (*models.SyncStatus, error) {
	var status models.SyncStatus
	path := "/api/v1/sync/status?project_id=" + url.QueryEscape(projectID)
	if err := c.doRequest(ctx, http.MethodGet, path, nil, &status); err != nil {
		return nil, fmt.Errorf("status request failed: %w", err)
	}
	return &status, nil
}

// ListConflicts возвращает конфликты в состоянии state (active, resolved или audit)
func (c *Client) ListConflicts(ctx context.Context, projectID, state string) ([]models.ConflictInfo, error) {
	q := url.Values{}
	if projectID != "" {
		q.Set("project_id", projectID)
	}
	if state != "" {
		q.Set("state", state)
	}

	var conflicts []models.ConflictInfo
	if err := c.doRequest(ctx, http.MethodGet, "/api/v1/conflicts?"+q.Encode(), nil, &conflicts); err != nil {
		return nil, fmt.Errorf("list conflicts request failed: %w", err)
	}
	return conflicts, nil
}

// ResolveConflict разрешает конфликт автоматической стратегией
func (c *Client) ResolveConflict(ctx context.Context, conflictID string, req api.ResolveRequest) (*models.ConflictResolutionResult, error) {
	var result models.ConflictResolutionResult
	path := "/api/v1/conflicts/" + url.PathEscape(conflictID) + "/resolve"
	if err := c.doRequest(ctx, http.MethodPost, path, req, &result); err != nil {
		return nil, fmt.Errorf("resolve conflict request failed: %w", err)
	}
	return &result, nil
}

func entityPath(entityType, entityID string) string {
	return "/api/v1/entities/" + url.PathEscape(entityType) + "/" + url.PathEscape(entityID)
}

func (c *Client) authHeader() http.Header {
	h := http.Header{}
	if c.token != "" {
		h.Set("Authorization", "Bearer "+c.token)
	}
	return h
}

// doRequest выполняет HTTP запрос
func (c *Client) doRequest(ctx context.Context, method, path string, body, result interface{}) error {
	var bodyReader io.Reader
	if body != nil {
		jsonData, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to marshal request body: %w", err)
		}
		bodyReader = bytes.NewReader(jsonData)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, bodyReader)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}

	req.Header = c.authHeader()
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read response body: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		apiErr := &Error{StatusCode: resp.StatusCode, Message: string(respBody)}
		var errResp api.ErrorResponse
		if err := json.Unmarshal(respBody, &errResp); err == nil && errResp.Error != "" {
			apiErr.Message = errResp.Error
			if errResp.Message != "" {
				apiErr.Message += ": " + errResp.Message
			}
			apiErr.Conflict = errResp.Conflict
		}
		return apiErr
	}

	if result != nil && resp.StatusCode != http.StatusNoContent {
		if err := json.Unmarshal(respBody, result); err != nil {
			return fmt.Errorf("failed to decode response: %w", err)
		}
	}

	return nil
}
