package gateway

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

	"github.com/vigia-electoral/vigia/internal/schools"
	"github.com/vigia-electoral/vigia/internal/session"
	"go.uber.org/zap"
)

const defaultTimeout = 30 * time.Second

var (
	// ErrUnauthorized is returned after an unauthorized response. The session
	// has already been torn down by the time the caller sees it.
	ErrUnauthorized = errors.New("gateway: unauthorized")

	errMissingBaseURL = errors.New("gateway: base url is required")
	errMissingSession = errors.New("gateway: session store is required")
)

// APIError carries the backend's error message for a rejected request.
type APIError struct {
	Status  int
	Message string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("gateway: %s (status %d)", e.Message, e.Status)
}

// Config describes the dependencies of the API client.
type Config struct {
	BaseURL    string
	Session    *session.Store
	HTTPClient *http.Client
	Logger     *zap.Logger
}

// Client wraps the backend REST contract. Every request attaches the current
// credential as a bearer header; every unauthorized response forces a logout.
type Client struct {
	baseURL string
	session *session.Store
	http    *http.Client
	logger  *zap.Logger
}

// NewClient constructs the API client.
func NewClient(cfg Config) (*Client, error) {
	baseURL := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if baseURL == "" {
		return nil, errMissingBaseURL
	}
	if cfg.Session == nil {
		return nil, errMissingSession
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: defaultTimeout}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Client{
		baseURL: baseURL,
		session: cfg.Session,
		http:    httpClient,
		logger:  logger,
	}, nil
}

// LoginResult is the payload returned by a successful credential exchange.
type LoginResult struct {
	Token string           `json:"token"`
	User  session.Identity `json:"user"`
}

// Login exchanges operator credentials for a token. The caller decides when
// to commit the result to the session store.
func (c *Client) Login(ctx context.Context, username, password string) (LoginResult, error) {
	payload := map[string]string{"username": username, "password": password}
	var result LoginResult
	if err := c.do(ctx, http.MethodPost, "/auth/login", payload, &result); err != nil {
		return LoginResult{}, err
	}
	return result, nil
}

// Schools fetches the caller's own-station school collection.
func (c *Client) Schools(ctx context.Context) ([]schools.School, error) {
	var list []schools.School
	if err := c.do(ctx, http.MethodGet, "/schools", nil, &list); err != nil {
		return nil, err
	}
	return list, nil
}

// AdminSchools fetches the full school collection across all stations.
func (c *Client) AdminSchools(ctx context.Context) ([]schools.School, error) {
	var list []schools.School
	if err := c.do(ctx, http.MethodGet, "/admin/schools", nil, &list); err != nil {
		return nil, err
	}
	return list, nil
}

// UpdateSchool submits a partial update for one school.
func (c *Client) UpdateSchool(ctx context.Context, schoolID string, patch schools.Patch) (schools.School, error) {
	var updated schools.School
	path := "/schools/" + url.PathEscape(schoolID)
	if err := c.do(ctx, http.MethodPatch, path, patch, &updated); err != nil {
		return schools.School{}, err
	}
	return updated, nil
}

// AddNovelty records a log entry against one school.
func (c *Client) AddNovelty(ctx context.Context, schoolID string, noveltyType schools.NoveltyType, text string) (schools.Novelty, error) {
	payload := map[string]string{"type": string(noveltyType), "text": text}
	var created schools.Novelty
	path := "/schools/" + url.PathEscape(schoolID) + "/novelties"
	if err := c.do(ctx, http.MethodPost, path, payload, &created); err != nil {
		return schools.Novelty{}, err
	}
	return created, nil
}

// ResetSchool returns a school to its initial state.
func (c *Client) ResetSchool(ctx context.Context, schoolID string, keepEffectives, keepMesasAssigned bool) error {
	payload := map[string]bool{
		"keepEffectives":    keepEffectives,
		"keepMesasAssigned": keepMesasAssigned,
	}
	path := "/schools/" + url.PathEscape(schoolID) + "/reset"
	return c.do(ctx, http.MethodPost, path, payload, nil)
}

func (c *Client) do(ctx context.Context, method, path string, payload, out any) error {
	var body io.Reader
	if payload != nil {
		encoded, err := json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("gateway: encode request: %w", err)
		}
		body = bytes.NewReader(encoded)
	}

	request, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return err
	}
	if body != nil {
		request.Header.Set("Content-Type", "application/json")
	}
	if token := c.session.Token(); token != "" {
		request.Header.Set("Authorization", "Bearer "+token)
	}

	response, err := c.http.Do(request)
	if err != nil {
		return err
	}
	defer response.Body.Close() //nolint:errcheck

	if response.StatusCode == http.StatusUnauthorized {
		// Authorization loss tears the session down unconditionally.
		if logoutErr := c.session.Logout(); logoutErr != nil {
			c.logger.Warn("forced logout failed", zap.Error(logoutErr))
		}
		return fmt.Errorf("%w: %s %s", ErrUnauthorized, method, path)
	}

	if response.StatusCode >= http.StatusBadRequest {
		return c.decodeError(response)
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(response.Body).Decode(out); err != nil {
		return fmt.Errorf("gateway: decode response: %w", err)
	}
	return nil
}

func (c *Client) decodeError(response *http.Response) error {
	message := "request failed"
	var payload struct {
		Error string `json:"error"`
	}
	if err := json.NewDecoder(response.Body).Decode(&payload); err == nil && payload.Error != "" {
		message = payload.Error
	}
	return &APIError{Status: response.StatusCode, Message: message}
}
