package tracker

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"
)

const (
	defaultGitHubURL = "https://api.github.com"
	githubAPIVersion = "2022-11-28"
)

// GitHubConfig configures the GitHub issues bridge
type GitHubConfig struct {
	BaseURL     string
	Token       string
	DefaultRepo string        // "owner/repo" used for "#N" references
	Timeout     time.Duration // per HTTP attempt
	MaxElapsed  time.Duration // total retry budget
	HTTPClient  *http.Client
}

// APIError is a non-2xx GitHub response
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("github: %d %s", e.StatusCode, e.Message)
}

// Retryable reports whether the request may succeed if sent again
func (e *APIError) Retryable() bool {
	return e.StatusCode == http.StatusTooManyRequests || e.StatusCode >= 500
}

// GitHubBridge closes GitHub issues through the REST API
type GitHubBridge struct {
	config     GitHubConfig
	httpClient *http.Client
	logger     *zap.Logger
}

// NewGitHubBridge creates a new GitHub bridge
func NewGitHubBridge(config GitHubConfig, logger *zap.Logger) (*GitHubBridge, error) {
	if config.Token == "" {
		return nil, errors.New("github: token is required")
	}
	if config.BaseURL == "" {
		config.BaseURL = defaultGitHubURL
	}
	config.BaseURL = strings.TrimRight(config.BaseURL, "/")
	if config.Timeout == 0 {
		config.Timeout = 10 * time.Second
	}
	if config.MaxElapsed == 0 {
		config.MaxElapsed = time.Minute
	}

	httpClient := config.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: config.Timeout}
	}

	return &GitHubBridge{
		config:     config,
		httpClient: httpClient,
		logger:     logger,
	}, nil
}

// Name returns the bridge name
func (b *GitHubBridge) Name() string {
	return "github"
}

// NotifyClosed closes the referenced issue as completed. Rate limiting and
// server errors are retried with exponential backoff; other failures are not.
func (b *GitHubBridge) NotifyClosed(ctx context.Context, issueRef string) error {
	ref, err := ParseIssueRef(issueRef, b.config.DefaultRepo)
	if err != nil {
		return err
	}

	path := fmt.Sprintf("/repos/%s/%s/issues/%d", ref.Owner, ref.Repo, ref.Number)
	body := map[string]string{"state": "closed", "state_reason": "completed"}

	bo := backoff.NewExponentialBackOff()
	bo.MaxElapsedTime = b.config.MaxElapsed

	attempt := 0
	return backoff.Retry(func() error {
		attempt++
		err := b.patch(ctx, path, body)
		if err == nil {
			return nil
		}

		var apiErr *APIError
		if errors.As(err, &apiErr) && !apiErr.Retryable() {
			return backoff.Permanent(err)
		}
		b.logger.Warn("github request failed, retrying",
			zap.String("issue_reference", ref.String()),
			zap.Int("attempt", attempt),
			zap.Error(err),
		)
		return err
	}, backoff.WithContext(bo, ctx))
}

func (b *GitHubBridge) patch(ctx context.Context, path string, body any) error {
	encoded, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("github: encoding request body: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPatch, b.config.BaseURL+path, bytes.NewReader(encoded))
	if err != nil {
		return fmt.Errorf("github: creating request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+b.config.Token)
	req.Header.Set("Accept", "application/vnd.github+json")
	req.Header.Set("X-GitHub-Api-Version", githubAPIVersion)
	req.Header.Set("Content-Type", "application/json")

	resp, err := b.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("github: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}

	respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	var parsed struct {
		Message string `json:"message"`
	}
	message := strings.TrimSpace(string(respBody))
	if json.Unmarshal(respBody, &parsed) == nil && parsed.Message != "" {
		message = parsed.Message
	}
	return &APIError{StatusCode: resp.StatusCode, Message: message}
}
