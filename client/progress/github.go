package progress

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/giantswarm/coursesync/instrumentation"
	ghprovider "github.com/giantswarm/coursesync/providers/github"
)

const (
	// maxResponseSize bounds contents API responses
	maxResponseSize = 4 << 20

	apiVersionHeader = "X-GitHub-Api-Version"
	apiVersion       = "2022-11-28"
)

// contentsClient talks to the parts of the GitHub REST API the store needs.
type contentsClient struct {
	baseURL    string
	httpClient *http.Client
	timeout    time.Duration
	metrics    *instrumentation.Metrics
}

// apiResponse is a successful (2xx or 304) API response
type apiResponse struct {
	status int
	etag   string
	body   []byte
}

// fileContent is the contents API representation of a file
type fileContent struct {
	Type     string `json:"type"`
	Name     string `json:"name"`
	Path     string `json:"path"`
	SHA      string `json:"sha"`
	Content  string `json:"content"`
	Encoding string `json:"encoding"`
}

// Repository identifies the user's progress repository.
type Repository struct {
	Owner         string `json:"owner"`
	Name          string `json:"name"`
	DefaultBranch string `json:"default_branch"`
}

func (c *contentsClient) do(ctx context.Context, op, method, path, token, etag string, body any) (*apiResponse, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("failed to encode request: %w", err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Accept", ghprovider.AcceptHeader)
	req.Header.Set(apiVersionHeader, apiVersion)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if etag != "" {
		req.Header.Set("If-None-Match", etag)
	}

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		c.record(ctx, op, 0, start, err)
		return nil, transportError(op, err)
	}
	defer func() { _ = resp.Body.Close() }()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseSize))
	if err != nil {
		c.record(ctx, op, resp.StatusCode, start, err)
		return nil, transportError(op, err)
	}

	if resp.StatusCode == http.StatusNotModified || (resp.StatusCode >= 200 && resp.StatusCode < 300) {
		c.record(ctx, op, resp.StatusCode, start, nil)
		return &apiResponse{status: resp.StatusCode, etag: resp.Header.Get("ETag"), body: data}, nil
	}

	var apiErr struct {
		Message string `json:"message"`
	}
	_ = json.Unmarshal(data, &apiErr)
	classified := classifyResponse(op, resp.StatusCode, resp.Header, apiErr.Message)
	c.record(ctx, op, resp.StatusCode, start, classified)
	return nil, classified
}

func (c *contentsClient) record(ctx context.Context, op string, status int, start time.Time, err error) {
	if c.metrics == nil {
		return
	}
	duration := float64(time.Since(start).Microseconds()) / 1000
	c.metrics.RecordProviderAPICall(ctx, "github_contents", op, status, duration, err)
}

// getRepository returns the repository or an ErrNotFound error.
func (c *contentsClient) getRepository(ctx context.Context, token, owner, name string) (*Repository, error) {
	resp, err := c.do(ctx, "get_repository", http.MethodGet, repoPath(owner, name), token, "", nil)
	if err != nil {
		return nil, err
	}
	return decodeRepository(resp.body, owner)
}

// createRepository creates a private repository for the authenticated user.
// An "already exists" rejection is reported as created=false.
func (c *contentsClient) createRepository(ctx context.Context, token, owner, name string) (*Repository, bool, error) {
	body := map[string]any{
		"name":        name,
		"description": "Course progress synchronised by coursesync",
		"private":     true,
		"auto_init":   true,
	}
	resp, err := c.do(ctx, "create_repository", http.MethodPost, "/user/repos", token, "", body)
	if err != nil {
		var perr *Error
		if errors.As(err, &perr) && perr.Status == http.StatusUnprocessableEntity {
			return &Repository{Owner: owner, Name: name}, false, nil
		}
		return nil, false, err
	}
	repo, err := decodeRepository(resp.body, owner)
	return repo, true, err
}

// getFile performs a conditional GET of a file. A 304 yields notModified with no content.
func (c *contentsClient) getFile(ctx context.Context, token, owner, repo, path, etag string) (content *fileContent, newETag string, notModified bool, err error) {
	resp, err := c.do(ctx, "get_contents", http.MethodGet, contentsPath(owner, repo, path), token, etag, nil)
	if err != nil {
		return nil, "", false, err
	}
	if resp.status == http.StatusNotModified {
		return nil, etag, true, nil
	}

	var fc fileContent
	if err := json.Unmarshal(resp.body, &fc); err != nil || fc.Type != "file" {
		return nil, "", false, &Error{Op: "get_contents", Status: resp.status, Err: fmt.Errorf("%w: %s is not a file", ErrInvalid, path)}
	}
	return &fc, resp.etag, false, nil
}

// listDir performs a conditional GET of a directory listing.
func (c *contentsClient) listDir(ctx context.Context, token, owner, repo, path, etag string) (entries []fileContent, newETag string, notModified bool, err error) {
	resp, err := c.do(ctx, "list_contents", http.MethodGet, contentsPath(owner, repo, path), token, etag, nil)
	if err != nil {
		return nil, "", false, err
	}
	if resp.status == http.StatusNotModified {
		return nil, etag, true, nil
	}

	if err := json.Unmarshal(resp.body, &entries); err != nil {
		return nil, "", false, &Error{Op: "list_contents", Status: resp.status, Err: fmt.Errorf("%w: %s is not a directory", ErrInvalid, path)}
	}
	return entries, resp.etag, false, nil
}

// putFile creates or replaces a file. sha must be the blob sha of the current
// file, or empty when creating it. It returns the new blob sha.
func (c *contentsClient) putFile(ctx context.Context, token, owner, repo, path, message string, content []byte, sha string) (string, error) {
	body := map[string]string{
		"message": message,
		"content": base64.StdEncoding.EncodeToString(content),
	}
	if sha != "" {
		body["sha"] = sha
	}

	resp, err := c.do(ctx, "put_contents", http.MethodPut, contentsPath(owner, repo, path), token, "", body)
	if err != nil {
		return "", err
	}

	var result struct {
		Content struct {
			SHA string `json:"sha"`
		} `json:"content"`
	}
	if err := json.Unmarshal(resp.body, &result); err != nil {
		return "", &Error{Op: "put_contents", Status: resp.status, Err: fmt.Errorf("%w: %w", ErrTransient, err)}
	}
	return result.Content.SHA, nil
}

func decodeFile(fc *fileContent) (*Document, error) {
	if fc.Encoding != "" && fc.Encoding != "base64" {
		return nil, fmt.Errorf("%w: unsupported encoding %q", ErrInvalid, fc.Encoding)
	}
	data, err := base64.StdEncoding.DecodeString(strings.ReplaceAll(fc.Content, "\n", ""))
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalid, err)
	}
	var doc Document
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("%w: malformed document %s: %w", ErrInvalid, fc.Path, err)
	}
	return &doc, nil
}

func decodeRepository(body []byte, owner string) (*Repository, error) {
	var raw struct {
		Name          string `json:"name"`
		DefaultBranch string `json:"default_branch"`
		Owner         struct {
			Login string `json:"login"`
		} `json:"owner"`
	}
	if err := json.Unmarshal(body, &raw); err != nil {
		return nil, fmt.Errorf("failed to decode repository: %w", err)
	}
	repo := &Repository{Owner: raw.Owner.Login, Name: raw.Name, DefaultBranch: raw.DefaultBranch}
	if repo.Owner == "" {
		repo.Owner = owner
	}
	return repo, nil
}

func repoPath(owner, name string) string {
	return "/repos/" + url.PathEscape(owner) + "/" + url.PathEscape(name)
}

func contentsPath(owner, repo, path string) string {
	return repoPath(owner, repo) + "/contents/" + path
}
