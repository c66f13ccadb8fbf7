package testutil

import (
	"crypto/sha1" //nolint:gosec // git blob ids, not security
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path"
	"sort"
	"strings"
	"sync"

	"github.com/go-chi/chi/v5"
)

// FakeGitHub is an in-memory stand-in for the GitHub OAuth token endpoint,
// the /user endpoint and the repository contents API.
//
// Content reads honour If-None-Match and writes enforce the blob sha
// precondition the way GitHub does: a stale sha is a 409 and a missing sha on
// an existing file is a 422.
type FakeGitHub struct {
	Server *httptest.Server

	mu sync.Mutex

	users map[string]string // token -> login
	codes map[string]string // authorization code -> token
	repos map[string]*fakeRepo

	calls map[string]int

	// failures holds queued status codes per route, consumed in order
	failures map[string][]int

	// BeforePut runs before each contents write is applied, outside the lock.
	// Tests use it to simulate a concurrent writer.
	BeforePut func(owner, repo, filePath string)
}

type fakeRepo struct {
	files map[string]fakeFile
}

type fakeFile struct {
	content []byte
	sha     string
}

// Route names accepted by Calls and FailNext
const (
	RouteToken       = "token"
	RouteUser        = "user"
	RouteGetRepo     = "get_repo"
	RouteCreateRepo  = "create_repo"
	RouteGetContents = "get_contents"
	RoutePutContents = "put_contents"

	// CounterNotModified counts 304 responses to content reads
	CounterNotModified = "not_modified"
)

// NewFakeGitHub starts a fake GitHub server. Close it with Close.
func NewFakeGitHub() *FakeGitHub {
	f := &FakeGitHub{
		users:    make(map[string]string),
		codes:    make(map[string]string),
		repos:    make(map[string]*fakeRepo),
		calls:    make(map[string]int),
		failures: make(map[string][]int),
	}

	r := chi.NewRouter()
	r.Post("/login/oauth/access_token", f.serveToken)
	r.Get("/user", f.serveUser)
	r.Post("/user/repos", f.serveCreateRepo)
	r.Get("/repos/{owner}/{repo}", f.serveGetRepo)
	r.Get("/repos/{owner}/{repo}/contents/*", f.serveGetContents)
	r.Put("/repos/{owner}/{repo}/contents/*", f.servePutContents)

	f.Server = httptest.NewServer(r)
	return f
}

// URL returns the server's base URL
func (f *FakeGitHub) URL() string {
	return f.Server.URL
}

// Close shuts down the server
func (f *FakeGitHub) Close() {
	f.Server.Close()
}

// AddUser registers token as a valid credential for login
func (f *FakeGitHub) AddUser(token, login string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.users[token] = login
}

// RevokeToken makes token invalid, as if the user revoked the app
func (f *FakeGitHub) RevokeToken(token string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.users, token)
}

// AddCode registers a single-use authorization code that exchanges to token
func (f *FakeGitHub) AddCode(code, token string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.codes[code] = token
}

// CreateRepo creates an empty repository
func (f *FakeGitHub) CreateRepo(owner, name string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.repoLocked(owner, name, true)
}

// PutFile writes a file directly, bypassing preconditions
func (f *FakeGitHub) PutFile(owner, repo, filePath string, content []byte) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.repoLocked(owner, repo, true).files[filePath] = fakeFile{content: content, sha: blobSHA(content)}
}

// File returns a file's content, or false if it does not exist
func (f *FakeGitHub) File(owner, repo, filePath string) ([]byte, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	r := f.repoLocked(owner, repo, false)
	if r == nil {
		return nil, false
	}
	file, ok := r.files[filePath]
	return file.content, ok
}

// HasRepo reports whether the repository exists
func (f *FakeGitHub) HasRepo(owner, name string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.repoLocked(owner, name, false) != nil
}

// FailNext makes the next request to route answer with status
func (f *FakeGitHub) FailNext(route string, status int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failures[route] = append(f.failures[route], status)
}

// Calls returns how many requests reached route
func (f *FakeGitHub) Calls(route string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[route]
}

// ResetCalls zeroes all request counters
func (f *FakeGitHub) ResetCalls() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = make(map[string]int)
}

// begin counts the request and returns a queued failure status, if any.
func (f *FakeGitHub) begin(route string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls[route]++
	if queued := f.failures[route]; len(queued) > 0 {
		f.failures[route] = queued[1:]
		return queued[0]
	}
	return 0
}

// authenticate returns the login for the request's token, or "" after writing a 401.
func (f *FakeGitHub) authenticate(w http.ResponseWriter, r *http.Request) string {
	token := ""
	if parts := strings.SplitN(r.Header.Get("Authorization"), " ", 2); len(parts) == 2 {
		token = parts[1]
	}

	f.mu.Lock()
	login, ok := f.users[token]
	f.mu.Unlock()

	if !ok {
		writeJSON(w, http.StatusUnauthorized, map[string]string{"message": "Bad credentials"})
		return ""
	}
	return login
}

func (f *FakeGitHub) serveToken(w http.ResponseWriter, r *http.Request) {
	if status := f.begin(RouteToken); status != 0 {
		writeJSON(w, status, map[string]string{"message": "injected failure"})
		return
	}
	if err := r.ParseForm(); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid_request"})
		return
	}

	code := r.PostForm.Get("code")
	f.mu.Lock()
	token, ok := f.codes[code]
	delete(f.codes, code)
	f.mu.Unlock()

	if !ok {
		// GitHub reports bad codes with a 200 status
		writeJSON(w, http.StatusOK, map[string]string{
			"error":             "bad_verification_code",
			"error_description": "The code passed is incorrect or expired.",
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"access_token": token,
		"token_type":   "bearer",
		"scope":        "repo,read:user",
	})
}

func (f *FakeGitHub) serveUser(w http.ResponseWriter, r *http.Request) {
	if status := f.begin(RouteUser); status != 0 {
		writeJSON(w, status, map[string]string{"message": "injected failure"})
		return
	}
	login := f.authenticate(w, r)
	if login == "" {
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"id":         len(login) * 1000,
		"login":      login,
		"name":       strings.ToUpper(login[:1]) + login[1:],
		"avatar_url": "https://avatars.example.com/" + login,
	})
}

func (f *FakeGitHub) serveGetRepo(w http.ResponseWriter, r *http.Request) {
	if status := f.begin(RouteGetRepo); status != 0 {
		writeJSON(w, status, map[string]string{"message": "injected failure"})
		return
	}
	if f.authenticate(w, r) == "" {
		return
	}
	owner, name := chi.URLParam(r, "owner"), chi.URLParam(r, "repo")
	if !f.HasRepo(owner, name) {
		writeJSON(w, http.StatusNotFound, map[string]string{"message": "Not Found"})
		return
	}
	writeJSON(w, http.StatusOK, repoJSON(owner, name))
}

func (f *FakeGitHub) serveCreateRepo(w http.ResponseWriter, r *http.Request) {
	if status := f.begin(RouteCreateRepo); status != 0 {
		writeJSON(w, status, map[string]string{"message": "injected failure"})
		return
	}
	login := f.authenticate(w, r)
	if login == "" {
		return
	}

	var req struct {
		Name     string `json:"name"`
		Private  bool   `json:"private"`
		AutoInit bool   `json:"auto_init"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Name == "" {
		writeJSON(w, http.StatusUnprocessableEntity, map[string]string{"message": "Validation Failed"})
		return
	}

	f.mu.Lock()
	exists := f.repoLocked(login, req.Name, false) != nil
	if !exists {
		f.repoLocked(login, req.Name, true)
	}
	f.mu.Unlock()

	if exists {
		writeJSON(w, http.StatusUnprocessableEntity, map[string]any{
			"message": "Repository creation failed.",
			"errors":  []map[string]string{{"resource": "Repository", "field": "name", "message": "name already exists on this account"}},
		})
		return
	}
	writeJSON(w, http.StatusCreated, repoJSON(login, req.Name))
}

func (f *FakeGitHub) serveGetContents(w http.ResponseWriter, r *http.Request) {
	if status := f.begin(RouteGetContents); status != 0 {
		writeJSON(w, status, map[string]string{"message": "injected failure"})
		return
	}
	if f.authenticate(w, r) == "" {
		return
	}
	owner, name := chi.URLParam(r, "owner"), chi.URLParam(r, "repo")
	filePath := strings.Trim(chi.URLParam(r, "*"), "/")

	f.mu.Lock()
	body, etag, found := f.contentsLocked(owner, name, filePath)
	f.mu.Unlock()

	if !found {
		writeJSON(w, http.StatusNotFound, map[string]string{"message": "Not Found"})
		return
	}

	w.Header().Set("ETag", etag)
	if r.Header.Get("If-None-Match") == etag {
		f.mu.Lock()
		f.calls[CounterNotModified]++
		f.mu.Unlock()
		w.WriteHeader(http.StatusNotModified)
		return
	}
	writeJSON(w, http.StatusOK, body)
}

// contentsLocked renders a file or directory listing and its ETag.
func (f *FakeGitHub) contentsLocked(owner, name, filePath string) (any, string, bool) {
	repo := f.repoLocked(owner, name, false)
	if repo == nil {
		return nil, "", false
	}

	if file, ok := repo.files[filePath]; ok {
		return map[string]any{
			"type":     "file",
			"name":     path.Base(filePath),
			"path":     filePath,
			"sha":      file.sha,
			"encoding": "base64",
			"content":  base64.StdEncoding.EncodeToString(file.content),
		}, `"` + file.sha + `"`, true
	}

	var entries []map[string]any
	var shas []string
	prefix := filePath + "/"
	for p, file := range repo.files {
		if !strings.HasPrefix(p, prefix) || strings.Contains(p[len(prefix):], "/") {
			continue
		}
		entries = append(entries, map[string]any{
			"type": "file",
			"name": path.Base(p),
			"path": p,
			"sha":  file.sha,
		})
		shas = append(shas, p+":"+file.sha)
	}
	if len(entries) == 0 {
		return nil, "", false
	}

	sort.Slice(entries, func(i, j int) bool { return entries[i]["path"].(string) < entries[j]["path"].(string) })
	sort.Strings(shas)
	return entries, `"` + blobSHA([]byte(strings.Join(shas, ","))) + `"`, true
}

func (f *FakeGitHub) servePutContents(w http.ResponseWriter, r *http.Request) {
	if status := f.begin(RoutePutContents); status != 0 {
		writeJSON(w, status, map[string]string{"message": "injected failure"})
		return
	}
	if f.authenticate(w, r) == "" {
		return
	}
	owner, name := chi.URLParam(r, "owner"), chi.URLParam(r, "repo")
	filePath := strings.Trim(chi.URLParam(r, "*"), "/")

	var req struct {
		Message string `json:"message"`
		Content string `json:"content"`
		SHA     string `json:"sha"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"message": "Problems parsing JSON"})
		return
	}
	content, err := base64.StdEncoding.DecodeString(req.Content)
	if err != nil {
		writeJSON(w, http.StatusUnprocessableEntity, map[string]string{"message": "content is not valid Base64"})
		return
	}

	if f.BeforePut != nil {
		f.BeforePut(owner, name, filePath)
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	repo := f.repoLocked(owner, name, false)
	if repo == nil {
		writeJSON(w, http.StatusNotFound, map[string]string{"message": "Not Found"})
		return
	}

	current, exists := repo.files[filePath]
	switch {
	case exists && req.SHA == "":
		writeJSON(w, http.StatusUnprocessableEntity, map[string]string{"message": "Invalid request.\n\n\"sha\" wasn't supplied."})
		return
	case exists && req.SHA != current.sha:
		writeJSON(w, http.StatusConflict, map[string]string{"message": fmt.Sprintf("%s does not match %s", filePath, req.SHA)})
		return
	case !exists && req.SHA != "":
		writeJSON(w, http.StatusConflict, map[string]string{"message": fmt.Sprintf("%s does not match %s", filePath, req.SHA)})
		return
	}

	file := fakeFile{content: content, sha: blobSHA(content)}
	repo.files[filePath] = file

	status := http.StatusOK
	if !exists {
		status = http.StatusCreated
	}
	writeJSON(w, status, map[string]any{
		"content": map[string]any{"name": path.Base(filePath), "path": filePath, "sha": file.sha},
		"commit":  map[string]any{"message": req.Message},
	})
}

func (f *FakeGitHub) repoLocked(owner, name string, create bool) *fakeRepo {
	key := owner + "/" + name
	repo, ok := f.repos[key]
	if !ok && create {
		repo = &fakeRepo{files: make(map[string]fakeFile)}
		f.repos[key] = repo
	}
	return repo
}

func repoJSON(owner, name string) map[string]any {
	return map[string]any{
		"name":           name,
		"full_name":      owner + "/" + name,
		"private":        true,
		"default_branch": "main",
		"owner":          map[string]string{"login": owner},
	}
}

// blobSHA computes the git blob id of content
func blobSHA(content []byte) string {
	h := sha1.New() //nolint:gosec // git object ids
	_, _ = fmt.Fprintf(h, "blob %d\x00", len(content))
	_, _ = h.Write(content)
	return fmt.Sprintf("%x", h.Sum(nil))
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
