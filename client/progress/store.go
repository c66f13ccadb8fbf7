package progress

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"net/http"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/giantswarm/coursesync/instrumentation"
	ghprovider "github.com/giantswarm/coursesync/providers/github"
)

const (
	// DefaultRepositoryName is the repository created in each user's account
	DefaultRepositoryName = "coursesync-progress"

	// DefaultRequestTimeout bounds each GitHub API call
	DefaultRequestTimeout = 5 * time.Second

	// DefaultCacheTTL bounds how long an ETag is reused for conditional reads
	DefaultCacheTTL = 5 * time.Minute

	// DefaultConflictRetryDelay is the pause before retrying a conflicting write
	DefaultConflictRetryDelay = 100 * time.Millisecond

	documentsDir = "progress"

	// maxWriteAttempts is the first write plus one retry after a conflict
	maxWriteAttempts = 2
)

// Write results recorded in metrics
const (
	writeSuccess  = "success"
	writeNoop     = "noop"
	writeConflict = "conflict"
	writeFailure  = "failure"
)

// User identifies whose repository an operation targets.
type User struct {
	Login       string
	AccessToken string
}

// SnapshotStore persists the last known documents so reads can degrade to
// them when GitHub is unreachable. tokenstore.Store implements it.
type SnapshotStore interface {
	ProgressSnapshot(ctx context.Context) ([]byte, error)
	SaveProgressSnapshot(ctx context.Context, data []byte) error
}

// Config configures a Store
type Config struct {
	// APIBaseURL is the GitHub REST API root (default: https://api.github.com)
	APIBaseURL string

	// HTTPClient is used for API calls (default: http.DefaultClient)
	HTTPClient *http.Client

	// RequestTimeout bounds each API call (default: 5s)
	RequestTimeout time.Duration

	// RepositoryName is the per-user repository (default: coursesync-progress)
	RepositoryName string

	// CacheTTL bounds ETag reuse (default: 5m). Negative disables expiry.
	CacheTTL time.Duration

	// ConflictRetryDelay is the pause before the single conflict retry (default: 100ms)
	ConflictRetryDelay time.Duration

	// Snapshots, when set, persists the document set for offline reads
	Snapshots SnapshotStore

	Clock  clockwork.Clock
	Logger *slog.Logger
}

func (c *Config) applyDefaults() {
	if c.APIBaseURL == "" {
		c.APIBaseURL = ghprovider.DefaultAPIBaseURL
	}
	if c.HTTPClient == nil {
		c.HTTPClient = http.DefaultClient
	}
	if c.RequestTimeout <= 0 {
		c.RequestTimeout = DefaultRequestTimeout
	}
	if c.RepositoryName == "" {
		c.RepositoryName = DefaultRepositoryName
	}
	if c.CacheTTL == 0 {
		c.CacheTTL = DefaultCacheTTL
	}
	if c.ConflictRetryDelay == 0 {
		c.ConflictRetryDelay = DefaultConflictRetryDelay
	}
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
}

// Store reads and writes progress documents in each user's GitHub repository.
//
// Operations for one user run one at a time in submission order. Writes use
// the blob sha as a precondition; on conflict the document is re-read,
// merged and written once more.
type Store struct {
	api        *contentsClient
	repoName   string
	cache      *etagCache
	clock      clockwork.Clock
	logger     *slog.Logger
	snapshots  SnapshotStore
	retryDelay time.Duration

	tracer  trace.Tracer
	metrics *instrumentation.Metrics

	mu    sync.Mutex
	users map[string]*userState
}

type userState struct {
	queue *queue
	docs  map[string]*Document
	repo  *Repository
}

// NewStore creates a Store
func NewStore(cfg Config) *Store {
	cfg.applyDefaults()
	return &Store{
		api: &contentsClient{
			baseURL:    strings.TrimRight(cfg.APIBaseURL, "/"),
			httpClient: cfg.HTTPClient,
			timeout:    cfg.RequestTimeout,
		},
		repoName:   cfg.RepositoryName,
		cache:      newETagCache(cfg.CacheTTL, cfg.Clock),
		clock:      cfg.Clock,
		logger:     cfg.Logger,
		snapshots:  cfg.Snapshots,
		retryDelay: max(cfg.ConflictRetryDelay, 0),
		users:      make(map[string]*userState),
	}
}

// SetInstrumentation enables tracing and metrics
func (s *Store) SetInstrumentation(inst *instrumentation.Instrumentation) {
	if inst == nil {
		return
	}
	s.tracer = inst.Tracer("progress")
	s.metrics = inst.Metrics()
	s.api.metrics = s.metrics
}

// FetchAll returns every document in the user's repository.
//
// Reads never fail for availability reasons: when GitHub cannot be reached
// the last known documents (in memory, then the persisted snapshot) are
// returned, or an empty set. Only ErrUnauthorized is reported so the caller
// can re-authenticate.
func (s *Store) FetchAll(ctx context.Context, user User) ([]*Document, error) {
	ctx, span := s.startSpan(ctx, "fetch_all")
	defer span.End()

	if err := checkUser("fetch_all", user); err != nil {
		instrumentation.RecordError(span, err)
		return nil, err
	}

	var docs []*Document
	err := s.submit(ctx, user, func(ctx context.Context) error {
		var err error
		docs, err = s.fetchAll(ctx, user)
		return err
	})

	switch {
	case err == nil:
		instrumentation.SetSpanSuccess(span)
		return docs, nil
	case errors.Is(err, ErrUnauthorized):
		instrumentation.RecordError(span, err)
		return nil, err
	case errors.Is(err, ErrSignedOut):
		return nil, &Error{Op: "fetch_all", Err: fmt.Errorf("%w: %w", ErrUnauthorized, err)}
	default:
		s.logger.Warn("Progress fetch failed, using last known documents", "login", user.Login, "error", err)
		if s.metrics != nil {
			s.metrics.RecordProgressCacheHit(ctx, "fallback")
		}
		return s.lastKnown(ctx, user.Login), nil
	}
}

// Course reads one document. When GitHub is unreachable the last known
// version is returned if there is one.
func (s *Store) Course(ctx context.Context, user User, courseID string) (*Document, error) {
	ctx, span := s.startSpan(ctx, "course")
	defer span.End()

	if err := checkUser("course", user); err != nil {
		return nil, err
	}
	if err := ValidateCourseID(courseID); err != nil {
		return nil, err
	}

	var doc *Document
	err := s.submit(ctx, user, func(ctx context.Context) error {
		d, _, err := s.readDocument(ctx, user, courseID)
		if err != nil {
			if errors.Is(err, ErrNotFound) {
				s.forget(user.Login, courseID)
			}
			return err
		}
		s.remember(user.Login, d)
		doc = d
		return nil
	})

	if err != nil && errors.Is(err, ErrTransient) {
		if known := s.known(user.Login, courseID); known != nil {
			s.logger.Warn("Progress read failed, using last known document", "course", courseID, "error", err)
			return known, nil
		}
	}
	if err != nil {
		instrumentation.RecordError(span, err)
		return nil, err
	}

	instrumentation.AddDocumentAttributes(span, doc.CourseID, doc.Version, false)
	instrumentation.SetSpanSuccess(span)
	return doc, nil
}

// Enroll records the user's enrollment in courseID with the given metadata
// and progress. Enrolling again is a no-op unless it raises progress or
// changes metadata.
func (s *Store) Enroll(ctx context.Context, user User, courseID string, metadata map[string]any, progress int) (*Document, error) {
	if err := validateProgress(progress); err != nil {
		return nil, err
	}
	return s.write(ctx, user, writeRequest{
		op:       "enroll",
		courseID: courseID,
		progress: progress,
		metadata: metadata,
		message:  "Enroll in " + courseID,
	})
}

// UpdateProgress sets progress on an existing enrollment. Progress recorded
// by another client that is higher wins.
func (s *Store) UpdateProgress(ctx context.Context, user User, courseID string, progress int) (*Document, error) {
	if err := validateProgress(progress); err != nil {
		return nil, err
	}
	return s.write(ctx, user, writeRequest{
		op:              "update_progress",
		courseID:        courseID,
		progress:        progress,
		requireExisting: true,
		message:         fmt.Sprintf("Update progress in %s to %d%%", courseID, progress),
	})
}

// EnsureRepository creates the user's progress repository if it does not exist.
func (s *Store) EnsureRepository(ctx context.Context, user User) (*Repository, error) {
	ctx, span := s.startSpan(ctx, "ensure_repository")
	defer span.End()

	if err := checkUser("ensure_repository", user); err != nil {
		return nil, err
	}

	var repo *Repository
	err := s.submit(ctx, user, func(ctx context.Context) error {
		var err error
		repo, err = s.ensureRepository(ctx, user)
		return err
	})
	if err != nil {
		instrumentation.RecordError(span, err)
		return nil, err
	}
	instrumentation.SetSpanAttributes(span, attribute.String(instrumentation.AttrRepository, repo.Owner+"/"+repo.Name))
	instrumentation.SetSpanSuccess(span)
	return repo, nil
}

// Enrolled returns the documents this Store knows about for login, from
// earlier reads and writes, without contacting GitHub.
func (s *Store) Enrolled(login string) []*Document {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.users[login]
	if !ok {
		return []*Document{}
	}
	return sortedClones(st.docs)
}

// Drain stops accepting operations and waits for queued ones to complete.
func (s *Store) Drain(ctx context.Context) error {
	return s.closeQueues(ctx, true)
}

// Drop stops accepting operations and fails queued ones with ErrSignedOut
// before they send any request. An operation already running completes.
func (s *Store) Drop(ctx context.Context) error {
	return s.closeQueues(ctx, false)
}

func (s *Store) closeQueues(ctx context.Context, drain bool) error {
	s.mu.Lock()
	var queues []*queue
	for _, st := range s.users {
		if st.queue != nil {
			queues = append(queues, st.queue)
			st.queue = nil
		}
	}
	s.mu.Unlock()

	var errs []error
	for _, q := range queues {
		errs = append(errs, q.close(ctx, drain))
	}
	return errors.Join(errs...)
}

type writeRequest struct {
	op              string
	courseID        string
	progress        int
	metadata        map[string]any
	requireExisting bool
	message         string
}

func (s *Store) write(ctx context.Context, user User, req writeRequest) (*Document, error) {
	ctx, span := s.startSpan(ctx, req.op)
	defer span.End()

	opID := uuid.NewString()
	instrumentation.SetSpanAttributes(span, attribute.String(instrumentation.AttrOperationID, opID))

	if err := checkUser(req.op, user); err != nil {
		instrumentation.RecordError(span, err)
		return nil, err
	}
	if err := ValidateCourseID(req.courseID); err != nil {
		return nil, err
	}

	var doc *Document
	err := s.submit(ctx, user, func(ctx context.Context) error {
		var err error
		doc, err = s.writeDocument(ctx, user, req, opID)
		return err
	})
	if err != nil {
		s.recordWrite(ctx, req.op, writeFailure)
		instrumentation.RecordError(span, err)
		s.logger.Warn("Progress write failed", "op", req.op, "operation_id", opID, "course", req.courseID, "error", err)
		return nil, err
	}

	instrumentation.AddDocumentAttributes(span, doc.CourseID, doc.Version, true)
	instrumentation.SetSpanSuccess(span)
	return doc, nil
}

// writeDocument runs inside the user's queue.
func (s *Store) writeDocument(ctx context.Context, user User, req writeRequest, opID string) (*Document, error) {
	repo, err := s.ensureRepository(ctx, user)
	if err != nil {
		return nil, err
	}

	path := documentPath(req.courseID)
	attempt := 0

	operation := func() (*Document, error) {
		attempt++

		remote, sha, err := s.readDocument(ctx, user, req.courseID)
		if err != nil && !errors.Is(err, ErrNotFound) {
			return nil, backoff.Permanent(err)
		}
		if remote == nil && req.requireExisting {
			return nil, backoff.Permanent(&Error{Op: req.op, Status: http.StatusNotFound,
				Err: fmt.Errorf("%w: not enrolled in %s", ErrNotFound, req.courseID)})
		}
		if remote.satisfies(req.progress, req.metadata) {
			s.remember(user.Login, remote)
			s.recordWrite(ctx, req.op, writeNoop)
			return remote, nil
		}

		// Only the keys being written travel with the candidate. Everything
		// else comes from the document just read, never from a cached copy.
		now := s.clock.Now()
		candidate := &Document{
			CourseID:    req.courseID,
			EnrolledAt:  now,
			Progress:    req.progress,
			LastUpdated: now,
			Metadata:    maps.Clone(req.metadata),
		}
		if known := s.known(user.Login, req.courseID); known != nil {
			candidate.Version = known.Version
			if !known.EnrolledAt.IsZero() {
				candidate.EnrolledAt = known.EnrolledAt
			}
		}

		doc := Merge(candidate, remote)
		body, err := json.MarshalIndent(doc, "", "  ")
		if err != nil {
			return nil, backoff.Permanent(fmt.Errorf("failed to encode document: %w", err))
		}

		message := fmt.Sprintf("%s (coursesync %s)", req.message, opID[:8])
		newSHA, err := s.api.putFile(ctx, user.AccessToken, repo.Owner, repo.Name, path, message, append(body, '\n'), sha)
		if errors.Is(err, ErrConflict) {
			s.logger.Debug("Progress write conflicted", "operation_id", opID, "course", req.courseID, "attempt", attempt)
			s.cache.delete(cacheKey(user.Login, path))
			s.recordWrite(ctx, req.op, writeConflict)
			if s.metrics != nil {
				s.metrics.RecordProgressConflict(ctx, attempt > 1)
			}
			return nil, err
		}
		if err != nil {
			return nil, backoff.Permanent(err)
		}

		s.cache.put(cacheKey(user.Login, path), &cacheEntry{doc: doc.Clone(), sha: newSHA})
		s.remember(user.Login, doc)
		s.recordWrite(ctx, req.op, writeSuccess)
		return doc, nil
	}

	doc, err := backoff.Retry(ctx, operation,
		backoff.WithBackOff(backoff.NewConstantBackOff(s.retryDelay)),
		backoff.WithMaxTries(maxWriteAttempts),
	)
	if errors.Is(err, ErrConflict) {
		return nil, &Error{Op: req.op, Status: http.StatusConflict,
			Err: fmt.Errorf("%w: %s kept changing during the write", ErrTransient, req.courseID)}
	}
	if err != nil {
		return nil, err
	}

	s.saveSnapshot(ctx, user.Login)
	return doc, nil
}

// fetchAll runs inside the user's queue.
func (s *Store) fetchAll(ctx context.Context, user User) ([]*Document, error) {
	key := cacheKey(user.Login, documentsDir)
	entry := s.cache.get(key)
	etag := ""
	if entry != nil {
		etag = entry.etag
	}

	entries, newETag, notModified, err := s.api.listDir(ctx, user.AccessToken, user.Login, s.repoName, documentsDir, etag)
	if errors.Is(err, ErrNotFound) {
		// No repository or no documents yet
		s.cache.delete(key)
		s.replaceKnown(user.Login, nil)
		s.saveSnapshot(ctx, user.Login)
		return []*Document{}, nil
	}
	if err != nil {
		return nil, err
	}

	var names []string
	if notModified && entry != nil {
		names = entry.names
		s.cache.touch(key)
		if s.metrics != nil {
			s.metrics.RecordProgressCacheHit(ctx, "listing")
		}
	} else {
		for _, e := range entries {
			if e.Type == "file" && strings.HasSuffix(e.Name, ".json") {
				names = append(names, strings.TrimSuffix(e.Name, ".json"))
			}
		}
		s.cache.put(key, &cacheEntry{etag: newETag, names: names})
	}

	docs := make([]*Document, 0, len(names))
	for _, courseID := range names {
		doc, _, err := s.readDocument(ctx, user, courseID)
		switch {
		case errors.Is(err, ErrNotFound):
			// Deleted since the listing
			continue
		case errors.Is(err, ErrInvalid):
			s.logger.Warn("Skipping unreadable progress document", "course", courseID, "error", err)
			continue
		case err != nil:
			return nil, err
		}
		docs = append(docs, doc)
	}

	s.replaceKnown(user.Login, docs)
	s.saveSnapshot(ctx, user.Login)
	return s.Enrolled(user.Login), nil
}

// readDocument performs a conditional read, answering from the cache on 304.
func (s *Store) readDocument(ctx context.Context, user User, courseID string) (*Document, string, error) {
	path := documentPath(courseID)
	key := cacheKey(user.Login, path)

	entry := s.cache.get(key)
	etag := ""
	if entry != nil {
		etag = entry.etag
	}

	fc, newETag, notModified, err := s.api.getFile(ctx, user.AccessToken, user.Login, s.repoName, path, etag)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			s.cache.delete(key)
		}
		return nil, "", err
	}
	if notModified && entry != nil && entry.doc != nil {
		s.cache.touch(key)
		if s.metrics != nil {
			s.metrics.RecordProgressCacheHit(ctx, "document")
		}
		return entry.doc.Clone(), entry.sha, nil
	}
	if fc == nil {
		return nil, "", &Error{Op: "get_contents", Status: http.StatusNotModified,
			Err: fmt.Errorf("%w: not modified without a cached document", ErrTransient)}
	}

	doc, err := decodeFile(fc)
	if err != nil {
		return nil, "", &Error{Op: "get_contents", Err: err}
	}
	if doc.CourseID == "" {
		doc.CourseID = courseID
	}

	s.cache.put(key, &cacheEntry{etag: newETag, doc: doc.Clone(), sha: fc.SHA})
	return doc, fc.SHA, nil
}

// ensureRepository runs inside the user's queue.
func (s *Store) ensureRepository(ctx context.Context, user User) (*Repository, error) {
	s.mu.Lock()
	if st := s.stateLocked(user.Login); st.repo != nil {
		repo := *st.repo
		s.mu.Unlock()
		return &repo, nil
	}
	s.mu.Unlock()

	repo, err := s.api.getRepository(ctx, user.AccessToken, user.Login, s.repoName)
	if errors.Is(err, ErrNotFound) {
		var created bool
		repo, created, err = s.api.createRepository(ctx, user.AccessToken, user.Login, s.repoName)
		if err == nil && created {
			s.logger.Info("Created progress repository", "repository", user.Login+"/"+s.repoName)
		}
	}
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	s.stateLocked(user.Login).repo = repo
	s.mu.Unlock()

	out := *repo
	return &out, nil
}

func (s *Store) submit(ctx context.Context, user User, fn func(context.Context) error) error {
	s.mu.Lock()
	st := s.stateLocked(user.Login)
	if st.queue == nil {
		st.queue = &queue{}
	}
	q := st.queue
	s.mu.Unlock()

	return q.submit(ctx, fn)
}

func (s *Store) stateLocked(login string) *userState {
	st, ok := s.users[login]
	if !ok {
		st = &userState{docs: make(map[string]*Document)}
		s.users[login] = st
	}
	return st
}

func (s *Store) known(login, courseID string) *Document {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stateLocked(login).docs[courseID].Clone()
}

// remember records doc unless a newer version is already known.
func (s *Store) remember(login string, doc *Document) {
	s.mu.Lock()
	defer s.mu.Unlock()
	docs := s.stateLocked(login).docs
	if current, ok := docs[doc.CourseID]; ok && current.Version > doc.Version {
		return
	}
	docs[doc.CourseID] = doc.Clone()
}

func (s *Store) forget(login, courseID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.stateLocked(login).docs, courseID)
}

func (s *Store) replaceKnown(login string, docs []*Document) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m := make(map[string]*Document, len(docs))
	for _, d := range docs {
		m[d.CourseID] = d.Clone()
	}
	s.stateLocked(login).docs = m
}

func (s *Store) recordWrite(ctx context.Context, op, result string) {
	if s.metrics != nil {
		s.metrics.RecordProgressWrite(ctx, op, result)
	}
}

func (s *Store) startSpan(ctx context.Context, operation string) (context.Context, trace.Span) {
	if s.tracer == nil {
		return ctx, trace.SpanFromContext(ctx)
	}
	return s.tracer.Start(ctx, "progress."+operation)
}

func checkUser(op string, user User) error {
	if user.Login == "" || user.AccessToken == "" {
		return &Error{Op: op, Err: ErrUnauthorized}
	}
	return nil
}

func cacheKey(login, path string) string {
	return login + "/" + path
}

func sortedClones(docs map[string]*Document) []*Document {
	out := make([]*Document, 0, len(docs))
	for _, d := range docs {
		out = append(out, d.Clone())
	}
	slices.SortFunc(out, func(a, b *Document) int { return strings.Compare(a.CourseID, b.CourseID) })
	return out
}
