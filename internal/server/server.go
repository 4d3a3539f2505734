// Package server is the HTTP front: crawl triggers, issue review, fix
// inspection, webhook intake, and analytics. Every error response carries a
// machine-readable code so callers can branch without parsing messages.
package server

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"codewarden/internal/cache"
	"codewarden/internal/config"
	"codewarden/internal/crawl"
	"codewarden/internal/logging"
	"codewarden/internal/orchestrate"
	"codewarden/internal/queue"
	"codewarden/internal/store"
	"codewarden/internal/types"
)

// crawlStatsTTL bounds how long finished crawl stats stay queryable.
const crawlStatsTTL = time.Hour

// analyticsTTL bounds the staleness of the cached analytics response.
const analyticsTTL = 30 * time.Second

// maxBodyBytes caps request bodies; webhook pushes with huge commit lists
// get truncated file lists, not unbounded reads.
const maxBodyBytes = 1 << 20

// Server routes the public API.
type Server struct {
	store *store.Store
	queue *queue.Queue
	cache *cache.Cache
	cfg   *config.Config
	mux   *http.ServeMux
}

// New builds the server and registers its routes.
func New(st *store.Store, q *queue.Queue, c *cache.Cache, cfg *config.Config) *Server {
	s := &Server{store: st, queue: q, cache: c, cfg: cfg, mux: http.NewServeMux()}
	s.routes()
	return s
}

// Handler returns the root handler for http.Server.
func (s *Server) Handler() http.Handler { return s.mux }

func (s *Server) routes() {
	s.mux.HandleFunc("POST /crawl", s.handleCrawlStart)
	s.mux.HandleFunc("GET /crawl/{id}", s.handleCrawlStatus)
	s.mux.HandleFunc("GET /issues", s.handleIssueList)
	s.mux.HandleFunc("POST /issues/{id}/review", s.handleIssueReview)
	s.mux.HandleFunc("GET /fixes/{id}", s.handleFixGet)
	s.mux.HandleFunc("POST /webhook/{tenant}", s.handleWebhook)
	s.mux.HandleFunc("GET /analytics", s.handleAnalytics)
	s.mux.HandleFunc("GET /healthz", s.handleHealthz)
}

// Error codes returned in the "code" field of error responses.
const (
	codeInvalidRequest    = "invalid_request"
	codeNotFound          = "not_found"
	codeInvalidTransition = "invalid_transition"
	codeQueueSaturated    = "queue_saturated"
	codeRateLimited       = "rate_limited"
	codeUnauthorized      = "unauthorized"
	codeInternal          = "internal"
)

type apiError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, map[string]apiError{"error": {Code: code, Message: message}})
}

// writeStoreError maps store sentinel errors onto the taxonomy.
func writeStoreError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, store.ErrNotFound):
		writeError(w, http.StatusNotFound, codeNotFound, err.Error())
	case errors.Is(err, store.ErrInvalidTransition):
		writeError(w, http.StatusConflict, codeInvalidTransition, err.Error())
	default:
		logging.Get(logging.CategoryAPI).Error("request failed: %v", err)
		writeError(w, http.StatusInternalServerError, codeInternal, "internal error")
	}
}

func decodeBody(w http.ResponseWriter, r *http.Request, v interface{}) bool {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		writeError(w, http.StatusBadRequest, codeInvalidRequest, "malformed JSON body: "+err.Error())
		return false
	}
	return true
}

// crawlOptions tunes one triggered crawl: auto_fix hands every issue found
// straight to the fix pipeline, budget caps the files this run may select.
type crawlOptions struct {
	AutoFix bool `json:"auto_fix,omitempty"`
	Budget  int  `json:"budget,omitempty"`
}

type crawlRequest struct {
	ProjectID string       `json:"project_id"`
	Changed   []string     `json:"changed,omitempty"`
	Priority  int          `json:"priority,omitempty"`
	Options   crawlOptions `json:"options,omitempty"`
}

// handleCrawlStart enqueues a crawl job. Returns 429 once the per-project
// trigger rate or the crawl queue's high-water mark is exceeded; manual
// triggers can wait, webhooks cannot.
func (s *Server) handleCrawlStart(w http.ResponseWriter, r *http.Request) {
	var req crawlRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if req.ProjectID == "" {
		writeError(w, http.StatusBadRequest, codeInvalidRequest, "project_id is required")
		return
	}
	if req.Options.Budget < 0 {
		writeError(w, http.StatusBadRequest, codeInvalidRequest, "options.budget must be non-negative")
		return
	}
	if _, err := s.store.GetProject(req.ProjectID); err != nil {
		writeStoreError(w, err)
		return
	}

	// With the cache disabled Incr always answers 1 and the limit degrades
	// to always-allowed.
	if limit := s.cfg.Server.CrawlRatePerMinute; limit > 0 {
		if n := s.cache.Incr("ratelimit:crawl:"+req.ProjectID, time.Minute); n > int64(limit) {
			writeError(w, http.StatusTooManyRequests, codeRateLimited,
				"crawl trigger rate exceeded for this project; retry later")
			return
		}
	}

	depth, err := s.queue.Depth(queue.QueueCrawl)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	if depth > s.cfg.Queue.HighWaterMark {
		writeError(w, http.StatusTooManyRequests, codeQueueSaturated,
			"crawl queue is saturated; retry later")
		return
	}

	id, err := s.enqueueCrawl(crawl.Task{
		ProjectID: req.ProjectID,
		Changed:   req.Changed,
		AutoFix:   req.Options.AutoFix,
		Budget:    req.Options.Budget,
	}, req.Priority)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"crawl_id": id, "status": "queued"})
}

func (s *Server) enqueueCrawl(task crawl.Task, priority int) (string, error) {
	payload, err := json.Marshal(task)
	if err != nil {
		return "", err
	}
	return s.queue.Enqueue(queue.QueueCrawl, payload, priority)
}

type crawlStatusResponse struct {
	ID     string       `json:"crawl_id"`
	Status string       `json:"status"`
	Stats  *crawl.Stats `json:"stats,omitempty"`
}

func (s *Server) handleCrawlStatus(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	status, err := s.queue.Status(id)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	resp := crawlStatusResponse{ID: id, Status: status}
	if data, ok := s.cache.Get(crawlStatsKey(id)); ok {
		var stats crawl.Stats
		if json.Unmarshal(data, &stats) == nil {
			resp.Stats = &stats
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

func crawlStatsKey(jobID string) string { return "crawl:stats:" + jobID }

// CacheCrawlStats stores a finished crawl's stats for GET /crawl/{id}.
// Called by the crawl worker handler after the run.
func CacheCrawlStats(c *cache.Cache, jobID string, stats crawl.Stats) {
	data, err := json.Marshal(stats)
	if err != nil {
		return
	}
	c.Set(crawlStatsKey(jobID), data, crawlStatsTTL)
}

func (s *Server) handleIssueList(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	f := store.IssueFilter{
		ProjectID:   q.Get("project_id"),
		Status:      types.IssueStatus(q.Get("status")),
		Severity:    types.Severity(q.Get("severity")),
		Kind:        types.IssueKind(q.Get("kind")),
		Path:        q.Get("path"),
		Fingerprint: q.Get("fingerprint"),
		OpenOnly:    q.Get("open") == "true",
	}
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			writeError(w, http.StatusBadRequest, codeInvalidRequest, "limit must be a non-negative integer")
			return
		}
		f.Limit = n
	}
	if v := q.Get("offset"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			writeError(w, http.StatusBadRequest, codeInvalidRequest, "offset must be a non-negative integer")
			return
		}
		f.Offset = n
	}

	issues, err := s.store.ListIssues(f)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	if issues == nil {
		issues = []types.Issue{}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"issues": issues, "count": len(issues)})
}

type reviewRequest struct {
	Action string `json:"action"` // approve, reject, defer
	Actor  string `json:"actor"`
}

var reviewActions = map[string]types.IssueStatus{
	"approve": types.StatusApproved,
	"reject":  types.StatusRejected,
	"defer":   types.StatusDeferred,
}

func (s *Server) handleIssueReview(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	var req reviewRequest
	if !decodeBody(w, r, &req) {
		return
	}
	newStatus, ok := reviewActions[req.Action]
	if !ok {
		writeError(w, http.StatusBadRequest, codeInvalidRequest,
			"action must be one of approve, reject, defer")
		return
	}
	actor := req.Actor
	if actor == "" {
		actor = "api"
	}
	if err := s.store.TransitionIssue(id, newStatus, "", actor); err != nil {
		writeStoreError(w, err)
		return
	}
	issue, err := s.store.GetIssue(id)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	// Approval is the trigger for automated fixing.
	if newStatus == types.StatusApproved {
		payload, err := json.Marshal(orchestrate.FixTask{IssueID: issue.ID})
		if err == nil {
			_, err = s.queue.Enqueue(queue.QueueFix, payload, int(issue.Severity.Weight()))
		}
		if err != nil {
			writeStoreError(w, err)
			return
		}
	}
	logging.Get(logging.CategoryAPI).Info("issue %s reviewed: %s by %s", id, req.Action, actor)
	writeJSON(w, http.StatusOK, issue)
}

func (s *Server) handleFixGet(w http.ResponseWriter, r *http.Request) {
	fix, err := s.store.GetFixRecord(r.PathValue("id"))
	if err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, fix)
}

// webhookPush is the push-event body accepted from repository hosts.
type webhookPush struct {
	RepoURL string   `json:"repo_url"`
	Ref     string   `json:"ref,omitempty"`
	Changed []string `json:"changed,omitempty"`
}

// handleWebhook authenticates and absorbs push events. Unlike POST /crawl it
// never answers 429: the sender retries on its own schedule and duplicate
// deliveries converge through the crawler's hash-skip, so the queue depth cap
// does not apply here.
func (s *Server) handleWebhook(w http.ResponseWriter, r *http.Request) {
	tenantID := r.PathValue("tenant")
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		writeError(w, http.StatusBadRequest, codeInvalidRequest, "unreadable body")
		return
	}

	tenant, err := s.store.GetTenant(tenantID)
	if err != nil {
		// Unknown tenant and bad signature are indistinguishable to the
		// caller; probing for tenant ids gets nothing.
		writeError(w, http.StatusUnauthorized, codeUnauthorized, "signature verification failed")
		return
	}
	secret := tenant.WebhookSecret
	if secret == "" {
		secret = s.cfg.Server.WebhookSecretDefault
	}
	if !verifySignature(secret, body, r.Header.Get("X-Signature")) {
		logging.Get(logging.CategoryAPI).Warn("webhook for tenant %s rejected: bad signature", tenantID)
		writeError(w, http.StatusUnauthorized, codeUnauthorized, "signature verification failed")
		return
	}

	var push webhookPush
	if err := json.Unmarshal(body, &push); err != nil || push.RepoURL == "" {
		// Authenticated but not a push we act on: absorbed.
		w.WriteHeader(http.StatusNoContent)
		return
	}
	project, err := s.store.FindProjectByRepo(tenantID, push.RepoURL)
	if errors.Is(err, store.ErrNotFound) {
		// Valid sender, repo not under management. Absorbed, not an error:
		// hosts disable hooks that keep failing.
		w.WriteHeader(http.StatusNoContent)
		return
	}
	if err != nil {
		writeStoreError(w, err)
		return
	}

	id, err := s.enqueueCrawl(crawl.Task{ProjectID: project.ID, Changed: push.Changed}, 1)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	logging.Get(logging.CategoryAPI).Info("webhook push for %s accepted: crawl %s", project.Name, id)
	writeJSON(w, http.StatusAccepted, map[string]string{"crawl_id": id, "status": "queued"})
}

// verifySignature checks an HMAC-SHA256 hex signature over the raw body.
// A "sha256=" prefix on the header is accepted. Comparison is constant-time.
func verifySignature(secret string, body []byte, header string) bool {
	if secret == "" || header == "" {
		return false
	}
	header = strings.TrimPrefix(header, "sha256=")
	got, err := hex.DecodeString(header)
	if err != nil {
		return false
	}
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return hmac.Equal(got, mac.Sum(nil))
}

type analyticsResponse struct {
	ProjectID   string                    `json:"project_id"`
	Health      map[string]float64        `json:"health"`
	Trend       []types.HealthSnapshot    `json:"trend"`
	Calibration []types.CalibrationBucket `json:"calibration"`
	QueueDepths map[string]int            `json:"queue_depths"`
}

// handleAnalytics aggregates health, calibration, and queue depths. The
// response is cached briefly; dashboards poll this and every field is an
// aggregate that tolerates a few seconds of staleness.
func (s *Server) handleAnalytics(w http.ResponseWriter, r *http.Request) {
	projectID := r.URL.Query().Get("project_id")
	if projectID == "" {
		writeError(w, http.StatusBadRequest, codeInvalidRequest, "project_id is required")
		return
	}
	if _, err := s.store.GetProject(projectID); err != nil {
		writeStoreError(w, err)
		return
	}

	data, err := s.cache.GetOrSet("analytics:"+projectID, analyticsTTL, func() ([]byte, error) {
		resp, err := s.buildAnalytics(projectID)
		if err != nil {
			return nil, err
		}
		return json.Marshal(resp)
	})
	if err != nil {
		writeStoreError(w, err)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	w.Write(data)
}

func (s *Server) buildAnalytics(projectID string) (analyticsResponse, error) {
	health, err := s.store.LatestHealth(projectID)
	if err != nil {
		return analyticsResponse{}, err
	}
	trend, err := s.store.HealthTrend(projectID, time.Now().Add(-30*24*time.Hour))
	if err != nil {
		return analyticsResponse{}, err
	}

	var buckets []types.CalibrationBucket
	generators := []types.GeneratorKind{types.GeneratorPattern, types.GeneratorExpert, types.GeneratorModel}
	kinds := []types.IssueKind{
		types.KindStyle, types.KindErrorHandling, types.KindSecurity,
		types.KindPerformance, types.KindSmell, types.KindArchitecture, types.KindOther,
	}
	for _, g := range generators {
		for _, k := range kinds {
			b, err := s.store.CalibrationFor(g, k)
			if err != nil {
				return analyticsResponse{}, err
			}
			if b.Samples > 0 {
				buckets = append(buckets, b)
			}
		}
	}

	depths := make(map[string]int)
	for _, name := range []string{queue.QueueCrawl, queue.QueueFix, queue.QueueAnalysis, queue.QueueNotification} {
		n, err := s.queue.Depth(name)
		if err != nil {
			return analyticsResponse{}, err
		}
		depths[name] = n
	}

	return analyticsResponse{
		ProjectID:   projectID,
		Health:      health,
		Trend:       trend,
		Calibration: buckets,
		QueueDepths: depths,
	}, nil
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok", "version": s.cfg.Version})
}
