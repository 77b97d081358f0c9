// Package opensearchtest provides an in-memory stand-in for an OpenSearch
// cluster. It understands enough of the REST surface for index lifecycle,
// bulk loading, counting, filtered and vector search and SQL row counts;
// plugin endpoints answer with canned bodies registered per test.
package opensearchtest

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sort"
	"strings"
	"sync"
	"testing"

	"github.com/go-chi/chi/v5"
)

// DefaultPlugins is what _cat/plugins reports unless overridden.
var DefaultPlugins = []string{
	"opensearch-alerting",
	"opensearch-anomaly-detection",
	"opensearch-index-management",
	"opensearch-knn",
	"opensearch-ml",
	"opensearch-observability",
	"opensearch-performance-analyzer",
	"opensearch-security",
	"opensearch-sql",
}

type index struct {
	props map[string]any
	docs  map[string]map[string]any
	order []string
	seq   int
}

func newIndex(props map[string]any) *index {
	if props == nil {
		props = map[string]any{}
	}
	return &index{props: props, docs: map[string]map[string]any{}}
}

func (ix *index) put(id string, doc map[string]any) (string, bool) {
	if id == "" {
		ix.seq++
		id = "auto-" + itoa(ix.seq)
	}
	_, existed := ix.docs[id]
	if !existed {
		ix.order = append(ix.order, id)
	}
	ix.docs[id] = doc
	return id, !existed
}

func (ix *index) remove(id string) {
	delete(ix.docs, id)
	for i, v := range ix.order {
		if v == id {
			ix.order = append(ix.order[:i], ix.order[i+1:]...)
			return
		}
	}
}

// Server is the fake cluster.
type Server struct {
	*httptest.Server

	mu       sync.Mutex
	indices  map[string]*index
	handlers map[string]http.HandlerFunc
	requests []string
	plugins  []string
	user     string
	pass     string
}

// Option customises a Server.
type Option func(*Server)

// WithBasicAuth rejects requests that do not carry these credentials.
func WithBasicAuth(user, pass string) Option {
	return func(s *Server) {
		s.user = user
		s.pass = pass
	}
}

// WithPlugins replaces the plugin components listed by _cat/plugins.
func WithPlugins(components ...string) Option {
	return func(s *Server) {
		s.plugins = components
	}
}

// New starts a fake cluster that is closed when the test ends.
func New(t testing.TB, opts ...Option) *Server {
	t.Helper()

	s := &Server{
		indices:  map[string]*index{},
		handlers: map[string]http.HandlerFunc{},
		plugins:  DefaultPlugins,
	}
	for _, opt := range opts {
		opt(s)
	}

	s.Server = httptest.NewServer(s.routes())
	t.Cleanup(s.Close)
	return s
}

// Handle registers a canned JSON answer for method and path (no query string).
func (s *Server) Handle(method, path string, status int, body any) {
	s.HandleFunc(method, path, func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, status, body)
	})
}

// HandleFunc registers a handler that takes precedence over the built-in routes.
func (s *Server) HandleFunc(method, path string, h http.HandlerFunc) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.handlers[method+" "+path] = h
}

// Requests returns "METHOD /path" for every request served so far.
func (s *Server) Requests() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.requests...)
}

// Requested reports whether any request matched method and path.
func (s *Server) Requested(method, path string) bool {
	for _, r := range s.Requests() {
		if r == method+" "+path {
			return true
		}
	}
	return false
}

// HasIndex reports whether the index exists.
func (s *Server) HasIndex(name string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.indices[name]
	return ok
}

// DocCount returns the number of documents in the index.
func (s *Server) DocCount(name string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if ix, ok := s.indices[name]; ok {
		return len(ix.docs)
	}
	return 0
}

// Doc returns a stored document source.
func (s *Server) Doc(name, id string) (map[string]any, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ix, ok := s.indices[name]
	if !ok {
		return nil, false
	}
	doc, ok := ix.docs[id]
	return doc, ok
}

// IndexNames lists existing indices in sorted order.
func (s *Server) IndexNames() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	names := make([]string, 0, len(s.indices))
	for name := range s.indices {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func (s *Server) routes() http.Handler {
	r := chi.NewRouter()
	r.Use(s.record)
	r.Use(s.auth)
	r.Use(s.canned)

	r.Get("/", s.handleInfo)
	r.Get("/_cluster/health", s.handleHealth)
	r.Get("/_cat/indices", s.handleCatIndices)
	r.Get("/_cat/indices/{pattern}", s.handleCatIndices)
	r.Get("/_cat/plugins", s.handleCatPlugins)
	r.Post("/_plugins/_sql", s.handleSQL)
	r.Post("/_plugins/_ppl", s.handlePPL)
	r.Post("/_refresh", s.handleRefresh)
	r.Post("/_bulk", s.handleBulk)

	r.Route("/{index}", func(r chi.Router) {
		r.Head("/", s.handleIndexExists)
		r.Put("/", s.handleCreateIndex)
		r.Delete("/", s.handleDeleteIndex)
		r.Post("/_refresh", s.handleRefresh)
		r.Post("/_bulk", s.handleBulk)
		r.Post("/_doc", s.handleIndexDoc)
		r.Put("/_doc/{id}", s.handleIndexDoc)
		r.Post("/_doc/{id}", s.handleIndexDoc)
		r.Post("/_count", s.handleCount)
		r.Get("/_count", s.handleCount)
		r.Post("/_search", s.handleSearch)
		r.Get("/_search", s.handleSearch)
		r.Post("/_delete_by_query", s.handleDeleteByQuery)
	})

	return r
}

func (s *Server) record(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s.mu.Lock()
		s.requests = append(s.requests, r.Method+" "+r.URL.Path)
		s.mu.Unlock()
		next.ServeHTTP(w, r)
	})
}

func (s *Server) auth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.user != "" {
			user, pass, ok := r.BasicAuth()
			if !ok || user != s.user || pass != s.pass {
				writeError(w, http.StatusUnauthorized, "security_exception", "missing or invalid credentials")
				return
			}
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) canned(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s.mu.Lock()
		h, ok := s.handlers[r.Method+" "+r.URL.Path]
		s.mu.Unlock()
		if ok {
			h(w, r)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) handleInfo(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"name":         "fake-node",
		"cluster_name": "fake-cluster",
		"cluster_uuid": "fake-uuid",
		"version": map[string]any{
			"distribution":   "opensearch",
			"number":         "2.11.0",
			"build_type":     "tar",
			"lucene_version": "9.7.0",
		},
		"tagline": "The OpenSearch Project: https://opensearch.org/",
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"cluster_name":    "fake-cluster",
		"status":          "green",
		"number_of_nodes": 1,
	})
}

func (s *Server) handleCatIndices(w http.ResponseWriter, r *http.Request) {
	pattern := chi.URLParam(r, "pattern")

	s.mu.Lock()
	defer s.mu.Unlock()

	names := make([]string, 0, len(s.indices))
	for name := range s.indices {
		if pattern == "" || globMatch(pattern, name) {
			names = append(names, name)
		}
	}
	sort.Strings(names)

	rows := make([]map[string]string, 0, len(names))
	for _, name := range names {
		rows = append(rows, map[string]string{
			"index":      name,
			"health":     "green",
			"status":     "open",
			"docs.count": itoa(len(s.indices[name].docs)),
		})
	}
	writeJSON(w, http.StatusOK, rows)
}

func (s *Server) handleCatPlugins(w http.ResponseWriter, _ *http.Request) {
	rows := make([]map[string]string, 0, len(s.plugins))
	for _, c := range s.plugins {
		rows = append(rows, map[string]string{"name": "fake-node", "component": c, "version": "2.11.0.0"})
	}
	writeJSON(w, http.StatusOK, rows)
}

func (s *Server) handleIndexExists(w http.ResponseWriter, r *http.Request) {
	if s.HasIndex(chi.URLParam(r, "index")) {
		w.WriteHeader(http.StatusOK)
		return
	}
	w.WriteHeader(http.StatusNotFound)
}

func (s *Server) handleCreateIndex(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "index")

	var body struct {
		Mappings struct {
			Properties map[string]any `json:"properties"`
		} `json:"mappings"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil && !errors.Is(err, io.EOF) {
		writeError(w, http.StatusBadRequest, "parse_exception", err.Error())
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.indices[name]; ok {
		writeError(w, http.StatusBadRequest, "resource_already_exists_exception", "index ["+name+"] already exists")
		return
	}
	s.indices[name] = newIndex(body.Mappings.Properties)
	writeJSON(w, http.StatusOK, map[string]any{"acknowledged": true, "shards_acknowledged": true, "index": name})
}

func (s *Server) handleDeleteIndex(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "index")

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.indices[name]; !ok {
		writeError(w, http.StatusNotFound, "index_not_found_exception", "no such index ["+name+"]")
		return
	}
	delete(s.indices, name)
	writeJSON(w, http.StatusOK, map[string]any{"acknowledged": true})
}

func (s *Server) handleRefresh(w http.ResponseWriter, r *http.Request) {
	names := strings.Split(chi.URLParam(r, "index"), ",")

	s.mu.Lock()
	defer s.mu.Unlock()
	for _, name := range names {
		if name == "" {
			continue
		}
		if _, ok := s.indices[name]; !ok {
			writeError(w, http.StatusNotFound, "index_not_found_exception", "no such index ["+name+"]")
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{"_shards": map[string]int{"total": 1, "successful": 1, "failed": 0}})
}

func (s *Server) handleIndexDoc(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "index")

	var doc map[string]any
	if err := json.NewDecoder(r.Body).Decode(&doc); err != nil {
		writeError(w, http.StatusBadRequest, "mapper_parsing_exception", err.Error())
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	id, created := s.indexFor(name).put(chi.URLParam(r, "id"), doc)

	result, status := "updated", http.StatusOK
	if created {
		result, status = "created", http.StatusCreated
	}
	writeJSON(w, status, map[string]any{
		"_index":        name,
		"_id":           id,
		"_version":      1,
		"result":        result,
		"_shards":       map[string]int{"total": 1, "successful": 1, "failed": 0},
		"_seq_no":       0,
		"_primary_term": 1,
	})
}

// indexFor returns the named index, creating it on first write. Callers hold mu.
func (s *Server) indexFor(name string) *index {
	ix, ok := s.indices[name]
	if !ok {
		ix = newIndex(nil)
		s.indices[name] = ix
	}
	return ix
}

func (s *Server) handleCount(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "index")
	body, err := decodeOptional(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "parse_exception", err.Error())
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	ix, ok := s.indices[name]
	if !ok {
		writeError(w, http.StatusNotFound, "index_not_found_exception", "no such index ["+name+"]")
		return
	}

	query, _ := body["query"].(map[string]any)
	count := 0
	for _, id := range ix.order {
		if matches(query, ix.docs[id]) {
			count++
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{"count": count})
}

func (s *Server) handleDeleteByQuery(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "index")
	body, err := decodeOptional(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "parse_exception", err.Error())
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	ix, ok := s.indices[name]
	if !ok {
		writeError(w, http.StatusNotFound, "index_not_found_exception", "no such index ["+name+"]")
		return
	}

	query, _ := body["query"].(map[string]any)
	var doomed []string
	for _, id := range ix.order {
		if matches(query, ix.docs[id]) {
			doomed = append(doomed, id)
		}
	}
	for _, id := range doomed {
		ix.remove(id)
	}
	writeJSON(w, http.StatusOK, map[string]any{"deleted": len(doomed), "total": len(doomed), "failures": []any{}})
}

func decodeOptional(r *http.Request) (map[string]any, error) {
	body := map[string]any{}
	if r.Body == nil {
		return body, nil
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil && !errors.Is(err, io.EOF) {
		return nil, err
	}
	return body, nil
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, kind, reason string) {
	writeJSON(w, status, map[string]any{
		"error": map[string]any{
			"type":      kind,
			"reason":    reason,
			"root_cause": []map[string]string{{"type": kind, "reason": reason}},
		},
		"status": status,
	})
}

func globMatch(pattern, name string) bool {
	for _, p := range strings.Split(pattern, ",") {
		if !strings.Contains(p, "*") {
			if p == name {
				return true
			}
			continue
		}
		parts := strings.Split(p, "*")
		rest := name
		ok := strings.HasPrefix(rest, parts[0])
		rest = strings.TrimPrefix(rest, parts[0])
		for _, part := range parts[1:] {
			if !ok {
				break
			}
			i := strings.Index(rest, part)
			if i < 0 {
				ok = false
				break
			}
			rest = rest[i+len(part):]
		}
		if ok && (parts[len(parts)-1] == "" || strings.HasSuffix(name, parts[len(parts)-1])) {
			return true
		}
	}
	return false
}
