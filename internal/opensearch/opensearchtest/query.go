package opensearchtest

import (
	"bufio"
	"encoding/json"
	"fmt"
	"math"
	"net/http"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
)

func itoa(n int) string { return strconv.Itoa(n) }

type scored struct {
	id    string
	score float64
	doc   map[string]any
}

func (s *Server) handleSearch(w http.ResponseWriter, r *http.Request) {
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

	size := intField(body, "size", 10)
	from := intField(body, "from", 0)
	query, _ := body["query"].(map[string]any)

	var hits []scored
	if field, clause, ok := findKNN(query); ok {
		hits, err = ix.knn(field, clause, query)
		if err != nil {
			writeError(w, http.StatusBadRequest, "illegal_argument_exception", err.Error())
			return
		}
	} else {
		for _, id := range ix.order {
			if matches(query, ix.docs[id]) {
				hits = append(hits, scored{id: id, score: 1, doc: ix.docs[id]})
			}
		}
		sortHits(hits, body["sort"])
	}

	total := len(hits)
	if from > len(hits) {
		from = len(hits)
	}
	hits = hits[from:]
	if size < len(hits) {
		hits = hits[:size]
	}

	out := make([]map[string]any, 0, len(hits))
	maxScore := 0.0
	for _, h := range hits {
		if h.score > maxScore {
			maxScore = h.score
		}
		out = append(out, map[string]any{
			"_index":  name,
			"_id":     h.id,
			"_score":  h.score,
			"_source": h.doc,
		})
	}

	resp := map[string]any{
		"took":      1,
		"timed_out": false,
		"_shards":   map[string]int{"total": 1, "successful": 1, "skipped": 0, "failed": 0},
		"hits": map[string]any{
			"total":     map[string]any{"value": total, "relation": "eq"},
			"max_score": maxScore,
			"hits":      out,
		},
	}
	if _, ok := body["aggs"]; ok {
		resp["aggregations"] = map[string]any{}
	}
	if _, ok := body["aggregations"]; ok {
		resp["aggregations"] = map[string]any{}
	}
	writeJSON(w, http.StatusOK, resp)
}

// findKNN locates a knn clause at the top of the query or inside bool.must.
func findKNN(query map[string]any) (string, map[string]any, bool) {
	if knn, ok := query["knn"].(map[string]any); ok {
		for field, clause := range knn {
			c, _ := clause.(map[string]any)
			return field, c, true
		}
	}
	b, ok := query["bool"].(map[string]any)
	if !ok {
		return "", nil, false
	}
	for _, m := range clauses(b["must"]) {
		if field, c, ok := findKNN(m); ok {
			return field, c, true
		}
	}
	return "", nil, false
}

func (ix *index) knn(field string, clause, query map[string]any) ([]scored, error) {
	target := floats(clause["vector"])
	if len(target) == 0 {
		return nil, fmt.Errorf("knn query on [%s] has no vector", field)
	}
	k := intField(clause, "k", 10)
	space := ix.spaceType(field)

	var filter map[string]any
	if b, ok := query["bool"].(map[string]any); ok {
		filter = map[string]any{"bool": map[string]any{"filter": b["filter"], "must_not": b["must_not"]}}
	}

	var hits []scored
	for _, id := range ix.order {
		doc := ix.docs[id]
		if !matches(filter, doc) {
			continue
		}
		vec := floats(lookup(doc, field))
		if len(vec) != len(target) {
			continue
		}
		hits = append(hits, scored{id: id, score: similarity(space, target, vec), doc: doc})
	}

	sort.SliceStable(hits, func(i, j int) bool { return hits[i].score > hits[j].score })
	if k < len(hits) {
		hits = hits[:k]
	}
	return hits, nil
}

func (ix *index) spaceType(field string) string {
	prop, _ := ix.props[field].(map[string]any)
	if method, ok := prop["method"].(map[string]any); ok {
		if st, ok := method["space_type"].(string); ok {
			return st
		}
	}
	if st, ok := prop["space_type"].(string); ok {
		return st
	}
	return "l2"
}

func similarity(space string, a, b []float64) float64 {
	switch space {
	case "cosinesimil":
		var dot, na, nb float64
		for i := range a {
			dot += a[i] * b[i]
			na += a[i] * a[i]
			nb += b[i] * b[i]
		}
		if na == 0 || nb == 0 {
			return 0
		}
		return (1 + dot/(math.Sqrt(na)*math.Sqrt(nb))) / 2
	case "l1":
		var d float64
		for i := range a {
			d += math.Abs(a[i] - b[i])
		}
		return 1 / (1 + d)
	default:
		var d float64
		for i := range a {
			d += (a[i] - b[i]) * (a[i] - b[i])
		}
		return 1 / (1 + d)
	}
}

func sortHits(hits []scored, by any) {
	var field, order string
	switch v := by.(type) {
	case []any:
		if len(v) > 0 {
			sortHits(hits, v[0])
		}
		return
	case string:
		field, order = v, "asc"
	case map[string]any:
		for f, o := range v {
			field = f
			switch oo := o.(type) {
			case string:
				order = oo
			case map[string]any:
				order, _ = oo["order"].(string)
			}
		}
	default:
		return
	}
	if order == "" {
		order = "asc"
	}
	sort.SliceStable(hits, func(i, j int) bool {
		c := compare(lookup(hits[i].doc, field), lookup(hits[j].doc, field))
		if order == "desc" {
			return c > 0
		}
		return c < 0
	})
}

// matches evaluates the subset of query DSL the fake understands.
func matches(query map[string]any, doc map[string]any) bool {
	if len(query) == 0 {
		return true
	}
	for kind, raw := range query {
		body, _ := raw.(map[string]any)
		switch kind {
		case "match_all", "knn":
		case "term", "match", "match_phrase":
			for field, want := range body {
				if w, ok := want.(map[string]any); ok {
					if v, ok := w["value"]; ok {
						want = v
					} else {
						want = w["query"]
					}
				}
				if !equal(lookup(doc, field), want) {
					return false
				}
			}
		case "terms":
			for field, want := range body {
				list, _ := want.([]any)
				hit := false
				for _, v := range list {
					if equal(lookup(doc, field), v) {
						hit = true
						break
					}
				}
				if !hit {
					return false
				}
			}
		case "range":
			for field, bounds := range body {
				if !inRange(lookup(doc, field), bounds) {
					return false
				}
			}
		case "exists":
			if lookup(doc, fmt.Sprint(body["field"])) == nil {
				return false
			}
		case "bool":
			if !matchBool(body, doc) {
				return false
			}
		default:
			return false
		}
	}
	return true
}

func matchBool(b map[string]any, doc map[string]any) bool {
	for _, key := range []string{"must", "filter"} {
		for _, c := range clauses(b[key]) {
			if !matches(c, doc) {
				return false
			}
		}
	}
	for _, c := range clauses(b["must_not"]) {
		if matches(c, doc) {
			return false
		}
	}
	should := clauses(b["should"])
	if len(should) == 0 {
		return true
	}
	for _, c := range should {
		if matches(c, doc) {
			return true
		}
	}
	return false
}

func clauses(raw any) []map[string]any {
	switch v := raw.(type) {
	case map[string]any:
		return []map[string]any{v}
	case []any:
		out := make([]map[string]any, 0, len(v))
		for _, item := range v {
			if m, ok := item.(map[string]any); ok {
				out = append(out, m)
			}
		}
		return out
	case []map[string]any:
		return v
	default:
		return nil
	}
}

// lookup resolves a dotted path, ignoring a trailing ".keyword" sub-field.
func lookup(doc map[string]any, path string) any {
	path = strings.TrimSuffix(path, ".keyword")
	var cur any = doc
	for _, part := range strings.Split(path, ".") {
		m, ok := cur.(map[string]any)
		if !ok {
			return nil
		}
		cur = m[part]
	}
	return cur
}

func equal(got, want any) bool {
	if list, ok := got.([]any); ok {
		for _, v := range list {
			if equal(v, want) {
				return true
			}
		}
		return false
	}
	return compare(got, want) == 0 && got != nil
}

func inRange(v any, raw any) bool {
	bounds, _ := raw.(map[string]any)
	if v == nil {
		return false
	}
	for op, bound := range bounds {
		if op == "format" || op == "time_zone" {
			continue
		}
		if s, ok := bound.(string); ok && strings.HasPrefix(s, "now") {
			bound = resolveNow(s)
		}
		c := compare(v, bound)
		switch op {
		case "gte":
			if c < 0 {
				return false
			}
		case "gt":
			if c <= 0 {
				return false
			}
		case "lte":
			if c > 0 {
				return false
			}
		case "lt":
			if c >= 0 {
				return false
			}
		}
	}
	return true
}

var nowExpr = regexp.MustCompile(`^now(?:-(\d+)([smhd]))?`)

func resolveNow(expr string) string {
	now := time.Now().UTC()
	m := nowExpr.FindStringSubmatch(expr)
	if len(m) == 3 && m[1] != "" {
		n, _ := strconv.Atoi(m[1])
		unit := map[string]time.Duration{"s": time.Second, "m": time.Minute, "h": time.Hour, "d": 24 * time.Hour}[m[2]]
		now = now.Add(-time.Duration(n) * unit)
	}
	return now.Format(time.RFC3339)
}

// compare orders numbers numerically, timestamps chronologically and
// everything else as strings.
func compare(a, b any) int {
	fa, aok := number(a)
	fb, bok := number(b)
	if aok && bok {
		switch {
		case fa < fb:
			return -1
		case fa > fb:
			return 1
		default:
			return 0
		}
	}

	sa, sb := fmt.Sprint(a), fmt.Sprint(b)
	ta, aerr := parseTime(sa)
	tb, berr := parseTime(sb)
	if aerr == nil && berr == nil {
		return ta.Compare(tb)
	}
	return strings.Compare(sa, sb)
}

func parseTime(s string) (time.Time, error) {
	for _, layout := range []string{time.RFC3339Nano, "2006-01-02T15:04:05", "2006-01-02"} {
		if t, err := time.Parse(layout, s); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("not a time: %q", s)
}

func number(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case int:
		return float64(n), true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	default:
		return 0, false
	}
}

func floats(v any) []float64 {
	list, _ := v.([]any)
	out := make([]float64, 0, len(list))
	for _, item := range list {
		f, ok := number(item)
		if !ok {
			return nil
		}
		out = append(out, f)
	}
	return out
}

func intField(m map[string]any, key string, fallback int) int {
	if f, ok := number(m[key]); ok {
		return int(f)
	}
	return fallback
}

func (s *Server) handleBulk(w http.ResponseWriter, r *http.Request) {
	defaultIndex := chi.URLParam(r, "index")

	s.mu.Lock()
	defer s.mu.Unlock()

	var (
		items   []map[string]any
		failed  bool
		scanner = bufio.NewScanner(r.Body)
	)
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)

	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}

		var meta map[string]map[string]any
		if err := json.Unmarshal([]byte(line), &meta); err != nil {
			writeError(w, http.StatusBadRequest, "illegal_argument_exception", "malformed action line")
			return
		}

		for action, info := range meta {
			name, _ := info["_index"].(string)
			if name == "" {
				name = defaultIndex
			}
			id, _ := info["_id"].(string)

			if action == "delete" {
				if ix, ok := s.indices[name]; ok {
					ix.remove(id)
				}
				items = append(items, bulkItem(action, name, id, "deleted", http.StatusOK))
				continue
			}

			if !scanner.Scan() {
				writeError(w, http.StatusBadRequest, "illegal_argument_exception", "missing source line")
				return
			}

			var doc map[string]any
			if err := json.Unmarshal(scanner.Bytes(), &doc); err != nil {
				failed = true
				item := bulkItem(action, name, id, "", http.StatusBadRequest)
				item[action].(map[string]any)["error"] = map[string]any{"type": "mapper_parsing_exception", "reason": err.Error()}
				items = append(items, item)
				continue
			}

			assigned, created := s.indexFor(name).put(id, doc)
			result, status := "updated", http.StatusOK
			if created {
				result, status = "created", http.StatusCreated
			}
			items = append(items, bulkItem(action, name, assigned, result, status))
		}
	}

	writeJSON(w, http.StatusOK, map[string]any{"took": 1, "errors": failed, "items": items})
}

func bulkItem(action, index, id, result string, status int) map[string]any {
	return map[string]any{
		action: map[string]any{
			"_index":   index,
			"_id":      id,
			"_version": 1,
			"result":   result,
			"status":   status,
			"_shards":  map[string]int{"total": 1, "successful": 1, "failed": 0},
		},
	}
}

var countStmt = regexp.MustCompile("(?i)^\\s*SELECT\\s+COUNT\\(\\*\\)(?:\\s+(?:AS\\s+)?\\w+)?\\s+FROM\\s+`?([\\w.-]+)`?\\s*;?\\s*$")

func (s *Server) handleSQL(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Query string `json:"query"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || strings.TrimSpace(req.Query) == "" {
		writeError(w, http.StatusBadRequest, "SqlParseException", "query is required")
		return
	}

	m := countStmt.FindStringSubmatch(req.Query)
	if m == nil {
		writeJSON(w, http.StatusOK, emptyRows())
		return
	}

	s.mu.Lock()
	ix, ok := s.indices[m[1]]
	count := 0
	if ok {
		count = len(ix.docs)
	}
	s.mu.Unlock()

	if !ok {
		writeError(w, http.StatusBadRequest, "IndexNotFoundException", "no such index ["+m[1]+"]")
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"schema":   []map[string]string{{"name": "COUNT(*)", "type": "integer"}},
		"datarows": [][]any{{count}},
		"total":    1,
		"size":     1,
		"status":   200,
	})
}

func (s *Server) handlePPL(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Query string `json:"query"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || !strings.HasPrefix(strings.TrimSpace(req.Query), "search") {
		writeError(w, http.StatusBadRequest, "SyntaxCheckException", "query must start with search")
		return
	}
	writeJSON(w, http.StatusOK, emptyRows())
}

func emptyRows() map[string]any {
	return map[string]any{
		"schema":   []any{},
		"datarows": []any{},
		"total":    0,
		"size":     0,
		"status":   200,
	}
}
