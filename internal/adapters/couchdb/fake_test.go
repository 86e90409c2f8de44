package couchdb

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sort"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"
)

const testDB = "healthdb"

// fakeCouch implements the slice of the CouchDB API the adapter uses.
type fakeCouch struct {
	mu      sync.Mutex
	docs    map[string]map[string]any
	gens    map[string]int
	seq     int
	changes []fakeChange
	wake    chan struct{}

	reject       map[string]bool
	conflictOnce map[string]bool
	writes       map[string]int
	failures     int
	authFail     bool
	bulkCalls    [][]string
}

type fakeChange struct {
	seq int
	id  string
}

func newFakeCouch(t *testing.T) (*fakeCouch, *httptest.Server) {
	f := &fakeCouch{
		docs:         map[string]map[string]any{},
		gens:         map[string]int{},
		wake:         make(chan struct{}),
		reject:       map[string]bool{},
		conflictOnce: map[string]bool{},
		writes:       map[string]int{},
	}
	srv := httptest.NewServer(f)
	t.Cleanup(srv.Close)
	return f, srv
}

func seqString(n int) string { return fmt.Sprintf("%d-g1AAAA", n) }

func parseSeq(s string) int {
	n, _ := strconv.Atoi(strings.SplitN(s, "-", 2)[0])
	return n
}

func (f *fakeCouch) setFailures(n int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failures = n
}

func (f *fakeCouch) setAuthFail(v bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.authFail = v
}

func (f *fakeCouch) doc(id string) map[string]any {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.docs[id]
}

func (f *fakeCouch) writeCount(id string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.writes[id]
}

// store writes d as another replica would. Caller holds no lock.
func (f *fakeCouch) store(d map[string]any) string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.storeLocked(d)
}

func (f *fakeCouch) storeLocked(d map[string]any) string {
	id := d["_id"].(string)
	f.gens[id]++
	rev := fmt.Sprintf("%d-%x", f.gens[id], f.gens[id]*7919)
	d["_rev"] = rev
	f.docs[id] = d
	f.seq++
	f.changes = append(f.changes, fakeChange{seq: f.seq, id: id})
	close(f.wake)
	f.wake = make(chan struct{})
	return rev
}

func (f *fakeCouch) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	if f.authFail {
		f.mu.Unlock()
		writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "unauthorized", "reason": "Name or password is incorrect."})
		return
	}
	if f.failures > 0 {
		f.failures--
		f.mu.Unlock()
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": "unavailable"})
		return
	}
	f.mu.Unlock()

	path := strings.TrimPrefix(r.URL.Path, "/"+testDB)
	switch {
	case path == "" && r.Method == http.MethodGet:
		writeJSON(w, http.StatusOK, map[string]string{"db_name": testDB})
	case path == "/_all_docs" && r.Method == http.MethodPost:
		f.allDocs(w, r)
	case path == "/_bulk_docs" && r.Method == http.MethodPost:
		f.bulkDocs(w, r)
	case path == "/_changes" && r.Method == http.MethodGet:
		f.changesFeed(w, r)
	case strings.HasPrefix(path, "/") && r.Method == http.MethodGet:
		f.mu.Lock()
		d, ok := f.docs[strings.TrimPrefix(path, "/")]
		f.mu.Unlock()
		if !ok || d["_deleted"] == true {
			writeJSON(w, http.StatusNotFound, map[string]string{"error": "not_found", "reason": "missing"})
			return
		}
		writeJSON(w, http.StatusOK, d)
	default:
		http.NotFound(w, r)
	}
}

func (f *fakeCouch) allDocs(w http.ResponseWriter, r *http.Request) {
	var in struct {
		Keys []string `json:"keys"`
	}
	_ = json.NewDecoder(r.Body).Decode(&in)

	f.mu.Lock()
	defer f.mu.Unlock()
	rows := make([]map[string]any, 0, len(in.Keys))
	for _, k := range in.Keys {
		d, ok := f.docs[k]
		if !ok {
			rows = append(rows, map[string]any{"key": k, "error": "not_found"})
			continue
		}
		rows = append(rows, map[string]any{"id": k, "key": k, "value": map[string]any{"rev": d["_rev"], "deleted": d["_deleted"] == true}})
	}
	writeJSON(w, http.StatusOK, map[string]any{"rows": rows})
}

func (f *fakeCouch) bulkDocs(w http.ResponseWriter, r *http.Request) {
	var in struct {
		Docs []map[string]any `json:"docs"`
	}
	_ = json.NewDecoder(r.Body).Decode(&in)

	f.mu.Lock()
	defer f.mu.Unlock()
	var ids []string
	out := make([]map[string]any, 0, len(in.Docs))
	for _, d := range in.Docs {
		id := d["_id"].(string)
		rev, _ := d["_rev"].(string)
		ids = append(ids, id)
		f.writes[id]++

		cur, exists := f.docs[id]
		curRev, _ := cur["_rev"].(string)
		curDeleted := exists && cur["_deleted"] == true

		switch {
		case f.reject[id]:
			out = append(out, map[string]any{"id": id, "error": "forbidden", "reason": "invalid record"})
		case f.conflictOnce[id]:
			delete(f.conflictOnce, id)
			out = append(out, map[string]any{"id": id, "error": "conflict", "reason": "Document update conflict."})
		case exists && !curDeleted && rev != curRev,
			exists && curDeleted && rev != "" && rev != curRev,
			!exists && rev != "":
			out = append(out, map[string]any{"id": id, "error": "conflict", "reason": "Document update conflict."})
		default:
			out = append(out, map[string]any{"id": id, "ok": true, "rev": f.storeLocked(d)})
		}
	}
	f.bulkCalls = append(f.bulkCalls, ids)
	writeJSON(w, http.StatusCreated, out)
}

func (f *fakeCouch) changesFeed(w http.ResponseWriter, r *http.Request) {
	since := parseSeq(r.URL.Query().Get("since"))
	longPoll := r.URL.Query().Get("feed") == "longpoll"
	wait, _ := strconv.Atoi(r.URL.Query().Get("timeout"))

	deadline := time.After(time.Duration(wait) * time.Millisecond)
	for {
		f.mu.Lock()
		latest := map[string]int{}
		var order []string
		for _, c := range f.changes {
			if c.seq <= since {
				continue
			}
			if _, seen := latest[c.id]; !seen {
				order = append(order, c.id)
			}
			latest[c.id] = c.seq
		}
		sort.Slice(order, func(i, j int) bool { return latest[order[i]] < latest[order[j]] })
		results := make([]map[string]any, 0, len(order))
		last := since
		for _, id := range order {
			d := f.docs[id]
			results = append(results, map[string]any{
				"seq": seqString(latest[id]), "id": id, "deleted": d["_deleted"] == true, "doc": d,
			})
			if latest[id] > last {
				last = latest[id]
			}
		}
		wake := f.wake
		f.mu.Unlock()

		if len(results) > 0 || !longPoll {
			writeJSON(w, http.StatusOK, map[string]any{"results": results, "last_seq": seqString(last)})
			return
		}
		select {
		case <-wake:
		case <-deadline:
			writeJSON(w, http.StatusOK, map[string]any{"results": results, "last_seq": seqString(last)})
			return
		case <-r.Context().Done():
			return
		}
	}
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
