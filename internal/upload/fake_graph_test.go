package upload

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/tonimelisma/sharepoint-go/internal/graph"
	"github.com/tonimelisma/sharepoint-go/pkg/quickxorhash"
)

const (
	testHost     = "contoso.sharepoint.com"
	testSitePath = "/sites/Team"
	testSiteID   = "site-1"
	testRootID   = "root-1"
	testDir      = "Reports"
	sessionPath  = "/upload-session/abc"
)

type staticToken string

func (s staticToken) Token(context.Context) (string, error) { return string(s), nil }

// fakeGraph is an in-process Graph API covering site and drive lookups,
// small uploads and upload sessions. Status fields inject failures.
type fakeGraph struct {
	t   *testing.T
	srv *httptest.Server

	mu sync.Mutex

	siteStatus    int
	rootStatus    int
	smallStatus   int
	sessionStatus int
	chunkStatus   map[int64]int // by chunk offset
	queryStatus   int
	queryRanges   []string
	reportedHash  string // overrides the digest in the final item when set
	onChunk       func(n int)

	n fakeCounts
}

// fakeCounts records what the fake server saw.
type fakeCounts struct {
	siteLookups    int
	rootLookups    int
	smallPuts      int
	sessionCreates int
	chunkPuts      int
	queries        int
	deletes        int
	ranges         []string
	received       []byte
	lastItemJSON   []byte
	authOnSession  []string
}

func newFakeGraph(t *testing.T) *fakeGraph {
	t.Helper()

	f := &fakeGraph{t: t, chunkStatus: map[int64]int{}}
	f.srv = httptest.NewServer(http.HandlerFunc(f.serve))
	t.Cleanup(f.srv.Close)

	return f
}

func (f *fakeGraph) client() *graph.Client {
	return graph.NewClient(f.srv.URL, nil, staticToken("test-token"), nil, "test-agent")
}

func (f *fakeGraph) config() Config {
	return Config{Hostname: testHost, SitePath: testSitePath, Dir: testDir}
}

func (f *fakeGraph) serve(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	defer f.mu.Unlock()

	path := r.URL.Path
	itemPrefix := "/sites/" + testSiteID + "/drive/items/" + testRootID + ":/" + testDir + "/"

	switch {
	case r.Method == http.MethodDelete:
		f.n.deletes++
		w.WriteHeader(http.StatusNoContent)
	case r.Method == http.MethodGet && path == "/sites/"+testHost+":"+testSitePath:
		f.n.siteLookups++
		if f.fail(w, f.siteStatus) {
			return
		}

		writeJSON(w, http.StatusOK, map[string]string{"id": testSiteID, "name": "Team"})
	case r.Method == http.MethodGet && path == "/sites/"+testSiteID+"/drive/root/":
		f.n.rootLookups++
		if f.fail(w, f.rootStatus) {
			return
		}

		writeJSON(w, http.StatusOK, map[string]any{"id": testRootID, "folder": map[string]int{"childCount": 0}})
	case r.Method == http.MethodPut && strings.HasPrefix(path, itemPrefix) && strings.HasSuffix(path, ":/content"):
		f.n.smallPuts++
		body, _ := io.ReadAll(r.Body)
		if f.fail(w, f.smallStatus) {
			return
		}

		f.n.received = body
		name := strings.TrimSuffix(strings.TrimPrefix(path, itemPrefix), ":/content")
		f.writeItem(w, http.StatusCreated, name)
	case r.Method == http.MethodPost && strings.HasPrefix(path, itemPrefix) && strings.HasSuffix(path, ":/createUploadSession"):
		f.n.sessionCreates++
		if f.fail(w, f.sessionStatus) {
			return
		}

		f.n.received = nil
		writeJSON(w, http.StatusOK, map[string]any{
			"uploadUrl":          f.srv.URL + sessionPath + "?tempauth=secret",
			"expirationDateTime": "2099-01-01T00:00:00Z",
			"nextExpectedRanges": []string{"0-"},
		})
	case r.Method == http.MethodPut && path == sessionPath:
		f.chunk(w, r)
	case r.Method == http.MethodGet && path == sessionPath:
		f.n.queries++
		if f.fail(w, f.queryStatus) {
			return
		}

		writeJSON(w, http.StatusOK, map[string]any{"nextExpectedRanges": f.queryRanges})
	default:
		f.t.Errorf("unexpected request %s %s", r.Method, path)
		w.WriteHeader(http.StatusNotFound)
	}
}

func (f *fakeGraph) chunk(w http.ResponseWriter, r *http.Request) {
	f.n.chunkPuts++
	f.n.authOnSession = append(f.n.authOnSession, r.Header.Get("Authorization"))

	cr := r.Header.Get("Content-Range")
	f.n.ranges = append(f.n.ranges, cr)

	var start, end, total int64
	if _, err := fmt.Sscanf(cr, "bytes %d-%d/%d", &start, &end, &total); err != nil {
		f.t.Errorf("bad Content-Range %q", cr)
		w.WriteHeader(http.StatusBadRequest)

		return
	}

	body, _ := io.ReadAll(r.Body)

	if f.onChunk != nil {
		f.onChunk(f.n.chunkPuts)
	}

	if f.fail(w, f.chunkStatus[start]) {
		return
	}

	assert.Equal(f.t, end-start+1, int64(len(body)))

	// Keep what a resumed session would already hold.
	if int64(len(f.n.received)) > start {
		f.n.received = f.n.received[:start]
	}

	f.n.received = append(f.n.received, body...)

	if end+1 < total {
		writeJSON(w, http.StatusAccepted, map[string]any{
			"nextExpectedRanges": []string{fmt.Sprintf("%d-", end+1)},
		})

		return
	}

	f.writeItem(w, http.StatusCreated, "big.bin")
}

func (f *fakeGraph) writeItem(w http.ResponseWriter, status int, name string) {
	hash := f.reportedHash
	if hash == "" {
		hash, _ = quickxorhash.Base64(bytes.NewReader(f.n.received))
	}

	body, _ := json.Marshal(map[string]any{
		"id":     "item-" + name,
		"name":   name,
		"size":   len(f.n.received),
		"webUrl": "https://contoso.sharepoint.com/sites/Team/Reports/" + name,
		"file": map[string]any{
			"mimeType": "application/octet-stream",
			"hashes":   map[string]string{"quickXorHash": hash},
		},
	})

	f.n.lastItemJSON = body

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write(body)
}

func (f *fakeGraph) fail(w http.ResponseWriter, status int) bool {
	if status == 0 {
		return false
	}

	writeJSON(w, status, map[string]any{"error": map[string]string{"code": "injected", "message": "injected failure"}})

	return true
}

func (f *fakeGraph) counts() fakeCounts {
	f.mu.Lock()
	defer f.mu.Unlock()

	c := f.n
	c.ranges = append([]string(nil), f.n.ranges...)
	c.received = append([]byte(nil), f.n.received...)
	c.lastItemJSON = append([]byte(nil), f.n.lastItemJSON...)
	c.authOnSession = append([]string(nil), f.n.authOnSession...)

	return c
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// pattern returns n deterministic, non-uniform bytes.
func pattern(n int) []byte {
	b := make([]byte, n)
	for i := range b {
		b[i] = byte(i*31 + i/251)
	}

	return b
}
