package dataset

import (
	"bufio"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/ethpandaops/runsync/pkg/config"
	"github.com/ethpandaops/runsync/pkg/retry"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func quietLogger() logrus.FieldLogger {
	log := logrus.New()
	log.SetLevel(logrus.ErrorLevel)

	return log
}

// fakeHub is a minimal Hub API serving one dataset repository.
type fakeHub struct {
	t         *testing.T
	mu        sync.Mutex
	files     map[string][]byte
	lfsMode   bool
	lfsStored map[string][]byte
	commits   int
	srv       *httptest.Server
}

func newFakeHub(t *testing.T) *fakeHub {
	t.Helper()

	h := &fakeHub{
		t:         t,
		files:     map[string][]byte{},
		lfsStored: map[string][]byte{},
	}

	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/datasets/org/data/preupload/main", h.preupload)
	mux.HandleFunc("POST /api/datasets/org/data/commit/main", h.commit)
	mux.HandleFunc("GET /api/datasets/org/data/tree/main", h.tree)
	mux.HandleFunc("GET /datasets/org/data/resolve/main/{path...}", h.resolve)
	mux.HandleFunc("POST /datasets/org/data.git/info/lfs/objects/batch", h.lfsBatch)
	mux.HandleFunc("PUT /lfs/{oid}", h.lfsPut)

	h.srv = httptest.NewServer(h.auth(mux))
	t.Cleanup(h.srv.Close)

	return h
}

func (h *fakeHub) auth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !strings.HasPrefix(r.URL.Path, "/lfs/") && r.Header.Get("Authorization") != "Bearer hf_token" {
			w.WriteHeader(http.StatusUnauthorized)

			return
		}

		next.ServeHTTP(w, r)
	})
}

func (h *fakeHub) preupload(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Files []hfPreuploadFile `json:"files"`
	}
	require.NoError(h.t, json.NewDecoder(r.Body).Decode(&req))

	mode := "regular"
	if h.lfsMode {
		mode = "lfs"
	}

	files := make([]map[string]any, 0, len(req.Files))
	for _, f := range req.Files {
		files = append(files, map[string]any{"path": f.Path, "uploadMode": mode})
	}

	_ = json.NewEncoder(w).Encode(map[string]any{"files": files})
}

func (h *fakeHub) commit(w http.ResponseWriter, r *http.Request) {
	assert.Equal(h.t, "application/x-ndjson", r.Header.Get("Content-Type"))

	h.mu.Lock()
	defer h.mu.Unlock()

	scanner := bufio.NewScanner(r.Body)
	scanner.Buffer(make([]byte, 1<<20), 1<<20)

	var sawHeader bool

	for scanner.Scan() {
		var line struct {
			Key   string          `json:"key"`
			Value json.RawMessage `json:"value"`
		}
		require.NoError(h.t, json.Unmarshal(scanner.Bytes(), &line))

		switch line.Key {
		case "header":
			sawHeader = true
		case "file":
			var f hfCommitFile
			require.NoError(h.t, json.Unmarshal(line.Value, &f))

			data, err := base64.StdEncoding.DecodeString(f.Content)
			require.NoError(h.t, err)

			h.files[f.Path] = data
		case "lfsFile":
			var f hfCommitLFSFile
			require.NoError(h.t, json.Unmarshal(line.Value, &f))

			data, ok := h.lfsStored[f.Oid]
			require.True(h.t, ok, "lfs object uploaded before commit")

			h.files[f.Path] = data
		}
	}

	assert.True(h.t, sawHeader)

	h.commits++

	_ = json.NewEncoder(w).Encode(map[string]any{"success": true})
}

func (h *fakeHub) tree(w http.ResponseWriter, r *http.Request) {
	h.mu.Lock()
	defer h.mu.Unlock()

	entries := []hfTreeEntry{{Type: "directory", Path: "old"}}
	for p, data := range h.files {
		entries = append(entries, hfTreeEntry{Type: "file", Path: p, Size: int64(len(data))})
	}

	// Serve the directory entry alone on the first page to exercise paging.
	if r.URL.Query().Get("cursor") == "" {
		w.Header().Set("Link", "<"+h.srv.URL+r.URL.Path+"?recursive=true&cursor=2>; rel=\"next\"")
		_ = json.NewEncoder(w).Encode(entries[:1])

		return
	}

	_ = json.NewEncoder(w).Encode(entries[1:])
}

func (h *fakeHub) resolve(w http.ResponseWriter, r *http.Request) {
	h.mu.Lock()
	defer h.mu.Unlock()

	data, ok := h.files[r.PathValue("path")]
	if !ok {
		http.NotFound(w, r)

		return
	}

	_, _ = w.Write(data)
}

func (h *fakeHub) lfsBatch(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Operation string `json:"operation"`
		Objects   []struct {
			Oid  string `json:"oid"`
			Size int64  `json:"size"`
		} `json:"objects"`
	}
	require.NoError(h.t, json.NewDecoder(r.Body).Decode(&req))
	assert.Equal(h.t, "upload", req.Operation)

	objects := make([]map[string]any, 0, len(req.Objects))
	for _, o := range req.Objects {
		objects = append(objects, map[string]any{
			"oid":  o.Oid,
			"size": o.Size,
			"actions": map[string]any{
				"upload": map[string]any{"href": h.srv.URL + "/lfs/" + o.Oid},
			},
		})
	}

	w.Header().Set("Content-Type", lfsMediaType)
	_ = json.NewEncoder(w).Encode(map[string]any{"objects": objects})
}

func (h *fakeHub) lfsPut(w http.ResponseWriter, r *http.Request) {
	data, err := io.ReadAll(r.Body)
	require.NoError(h.t, err)

	h.mu.Lock()
	h.lfsStored[r.PathValue("oid")] = data
	h.mu.Unlock()

	w.WriteHeader(http.StatusOK)
}

func (h *fakeHub) store() Store {
	return NewHuggingFaceStore(quietLogger(), &config.HuggingFaceConfig{
		Endpoint: h.srv.URL,
		Token:    "hf_token",
		Repo:     "org/data",
		RepoType: "dataset",
		Revision: "main",
	})
}

func writeLocal(t *testing.T, name, content string) string {
	t.Helper()

	p := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(p, []byte(content), 0o600))

	return p
}

func TestHuggingFace_UploadRegular(t *testing.T) {
	hub := newFakeHub(t)
	store := hub.store()

	local := writeLocal(t, "P_2024_03_01.tsv", "run_id\nabc\n")

	require.NoError(t, store.Upload(context.Background(), local, "P_2024_03_01.tsv"))
	assert.Equal(t, "run_id\nabc\n", string(hub.files["P_2024_03_01.tsv"]))

	// A second upload replaces the content.
	require.NoError(t, os.WriteFile(local, []byte("run_id\nabc\ndef\n"), 0o600))
	require.NoError(t, store.Upload(context.Background(), local, "P_2024_03_01.tsv"))
	assert.Equal(t, "run_id\nabc\ndef\n", string(hub.files["P_2024_03_01.tsv"]))
	assert.Equal(t, 2, hub.commits)
}

func TestHuggingFace_UploadLFS(t *testing.T) {
	hub := newFakeHub(t)
	hub.lfsMode = true

	local := writeLocal(t, "big.tsv", "lots of rows")

	require.NoError(t, hub.store().Upload(context.Background(), local, "big.tsv"))
	assert.Equal(t, "lots of rows", string(hub.files["big.tsv"]))
	assert.Len(t, hub.lfsStored, 1)
}

func TestHuggingFace_UploadUnauthorizedIsPermanent(t *testing.T) {
	hub := newFakeHub(t)

	store := NewHuggingFaceStore(quietLogger(), &config.HuggingFaceConfig{
		Endpoint: hub.srv.URL,
		Token:    "wrong",
		Repo:     "org/data",
		RepoType: "dataset",
		Revision: "main",
	})

	err := store.Upload(context.Background(), writeLocal(t, "f.tsv", "x"), "f.tsv")
	require.Error(t, err)
	assert.False(t, retry.IsRetryable(err))
}

func TestHuggingFace_ListAndOpen(t *testing.T) {
	hub := newFakeHub(t)
	hub.files["P_2024_03_01.tsv"] = []byte("a")
	hub.files["sub/P_2024_03_02.tsv"] = []byte("b")

	store := hub.store()

	names, err := store.List(context.Background())
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"P_2024_03_01.tsv", "sub/P_2024_03_02.tsv"}, names)

	rc, err := store.Open(context.Background(), "sub/P_2024_03_02.tsv")
	require.NoError(t, err)

	data, err := io.ReadAll(rc)
	require.NoError(t, err)
	require.NoError(t, rc.Close())
	assert.Equal(t, "b", string(data))

	_, err = store.Open(context.Background(), "missing.tsv")
	assert.True(t, errors.Is(err, ErrNotFound))
}

func TestNextLink(t *testing.T) {
	tests := []struct {
		header string
		want   string
	}{
		{"", ""},
		{`<https://hf.co/api/x?cursor=abc>; rel="next"`, "https://hf.co/api/x?cursor=abc"},
		{`<https://a>; rel="prev", <https://b>; rel="next"`, "https://b"},
		{`<https://a>; rel="prev"`, ""},
	}

	for _, tt := range tests {
		t.Run(tt.header, func(t *testing.T) {
			assert.Equal(t, tt.want, nextLink(tt.header))
		})
	}
}

func TestRepoURL(t *testing.T) {
	for repoType, want := range map[string]string{
		"dataset": "https://hf.co/datasets/org/r",
		"space":   "https://hf.co/spaces/org/r",
		"model":   "https://hf.co/org/r",
	} {
		h := &huggingFaceStore{cfg: &config.HuggingFaceConfig{
			Endpoint: "https://hf.co",
			Repo:     "org/r",
			RepoType: repoType,
		}}
		assert.Equal(t, want, h.repoURL(), repoType)
	}
}
