package dataset

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/ethpandaops/runsync/pkg/config"
	"github.com/ethpandaops/runsync/pkg/retry"
	"github.com/sirupsen/logrus"
)

const (
	// hfSampleSize is how much of a file the preupload call inspects.
	hfSampleSize = 512

	// hfTimeout bounds a single Hub request.
	hfTimeout = 5 * time.Minute

	lfsMediaType = "application/vnd.git-lfs+json"
)

// huggingFaceStore implements Store on a Hugging Face Hub repository.
type huggingFaceStore struct {
	log    logrus.FieldLogger
	cfg    *config.HuggingFaceConfig
	client *http.Client
}

// Ensure interface compliance.
var _ Store = (*huggingFaceStore)(nil)

// NewHuggingFaceStore creates a Store for the configured Hub repository.
func NewHuggingFaceStore(log logrus.FieldLogger, cfg *config.HuggingFaceConfig) Store {
	return &huggingFaceStore{
		log:    log.WithField("component", "huggingface"),
		cfg:    cfg,
		client: &http.Client{Timeout: hfTimeout},
	}
}

// apiURL returns {endpoint}/api/{type}s/{repo}/{parts...}.
func (h *huggingFaceStore) apiURL(parts ...string) string {
	return h.cfg.Endpoint + "/api/" + h.cfg.RepoType + "s/" + h.cfg.Repo + "/" + strings.Join(parts, "/")
}

// repoURL returns the git-facing URL of the repository, which has no type
// segment for models.
func (h *huggingFaceStore) repoURL() string {
	if h.cfg.RepoType == "model" {
		return h.cfg.Endpoint + "/" + h.cfg.Repo
	}

	return h.cfg.Endpoint + "/" + h.cfg.RepoType + "s/" + h.cfg.Repo
}

func (h *huggingFaceStore) revision() string {
	return url.PathEscape(h.cfg.Revision)
}

type hfPreuploadFile struct {
	Path   string `json:"path"`
	Size   int64  `json:"size"`
	Sample string `json:"sample"`
}

type hfPreuploadResponse struct {
	Files []struct {
		Path         string `json:"path"`
		UploadMode   string `json:"uploadMode"`
		ShouldIgnore bool   `json:"shouldIgnore"`
	} `json:"files"`
}

type hfCommitLine struct {
	Key   string `json:"key"`
	Value any    `json:"value"`
}

type hfCommitHeader struct {
	Summary     string `json:"summary"`
	Description string `json:"description"`
}

type hfCommitFile struct {
	Path     string `json:"path"`
	Content  string `json:"content"`
	Encoding string `json:"encoding"`
}

type hfCommitLFSFile struct {
	Path string `json:"path"`
	Algo string `json:"algo"`
	Oid  string `json:"oid"`
	Size int64  `json:"size"`
}

// Upload implements Store. The file is sent in a single commit, inline
// for regular files or through the LFS batch API when the Hub asks for it.
func (h *huggingFaceStore) Upload(ctx context.Context, localPath, remoteName string) error {
	data, err := os.ReadFile(localPath) //nolint:gosec // path from local store
	if err != nil {
		return retry.Permanent(fmt.Errorf("reading %s: %w", localPath, err))
	}

	mode, err := h.preupload(ctx, remoteName, data)
	if err != nil {
		return err
	}

	var entry hfCommitLine

	switch mode {
	case "lfs":
		sum := sha256.Sum256(data)
		oid := hex.EncodeToString(sum[:])

		if err := h.uploadLFS(ctx, oid, data); err != nil {
			return err
		}

		entry = hfCommitLine{Key: "lfsFile", Value: hfCommitLFSFile{
			Path: remoteName,
			Algo: "sha256",
			Oid:  oid,
			Size: int64(len(data)),
		}}
	default:
		entry = hfCommitLine{Key: "file", Value: hfCommitFile{
			Path:     remoteName,
			Content:  base64.StdEncoding.EncodeToString(data),
			Encoding: "base64",
		}}
	}

	var body bytes.Buffer

	enc := json.NewEncoder(&body)

	for _, line := range []hfCommitLine{
		{Key: "header", Value: hfCommitHeader{Summary: "Upload " + remoteName + " with runsync"}},
		entry,
	} {
		if err := enc.Encode(line); err != nil {
			return fmt.Errorf("encoding commit: %w", err)
		}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, h.apiURL("commit", h.revision()), &body)
	if err != nil {
		return fmt.Errorf("building commit request: %w", err)
	}

	req.Header.Set("Content-Type", "application/x-ndjson")

	if err := h.do(req, nil); err != nil {
		return fmt.Errorf("committing %s: %w", remoteName, err)
	}

	h.log.WithFields(logrus.Fields{
		"file": remoteName,
		"mode": mode,
		"repo": h.cfg.Repo,
	}).Debug("Committed file")

	return nil
}

// preupload asks the Hub whether the file goes inline or through LFS.
func (h *huggingFaceStore) preupload(ctx context.Context, remoteName string, data []byte) (string, error) {
	sample := data
	if len(sample) > hfSampleSize {
		sample = sample[:hfSampleSize]
	}

	payload, err := json.Marshal(map[string]any{
		"files": []hfPreuploadFile{{
			Path:   remoteName,
			Size:   int64(len(data)),
			Sample: base64.StdEncoding.EncodeToString(sample),
		}},
	})
	if err != nil {
		return "", fmt.Errorf("encoding preupload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, h.apiURL("preupload", h.revision()), bytes.NewReader(payload))
	if err != nil {
		return "", fmt.Errorf("building preupload request: %w", err)
	}

	req.Header.Set("Content-Type", "application/json")

	var resp hfPreuploadResponse
	if err := h.do(req, &resp); err != nil {
		return "", fmt.Errorf("preupload of %s: %w", remoteName, err)
	}

	for _, f := range resp.Files {
		if f.Path == remoteName {
			return f.UploadMode, nil
		}
	}

	return "regular", nil
}

type lfsAction struct {
	Href   string            `json:"href"`
	Header map[string]string `json:"header"`
}

type lfsBatchResponse struct {
	Objects []struct {
		Oid     string `json:"oid"`
		Size    int64  `json:"size"`
		Actions struct {
			Upload *lfsAction `json:"upload"`
			Verify *lfsAction `json:"verify"`
		} `json:"actions"`
		Error *struct {
			Code    int    `json:"code"`
			Message string `json:"message"`
		} `json:"error"`
	} `json:"objects"`
}

// uploadLFS pushes one object with the basic transfer adapter. Objects the
// server already has come back without an upload action.
func (h *huggingFaceStore) uploadLFS(ctx context.Context, oid string, data []byte) error {
	size := int64(len(data))

	payload, err := json.Marshal(map[string]any{
		"operation": "upload",
		"transfers": []string{"basic"},
		"hash_algo": "sha256",
		"objects":   []map[string]any{{"oid": oid, "size": size}},
		"ref":       map[string]string{"name": h.cfg.Revision},
	})
	if err != nil {
		return fmt.Errorf("encoding lfs batch: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		h.repoURL()+".git/info/lfs/objects/batch", bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("building lfs batch request: %w", err)
	}

	req.Header.Set("Accept", lfsMediaType)
	req.Header.Set("Content-Type", lfsMediaType)

	var batch lfsBatchResponse
	if err := h.do(req, &batch); err != nil {
		return fmt.Errorf("lfs batch: %w", err)
	}

	for _, obj := range batch.Objects {
		if obj.Error != nil {
			return &retry.StatusError{Code: obj.Error.Code, Body: obj.Error.Message}
		}

		if obj.Actions.Upload == nil {
			continue
		}

		put, err := http.NewRequestWithContext(ctx, http.MethodPut, obj.Actions.Upload.Href, bytes.NewReader(data))
		if err != nil {
			return fmt.Errorf("building lfs upload request: %w", err)
		}

		for k, v := range obj.Actions.Upload.Header {
			put.Header.Set(k, v)
		}

		put.ContentLength = size

		if err := h.send(put, nil); err != nil {
			return fmt.Errorf("lfs upload: %w", err)
		}

		if obj.Actions.Verify == nil {
			continue
		}

		body, err := json.Marshal(map[string]any{"oid": oid, "size": size})
		if err != nil {
			return fmt.Errorf("encoding lfs verify: %w", err)
		}

		verify, err := http.NewRequestWithContext(ctx, http.MethodPost, obj.Actions.Verify.Href, bytes.NewReader(body))
		if err != nil {
			return fmt.Errorf("building lfs verify request: %w", err)
		}

		for k, v := range obj.Actions.Verify.Header {
			verify.Header.Set(k, v)
		}

		verify.Header.Set("Content-Type", lfsMediaType)

		if err := h.do(verify, nil); err != nil {
			return fmt.Errorf("lfs verify: %w", err)
		}
	}

	return nil
}

type hfTreeEntry struct {
	Type string `json:"type"`
	Path string `json:"path"`
	Size int64  `json:"size"`
}

// List implements Store.
func (h *huggingFaceStore) List(ctx context.Context) ([]string, error) {
	var names []string

	next := h.apiURL("tree", h.revision()) + "?recursive=true"

	for next != "" {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, next, nil)
		if err != nil {
			return nil, fmt.Errorf("building tree request: %w", err)
		}

		var entries []hfTreeEntry

		resp, err := h.roundTrip(req, true)
		if err != nil {
			return nil, fmt.Errorf("listing %s: %w", h.cfg.Repo, err)
		}

		err = json.NewDecoder(resp.Body).Decode(&entries)
		_ = resp.Body.Close()

		if err != nil {
			return nil, fmt.Errorf("decoding tree: %w", err)
		}

		for _, e := range entries {
			if e.Type == "file" {
				names = append(names, e.Path)
			}
		}

		next = nextLink(resp.Header.Get("Link"))
	}

	return names, nil
}

// Open implements Store.
func (h *huggingFaceStore) Open(ctx context.Context, remoteName string) (io.ReadCloser, error) {
	u := h.repoURL() + "/resolve/" + h.revision() + "/" + escapePath(remoteName)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, fmt.Errorf("building download request: %w", err)
	}

	resp, err := h.roundTrip(req, true)
	if err != nil {
		var se *retry.StatusError
		if errors.As(err, &se) && se.Code == http.StatusNotFound {
			return nil, fmt.Errorf("%s: %w", remoteName, ErrNotFound)
		}

		return nil, fmt.Errorf("downloading %s: %w", remoteName, err)
	}

	return resp.Body, nil
}

// do sends an authenticated Hub request and decodes a JSON response into
// out when out is non-nil.
func (h *huggingFaceStore) do(req *http.Request, out any) error {
	resp, err := h.roundTrip(req, true)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()

	return decodeBody(resp, out)
}

// send is do without the Hub token, for pre-signed storage URLs.
func (h *huggingFaceStore) send(req *http.Request, out any) error {
	resp, err := h.roundTrip(req, false)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()

	return decodeBody(resp, out)
}

func (h *huggingFaceStore) roundTrip(req *http.Request, auth bool) (*http.Response, error) {
	if auth && h.cfg.Token != "" {
		req.Header.Set("Authorization", "Bearer "+h.cfg.Token)
	}

	resp, err := h.client.Do(req)
	if err != nil {
		return nil, err
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		_ = resp.Body.Close()

		return nil, &retry.StatusError{Code: resp.StatusCode, Body: strings.TrimSpace(string(body))}
	}

	return resp, nil
}

func decodeBody(resp *http.Response, out any) error {
	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)

		return nil
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decoding response: %w", err)
	}

	return nil
}

// nextLink extracts the rel="next" target of an RFC 8288 Link header.
func nextLink(header string) string {
	for _, part := range strings.Split(header, ",") {
		segs := strings.Split(part, ";")
		if len(segs) < 2 {
			continue
		}

		target := strings.TrimSpace(segs[0])
		if !strings.HasPrefix(target, "<") || !strings.HasSuffix(target, ">") {
			continue
		}

		for _, param := range segs[1:] {
			if strings.ReplaceAll(strings.TrimSpace(param), " ", "") == `rel="next"` {
				return target[1 : len(target)-1]
			}
		}
	}

	return ""
}

// escapePath escapes each segment of a slash-separated repository path.
func escapePath(p string) string {
	segs := strings.Split(p, "/")
	for i, s := range segs {
		segs[i] = url.PathEscape(s)
	}

	return strings.Join(segs, "/")
}
