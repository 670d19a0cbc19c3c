// Package remote is the HTTP client of the data service. It owns the
// authenticated session and maps answers onto the fault taxonomy.
package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/jpillora/backoff"

	"github.com/i5heu/gnode/pkg/fault"
	"github.com/i5heu/gnode/pkg/model"
	workerpool "github.com/i5heu/gnode/pkg/workerPool"
)

const (
	DefaultWorkers = 20
	DefaultTimeout = 30 * time.Second

	authenticatePath = "/account/authenticate/"
	logoutPath       = "/account/logout/"
	datafilesPath    = "/datafiles/"
)

type Config struct {
	// BaseURL is scheme://host[/prefix] of the service.
	BaseURL  string
	Username string
	Password string
	// Prompt asks for the password when none is configured.
	Prompt func(username string) (string, error)
	// Timeout bounds each request, connect and read included.
	Timeout time.Duration
	// Workers bounds the concurrent requests of GetMany.
	Workers int
	// Retries is how often an idempotent request is repeated after a 502,
	// 503 or 504.
	Retries int
	// Transport replaces the default round tripper, mainly in tests.
	Transport http.RoundTripper
	Logger    *slog.Logger
}

// Remote is a single authenticated session with the service.
type Remote struct {
	cfg    Config
	base   *url.URL
	client *http.Client
	pool   *workerpool.WorkerPool
	log    *slog.Logger
}

func New(cfg Config) (*Remote, error) {
	base, err := url.Parse(strings.TrimRight(cfg.BaseURL, "/"))
	if err != nil || base.Scheme == "" || base.Host == "" {
		return nil, fmt.Errorf("remote: invalid base url %q", cfg.BaseURL)
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.Workers <= 0 {
		cfg.Workers = DefaultWorkers
	}
	if cfg.Retries < 0 {
		cfg.Retries = 0
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	jar, err := cookiejar.New(nil)
	if err != nil {
		return nil, err
	}
	return &Remote{
		cfg:    cfg,
		base:   base,
		client: &http.Client{Jar: jar, Timeout: cfg.Timeout, Transport: cfg.Transport},
		pool:   workerpool.NewWorkerPool(workerpool.Config{WorkerCount: cfg.Workers}),
		log:    cfg.Logger,
	}, nil
}

// Base is the service root used to build permalinks.
func (r *Remote) Base() string { return r.base.String() }

func (r *Remote) url(p string, q url.Values) string {
	u := *r.base
	u.Path = strings.TrimRight(r.base.Path, "/") + p
	if len(q) > 0 {
		u.RawQuery = q.Encode()
	}
	return u.String()
}

// Login authenticates and keeps the session cookie.
func (r *Remote) Login(ctx context.Context) error {
	password := r.cfg.Password
	if password == "" {
		if r.cfg.Prompt == nil {
			return fmt.Errorf("%w: no password for %q", fault.ErrAuth, r.cfg.Username)
		}
		p, err := r.cfg.Prompt(r.cfg.Username)
		if err != nil {
			return fmt.Errorf("%w: %v", fault.ErrAuth, err)
		}
		password = p
	}
	form := url.Values{"username": {r.cfg.Username}, "password": {password}}
	target := r.url(authenticatePath, nil)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, target, strings.NewReader(form.Encode()))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	resp, err := r.client.Do(req)
	if err != nil {
		return &fault.TransportError{Op: http.MethodPost, URL: target, Err: err}
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)
	if len(resp.Cookies()) == 0 {
		return fmt.Errorf("%w: %s answered %d without a session cookie", fault.ErrAuth, target, resp.StatusCode)
	}
	r.log.Info("authenticated", "user", r.cfg.Username, "server", r.Base())
	return nil
}

// Logout ends the server session. The local cookie jar is reset either way.
func (r *Remote) Logout(ctx context.Context) error {
	resp, err := r.do(ctx, http.MethodGet, logoutPath, nil, nil, "", nil)
	if jar, jerr := cookiejar.New(nil); jerr == nil {
		r.client.Jar = jar
	}
	if err != nil {
		return err
	}
	resp.Body.Close()
	return nil
}

// Close logs out and stops the worker pool.
func (r *Remote) Close(ctx context.Context) error {
	err := r.Logout(ctx)
	r.pool.Close()
	return err
}

// do sends one request. Non-2xx answers other than 304 become errors; the
// caller owns the body of the returned response.
func (r *Remote) do(ctx context.Context, method, p string, q url.Values, body []byte, contentType string, header http.Header) (*http.Response, error) {
	target := r.url(p, q)
	b := &backoff.Backoff{Min: 100 * time.Millisecond, Max: 2 * time.Second, Factor: 2, Jitter: true}
	idempotent := method == http.MethodGet || method == http.MethodDelete
	for attempt := 0; ; attempt++ {
		var rd io.Reader
		if body != nil {
			rd = bytes.NewReader(body)
		}
		req, err := http.NewRequestWithContext(ctx, method, target, rd)
		if err != nil {
			return nil, err
		}
		for k, vs := range header {
			for _, v := range vs {
				req.Header.Add(k, v)
			}
		}
		if contentType != "" {
			req.Header.Set("Content-Type", contentType)
		}
		req.Header.Set("Accept", "application/json")

		start := time.Now()
		resp, err := r.client.Do(req)
		if err != nil {
			return nil, &fault.TransportError{Op: method, URL: target, Err: err}
		}
		r.log.Debug("request", "method", method, "url", target, "status", resp.StatusCode,
			"sent", humanize.Bytes(uint64(len(body))), "took", time.Since(start))

		switch {
		case resp.StatusCode == http.StatusNotModified:
			return resp, nil
		case resp.StatusCode >= 200 && resp.StatusCode < 300:
			return resp, nil
		}
		retryable := resp.StatusCode == http.StatusBadGateway ||
			resp.StatusCode == http.StatusServiceUnavailable ||
			resp.StatusCode == http.StatusGatewayTimeout
		if idempotent && retryable && attempt < r.cfg.Retries {
			resp.Body.Close()
			select {
			case <-ctx.Done():
				return nil, &fault.TransportError{Op: method, URL: target, Err: ctx.Err()}
			case <-time.After(b.Duration()):
			}
			continue
		}
		return nil, statusError(method, target, resp)
	}
}

func statusError(method, target string, resp *http.Response) error {
	defer resp.Body.Close()
	data, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	se := &fault.StatusError{Code: resp.StatusCode, Method: method, URL: target}
	var env model.Envelope
	if json.Unmarshal(data, &env) == nil {
		se.Message = env.Message
		se.Details = env.Details
	} else if len(data) > 0 {
		se.Message = strings.TrimSpace(string(data))
	}
	return se
}

func readEnvelope(resp *http.Response) ([]*model.Entity, error) {
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &fault.TransportError{Op: resp.Request.Method, URL: resp.Request.URL.String(), Err: err}
	}
	ents, _, err := model.DecodeEnvelope(data)
	return ents, err
}

// Select lists entities of kind.
func (r *Remote) Select(ctx context.Context, kind model.Kind, q Query) ([]*model.Entity, error) {
	ents, _, err := r.SelectConditional(ctx, kind, q, "")
	return ents, err
}

// SelectConditional lists entities of kind, sending etag as If-none-match.
// A 304 yields fault.ErrNotModified.
func (r *Remote) SelectConditional(ctx context.Context, kind model.Kind, q Query, etag string) ([]*model.Entity, string, error) {
	if !kind.Valid() {
		return nil, "", fault.Invalid(string(kind), "", "unknown kind")
	}
	h := http.Header{}
	if etag != "" {
		h.Set("If-None-Match", etag)
	}
	resp, err := r.do(ctx, http.MethodGet, model.CollectionPath(kind), q.Values(kind), nil, "", h)
	if err != nil {
		return nil, "", err
	}
	if resp.StatusCode == http.StatusNotModified {
		resp.Body.Close()
		return nil, etag, fault.ErrNotModified
	}
	newTag := resp.Header.Get("ETag")
	ents, err := readEnvelope(resp)
	if err != nil {
		return nil, "", err
	}
	r.log.Debug("selected", "kind", kind, "filters", q.filterKeys(), "count", len(ents))
	return ents, newTag, nil
}

// Get fetches one entity. With a non-empty etag a 304 yields
// fault.ErrNotModified.
func (r *Remote) Get(ctx context.Context, location, etag string) (*model.Entity, error) {
	loc, err := model.ParseLocation(location)
	if err != nil {
		return nil, err
	}
	h := http.Header{}
	if etag != "" {
		h.Set("If-None-Match", etag)
	}
	resp, err := r.do(ctx, http.MethodGet, loc.Path(), nil, nil, "", h)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode == http.StatusNotModified {
		resp.Body.Close()
		return nil, fault.ErrNotModified
	}
	return r.single(resp, loc.String())
}

func (r *Remote) single(resp *http.Response, what string) (*model.Entity, error) {
	ents, err := readEnvelope(resp)
	if err != nil {
		return nil, err
	}
	if len(ents) == 0 {
		return nil, &fault.StatusError{Code: http.StatusNotFound, Method: resp.Request.Method,
			URL: resp.Request.URL.String(), Message: "empty answer for " + what}
	}
	return ents[0], nil
}

// GetMany fetches locations concurrently on the worker pool. The returned
// slice matches locations index by index; failed entries are nil and their
// errors are joined.
func (r *Remote) GetMany(ctx context.Context, locations []string) ([]*model.Entity, error) {
	room := r.pool.CreateRoom(len(locations))
	for _, l := range locations {
		l := l
		if err := room.NewTask(func() (any, error) { return r.Get(ctx, l, "") }); err != nil {
			return nil, err
		}
	}
	out := make([]*model.Entity, len(locations))
	var errs []error
	for i, res := range room.Collect() {
		if res.Err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", locations[i], res.Err))
			continue
		}
		out[i] = res.Value.(*model.Entity)
	}
	return out, errors.Join(errs...)
}

// Set creates or updates an entity. With avoidCollisions and a known version
// token the server rejects the write with 412 when it holds a newer version.
func (r *Remote) Set(ctx context.Context, e *model.Entity, avoidCollisions bool) (*model.Entity, error) {
	if err := e.Validate(); err != nil {
		return nil, err
	}
	body, err := e.Marshal(r.Base())
	if err != nil {
		return nil, err
	}
	p := model.CollectionPath(e.Kind)
	if e.Persisted() {
		p = e.Loc().Path()
	}
	h := http.Header{}
	if avoidCollisions && e.GUID != "" {
		h.Set("If-Match", e.GUID)
	}
	q := url.Values{"m2m_append": {"0"}}
	resp, err := r.do(ctx, http.MethodPost, p, q, body, "application/json", h)
	if err != nil {
		return nil, err
	}
	saved, err := r.single(resp, p)
	if err != nil {
		return nil, err
	}
	r.log.Debug("saved", "location", saved.Location(), "guid", saved.GUID)
	return saved, nil
}

// BulkUpdate applies fields to every entity of kind matching q.
func (r *Remote) BulkUpdate(ctx context.Context, kind model.Kind, q Query, fields map[string]any) ([]*model.Entity, error) {
	body, err := json.Marshal(map[string]any{"fields": fields})
	if err != nil {
		return nil, err
	}
	v := q.Values(kind)
	v.Set("bulk_update", "1")
	resp, err := r.do(ctx, http.MethodPost, model.CollectionPath(kind), v, body, "application/json", nil)
	if err != nil {
		return nil, err
	}
	return readEnvelope(resp)
}

func (r *Remote) Delete(ctx context.Context, location string) error {
	loc, err := model.ParseLocation(location)
	if err != nil {
		return err
	}
	resp, err := r.do(ctx, http.MethodDelete, loc.Path(), nil, nil, "", nil)
	if err != nil {
		return err
	}
	resp.Body.Close()
	return nil
}

func fileID(location string) string {
	if loc, err := model.ParseLocation(location); err == nil {
		return loc.ID
	}
	s := strings.TrimSuffix(location, "/")
	s = strings.TrimSuffix(s, "/data")
	return s[strings.LastIndex(s, "/")+1:]
}

// GetFile downloads the raw content of a datafile.
func (r *Remote) GetFile(ctx context.Context, location string) ([]byte, error) {
	id := fileID(location)
	if id == "" {
		return nil, fault.Invalid("datafile", "", "no id in %q", location)
	}
	resp, err := r.do(ctx, http.MethodGet, datafilesPath+id+"/data", nil, nil, "", nil)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &fault.TransportError{Op: http.MethodGet, URL: resp.Request.URL.String(), Err: err}
	}
	r.log.Debug("downloaded file", "id", id, "size", humanize.Bytes(uint64(len(data))))
	return data, nil
}

// SetFile uploads data as a new datafile and returns its entity.
func (r *Remote) SetFile(ctx context.Context, name string, data []byte) (*model.Entity, error) {
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	fw, err := mw.CreateFormFile("raw_file", name)
	if err != nil {
		return nil, err
	}
	if _, err := fw.Write(data); err != nil {
		return nil, err
	}
	if err := mw.Close(); err != nil {
		return nil, err
	}
	resp, err := r.do(ctx, http.MethodPost, datafilesPath, nil, buf.Bytes(), mw.FormDataContentType(), nil)
	if err != nil {
		return nil, err
	}
	saved, err := r.single(resp, datafilesPath)
	if err != nil {
		return nil, err
	}
	r.log.Info("uploaded file", "location", saved.Location(), "size", humanize.Bytes(uint64(len(data))))
	return saved, nil
}

// ACL is the access state of an entity.
type ACL struct {
	SafetyLevel int            `json:"safety_level"`
	SharedWith  map[string]int `json:"shared_with"`
}

func aclPath(location string) (string, error) {
	loc, err := model.ParseLocation(location)
	if err != nil {
		return "", err
	}
	return loc.Path() + "acl/", nil
}

// Permissions reads the ACL of location.
func (r *Remote) Permissions(ctx context.Context, location string) (*ACL, error) {
	p, err := aclPath(location)
	if err != nil {
		return nil, err
	}
	resp, err := r.do(ctx, http.MethodGet, p, nil, nil, "", nil)
	if err != nil {
		return nil, err
	}
	return decodeACL(resp)
}

// SetPermissions replaces the ACL of location; cascade applies it to the
// whole subtree and notify mails the users added.
func (r *Remote) SetPermissions(ctx context.Context, location string, acl ACL, cascade, notify bool) (*ACL, error) {
	p, err := aclPath(location)
	if err != nil {
		return nil, err
	}
	body, err := json.Marshal(acl)
	if err != nil {
		return nil, err
	}
	q := url.Values{
		"cascade": {strconv.FormatBool(cascade)},
		"notify":  {strconv.FormatBool(notify)},
	}
	resp, err := r.do(ctx, http.MethodPost, p, q, body, "application/json", nil)
	if err != nil {
		return nil, err
	}
	return decodeACL(resp)
}

func decodeACL(resp *http.Response) (*ACL, error) {
	defer resp.Body.Close()
	var acl ACL
	if err := json.NewDecoder(resp.Body).Decode(&acl); err != nil {
		return nil, fmt.Errorf("remote: decode acl: %w", err)
	}
	return &acl, nil
}
