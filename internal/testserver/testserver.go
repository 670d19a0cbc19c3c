// Package testserver is an in-memory implementation of the data service HTTP
// surface. It derives child sets from parent references, assigns content
// hashed version tokens and records every request for assertions.
package testserver

import (
	"crypto/sha1"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/i5heu/gnode/pkg/model"
)

const (
	Username   = "tester"
	Password   = "secret"
	cookieName = "sessionid"
)

// Request is one recorded call.
type Request struct {
	Method      string
	Path        string
	Query       string
	IfNoneMatch string
	IfMatch     string
}

type acl struct {
	SafetyLevel int            `json:"safety_level"`
	SharedWith  map[string]int `json:"shared_with"`
}

type Server struct {
	mu       sync.Mutex
	entities map[string]*model.Entity // canonical location -> stored entity
	files    map[string][]byte        // datafile id -> content
	shares   map[string]map[string]int
	nextID   int
	requests []Request
	sessions map[string]bool

	// RequireAuth rejects unauthenticated requests with 401.
	RequireAuth bool
	// Prefix mounts the service below a path, like /data.
	Prefix string
}

func New() *Server {
	return &Server{
		entities:    map[string]*model.Entity{},
		files:       map[string][]byte{},
		shares:      map[string]map[string]int{},
		sessions:    map[string]bool{},
		RequireAuth: true,
	}
}

// Start serves s on a local listener until the test ends.
func (s *Server) Start(t interface{ Cleanup(func()) }) *httptest.Server {
	ts := httptest.NewServer(s)
	t.Cleanup(ts.Close)
	return ts
}

// Requests returns the calls recorded since the last Reset.
func (s *Server) Requests() []Request {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Request(nil), s.requests...)
}

// Count returns how many recorded calls used method on a path with prefix.
func (s *Server) Count(method, prefix string) int {
	n := 0
	for _, r := range s.Requests() {
		if r.Method == method && strings.HasPrefix(r.Path, prefix) {
			n++
		}
	}
	return n
}

func (s *Server) Reset() {
	s.mu.Lock()
	s.requests = nil
	s.mu.Unlock()
}

// Put stores e directly, assigning an id when it has none, and returns the
// stored copy.
func (s *Server) Put(e *model.Entity) *model.Entity {
	s.mu.Lock()
	defer s.mu.Unlock()
	c := e.Copy()
	if c.ID == "" {
		c.ID = s.allocID()
	}
	s.store(c)
	return s.view(c, "")
}

// Get returns the stored entity with derived child sets.
func (s *Server) Get(location string) (*model.Entity, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entities[model.CanonicalLocation(location)]
	if !ok {
		return nil, false
	}
	return s.view(e, ""), true
}

// Mutate changes a stored entity out of band and advances its version.
func (s *Server) Mutate(location string, fn func(*model.Entity)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e := s.entities[model.CanonicalLocation(location)]
	fn(e)
	s.store(e)
}

// Len is the number of stored entities.
func (s *Server) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entities)
}

func (s *Server) allocID() string {
	s.nextID++
	return strconv.Itoa(s.nextID)
}

// store strips derived data, stamps the version token and saves e.
func (s *Server) store(e *model.Entity) {
	for _, f := range e.Schema().Children() {
		delete(e.Fields, f.Name)
	}
	e.Permalink = ""
	if e.SafetyLevel == 0 {
		e.SafetyLevel = 3
	}
	if e.Owner == "" {
		e.Owner = "/account/user/" + Username
	}
	now := time.Now().UTC().Format(time.RFC3339)
	if e.DateCreated == "" {
		e.DateCreated = now
	}
	e.LastModified = now
	e.GUID = VersionOf(e)
	s.entities[e.Location()] = e
}

// VersionOf hashes the canonical content of e. Equal content gives equal
// tokens.
func VersionOf(e *model.Entity) string {
	c := e.Copy()
	c.GUID, c.Owner, c.Permalink, c.DateCreated, c.LastModified = "", "", "", "", ""
	c.SafetyLevel = 0
	for _, f := range c.Schema().Children() {
		delete(c.Fields, f.Name)
	}
	data, _ := json.Marshal(c.ToMap(""))
	sum := sha1.Sum(data)
	return hex.EncodeToString(sum[:8])
}

// view copies e and fills its child sets from the parent references of the
// other stored entities.
func (s *Server) view(e *model.Entity, base string) *model.Entity {
	c := e.Copy()
	if base != "" {
		c.Permalink = c.Loc().Permalink(base)
	}
	for _, f := range c.Schema().Children() {
		pf, ok := model.SchemaOf(f.Target).ParentFieldFor(c.Kind)
		if !ok {
			continue
		}
		var locs []string
		for loc, other := range s.entities {
			if other.Kind == f.Target && other.Ref(pf.Name) == c.Location() {
				locs = append(locs, loc)
			}
		}
		if len(locs) > 0 {
			sortLocations(locs)
			c.Fields[f.Name] = locs
		}
	}
	return c
}

func sortLocations(locs []string) {
	sort.Slice(locs, func(i, j int) bool {
		a, _ := model.ParseLocation(locs[i])
		b, _ := model.ParseLocation(locs[j])
		x, errX := strconv.Atoi(a.ID)
		y, errY := strconv.Atoi(b.ID)
		if errX == nil && errY == nil && x != y {
			return x < y
		}
		return locs[i] < locs[j]
	})
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if s.Prefix != "" {
		p, ok := strings.CutPrefix(r.URL.Path, s.Prefix)
		if !ok {
			writeError(w, http.StatusNotFound, "no such endpoint", r.URL.Path)
			return
		}
		u := *r.URL
		u.Path = p
		r = r.Clone(r.Context())
		r.URL = &u
	}
	s.mu.Lock()
	s.requests = append(s.requests, Request{
		Method:      r.Method,
		Path:        r.URL.Path,
		Query:       r.URL.RawQuery,
		IfNoneMatch: r.Header.Get("If-None-Match"),
		IfMatch:     r.Header.Get("If-Match"),
	})
	s.mu.Unlock()

	switch {
	case r.URL.Path == "/account/authenticate/":
		s.handleLogin(w, r)
		return
	case r.URL.Path == "/account/logout/":
		if c, err := r.Cookie(cookieName); err == nil {
			s.mu.Lock()
			delete(s.sessions, c.Value)
			s.mu.Unlock()
		}
		writeJSON(w, http.StatusOK, map[string]any{"message": "logged out"})
		return
	}

	if s.RequireAuth && !s.authenticated(r) {
		writeError(w, http.StatusUnauthorized, "authentication required", "")
		return
	}

	parts := strings.Split(strings.Trim(r.URL.Path, "/"), "/")
	base := "http://" + r.Host + s.Prefix
	switch {
	case len(parts) == 1 && parts[0] == "datafiles" && r.Method == http.MethodPost:
		s.handleUpload(w, r, base)
	case len(parts) == 3 && parts[0] == "datafiles" && parts[2] == "data":
		s.handleDownload(w, parts[1])
	case len(parts) == 2:
		s.handleCollection(w, r, model.Kind(parts[1]), base)
	case len(parts) == 3:
		s.handleEntity(w, r, "/"+strings.Join(parts, "/"), base)
	case len(parts) == 4 && parts[3] == "acl":
		s.handleACL(w, r, "/"+strings.Join(parts[:3], "/"))
	default:
		writeError(w, http.StatusNotFound, "no such endpoint", r.URL.Path)
	}
}

func (s *Server) authenticated(r *http.Request) bool {
	c, err := r.Cookie(cookieName)
	if err != nil {
		return false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sessions[c.Value]
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "use POST", "")
		return
	}
	if r.FormValue("username") != Username || r.FormValue("password") != Password {
		writeError(w, http.StatusOK, "invalid credentials", "")
		return
	}
	s.mu.Lock()
	token := fmt.Sprintf("s%d", len(s.sessions)+1)
	s.sessions[token] = true
	s.mu.Unlock()
	http.SetCookie(w, &http.Cookie{Name: cookieName, Value: token, Path: "/"})
	writeJSON(w, http.StatusOK, map[string]any{"message": "authenticated"})
}

var reserved = map[string]bool{
	"max_results": true, "offset": true, "q": true, "bulk_update": true, "m2m_append": true,
	"start_time": true, "end_time": true, "duration": true, "start_index": true,
	"end_index": true, "samples_count": true, "downsample": true,
}

func (s *Server) handleCollection(w http.ResponseWriter, r *http.Request, kind model.Kind, base string) {
	if !kind.Valid() {
		writeError(w, http.StatusNotFound, "unknown kind", string(kind))
		return
	}
	switch r.Method {
	case http.MethodGet:
		s.handleList(w, r, kind, base)
	case http.MethodPost:
		if r.URL.Query().Get("bulk_update") == "1" {
			s.handleBulkUpdate(w, r, kind, base)
			return
		}
		s.handleSave(w, r, kind, "", base)
	default:
		writeError(w, http.StatusMethodNotAllowed, "unsupported method", r.Method)
	}
}

func (s *Server) match(kind model.Kind, q map[string][]string) []*model.Entity {
	var out []*model.Entity
	for _, e := range s.entities {
		if e.Kind != kind {
			continue
		}
		ok := true
		for key, vals := range q {
			if reserved[key] || len(vals) == 0 {
				continue
			}
			if !matches(e, key, vals[0]) {
				ok = false
				break
			}
		}
		if ok {
			out = append(out, e)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		x, _ := strconv.Atoi(out[i].ID)
		y, _ := strconv.Atoi(out[j].ID)
		return x < y
	})
	return out
}

func (s *Server) handleList(w http.ResponseWriter, r *http.Request, kind model.Kind, base string) {
	q := r.URL.Query()
	s.mu.Lock()
	found := s.match(kind, q)
	if off, _ := strconv.Atoi(q.Get("offset")); off > 0 {
		if off > len(found) {
			off = len(found)
		}
		found = found[off:]
	}
	if limit, _ := strconv.Atoi(q.Get("max_results")); limit > 0 && limit < len(found) {
		found = found[:limit]
	}
	h := sha1.New()
	views := make([]*model.Entity, len(found))
	for i, e := range found {
		views[i] = s.view(e, base)
		io.WriteString(h, e.Location()+"@"+e.GUID+";")
	}
	s.mu.Unlock()

	etag := hex.EncodeToString(h.Sum(nil))[:16]
	if r.Header.Get("If-None-Match") == etag {
		w.WriteHeader(http.StatusNotModified)
		return
	}
	w.Header().Set("ETag", etag)
	writeEntities(w, http.StatusOK, views, base)
}

func matches(e *model.Entity, key, want string) bool {
	field, lookup, _ := strings.Cut(key, "__")
	var have string
	var present bool
	if field == "id" {
		have, present = e.ID, true
	} else {
		f, ok := e.Schema().Field(field)
		if !ok {
			return false
		}
		v, ok := e.Fields[field]
		present = ok && v != nil
		have = render(f, v)
	}
	switch lookup {
	case "", "exact":
		return present && have == want
	case "contains":
		return present && strings.Contains(have, want)
	case "icontains":
		return present && strings.Contains(strings.ToLower(have), strings.ToLower(want))
	case "in":
		for _, w := range strings.Split(want, ",") {
			if present && have == w {
				return true
			}
		}
		return false
	case "isnull":
		return present == (want == "False" || want == "false" || want == "0")
	}
	return false
}

func render(f model.Field, v any) string {
	switch x := v.(type) {
	case nil:
		return ""
	case string:
		if f.Role == model.RoleParent {
			if l, err := model.ParseLocation(x); err == nil {
				return l.ID
			}
		}
		return x
	case int64:
		return strconv.FormatInt(x, 10)
	case float64:
		return strconv.FormatFloat(x, 'f', -1, 64)
	case []string:
		return strings.Join(x, ",")
	case model.QuantityValue:
		return strconv.FormatFloat(x.Data, 'f', -1, 64)
	}
	return fmt.Sprint(v)
}

func (s *Server) handleEntity(w http.ResponseWriter, r *http.Request, path, base string) {
	loc, err := model.ParseLocation(path)
	if err != nil {
		writeError(w, http.StatusNotFound, "bad location", err.Error())
		return
	}
	switch r.Method {
	case http.MethodGet:
		s.mu.Lock()
		e, ok := s.entities[loc.String()]
		var v *model.Entity
		if ok {
			v = s.view(e, base)
		}
		s.mu.Unlock()
		if !ok {
			writeError(w, http.StatusNotFound, "not found", loc.String())
			return
		}
		if inm := r.Header.Get("If-None-Match"); inm != "" && inm == v.GUID {
			w.WriteHeader(http.StatusNotModified)
			return
		}
		w.Header().Set("ETag", v.GUID)
		writeEntities(w, http.StatusOK, []*model.Entity{v}, base)
	case http.MethodPost:
		s.handleSave(w, r, loc.Kind, loc.ID, base)
	case http.MethodDelete:
		s.mu.Lock()
		_, ok := s.entities[loc.String()]
		delete(s.entities, loc.String())
		if ok {
			s.orphan(loc.String())
		}
		s.mu.Unlock()
		if !ok {
			writeError(w, http.StatusNotFound, "not found", loc.String())
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"message": "deleted"})
	default:
		writeError(w, http.StatusMethodNotAllowed, "unsupported method", r.Method)
	}
}

// orphan clears parent references pointing at a deleted location.
func (s *Server) orphan(location string) {
	for _, e := range s.entities {
		for _, f := range e.Schema().Parents() {
			if e.Ref(f.Name) == location {
				delete(e.Fields, f.Name)
				e.GUID = VersionOf(e)
			}
		}
	}
}

func (s *Server) handleSave(w http.ResponseWriter, r *http.Request, kind model.Kind, id, base string) {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		writeError(w, http.StatusBadRequest, "unreadable body", err.Error())
		return
	}
	in, err := model.Unmarshal(body)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid entity", err.Error())
		return
	}
	if in.Kind != kind {
		writeError(w, http.StatusBadRequest, "kind mismatch", string(in.Kind))
		return
	}
	if err := in.Validate(); err != nil {
		writeError(w, http.StatusBadRequest, "invalid entity", err.Error())
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	for _, f := range in.Schema().Parents() {
		if ref := in.Ref(f.Name); ref != "" {
			if _, ok := s.entities[ref]; !ok {
				writeError(w, http.StatusBadRequest, "parent does not exist", ref)
				return
			}
		}
	}
	status := http.StatusCreated
	if id != "" {
		cur, ok := s.entities[model.NewLocation(kind, id).String()]
		if !ok {
			writeError(w, http.StatusNotFound, "not found", id)
			return
		}
		if im := r.Header.Get("If-Match"); im != "" && im != cur.GUID {
			writeError(w, http.StatusPreconditionFailed, "sync conflict",
				fmt.Sprintf("version %s is not current (%s)", im, cur.GUID))
			return
		}
		in.ID = id
		in.Owner = cur.Owner
		in.DateCreated = cur.DateCreated
		if in.SafetyLevel == 0 {
			in.SafetyLevel = cur.SafetyLevel
		}
		status = http.StatusOK
	} else {
		in.ID = s.allocID()
		in.DateCreated = ""
		in.Owner = ""
	}
	s.store(in)
	writeEntities(w, status, []*model.Entity{s.view(in, base)}, base)
}

func (s *Server) handleBulkUpdate(w http.ResponseWriter, r *http.Request, kind model.Kind, base string) {
	var body struct {
		Fields map[string]any `json:"fields"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid body", err.Error())
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	found := s.match(kind, r.URL.Query())
	views := make([]*model.Entity, 0, len(found))
	for _, e := range found {
		for k, v := range body.Fields {
			if err := e.Set(k, v); err != nil {
				writeError(w, http.StatusBadRequest, "invalid field", err.Error())
				return
			}
		}
		s.store(e)
		views = append(views, s.view(e, base))
	}
	writeEntities(w, http.StatusOK, views, base)
}

func (s *Server) handleUpload(w http.ResponseWriter, r *http.Request, base string) {
	if err := r.ParseMultipartForm(64 << 20); err != nil {
		writeError(w, http.StatusBadRequest, "expected multipart form", err.Error())
		return
	}
	file, header, err := r.FormFile("raw_file")
	if err != nil {
		writeError(w, http.StatusBadRequest, "raw_file is required", err.Error())
		return
	}
	defer file.Close()
	data, err := io.ReadAll(file)
	if err != nil {
		writeError(w, http.StatusBadRequest, "unreadable file", err.Error())
		return
	}
	e, _ := model.NewEntity(model.KindDataFile)
	e.MustSet("name", header.Filename)

	s.mu.Lock()
	e.ID = s.allocID()
	s.files[e.ID] = data
	s.store(e)
	v := s.view(e, base)
	s.mu.Unlock()
	writeEntities(w, http.StatusCreated, []*model.Entity{v}, base)
}

func (s *Server) handleDownload(w http.ResponseWriter, id string) {
	s.mu.Lock()
	data, ok := s.files[id]
	s.mu.Unlock()
	if !ok {
		writeError(w, http.StatusNotFound, "no such file", id)
		return
	}
	w.Header().Set("Content-Type", "application/octet-stream")
	w.Write(data)
}

// File returns the raw content of an uploaded datafile.
func (s *Server) File(id string) ([]byte, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.files[id]
	return d, ok
}

func (s *Server) handleACL(w http.ResponseWriter, r *http.Request, location string) {
	loc, err := model.ParseLocation(location)
	if err != nil {
		writeError(w, http.StatusNotFound, "bad location", err.Error())
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entities[loc.String()]
	if !ok {
		writeError(w, http.StatusNotFound, "not found", loc.String())
		return
	}
	if r.Method == http.MethodPost {
		var in acl
		if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
			writeError(w, http.StatusBadRequest, "invalid acl", err.Error())
			return
		}
		if in.SafetyLevel < 1 || in.SafetyLevel > 3 {
			writeError(w, http.StatusBadRequest, "safety_level must be 1, 2 or 3", "")
			return
		}
		targets := []*model.Entity{e}
		if r.URL.Query().Get("cascade") == "true" {
			targets = s.subtree(e)
		}
		for _, t := range targets {
			t.SafetyLevel = in.SafetyLevel
			s.shares[t.Location()] = in.SharedWith
		}
	}
	writeJSON(w, http.StatusOK, acl{SafetyLevel: e.SafetyLevel, SharedWith: s.shares[e.Location()]})
}

// subtree lists root and everything below it, breadth first.
func (s *Server) subtree(root *model.Entity) []*model.Entity {
	out := []*model.Entity{root}
	for i := 0; i < len(out); i++ {
		v := s.view(out[i], "")
		for _, f := range v.Schema().Children() {
			for _, l := range v.RefList(f.Name) {
				if c, ok := s.entities[l]; ok {
					out = append(out, c)
				}
			}
		}
	}
	return out
}

func writeEntities(w http.ResponseWriter, status int, ents []*model.Entity, base string) {
	sel := make([]map[string]any, len(ents))
	for i, e := range ents {
		sel[i] = e.ToMap(base)
	}
	writeJSON(w, status, map[string]any{"selected": sel, "message": "ok", "details": ""})
}

func writeError(w http.ResponseWriter, status int, msg, details string) {
	writeJSON(w, status, map[string]any{"message": msg, "details": details})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
