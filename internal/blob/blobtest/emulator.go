// Package blobtest provides an in-memory emulator of the blob service
// REST subset the gateway uses. It enforces SAS permissions and expiry
// server-side so contract tests exercise the same rejection paths the
// real service does.
package blobtest

import (
	"crypto/rand"
	"encoding/base64"
	"encoding/xml"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/groupvault/groupvault/internal/blob/azure"
)

// Token is the bearer token the emulator accepts for authenticated calls.
const Token = "blobtest-token"

type object struct {
	data         []byte
	contentType  string
	metadata     map[string]string
	lastModified time.Time
	copyID       string
	copyStatus   string
	pendingPolls int
}

// Emulator is an in-memory single-container blob service.
type Emulator struct {
	Account   string
	Container string

	// Now is the emulator's clock. Tests override it to simulate the
	// passage of time for expiry enforcement.
	Now func() time.Time

	// PendingPolls makes each server-side copy report "pending" for this
	// many status probes before flipping to "success".
	PendingPolls int

	mu      sync.RWMutex
	objects map[string]*object
	keys    map[string]azure.DelegationKey // keyed by signed object ID
}

// New creates an emulator for one account/container pair.
func New(account, container string) *Emulator {
	return &Emulator{
		Account:   account,
		Container: container,
		Now:       time.Now,
		objects:   make(map[string]*object),
		keys:      make(map[string]azure.DelegationKey),
	}
}

// NewServer starts an emulator behind an httptest server and returns both.
// The server is shut down when the test finishes.
func NewServer(t *testing.T, account, container string) (*Emulator, *httptest.Server) {
	t.Helper()
	em := New(account, container)
	srv := httptest.NewServer(em)
	t.Cleanup(srv.Close)
	return em, srv
}

// Put seeds an object directly, bypassing auth. Test setup only.
func (e *Emulator) Put(key string, data []byte, contentType string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.objects[key] = &object{
		data:         data,
		contentType:  contentType,
		lastModified: e.Now().UTC(),
	}
}

// Exists reports whether a key is present. Test assertions only.
func (e *Emulator) Exists(key string) bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	_, ok := e.objects[key]
	return ok
}

// Keys returns all stored keys, sorted. Test assertions only.
func (e *Emulator) Keys() []string {
	e.mu.RLock()
	defer e.mu.RUnlock()
	keys := make([]string, 0, len(e.objects))
	for k := range e.objects {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// ServeHTTP routes emulated service requests.
func (e *Emulator) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	path := strings.TrimPrefix(r.URL.Path, "/")

	// Service-level: delegation key exchange.
	if path == "" && r.URL.Query().Get("comp") == "userdelegationkey" {
		e.handleDelegationKey(w, r)
		return
	}

	parts := strings.SplitN(path, "/", 2)
	if parts[0] != e.Container {
		writeError(w, http.StatusNotFound, "ContainerNotFound")
		return
	}

	if len(parts) == 1 || parts[1] == "" {
		// Container-level: listing.
		if r.URL.Query().Get("comp") == "list" {
			e.handleList(w, r)
			return
		}
		writeError(w, http.StatusBadRequest, "InvalidQueryParameterValue")
		return
	}

	key, err := unescapeKey(parts[1])
	if err != nil {
		writeError(w, http.StatusBadRequest, "InvalidUri")
		return
	}

	switch r.Method {
	case http.MethodHead:
		e.handleHead(w, r, key)
	case http.MethodGet:
		e.handleGet(w, r, key)
	case http.MethodPut:
		if r.Header.Get("x-ms-copy-source") != "" {
			e.handleCopy(w, r, key)
		} else {
			e.handlePut(w, r, key)
		}
	case http.MethodDelete:
		e.handleDelete(w, r, key)
	default:
		writeError(w, http.StatusMethodNotAllowed, "UnsupportedHttpVerb")
	}
}

func unescapeKey(escaped string) (string, error) {
	segs := strings.Split(escaped, "/")
	for i, s := range segs {
		u, err := url.PathUnescape(s)
		if err != nil {
			return "", err
		}
		segs[i] = u
	}
	return strings.Join(segs, "/"), nil
}

func writeError(w http.ResponseWriter, status int, code string) {
	w.Header().Set("x-ms-error-code", code)
	w.WriteHeader(status)
}

// bearerOK checks account-credential auth.
func bearerOK(r *http.Request) bool {
	return r.Header.Get("Authorization") == "Bearer "+Token
}

// sasOK validates a SAS-signed request for a key, requiring perm to be
// granted and the validity window to cover the current time.
func (e *Emulator) sasOK(r *http.Request, key string, perm byte) bool {
	q := r.URL.Query()
	sig := q.Get("sig")
	if sig == "" {
		return false
	}

	e.mu.RLock()
	dk, ok := e.keys[q.Get("skoid")]
	e.mu.RUnlock()
	if !ok {
		return false
	}

	v, err := azure.ParseSASValues(q)
	if err != nil {
		return false
	}
	if !strings.ContainsRune(v.Permissions, rune(perm)) {
		return false
	}

	now := e.Now().UTC()
	if now.Before(v.Start) || now.After(v.Expiry) {
		return false
	}

	return azure.VerifySAS(dk, e.Account, e.Container, key, v, sig)
}

func (e *Emulator) handleDelegationKey(w http.ResponseWriter, r *http.Request) {
	if !bearerOK(r) {
		writeError(w, http.StatusUnauthorized, "NoAuthenticationInformation")
		return
	}

	var info struct {
		Start  string `xml:"Start"`
		Expiry string `xml:"Expiry"`
	}
	if err := xml.NewDecoder(r.Body).Decode(&info); err != nil {
		writeError(w, http.StatusBadRequest, "InvalidXmlDocument")
		return
	}

	raw := make([]byte, 32)
	_, _ = rand.Read(raw)
	dk := azure.DelegationKey{
		SignedOID:     uuid.NewString(),
		SignedTID:     uuid.NewString(),
		SignedStart:   info.Start,
		SignedExpiry:  info.Expiry,
		SignedService: "b",
		SignedVersion: azure.ServiceVersion,
		Value:         base64.StdEncoding.EncodeToString(raw),
	}

	e.mu.Lock()
	e.keys[dk.SignedOID] = dk
	e.mu.Unlock()

	w.Header().Set("Content-Type", "application/xml")
	w.WriteHeader(http.StatusOK)
	type userDelegationKey struct {
		XMLName       xml.Name `xml:"UserDelegationKey"`
		SignedOid     string
		SignedTid     string
		SignedStart   string
		SignedExpiry  string
		SignedService string
		SignedVersion string
		Value         string
	}
	_ = xml.NewEncoder(w).Encode(userDelegationKey{
		SignedOid:     dk.SignedOID,
		SignedTid:     dk.SignedTID,
		SignedStart:   dk.SignedStart,
		SignedExpiry:  dk.SignedExpiry,
		SignedService: dk.SignedService,
		SignedVersion: dk.SignedVersion,
		Value:         dk.Value,
	})
}

func (e *Emulator) handleList(w http.ResponseWriter, r *http.Request) {
	if !bearerOK(r) {
		writeError(w, http.StatusUnauthorized, "NoAuthenticationInformation")
		return
	}

	q := r.URL.Query()
	prefix := q.Get("prefix")
	marker := q.Get("marker")
	maxResults := 5000
	if mr := q.Get("maxresults"); mr != "" {
		if n, err := strconv.Atoi(mr); err == nil && n > 0 {
			maxResults = n
		}
	}

	e.mu.RLock()
	keys := make([]string, 0, len(e.objects))
	for k := range e.objects {
		if strings.HasPrefix(k, prefix) && k > marker {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)

	next := ""
	if len(keys) > maxResults {
		keys = keys[:maxResults]
		next = keys[len(keys)-1]
	}

	type props struct {
		ContentLength int64  `xml:"Content-Length"`
		ContentType   string `xml:"Content-Type"`
		LastModified  string `xml:"Last-Modified"`
	}
	type blobEntry struct {
		Name       string `xml:"Name"`
		Properties props  `xml:"Properties"`
	}
	type enumerationResults struct {
		XMLName xml.Name `xml:"EnumerationResults"`
		Blobs   struct {
			Blob []blobEntry `xml:"Blob"`
		} `xml:"Blobs"`
		NextMarker string `xml:"NextMarker"`
	}

	out := enumerationResults{NextMarker: next}
	for _, k := range keys {
		obj := e.objects[k]
		out.Blobs.Blob = append(out.Blobs.Blob, blobEntry{
			Name: k,
			Properties: props{
				ContentLength: int64(len(obj.data)),
				ContentType:   obj.contentType,
				LastModified:  obj.lastModified.UTC().Format(http.TimeFormat),
			},
		})
	}
	e.mu.RUnlock()

	w.Header().Set("Content-Type", "application/xml")
	w.WriteHeader(http.StatusOK)
	_ = xml.NewEncoder(w).Encode(out)
}

func (e *Emulator) handleHead(w http.ResponseWriter, r *http.Request, key string) {
	if !bearerOK(r) && !e.sasOK(r, key, 'r') {
		writeError(w, http.StatusForbidden, "AuthenticationFailed")
		return
	}

	e.mu.Lock()
	obj, ok := e.objects[key]
	if ok && obj.copyStatus != "" && obj.pendingPolls > 0 {
		obj.pendingPolls--
		if obj.pendingPolls == 0 {
			obj.copyStatus = "success"
		}
	}
	e.mu.Unlock()

	if !ok {
		writeError(w, http.StatusNotFound, "BlobNotFound")
		return
	}

	e.mu.RLock()
	defer e.mu.RUnlock()
	w.Header().Set("Content-Length", strconv.Itoa(len(obj.data)))
	w.Header().Set("Content-Type", obj.contentType)
	w.Header().Set("Last-Modified", obj.lastModified.UTC().Format(http.TimeFormat))
	if obj.copyStatus != "" {
		st := obj.copyStatus
		if obj.pendingPolls > 0 {
			st = "pending"
		}
		w.Header().Set("x-ms-copy-id", obj.copyID)
		w.Header().Set("x-ms-copy-status", st)
	}
	w.WriteHeader(http.StatusOK)
}

func (e *Emulator) handleGet(w http.ResponseWriter, r *http.Request, key string) {
	if !bearerOK(r) && !e.sasOK(r, key, 'r') {
		writeError(w, http.StatusForbidden, "AuthenticationFailed")
		return
	}

	e.mu.RLock()
	obj, ok := e.objects[key]
	e.mu.RUnlock()
	if !ok {
		writeError(w, http.StatusNotFound, "BlobNotFound")
		return
	}

	contentType := obj.contentType
	if rsct := r.URL.Query().Get("rsct"); rsct != "" {
		contentType = rsct
	}
	if rscd := r.URL.Query().Get("rscd"); rscd != "" {
		w.Header().Set("Content-Disposition", rscd)
	}
	if contentType != "" {
		w.Header().Set("Content-Type", contentType)
	}
	w.Header().Set("Last-Modified", obj.lastModified.UTC().Format(http.TimeFormat))
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(obj.data)
}

func (e *Emulator) handlePut(w http.ResponseWriter, r *http.Request, key string) {
	// Writes need either account credentials or a create+write SAS.
	if !bearerOK(r) && !e.sasOK(r, key, 'w') {
		writeError(w, http.StatusForbidden, "AuthenticationFailed")
		return
	}
	if r.Header.Get("x-ms-blob-type") != "BlockBlob" {
		writeError(w, http.StatusBadRequest, "InvalidBlobType")
		return
	}

	data, err := io.ReadAll(r.Body)
	if err != nil {
		writeError(w, http.StatusBadRequest, "InvalidInput")
		return
	}

	metadata := make(map[string]string)
	for name := range r.Header {
		lower := strings.ToLower(name)
		if strings.HasPrefix(lower, "x-ms-meta-") {
			metadata[strings.TrimPrefix(lower, "x-ms-meta-")] = r.Header.Get(name)
		}
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if r.Header.Get("If-None-Match") == "*" {
		if _, exists := e.objects[key]; exists {
			writeError(w, http.StatusConflict, "BlobAlreadyExists")
			return
		}
	}

	e.objects[key] = &object{
		data:         data,
		contentType:  r.Header.Get("x-ms-blob-content-type"),
		metadata:     metadata,
		lastModified: e.Now().UTC(),
	}
	w.WriteHeader(http.StatusCreated)
}

func (e *Emulator) handleCopy(w http.ResponseWriter, r *http.Request, key string) {
	if !bearerOK(r) {
		writeError(w, http.StatusForbidden, "AuthenticationFailed")
		return
	}

	src := r.Header.Get("x-ms-copy-source")

	// Fetch the source through its URL so SAS enforcement applies to the
	// copy source exactly as it would in the real service.
	resp, err := http.Get(src)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "CannotVerifyCopySource")
		return
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusOK {
		writeError(w, http.StatusForbidden, "CannotVerifyCopySource")
		return
	}
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "InternalError")
		return
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	obj := &object{
		data:         data,
		contentType:  resp.Header.Get("Content-Type"),
		lastModified: e.Now().UTC(),
		copyID:       uuid.NewString(),
		copyStatus:   "success",
	}
	status := "success"
	if e.PendingPolls > 0 {
		obj.pendingPolls = e.PendingPolls
		obj.copyStatus = "pending"
		status = "pending"
	}
	e.objects[key] = obj

	w.Header().Set("x-ms-copy-id", obj.copyID)
	w.Header().Set("x-ms-copy-status", status)
	w.WriteHeader(http.StatusAccepted)
}

func (e *Emulator) handleDelete(w http.ResponseWriter, r *http.Request, key string) {
	if !bearerOK(r) {
		writeError(w, http.StatusForbidden, "AuthenticationFailed")
		return
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if _, ok := e.objects[key]; !ok {
		writeError(w, http.StatusNotFound, "BlobNotFound")
		return
	}
	delete(e.objects, key)
	w.WriteHeader(http.StatusAccepted)
}
