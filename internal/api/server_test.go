package api_test

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/groupvault/groupvault/internal/api"
	"github.com/groupvault/groupvault/internal/auth"
	"github.com/groupvault/groupvault/internal/blob/blobtest"
	"github.com/groupvault/groupvault/internal/gateway"
	"github.com/groupvault/groupvault/internal/metadata"
	"github.com/groupvault/groupvault/testutil"
)

type fixture struct {
	srv         *httptest.Server
	emu         *blobtest.Emulator
	store       *metadata.MemStore
	memberToken string
	adminToken  string
	otherToken  string
}

func newFixture(t *testing.T, rateLimit int, tweak ...func(*api.Options)) *fixture {
	t.Helper()

	backend, emu := testutil.NewBackend(t)
	store := testutil.NewStore(t)
	store.AddGroup(metadata.Group{ID: "g2", Name: "Other Group", StoragePrefix: "group_g2/"})

	verifier, err := auth.NewVerifier("test-master-secret", "groupvault")
	require.NoError(t, err)

	issuer := gateway.NewIssuer(backend, 0, 0, nil)
	opts := api.Options{
		Verifier:    verifier,
		Store:       store,
		Issuer:      issuer,
		Namer:       gateway.NewNamer(backend),
		Provisioner: gateway.NewProvisioner(backend),
		Mover:       gateway.NewMover(backend, issuer),
		Lister:      gateway.NewLister(backend),
		RateLimit:   rateLimit,
	}
	for _, fn := range tweak {
		fn(&opts)
	}
	server := api.NewServer(opts)

	srv := httptest.NewServer(server.Handler())
	t.Cleanup(srv.Close)

	member, err := verifier.Mint("alice", auth.RoleMember, []string{testutil.GroupID}, time.Hour)
	require.NoError(t, err)
	admin, err := verifier.Mint("root", auth.RoleAdmin, nil, time.Hour)
	require.NoError(t, err)
	other, err := verifier.Mint("mallory", auth.RoleMember, []string{"g2"}, time.Hour)
	require.NoError(t, err)

	return &fixture{
		srv:         srv,
		emu:         emu,
		store:       store,
		memberToken: member,
		adminToken:  admin,
		otherToken:  other,
	}
}

func (f *fixture) request(t *testing.T, method, path, token string, body any) (*http.Response, []byte) {
	t.Helper()

	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(data)
	}
	req, err := http.NewRequest(method, f.srv.URL+path, reader)
	require.NoError(t, err)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	payload, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	resp.Body.Close()
	return resp, payload
}

func TestHealthNoAuth(t *testing.T) {
	f := newFixture(t, 0)

	resp, body := f.request(t, http.MethodGet, "/health", "", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(body), "ok")
}

func TestAuthRequired(t *testing.T) {
	f := newFixture(t, 0)

	resp, _ := f.request(t, http.MethodGet, "/api/v1/groups/g1/files/list", "", nil)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	resp, _ = f.request(t, http.MethodGet, "/api/v1/groups/g1/files/list", "garbage-token", nil)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestGroupScopeEnforced(t *testing.T) {
	f := newFixture(t, 0)

	// A member of g2 cannot touch g1.
	resp, _ := f.request(t, http.MethodGet, "/api/v1/groups/g1/files/list", f.otherToken, nil)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)

	// An admin can.
	resp, _ = f.request(t, http.MethodGet, "/api/v1/groups/g1/files/list", f.adminToken, nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestUnknownGroup(t *testing.T) {
	f := newFixture(t, 0)

	resp, _ := f.request(t, http.MethodGet, "/api/v1/groups/nope/files/list", f.adminToken, nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

type uploadURLResponse struct {
	Key              string            `json:"key"`
	ResolvedFilename string            `json:"resolvedFilename"`
	UploadURL        string            `json:"uploadUrl"`
	Headers          map[string]string `json:"headers"`
	ExpiresAt        time.Time         `json:"expiresAt"`
}

func (f *fixture) uploadFile(t *testing.T, filename, content string) uploadURLResponse {
	t.Helper()

	resp, body := f.request(t, http.MethodPost, "/api/v1/groups/g1/files/upload-url", f.memberToken,
		map[string]string{"filename": filename, "mimeType": "text/plain"})
	require.Equal(t, http.StatusCreated, resp.StatusCode, string(body))

	var grant uploadURLResponse
	require.NoError(t, json.Unmarshal(body, &grant))

	req, err := http.NewRequest(http.MethodPut, grant.UploadURL, strings.NewReader(content))
	require.NoError(t, err)
	for k, v := range grant.Headers {
		req.Header.Set(k, v)
	}
	put, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	put.Body.Close()
	require.Equal(t, http.StatusCreated, put.StatusCode)
	return grant
}

func TestUploadURLFlow(t *testing.T) {
	f := newFixture(t, 0)

	grant := f.uploadFile(t, "report.pdf", "pdf-bytes")
	assert.Equal(t, "group_g1/report.pdf", grant.Key)
	assert.Equal(t, "report.pdf", grant.ResolvedFilename)
	assert.Equal(t, "BlockBlob", grant.Headers["x-ms-blob-type"])
	assert.True(t, f.emu.Exists("group_g1/report.pdf"))
}

func TestUploadURLCollisionSuffix(t *testing.T) {
	f := newFixture(t, 0)

	first := f.uploadFile(t, "report.pdf", "one")
	assert.Equal(t, "report.pdf", first.ResolvedFilename)

	second := f.uploadFile(t, "report.pdf", "two")
	assert.Equal(t, "report [1].pdf", second.ResolvedFilename)
	assert.Equal(t, "group_g1/report [1].pdf", second.Key)
}

func TestUploadURLSubdirectory(t *testing.T) {
	f := newFixture(t, 0)

	grant := f.uploadFile(t, "docs/2026/report.pdf", "x")
	assert.Equal(t, "group_g1/docs/2026/report.pdf", grant.Key)
}

func TestUploadURLRejectsTraversal(t *testing.T) {
	f := newFixture(t, 0)

	resp, _ := f.request(t, http.MethodPost, "/api/v1/groups/g1/files/upload-url", f.memberToken,
		map[string]string{"filename": "../group_g2/steal.txt"})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, _ = f.request(t, http.MethodPost, "/api/v1/groups/g1/files/upload-url", f.memberToken,
		map[string]string{"filename": ""})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestCompleteRecordsFile(t *testing.T) {
	f := newFixture(t, 0)
	grant := f.uploadFile(t, "report.pdf", "pdf-bytes")

	resp, body := f.request(t, http.MethodPost, "/api/v1/files/complete", f.memberToken, map[string]any{
		"groupId":   "g1",
		"key":       grant.Key,
		"filename":  "report.pdf",
		"mimeType":  "application/pdf",
		"sizeBytes": 9,
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode, string(body))

	var file metadata.File
	require.NoError(t, json.Unmarshal(body, &file))
	assert.NotEmpty(t, file.ID)
	assert.Equal(t, metadata.StatusActive, file.Status)
	assert.Equal(t, grant.Key, file.Key)
}

func TestReadURLFlow(t *testing.T) {
	f := newFixture(t, 0)
	f.emu.Put("group_g1/report.pdf", []byte("pdf-bytes"), "application/pdf")

	resp, body := f.request(t, http.MethodGet, "/api/v1/groups/g1/files/read-url?key=report.pdf", f.memberToken, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode, string(body))

	var grant struct {
		URL       string    `json:"url"`
		ExpiresAt time.Time `json:"expiresAt"`
	}
	require.NoError(t, json.Unmarshal(body, &grant))

	get, err := http.Get(grant.URL)
	require.NoError(t, err)
	data, _ := io.ReadAll(get.Body)
	get.Body.Close()
	require.Equal(t, http.StatusOK, get.StatusCode)
	assert.Equal(t, "pdf-bytes", string(data))
	assert.Contains(t, get.Header.Get("Content-Disposition"), "report.pdf")
}

func TestReadURLRejectsTraversal(t *testing.T) {
	f := newFixture(t, 0)

	resp, _ := f.request(t, http.MethodGet, "/api/v1/groups/g1/files/read-url?key=..%2Fgroup_g2%2Fsecret.txt", f.memberToken, nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestListEndpoint(t *testing.T) {
	f := newFixture(t, 0)
	f.emu.Put("group_g1/.keep", nil, "text/plain")
	for i := 0; i < 5; i++ {
		f.emu.Put(fmt.Sprintf("group_g1/file-%d.txt", i), []byte("x"), "text/plain")
	}

	resp, body := f.request(t, http.MethodGet, "/api/v1/groups/g1/files/list?limit=3", f.memberToken, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var page gateway.ListPage
	require.NoError(t, json.Unmarshal(body, &page))
	require.NotEmpty(t, page.NextCursor)

	seen := len(page.Items)
	resp, body = f.request(t, http.MethodGet,
		"/api/v1/groups/g1/files/list?limit=3&cursor="+page.NextCursor, f.memberToken, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.NoError(t, json.Unmarshal(body, &page))
	seen += len(page.Items)

	// All five files and no markers across the two pages.
	assert.Equal(t, 5, seen)
}

func TestDeleteIdempotent(t *testing.T) {
	f := newFixture(t, 0)
	f.emu.Put("group_g1/report.pdf", []byte("x"), "")

	resp, _ := f.request(t, http.MethodDelete, "/api/v1/groups/g1/files?key=report.pdf", f.memberToken, nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.False(t, f.emu.Exists("group_g1/report.pdf"))

	resp, _ = f.request(t, http.MethodDelete, "/api/v1/groups/g1/files?key=report.pdf", f.memberToken, nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestProvisionEndpoint(t *testing.T) {
	f := newFixture(t, 0)

	resp, _ := f.request(t, http.MethodPost, "/api/v1/groups/g1/provision", f.memberToken, nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.True(t, f.emu.Exists("group_g1/.keep"))

	// Provisioning again succeeds without duplicating anything.
	resp, _ = f.request(t, http.MethodPost, "/api/v1/groups/g1/provision", f.memberToken, nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestArchiveFlow(t *testing.T) {
	f := newFixture(t, 0)
	grant := f.uploadFile(t, "report.pdf", "pdf-bytes")

	_, body := f.request(t, http.MethodPost, "/api/v1/files/complete", f.memberToken, map[string]any{
		"groupId": "g1", "key": grant.Key, "filename": "report.pdf",
	})
	var file metadata.File
	require.NoError(t, json.Unmarshal(body, &file))

	resp, body := f.request(t, http.MethodPatch, "/api/v1/files/"+file.ID+"/archive", f.memberToken, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode, string(body))

	var archived metadata.File
	require.NoError(t, json.Unmarshal(body, &archived))
	assert.Equal(t, metadata.StatusArchived, archived.Status)
	assert.Contains(t, archived.Key, "group_g1/archived/")

	// The object lives at exactly the new key.
	assert.False(t, f.emu.Exists(grant.Key))
	assert.True(t, f.emu.Exists(archived.Key))

	// Archiving again is a conflict.
	resp, _ = f.request(t, http.MethodPatch, "/api/v1/files/"+file.ID+"/archive", f.memberToken, nil)
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
}

func TestArchiveForeignFileForbidden(t *testing.T) {
	f := newFixture(t, 0)
	grant := f.uploadFile(t, "report.pdf", "x")

	_, body := f.request(t, http.MethodPost, "/api/v1/files/complete", f.memberToken, map[string]any{
		"groupId": "g1", "key": grant.Key,
	})
	var file metadata.File
	require.NoError(t, json.Unmarshal(body, &file))

	// A member of another group cannot archive g1's file.
	resp, _ := f.request(t, http.MethodPatch, "/api/v1/files/"+file.ID+"/archive", f.otherToken, nil)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
}

func TestPurgeFlow(t *testing.T) {
	f := newFixture(t, 0)
	grant := f.uploadFile(t, "report.pdf", "x")

	_, body := f.request(t, http.MethodPost, "/api/v1/files/complete", f.memberToken, map[string]any{
		"groupId": "g1", "key": grant.Key,
	})
	var file metadata.File
	require.NoError(t, json.Unmarshal(body, &file))

	resp, _ := f.request(t, http.MethodDelete, "/api/v1/files/"+file.ID+"/purge", f.memberToken, nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.False(t, f.emu.Exists(grant.Key))

	// The record is gone too.
	resp, _ = f.request(t, http.MethodDelete, "/api/v1/files/"+file.ID+"/purge", f.memberToken, nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestCompleteRejectsOversizedUpload(t *testing.T) {
	f := newFixture(t, 0, func(o *api.Options) { o.MaxUploadBytes = 1024 })
	grant := f.uploadFile(t, "big.bin", "x")

	resp, body := f.request(t, http.MethodPost, "/api/v1/files/complete", f.memberToken, map[string]any{
		"groupId": "g1", "key": grant.Key, "sizeBytes": 4096,
	})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Contains(t, string(body), "upload limit")

	resp, _ = f.request(t, http.MethodPost, "/api/v1/files/complete", f.memberToken, map[string]any{
		"groupId": "g1", "key": grant.Key, "sizeBytes": 512,
	})
	assert.Equal(t, http.StatusCreated, resp.StatusCode)
}

func TestRateLimit(t *testing.T) {
	f := newFixture(t, 2)

	for i := 0; i < 2; i++ {
		resp, _ := f.request(t, http.MethodGet, "/api/v1/groups/g1/files/list", f.memberToken, nil)
		require.Equal(t, http.StatusOK, resp.StatusCode)
	}
	resp, _ := f.request(t, http.MethodGet, "/api/v1/groups/g1/files/list", f.memberToken, nil)
	assert.Equal(t, http.StatusTooManyRequests, resp.StatusCode)

	// Another caller is unaffected.
	resp, _ = f.request(t, http.MethodGet, "/api/v1/groups/g1/files/list", f.adminToken, nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestEventFeed(t *testing.T) {
	f := newFixture(t, 0)

	wsURL := "ws" + strings.TrimPrefix(f.srv.URL, "http") + "/api/v1/events"
	header := http.Header{"Authorization": []string{"Bearer " + f.memberToken}}
	conn, resp, err := websocket.DefaultDialer.Dial(wsURL, header)
	require.NoError(t, err)
	if resp != nil {
		resp.Body.Close()
	}
	defer conn.Close()

	grant := f.uploadFile(t, "report.pdf", "x")
	_, body := f.request(t, http.MethodPost, "/api/v1/files/complete", f.memberToken, map[string]any{
		"groupId": "g1", "key": grant.Key,
	})
	require.NotEmpty(t, body)

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	var ev api.Event
	require.NoError(t, conn.ReadJSON(&ev))
	assert.Equal(t, "uploaded", ev.Type)
	assert.Equal(t, "g1", ev.GroupID)
	assert.Equal(t, grant.Key, ev.Key)
}
