// Package azure implements the blob.Client contract against the Azure
// Blob Storage REST API, including user-delegation SAS issuance. Only
// the small API subset the gateway needs is covered.
package azure

import (
	"bytes"
	"context"
	"encoding/xml"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/groupvault/groupvault/internal/blob"
)

// defaultRequestTimeout bounds every backend call issued by the client.
const defaultRequestTimeout = 30 * time.Second

// Options configure a Client.
type Options struct {
	// AccountName is the storage account, e.g. "groupvaultprod".
	AccountName string
	// Container is the blob container all keys live in.
	Container string
	// ServiceURL overrides the service endpoint. Defaults to
	// https://{account}.blob.core.windows.net. Tests point this at an
	// emulator.
	ServiceURL string
	// Tokens supplies bearer tokens for authenticated calls.
	Tokens TokenSource
	// HTTPClient overrides the HTTP client. Defaults to one with a
	// bounded request timeout.
	HTTPClient *http.Client
}

// Client talks to one container of one storage account.
type Client struct {
	account    string
	container  string
	serviceURL string
	tokens     TokenSource
	http       *http.Client
}

// New creates a Client from options.
func New(opts Options) (*Client, error) {
	if opts.AccountName == "" {
		return nil, fmt.Errorf("account name is required")
	}
	if opts.Container == "" {
		return nil, fmt.Errorf("container is required")
	}
	if opts.Tokens == nil {
		return nil, fmt.Errorf("token source is required")
	}

	serviceURL := opts.ServiceURL
	if serviceURL == "" {
		serviceURL = fmt.Sprintf("https://%s.blob.core.windows.net", opts.AccountName)
	}
	serviceURL = strings.TrimSuffix(serviceURL, "/")

	httpClient := opts.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: defaultRequestTimeout}
	}

	return &Client{
		account:    opts.AccountName,
		container:  opts.Container,
		serviceURL: serviceURL,
		tokens:     opts.Tokens,
		http:       httpClient,
	}, nil
}

// escapeKey percent-encodes each key segment while preserving separators.
func escapeKey(key string) string {
	parts := strings.Split(key, "/")
	for i, p := range parts {
		parts[i] = url.PathEscape(p)
	}
	return strings.Join(parts, "/")
}

// BlobURL returns the unsigned URL of a key.
func (c *Client) BlobURL(key string) string {
	return fmt.Sprintf("%s/%s/%s", c.serviceURL, c.container, escapeKey(key))
}

func (c *Client) newRequest(ctx context.Context, method, rawURL string, body io.Reader) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, method, rawURL, body)
	if err != nil {
		return nil, err
	}
	token, err := c.tokens.Token(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: acquire token: %v", blob.ErrUnavailable, err)
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("x-ms-version", ServiceVersion)
	req.Header.Set("x-ms-date", time.Now().UTC().Format(http.TimeFormat))
	return req, nil
}

func (c *Client) do(req *http.Request) (*http.Response, error) {
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", blob.ErrUnavailable, err)
	}
	return resp, nil
}

// respError converts an error response into a typed backend error. The
// body is drained so the connection can be reused.
func respError(resp *http.Response) error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	code := resp.Header.Get("x-ms-error-code")

	var base error
	switch {
	case resp.StatusCode == http.StatusNotFound:
		base = blob.ErrNotFound
	case resp.StatusCode == http.StatusConflict:
		base = blob.ErrAlreadyExists
	case resp.StatusCode == http.StatusPreconditionFailed:
		base = blob.ErrAlreadyExists
	case resp.StatusCode == http.StatusUnauthorized, resp.StatusCode == http.StatusForbidden:
		base = blob.ErrAccessDenied
	default:
		base = blob.ErrUnavailable
	}
	return fmt.Errorf("%w: status %d code %q: %s", base, resp.StatusCode, code, strings.TrimSpace(string(body)))
}

// Exists probes a key with a HEAD request.
func (c *Client) Exists(ctx context.Context, key string) (bool, error) {
	req, err := c.newRequest(ctx, http.MethodHead, c.BlobURL(key), nil)
	if err != nil {
		return false, err
	}
	resp, err := c.do(req)
	if err != nil {
		return false, err
	}
	defer func() { _ = resp.Body.Close() }()

	switch resp.StatusCode {
	case http.StatusOK:
		return true, nil
	case http.StatusNotFound:
		return false, nil
	default:
		return false, respError(resp)
	}
}

// Upload writes a whole block blob. With ifNoneMatch set the write only
// succeeds when the key is absent, turning the call into create-if-absent.
func (c *Client) Upload(ctx context.Context, key string, data []byte, contentType string, metadata map[string]string, ifNoneMatch bool) error {
	req, err := c.newRequest(ctx, http.MethodPut, c.BlobURL(key), bytes.NewReader(data))
	if err != nil {
		return err
	}
	req.Header.Set("x-ms-blob-type", "BlockBlob")
	req.Header.Set("Content-Length", strconv.Itoa(len(data)))
	if contentType != "" {
		req.Header.Set("x-ms-blob-content-type", contentType)
	}
	for k, v := range metadata {
		req.Header.Set("x-ms-meta-"+k, v)
	}
	if ifNoneMatch {
		req.Header.Set("If-None-Match", "*")
	}

	resp, err := c.do(req)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusCreated {
		return respError(resp)
	}
	return nil
}

// Delete removes a key including snapshots. Absent keys return ErrNotFound.
func (c *Client) Delete(ctx context.Context, key string) error {
	req, err := c.newRequest(ctx, http.MethodDelete, c.BlobURL(key), nil)
	if err != nil {
		return err
	}
	req.Header.Set("x-ms-delete-snapshots", "include")

	resp, err := c.do(req)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusAccepted {
		return respError(resp)
	}
	return nil
}

// listResults mirrors the container listing XML.
type listResults struct {
	XMLName xml.Name `xml:"EnumerationResults"`
	Blobs   struct {
		Blob []listBlob `xml:"Blob"`
	} `xml:"Blobs"`
	NextMarker string `xml:"NextMarker"`
}

type listBlob struct {
	Name       string `xml:"Name"`
	Properties struct {
		ContentLength int64  `xml:"Content-Length"`
		ContentType   string `xml:"Content-Type"`
		LastModified  string `xml:"Last-Modified"`
	} `xml:"Properties"`
}

// List fetches one page of keys under prefix.
func (c *Client) List(ctx context.Context, prefix string, maxResults int, marker string) (blob.Page, error) {
	q := url.Values{}
	q.Set("restype", "container")
	q.Set("comp", "list")
	if prefix != "" {
		q.Set("prefix", prefix)
	}
	if maxResults > 0 {
		q.Set("maxresults", strconv.Itoa(maxResults))
	}
	if marker != "" {
		q.Set("marker", marker)
	}

	listURL := fmt.Sprintf("%s/%s?%s", c.serviceURL, c.container, q.Encode())
	req, err := c.newRequest(ctx, http.MethodGet, listURL, nil)
	if err != nil {
		return blob.Page{}, err
	}

	resp, err := c.do(req)
	if err != nil {
		return blob.Page{}, err
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return blob.Page{}, respError(resp)
	}

	var results listResults
	if err := xml.NewDecoder(resp.Body).Decode(&results); err != nil {
		return blob.Page{}, fmt.Errorf("%w: decode listing: %v", blob.ErrUnavailable, err)
	}

	page := blob.Page{NextMarker: results.NextMarker}
	for _, b := range results.Blobs.Blob {
		info := blob.ObjectInfo{
			Key:         b.Name,
			Size:        b.Properties.ContentLength,
			ContentType: b.Properties.ContentType,
		}
		if b.Properties.LastModified != "" {
			if t, err := time.Parse(http.TimeFormat, b.Properties.LastModified); err == nil {
				info.LastModified = t
			}
		}
		page.Objects = append(page.Objects, info)
	}
	return page, nil
}

// CopyFromURL starts a server-side copy of srcURL into dstKey.
func (c *Client) CopyFromURL(ctx context.Context, dstKey, srcURL string) (blob.CopyResult, error) {
	req, err := c.newRequest(ctx, http.MethodPut, c.BlobURL(dstKey), nil)
	if err != nil {
		return blob.CopyResult{}, err
	}
	req.Header.Set("x-ms-copy-source", srcURL)

	resp, err := c.do(req)
	if err != nil {
		return blob.CopyResult{}, err
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusAccepted && resp.StatusCode != http.StatusCreated {
		return blob.CopyResult{}, respError(resp)
	}

	result := blob.CopyResult{
		ID:    resp.Header.Get("x-ms-copy-id"),
		State: blob.CopyState(resp.Header.Get("x-ms-copy-status")),
	}
	if result.State == "" {
		result.State = blob.CopyPending
	}
	return result, nil
}

// CopyState reports the copy status of dstKey via HEAD.
func (c *Client) CopyState(ctx context.Context, dstKey string) (blob.CopyState, error) {
	req, err := c.newRequest(ctx, http.MethodHead, c.BlobURL(dstKey), nil)
	if err != nil {
		return "", err
	}
	resp, err := c.do(req)
	if err != nil {
		return "", err
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return "", respError(resp)
	}

	state := blob.CopyState(resp.Header.Get("x-ms-copy-status"))
	if state == "" {
		// No copy metadata means the object was written directly.
		state = blob.CopySuccess
	}
	return state, nil
}

// keyInfo is the request body for a delegation key exchange.
type keyInfo struct {
	XMLName xml.Name `xml:"KeyInfo"`
	Start   string   `xml:"Start"`
	Expiry  string   `xml:"Expiry"`
}

// UserDelegationKey obtains a short-lived signing key valid over
// [start, expiry]. The key is never persisted.
func (c *Client) UserDelegationKey(ctx context.Context, start, expiry time.Time) (DelegationKey, error) {
	body, err := xml.Marshal(keyInfo{
		Start:  start.UTC().Format(sasTimeFormat),
		Expiry: expiry.UTC().Format(sasTimeFormat),
	})
	if err != nil {
		return DelegationKey{}, err
	}

	keyURL := fmt.Sprintf("%s/?restype=service&comp=userdelegationkey", c.serviceURL)
	req, err := c.newRequest(ctx, http.MethodPost, keyURL, bytes.NewReader(body))
	if err != nil {
		return DelegationKey{}, err
	}

	resp, err := c.do(req)
	if err != nil {
		return DelegationKey{}, err
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return DelegationKey{}, respError(resp)
	}

	var key DelegationKey
	if err := xml.NewDecoder(resp.Body).Decode(&key); err != nil {
		return DelegationKey{}, fmt.Errorf("%w: decode delegation key: %v", blob.ErrUnavailable, err)
	}
	return key, nil
}

// PresignUpload mints a create+write SAS URL for exactly key, plus the
// headers the uploader must echo on its PUT.
func (c *Client) PresignUpload(ctx context.Context, key, contentType string, start, expiry time.Time) (string, map[string]string, error) {
	dk, err := c.UserDelegationKey(ctx, start, expiry)
	if err != nil {
		return "", nil, err
	}

	q, err := EncodeSAS(dk, c.account, c.container, key, SASValues{
		Permissions: PermsUpload,
		Start:       start,
		Expiry:      expiry,
	})
	if err != nil {
		return "", nil, err
	}

	headers := map[string]string{"x-ms-blob-type": "BlockBlob"}
	if contentType != "" {
		headers["x-ms-blob-content-type"] = contentType
	}

	log.Debug().Str("key", key).Time("expires", expiry).Msg("issued upload grant")
	return c.BlobURL(key) + "?" + q.Encode(), headers, nil
}

// PresignDownload mints a read-only SAS URL for exactly key.
func (c *Client) PresignDownload(ctx context.Context, key string, start, expiry time.Time, opts blob.DownloadOptions) (string, error) {
	dk, err := c.UserDelegationKey(ctx, start, expiry)
	if err != nil {
		return "", err
	}

	v := SASValues{
		Permissions: PermsDownload,
		Start:       start,
		Expiry:      expiry,
		ContentType: opts.ContentType,
	}
	if opts.Filename != "" {
		v.ContentDisposition = fmt.Sprintf("attachment; filename=%q", opts.Filename)
	}

	q, err := EncodeSAS(dk, c.account, c.container, key, v)
	if err != nil {
		return "", err
	}

	log.Debug().Str("key", key).Time("expires", expiry).Msg("issued download grant")
	return c.BlobURL(key) + "?" + q.Encode(), nil
}
