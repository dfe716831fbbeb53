package azure

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"net/url"
	"strings"
	"time"
)

// ServiceVersion is the storage REST API version sent on every request
// and embedded in signed URLs.
const ServiceVersion = "2020-12-06"

// sasTimeFormat is the timestamp layout used in SAS parameters.
const sasTimeFormat = "2006-01-02T15:04:05Z"

// SAS permission sets used by the gateway. Write grants are scoped to
// create+write only; read grants are read only.
const (
	PermsUpload   = "cw"
	PermsDownload = "r"
)

// DelegationKey is a short-lived signing key obtained from the storage
// service. It is held in memory only and never persisted.
type DelegationKey struct {
	SignedOID     string `xml:"SignedOid"`
	SignedTID     string `xml:"SignedTid"`
	SignedStart   string `xml:"SignedStart"`
	SignedExpiry  string `xml:"SignedExpiry"`
	SignedService string `xml:"SignedService"`
	SignedVersion string `xml:"SignedVersion"`
	Value         string `xml:"Value"` // base64 key material
}

// SASValues are the caller-chosen fields of a user-delegation SAS.
type SASValues struct {
	Permissions        string
	Start              time.Time
	Expiry             time.Time
	ContentDisposition string
	ContentType        string
}

// canonicalResource builds the canonicalized resource string for a blob.
func canonicalResource(account, container, key string) string {
	return fmt.Sprintf("/blob/%s/%s/%s", account, container, key)
}

// stringToSign assembles the user-delegation SAS string-to-sign for a
// single blob. Field order is fixed by the service version.
func stringToSign(key DelegationKey, account, container, blobKey string, v SASValues) string {
	return strings.Join([]string{
		v.Permissions,
		v.Start.UTC().Format(sasTimeFormat),
		v.Expiry.UTC().Format(sasTimeFormat),
		canonicalResource(account, container, blobKey),
		key.SignedOID,
		key.SignedTID,
		key.SignedStart,
		key.SignedExpiry,
		key.SignedService,
		key.SignedVersion,
		"", // signed authorized object ID
		"", // signed unauthorized object ID
		"", // signed correlation ID
		"", // signed IP range
		"https",
		ServiceVersion,
		"b", // resource: single blob
		"", // snapshot time
		"", // encryption scope
		"", // cache-control
		v.ContentDisposition,
		"", // content-encoding
		"", // content-language
		v.ContentType,
	}, "\n")
}

// SignSAS computes the SAS signature for a blob using a delegation key.
func SignSAS(key DelegationKey, account, container, blobKey string, v SASValues) (string, error) {
	raw, err := base64.StdEncoding.DecodeString(key.Value)
	if err != nil {
		return "", fmt.Errorf("decode delegation key: %w", err)
	}
	mac := hmac.New(sha256.New, raw)
	mac.Write([]byte(stringToSign(key, account, container, blobKey, v)))
	return base64.StdEncoding.EncodeToString(mac.Sum(nil)), nil
}

// VerifySAS checks a SAS signature against a delegation key. Used by the
// in-process emulator to enforce grants the same way the service does.
func VerifySAS(key DelegationKey, account, container, blobKey string, v SASValues, sig string) bool {
	want, err := SignSAS(key, account, container, blobKey, v)
	if err != nil {
		return false
	}
	return hmac.Equal([]byte(want), []byte(sig))
}

// EncodeSAS renders the signed query parameters for a blob URL.
func EncodeSAS(key DelegationKey, account, container, blobKey string, v SASValues) (url.Values, error) {
	sig, err := SignSAS(key, account, container, blobKey, v)
	if err != nil {
		return nil, err
	}

	q := url.Values{}
	q.Set("sv", ServiceVersion)
	q.Set("sr", "b")
	q.Set("sp", v.Permissions)
	q.Set("st", v.Start.UTC().Format(sasTimeFormat))
	q.Set("se", v.Expiry.UTC().Format(sasTimeFormat))
	q.Set("spr", "https")
	q.Set("skoid", key.SignedOID)
	q.Set("sktid", key.SignedTID)
	q.Set("skt", key.SignedStart)
	q.Set("ske", key.SignedExpiry)
	q.Set("sks", key.SignedService)
	q.Set("skv", key.SignedVersion)
	if v.ContentDisposition != "" {
		q.Set("rscd", v.ContentDisposition)
	}
	if v.ContentType != "" {
		q.Set("rsct", v.ContentType)
	}
	q.Set("sig", sig)
	return q, nil
}

// ParseSASValues reconstructs SASValues from signed query parameters.
// Returns an error when required fields are missing or malformed.
func ParseSASValues(q url.Values) (SASValues, error) {
	var v SASValues
	v.Permissions = q.Get("sp")
	if v.Permissions == "" {
		return v, fmt.Errorf("missing sp")
	}
	st, err := time.Parse(sasTimeFormat, q.Get("st"))
	if err != nil {
		return v, fmt.Errorf("parse st: %w", err)
	}
	se, err := time.Parse(sasTimeFormat, q.Get("se"))
	if err != nil {
		return v, fmt.Errorf("parse se: %w", err)
	}
	v.Start = st
	v.Expiry = se
	v.ContentDisposition = q.Get("rscd")
	v.ContentType = q.Get("rsct")
	return v, nil
}
