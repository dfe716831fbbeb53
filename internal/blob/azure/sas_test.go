package azure

import (
	"crypto/rand"
	"encoding/base64"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testDelegationKey(t *testing.T) DelegationKey {
	t.Helper()
	raw := make([]byte, 32)
	_, err := rand.Read(raw)
	require.NoError(t, err)
	return DelegationKey{
		SignedOID:     "11111111-2222-3333-4444-555555555555",
		SignedTID:     "66666666-7777-8888-9999-aaaaaaaaaaaa",
		SignedStart:   "2026-01-01T00:00:00Z",
		SignedExpiry:  "2026-01-02T00:00:00Z",
		SignedService: "b",
		SignedVersion: ServiceVersion,
		Value:         base64.StdEncoding.EncodeToString(raw),
	}
}

func testValues() SASValues {
	return SASValues{
		Permissions: PermsDownload,
		Start:       time.Date(2026, 1, 1, 10, 0, 0, 0, time.UTC),
		Expiry:      time.Date(2026, 1, 1, 10, 5, 0, 0, time.UTC),
	}
}

func TestSignVerifyRoundTrip(t *testing.T) {
	dk := testDelegationKey(t)
	v := testValues()

	sig, err := SignSAS(dk, "acct", "vault", "group_g1/report.pdf", v)
	require.NoError(t, err)
	assert.True(t, VerifySAS(dk, "acct", "vault", "group_g1/report.pdf", v, sig))
}

func TestVerifyRejectsTampering(t *testing.T) {
	dk := testDelegationKey(t)
	v := testValues()

	sig, err := SignSAS(dk, "acct", "vault", "group_g1/report.pdf", v)
	require.NoError(t, err)

	// Different key: the grant must not transfer to another object.
	assert.False(t, VerifySAS(dk, "acct", "vault", "group_g1/other.pdf", v, sig))

	// Escalated permissions.
	up := v
	up.Permissions = PermsUpload
	assert.False(t, VerifySAS(dk, "acct", "vault", "group_g1/report.pdf", up, sig))

	// Extended expiry.
	ext := v
	ext.Expiry = ext.Expiry.Add(time.Hour)
	assert.False(t, VerifySAS(dk, "acct", "vault", "group_g1/report.pdf", ext, sig))

	// Different signing key.
	assert.False(t, VerifySAS(testDelegationKey(t), "acct", "vault", "group_g1/report.pdf", v, sig))
}

func TestSignRejectsBadKeyMaterial(t *testing.T) {
	dk := testDelegationKey(t)
	dk.Value = "not base64 !!!"
	_, err := SignSAS(dk, "acct", "vault", "k", testValues())
	require.Error(t, err)
}

func TestEncodeParseRoundTrip(t *testing.T) {
	dk := testDelegationKey(t)
	v := testValues()
	v.ContentDisposition = `attachment; filename="report.pdf"`
	v.ContentType = "application/pdf"

	q, err := EncodeSAS(dk, "acct", "vault", "group_g1/report.pdf", v)
	require.NoError(t, err)

	assert.Equal(t, ServiceVersion, q.Get("sv"))
	assert.Equal(t, "b", q.Get("sr"))
	assert.Equal(t, "r", q.Get("sp"))
	assert.Equal(t, dk.SignedOID, q.Get("skoid"))
	assert.NotEmpty(t, q.Get("sig"))

	parsed, err := ParseSASValues(q)
	require.NoError(t, err)
	assert.Equal(t, v.Permissions, parsed.Permissions)
	assert.True(t, v.Start.Equal(parsed.Start))
	assert.True(t, v.Expiry.Equal(parsed.Expiry))
	assert.Equal(t, v.ContentDisposition, parsed.ContentDisposition)
	assert.Equal(t, v.ContentType, parsed.ContentType)

	// The parsed values verify against the embedded signature.
	assert.True(t, VerifySAS(dk, "acct", "vault", "group_g1/report.pdf", parsed, q.Get("sig")))
}

func TestParseSASValuesMissingFields(t *testing.T) {
	q, err := EncodeSAS(testDelegationKey(t), "acct", "vault", "k", testValues())
	require.NoError(t, err)

	q.Del("sp")
	_, perr := ParseSASValues(q)
	assert.Error(t, perr)

	q.Set("sp", "r")
	q.Set("st", "garbage")
	_, perr = ParseSASValues(q)
	assert.Error(t, perr)
}

func TestCanonicalResource(t *testing.T) {
	got := canonicalResource("acct", "vault", "group_g1/docs/report.pdf")
	assert.Equal(t, "/blob/acct/vault/group_g1/docs/report.pdf", got)
}
