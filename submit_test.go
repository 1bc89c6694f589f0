package scansync

import (
	"context"
	"encoding/json"
	"net/http"
	"testing"
	"time"

	"github.com/jarcoal/httpmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testBaseURL = "https://api.dernek.test"

func newTestSubmitter(t *testing.T) *APISubmitter {
	t.Helper()
	s := NewAPISubmitter(testBaseURL, "test-key", time.Second, testLogger())
	httpmock.ActivateNonDefault(s.client)
	t.Cleanup(httpmock.DeactivateAndReset)
	return s
}

func testScan(code string) *QueuedScan {
	return &QueuedScan{
		ID:        "scan_1",
		QRData:    code,
		ScannedAt: time.Now().UTC(),
		Status:    StatusPending,
	}
}

func TestAPISubmitter_Submit(t *testing.T) {
	s := newTestSubmitter(t)

	httpmock.RegisterResponder("GET", testBaseURL+"/v1/kumbaras/by-code/KMB-001",
		httpmock.NewJsonResponderOrPanic(200, map[string]string{
			"id":   "kmb_42",
			"code": "KMB-001",
			"name": "Merkez Cami",
		}))
	var posted collectionRequest
	httpmock.RegisterResponder("POST", testBaseURL+"/v1/kumbaras/kmb_42/collections",
		func(req *http.Request) (*http.Response, error) {
			if err := json.NewDecoder(req.Body).Decode(&posted); err != nil {
				return httpmock.NewStringResponse(400, "bad body"), nil
			}
			return httpmock.NewStringResponse(201, "{}"), nil
		})

	scan := testScan("KMB-001")
	require.NoError(t, s.Submit(context.Background(), scan))

	assert.Equal(t, "scan_1", posted.ScanID)
	assert.Zero(t, posted.Amount, "offline scans submit without an amount")
	assert.Equal(t, 2, httpmock.GetTotalCallCount())
}

func TestAPISubmitter_UnknownCode(t *testing.T) {
	s := newTestSubmitter(t)

	httpmock.RegisterResponder("GET", testBaseURL+"/v1/kumbaras/by-code/KMB-404",
		httpmock.NewStringResponder(404, `{"error":"not found"}`))

	err := s.Submit(context.Background(), testScan("KMB-404"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "KMB-404")
	assert.Contains(t, err.Error(), "not found")
}

func TestAPISubmitter_LookupServerError(t *testing.T) {
	s := newTestSubmitter(t)

	httpmock.RegisterResponder("GET", testBaseURL+"/v1/kumbaras/by-code/KMB-001",
		httpmock.NewStringResponder(500, "oops"))

	err := s.Submit(context.Background(), testScan("KMB-001"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "lookup failed")
}

func TestAPISubmitter_EmptyLookupBody(t *testing.T) {
	s := newTestSubmitter(t)

	httpmock.RegisterResponder("GET", testBaseURL+"/v1/kumbaras/by-code/KMB-001",
		httpmock.NewStringResponder(200, `{}`))

	err := s.Submit(context.Background(), testScan("KMB-001"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not found")
}

func TestAPISubmitter_CollectionRejected(t *testing.T) {
	s := newTestSubmitter(t)

	httpmock.RegisterResponder("GET", testBaseURL+"/v1/kumbaras/by-code/KMB-001",
		httpmock.NewJsonResponderOrPanic(200, map[string]string{"id": "kmb_42"}))
	httpmock.RegisterResponder("POST", testBaseURL+"/v1/kumbaras/kmb_42/collections",
		httpmock.NewStringResponder(422, "duplicate collection"))

	err := s.Submit(context.Background(), testScan("KMB-001"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "rejected")
}
