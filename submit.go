package scansync

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

// Submitter records one queued scan against the backend. A nil error
// means the collection event was accepted and the scan may leave the
// queue.
type Submitter interface {
	Submit(ctx context.Context, scan *QueuedScan) error
}

// DefaultSubmitTimeout bounds a single submission round trip. The
// engine has no other latency guard, so a hanging call would otherwise
// stall its whole batch.
const DefaultSubmitTimeout = 15 * time.Second

// APISubmitter resolves a scanned code to a kumbara through the
// association backend and records a collection event against it.
// Offline scans carry no amount; the submission is zero-amount and the
// physical money count happens at the center.
type APISubmitter struct {
	baseURL string
	apiKey  string
	client  *http.Client
	log     *logrus.Entry
}

// NewAPISubmitter builds a submitter for the backend at baseURL.
// timeout zero means DefaultSubmitTimeout.
func NewAPISubmitter(baseURL, apiKey string, timeout time.Duration, log *logrus.Entry) *APISubmitter {
	if timeout <= 0 {
		timeout = DefaultSubmitTimeout
	}
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &APISubmitter{
		baseURL: baseURL,
		apiKey:  apiKey,
		client:  &http.Client{Timeout: timeout},
		log:     log.WithField("component", "submitter"),
	}
}

type kumbaraResponse struct {
	ID   string `json:"id"`
	Code string `json:"code"`
	Name string `json:"name"`
}

type collectionRequest struct {
	Amount    float64   `json:"amount"`
	ScannedAt time.Time `json:"scanned_at"`
	ScanID    string    `json:"scan_id"`
}

// Submit looks the kumbara up by the scanned code and posts a
// zero-amount collection for it.
func (s *APISubmitter) Submit(ctx context.Context, scan *QueuedScan) error {
	kumbara, err := s.fetchByCode(ctx, scan.QRData)
	if err != nil {
		return err
	}

	body, err := json.Marshal(collectionRequest{
		Amount:    0,
		ScannedAt: scan.ScannedAt,
		ScanID:    scan.ID,
	})
	if err != nil {
		return errors.Wrap(err, "encode collection")
	}

	endpoint := fmt.Sprintf("%s/v1/kumbaras/%s/collections", s.baseURL, url.PathEscape(kumbara.ID))
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return errors.Wrap(err, "build collection request")
	}
	s.setHeaders(req)

	resp, err := s.client.Do(req)
	if err != nil {
		return errors.Wrap(err, "submit collection")
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return errors.Errorf("collection for kumbara %s rejected: %s", kumbara.ID, resp.Status)
	}

	s.log.WithFields(logrus.Fields{
		"scan_id": scan.ID,
		"kumbara": kumbara.ID,
	}).Debug("collection recorded")
	return nil
}

func (s *APISubmitter) fetchByCode(ctx context.Context, code string) (*kumbaraResponse, error) {
	endpoint := fmt.Sprintf("%s/v1/kumbaras/by-code/%s", s.baseURL, url.PathEscape(code))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, errors.Wrap(err, "build lookup request")
	}
	s.setHeaders(req)

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, errors.Wrap(err, "look up kumbara")
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		io.Copy(io.Discard, resp.Body)
		return nil, errors.Errorf("kumbara with code %q not found", code)
	case resp.StatusCode < 200 || resp.StatusCode >= 300:
		io.Copy(io.Discard, resp.Body)
		return nil, errors.Errorf("kumbara lookup failed: %s", resp.Status)
	}

	var kumbara kumbaraResponse
	if err := json.NewDecoder(resp.Body).Decode(&kumbara); err != nil {
		return nil, errors.Wrap(err, "decode kumbara")
	}
	if kumbara.ID == "" {
		return nil, errors.Errorf("kumbara with code %q not found", code)
	}
	return &kumbara, nil
}

func (s *APISubmitter) setHeaders(req *http.Request) {
	req.Header.Set("Content-Type", "application/json")
	if s.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+s.apiKey)
	}
}
