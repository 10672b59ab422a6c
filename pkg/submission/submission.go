// Package submission writes speed-test results back to the submissions
// backend.
package submission

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"path"
	"time"

	"github.com/charmbracelet/log"
	"github.com/m-lab/thankyou/pkg/results"
	"github.com/m-lab/thankyou/pkg/session"
)

const (
	// SubmissionsPath is the backend's collection path for submissions.
	SubmissionsPath = "/api/v1/submissions"

	// DefaultTimeout is the default timeout for a submission request.
	DefaultTimeout = 30 * time.Second

	apologyText = "We're sorry your, request didn't go through. Please send " +
		"the message below to the support team and we'll try to fix things " +
		"as soon as we can."
)

// strippedFields are removed from the record before it is written back.
var strippedFields = []string{"id", "created_at", "updated_at"}

// Notifier shows a blocking notification to the user.
type Notifier interface {
	Alert(msg string)
}

// NotifierFunc adapts a function to the Notifier interface.
type NotifierFunc func(msg string)

// Alert calls f(msg).
func (f NotifierFunc) Alert(msg string) {
	f(msg)
}

// RejectedError is returned when the backend answers with a status other
// than 204 No Content.
type RejectedError struct {
	StatusCode int
	// Debug is the JSON-serialized response body.
	Debug string
}

func (e *RejectedError) Error() string {
	return "Error in response from server: " + apologyText + "," + e.Debug
}

// TransportError is returned when no response was received.
type TransportError struct {
	// StatusText describes the failure.
	StatusText string
	Err        error
}

func (e *TransportError) Error() string {
	return e.StatusText
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

// Payload is the request body of a submission update.
type Payload struct {
	Data map[string]any `json:"data"`
}

// BuildPayload merges the record with the result fields and strips the
// identifier and timestamps. The record itself is not modified.
func BuildPayload(record session.Record, r results.Results) Payload {
	data := make(map[string]any, len(record)+3)
	for k, v := range record {
		data[k] = v
	}
	data["c2sRate"] = r.C2SRate
	data["s2cRate"] = r.S2CRate
	if rtt, ok := r.MinRTT.Float(); ok {
		data["MinRTT"] = rtt
	} else {
		// Not a number: encoded as null.
		data["MinRTT"] = nil
	}
	for _, k := range strippedFields {
		delete(data, k)
	}
	return Payload{Data: data}
}

// processError returns the user-facing text and the serialized body.
func processError(body []byte) (string, string) {
	var v any
	if err := json.Unmarshal(body, &v); err != nil {
		v = string(body)
	}
	debug, err := json.Marshal(v)
	if err != nil {
		debug = []byte(fmt.Sprintf("%q", body))
	}
	return apologyText, string(debug)
}

// Client sends submission updates to the backend.
type Client struct {
	// BaseURL is the backend's base URL, e.g. https://example.org.
	BaseURL *url.URL
	// HTTPClient is used to send requests. http.DefaultClient if nil.
	HTTPClient *http.Client
	// Notifier receives the user-facing message on rejected submissions.
	// Alerts are dropped if nil.
	Notifier Notifier
}

// New returns a Client for the given backend URL.
func New(baseURL string, notifier Notifier) (*Client, error) {
	u, err := url.Parse(baseURL)
	if err != nil {
		return nil, err
	}
	return &Client{
		BaseURL:    u,
		HTTPClient: &http.Client{Timeout: DefaultTimeout},
		Notifier:   notifier,
	}, nil
}

// Target returns the resource URL for a record. The record id is a single
// escaped path segment.
func (c *Client) Target(record session.Record) string {
	u := *c.BaseURL
	u.Path = path.Join(u.Path, SubmissionsPath)
	u.RawPath = ""
	base := u.EscapedPath()
	id := record.ID()
	u.Path += "/" + id
	u.RawPath = base + "/" + url.PathEscape(id)
	return u.String()
}

// Submit writes the results into the record on the backend. It makes a
// single attempt.
func (c *Client) Submit(ctx context.Context, record session.Record, r results.Results) error {
	body, err := json.Marshal(BuildPayload(record, r))
	if err != nil {
		return err
	}
	target := c.Target(record)
	req, err := http.NewRequestWithContext(ctx, http.MethodPut, target, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	hc := c.HTTPClient
	if hc == nil {
		hc = http.DefaultClient
	}
	resp, err := hc.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		log.Error("submission request failed", "target", target, "error", err)
		return &TransportError{StatusText: statusText(err), Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNoContent {
		log.Debug("submission saved", "target", target)
		return nil
	}

	respBody, err := io.ReadAll(resp.Body)
	if err != nil && ctx.Err() != nil {
		return ctx.Err()
	}
	text, debug := processError(respBody)
	if c.Notifier != nil {
		c.Notifier.Alert(fmt.Sprintf(
			"Settings not saved. Error in response from server: %s,%s", text, debug))
	}
	rerr := &RejectedError{StatusCode: resp.StatusCode, Debug: debug}
	log.Error("submission rejected", "target", target, "status", resp.StatusCode, "error", rerr)
	return rerr
}

// statusText extracts a short description of a transport failure.
func statusText(err error) string {
	var uerr *url.Error
	if errors.As(err, &uerr) {
		return uerr.Err.Error()
	}
	return err.Error()
}
