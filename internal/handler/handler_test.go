package handler

import (
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/m-lab/go/rtx"
	"github.com/m-lab/go/testingx"
	"github.com/m-lab/thankyou/pkg/results"
)

const navigationState = `{
	"data": {"data": [{"id": 5, "created_at": "t1", "updated_at": "t2", "name": "x"}]},
	"settings": {"title": "Survey", "color_one": "#123456", "footer": "<p>bye</p>"},
	"locationConsent": false
}`

type backend struct {
	*httptest.Server
	bodies chan string
	paths  chan string
}

func setupBackend(status int, respBody string) *backend {
	b := &backend{
		bodies: make(chan string, 10),
		paths:  make(chan string, 10),
	}
	b.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		b.bodies <- string(body)
		b.paths <- r.URL.Path
		w.WriteHeader(status)
		w.Write([]byte(respBody))
	}))
	return b
}

func setupHandler(t *testing.T, backendURL string) (*Handler, *httptest.Server) {
	u, err := url.Parse(backendURL)
	rtx.Must(err, "cannot parse backend URL")
	h := New(Config{
		BackendURL: u,
		HTTPClient: http.DefaultClient,
		DataDir:    t.TempDir(),
		ViewTTL:    time.Minute,
	})
	s := httptest.NewServer(h.Router())
	t.Cleanup(func() {
		s.Close()
		h.Close()
	})
	return h, s
}

func createView(t *testing.T, s *httptest.Server, state string) string {
	resp, err := http.Post(s.URL+BasePath, "application/json", strings.NewReader(state))
	testingx.Must(t, err, "cannot create view")
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("create returned %d, want 201", resp.StatusCode)
	}
	var body map[string]string
	testingx.Must(t, json.NewDecoder(resp.Body).Decode(&body), "cannot decode create response")
	return body["id"]
}

func get(t *testing.T, u string) (int, string) {
	resp, err := http.Get(u)
	testingx.Must(t, err, "GET %s failed", u)
	defer resp.Body.Close()
	b, err := io.ReadAll(resp.Body)
	testingx.Must(t, err, "cannot read response")
	return resp.StatusCode, string(b)
}

func finish(t *testing.T, s *httptest.Server, id, body string) {
	resp, err := http.Post(s.URL+BasePath+"/"+id+"/finish", "application/json",
		strings.NewReader(body))
	testingx.Must(t, err, "cannot post completion signal")
	resp.Body.Close()
	if resp.StatusCode != http.StatusNoContent {
		t.Fatalf("finish returned %d, want 204", resp.StatusCode)
	}
}

func TestHandler_flow(t *testing.T) {
	b := setupBackend(http.StatusNoContent, "")
	defer b.Close()
	h, s := setupHandler(t, b.URL)

	id := createView(t, s, navigationState)

	status, page := get(t, s.URL+BasePath+"/"+id)
	if status != http.StatusOK {
		t.Fatalf("page returned %d", status)
	}
	if !strings.Contains(page, "<title>Survey | Thank You</title>") ||
		!strings.Contains(page, `id="ndt-widget"`) {
		t.Errorf("unexpected incomplete page:\n%s", page)
	}

	finish(t, s, id, `{"finished":true,"results":{"c2sRate":1000,"s2cRate":2000,"MinRTT":"15"}}`)

	select {
	case p := <-b.paths:
		if p != "/api/v1/submissions/5" {
			t.Errorf("submission path = %s", p)
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("backend did not receive the submission")
	}
	var got, want map[string]any
	testingx.Must(t, json.Unmarshal([]byte(<-b.bodies), &got), "cannot decode submission")
	testingx.Must(t, json.Unmarshal(
		[]byte(`{"data": {"name":"x","c2sRate":1000,"s2cRate":2000,"MinRTT":15}}`), &want),
		"cannot decode expected submission")
	if !jsonEqual(got, want) {
		t.Errorf("submission body = %v, want %v", got, want)
	}

	v := h.views.Get(id).Value()
	if err := v.Intake.Wait(); err != nil {
		t.Errorf("submission failed: %v", err)
	}

	status, page = get(t, s.URL+BasePath+"/"+id)
	if status != http.StatusOK {
		t.Fatalf("page returned %d", status)
	}
	for _, want := range []string{"Test of speed was completed.", "<td>2.00 Mb/s</td>", "<td>15 ms</td>", "<p>bye</p>"} {
		if !strings.Contains(page, want) {
			t.Errorf("complete page does not contain %q", want)
		}
	}

	status, body := get(t, s.URL+BasePath+"/"+id+"/results")
	if status != http.StatusOK {
		t.Fatalf("results returned %d", status)
	}
	var st State
	testingx.Must(t, json.Unmarshal([]byte(body), &st), "cannot decode state")
	if !st.Complete || st.Results != (results.Results{C2SRate: 1000, S2CRate: 2000, MinRTT: "15"}) ||
		len(st.Rows) != 3 {
		t.Errorf("unexpected state: %+v", st)
	}

	req, err := http.NewRequest(http.MethodDelete, s.URL+BasePath+"/"+id, nil)
	rtx.Must(err, "cannot create request")
	resp, err := http.DefaultClient.Do(req)
	testingx.Must(t, err, "DELETE failed")
	resp.Body.Close()
	if resp.StatusCode != http.StatusNoContent {
		t.Errorf("delete returned %d, want 204", resp.StatusCode)
	}
	if status, _ := get(t, s.URL+BasePath+"/"+id); status != http.StatusNotFound {
		t.Errorf("page after delete returned %d, want 404", status)
	}
}

func TestHandler_rejectedSubmissionAlerts(t *testing.T) {
	b := setupBackend(http.StatusInternalServerError, `{"error":"boom"}`)
	defer b.Close()
	h, s := setupHandler(t, b.URL)

	id := createView(t, s, navigationState)
	finish(t, s, id, `{"finished":true,"results":{"c2sRate":1,"s2cRate":2,"MinRTT":3}}`)
	v := h.views.Get(id).Value()
	if err := v.Intake.Wait(); err == nil {
		t.Fatalf("submission did not fail")
	}

	_, page := get(t, s.URL+BasePath+"/"+id)
	if strings.Count(page, `role="alert"`) != 1 {
		t.Errorf("page does not contain exactly one alert:\n%s", page)
	}
	// The table renders regardless of the submission outcome.
	if !strings.Contains(page, "<td>0.00 Mb/s</td>") {
		t.Errorf("page does not contain the results table")
	}
	// Alerts are shown once.
	_, page = get(t, s.URL+BasePath+"/"+id)
	if strings.Contains(page, `role="alert"`) {
		t.Errorf("alert rendered twice")
	}
}

func TestHandler_noRecord(t *testing.T) {
	b := setupBackend(http.StatusNoContent, "")
	defer b.Close()
	h, s := setupHandler(t, b.URL)

	id := createView(t, s, `{"settings":{"title":"Survey"},"locationConsent":true}`)
	finish(t, s, id, `{"finished":true,"results":{"c2sRate":1,"s2cRate":2,"MinRTT":"3"},`+
		`"location":{"city":"Rome","country":"IT"}}`)
	h.views.Get(id).Value().Intake.Wait()
	select {
	case <-b.paths:
		t.Errorf("backend received a submission without a record")
	default:
	}
}

func TestHandler_Validation(t *testing.T) {
	b := setupBackend(http.StatusNoContent, "")
	defer b.Close()
	_, s := setupHandler(t, b.URL)

	tests := []struct {
		name       string
		method     string
		path       string
		body       string
		statusCode int
	}{
		{
			name:       "missing settings",
			method:     http.MethodPost,
			path:       BasePath,
			body:       `{"locationConsent":true}`,
			statusCode: http.StatusBadRequest,
		},
		{
			name:       "missing consent",
			method:     http.MethodPost,
			path:       BasePath,
			body:       `{"settings":{"title":"Survey"}}`,
			statusCode: http.StatusBadRequest,
		},
		{
			name:       "invalid JSON",
			method:     http.MethodPost,
			path:       BasePath,
			body:       `{`,
			statusCode: http.StatusBadRequest,
		},
		{
			name:       "unknown view",
			method:     http.MethodGet,
			path:       BasePath + "/does-not-exist",
			statusCode: http.StatusNotFound,
		},
		{
			name:       "finish on unknown view",
			method:     http.MethodPost,
			path:       BasePath + "/does-not-exist/finish",
			body:       `{"finished":true}`,
			statusCode: http.StatusNotFound,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req, err := http.NewRequest(tt.method, s.URL+tt.path, strings.NewReader(tt.body))
			rtx.Must(err, "cannot create request")
			resp, err := http.DefaultClient.Do(req)
			testingx.Must(t, err, "request failed")
			resp.Body.Close()
			if resp.StatusCode != tt.statusCode {
				t.Errorf("unexpected status code %d", resp.StatusCode)
			}
		})
	}

	t.Run("invalid completion signal", func(t *testing.T) {
		id := createView(t, s, navigationState)
		resp, err := http.Post(s.URL+BasePath+"/"+id+"/finish", "application/json",
			strings.NewReader(`{"finished":"yes"}`))
		testingx.Must(t, err, "request failed")
		resp.Body.Close()
		if resp.StatusCode != http.StatusBadRequest {
			t.Errorf("unexpected status code %d", resp.StatusCode)
		}
	})
}

func TestHandler_expiry(t *testing.T) {
	u, _ := url.Parse("http://127.0.0.1:1")
	h := New(Config{BackendURL: u, ViewTTL: 10 * time.Millisecond})
	defer h.Close()
	s := httptest.NewServer(h.Router())
	defer s.Close()

	id := createView(t, s, navigationState)
	time.Sleep(100 * time.Millisecond)
	if status, _ := get(t, s.URL+BasePath+"/"+id); status != http.StatusNotFound {
		t.Errorf("expired view returned %d, want 404", status)
	}
}

func jsonEqual(a, b map[string]any) bool {
	ab, _ := json.Marshal(a)
	bb, _ := json.Marshal(b)
	return string(ab) == string(bb)
}
