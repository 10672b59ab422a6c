package handler

import (
	"context"
	"encoding/json"
	"net/http"
	"net/url"
	"time"

	"github.com/charmbracelet/log"
	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/jellydator/ttlcache/v3"
	"github.com/m-lab/thankyou/internal/diag"
	"github.com/m-lab/thankyou/internal/intake"
	"github.com/m-lab/thankyou/internal/metrics"
	"github.com/m-lab/thankyou/internal/view"
	"github.com/m-lab/thankyou/pkg/results"
	"github.com/m-lab/thankyou/pkg/session"
	"github.com/m-lab/thankyou/pkg/submission"
)

const (
	// BasePath is the path prefix of every thank-you route.
	BasePath = "/thankyou"

	// maxBodySize limits navigation state and completion bodies.
	maxBodySize = 1 << 20
)

// View is one hosted thank-you page.
type View struct {
	ID      string
	Context *session.Context
	Intake  *intake.Intake
	Alerts  *view.Alerts

	cancel context.CancelFunc
}

// Close tears the view down and cancels its in-flight submissions.
func (v *View) Close() {
	v.cancel()
}

// Finish is the completion signal posted by the browser widget.
type Finish struct {
	Finished bool              `json:"finished"`
	Results  results.Results   `json:"results"`
	Location *results.Location `json:"location,omitempty"`
}

// State is the JSON representation of a view's results.
type State struct {
	Complete bool            `json:"complete"`
	Results  results.Results `json:"results"`
	Rows     []results.Row   `json:"rows,omitempty"`
}

// Config configures a Handler.
type Config struct {
	// BackendURL is the base URL of the submissions backend.
	BackendURL *url.URL
	// HTTPClient is used for submission requests.
	HTTPClient *http.Client
	// DataDir is where finished runs are archived. Disabled if empty.
	DataDir string
	// Hook receives completion locations. Optional.
	Hook diag.Hook
	// ViewTTL is how long an idle view is kept.
	ViewTTL time.Duration
}

// Handler hosts thank-you views.
type Handler struct {
	config Config
	views  *ttlcache.Cache[string, *View]
}

// New returns a Handler. Views that are idle for longer than config.ViewTTL
// are torn down.
func New(config Config) *Handler {
	cache := ttlcache.New(
		ttlcache.WithTTL[string, *View](config.ViewTTL),
	)
	cache.OnEviction(func(ctx context.Context,
		er ttlcache.EvictionReason,
		i *ttlcache.Item[string, *View]) {
		log.Debug("view evicted", "id", i.Key(), "reason", er)
		metrics.ViewsEvicted.WithLabelValues(reason(er)).Inc()
		i.Value().Close()
	})
	go cache.Start()
	return &Handler{
		config: config,
		views:  cache,
	}
}

// Router returns the HTTP routes of this Handler.
func (h *Handler) Router() *mux.Router {
	r := mux.NewRouter()
	r.HandleFunc(BasePath, h.Create).Methods(http.MethodPost)
	r.HandleFunc(BasePath+"/{id}", h.Page).Methods(http.MethodGet)
	r.HandleFunc(BasePath+"/{id}", h.Delete).Methods(http.MethodDelete)
	r.HandleFunc(BasePath+"/{id}/finish", h.Finish).Methods(http.MethodPost)
	r.HandleFunc(BasePath+"/{id}/results", h.Results).Methods(http.MethodGet)
	return r
}

// Close tears down every view and stops the cache cleanup goroutine.
func (h *Handler) Close() {
	for _, item := range h.views.Items() {
		item.Value().Close()
	}
	h.views.DeleteAll()
	h.views.Stop()
}

// Create validates a navigation state and creates a new view for it.
func (h *Handler) Create(rw http.ResponseWriter, req *http.Request) {
	c, err := session.Decode(http.MaxBytesReader(rw, req.Body, maxBodySize))
	if err != nil {
		log.Info("Received invalid navigation state", "source", req.RemoteAddr,
			"error", err)
		writeBadRequest(rw)
		return
	}

	id := uuid.NewString()
	// The view must outlive the request that created it.
	ctx, cancel := context.WithCancel(context.Background())
	alerts := &view.Alerts{}
	v := &View{
		ID:      id,
		Context: c,
		Alerts:  alerts,
		cancel:  cancel,
	}
	v.Intake = intake.New(ctx, intake.Config{
		ViewID: id,
		Record: c.Record,
		Submitter: &submission.Client{
			BaseURL:    h.config.BackendURL,
			HTTPClient: h.config.HTTPClient,
			Notifier:   alerts,
		},
		Hook:    h.config.Hook,
		DataDir: h.config.DataDir,
	})
	h.views.Set(id, v, ttlcache.DefaultTTL)
	metrics.ViewsCreated.Inc()
	log.Debug("view created", "id", id, "record", c.Record.ID())

	rw.Header().Set("Content-Type", "application/json")
	rw.Header().Set("Location", BasePath+"/"+id)
	rw.WriteHeader(http.StatusCreated)
	json.NewEncoder(rw).Encode(map[string]string{"id": id})
}

// Page renders the view's page.
func (h *Handler) Page(rw http.ResponseWriter, req *http.Request) {
	v := h.lookup(rw, req)
	if v == nil {
		return
	}
	complete, r := v.Intake.State()
	p := view.NewPage(v.ID, v.Context, complete, r, v.Alerts.Drain())
	rw.Header().Set("Content-Type", "text/html; charset=utf-8")
	if err := view.Render(rw, p); err != nil {
		log.Error("failed to render page", "id", v.ID, "error", err)
	}
}

// Finish receives the widget completion signal.
func (h *Handler) Finish(rw http.ResponseWriter, req *http.Request) {
	v := h.lookup(rw, req)
	if v == nil {
		return
	}
	var f Finish
	err := json.NewDecoder(http.MaxBytesReader(rw, req.Body, maxBodySize)).Decode(&f)
	if err != nil {
		log.Info("Received invalid completion signal", "id", v.ID,
			"source", req.RemoteAddr, "error", err)
		writeBadRequest(rw)
		return
	}
	if !v.Context.LocationConsent {
		f.Location = nil
	}
	v.Intake.OnFinish(f.Finished, f.Results, f.Location)
	rw.WriteHeader(http.StatusNoContent)
}

// Results returns the view's state as JSON.
func (h *Handler) Results(rw http.ResponseWriter, req *http.Request) {
	v := h.lookup(rw, req)
	if v == nil {
		return
	}
	complete, r := v.Intake.State()
	s := State{Complete: complete, Results: r}
	if complete {
		s.Rows = results.Rows(r)
	}
	rw.Header().Set("Content-Type", "application/json")
	json.NewEncoder(rw).Encode(s)
}

// Delete tears the view down.
func (h *Handler) Delete(rw http.ResponseWriter, req *http.Request) {
	v := h.lookup(rw, req)
	if v == nil {
		return
	}
	v.Close()
	h.views.Delete(v.ID)
	rw.WriteHeader(http.StatusNoContent)
}

// lookup returns the view named in the request path. It writes a 404 and
// returns nil if there is none.
func (h *Handler) lookup(rw http.ResponseWriter, req *http.Request) *View {
	id := mux.Vars(req)["id"]
	item := h.views.Get(id)
	if item == nil {
		rw.WriteHeader(http.StatusNotFound)
		return nil
	}
	return item.Value()
}

// writeBadRequest sends a Bad Request response to the client using writer.
func writeBadRequest(writer http.ResponseWriter) {
	writer.Header().Set("Connection", "Close")
	writer.WriteHeader(http.StatusBadRequest)
}

func reason(er ttlcache.EvictionReason) string {
	switch er {
	case ttlcache.EvictionReasonExpired:
		return "expired"
	case ttlcache.EvictionReasonDeleted:
		return "deleted"
	default:
		return "other"
	}
}
