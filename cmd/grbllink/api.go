package main

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log"
	"net/http"
	"strconv"
	"strings"

	sse "github.com/alexandrevicenzi/go-sse"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/mastercactapus/grbllink/dispatch"
	"github.com/mastercactapus/grbllink/event"
	"github.com/mastercactapus/grbllink/grbl"
	"github.com/mastercactapus/grbllink/health"
)

type api struct {
	http.Handler
	d      *dispatch.Dispatcher
	m      *health.Monitor
	logger *log.Logger
	sse    *sse.Server
}

func newAPI(d *dispatch.Dispatcher, m *health.Monitor, logger *log.Logger) *api {
	if logger == nil {
		logger = log.New(io.Discard, "", 0)
	}
	r := mux.NewRouter()
	a := &api{
		Handler: r,
		d:       d,
		m:       m,
		logger:  logger,
		sse: sse.NewServer(&sse.Options{
			Logger: log.New(io.Discard, "", 0),
		}),
	}

	r.HandleFunc("/api/run", a.run).Methods("POST")
	r.HandleFunc("/api/status", a.status).Methods("GET")
	r.HandleFunc("/api/state", a.state).Methods("GET")
	r.HandleFunc("/api/clear", a.clear).Methods("POST")
	r.HandleFunc("/api/realtime/{name}", a.realtime).Methods("POST")
	r.HandleFunc("/api/health", a.healthMetrics).Methods("GET")
	r.HandleFunc("/api/health/reset", a.resetHealth).Methods("POST")
	r.HandleFunc("/api/health/recover", a.recoverHealth).Methods("POST")
	r.HandleFunc("/api/events/{source}", a.recentEvents).Methods("GET")
	r.PathPrefix("/events/").Handler(a.sse)
	r.Handle("/metrics", promhttp.Handler())

	return a
}

// Run forwards dispatcher events to /events/dispatch and health events to
// /events/health until ctx is done.
func (a *api) Run(ctx context.Context) error {
	dEvents, cancelD := a.d.Subscribe()
	defer cancelD()
	hEvents, cancelH := a.m.Subscribe()
	defer cancelH()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev := <-dEvents:
			a.send("/events/dispatch", ev)
		case ev := <-hEvents:
			a.send("/events/health", ev)
		}
	}
}

func (a *api) send(channel string, ev event.Event) {
	data, err := json.Marshal(ev)
	if err != nil {
		a.logger.Printf("ERROR: marshal json: %+v", err)
		return
	}
	a.sse.SendMessage(channel, sse.SimpleMessage(string(data)))
}

// Close disconnects event stream clients.
func (a *api) Close() { a.sse.Shutdown() }

func (a *api) writeJSON(w http.ResponseWriter, code int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		a.logger.Println("ERROR: encode:", err)
	}
}

type apiError struct {
	Error string `json:"error"`
	Code  string `json:"code,omitempty"`
}

type runResult struct {
	Line      string         `json:"line"`
	ID        string         `json:"id,omitempty"`
	Response  *grbl.Response `json:"response,omitempty"`
	Error     string         `json:"error,omitempty"`
	ErrorCode string         `json:"errorCode,omitempty"`
}

// run submits each non-empty line of the body in order and replies with
// one result per line once all have settled.
func (a *api) run(w http.ResponseWriter, req *http.Request) {
	data, err := io.ReadAll(req.Body)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	var results []runResult
	var futures []*dispatch.Future
	for _, line := range strings.Split(string(data), "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		res := runResult{Line: line}
		f, err := a.d.Submit(line, dispatch.Options{})
		if err != nil {
			res.Error, res.ErrorCode = err.Error(), dispatch.Code(err)
		} else {
			res.ID = f.ID()
		}
		results = append(results, res)
		futures = append(futures, f)
	}

	status := http.StatusOK
	for i, f := range futures {
		if f == nil {
			status = http.StatusBadGateway
			continue
		}
		resp, err := f.Wait(req.Context())
		if err != nil {
			status = http.StatusBadGateway
			results[i].Error, results[i].ErrorCode = err.Error(), dispatch.Code(err)
			continue
		}
		results[i].Response = &resp
		if rerr := resp.Err(); rerr != nil {
			results[i].Error = rerr.Error()
		}
	}
	a.writeJSON(w, status, results)
}

func (a *api) status(w http.ResponseWriter, req *http.Request) {
	a.writeJSON(w, http.StatusOK, a.d.Status())
}

func (a *api) state(w http.ResponseWriter, req *http.Request) {
	a.writeJSON(w, http.StatusOK, a.d.MachineState())
}

func (a *api) clear(w http.ResponseWriter, req *http.Request) {
	a.writeJSON(w, http.StatusOK, map[string]int{"cleared": a.d.ClearAll()})
}

func (a *api) realtime(w http.ResponseWriter, req *http.Request) {
	name := mux.Vars(req)["name"]
	b, ok := grbl.RealtimeByName[name]
	if !ok {
		a.writeJSON(w, http.StatusNotFound, apiError{Error: "unknown realtime command: " + name})
		return
	}
	if err := a.d.Realtime(req.Context(), b); err != nil {
		a.logger.Printf("ERROR: realtime %s: %+v", name, err)
		a.writeJSON(w, http.StatusBadGateway, apiError{Error: err.Error()})
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *api) healthMetrics(w http.ResponseWriter, req *http.Request) {
	a.writeJSON(w, http.StatusOK, a.m.Metrics())
}

func (a *api) resetHealth(w http.ResponseWriter, req *http.Request) {
	a.m.ResetMetrics()
	w.WriteHeader(http.StatusNoContent)
}

func (a *api) recoverHealth(w http.ResponseWriter, req *http.Request) {
	err := a.m.Recover(req.Context())
	switch {
	case errors.Is(err, health.ErrRecoveryInProgress):
		a.writeJSON(w, http.StatusConflict, apiError{Error: err.Error()})
	case err != nil:
		a.logger.Printf("ERROR: recover: %+v", err)
		a.writeJSON(w, http.StatusBadGateway, apiError{Error: err.Error()})
	default:
		a.writeJSON(w, http.StatusOK, a.m.State())
	}
}

// recentEvents replays buffered events with an ID above ?since=, so an event
// stream client can catch up on what it missed while reconnecting.
func (a *api) recentEvents(w http.ResponseWriter, req *http.Request) {
	var hub *event.Hub
	switch mux.Vars(req)["source"] {
	case "dispatch":
		hub = a.d.Hub()
	case "health":
		hub = a.m.Hub()
	default:
		a.writeJSON(w, http.StatusNotFound, apiError{Error: "unknown event source"})
		return
	}

	var since int64
	if v := req.URL.Query().Get("since"); v != "" {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil || n < 0 {
			a.writeJSON(w, http.StatusBadRequest, apiError{Error: "since must be a non-negative event id"})
			return
		}
		since = n
	}
	a.writeJSON(w, http.StatusOK, hub.Since(since))
}
