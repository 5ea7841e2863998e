// Package gateway is the HTTP front of the publisher: it turns POST /publish
// requests into broadcasts and reports whether the broker is reachable.
package gateway

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"

	"github.com/CodeDing/fanout/rabbitmq"
)

const (
	serviceName = "API Publisher"
	usage       = `POST /publish with {"message": "your message"}`

	maxBodyBytes = 1 << 20
)

// Publisher broadcasts one notification. *rabbitmq.Publisher implements it.
type Publisher interface {
	Publish(text string) (rabbitmq.Receipt, error)
}

// StatusSource reports the broker connection state. *rabbitmq.Manager implements it.
type StatusSource interface {
	Status() rabbitmq.Status
}

type Handlers struct {
	publisher Publisher
	status    StatusSource
	log       logrus.FieldLogger
}

func NewHandlers(publisher Publisher, status StatusSource, log logrus.FieldLogger) *Handlers {
	return &Handlers{publisher: publisher, status: status, log: log}
}

// Router returns the gateway routes, /metrics included.
func (h *Handlers) Router() *mux.Router {
	r := mux.NewRouter()
	h.RegisterRoutes(r)
	r.Handle("/metrics", promhttp.Handler()).Methods("GET")
	return r
}

func (h *Handlers) RegisterRoutes(r *mux.Router) {
	r.HandleFunc("/", h.handleStatus).Methods("GET")
	r.HandleFunc("/healthz", h.handleHealth).Methods("GET")
	r.HandleFunc("/publish", h.handlePublish).Methods("POST")
}

type publishRequest struct {
	Message string `json:"message"`
}

type publishResponse struct {
	OK      bool   `json:"ok"`
	Message string `json:"message,omitempty"`
	Error   string `json:"error,omitempty"`
}

type statusResponse struct {
	Service  string `json:"service"`
	Status   string `json:"status"`
	Exchange string `json:"exchange"`
	Usage    string `json:"usage"`
}

func (h *Handlers) handlePublish(w http.ResponseWriter, r *http.Request) {
	var req publishRequest
	err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(&req)
	if err != nil && !errors.Is(err, io.EOF) {
		writeJSON(w, http.StatusBadRequest, publishResponse{Error: "invalid request body"})
		return
	}

	receipt, err := h.publisher.Publish(req.Message)
	switch {
	case errors.Is(err, rabbitmq.ErrNotConnected):
		h.log.WithError(err).Warn("publish rejected")
		writeJSON(w, http.StatusServiceUnavailable, publishResponse{Error: rabbitmq.ErrNotConnected.Error()})
	case err != nil:
		h.log.WithError(err).Error("publish failed")
		writeJSON(w, http.StatusInternalServerError, publishResponse{Error: err.Error()})
	default:
		writeJSON(w, http.StatusOK, publishResponse{OK: true, Message: receipt.Text})
	}
}

func (h *Handlers) handleStatus(w http.ResponseWriter, r *http.Request) {
	st := h.status.Status()
	state := "disconnected"
	if st.Healthy {
		state = "connected"
	}
	writeJSON(w, http.StatusOK, statusResponse{
		Service:  serviceName,
		Status:   state,
		Exchange: st.Exchange,
		Usage:    usage,
	})
}

func (h *Handlers) handleHealth(w http.ResponseWriter, r *http.Request) {
	st := h.status.Status()
	code := http.StatusOK
	if !st.Healthy {
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, map[string]string{"state": st.State.String()})
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v) //nolint:errcheck
}
