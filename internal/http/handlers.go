// Package httpapi exposes the dispatch platform over REST and WebSocket.
package httpapi

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/example/taxi-dispatch/internal/dispatch"
	"github.com/example/taxi-dispatch/internal/lifecycle"
	"github.com/example/taxi-dispatch/internal/matcher"
	"github.com/example/taxi-dispatch/internal/models"
	"github.com/example/taxi-dispatch/internal/registry"
	"github.com/example/taxi-dispatch/internal/storage"
	"github.com/example/taxi-dispatch/internal/tracker"
)

type Server struct {
	Registry  *registry.Service
	Tracker   *tracker.Tracker
	Matcher   *matcher.Service
	Lifecycle *lifecycle.Service
	WSReg     *dispatch.Registry

	logger *slog.Logger
	mux    *mux.Router
}

func NewServer(reg *registry.Service, trk *tracker.Tracker, m *matcher.Service, lc *lifecycle.Service, ws *dispatch.Registry, logger *slog.Logger) *Server {
	s := &Server{
		Registry:  reg,
		Tracker:   trk,
		Matcher:   m,
		Lifecycle: lc,
		WSReg:     ws,
		logger:    logger,
		mux:       mux.NewRouter(),
	}
	s.routes()
	return s
}

func (s *Server) routes() {
	api := s.mux.PathPrefix("/api/v1").Subrouter()
	s.registerMiddleware(api)

	api.HandleFunc("/drivers", s.handleRegister).Methods("POST")
	api.HandleFunc("/drivers/nearby", s.handleNearby).Methods("GET")
	api.HandleFunc("/drivers/{id}", s.handleDriverDetails).Methods("GET")
	api.HandleFunc("/drivers/{id}/location", s.handleLocation).Methods("POST")
	api.HandleFunc("/drivers/{id}/status", s.handleDriverStatus).Methods("POST")
	api.HandleFunc("/drivers/{id}/rating", s.handleRating).Methods("POST")
	api.HandleFunc("/drivers/{id}/earnings", s.handleEarnings).Methods("POST")
	api.HandleFunc("/drivers/{id}/shift", s.handleShift).Methods("POST")

	api.HandleFunc("/dispatch", s.handleDispatchCreate).Methods("POST")
	api.HandleFunc("/dispatch/{id}", s.handleDispatchGet).Methods("GET")
	api.HandleFunc("/dispatch/{id}/call", s.handleDispatchCall).Methods("POST")
	api.HandleFunc("/dispatch/{id}/confirm", s.handleDispatchConfirm).Methods("POST")
	api.HandleFunc("/dispatch/{id}/start", s.handleDispatchStart).Methods("POST")
	api.HandleFunc("/dispatch/{id}/complete", s.handleDispatchComplete).Methods("POST")
	api.HandleFunc("/dispatch/{id}/cancel", s.handleDispatchCancel).Methods("POST")
	api.HandleFunc("/dispatch/{id}/fail", s.handleDispatchFail).Methods("POST")

	api.HandleFunc("/placement/optimize", s.handlePlacement).Methods("POST")
	api.HandleFunc("/analytics/matching", s.handleAnalytics).Methods("GET")

	s.mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	}).Methods("GET")
	s.mux.Handle("/metrics", promhttp.Handler())
	s.mux.HandleFunc("/ws/{client_id}", s.handleWS)
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) { s.mux.ServeHTTP(w, r) }

func (s *Server) handleRegister(w http.ResponseWriter, r *http.Request) {
	var reg registry.Registration
	if err := json.NewDecoder(r.Body).Decode(&reg); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	id, err := s.Registry.Register(r.Context(), reg)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusCreated, map[string]string{"driver_id": id})
}

func (s *Server) handleLocation(w http.ResponseWriter, r *http.Request) {
	var loc models.Location
	if err := json.NewDecoder(r.Body).Decode(&loc); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if err := s.Tracker.Update(r.Context(), mux.Vars(r)["id"], loc); err != nil {
		s.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleDriverStatus(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Status models.DriverStatus `json:"status"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if err := s.Registry.UpdateStatus(r.Context(), mux.Vars(r)["id"], body.Status); err != nil {
		s.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleDriverDetails(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	details, err := s.Registry.Details(r.Context(), id)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	resp := struct {
		*registry.Details
		Online bool `json:"online"`
	}{details, s.Tracker.Online(id)}
	s.writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleRating(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Rating     float64 `json:"rating"`
		Comment    string  `json:"comment"`
		CustomerID string  `json:"customer_id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if err := s.Registry.UpdateRating(r.Context(), mux.Vars(r)["id"], body.Rating, body.Comment, body.CustomerID); err != nil {
		s.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleEarnings(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Amount float64 `json:"amount"`
		RideID string  `json:"ride_id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if err := s.Registry.UpdateEarnings(r.Context(), mux.Vars(r)["id"], body.Amount, body.RideID); err != nil {
		s.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleShift(w http.ResponseWriter, r *http.Request) {
	var shift models.Shift
	if err := json.NewDecoder(r.Body).Decode(&shift); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if err := s.Registry.UpsertShift(r.Context(), mux.Vars(r)["id"], shift); err != nil {
		s.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleNearby(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	lat, err1 := strconv.ParseFloat(q.Get("lat"), 64)
	lng, err2 := strconv.ParseFloat(q.Get("lng"), 64)
	if err1 != nil || err2 != nil {
		http.Error(w, "lat and lng query params are required", http.StatusBadRequest)
		return
	}
	radius := 5.0
	if v := q.Get("radius_km"); v != "" {
		if radius, err1 = strconv.ParseFloat(v, 64); err1 != nil || radius <= 0 {
			http.Error(w, "invalid radius_km", http.StatusBadRequest)
			return
		}
	}
	limit := 0
	if v := q.Get("limit"); v != "" {
		if limit, err1 = strconv.Atoi(v); err1 != nil || limit < 0 {
			http.Error(w, "invalid limit", http.StatusBadRequest)
			return
		}
	}
	vehicle := models.VehicleType(q.Get("vehicle_type"))
	if vehicle != "" && !models.ValidVehicleType(vehicle) {
		http.Error(w, "unknown vehicle_type", http.StatusBadRequest)
		return
	}
	cands, err := s.Tracker.Nearby(r.Context(), lat, lng, radius, vehicle, limit)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"drivers": cands, "count": len(cands)})
}

// handleDispatchCreate records the request and immediately runs a matching
// round. A request that finds no driver stays pending so operators can
// retry once supply recovers.
func (s *Server) handleDispatchCreate(w http.ResponseWriter, r *http.Request) {
	var params lifecycle.CreateParams
	if err := json.NewDecoder(r.Body).Decode(&params); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	req, err := s.Lifecycle.Create(r.Context(), params)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	resp := map[string]any{"request": req, "matched": false}
	dec, err := s.Matcher.Match(r.Context(), req)
	switch {
	case err == nil:
		resp["matched"] = true
		resp["assignment"] = dec
	case errors.Is(err, matcher.ErrNoMatch):
		// left pending
	default:
		s.logger.Error("matching failed", "dispatch_id", req.ID, "error", err)
	}
	s.writeJSON(w, http.StatusCreated, resp)
}

func (s *Server) handleDispatchGet(w http.ResponseWriter, r *http.Request) {
	req, err := s.Lifecycle.Get(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, req)
}

// handleDispatchCall flags a pending request as in outbound telephony, so
// the voice intake flow can park it before a driver is assigned.
func (s *Server) handleDispatchCall(w http.ResponseWriter, r *http.Request) {
	req, err := s.Lifecycle.MarkCalling(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, req)
}

func (s *Server) handleDispatchConfirm(w http.ResponseWriter, r *http.Request) {
	req, err := s.Lifecycle.Confirm(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, req)
}

func (s *Server) handleDispatchStart(w http.ResponseWriter, r *http.Request) {
	req, err := s.Lifecycle.Start(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, req)
}

func (s *Server) handleDispatchComplete(w http.ResponseWriter, r *http.Request) {
	req, err := s.Lifecycle.Complete(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, req)
}

func (s *Server) handleDispatchCancel(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Reason string `json:"reason"`
	}
	// reason is optional; an empty body is fine
	_ = json.NewDecoder(r.Body).Decode(&body)
	req, err := s.Lifecycle.Cancel(r.Context(), mux.Vars(r)["id"], body.Reason)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, req)
}

func (s *Server) handleDispatchFail(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Reason string `json:"reason"`
	}
	_ = json.NewDecoder(r.Body).Decode(&body)
	req, err := s.Lifecycle.Fail(r.Context(), mux.Vars(r)["id"], body.Reason)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, req)
}

func (s *Server) handlePlacement(w http.ResponseWriter, r *http.Request) {
	var forecast models.DemandForecast
	if err := json.NewDecoder(r.Body).Decode(&forecast); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	recs, err := s.Matcher.OptimizePlacement(r.Context(), forecast)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"recommendations": recs})
}

func (s *Server) handleAnalytics(w http.ResponseWriter, r *http.Request) {
	days := 0
	if v := r.URL.Query().Get("days"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			http.Error(w, "invalid days", http.StatusBadRequest)
			return
		}
		days = n
	}
	perf, err := s.Matcher.AnalyzePerformance(r.Context(), days)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, perf)
}

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	clientID := mux.Vars(r)["client_id"]
	if clientID == "" {
		http.Error(w, "client_id required", http.StatusBadRequest)
		return
	}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		http.Error(w, "upgrade failed", http.StatusBadRequest)
		return
	}
	s.WSReg.Add(clientID, conn)
	go s.readUntilClose(clientID, conn)
}

// readUntilClose drains inbound frames so pings are answered and the
// session is dropped when the peer goes away.
func (s *Server) readUntilClose(clientID string, conn *websocket.Conn) {
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			break
		}
	}
	s.WSReg.Remove(clientID)
	conn.Close()
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Error("response encode failed", "error", err)
	}
}

// writeError maps service errors onto HTTP status codes.
func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	var verr *models.ValidationError
	switch {
	case errors.As(err, &verr):
		http.Error(w, verr.Error(), http.StatusBadRequest)
	case errors.Is(err, storage.ErrNotFound), errors.Is(err, registry.ErrNotFound):
		http.Error(w, "not found", http.StatusNotFound)
	case errors.Is(err, matcher.ErrNoMatch):
		http.Error(w, "no drivers available", http.StatusServiceUnavailable)
	case errors.Is(err, lifecycle.ErrInvalidTransition), errors.Is(err, storage.ErrConflict):
		http.Error(w, err.Error(), http.StatusConflict)
	default:
		s.logger.Error("request failed", "method", r.Method, "path", r.URL.Path, "error", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
	}
}
