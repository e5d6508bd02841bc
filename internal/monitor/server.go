package monitor

import (
	"context"
	"errors"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	jsoniter "github.com/json-iterator/go"
	"github.com/sirupsen/logrus"
	"github.com/srg/bleapp/internal/groutine"
	"github.com/srg/bleapp/pkg/bleapp"
	"github.com/srg/bleapp/pkg/config"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// Controller is the part of the application the monitor reads and drives.
type Controller interface {
	Status() bleapp.Status
	SetAdvertisingName(name string) bool
	SetTargetName(name string) bool
	SetServiceIDShort(id uint16) bool
	SetServiceIDLong(id string) bool
	ClearServiceID() bool
	SetAdvertisingDuration(d time.Duration) bool
}

var _ Controller = (*bleapp.App)(nil)

// Message is what websocket clients receive.
type Message struct {
	Type   string         `json:"type"` // "status" or "event"
	Event  *EventRecord   `json:"event,omitempty"`
	Status *bleapp.Status `json:"status,omitempty"`
}

// ConfigRequest is the body of PUT /config. Absent fields are left alone;
// an empty service id clears it.
type ConfigRequest struct {
	AdvertisingName     *string `json:"advertising_name"`
	TargetName          *string `json:"target_name"`
	ServiceIDShort      *string `json:"service_id_short"`
	ServiceIDLong       *string `json:"service_id_long"`
	AdvertisingDuration *string `json:"advertising_duration"`
}

// ConfigResponse reports "ok" or the reason of the rejection per field.
type ConfigResponse struct {
	Results map[string]string `json:"results"`
}

// EventsResponse is the body of GET /events.
type EventsResponse struct {
	Last   uint64        `json:"last"`
	Events []EventRecord `json:"events"`
}

// Server serves the monitor routes.
type Server struct {
	ctrl   Controller
	rec    *Recorder
	hub    *Hub
	tail   *LogTail
	logger *logrus.Logger
	router *mux.Router
	srv    *http.Server
}

// NewServer creates the monitor. tail may be nil, GET /logs then answers 404.
func NewServer(ctrl Controller, rec *Recorder, tail *LogTail, logger *logrus.Logger) *Server {
	s := &Server{
		ctrl:   ctrl,
		rec:    rec,
		hub:    NewHub(logger),
		tail:   tail,
		logger: logger,
	}
	rec.Subscribe(s.broadcast)
	s.router = s.setupRouter()
	return s
}

func (s *Server) setupRouter() *mux.Router {
	router := mux.NewRouter()
	router.HandleFunc("/status", s.handleStatus).Methods(http.MethodGet)
	router.HandleFunc("/events", s.handleEvents).Methods(http.MethodGet)
	router.HandleFunc("/logs", s.handleLogs).Methods(http.MethodGet)
	router.HandleFunc("/ws", s.handleWebSocket).Methods(http.MethodGet)
	router.HandleFunc("/config", s.handleConfig).Methods(http.MethodPut)
	router.Use(s.loggingMiddleware)
	return router
}

// Handler returns the router.
func (s *Server) Handler() http.Handler { return s.router }

// Hub returns the websocket hub.
func (s *Server) Hub() *Hub { return s.hub }

// Start listens on addr and serves in the background. It returns the bound
// address, which differs from addr for port 0.
func (s *Server) Start(addr string) (net.Addr, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, err
	}
	s.srv = &http.Server{
		Handler:      s.router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	groutine.Go(context.Background(), "monitor-http", func(ctx context.Context) {
		s.logger.WithField("addr", ln.Addr().String()).Info("Monitor listening")
		if err := s.srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.WithError(err).Error("Monitor server failed")
		}
	})
	return ln.Addr(), nil
}

// Shutdown stops the server and disconnects websocket clients.
func (s *Server) Shutdown(ctx context.Context) error {
	s.hub.Close()
	if s.srv == nil {
		return nil
	}
	return s.srv.Shutdown(ctx)
}

func (s *Server) broadcast(rec EventRecord) {
	if s.hub.Len() == 0 {
		return
	}
	st := s.ctrl.Status()
	data, err := json.Marshal(Message{Type: "event", Event: &rec, Status: &st})
	if err != nil {
		s.logger.WithError(err).Error("Failed to marshal event")
		return
	}
	s.hub.Broadcast(data)
}

func (s *Server) handleStatus(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, s.ctrl.Status())
}

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	var since uint64
	if v := r.URL.Query().Get("since"); v != "" {
		n, err := strconv.ParseUint(v, 10, 64)
		if err != nil {
			http.Error(w, "invalid since", http.StatusBadRequest)
			return
		}
		since = n
	}
	s.writeJSON(w, http.StatusOK, EventsResponse{Last: s.rec.Last(), Events: s.rec.History(since)})
}

func (s *Server) handleLogs(w http.ResponseWriter, _ *http.Request) {
	if s.tail == nil {
		http.Error(w, "log tail disabled", http.StatusNotFound)
		return
	}
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	_, _ = w.Write([]byte(s.tail.String()))
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	st := s.ctrl.Status()
	greeting, err := json.Marshal(Message{Type: "status", Status: &st})
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	s.hub.Serve(w, r, greeting)
}

func (s *Server) handleConfig(w http.ResponseWriter, r *http.Request) {
	var req ConfigRequest
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(&req); err != nil {
		http.Error(w, "invalid config request: "+err.Error(), http.StatusBadRequest)
		return
	}

	results := s.apply(req)
	code := http.StatusOK
	for _, res := range results {
		if res != "ok" {
			code = http.StatusUnprocessableEntity
		}
	}
	s.writeJSON(w, code, ConfigResponse{Results: results})
}

// apply hands each present field to the matching setter, service ids first.
func (s *Server) apply(req ConfigRequest) map[string]string {
	results := map[string]string{}
	result := func(field string, ok bool, reason string) {
		if ok {
			results[field] = "ok"
		} else {
			results[field] = reason
		}
	}

	if req.ServiceIDShort != nil {
		if *req.ServiceIDShort == "" {
			result("service_id_short", s.ctrl.ClearServiceID(), "rejected")
		} else if id, err := config.ParseShortServiceID(*req.ServiceIDShort); err != nil {
			result("service_id_short", false, err.Error())
		} else {
			result("service_id_short", s.ctrl.SetServiceIDShort(id), "rejected: another service id form is set")
		}
	}
	if req.ServiceIDLong != nil {
		if *req.ServiceIDLong == "" {
			result("service_id_long", s.ctrl.ClearServiceID(), "rejected")
		} else {
			result("service_id_long", s.ctrl.SetServiceIDLong(*req.ServiceIDLong), "rejected: invalid uuid or another service id form is set")
		}
	}
	if req.AdvertisingDuration != nil {
		if d, err := time.ParseDuration(*req.AdvertisingDuration); err != nil {
			result("advertising_duration", false, err.Error())
		} else {
			result("advertising_duration", s.ctrl.SetAdvertisingDuration(d), "rejected: negative duration")
		}
	}
	if req.AdvertisingName != nil {
		result("advertising_name", s.ctrl.SetAdvertisingName(*req.AdvertisingName), "rejected")
	}
	if req.TargetName != nil {
		result("target_name", s.ctrl.SetTargetName(*req.TargetName), "rejected")
	}
	return results
}

func (s *Server) writeJSON(w http.ResponseWriter, code int, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		s.logger.WithError(err).Error("Failed to marshal response")
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_, _ = w.Write(data)
}

func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		s.logger.WithFields(logrus.Fields{
			"method":   r.Method,
			"path":     r.URL.Path,
			"duration": time.Since(start),
		}).Debug("Monitor request")
	})
}
