package main

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/w1xm/ptz_rotator/config"
	"github.com/w1xm/ptz_rotator/gateway"
	"github.com/w1xm/ptz_rotator/rotator"
)

// controller is the part of *gateway.Gateway the server drives.
type controller interface {
	Start() error
	Stop()
	Running() bool
	Status() gateway.Status
	Process(line string) string
	Jog(direction string)
	SelectAngle(angle float64, axis rotator.Axis)
	CalibrateTurns(n int)
	SetTrueAzimuth(angle float64)
	SetSoftLimits(limits config.SoftLimits) error
}

type StatusResponse struct {
	gateway.Status
	Azimuth   float64 `json:"azimuth"`
	Elevation float64 `json:"elevation"`
}

type Server struct {
	gw  controller
	hub *Hub

	// toggleMu serializes start and stop requests.
	toggleMu sync.Mutex

	mu        sync.Mutex
	azimuth   float64
	elevation float64
}

func NewServer(gw controller, hub *Hub) *Server {
	return &Server{gw: gw, hub: hub}
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

func (s *Server) Router(staticDir string) *mux.Router {
	r := mux.NewRouter()
	api := r.PathPrefix("/api").Subrouter()
	api.HandleFunc("/status", s.StatusHandler).Methods(http.MethodGet)
	api.HandleFunc("/ws", s.StatusSocketHandler)
	system := api.PathPrefix("/system").Subrouter()
	system.HandleFunc("/status", s.SystemStatusHandler).Methods(http.MethodGet)
	system.HandleFunc("/toggle", s.SystemToggleHandler).Methods(http.MethodPost)
	control := api.PathPrefix("/control").Subrouter()
	control.HandleFunc("/set_angle", s.SetAngleHandler).Methods(http.MethodPost)
	control.HandleFunc("/jog", s.JogHandler).Methods(http.MethodPost)
	control.HandleFunc("/calibrate", s.CalibrateHandler).Methods(http.MethodPost)
	control.HandleFunc("/limits", s.LimitsHandler).Methods(http.MethodPost)
	control.HandleFunc("/command", s.CommandHandler).Methods(http.MethodPost)
	if staticDir != "" {
		r.PathPrefix("/").Handler(http.FileServer(http.Dir(staticDir)))
	}
	return r
}

// statusCallback is the gateway's rotator.StatusCallback.
func (s *Server) statusCallback(trueAzimuth, elevation float64) {
	s.mu.Lock()
	s.azimuth = rotator.Wrap(trueAzimuth)
	s.elevation = elevation
	s.mu.Unlock()
	status := s.status()
	s.hub.Publish(Message{Type: "status", Time: time.Now(), Status: &status})
}

func (s *Server) status() StatusResponse {
	st := StatusResponse{Status: s.gw.Status()}
	s.mu.Lock()
	st.Azimuth, st.Elevation = s.azimuth, s.elevation
	s.mu.Unlock()
	return st
}

func writeJSON(w http.ResponseWriter, code int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Printf("writing response: %v", err)
	}
}

func writeError(w http.ResponseWriter, code int, err error) {
	writeJSON(w, code, map[string]string{"error": err.Error()})
}

var errNotRunning = errors.New("system not running")

// decode reads a JSON request body and checks the gateway is running.
func (s *Server) decode(w http.ResponseWriter, r *http.Request, v interface{}) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return false
	}
	if !s.gw.Running() {
		writeError(w, http.StatusConflict, errNotRunning)
		return false
	}
	return true
}

func (s *Server) StatusHandler(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.status())
}

type systemResponse struct {
	Running bool `json:"running"`
}

func (s *Server) SystemStatusHandler(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, systemResponse{Running: s.gw.Running()})
}

// SystemToggleHandler stops a running gateway and starts a stopped one.
func (s *Server) SystemToggleHandler(w http.ResponseWriter, r *http.Request) {
	s.toggleMu.Lock()
	defer s.toggleMu.Unlock()
	if s.gw.Running() {
		s.gw.Stop()
	} else if err := s.gw.Start(); err != nil {
		writeError(w, http.StatusServiceUnavailable, err)
		return
	}
	running := s.gw.Running()
	s.hub.Logf("system toggled; running %v", running)
	writeJSON(w, http.StatusOK, systemResponse{Running: running})
}

type setAngleRequest struct {
	Axis  string  `json:"axis"`
	Angle float64 `json:"angle"`
}

func (s *Server) SetAngleHandler(w http.ResponseWriter, r *http.Request) {
	var req setAngleRequest
	if !s.decode(w, r, &req) {
		return
	}
	axis, err := rotator.ParseAxis(req.Axis)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	s.gw.SelectAngle(req.Angle, axis)
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "ok"})
}

type jogRequest struct {
	Direction string `json:"direction"`
}

func (s *Server) JogHandler(w http.ResponseWriter, r *http.Request) {
	var req jogRequest
	if !s.decode(w, r, &req) {
		return
	}
	if _, ok := rotator.ParseDirection(req.Direction); !ok {
		writeError(w, http.StatusBadRequest, errors.New("direction must be up, down, left, right or stop"))
		return
	}
	s.gw.Jog(req.Direction)
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type calibrateRequest struct {
	Turns       *int     `json:"turns"`
	TrueAzimuth *float64 `json:"true_azimuth"`
}

func (s *Server) CalibrateHandler(w http.ResponseWriter, r *http.Request) {
	var req calibrateRequest
	if !s.decode(w, r, &req) {
		return
	}
	switch {
	case req.Turns != nil:
		s.gw.CalibrateTurns(*req.Turns)
	case req.TrueAzimuth != nil:
		s.gw.SetTrueAzimuth(*req.TrueAzimuth)
	default:
		writeError(w, http.StatusBadRequest, errors.New("need turns or true_azimuth"))
		return
	}
	writeJSON(w, http.StatusOK, s.status())
}

func (s *Server) LimitsHandler(w http.ResponseWriter, r *http.Request) {
	var req config.SoftLimits
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if err := s.gw.SetSoftLimits(req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	writeJSON(w, http.StatusOK, s.status())
}

type commandRequest struct {
	Line string `json:"line"`
}

func (s *Server) CommandHandler(w http.ResponseWriter, r *http.Request) {
	var req commandRequest
	if !s.decode(w, r, &req) {
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"reply": s.gw.Process(req.Line)})
}

// Command is a control message received over the websocket.
type Command struct {
	Command   string  `json:"command"`
	Direction string  `json:"direction"`
	Axis      string  `json:"axis"`
	Angle     float64 `json:"angle"`
	Line      string  `json:"line"`
}

func (s *Server) handleCommand(msg Command) {
	if !s.gw.Running() {
		s.hub.Logf("ignoring %q: %v", msg.Command, errNotRunning)
		return
	}
	switch msg.Command {
	case "jog":
		s.gw.Jog(msg.Direction)
	case "stop":
		s.gw.Jog(string(rotator.Stop))
	case "set_angle":
		axis, err := rotator.ParseAxis(msg.Axis)
		if err != nil {
			s.hub.Logf("set_angle: %v", err)
			return
		}
		s.gw.SelectAngle(msg.Angle, axis)
	case "command":
		s.gw.Process(msg.Line)
	default:
		s.hub.Logf("unknown websocket command %q", msg.Command)
	}
}

func (s *Server) StatusSocketHandler(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Println(err)
		return
	}
	defer conn.Close()
	// Clear the deadline left by the server's ReadTimeout.
	conn.SetReadDeadline(time.Time{})

	id, ch := s.hub.Subscribe()
	defer s.hub.Unsubscribe(id)

	// Read and process incoming messages
	go func() {
		defer cancel()
		for {
			var msg Command
			if err := conn.ReadJSON(&msg); err != nil {
				return
			}
			s.handleCommand(msg)
		}
	}()

	status := s.status()
	if err := conn.WriteJSON(Message{Type: "status", Time: time.Now(), Status: &status}); err != nil {
		return
	}
	for {
		select {
		case <-ctx.Done():
			return
		case m := <-ch:
			if err := conn.WriteJSON(m); err != nil {
				return
			}
		}
	}
}
