package httpapi

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/sirupsen/logrus"
	"github.com/srg/blescope/internal/device"
)

// DeviceList is the body of GET /devices
type DeviceList struct {
	Ts      time.Time        `json:"ts"`
	Count   int              `json:"count"`
	Devices []*device.Device `json:"devices"`
}

func (s *Server) handleListDevices(w http.ResponseWriter, _ *http.Request) {
	devices := s.svc.ListDevices()
	device.SortByName(devices)
	writeJSON(w, http.StatusOK, DeviceList{
		Ts:      time.Now().UTC(),
		Count:   len(devices),
		Devices: devices,
	})
}

func (s *Server) handleConnect(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	d, err := s.svc.Connect(r.Context(), id)
	if err != nil {
		s.logger.WithFields(logrus.Fields{"id": id, "error": err}).Info("Connect request failed")
	}
	writeResult(w, d, err)
}

func (s *Server) handleDisconnect(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	d, err := s.svc.Disconnect(r.Context(), id)
	if err != nil {
		s.logger.WithFields(logrus.Fields{"id": id, "error": err}).Info("Disconnect request failed")
	}
	writeResult(w, d, err)
}

func (s *Server) handleScanStatus(w http.ResponseWriter, _ *http.Request) {
	s.writeScanState(w, nil)
}

func (s *Server) handleScanStart(w http.ResponseWriter, r *http.Request) {
	s.writeScanState(w, s.svc.StartScanning(r.Context()))
}

func (s *Server) handleScanStop(w http.ResponseWriter, r *http.Request) {
	s.writeScanState(w, s.svc.StopScanning(r.Context()))
}

func (s *Server) writeScanState(w http.ResponseWriter, err error) {
	active := s.svc.ScanningActive()
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, Result{Active: &active, Error: err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, Result{OK: true, Active: &active})
}
