package api

import (
	"net/http"
)

type healthResponse struct {
	Status string `json:"status"`
}

func (s *Server) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, healthResponse{Status: "ok"})
}

type addressesResponse struct {
	Addresses []string `json:"addresses"`
}

func (s *Server) handleListAddresses(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, addressesResponse{Addresses: s.nodes.Addresses()})
}

type simulatorsResponse struct {
	Simulators []string `json:"simulators"`
}

func (s *Server) handleListSimulators(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, simulatorsResponse{Simulators: s.sims.Names()})
}
