package server

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"sigdns/internal/processor"
	"sigdns/internal/query"
	"sigdns/internal/record"
)

type keyView struct {
	Type   string `json:"type"`
	Domain string `json:"domain"`
}

type queryView struct {
	Type        string     `json:"type"`
	Domain      string     `json:"domain"`
	CacheHit    bool       `json:"cache_hit"`
	TTL         *uint32    `json:"ttl,omitempty"`
	Expires     *time.Time `json:"expires,omitempty"`
	Error       string     `json:"error,omitempty"`
	Answers     []string   `json:"answers"`
	Authorities []string   `json:"authorities,omitempty"`
	Additionals []string   `json:"additionals,omitempty"`
}

type serverView struct {
	Address string `json:"address"`
	Family  int    `json:"family"`
	UDPPort uint16 `json:"udp_port"`
	TCPPort uint16 `json:"tcp_port"`
}

func newQueryView(q *query.Query, cacheHit bool) queryView {
	v := queryView{
		Type:        q.Type().String(),
		Domain:      q.Domain(),
		CacheHit:    cacheHit,
		Answers:     recordStrings(q.Answers()),
		Authorities: recordStrings(q.Authorities()),
		Additionals: recordStrings(q.Additionals()),
	}
	if q.Failed() {
		v.Error = q.ErrorMessage()
	}
	if ttl := q.TTL(); ttl != query.NoExpiry {
		v.TTL = &ttl
	}
	if exp := q.Expires(); !exp.IsZero() {
		v.Expires = &exp
	}
	return v
}

func recordStrings(rs []record.Record) []string {
	out := make([]string, 0, len(rs))
	for _, r := range rs {
		out = append(out, r.String())
	}
	return out
}

func newServerView(ns processor.NamedServer) serverView {
	return serverView{
		Address: ns.Address.String(),
		Family:  ns.Family,
		UDPPort: ns.UDPPort,
		TCPPort: ns.TCPPort,
	}
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Warn("admin response write failed", "error", err)
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, err error) {
	s.writeJSON(w, status, map[string]string{"error": err.Error()})
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	_, _ = w.Write([]byte("ok\n"))
}

func (s *Server) handleStats(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]any{
		"cache_entries":    s.cache.Len(),
		"inflight_queries": s.cache.InFlight(),
		"named_servers":    len(s.cache.NamedServers()),
	})
}

func (s *Server) handleKeys(w http.ResponseWriter, _ *http.Request) {
	keys := s.cache.CacheKeys()
	out := make([]keyView, 0, len(keys))
	for _, k := range keys {
		out = append(out, keyView{Type: k.Type.String(), Domain: k.Domain})
	}
	s.writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleQuery(w http.ResponseWriter, r *http.Request) {
	params := r.URL.Query()
	domain := params.Get("domain")
	if domain == "" {
		s.writeError(w, http.StatusBadRequest, errors.New("domain is required"))
		return
	}
	typeName := params.Get("type")
	if typeName == "" {
		typeName = "A"
	}
	t, err := record.ParseType(typeName)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err)
		return
	}
	ignoreCache, _ := strconv.ParseBool(params.Get("ignore_cache"))

	q, hit, err := s.cache.Query(r.Context(), t, domain, ignoreCache)
	if err != nil {
		s.writeError(w, http.StatusGatewayTimeout, err)
		return
	}
	s.writeJSON(w, http.StatusOK, newQueryView(q, hit))
}

func (s *Server) handleRefresh(w http.ResponseWriter, _ *http.Request) {
	s.accept(w, s.refresher.ForceRefresh)
}

func (s *Server) handleSuspend(w http.ResponseWriter, _ *http.Request) {
	s.accept(w, s.refresher.Suspend)
}

func (s *Server) handleResume(w http.ResponseWriter, _ *http.Request) {
	s.accept(w, s.refresher.Resume)
}

func (s *Server) handleSave(w http.ResponseWriter, _ *http.Request) {
	s.accept(w, s.refresher.SaveQueries)
}

// accept queues a refresher command; 503 once the refresher is stopped.
func (s *Server) accept(w http.ResponseWriter, queue func() error) {
	if err := queue(); err != nil {
		s.writeError(w, http.StatusServiceUnavailable, err)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

func (s *Server) handleListServers(w http.ResponseWriter, _ *http.Request) {
	servers := s.cache.NamedServers()
	out := make([]serverView, 0, len(servers))
	for _, ns := range servers {
		out = append(out, newServerView(ns))
	}
	s.writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleAddServer(w http.ResponseWriter, r *http.Request) {
	address := r.FormValue("address")
	udpPort, err := formPort(r, "udp_port")
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err)
		return
	}
	tcpPort, err := formPort(r, "tcp_port")
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err)
		return
	}
	if err := s.cache.AddNamedServer(address, udpPort, tcpPort); err != nil {
		s.writeError(w, http.StatusBadRequest, err)
		return
	}
	if err := s.cache.ApplyNamedServers(); err != nil {
		s.writeError(w, http.StatusConflict, err)
		return
	}
	s.logger.Info("named server added", "address", address)
	s.handleListServers(w, r)
}

func (s *Server) handleRemoveServer(w http.ResponseWriter, r *http.Request) {
	address := r.URL.Query().Get("address")
	if !s.cache.RemoveNamedServer(address) {
		s.writeError(w, http.StatusNotFound, errors.New("named server not found"))
		return
	}
	if err := s.cache.ApplyNamedServers(); err != nil {
		s.writeError(w, http.StatusConflict, err)
		return
	}
	s.logger.Info("named server removed", "address", address)
	s.handleListServers(w, r)
}

func formPort(r *http.Request, name string) (uint16, error) {
	v := r.FormValue(name)
	if v == "" {
		return 0, nil
	}
	n, err := strconv.ParseUint(v, 10, 16)
	if err != nil {
		return 0, errors.New(name + ": " + err.Error())
	}
	return uint16(n), nil
}
