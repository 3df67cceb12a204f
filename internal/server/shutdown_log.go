package server

import "time"

func (s *Server) logShutdown(startTime time.Time) {
	uptime := time.Since(startTime)
	total := s.TotalRequests.Load()
	avgRPS := 0.0
	if uptime > 0 {
		avgRPS = float64(total) / uptime.Seconds()
	}

	s.logger.Info("admin server shutdown complete",
		"uptime", uptime,
		"avg_rps", avgRPS,
		"total_requests", total,
		"client_errors", s.ClientErrors.Load(),
		"handler_errors", s.HandlerErrors.Load(),
		"cache_entries", s.cache.Len(),
		"inflight_queries", s.cache.InFlight(),
	)
}
