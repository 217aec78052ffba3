package server

import (
	"context"
	"time"

	"connectrpc.com/connect"

	"atlas/internal/api"
	"atlas/internal/backend"
)

func (s *Server) health(ctx context.Context, req *connect.Request[api.Empty]) (*connect.Response[api.HealthResponse], error) {
	resp := &api.HealthResponse{
		Status:        "healthy",
		Version:       Version,
		UptimeSeconds: int64(time.Since(s.startTime).Seconds()),
	}

	for _, th := range s.deps.Coordinator.Health() {
		resp.Tiers = append(resp.Tiers, api.TierHealth{
			Tier:       string(th.Name),
			QueueDepth: th.QueueDepth,
			LagSeconds: int64(th.Lag.Seconds()),
			Parked:     th.Stuck,
		})
		if th.Stuck > 0 {
			resp.Status = "degraded"
		}
	}

	for _, st := range s.deps.Registry.Statuses() {
		resp.Backends = append(resp.Backends, api.BackendHealth{
			ID:        st.ID,
			State:     string(st.Health),
			LastError: st.LastError,
		})
		if st.Health == backend.HealthUnavailable && st.LastError != "" {
			resp.Status = "degraded"
		}
	}

	if s.draining.Load() {
		resp.Status = "unhealthy"
	}
	return connect.NewResponse(resp), nil
}

func (s *Server) consolidateNow(ctx context.Context, req *connect.Request[api.Empty]) (*connect.Response[api.ConsolidateResponse], error) {
	report, err := s.deps.Consolidator.Run(ctx)
	if err != nil {
		return nil, rpcError(err)
	}
	return connect.NewResponse(&api.ConsolidateResponse{
		PairsJudged: report.PairsJudged,
		Superseded:  report.Superseded,
		Merged:      report.Merged,
		Unrelated:   report.Unrelated,
		Failed:      report.Failed,
	}), nil
}

func (s *Server) vacuumNow(ctx context.Context, req *connect.Request[api.Empty]) (*connect.Response[api.VacuumResponse], error) {
	purged, err := s.deps.Coordinator.Vacuum(ctx)
	if err != nil {
		return nil, rpcError(err)
	}
	return connect.NewResponse(&api.VacuumResponse{Purged: purged}), nil
}

func (s *Server) sessionEvent(ctx context.Context, req *connect.Request[api.SessionEventRequest]) (*connect.Response[api.Empty], error) {
	s.events.offer(sessionEvent{
		Kind:   req.Msg.Kind,
		Path:   req.Msg.Path,
		Detail: req.Msg.Detail,
		At:     time.Now(),
	})
	return connect.NewResponse(&api.Empty{}), nil
}

func (s *Server) shutdownRPC(ctx context.Context, req *connect.Request[api.ShutdownRequest]) (*connect.Response[api.Empty], error) {
	if s.deps.Shutdown != nil {
		drain := req.Msg.Drain
		go s.deps.Shutdown(drain)
	}
	return connect.NewResponse(&api.Empty{}), nil
}
