package server

import (
	"context"
	"errors"

	"connectrpc.com/connect"

	"atlas/internal/api"
	"atlas/internal/pipeline"
)

func (s *Server) ingest(ctx context.Context, req *connect.Request[api.IngestRequest]) (*connect.Response[api.IngestResponse], error) {
	msg := req.Msg
	if len(msg.Roots) == 0 {
		return nil, connect.NewError(connect.CodeInvalidArgument, errors.New("no roots given"))
	}

	taskID, err := s.deps.Pipeline.Ingest(ctx, msg.Roots, msg.Recursive, msg.Watch)
	if err != nil {
		return nil, rpcError(err)
	}

	if msg.Watch && s.deps.Watch != nil {
		for _, root := range msg.Roots {
			if err := s.deps.Watch(root); err != nil {
				s.logger.Warn("watch registration failed", "root", root, "error", err)
			}
		}
	}

	return connect.NewResponse(&api.IngestResponse{TaskID: taskID.String()}), nil
}

func (s *Server) ingestStatus(ctx context.Context, req *connect.Request[api.IngestStatusRequest]) (*connect.Response[api.TaskSnapshot], error) {
	id, err := pipeline.ParseTaskID(req.Msg.TaskID)
	if err != nil {
		return nil, connect.NewError(connect.CodeInvalidArgument, err)
	}
	snap, err := s.deps.Pipeline.Status(id)
	if err != nil {
		if errors.Is(err, pipeline.ErrTaskNotFound) {
			return nil, connect.NewError(connect.CodeNotFound, err)
		}
		return nil, rpcError(err)
	}
	resp := snapshotToAPI(snap)
	return connect.NewResponse(&resp), nil
}

func (s *Server) listTasks(ctx context.Context, req *connect.Request[api.Empty]) (*connect.Response[api.ListTasksResponse], error) {
	snaps := s.deps.Pipeline.Tasks()
	out := make([]api.TaskSnapshot, len(snaps))
	for i, snap := range snaps {
		out[i] = snapshotToAPI(snap)
	}
	return connect.NewResponse(&api.ListTasksResponse{Tasks: out}), nil
}

func (s *Server) cancelTask(ctx context.Context, req *connect.Request[api.CancelTaskRequest]) (*connect.Response[api.Empty], error) {
	id, err := pipeline.ParseTaskID(req.Msg.TaskID)
	if err != nil {
		return nil, connect.NewError(connect.CodeInvalidArgument, err)
	}
	if err := s.deps.Pipeline.Cancel(id); err != nil {
		if errors.Is(err, pipeline.ErrTaskNotFound) {
			return nil, connect.NewError(connect.CodeNotFound, err)
		}
		return nil, rpcError(err)
	}
	return connect.NewResponse(&api.Empty{}), nil
}

func (s *Server) forget(ctx context.Context, req *connect.Request[api.ForgetRequest]) (*connect.Response[api.Empty], error) {
	if req.Msg.Path == "" {
		return nil, connect.NewError(connect.CodeInvalidArgument, errors.New("empty path"))
	}
	if err := s.deps.Pipeline.MarkDeleted(ctx, req.Msg.Path); err != nil {
		return nil, rpcError(err)
	}
	return connect.NewResponse(&api.Empty{}), nil
}

func snapshotToAPI(snap pipeline.Snapshot) api.TaskSnapshot {
	return api.TaskSnapshot{
		TaskID:     snap.ID.String(),
		Status:     string(snap.Status),
		Total:      snap.Total,
		Processed:  snap.Processed,
		Written:    snap.Written,
		Skipped:    snap.Skipped,
		Failed:     snap.Failed,
		LastError:  snap.LastError,
		StartedAt:  snap.CreatedAt,
		FinishedAt: snap.DoneAt,
	}
}
