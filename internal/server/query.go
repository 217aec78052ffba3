package server

import (
	"context"

	"connectrpc.com/connect"

	"atlas/internal/api"
	"atlas/internal/retrieve"
	"atlas/internal/store"
)

func (s *Server) search(ctx context.Context, req *connect.Request[api.SearchRequest]) (*connect.Response[api.SearchResponse], error) {
	msg := req.Msg

	resp, err := s.deps.Retriever.Search(ctx, retrieve.Request{
		Query:        msg.Query,
		Mode:         retrieve.Mode(msg.Mode),
		Limit:        msg.Limit,
		Filter:       filterFromAPI(msg.Filter),
		Rerank:       msg.Rerank,
		BudgetTokens: msg.TokenBudget,
	})
	if err != nil {
		return nil, rpcError(err)
	}

	out := &api.SearchResponse{
		Results:  make([]api.SearchResult, len(resp.Results)),
		Degraded: resp.Degraded,
	}
	for i, r := range resp.Results {
		out.Results[i] = api.SearchResult{
			ChunkID:            r.Chunk.ID.String(),
			Score:              r.Score,
			Text:               r.Chunk.Payload.Text,
			FilePath:           r.Chunk.Payload.FilePath,
			FileName:           r.Chunk.Payload.FileName,
			ChunkIndex:         r.Chunk.ChunkIndex,
			QNTMKeys:           r.Chunk.Payload.QNTMKeys,
			ConsolidationLevel: r.Chunk.ConsolidationLevel,
			EstimatedTokens:    s.deps.Retriever.EstimatedTokens(r.Chunk.CharCount),
		}
	}
	return connect.NewResponse(out), nil
}

func filterFromAPI(f *api.SearchFilter) *store.Filter {
	if f == nil {
		return nil
	}
	out := &store.Filter{
		PathGlobs:             f.PathGlobs,
		QNTMKeys:              f.QNTMKeys,
		MaxConsolidationLevel: f.MaxConsolidationLevel,
	}
	if f.CreatedAfter != nil {
		out.CreatedAfter = *f.CreatedAfter
	}
	if f.CreatedBefore != nil {
		out.CreatedBefore = *f.CreatedBefore
	}
	return out
}
