package server_test

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"testing"
	"time"

	"connectrpc.com/connect"

	"atlas/internal/api"
	"atlas/internal/backend"
	"atlas/internal/backend/hashembed"
	"atlas/internal/chunker"
	"atlas/internal/consolidate"
	"atlas/internal/logging"
	"atlas/internal/pipeline"
	"atlas/internal/qntm"
	"atlas/internal/retrieve"
	"atlas/internal/server"
	"atlas/internal/store"
	"atlas/internal/store/memory"
	"atlas/internal/tracker"
)

type env struct {
	srv  *server.Server
	base string
}

func newEnv(t *testing.T) *env {
	t.Helper()
	discard := logging.Discard()

	coord, err := store.NewCoordinator(store.Tiers{
		Metadata:  memory.NewMetadata(),
		Vector:    memory.NewVector(),
		FullText:  memory.NewFullText(),
		Cache:     memory.NewCache(time.Minute),
		Analytics: memory.NewAnalytics(),
	}, store.Config{Logger: discard})
	if err != nil {
		t.Fatalf("NewCoordinator: %v", err)
	}

	reg := backend.NewRegistry(backend.Config{
		Logger: discard,
		Bindings: map[backend.Capability][]string{
			backend.CapTextEmbedding: {"dev"},
			backend.CapCodeEmbedding: {"dev"},
		},
	})
	reg.Register("dev", func(logger *slog.Logger) (backend.Backend, error) {
		return hashembed.New("dev", 32), nil
	})

	tr := tracker.New(coord, discard)
	keys := qntm.New(nil, 8, discard)
	pipe := pipeline.New(pipeline.Config{Logger: discard}, tr, chunker.New(chunker.Config{}), reg, keys, coord)
	engine := retrieve.New(retrieve.Config{Logger: discard}, coord, reg)
	cons, err := consolidate.New(consolidate.Config{Logger: discard}, coord, reg)
	if err != nil {
		t.Fatalf("consolidate.New: %v", err)
	}

	srv := server.New(server.Deps{
		Pipeline:     pipe,
		Retriever:    engine,
		Consolidator: cons,
		Coordinator:  coord,
		Registry:     reg,
	}, server.Config{Logger: discard, Addr: "127.0.0.1:0"})

	ctx, cancel := context.WithCancel(context.Background())
	if err := srv.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	t.Cleanup(func() {
		stopCtx, stopCancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer stopCancel()
		_ = srv.Stop(stopCtx)
		cancel()
	})

	return &env{srv: srv, base: "http://" + srv.Addr()}
}

func call[Req, Res any](t *testing.T, e *env, procedure string, req *Req) *Res {
	t.Helper()
	client := connect.NewClient[Req, Res](http.DefaultClient, e.base+procedure, connect.WithCodec(api.Codec{}))
	resp, err := client.CallUnary(context.Background(), connect.NewRequest(req))
	if err != nil {
		t.Fatalf("%s: %v", procedure, err)
	}
	return resp.Msg
}

func writeFiles(t *testing.T, files map[string]string) string {
	t.Helper()
	dir := t.TempDir()
	for name, content := range files {
		path := filepath.Join(dir, name)
		if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
			t.Fatalf("WriteFile: %v", err)
		}
	}
	return dir
}

func waitTaskDone(t *testing.T, e *env, taskID string) api.TaskSnapshot {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		snap := call[api.IngestStatusRequest, api.TaskSnapshot](t, e, api.ProcIngestStatus, &api.IngestStatusRequest{TaskID: taskID})
		switch snap.Status {
		case "completed", "failed", "cancelled":
			return *snap
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatalf("task %s never finished", taskID)
	return api.TaskSnapshot{}
}

func TestIngestAndSearchOverRPC(t *testing.T) {
	e := newEnv(t)
	dir := writeFiles(t, map[string]string{
		"pooling.md": "Connection pooling keeps database latency low under load.",
		"party.md":   "The birthday party needs balloons and a big cake.",
	})

	ingest := call[api.IngestRequest, api.IngestResponse](t, e, api.ProcIngest, &api.IngestRequest{
		Roots: []string{dir}, Recursive: true,
	})
	snap := waitTaskDone(t, e, ingest.TaskID)
	if snap.Status != "completed" {
		t.Fatalf("task status = %s (%s)", snap.Status, snap.LastError)
	}
	if snap.Written != 2 {
		t.Fatalf("written = %d, want 2", snap.Written)
	}

	search := call[api.SearchRequest, api.SearchResponse](t, e, api.ProcSearch, &api.SearchRequest{
		Query: "database connection pooling latency", Mode: "hybrid", Limit: 1,
	})
	if len(search.Results) != 1 {
		t.Fatalf("results = %d, want 1", len(search.Results))
	}
	got := search.Results[0]
	if got.FileName != "pooling.md" {
		t.Fatalf("top hit = %s, want pooling.md", got.FileName)
	}
	if got.Score != 1 {
		t.Fatalf("top score = %v, want normalized 1", got.Score)
	}
	if got.EstimatedTokens <= 0 {
		t.Fatalf("estimated tokens = %d", got.EstimatedTokens)
	}
}

func TestSearchValidationMapsToInvalidArgument(t *testing.T) {
	e := newEnv(t)

	client := connect.NewClient[api.SearchRequest, api.SearchResponse](
		http.DefaultClient, e.base+api.ProcSearch, connect.WithCodec(api.Codec{}))
	_, err := client.CallUnary(context.Background(), connect.NewRequest(&api.SearchRequest{Query: ""}))
	if connect.CodeOf(err) != connect.CodeInvalidArgument {
		t.Fatalf("code = %v, want invalid_argument", connect.CodeOf(err))
	}
}

func TestUnknownTaskIsNotFound(t *testing.T) {
	e := newEnv(t)

	client := connect.NewClient[api.IngestStatusRequest, api.TaskSnapshot](
		http.DefaultClient, e.base+api.ProcIngestStatus, connect.WithCodec(api.Codec{}))
	_, err := client.CallUnary(context.Background(), connect.NewRequest(&api.IngestStatusRequest{
		TaskID: pipeline.NewTaskID().String(),
	}))
	if connect.CodeOf(err) != connect.CodeNotFound {
		t.Fatalf("code = %v, want not_found", connect.CodeOf(err))
	}
}

func TestForgetRemovesFromSearch(t *testing.T) {
	e := newEnv(t)
	dir := writeFiles(t, map[string]string{
		"doomed.md": "This document is about to be forgotten entirely.",
	})
	path := filepath.Join(dir, "doomed.md")

	ingest := call[api.IngestRequest, api.IngestResponse](t, e, api.ProcIngest, &api.IngestRequest{Roots: []string{dir}})
	waitTaskDone(t, e, ingest.TaskID)

	call[api.ForgetRequest, api.Empty](t, e, api.ProcForget, &api.ForgetRequest{Path: path})

	search := call[api.SearchRequest, api.SearchResponse](t, e, api.ProcSearch, &api.SearchRequest{
		Query: "forgotten document", Mode: "semantic", Limit: 5,
	})
	if len(search.Results) != 0 {
		t.Fatalf("results = %d, want 0 after forget", len(search.Results))
	}
}

func TestHealthReportsTiersAndBackends(t *testing.T) {
	e := newEnv(t)

	health := call[api.Empty, api.HealthResponse](t, e, api.ProcHealth, &api.Empty{})
	if health.Status != "healthy" {
		t.Fatalf("status = %s, want healthy", health.Status)
	}
	if len(health.Tiers) == 0 {
		t.Fatalf("no tier health reported")
	}
	found := false
	for _, b := range health.Backends {
		if b.ID == "dev" {
			found = true
		}
	}
	if !found {
		t.Fatalf("dev backend missing from health: %+v", health.Backends)
	}
}

func TestListTasksAndVacuum(t *testing.T) {
	e := newEnv(t)
	dir := writeFiles(t, map[string]string{"a.md": "some prose content here"})

	ingest := call[api.IngestRequest, api.IngestResponse](t, e, api.ProcIngest, &api.IngestRequest{Roots: []string{dir}})
	waitTaskDone(t, e, ingest.TaskID)

	tasks := call[api.Empty, api.ListTasksResponse](t, e, api.ProcListTasks, &api.Empty{})
	if len(tasks.Tasks) != 1 {
		t.Fatalf("tasks = %d, want 1", len(tasks.Tasks))
	}

	vacuum := call[api.Empty, api.VacuumResponse](t, e, api.ProcVacuum, &api.Empty{})
	if vacuum.Purged != 0 {
		t.Fatalf("purged = %d, want 0 inside grace window", vacuum.Purged)
	}
}

func TestSessionEventTriggersIngest(t *testing.T) {
	e := newEnv(t)
	dir := writeFiles(t, map[string]string{"saved.md": "content written by an editor session"})
	path := filepath.Join(dir, "saved.md")

	call[api.SessionEventRequest, api.Empty](t, e, api.ProcSessionEvent, &api.SessionEventRequest{
		Kind: "file_saved", Path: path,
	})

	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		search := call[api.SearchRequest, api.SearchResponse](t, e, api.ProcSearch, &api.SearchRequest{
			Query: "editor session", Mode: "fulltext", Limit: 5,
		})
		if len(search.Results) > 0 {
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatalf("session event never resulted in a searchable chunk")
}
