package api

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5"

	"forgeloop/internal/dto"
	"forgeloop/internal/message"
	"forgeloop/internal/store"
)

type processIDReq struct {
	ID string `path:"id"`
}

func (r *processIDReq) Validate() error { return nil }

func (s *Server) stopProcess(ctx context.Context, req *processIDReq) (*dto.EmptyReq, error) {
	if _, err := s.db.GetExecutionProcess(ctx, req.ID); err != nil {
		return nil, translateNotFound(err, "execution process")
	}
	if err := s.engine.StopExecution(ctx, req.ID); err != nil {
		return nil, dto.InternalError("stopping process").Wrap(err)
	}
	return &dto.EmptyReq{}, nil
}

func (s *Server) repoStates(ctx context.Context, req *processIDReq) (*[]*store.ExecutionProcessRepoState, error) {
	states, err := s.db.RepoStatesForProcess(ctx, req.ID)
	if err != nil {
		return nil, err
	}
	return &states, nil
}

func (s *Server) serveRawLogsWS(w http.ResponseWriter, r *http.Request) {
	processID := chi.URLParam(r, "id")
	serveWS(w, r, func(ctx context.Context, conn wsConn) {
		s.stream.ServeRawLogs(ctx, conn, processID)
	})
}

func (s *Server) serveNormalizedLogsWS(w http.ResponseWriter, r *http.Request) {
	processID := chi.URLParam(r, "id")
	var snapshot []message.NormalizedEntry
	if st, ok := s.engine.MessageStore(processID); ok {
		snapshot = st.Snapshot()
	}
	serveWS(w, r, func(ctx context.Context, conn wsConn) {
		s.stream.ServeNormalizedLogs(ctx, conn, processID, snapshot)
	})
}
