package api

import (
	"context"

	"forgeloop/internal/dto"
	"forgeloop/internal/store"
)

type createProjectReq struct {
	Name string `json:"name"`
}

func (r *createProjectReq) Validate() error {
	if r.Name == "" {
		return dto.BadRequest("name is required")
	}
	return nil
}

func (s *Server) createProject(ctx context.Context, req *createProjectReq) (*store.Project, error) {
	return s.db.CreateProject(ctx, req.Name)
}

type getProjectReq struct {
	ID string `path:"id"`
}

func (r *getProjectReq) Validate() error { return nil }

func (s *Server) getProject(ctx context.Context, req *getProjectReq) (*store.Project, error) {
	p, err := s.db.GetProject(ctx, req.ID)
	if err != nil {
		return nil, translateNotFound(err, "project")
	}
	return p, nil
}
