package api

import (
	"context"

	"forgeloop/internal/dto"
	"forgeloop/internal/store"
)

type createTaskReq struct {
	ProjectID   string `json:"project_id"`
	Title       string `json:"title"`
	Description string `json:"description,omitempty"`
}

func (r *createTaskReq) Validate() error {
	if r.ProjectID == "" {
		return dto.BadRequest("project_id is required")
	}
	if r.Title == "" {
		return dto.BadRequest("title is required")
	}
	return nil
}

func (s *Server) createTask(ctx context.Context, req *createTaskReq) (*store.Task, error) {
	return s.db.CreateTask(ctx, &store.Task{
		ProjectID:   req.ProjectID,
		Title:       req.Title,
		Description: req.Description,
	})
}

type getTaskReq struct {
	ID string `path:"id"`
}

func (r *getTaskReq) Validate() error { return nil }

func (s *Server) getTask(ctx context.Context, req *getTaskReq) (*store.Task, error) {
	t, err := s.db.GetTask(ctx, req.ID)
	if err != nil {
		return nil, translateNotFound(err, "task")
	}
	return t, nil
}
