package api

import (
	"context"

	"forgeloop/internal/dto"
	"forgeloop/internal/store"
)

type createRepoReq struct {
	Path                string `json:"path"`
	Name                string `json:"name"`
	SetupScript         string `json:"setup_script,omitempty"`
	CleanupScript       string `json:"cleanup_script,omitempty"`
	ArchiveScript       string `json:"archive_script,omitempty"`
	DevServerScript     string `json:"dev_server_script,omitempty"`
	ParallelSetupScript bool   `json:"parallel_setup_script,omitempty"`
	DefaultTargetBranch string `json:"default_target_branch,omitempty"`
	DefaultWorkingDir   string `json:"default_working_dir,omitempty"`
}

func (r *createRepoReq) Validate() error {
	if r.Path == "" {
		return dto.BadRequest("path is required")
	}
	if r.Name == "" {
		return dto.BadRequest("name is required")
	}
	return nil
}

func (s *Server) createRepo(ctx context.Context, req *createRepoReq) (*store.Repo, error) {
	return s.db.CreateRepo(ctx, &store.Repo{
		Path:                req.Path,
		Name:                req.Name,
		SetupScript:         req.SetupScript,
		CleanupScript:       req.CleanupScript,
		ArchiveScript:       req.ArchiveScript,
		DevServerScript:     req.DevServerScript,
		ParallelSetupScript: req.ParallelSetupScript,
		DefaultTargetBranch: req.DefaultTargetBranch,
		DefaultWorkingDir:   req.DefaultWorkingDir,
	})
}

type getRepoReq struct {
	ID string `path:"id"`
}

func (r *getRepoReq) Validate() error { return nil }

func (s *Server) getRepo(ctx context.Context, req *getRepoReq) (*store.Repo, error) {
	repo, err := s.db.GetRepo(ctx, req.ID)
	if err != nil {
		return nil, translateNotFound(err, "repo")
	}
	return repo, nil
}
