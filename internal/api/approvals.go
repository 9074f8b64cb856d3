package api

import (
	"context"
	"errors"

	"forgeloop/internal/approval"
	"forgeloop/internal/dto"
)

type respondApprovalReq struct {
	ID       string `path:"id"`
	Approved bool   `json:"approved"`
	Reason   string `json:"reason,omitempty"`
}

func (r *respondApprovalReq) Validate() error { return nil }

func (s *Server) respondApproval(ctx context.Context, req *respondApprovalReq) (*dto.EmptyReq, error) {
	err := s.broker.Respond(ctx, req.ID, req.Approved, req.Reason)
	switch {
	case err == nil:
		return &dto.EmptyReq{}, nil
	case errors.Is(err, approval.ErrUnknown):
		return nil, dto.NotFound("approval")
	case errors.Is(err, approval.ErrAlreadyCompleted):
		return nil, dto.Conflict("approval already completed")
	default:
		return nil, dto.InternalError("responding to approval").Wrap(err)
	}
}
