package dto_test

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi/v5"

	"forgeloop/internal/dto"
)

type echoReq struct {
	ID     string `path:"id"`
	Filter string `query:"filter"`
	Count  int    `query:"count"`
	All    bool   `query:"all"`
	Body   string `json:"body"`
}

func (r *echoReq) Validate() error {
	if r.Body == "force-invalid" {
		return dto.BadRequest("body rejected")
	}
	return nil
}

type echoResp struct {
	ID, Filter, Body string
	Count            int
	All              bool
}

func echo(ctx context.Context, req *echoReq) (*echoResp, error) {
	return &echoResp{ID: req.ID, Filter: req.Filter, Count: req.Count, All: req.All, Body: req.Body}, nil
}

func TestHandlePopulatesPathQueryAndBody(t *testing.T) {
	r := chi.NewRouter()
	r.Post("/items/{id}", dto.Handle(echo))

	body, _ := json.Marshal(map[string]string{"body": "hello"})
	req := httptest.NewRequest(http.MethodPost, "/items/abc?filter=x&count=3&all=true", bytes.NewReader(body))
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body.String())
	}
	var got echoResp
	if err := json.Unmarshal(rec.Body.Bytes(), &got); err != nil {
		t.Fatalf("decoding response: %v", err)
	}
	want := echoResp{ID: "abc", Filter: "x", Count: 3, All: true, Body: "hello"}
	if got != want {
		t.Fatalf("got %+v, want %+v", got, want)
	}
}

func TestHandleRejectsUnknownFields(t *testing.T) {
	r := chi.NewRouter()
	r.Post("/items/{id}", dto.Handle(echo))

	req := httptest.NewRequest(http.MethodPost, "/items/abc", bytes.NewReader([]byte(`{"body":"hi","nope":1}`)))
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rec.Code)
	}
}

func TestHandleRunsValidateBeforeCallingHandler(t *testing.T) {
	r := chi.NewRouter()
	r.Post("/items/{id}", dto.Handle(echo))

	req := httptest.NewRequest(http.MethodPost, "/items/abc", bytes.NewReader([]byte(`{"body":"force-invalid"}`)))
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rec.Code)
	}
}

type idOnlyReq struct {
	ID string `path:"id"`
}

func (r *idOnlyReq) Validate() error { return nil }

func TestHandleAcceptsEmptyBody(t *testing.T) {
	r := chi.NewRouter()
	r.Get("/items/{id}", dto.Handle(func(ctx context.Context, req *idOnlyReq) (*echoResp, error) {
		return &echoResp{ID: req.ID}, nil
	}))

	req := httptest.NewRequest(http.MethodGet, "/items/xyz", nil)
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body.String())
	}
	var got echoResp
	if err := json.Unmarshal(rec.Body.Bytes(), &got); err != nil {
		t.Fatalf("decoding response: %v", err)
	}
	if got.ID != "xyz" {
		t.Fatalf("ID = %q, want xyz", got.ID)
	}
}

func TestWriteErrorUsesStatusFromErrorWithStatus(t *testing.T) {
	rec := httptest.NewRecorder()
	dto.WriteError(rec, dto.Conflict("already running"))

	if rec.Code != http.StatusConflict {
		t.Fatalf("status = %d, want 409", rec.Code)
	}
	var resp dto.ErrorResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decoding error response: %v", err)
	}
	if resp.Error.Code != dto.CodeConflict {
		t.Fatalf("code = %q, want %q", resp.Error.Code, dto.CodeConflict)
	}
}

func TestWriteErrorDefaultsToInternalErrorForPlainError(t *testing.T) {
	rec := httptest.NewRecorder()
	dto.WriteError(rec, context.DeadlineExceeded)

	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("status = %d, want 500", rec.Code)
	}
}
