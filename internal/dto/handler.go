package dto

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"reflect"
	"strconv"

	"github.com/go-chi/chi/v5"
)

// Validatable is implemented by every request DTO; Validate runs after JSON
// decode and path-param population, before the handler body.
type Validatable interface {
	Validate() error
}

// EmptyReq is used for endpoints with no request body, e.g. GET/DELETE.
type EmptyReq struct{}

func (EmptyReq) Validate() error { return nil }

// Handle wraps a typed handler function into an http.HandlerFunc: it
// decodes the JSON body (rejecting unknown fields), populates fields
// tagged `path:"name"` from chi's route params, validates, calls fn, and
// writes the JSON response or a structured error.
func Handle[In any, PtrIn interface {
	*In
	Validatable
}, Out any](fn func(context.Context, PtrIn) (*Out, error)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		in := PtrIn(new(In))
		if !readAndDecodeBody(w, r, in) {
			return
		}
		populateParams(r, in)
		if err := in.Validate(); err != nil {
			WriteError(w, err)
			return
		}
		out, err := fn(r.Context(), in)
		WriteJSON(w, out, err)
	}
}

func readAndDecodeBody[In any](w http.ResponseWriter, r *http.Request, input *In) bool {
	if _, isEmpty := any(input).(*EmptyReq); isEmpty {
		return true
	}
	body, err := io.ReadAll(r.Body)
	if err2 := r.Body.Close(); err == nil {
		err = err2
	}
	if err != nil {
		WriteError(w, BadRequest("failed to read request body"))
		return false
	}
	if len(body) == 0 {
		return true
	}
	d := json.NewDecoder(bytes.NewReader(body))
	d.DisallowUnknownFields()
	if err := d.Decode(input); err != nil {
		slog.Error("dto: decoding request body failed", "err", err)
		WriteError(w, BadRequest("invalid request body"))
		return false
	}
	return true
}

func populateParams(r *http.Request, input any) {
	val := reflect.ValueOf(input)
	if val.Kind() != reflect.Pointer {
		return
	}
	elem := val.Elem()
	if elem.Kind() != reflect.Struct {
		return
	}
	typ := elem.Type()
	for i := range typ.NumField() {
		field := typ.Field(i)
		var v string
		if tag := field.Tag.Get("path"); tag != "" {
			v = chi.URLParam(r, tag)
		} else if tag := field.Tag.Get("query"); tag != "" {
			v = r.URL.Query().Get(tag)
		} else {
			continue
		}
		if v == "" {
			continue
		}
		//exhaustive:ignore
		switch field.Type.Kind() {
		case reflect.String:
			elem.Field(i).SetString(v)
		case reflect.Int:
			if n, err := strconv.Atoi(v); err == nil {
				elem.Field(i).SetInt(int64(n))
			}
		case reflect.Bool:
			if b, err := strconv.ParseBool(v); err == nil {
				elem.Field(i).SetBool(b)
			}
		}
	}
}

// WriteError writes a structured JSON error response. If err implements
// ErrorWithStatus, the status/code/details come from it; otherwise 500.
func WriteError(w http.ResponseWriter, err error) {
	statusCode := http.StatusInternalServerError
	code := CodeInternalError
	var details map[string]any

	var ews ErrorWithStatus
	if errors.As(err, &ews) {
		statusCode = ews.StatusCode()
		code = ews.Code()
		details = ews.Details()
	}

	slog.Error("dto: handler error", "err", err, "status", statusCode, "code", code)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	msg := err.Error()
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		msg = apiErr.message
	}
	resp := ErrorResponse{Error: ErrorDetails{Code: code, Message: msg}, Details: details}
	if encErr := json.NewEncoder(w).Encode(resp); encErr != nil {
		slog.Warn("dto: encoding error response failed", "err", encErr)
	}
}

// WriteJSON writes a JSON success response, or delegates to WriteError.
func WriteJSON[Out any](w http.ResponseWriter, output *Out, err error) {
	if err != nil {
		WriteError(w, err)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	if encErr := json.NewEncoder(w).Encode(output); encErr != nil {
		slog.Warn("dto: encoding JSON response failed", "err", encErr)
	}
}
