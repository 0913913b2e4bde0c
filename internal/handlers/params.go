package handlers

import (
	"net/http"
	"strconv"
	"time"

	"github.com/offbit/flowtrace/internal/trace"
)

// parseTimeParam reads an optional timestamp query parameter, accepting
// RFC3339 or unix milliseconds.
func parseTimeParam(r *http.Request, name string) (*time.Time, error) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return nil, nil
	}
	if t, err := time.Parse(time.RFC3339, raw); err == nil {
		return &t, nil
	}
	if ms, err := strconv.ParseInt(raw, 10, 64); err == nil {
		t := time.UnixMilli(ms).UTC()
		return &t, nil
	}
	return nil, &trace.InvalidQueryError{Field: name, Reason: "must be RFC3339 or unix milliseconds"}
}

func parseIntParam(r *http.Request, name string, def int) (int, error) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return def, nil
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return 0, &trace.InvalidQueryError{Field: name, Reason: "must be an integer"}
	}
	return v, nil
}

func parseInt64Param(r *http.Request, name string) (*int64, error) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return nil, nil
	}
	v, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return nil, &trace.InvalidQueryError{Field: name, Reason: "must be an integer"}
	}
	return &v, nil
}

func parseFloatParam(r *http.Request, name string, def float64) (float64, error) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return def, nil
	}
	v, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return 0, &trace.InvalidQueryError{Field: name, Reason: "must be a number"}
	}
	return v, nil
}
