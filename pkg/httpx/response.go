package httpx

import (
	"encoding/json"
	"net/http"
)

// WriteJSON writes a JSON response with the given status code.
// It automatically sets the Content-Type header and Cache-Control headers.
func WriteJSON(w http.ResponseWriter, code int, v any) {
	NoCache(w)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

// NoCache sets the Cache-Control and Pragma headers to prevent caching.
// This is commonly required for sensitive responses like tokens.
func NoCache(w http.ResponseWriter) {
	w.Header().Set("Cache-Control", "no-store")
	w.Header().Set("Pragma", "no-cache")
}

// Detail is the error envelope used by the records API.
type Detail struct {
	Detail any `json:"detail"`
}

// Issue is one entry of a validation failure list.
type Issue struct {
	Loc  []string `json:"loc"`
	Msg  string   `json:"msg"`
	Type string   `json:"type"`
}

// WriteDetail writes {"detail": msg}.
func WriteDetail(w http.ResponseWriter, code int, msg string) {
	WriteJSON(w, code, Detail{Detail: msg})
}

// WriteIssues writes a 422 with a list of validation issues.
func WriteIssues(w http.ResponseWriter, issues ...Issue) {
	WriteJSON(w, http.StatusUnprocessableEntity, Detail{Detail: issues})
}
