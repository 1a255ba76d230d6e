package api

import (
	"encoding/json"
	"net/http"
	"strconv"
	"strings"
)

// WriteJSON writes a JSON response with the given status code.
func WriteJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// ErrorResponse is the standard error response body.
type ErrorResponse struct {
	Error  string `json:"error"`
	Detail string `json:"detail,omitempty"`
}

// WriteError writes a JSON error response.
func WriteError(w http.ResponseWriter, status int, msg string) {
	WriteJSON(w, status, ErrorResponse{Error: msg})
}

// WriteErrorDetail writes a JSON error response with detail.
func WriteErrorDetail(w http.ResponseWriter, status int, msg, detail string) {
	WriteJSON(w, status, ErrorResponse{Error: msg, Detail: detail})
}

// QueryBool extracts a boolean query parameter.
func QueryBool(r *http.Request, name string) (bool, bool) {
	v := r.URL.Query().Get(name)
	if v == "" {
		return false, false
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return false, false
	}
	return b, true
}

// QueryString extracts a non-empty string query parameter.
func QueryString(r *http.Request, name string) (string, bool) {
	v := r.URL.Query().Get(name)
	if v == "" {
		return "", false
	}
	return v, true
}

// QueryStringList extracts a comma-separated list of strings from a query param.
func QueryStringList(r *http.Request, name string) []string {
	v := r.URL.Query().Get(name)
	if v == "" {
		return nil
	}
	parts := strings.Split(v, ",")
	var result []string
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			result = append(result, p)
		}
	}
	return result
}

// QueryStringListAliased tries each name in order, returning the first non-empty result.
// This lets endpoints accept both singular and plural param names (e.g. call and sessions).
func QueryStringListAliased(r *http.Request, names ...string) []string {
	for _, name := range names {
		if result := QueryStringList(r, name); len(result) > 0 {
			return result
		}
	}
	return nil
}
