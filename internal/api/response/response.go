// Package response writes the JSON bodies returned by the HTTP API.
package response

import (
	"encoding/json"
	"net/http"
)

const (
	statusSuccess = "success"
	statusError   = "error"
)

type errorBody struct {
	Status string `json:"status"`
	Code   string `json:"code"`
	Detail string `json:"detail"`
}

type collectionEnvelope struct {
	Data any      `json:"data"`
	Meta ListMeta `json:"meta"`
}

type ListMeta struct {
	Limit int `json:"limit"`
	Count int `json:"count"`
}

// JSON writes v with status 200.
func JSON(w http.ResponseWriter, v any) {
	writeJSON(w, http.StatusOK, v)
}

// JSONStatus writes v with the given status.
func JSONStatus(w http.ResponseWriter, status int, v any) {
	writeJSON(w, status, v)
}

// Success writes fields merged with "status":"success".
func Success(w http.ResponseWriter, fields map[string]any) {
	body := make(map[string]any, len(fields)+1)
	for k, v := range fields {
		body[k] = v
	}
	body["status"] = statusSuccess
	writeJSON(w, http.StatusOK, body)
}

func Collection(w http.ResponseWriter, data any, meta ListMeta) {
	writeJSON(w, http.StatusOK, collectionEnvelope{Data: data, Meta: meta})
}

func Error(w http.ResponseWriter, status int, code, detail string) {
	writeJSON(w, status, errorBody{
		Status: statusError,
		Code:   code,
		Detail: detail,
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
