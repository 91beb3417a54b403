package main

import (
	"fmt"
	"net/http"
	"strings"
)

// newPalmHandler returns an http.Handler simulating the legacy Google PaLM
// (bison family) generateText API:
//
//	POST {base}/models/{model}:generateText
//
// where {base} defaults to https://generativelanguage.googleapis.com/v1beta2.
func newPalmHandler(cfg Config) http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("/v1beta2/models/", func(w http.ResponseWriter, r *http.Request) {
		path := r.URL.Path
		if !strings.HasSuffix(path, ":generateText") {
			writePalmError(w, http.StatusNotFound, fmt.Sprintf("mock: unknown path %s", path))
			return
		}
		if r.Method != http.MethodPost {
			writeError(w, http.StatusMethodNotAllowed, "method not allowed", "method_not_allowed")
			return
		}
		if r.URL.Query().Get("key") == "" {
			writePalmError(w, http.StatusUnauthorized, "API key not found")
			return
		}

		applyLatency(cfg)
		if shouldError(cfg) {
			writePalmError(w, http.StatusInternalServerError, "mock internal error")
			return
		}

		writeJSON(w, http.StatusOK, map[string]any{
			"candidates": []any{
				map[string]any{"output": fakeSentence(cfg.StreamWords)},
			},
		})
	})

	// Models.List — health-check connectivity probe, served on the modern
	// v1beta surface since that's what genai.Client.Models.List calls.
	mux.HandleFunc("/v1beta/models", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{
			"models": []map[string]any{
				{"name": "models/text-bison-001", "displayName": "PaLM 2 (Bison)"},
			},
		})
	})

	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		writePalmError(w, http.StatusNotFound, fmt.Sprintf("mock: unknown path %s", r.URL.Path))
	})

	return mux
}

func writePalmError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]any{
		"error": map[string]any{
			"code":    status,
			"message": msg,
			"status":  "INTERNAL",
		},
	})
}
