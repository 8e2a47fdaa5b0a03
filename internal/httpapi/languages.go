package httpapi

import (
	"encoding/json"
	"net/http"
)

// commandALanguages and novaLanguages mirror the model router's (C10)
// fast-backend/multilingual-backend split so the UI can render language
// availability without duplicating that logic.
var commandALanguages = []string{"en", "es", "de", "it", "pt"}

var novaLanguages = []string{
	"en", "es", "de", "it", "pt", "fr", "zh", "ja", "ko", "ar", "he",
}

type languagesResponse struct {
	CommandALanguages []string `json:"command_a_languages"`
	NovaLanguages     []string `json:"nova_languages"`
	TotalSupported    int      `json:"total_supported"`
}

// Languages handles GET /api/v1/languages/supported: an informational
// listing of which languages route to each generation backend.
func Languages() http.HandlerFunc {
	resp := languagesResponse{
		CommandALanguages: commandALanguages,
		NovaLanguages:     novaLanguages,
		TotalSupported:    len(novaLanguages),
	}
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(resp)
	}
}
