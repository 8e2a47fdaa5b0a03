package httpapi

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestLanguages_ListsBothBackendsAndTotal(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/api/v1/languages/supported", nil)
	rec := httptest.NewRecorder()
	Languages()(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	var resp languagesResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if len(resp.CommandALanguages) != 5 {
		t.Errorf("len(CommandALanguages) = %d, want 5", len(resp.CommandALanguages))
	}
	if resp.TotalSupported != len(resp.NovaLanguages) {
		t.Errorf("TotalSupported = %d, want %d", resp.TotalSupported, len(resp.NovaLanguages))
	}
	found := false
	for _, l := range resp.NovaLanguages {
		if l == "ar" {
			found = true
		}
	}
	if !found {
		t.Error("expected Nova languages to include ar")
	}
}
