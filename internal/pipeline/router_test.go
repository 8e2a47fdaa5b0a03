package pipeline

import "testing"

func TestRoute_FastLanguageSelectsBackendA(t *testing.T) {
	for _, lang := range []string{"en", "ES", "de", "it", "pt"} {
		got := Route(lang, "rewritten", "raw", false)
		if got.Backend != BackendA {
			t.Errorf("Route(%q) backend = %v, want BackendA", lang, got.Backend)
		}
		if got.Overridden {
			t.Errorf("Route(%q) should not report Overridden", lang)
		}
	}
}

func TestRoute_OtherLanguageSelectsBackendB(t *testing.T) {
	got := Route("ja", "rewritten", "raw", false)
	if got.Backend != BackendB {
		t.Errorf("Route(ja) backend = %v, want BackendB", got.Backend)
	}
}

func TestRoute_ForceBackendAOverridesNonFastLanguage(t *testing.T) {
	got := Route("ja", "rewritten", "raw", true)
	if got.Backend != BackendA {
		t.Errorf("Route with force override backend = %v, want BackendA", got.Backend)
	}
	if !got.Overridden {
		t.Error("expected Overridden = true")
	}
}

func TestRoute_ForceBackendANoOverrideFlagWhenAlreadyBackendA(t *testing.T) {
	got := Route("en", "rewritten", "raw", true)
	if got.Backend != BackendA {
		t.Errorf("backend = %v, want BackendA", got.Backend)
	}
	if got.Overridden {
		t.Error("Overridden should be false when the natural route already picked BackendA")
	}
}

func TestRoute_EnglishQueryFallsBackToRawWhenRewriteEmpty(t *testing.T) {
	got := Route("fr", "", "quelle est la cause", false)
	if got.EnglishQuery != "quelle est la cause" {
		t.Errorf("EnglishQuery = %q, want fallback to raw query", got.EnglishQuery)
	}
}

func TestRoute_EnglishQueryUsesRewriteWhenPresent(t *testing.T) {
	got := Route("fr", "what is the cause", "quelle est la cause", false)
	if got.EnglishQuery != "what is the cause" {
		t.Errorf("EnglishQuery = %q, want the rewrite", got.EnglishQuery)
	}
}
