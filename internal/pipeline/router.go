package pipeline

import "strings"

// fastLanguages maps to Backend-A (a fast chat model); every other supported
// language routes to Backend-B (a multilingual chat model).
var fastLanguages = map[string]bool{
	"en": true, "es": true, "de": true, "it": true, "pt": true,
}

// RouteResult records the chosen generation backend, whether the global
// override applied, and the retrieval query to use downstream.
type RouteResult struct {
	Backend      ModelBackend
	Overridden   bool
	EnglishQuery string
}

// Route maps expectedLanguage to a generation backend, honoring the
// FORCE_BACKEND_A global override, and derives the retrieval query from
// rewriteEN (falling back to the raw query when no rewrite was produced).
func Route(expectedLanguage, rewriteEN, rawQuery string, forceBackendA bool) RouteResult {
	backend := BackendB
	if fastLanguages[strings.ToLower(expectedLanguage)] {
		backend = BackendA
	}

	overridden := false
	if forceBackendA && backend != BackendA {
		backend = BackendA
		overridden = true
	}

	englishQuery := rewriteEN
	if englishQuery == "" {
		englishQuery = rawQuery
	}

	return RouteResult{Backend: backend, Overridden: overridden, EnglishQuery: englishQuery}
}
