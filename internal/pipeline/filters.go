package pipeline

import (
	"net/url"
	"regexp"
	"strings"

	"github.com/climate-resilient/query-pipeline/internal/config"
)

var howToQueryRegex = regexp.MustCompile(`(?i)(how to|tips|at home|safety|cost|guide|checklist|prepare|kit)`)

var k12BlockRegex = regexp.MustCompile(
	`(?i)\b(?:(?:K|Gr(?:ade)?s?)\s*(?:[-–]\s*)?(?:K|[0-9]{1,2})(?:\s*(?:[-–]\s*|to)\s*(?:K|[0-9]{1,2}))?\s*(?:classroom|lesson\s*plan|curriculum|worksheet|teachers?|school|students?)|(?:classroom|lesson\s*plan|curriculum|worksheet|teachers?|school|students?).*(?:K|Gr(?:ade)?s?)\s*(?:[-–]\s*)?(?:K|[0-9]{1,2})|K-?\s?12|K\s*[-–]\s*12|Kindergarten|project\s+of\s+learning|learning\s+for\s+a\s+sustainable\s+future)\b`,
)

var k12BlockDomains = map[string]bool{"lsf-lst.ca": true, "climatelearning.ca": true}

// FilterReport carries the counts the orchestrator logs alongside the
// filtered pool.
type FilterReport struct {
	Blocked         int
	BlockedTextOnly int
}

// ApplyFilters runs the ordered post-retrieval transforms: domain boost,
// how-to/topic/location soft boosts, the audience blocklist, then dedup.
func ApplyFilters(query string, docs []Document, filters config.FiltersConfig, boosts config.BoostsConfig) ([]Document, FilterReport) {
	docs = applyDomainBoost(docs, boosts.PreferredDomains, boosts.DomainBoostWeight)
	docs = applySoftBoosts(query, docs, filters.DocTypeHowto, boosts)
	docs, report := applyAudienceBlocklist(docs, filters.AudienceBlocklistRegex)
	docs = dedupe(docs)
	return docs, report
}

func applyDomainBoost(docs []Document, preferred []string, weight float64) []Document {
	if len(preferred) == 0 || weight <= 0 {
		return docs
	}
	out := make([]Document, len(docs))
	for i, d := range docs {
		domain := extractDomain(d.FirstURL())
		score := d.Score
		for _, pref := range preferred {
			if pref != "" && strings.Contains(domain, pref) {
				score += weight
				break
			}
		}
		out[i] = d.WithScore(score)
	}
	return out
}

func applySoftBoosts(query string, docs []Document, docTypeHints []string, boosts config.BoostsConfig) []Document {
	if len(docs) == 0 {
		return docs
	}
	isHowTo := howToQueryRegex.MatchString(query)
	topicKeywords := topicKeywordsFor(query, boosts)

	out := make([]Document, len(docs))
	for i, d := range docs {
		title := strings.ToLower(d.Title)
		urlLower := strings.ToLower(d.FirstURL())
		content := strings.ToLower(d.Content)
		score := d.Score

		if isHowTo {
			for _, hint := range docTypeHints {
				h := strings.ToLower(hint)
				if strings.Contains(title, h) || strings.Contains(urlLower, h) {
					score += boosts.DocTypeBoostWeight
					break
				}
			}
		}
		for _, kw := range topicKeywords {
			if strings.Contains(content, strings.ToLower(kw)) {
				score += boosts.TopicBoostWeight
				break
			}
		}
		if len(boosts.LocationKeywords) > 0 {
			for _, kw := range boosts.LocationKeywords {
				if kw != "" && strings.Contains(content, strings.ToLower(kw)) {
					score += boosts.LocationBoostWeight
					break
				}
			}
		}
		out[i] = d.WithScore(score)
	}
	return out
}

func topicKeywordsFor(query string, boosts config.BoostsConfig) []string {
	ql := strings.ToLower(query)
	switch {
	case containsAny(ql, "ev", "charger", "charging"):
		return boosts.TopicKeywordsEV
	case containsAny(ql, "weather", "window", "insulat", "draft", "caulk", "weatherstrip"):
		return boosts.TopicKeywordsWeatherize
	case containsAny(ql, "heat", "air quality", "aqi", "smoke", "wildfire"):
		return boosts.TopicKeywordsHeatAQI
	default:
		return nil
	}
}

func containsAny(s string, needles ...string) bool {
	for _, n := range needles {
		if strings.Contains(s, n) {
			return true
		}
	}
	return false
}

// applyAudienceBlocklist drops K-12/education materials by regex on title
// and the first 512 chars of content, plus a small known-publisher domain
// guard, reporting how many were dropped and how many were caught only by
// the content regex (title looked fine).
func applyAudienceBlocklist(docs []Document, extraPatterns []string) ([]Document, FilterReport) {
	extra := make([]*regexp.Regexp, 0, len(extraPatterns))
	for _, pat := range extraPatterns {
		if rx, err := regexp.Compile("(?i)" + pat); err == nil {
			extra = append(extra, rx)
		} else if rx, err := regexp.Compile("(?i)" + regexp.QuoteMeta(pat)); err == nil {
			extra = append(extra, rx)
		}
	}

	out := make([]Document, 0, len(docs))
	var report FilterReport
	for _, d := range docs {
		title := strings.ToLower(d.Title)
		content := strings.ToLower(d.Content)
		if len(content) > 512 {
			content = content[:512]
		}
		domain := extractDomain(d.FirstURL())

		titleHit := k12BlockRegex.MatchString(title) || matchesAny(extra, title)
		contentHit := k12BlockRegex.MatchString(content) || matchesAny(extra, content)
		domainHit := domain != "" && k12BlockDomains[domain]

		if titleHit || contentHit || domainHit {
			report.Blocked++
			if !titleHit && contentHit {
				report.BlockedTextOnly++
			}
			continue
		}
		out = append(out, d)
	}
	return out, report
}

func matchesAny(patterns []*regexp.Regexp, s string) bool {
	for _, rx := range patterns {
		if rx.MatchString(s) {
			return true
		}
	}
	return false
}

func extractDomain(rawURL string) string {
	if rawURL == "" {
		return ""
	}
	u, err := url.Parse(rawURL)
	if err != nil {
		return ""
	}
	return strings.TrimPrefix(strings.ToLower(u.Hostname()), "www.")
}

// isHowToQuery reports whether query looks like a how-to request, used by
// the Similarity Gate to decide whether to top up regardless of threshold.
func isHowToQuery(query string) bool {
	return howToQueryRegex.MatchString(query)
}
