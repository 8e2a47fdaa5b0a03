// Package climatewords holds small per-language keyword sets used by the
// Classifier/Rewriter's non-English climate guard: when the classifier model
// calls a query off-topic but the raw text (or its English rewrite) contains
// an obvious climate term in the query's own script, the classification is
// flipped to on-topic rather than trusting the model's single judgment.
package climatewords

import "strings"

// keywords maps a two-letter language code to lowercase climate-adjacent
// terms in that language's own script. English is the fallback set applied
// whenever a language has no dedicated entry or the text's language is
// unknown, since rewrite_en text is always checked in English regardless of
// the query's source language.
var keywords = map[string][]string{
	"en": {
		"climate", "weather", "flood", "flooding", "drought", "heat", "heatwave",
		"emission", "emissions", "adaptation", "mitigation", "aqi", "air quality",
		"renewable", "wildfire", "sea level", "carbon", "greenhouse", "storm",
		"hurricane", "extreme weather", "global warming",
	},
	"es": {
		"clima", "climático", "climática", "tiempo", "inundación", "inundaciones",
		"sequía", "calor", "ola de calor", "emisiones", "adaptación", "mitigación",
		"calidad del aire", "renovable", "incendio forestal", "nivel del mar",
		"carbono", "invernadero", "tormenta", "huracán",
	},
	"fr": {
		"climat", "climatique", "météo", "inondation", "inondations", "sécheresse",
		"chaleur", "canicule", "émissions", "adaptation", "atténuation",
		"qualité de l'air", "renouvelable", "incendie de forêt", "niveau de la mer",
		"carbone", "serre", "tempête", "ouragan",
	},
	"de": {
		"klima", "klimawandel", "wetter", "überschwemmung", "dürre", "hitze",
		"hitzewelle", "emissionen", "anpassung", "minderung", "luftqualität",
		"erneuerbar", "waldbrand", "meeresspiegel", "kohlenstoff", "treibhaus",
		"sturm", "hurrikan",
	},
	"it": {
		"clima", "climatico", "tempo", "alluvione", "siccità", "caldo",
		"ondata di calore", "emissioni", "adattamento", "mitigazione",
		"qualità dell'aria", "rinnovabile", "incendio boschivo", "livello del mare",
		"carbonio", "serra", "tempesta", "uragano",
	},
	"pt": {
		"clima", "climático", "tempo", "inundação", "seca", "calor", "onda de calor",
		"emissões", "adaptação", "mitigação", "qualidade do ar", "renovável",
		"incêndio florestal", "nível do mar", "carbono", "estufa", "tempestade",
		"furacão",
	},
	"zh": {
		"气候", "天气", "洪水", "干旱", "高温", "热浪", "排放", "适应", "减缓",
		"空气质量", "可再生", "野火", "海平面", "碳", "温室", "风暴", "飓风",
	},
	"ja": {
		"気候", "天気", "洪水", "干ばつ", "猛暑", "熱波", "排出", "適応", "緩和",
		"大気質", "再生可能", "山火事", "海面上昇", "炭素", "温室", "嵐", "台風",
	},
	"ko": {
		"기후", "날씨", "홍수", "가뭄", "폭염", "열파", "배출", "적응", "완화",
		"대기질", "재생", "산불", "해수면", "탄소", "온실", "폭풍", "태풍",
	},
	"ar": {
		"مناخ", "طقس", "فيضان", "جفاف", "حرارة", "موجة حر", "انبعاثات", "تكيف",
		"تخفيف", "جودة الهواء", "متجددة", "حريق", "مستوى البحر", "كربون",
		"عاصفة", "إعصار",
	},
	"he": {
		"אקלים", "מזג אוויר", "שיטפון", "בצורת", "חום", "גל חום", "פליטות",
		"הסתגלות", "הפחתה", "איכות אוויר", "מתחדשת", "שריפה", "פחמן", "סערה",
	},
}

// Contains reports whether text contains a climate-adjacent term for lang's
// keyword set, falling back to the English set for unknown languages.
func Contains(lang, text string) bool {
	set, ok := keywords[strings.ToLower(lang)]
	if !ok {
		set = keywords["en"]
	}
	lower := strings.ToLower(text)
	for _, kw := range set {
		if strings.Contains(lower, strings.ToLower(kw)) {
			return true
		}
	}
	return false
}

// ContainsEnglish reports whether text contains an English climate term,
// used to check a rewrite_en candidate regardless of the source language.
func ContainsEnglish(text string) bool {
	return Contains("en", text)
}
