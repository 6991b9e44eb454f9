package nlu

import (
	"regexp"
	"sort"
	"strings"

	"github.com/ent0n29/agronomist/internal/memory"
)

// Extractor pulls candidate profile facts out of a user turn.
type Extractor interface {
	Extract(turn memory.Turn) []memory.Fact
}

// cropAliases maps regional and common names to one canonical crop.
var cropAliases = map[string]string{
	"rice":      "rice", "paddy": "rice", "basmati": "rice", "dhan": "rice",
	"wheat":     "wheat", "gehun": "wheat",
	"cotton":    "cotton", "kapas": "cotton",
	"maize":     "maize", "corn": "maize", "makka": "maize",
	"soybean":   "soybean", "soya": "soybean",
	"sugarcane": "sugarcane", "ganna": "sugarcane",
	"potato":    "potato", "aloo": "potato",
	"onion":     "onion", "pyaaz": "onion",
	"tomato":    "tomato", "tamatar": "tomato",
	"mustard":   "mustard", "sarson": "mustard",
	"chickpea":  "chickpea", "chana": "chickpea", "gram": "chickpea",
	"groundnut": "groundnut", "peanut": "groundnut",
	"millet":    "millet", "bajra": "millet", "jowar": "sorghum", "sorghum": "sorghum",
	"banana":    "banana", "mango": "mango", "chilli": "chilli",
}

var indianStates = []string{
	"andhra pradesh", "arunachal pradesh", "assam", "bihar", "chhattisgarh", "goa",
	"gujarat", "haryana", "himachal pradesh", "jharkhand", "karnataka", "kerala",
	"madhya pradesh", "maharashtra", "manipur", "meghalaya", "mizoram", "nagaland",
	"odisha", "punjab", "rajasthan", "sikkim", "tamil nadu", "telangana", "tripura",
	"uttar pradesh", "uttarakhand", "west bengal",
}

// cities are recognised for weather lookups but not stored as the profile location.
var cities = []string{
	"delhi", "mumbai", "bangalore", "bengaluru", "chennai", "kolkata", "hyderabad",
	"pune", "ahmedabad", "jaipur", "nashik", "ludhiana",
}

var methodTerms = map[string]string{
	"organic":         "organic farming",
	"natural farming": "natural farming",
	"drip":            "drip irrigation",
	"sprinkler":       "sprinkler irrigation",
	"zero tillage":    "zero tillage",
	"intercropping":   "intercropping",
	"crop rotation":   "crop rotation",
	"mulching":        "mulching",
	"greenhouse":      "protected cultivation",
	"polyhouse":       "protected cultivation",
}

var interestTerms = map[string]string{
	"dairy":        "dairy",
	"poultry":      "poultry",
	"beekeeping":   "beekeeping",
	"fish farming": "fisheries",
	"horticulture": "horticulture",
	"export":       "export",
	"mushroom":     "mushroom cultivation",
	"solar pump":   "solar irrigation",
	"subsidy":      "government schemes",
	"scheme":       "government schemes",
}

var concernTerms = map[string]string{
	"pest":           "pests",
	"disease":        "crop disease",
	"drought":        "drought",
	"flood":          "flooding",
	"low price":      "low prices",
	"debt":           "debt",
	"loan":           "credit",
	"water shortage": "water shortage",
	"soil health":    "soil health",
	"labour":         "labour shortage",
}

var equipmentTerms = map[string]string{
	"tractor":    "tractor",
	"harvester":  "harvester",
	"sprayer":    "sprayer",
	"pump":       "pump set",
	"rotavator":  "rotavator",
	"seed drill": "seed drill",
	"drip kit":   "drip kit",
}

var (
	namePattern       = regexp.MustCompile(`(?i:\bmy name is) ([A-Z][a-z]+(?: [A-Z][a-z]+)?)`)
	farmSizePattern   = regexp.MustCompile(`(?i)\b(\d+(?:\.\d+)?)\s*(acres?|hectares?|ha|bighas?)\b`)
	experiencePattern = regexp.MustCompile(`(?i)\b(\d{1,2})\s*(?:\+\s*)?years?\s+(?:of\s+)?(?:experience|farming)\b`)
	budgetPattern     = regexp.MustCompile(`(?i)\b(?:budget|invest|spend)\D{0,20}?(?:rs\.?|₹|inr)\s?([\d,]+(?:\s?(?:lakh|lakhs|thousand|k))?)`)
	wordPatterns      = map[string]*regexp.Regexp{}
)

func init() {
	register := func(terms ...string) {
		for _, t := range terms {
			if _, ok := wordPatterns[t]; !ok {
				wordPatterns[t] = regexp.MustCompile(`(?i)\b` + regexp.QuoteMeta(t) + `(?:s|es)?\b`)
			}
		}
	}
	for alias := range cropAliases {
		register(alias)
	}
	register(indianStates...)
	register(cities...)
	for _, m := range []map[string]string{methodTerms, interestTerms, concernTerms, equipmentTerms} {
		for term := range m {
			register(term)
		}
	}
}

// KeywordExtractor is the deterministic rule-based extractor.
type KeywordExtractor struct{}

func NewKeywordExtractor() *KeywordExtractor { return &KeywordExtractor{} }

func (KeywordExtractor) Extract(turn memory.Turn) []memory.Fact {
	if turn.Role != memory.RoleUser {
		return nil
	}
	text := turn.Content
	var facts []memory.Fact
	add := func(key, value string, confidence float64) {
		facts = append(facts, memory.Fact{Key: key, Value: value, Confidence: confidence, SourceTurnID: turn.ID})
	}

	if m := namePattern.FindStringSubmatch(text); m != nil {
		add(memory.KeyName, titleCase(m[1]), 0.9)
	}
	for _, state := range indianStates {
		if wordPatterns[state].MatchString(text) {
			add(memory.KeyLocation, titleCase(state), 0.8)
			break
		}
	}
	if crops := matchTable(text, cropAliases); len(crops) > 0 {
		add(memory.KeyCrops, strings.Join(crops, ", "), 0.8)
	}
	if m := farmSizePattern.FindStringSubmatch(text); m != nil {
		add(memory.KeyFarmSize, m[1]+" "+strings.ToLower(m[2]), 0.85)
	}
	if m := experiencePattern.FindStringSubmatch(text); m != nil {
		add(memory.KeyExperience, m[1]+" years", 0.7)
	}
	if m := budgetPattern.FindStringSubmatch(text); m != nil {
		add(memory.KeyBudgetRange, "Rs "+strings.TrimSpace(m[1]), 0.6)
	}
	if v := matchTable(text, methodTerms); len(v) > 0 {
		add(memory.KeyFarmingMethods, strings.Join(v, ", "), 0.6)
	}
	if v := matchTable(text, interestTerms); len(v) > 0 {
		add(memory.KeyInterests, strings.Join(v, ", "), 0.6)
	}
	if v := matchTable(text, concernTerms); len(v) > 0 {
		add(memory.KeyConcerns, strings.Join(v, ", "), 0.6)
	}
	if v := matchTable(text, equipmentTerms); len(v) > 0 {
		add(memory.KeyEquipment, strings.Join(v, ", "), 0.6)
	}
	return facts
}

// CropsIn returns the canonical crops mentioned in text.
func CropsIn(text string) []string {
	return matchTable(text, cropAliases)
}

// PlacesIn returns the cities and states mentioned in text, cities first.
func PlacesIn(text string) []string {
	var out []string
	for _, list := range [][]string{cities, indianStates} {
		for _, place := range list {
			if wordPatterns[place].MatchString(text) {
				out = append(out, place)
			}
		}
	}
	return out
}

func matchTable(text string, table map[string]string) []string {
	seen := map[string]bool{}
	var out []string
	for term, canonical := range table {
		if seen[canonical] {
			continue
		}
		if wordPatterns[term].MatchString(text) {
			seen[canonical] = true
			out = append(out, canonical)
		}
	}
	sort.Strings(out)
	return out
}

func titleCase(s string) string {
	words := strings.Fields(strings.ToLower(s))
	for i, w := range words {
		words[i] = strings.ToUpper(w[:1]) + w[1:]
	}
	return strings.Join(words, " ")
}
