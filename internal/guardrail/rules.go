package guardrail

import (
	"fmt"
	"os"
	"regexp"
	"strings"

	"gopkg.in/yaml.v3"
)

// RuleSet is the fixed vocabulary the evaluator checks content against.
// Evaluations are only comparable across identical Version values.
type RuleSet struct {
	Version        string   `yaml:"version"`
	Jailbreak      []string `yaml:"jailbreak"`
	Harmful        []string `yaml:"harmful"`
	Privacy        []string `yaml:"privacy"`
	Abuse          []string `yaml:"abuse"`
	OffDomain      []string `yaml:"off_domain"`
	Agricultural   []string `yaml:"agricultural"`
	Chemicals      []string `yaml:"chemicals"`
	DosagePatterns []string `yaml:"dosage_patterns"`
	Qualifiers     []string `yaml:"qualifiers"`
}

// DefaultRuleSet returns the built-in farming-domain rules.
func DefaultRuleSet() RuleSet {
	return RuleSet{
		Version: "builtin-2",
		Jailbreak: []string{
			"ignore previous", "ignore all previous", "forget your role", "you are now",
			"disregard instructions", "disregard your instructions", "override system",
			"new instructions", "act as if", "pretend you are", "bypass", "ignore all rules",
			"system prompt",
		},
		Harmful: []string{
			"illegal pesticide", "banned chemical", "black market", "forge document",
			"fake report", "manipulate data", "poison the", "burn down", "fake subsidy",
		},
		Privacy: []string{
			"other farmers data", "other farmers' data", "all farmers records", "database credentials",
			"api key", "password", "private information", "aadhaar of",
		},
		Abuse: []string{
			"idiot", "stupid bot", "shut up", "bastard", "bloody fool", "damn you",
		},
		OffDomain: []string{
			"write a poem", "tell me a joke", "sing a song", "political opinion", "religious view",
			"sports score", "movie recommendation", "dating advice", "cricket score",
		},
		Agricultural: []string{
			"crop", "crops", "farm", "farming", "agriculture", "weather", "rain", "soil", "irrigation",
			"harvest", "plant", "seed", "seeds", "sowing", "fertilizer", "pesticide", "livestock", "cattle",
			"poultry", "market", "price", "mandi", "yield", "cultivation", "field", "land", "grain",
			"wheat", "rice", "paddy", "cotton", "vegetable", "vegetables", "fruit", "dairy", "organic",
			"tractor", "acre", "acres", "hectare", "bigha", "kharif", "rabi",
		},
		Chemicals: []string{
			"pesticide", "insecticide", "herbicide", "fungicide", "weedicide", "chlorpyrifos",
			"monocrotophos", "imidacloprid", "glyphosate", "paraquat", "endosulfan", "cypermethrin",
			"mancozeb", "carbendazim", "urea", "dap", "potash", "phorate", "carbofuran",
		},
		DosagePatterns: []string{
			`\d+(?:\.\d+)?\s*(?:ml|l|litres?|liters?|g|gm|grams?|kg|kgs)\s*(?:/|per)\s*(?:acre|acres|hectare|ha|litre|liter|l|tank|pump|bigha)`,
			`\d+(?:\.\d+)?\s*(?:ml|g|gm|grams?)\s+(?:in|into|with)\s+\d+(?:\.\d+)?\s*(?:l|litres?|liters?)`,
		},
		Qualifiers: []string{
			"as per label", "label instructions", "per the label", "consult", "agronomist",
			"krishi vigyan kendra", "kvk", "extension officer", "soil test", "protective equipment",
		},
	}
}

// LoadRuleSet reads a YAML rule file. Fields omitted from the file keep their built-in values.
func LoadRuleSet(path string) (RuleSet, error) {
	rs := DefaultRuleSet()
	path = strings.TrimSpace(path)
	if path == "" {
		return rs, nil
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return RuleSet{}, fmt.Errorf("read guardrail rules: %w", err)
	}
	custom := rs
	custom.Version = ""
	if err := yaml.Unmarshal(raw, &custom); err != nil {
		return RuleSet{}, fmt.Errorf("parse guardrail rules: %w", err)
	}
	if strings.TrimSpace(custom.Version) == "" {
		custom.Version = "custom"
	}
	return custom, nil
}

type compiledRules struct {
	jailbreak    *regexp.Regexp
	harmful      *regexp.Regexp
	privacy      *regexp.Regexp
	abuse        *regexp.Regexp
	offDomain    *regexp.Regexp
	agricultural *regexp.Regexp
	chemicals    *regexp.Regexp
	qualifiers   *regexp.Regexp
	dosage       []*regexp.Regexp
}

func compile(rs RuleSet) (compiledRules, error) {
	var c compiledRules
	c.jailbreak = termsPattern(rs.Jailbreak)
	c.harmful = termsPattern(rs.Harmful)
	c.privacy = termsPattern(rs.Privacy)
	c.abuse = termsPattern(rs.Abuse)
	c.offDomain = termsPattern(rs.OffDomain)
	c.agricultural = termsPattern(rs.Agricultural)
	c.chemicals = termsPattern(rs.Chemicals)
	c.qualifiers = termsPattern(rs.Qualifiers)
	for _, p := range rs.DosagePatterns {
		re, err := regexp.Compile(`(?i)` + p)
		if err != nil {
			return compiledRules{}, fmt.Errorf("compile dosage pattern %q: %w", p, err)
		}
		c.dosage = append(c.dosage, re)
	}
	return c, nil
}

// termsPattern builds one case-insensitive, word-bounded alternation for a keyword list.
func termsPattern(terms []string) *regexp.Regexp {
	quoted := make([]string, 0, len(terms))
	for _, t := range terms {
		t = strings.TrimSpace(t)
		if t == "" {
			continue
		}
		quoted = append(quoted, regexp.QuoteMeta(strings.ToLower(t)))
	}
	if len(quoted) == 0 {
		return nil
	}
	return regexp.MustCompile(`(?i)\b(?:` + strings.Join(quoted, "|") + `)\b`)
}

func firstMatch(re *regexp.Regexp, s string) (string, bool) {
	if re == nil {
		return "", false
	}
	m := re.FindString(s)
	return m, m != ""
}
