package memory

import (
	"regexp"
	"sort"
	"strings"
)

var topicPatterns = map[string]*regexp.Regexp{
	"crop":       regexp.MustCompile(`(?i)\b(crops?|wheat|rice|paddy|cotton|maize|corn|soy(?:bean|a)?|sugarcane|potato|onion|tomato|pulses?|millet)\b`),
	"weather":    regexp.MustCompile(`(?i)\b(weather|rain(?:fall)?|monsoon|temperature|forecast|drought|frost|heat ?wave)\b`),
	"market":     regexp.MustCompile(`(?i)\b(price|prices|market|mandi|sell|selling|msp)\b`),
	"pest":       regexp.MustCompile(`(?i)\b(pests?|insects?|disease|fungus|blight|aphids?|bollworm|locusts?)\b`),
	"soil":       regexp.MustCompile(`(?i)\b(soil|ph|compost|nutrients?|fertility)\b`),
	"irrigation": regexp.MustCompile(`(?i)\b(irrigation|irrigate|drip|sprinkler|water(?:ing)?|borewell|canal)\b`),
	"fertilizer": regexp.MustCompile(`(?i)\b(fertili[sz]ers?|urea|dap|npk|manure|potash)\b`),
	"finance":    regexp.MustCompile(`(?i)\b(loan|credit|subsidy|insurance|budget|kcc)\b`),
	"livestock":  regexp.MustCompile(`(?i)\b(cattle|cows?|buffalo(?:es)?|goats?|poultry|dairy|livestock)\b`),
}

// Topics returns the sorted topic labels mentioned in content.
func Topics(content string) []string {
	var out []string
	for topic, re := range topicPatterns {
		if re.MatchString(content) {
			out = append(out, topic)
		}
	}
	sort.Strings(out)
	return out
}

func topicsOf(turns []Turn) []string {
	seen := map[string]bool{}
	for _, t := range turns {
		for _, tag := range t.Tags {
			if strings.Contains(tag, ":") {
				continue
			}
			seen[tag] = true
		}
	}
	out := make([]string, 0, len(seen))
	for tag := range seen {
		out = append(out, tag)
	}
	sort.Strings(out)
	return out
}
