package nlu

import (
	"regexp"
	"strings"
)

type IntentKind string

const (
	IntentPlanning IntentKind = "planning"
	IntentDirect   IntentKind = "direct"
)

// Tool names an Intent may ask the controller to consult.
const (
	ToolWeather   = "weather"
	ToolMarket    = "market_price"
	ToolData      = "customer_data"
	ToolKnowledge = "knowledge_search"
)

// Intent is the classifier's routing decision for one message.
type Intent struct {
	Kind       IntentKind `json:"kind"`
	Tools      []string   `json:"tools,omitempty"`
	Confidence float64    `json:"confidence"`
	Matched    string     `json:"matched,omitempty"`
}

// Classifier decides whether a message needs a multi-step plan.
type Classifier interface {
	Classify(message string) Intent
}

var (
	planningPattern = regexp.MustCompile(`(?i)\b(plan|planning|schedule|step[- ]by[- ]step|steps|roadmap|strategy|calendar|timeline|how (?:do|can|should) i (?:start|begin|set up|prepare|convert|switch)|prepare (?:for|my)|help me (?:start|set up|grow|prepare))\b`)
	weatherPattern  = regexp.MustCompile(`(?i)\b(weather|rain|rainfall|forecast|temperature|humidity|monsoon|wind)\b`)
	marketPattern   = regexp.MustCompile(`(?i)\b(price|prices|rate|rates|mandi|market|sell|selling|msp)\b`)
	dataPattern     = regexp.MustCompile(`(?i)\b(my (?:account|order|orders|records|purchases|history)|customer id|order status)\b`)
	questionPattern = regexp.MustCompile(`(?i)(\?|\b(how|what|why|which|when|should|can|does|is)\b)`)
)

// KeywordClassifier is the deterministic rule-based classifier.
type KeywordClassifier struct{}

func NewKeywordClassifier() *KeywordClassifier { return &KeywordClassifier{} }

func (KeywordClassifier) Classify(message string) Intent {
	text := strings.TrimSpace(message)
	if m := planningPattern.FindString(text); m != "" {
		return Intent{Kind: IntentPlanning, Tools: toolsFor(text), Confidence: 0.85, Matched: strings.ToLower(m)}
	}
	return Intent{Kind: IntentDirect, Tools: toolsFor(text), Confidence: 0.7}
}

func toolsFor(text string) []string {
	var tools []string
	if weatherPattern.MatchString(text) {
		tools = append(tools, ToolWeather)
	}
	if marketPattern.MatchString(text) {
		tools = append(tools, ToolMarket)
	}
	if dataPattern.MatchString(text) {
		tools = append(tools, ToolData)
	}
	if len(tools) == 0 && questionPattern.MatchString(text) {
		tools = append(tools, ToolKnowledge)
	}
	return tools
}
