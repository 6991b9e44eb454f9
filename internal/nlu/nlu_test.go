package nlu

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ent0n29/agronomist/internal/memory"
)

func factMap(facts []memory.Fact) map[string]string {
	out := map[string]string{}
	for _, f := range facts {
		out[f.Key] = f.Value
	}
	return out
}

func TestKeywordExtractor(t *testing.T) {
	ex := NewKeywordExtractor()
	turn := memory.Turn{
		ID:      3,
		Role:    memory.RoleUser,
		Content: "My name is Ramesh Kumar and I farm 5 acres of paddy and kapas in Punjab with 12 years of experience. I use drip and worry about pests; I own a tractor.",
	}

	facts := ex.Extract(turn)
	got := factMap(facts)
	assert.Equal(t, "Ramesh Kumar", got[memory.KeyName])
	assert.Equal(t, "Punjab", got[memory.KeyLocation])
	assert.Equal(t, "cotton, rice", got[memory.KeyCrops])
	assert.Equal(t, "5 acres", got[memory.KeyFarmSize])
	assert.Equal(t, "12 years", got[memory.KeyExperience])
	assert.Equal(t, "drip irrigation", got[memory.KeyFarmingMethods])
	assert.Equal(t, "pests", got[memory.KeyConcerns])
	assert.Equal(t, "tractor", got[memory.KeyEquipment])
	for _, f := range facts {
		assert.Equal(t, int64(3), f.SourceTurnID)
		assert.Greater(t, f.Confidence, 0.0)
	}
}

func TestKeywordExtractorMultiWordStateAndBudget(t *testing.T) {
	facts := NewKeywordExtractor().Extract(memory.Turn{
		ID:      1,
		Role:    memory.RoleUser,
		Content: "We grow tamatar near Nashik in Maharashtra, budget is about Rs 50,000 and I want to try poultry",
	})
	got := factMap(facts)
	assert.Equal(t, "Maharashtra", got[memory.KeyLocation])
	assert.Equal(t, "tomato", got[memory.KeyCrops])
	assert.Equal(t, "Rs 50,000", got[memory.KeyBudgetRange])
	assert.Equal(t, "poultry", got[memory.KeyInterests])
}

func TestKeywordExtractorIgnoresAssistantTurns(t *testing.T) {
	facts := NewKeywordExtractor().Extract(memory.Turn{Role: memory.RoleAssistant, Content: "Wheat grows well in Punjab"})
	assert.Empty(t, facts)
}

func TestKeywordExtractorNoFacts(t *testing.T) {
	facts := NewKeywordExtractor().Extract(memory.Turn{Role: memory.RoleUser, Content: "hello, is anyone there"})
	assert.Empty(t, facts)
}

func TestCropsIn(t *testing.T) {
	assert.Equal(t, []string{"maize", "wheat"}, CropsIn("Corn or gehun this rabi?"))
}

func TestPlacesIn(t *testing.T) {
	assert.Equal(t, []string{"nashik", "maharashtra"}, PlacesIn("Will it rain in Nashik, Maharashtra this week?"))
	assert.Empty(t, PlacesIn("Will it rain this week?"))
}

func TestKeywordClassifier(t *testing.T) {
	cl := NewKeywordClassifier()
	cases := []struct {
		message string
		kind    IntentKind
		tools   []string
	}{
		{"Can you make a plan for switching my farm to organic?", IntentPlanning, []string{ToolKnowledge}},
		{"How do I start drip irrigation on 3 acres?", IntentPlanning, []string{ToolKnowledge}},
		{"Give me a step-by-step schedule for wheat sowing", IntentPlanning, nil},
		{"Will it rain in Pune tomorrow?", IntentDirect, []string{ToolWeather}},
		{"What is the mandi price of onion today?", IntentDirect, []string{ToolMarket}},
		{"Check my order status please", IntentDirect, []string{ToolData}},
		{"Why are my tomato leaves curling?", IntentDirect, []string{ToolKnowledge}},
		{"thanks", IntentDirect, nil},
	}
	for _, tc := range cases {
		t.Run(tc.message, func(t *testing.T) {
			got := cl.Classify(tc.message)
			require.Equal(t, tc.kind, got.Kind)
			assert.Equal(t, tc.tools, got.Tools)
		})
	}
}
