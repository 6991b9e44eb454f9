package memory

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestProfileApply(t *testing.T) {
	p := Profile{}

	assert.True(t, p.Apply(Fact{Key: "Crops", Value: "Wheat, cotton", Confidence: 0.8}, fixedNow))
	assert.Equal(t, "cotton, wheat", p[KeyCrops].Value)
	assert.Equal(t, []string{"cotton", "wheat"}, p[KeyCrops].Values())

	assert.False(t, p.Apply(Fact{Key: KeyCrops, Value: "wheat", Confidence: 0.8}, fixedNow))
	assert.True(t, p.Apply(Fact{Key: KeyCrops, Value: "wheat", Confidence: 0.95}, fixedNow))
	assert.Equal(t, 0.95, p[KeyCrops].Confidence)

	assert.True(t, p.Apply(Fact{Key: KeyName, Value: "Ramesh"}, fixedNow))
	assert.Equal(t, 0.5, p[KeyName].Confidence)
	assert.True(t, p.Apply(Fact{Key: KeyName, Value: "Ramesh Kumar", Confidence: 3}, fixedNow))
	assert.Equal(t, "Ramesh Kumar", p[KeyName].Value)
	assert.Equal(t, 1.0, p[KeyName].Confidence)
	assert.Equal(t, 2, p[KeyName].Revision)

	assert.False(t, p.Apply(Fact{Key: " ", Value: "x"}, fixedNow))
	assert.False(t, p.Apply(Fact{Key: KeyLocation, Value: "  "}, fixedNow))
}

func TestTopics(t *testing.T) {
	assert.Equal(t, []string{"crop", "market", "weather"}, Topics("Will rain affect wheat prices at the mandi?"))
	assert.Empty(t, Topics("hello there"))
}
