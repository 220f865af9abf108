package stats

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestClassify(t *testing.T) {
	c := NewClassifier([]string{"N4R", "N9R", "N7F", "RF"})

	tests := []struct {
		name        string
		equipmentID string
		want        Population
	}{
		{name: "recycler_prefix", equipmentID: "N4R00123", want: Recyclers},
		{name: "recycler_lowercase", equipmentID: "n9r00456", want: Recyclers},
		{name: "recycler_rf", equipmentID: "RF778", want: Recyclers},
		{name: "smart_safe", equipmentID: "SS00999", want: SmartSafes},
		{name: "near_miss_prefix", equipmentID: "N4X123", want: SmartSafes},
		{name: "empty_id_defaults_to_smart_safe", equipmentID: "", want: SmartSafes},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, c.Classify(tt.equipmentID))
		})
	}
}

func TestClassifierTrimsAndUppercasesPrefixes(t *testing.T) {
	c := NewClassifier([]string{" n4r ", "rf"})

	assert.True(t, c.Matches("N4R001", Recyclers))
	assert.True(t, c.Matches("rf42", Recyclers))
	assert.True(t, c.Matches("X123", SmartSafes))
}

func TestPopulationsAreDisjointAndComplete(t *testing.T) {
	c := NewClassifier([]string{"N4R"})

	for _, id := range []string{"N4R1", "Z9", ""} {
		matched := 0
		for _, pop := range Populations() {
			if c.Matches(id, pop) {
				matched++
			}
		}
		assert.Equal(t, 1, matched, "equipment %q must land in exactly one population", id)
	}
}
