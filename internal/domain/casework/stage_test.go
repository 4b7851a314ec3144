package casework

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/turtacn/casewatch/pkg/errors"
)

func TestDefaultStageCatalog(t *testing.T) {
	c := DefaultStageCatalog()

	require.Equal(t, 5, c.Len())
	assert.Equal(t, StageRequest, c.First().ID)
	assert.Equal(t, StageFinal, c.Last().ID)
	for i, s := range c.Stages() {
		assert.Equal(t, i+1, s.Position)
	}
}

func TestStageCatalog_Lookup(t *testing.T) {
	c := DefaultStageCatalog()

	tests := []struct {
		week int
		want StageID
	}{
		{-3, StageRequest},
		{0, StageRequest},
		{5, StageRequest},
		{6, StageEvidenceGathering},
		{11, StageEvidenceGathering},
		{12, StageDrafting},
		{14, StageDrafting},
		{16, StageConsultation},
		{19, StageFinal},
		{20, StageFinal},
		{52, StageFinal},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, c.Lookup(tt.week).ID, "week %d", tt.week)
	}
}

func TestStageCatalog_LookupIsMonotonic(t *testing.T) {
	c := DefaultStageCatalog()

	prev := 0
	for w := 0; w <= 60; w++ {
		s := c.Lookup(w)
		assert.GreaterOrEqual(t, s.Position, prev, "week %d", w)
		if w < c.Last().WeekEnd {
			assert.True(t, s.Contains(w), "week %d", w)
		}
		prev = s.Position
	}
}

func TestNewStageCatalog_SortsInput(t *testing.T) {
	c, err := NewStageCatalog([]StageDefinition{
		{ID: "b", WeekStart: 2, WeekEnd: 4},
		{ID: "a", WeekStart: 0, WeekEnd: 2},
	})
	require.NoError(t, err)

	assert.Equal(t, StageID("a"), c.First().ID)
	got, ok := c.Get("b")
	require.True(t, ok)
	assert.Equal(t, 2, got.Position)
}

func TestNewStageCatalog_Invalid(t *testing.T) {
	tests := []struct {
		name string
		defs []StageDefinition
	}{
		{"empty", nil},
		{"gap", []StageDefinition{{ID: "a", WeekStart: 0, WeekEnd: 2}, {ID: "b", WeekStart: 3, WeekEnd: 4}}},
		{"overlap", []StageDefinition{{ID: "a", WeekStart: 0, WeekEnd: 3}, {ID: "b", WeekStart: 2, WeekEnd: 4}}},
		{"empty interval", []StageDefinition{{ID: "a", WeekStart: 0, WeekEnd: 0}}},
		{"late start", []StageDefinition{{ID: "a", WeekStart: 1, WeekEnd: 2}}},
		{"duplicate id", []StageDefinition{{ID: "a", WeekStart: 0, WeekEnd: 2}, {ID: "a", WeekStart: 2, WeekEnd: 4}}},
		{"blank id", []StageDefinition{{WeekStart: 0, WeekEnd: 2}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c, err := NewStageCatalog(tt.defs)
			assert.Nil(t, c)
			assert.True(t, errors.IsCode(err, errors.ErrCodeStageCatalogInvalid), err)
		})
	}
}

func TestMustNewStageCatalog_Panics(t *testing.T) {
	assert.Panics(t, func() { MustNewStageCatalog(nil) })
}

func TestStageCatalog_StagesIsACopy(t *testing.T) {
	c := DefaultStageCatalog()
	stages := c.Stages()
	stages[0].ID = "mutated"

	assert.Equal(t, StageRequest, c.First().ID)
}
