package appointment

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewSlotCatalog_NormalisesAndSorts(t *testing.T) {
	c, err := NewSlotCatalog([]string{"14:00", "9:30", " 09:30", "08:00"})
	require.NoError(t, err)

	assert.Equal(t, []Slot{"08:00", "09:30", "14:00"}, c.All())
}

func TestNewSlotCatalog_Rejects(t *testing.T) {
	_, err := NewSlotCatalog(nil)
	assert.ErrorIs(t, err, ErrValidation)

	_, err = NewSlotCatalog([]string{"09:00", "noon"})
	assert.ErrorIs(t, err, ErrValidation)
}

func TestSlotCatalog_Parse(t *testing.T) {
	c := MustSlotCatalog(DefaultSlots)

	s, err := c.Parse("9:00")
	require.NoError(t, err)
	assert.Equal(t, Slot("09:00"), s)

	_, err = c.Parse("12:00")
	assert.ErrorIs(t, err, ErrValidation, "lunch break is not bookable")

	_, err = c.Parse("25:00")
	assert.ErrorIs(t, err, ErrValidation)
}

func TestSlotCatalog_AllIsACopy(t *testing.T) {
	c := MustSlotCatalog([]string{"09:00"})
	all := c.All()
	all[0] = "10:00"
	assert.True(t, c.Contains("09:00"))
	assert.False(t, c.Contains("10:00"))
}

func TestParseDay(t *testing.T) {
	d, err := ParseDay("2024-06-01")
	require.NoError(t, err)
	assert.Equal(t, Day("2024-06-01"), d)

	_, err = ParseDay("2024-6-1")
	assert.ErrorIs(t, err, ErrValidation)

	_, err = ParseDay("2024-02-30")
	assert.ErrorIs(t, err, ErrValidation)
}
