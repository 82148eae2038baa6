package clock

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestManual(t *testing.T) {
	start := time.Date(2024, 3, 13, 10, 0, 0, 0, time.FixedZone("x", 3600))
	m := NewManual(start)
	assert.Equal(t, time.UTC, m.Now().Location())
	assert.True(t, m.Now().Equal(start))

	got := m.Advance(90 * time.Second)
	assert.True(t, got.Equal(start.Add(90*time.Second)))
	assert.Equal(t, got, m.Now())
}

func TestZones(t *testing.T) {
	z, err := NewZones("Europe/Prague", map[string]string{"h2": "America/New_York"})
	require.NoError(t, err)
	assert.Equal(t, "Europe/Prague", z.For("h1").String())
	assert.Equal(t, "America/New_York", z.For("h2").String())
	assert.Equal(t, "America/New_York", z.For("H2").String())

	var none *Zones
	assert.Equal(t, time.UTC, none.For("h1"))

	_, err = NewZones("UTC", map[string]string{"h3": "Nowhere/Land"})
	assert.Error(t, err)
}
