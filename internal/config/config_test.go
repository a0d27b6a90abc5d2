package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseCohortBoundaries(t *testing.T) {
	boundaries, err := ParseCohortBoundaries("1,7,30,180,365")
	require.NoError(t, err)
	assert.Equal(t, []int{1, 7, 30, 180, 365}, boundaries)

	boundaries, err = ParseCohortBoundaries(" 1, 7 ")
	require.NoError(t, err)
	assert.Equal(t, []int{1, 7}, boundaries)
}

func TestParseCohortBoundariesRejectsUnordered(t *testing.T) {
	_, err := ParseCohortBoundaries("7,1")
	assert.Error(t, err)

	_, err = ParseCohortBoundaries("1,1")
	assert.Error(t, err)

	_, err = ParseCohortBoundaries("")
	assert.Error(t, err)

	_, err = ParseCohortBoundaries("1,x")
	assert.Error(t, err)
}

func TestParseCloseHHMM(t *testing.T) {
	hour, minute, err := parseCloseHHMM("23:59")
	require.NoError(t, err)
	assert.Equal(t, 23, hour)
	assert.Equal(t, 59, minute)

	_, _, err = parseCloseHHMM("24:00")
	assert.Error(t, err)

	_, _, err = parseCloseHHMM("9am")
	assert.Error(t, err)
}
