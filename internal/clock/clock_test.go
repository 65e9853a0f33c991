package clock_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/openkcm/distributor/internal/clock"
)

func TestNow(t *testing.T) {
	now := clock.Now()
	assert.NotZero(t, now)
	assert.Equal(t, time.UTC, now.Location(), "should have UTC location")
}

func TestFixed(t *testing.T) {
	loc := time.FixedZone("UTC+2", 2*60*60)
	at := time.Date(2024, 3, 1, 12, 0, 0, 0, loc)

	now := clock.Fixed(at)

	assert.True(t, at.Equal(now()))
	assert.Equal(t, time.UTC, now().Location())
	assert.Equal(t, now(), now(), "should report the same time on every call")
}
