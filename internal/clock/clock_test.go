package clock

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestFakeAdvance(t *testing.T) {
	start := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	c := NewFake(start)
	c.Advance(90 * time.Second)
	assert.Equal(t, start.Add(90*time.Second), c.Now())
}

func TestULIDsAreMonotonic(t *testing.T) {
	g := NewULIDs()
	at := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)

	prev := g.NewID(at)
	for range 100 {
		next := g.NewID(at)
		assert.Greater(t, next, prev)
		prev = next
	}
}
