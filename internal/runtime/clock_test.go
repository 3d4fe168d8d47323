package runtime

import (
	"regexp"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

var traceIDPattern = regexp.MustCompile(`^1-[0-9a-f]{8}-[0-9a-f]{24}$`)

func TestGenerateXRayTraceID_Format(t *testing.T) {
	clock := NewRealClock()
	id := GenerateXRayTraceID(clock)
	assert.Regexp(t, traceIDPattern, id)
}

func TestGenerateXRayTraceID_Unique(t *testing.T) {
	clock := NewRealClock()
	seen := make(map[string]struct{}, 1000)
	for i := 0; i < 1000; i++ {
		id := GenerateXRayTraceID(clock)
		assert.Regexp(t, traceIDPattern, id)
		seen[id] = struct{}{}
	}
	assert.Len(t, seen, 1000)
}

func TestInstant_DurationTo(t *testing.T) {
	a := Instant(1000)
	b := Instant(1500)
	assert.Equal(t, 500*time.Millisecond, a.DurationTo(b))
	assert.Equal(t, -500*time.Millisecond, b.DurationTo(a))
}

func TestInstant_AdvancedBy(t *testing.T) {
	a := Instant(1000)
	assert.Equal(t, Instant(3000), a.AdvancedBy(2*time.Second))
}
