package situations

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestFallback_RotatesThroughAllTexts(t *testing.T) {
	seen := make(map[string]bool)
	for i := 0; i < len(fallbackTexts); i++ {
		seen[Fallback()] = true
	}
	assert.Len(t, seen, len(fallbackTexts))
}

func TestFallback_NeverEmpty(t *testing.T) {
	assert.NotEmpty(t, Fallback())
}
