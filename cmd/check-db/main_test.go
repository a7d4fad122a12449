package main

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestDrift(t *testing.T) {
	orphaned, missing := drift(
		[]string{"globex", "acme", "initech"},
		[]string{"acme", "scratch", "globex", "abandoned"},
	)
	assert.Equal(t, []string{"abandoned", "scratch"}, orphaned)
	assert.Equal(t, []string{"initech"}, missing)
}

func TestDrift_InSync(t *testing.T) {
	orphaned, missing := drift([]string{"acme"}, []string{"acme"})
	assert.Empty(t, orphaned)
	assert.Empty(t, missing)
}
