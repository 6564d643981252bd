package main

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestParseTarget(t *testing.T) {
	for _, test := range []struct {
		target      string
		selected    []string
		file        string
		experiments []string
	}{
		{"noodles.yml", nil, "noodles.yml", []string{}},
		{"noodles.yml:exp1,exp2", nil, "noodles.yml", []string{"exp1", "exp2"}},
		{"noodles.yml:exp1, exp2,", nil, "noodles.yml", []string{"exp1", "exp2"}},
		{"noodles.yml:exp2", []string{"exp1", "exp2"}, "noodles.yml", []string{"exp1", "exp2"}},
		{"dir/noodles.yml", []string{"exp3"}, "dir/noodles.yml", []string{"exp3"}},
	} {
		file, experiments := parseTarget(test.target, test.selected)
		assert.Equal(t, test.file, file, test.target)
		assert.Equal(t, test.experiments, experiments, test.target)
	}
}

func TestParseParams(t *testing.T) {
	assert.Equal(t, map[string]string{
		"epochs": "20",
		"flags":  "a=b",
		"empty":  "",
	}, parseParams([]string{"epochs=20", "flags=a=b", "empty"}))
}
