package pipeline

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestResponseTimeout(t *testing.T) {
	cases := []struct {
		name       string
		promptLen  int
		configured time.Duration
		recovering bool
		want       time.Duration
	}{
		{"short prompt clamps to minimum", 0, 0, false, 10 * time.Second},
		{"grows with prompt length", 20000, 0, false, 25 * time.Second},
		{"long prompt clamps to maximum", 500000, 0, false, 120 * time.Second},
		{"recovery raises the floor", 0, 0, true, 30 * time.Second},
		{"recovery does not lower a larger base", 60000, 0, true, 65 * time.Second},
		{"configured acts as floor", 0, 45 * time.Second, false, 45 * time.Second},
		{"configured below base is ignored", 60000, 20 * time.Second, false, 65 * time.Second},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, responseTimeout(tc.promptLen, tc.configured, tc.recovering))
		})
	}
}

func TestSilenceThreshold(t *testing.T) {
	assert.Equal(t, 60*time.Second, silenceThreshold(10*time.Second))
	assert.Equal(t, 60*time.Second, silenceThreshold(120*time.Second))
	assert.Equal(t, 150*time.Second, silenceThreshold(300*time.Second))
}
