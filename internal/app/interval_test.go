package app

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestParseIntervalDuration(t *testing.T) {
	cases := []struct {
		in   string
		want time.Duration
		ok   bool
	}{
		{"15m", 15 * time.Minute, true},
		{"1h", time.Hour, true},
		{"4H", 4 * time.Hour, true},
		{"1d", 24 * time.Hour, true},
		{"", 0, false},
		{"h", 0, false},
		{"0m", 0, false},
		{"-5m", 0, false},
		{"10x", 0, false},
	}
	for _, c := range cases {
		got, ok := ParseIntervalDuration(c.in)
		assert.Equal(t, c.ok, ok, "input %q", c.in)
		assert.Equal(t, c.want, got, "input %q", c.in)
	}
}
