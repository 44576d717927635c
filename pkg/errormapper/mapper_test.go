package errormapper

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestMapEventCode(t *testing.T) {
	cases := map[string]int{
		"delivered":   2,
		"expired":     3,
		"deleted":     4,
		"undelivered": 5,
		"accepted":    6,
		"invalid":     7,
		"rejected":    8,
		" Delivered ": 2,
		"enroute":     StatusCodeUnknown,
		"":            StatusCodeUnknown,
	}
	for event, want := range cases {
		assert.Equal(t, want, MapEventCode(event), "event %q", event)
	}
}
