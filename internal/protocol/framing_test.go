package protocol

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSplit(t *testing.T) {
	tests := []struct {
		name   string
		in     string
		chunks []string
		rest   string
	}{
		{"nothing", "", nil, ""},
		{"partial", `{"type":"a"`, nil, `{"type":"a"`},
		{"one", "a\n", []string{"a"}, ""},
		{"one and partial", "a\nb", []string{"a"}, "b"},
		{"many", "a\nb\nc\n", []string{"a", "b", "c"}, ""},
		{"blank lines skipped", "\n\na\n \n", []string{"a"}, ""},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			chunks, rest := Split([]byte(tc.in))
			var got []string
			for _, c := range chunks {
				got = append(got, string(c))
			}
			assert.Equal(t, tc.chunks, got)
			assert.Equal(t, tc.rest, string(rest))
		})
	}
}

func TestSplitByteAtATime(t *testing.T) {
	wire := "first\nsecond\n"
	var buf []byte
	var got []string
	for i := 0; i < len(wire); i++ {
		buf = append(buf, wire[i])
		var chunks [][]byte
		chunks, buf = Split(buf)
		for _, c := range chunks {
			got = append(got, string(c))
		}
	}
	assert.Equal(t, []string{"first", "second"}, got)
	assert.Empty(t, buf)
}
