package prompt

import (
	"bytes"
	"io"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestReaderConfirmer(t *testing.T) {
	tests := []struct {
		input string
		want  bool
	}{
		{"y\n", true},
		{"YES\n", true},
		{" y \n", true},
		{"n\n", false},
		{"\n", false},
		{"maybe\n", false},
		{"", false},
	}

	for _, tt := range tests {
		t.Run(strings.TrimSpace(tt.input), func(t *testing.T) {
			var out bytes.Buffer
			c := NewReaderConfirmer(strings.NewReader(tt.input), &out)
			got, err := c.Confirm("Delete it?")
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
			assert.Contains(t, out.String(), "Delete it? (y/n)")
		})
	}
}

func TestAlways(t *testing.T) {
	yes, err := Always(true).Confirm("anything")
	require.NoError(t, err)
	assert.True(t, yes)

	no, err := Always(false).Confirm("anything")
	require.NoError(t, err)
	assert.False(t, no)
}

func TestLines(t *testing.T) {
	var out bytes.Buffer
	l := NewLines(strings.NewReader("  first.jpg \nsecond.png"), &out)

	got, err := l.Ask("> ")
	require.NoError(t, err)
	assert.Equal(t, "first.jpg", got)

	got, err = l.Ask("> ")
	require.NoError(t, err)
	assert.Equal(t, "second.png", got)

	_, err = l.Ask("> ")
	assert.ErrorIs(t, err, io.EOF)
}

func TestIsQuit(t *testing.T) {
	assert.True(t, IsQuit("Q", "q", "exit"))
	assert.True(t, IsQuit(" exit ", "q", "exit"))
	assert.False(t, IsQuit("quit", "q", "exit"))
}
