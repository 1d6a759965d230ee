package mockbackend

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestChunkPreservesText(t *testing.T) {
	text := "héllo wörld, streaming"
	for _, size := range []int{1, 3, 4, 100} {
		chunks := Chunk(text, size)
		require.Equal(t, text, strings.Join(chunks, ""))
		for _, c := range chunks {
			require.NotEmpty(t, c)
			require.LessOrEqual(t, len([]rune(c)), size)
		}
	}
	require.Empty(t, Chunk("", 4))
}

func TestDefaultReply(t *testing.T) {
	require.Equal(t, "You said: hi", DefaultReply(" hi "))
	require.Contains(t, DefaultReply("make me a Workout"), "workout")
}
