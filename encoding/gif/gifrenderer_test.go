package gif

import (
	"bytes"
	"image"
	"image/gif"
	"testing"

	"github.com/gorgonia/ssdir/encoding"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncoder(t *testing.T) {
	var buf bytes.Buffer
	enc := NewGifEncoder(&buf, 2)
	for i := 0; i < 3; i++ {
		require.NoError(t, enc.Encode(encoding.Snapshot{
			Step:  i,
			Input: image.NewRGBA(image.Rect(0, 0, 8, 8)),
			Recon: image.NewRGBA(image.Rect(0, 0, 8, 8)),
		}))
	}
	assert.Equal(t, 3, enc.Frames())
	require.NoError(t, enc.Flush())

	g, err := gif.DecodeAll(&buf)
	require.NoError(t, err)
	assert.Len(t, g.Image, 3)
	assert.Equal(t, []int{50, 50, 50}, g.Delay)
}
