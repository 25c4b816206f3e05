package codec

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncodeDecodeNode_Leaf(t *testing.T) {
	n := NodeData{
		Leaf: true,
		Entries: []EntryData{
			{Index: []byte("a"), Value: 10},
			{Index: []byte("b"), Value: 20},
		},
		Next: 5,
		Last: -1,
		Size: 5,
	}
	encoded := EncodeNode(n)
	decoded, err := DecodeNode(encoded)
	require.NoError(t, err)
	assert.Equal(t, n, decoded)
}

func TestEncodeDecodeNode_Reference(t *testing.T) {
	n := NodeData{
		Leaf: false,
		Entries: []EntryData{
			{Index: []byte("m"), Left: 2, Right: 3},
		},
		Next: -1,
		Last: -1,
		Size: 5,
	}
	encoded := EncodeNode(n)
	decoded, err := DecodeNode(encoded)
	require.NoError(t, err)
	assert.Equal(t, n, decoded)
}

func TestDecodeNode_RejectsCorruption(t *testing.T) {
	encoded := EncodeNode(NodeData{Leaf: true, Next: -1, Last: -1, Size: 5})
	encoded[len(encoded)-1] ^= 0xFF
	_, err := DecodeNode(encoded)
	assert.Error(t, err)
}
