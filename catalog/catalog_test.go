package catalog

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"memecaption/domain"
)

func newTestCatalogue() *Static {
	return NewStatic("https://cdn.example.com/%s/%d.png", map[domain.CardType][]int{
		domain.CardStandard: {3, 1, 2},
	})
}

func TestStatic_CardURL(t *testing.T) {
	c := newTestCatalogue()
	url, err := c.CardURL(context.Background(), domain.CardStandard, 2)
	require.NoError(t, err)
	assert.Equal(t, "https://cdn.example.com/standard/2.png", url)
}

func TestStatic_CardURLUnknownNumber(t *testing.T) {
	c := newTestCatalogue()
	_, err := c.CardURL(context.Background(), domain.CardStandard, 99)
	assert.Error(t, err)
}

func TestStatic_CardURLUnknownType(t *testing.T) {
	c := newTestCatalogue()
	_, err := c.CardURL(context.Background(), domain.CardUnique, 1)
	assert.Error(t, err)
}

func TestStatic_ListFolderIsSorted(t *testing.T) {
	c := newTestCatalogue()
	numbers, err := c.ListFolder(context.Background(), domain.CardStandard)
	require.NoError(t, err)
	assert.Equal(t, []int{1, 2, 3}, numbers)
}
