// Package catalog supplies the card catalogue collaborator of spec §6: for
// a (type, number) pair it returns a public URL, and for a folder it lists
// the ordered card numbers available. Card image storage and authoring are
// out of scope; this is a read-only lookup.
package catalog

import (
	"context"
	"fmt"
	"sort"

	"memecaption/domain"
	"memecaption/errs"
)

// Catalogue is the interface every component needing card metadata depends on.
type Catalogue interface {
	CardURL(ctx context.Context, cardType domain.CardType, number int) (string, error)
	ListFolder(ctx context.Context, cardType domain.CardType) ([]int, error)
}

// Static serves a fixed in-memory catalogue, built once at startup from a
// manifest. Production deployments point the URL template at a CDN or
// object-storage bucket; this package never uploads or generates images.
type Static struct {
	urlTemplate string
	folders     map[domain.CardType][]int
}

// NewStatic builds a catalogue from folders (cardType -> ordered card
// numbers) and a URL template containing "%s" for the card type and "%d"
// for the number, e.g. "https://cdn.example.com/cards/%s/%d.png".
func NewStatic(urlTemplate string, folders map[domain.CardType][]int) *Static {
	copied := make(map[domain.CardType][]int, len(folders))
	for t, numbers := range folders {
		sorted := append([]int(nil), numbers...)
		sort.Ints(sorted)
		copied[t] = sorted
	}
	return &Static{urlTemplate: urlTemplate, folders: copied}
}

func (s *Static) CardURL(ctx context.Context, cardType domain.CardType, number int) (string, error) {
	numbers, ok := s.folders[cardType]
	if !ok {
		return "", fmt.Errorf("catalog: unknown card type %s: %w", cardType, errs.ErrNotFound)
	}
	idx := sort.SearchInts(numbers, number)
	if idx >= len(numbers) || numbers[idx] != number {
		return "", fmt.Errorf("catalog: card %s/%d: %w", cardType, number, errs.ErrNotFound)
	}
	return fmt.Sprintf(s.urlTemplate, cardType.String(), number), nil
}

func (s *Static) ListFolder(ctx context.Context, cardType domain.CardType) ([]int, error) {
	numbers, ok := s.folders[cardType]
	if !ok {
		return nil, fmt.Errorf("catalog: unknown card type %s: %w", cardType, errs.ErrNotFound)
	}
	return append([]int(nil), numbers...), nil
}

var _ Catalogue = (*Static)(nil)
