package appraiser

import "context"

// Match is a previously catalogued image resembling a query image.
type Match struct {
	Label string
	Path  string
	Score float32
}

// Matcher finds catalogued images similar to an uploaded one. It is an
// extension point; the only implementation today is NoMatch.
type Matcher interface {
	FindSimilar(ctx context.Context, image []byte) (Match, bool, error)
}

// NoMatch is a Matcher that never finds anything.
type NoMatch struct{}

func (NoMatch) FindSimilar(context.Context, []byte) (Match, bool, error) {
	return Match{}, false, nil
}
