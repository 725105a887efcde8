package broadcast

import (
	"context"

	"github.com/cockroachdb/errors"

	"pewcast/internal/storage"
)

// Selector builds the frozen target list for a job.
type Selector struct {
	store storage.RecipientStore
}

func NewSelector(store storage.RecipientStore) *Selector {
	return &Selector{store: store}
}

// Select returns active recipients matching f in store order, without duplicates.
func (s *Selector) Select(ctx context.Context, f Filter) ([]storage.Target, error) {
	rs, err := s.store.QueryRecipients(ctx, f.query())
	if err != nil {
		return nil, errors.Mark(errors.Wrap(err, "query recipients"), ErrStoreUnavailable)
	}
	seen := make(map[string]struct{}, len(rs))
	out := make([]storage.Target, 0, len(rs))
	for _, r := range rs {
		if !r.Active || r.ID == "" {
			continue
		}
		if _, dup := seen[r.ID]; dup {
			continue
		}
		seen[r.ID] = struct{}{}
		out = append(out, storage.Target{ID: r.ID, Language: r.Language})
	}
	return out, nil
}
