package broadcast

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"pewcast/internal/storage"
)

type listStore struct {
	storage.RecipientStore
	rs []storage.Recipient
}

func (s listStore) QueryRecipients(_ context.Context, q storage.RecipientQuery) ([]storage.Recipient, error) {
	var out []storage.Recipient
	for _, r := range s.rs {
		if q.Match(r) {
			out = append(out, r)
		}
	}
	return out, nil
}

func TestSelectorLanguageFilterSelectsExactSubset(t *testing.T) {
	st := storage.NewMemory()
	seed(t, st, 1000, func(i int) storage.Recipient {
		lang := "en"
		switch {
		case i%10 < 3:
			lang = "ru"
		case i%10 < 6:
			lang = "uk"
		}
		return storage.Recipient{ID: recipientID(i), Language: lang, Active: true}
	})

	f, err := Filter{Language: "RU"}.Normalize([]string{"en", "ru", "uk"})
	require.NoError(t, err)

	got, err := NewSelector(st).Select(context.Background(), f)
	require.NoError(t, err)
	assert.Len(t, got, 300)

	seen := map[string]bool{}
	for _, tg := range got {
		assert.Equal(t, "ru", tg.Language)
		assert.False(t, seen[tg.ID], "duplicate %s", tg.ID)
		seen[tg.ID] = true
	}
}

func TestSelectorDedupesAndExcludesInactive(t *testing.T) {
	yes := true
	st := listStore{rs: []storage.Recipient{
		{ID: "a", Member: true, Active: true},
		{ID: "b", Member: true, Active: false},
		{ID: "a", Member: true, Active: true},
		{ID: "c", Member: false, Active: true},
		{ID: "d", Member: true, Active: true},
	}}

	got, err := NewSelector(st).Select(context.Background(), Filter{Member: &yes})
	require.NoError(t, err)
	assert.Equal(t, []storage.Target{{ID: "a"}, {ID: "d"}}, got)

	all, err := NewSelector(st).Select(context.Background(), Filter{})
	require.NoError(t, err)
	assert.Equal(t, []storage.Target{{ID: "a"}, {ID: "c"}, {ID: "d"}}, all)
}

func TestSelectorWrapsStoreErrors(t *testing.T) {
	st := &flakyStore{Store: storage.NewMemory(), failQuery: true}
	_, err := NewSelector(st).Select(context.Background(), Filter{})
	require.ErrorIs(t, err, ErrStoreUnavailable)
}
