package artifact

import (
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	_ Store = (*InMemoryStore)(nil)
	_ Store = (*DirStore)(nil)
)

func TestInMemoryStore_CopiesData(t *testing.T) {
	store := NewInMemoryStore()
	data := []byte(`{"plddt": 91.2}`)

	loc, err := store.Save("sess", "step1_esmfold.predict_result.json", data)
	require.NoError(t, err)
	assert.Equal(t, "mem://sess/step1_esmfold.predict_result.json", loc)

	data[0] = '['
	got, err := store.Get("sess", "step1_esmfold.predict_result.json")
	require.NoError(t, err)
	assert.JSONEq(t, `{"plddt": 91.2}`, string(got))

	got[0] = '['
	again, err := store.Get("sess", "step1_esmfold.predict_result.json")
	require.NoError(t, err)
	assert.JSONEq(t, `{"plddt": 91.2}`, string(again))
}

func TestInMemoryStore_ListIsPerSessionAndSorted(t *testing.T) {
	store := NewInMemoryStore()
	for _, id := range []string{"step2", "step1"} {
		_, err := store.Save("a", id, nil)
		require.NoError(t, err)
	}
	_, err := store.Save("b", "step9", nil)
	require.NoError(t, err)

	ids, err := store.List("a")
	require.NoError(t, err)
	assert.Equal(t, []string{"step1", "step2"}, ids)

	ids, err = store.List("missing")
	require.NoError(t, err)
	assert.Empty(t, ids)
}

func TestInMemoryStore_Delete(t *testing.T) {
	store := NewInMemoryStore()
	_, err := store.Save("a", "step1", []byte("x"))
	require.NoError(t, err)

	require.NoError(t, store.Delete("a", "step1"))
	_, err = store.Get("a", "step1")
	assert.ErrorIs(t, err, ErrNotFound)
	assert.ErrorIs(t, store.Delete("a", "step1"), ErrNotFound)
}

func TestInMemoryStore_RejectsPathIDs(t *testing.T) {
	store := NewInMemoryStore()
	for _, id := range []string{"", "..", "../escape", `a\b`} {
		_, err := store.Save("a", id, nil)
		assert.ErrorIs(t, err, ErrInvalidID, id)
	}
}

func TestInMemoryStore_ConcurrentSaves(t *testing.T) {
	store := NewInMemoryStore()
	var wg sync.WaitGroup
	for i := range 50 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := store.Save("a", fmt.Sprintf("step%d", i%5), []byte("x"))
			assert.NoError(t, err)
			_, _ = store.List("a")
		}()
	}
	wg.Wait()

	ids, err := store.List("a")
	require.NoError(t, err)
	assert.Len(t, ids, 5)
}
