package sequence

import (
	"context"
	"path/filepath"
	"sync"
	"testing"

	"github.com/rotisserie/eris"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/evv-cli/internal/model"
	"github.com/sells-group/evv-cli/internal/store"
)

func newTestAllocator(t *testing.T) *Allocator {
	t.Helper()
	s, err := store.NewSQLite(filepath.Join(t.TempDir(), "seq.db"), nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	require.NoError(t, s.Migrate(context.Background()))
	return New(s)
}

func TestResolve_UnchangedRecordReusesValue(t *testing.T) {
	ctx := context.Background()
	a := newTestAllocator(t)
	fp := Fingerprint([]byte(`{"visitId":"visit-1","units":4}`))

	first, reused, err := a.Resolve(ctx, "org-1", model.EntityVisit, "visit-1", fp)
	require.NoError(t, err)
	assert.False(t, reused)
	assert.Equal(t, int64(1), first)

	second, reused, err := a.Resolve(ctx, "org-1", model.EntityVisit, "visit-1", fp)
	require.NoError(t, err)
	assert.True(t, reused)
	assert.Equal(t, first, second)
}

func TestResolve_ChangedRecordGetsGreaterValue(t *testing.T) {
	ctx := context.Background()
	a := newTestAllocator(t)

	first, _, err := a.Resolve(ctx, "org-1", model.EntityVisit, "visit-1", Fingerprint([]byte(`{"units":4}`)))
	require.NoError(t, err)

	// Another record in the same scope advances the counter in between.
	_, _, err = a.Resolve(ctx, "org-1", model.EntityVisit, "visit-2", Fingerprint([]byte(`{"units":2}`)))
	require.NoError(t, err)

	changed, reused, err := a.Resolve(ctx, "org-1", model.EntityVisit, "visit-1", Fingerprint([]byte(`{"units":5}`)))
	require.NoError(t, err)
	assert.False(t, reused)
	assert.Greater(t, changed, first)

	bound, ok, err := a.Get(ctx, model.EntityVisit, "visit-1")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, changed, bound)
}

func TestResolve_ScopesAreIndependent(t *testing.T) {
	ctx := context.Background()
	a := newTestAllocator(t)

	v, _, err := a.Resolve(ctx, "org-1", model.EntityVisit, "visit-1", "fp")
	require.NoError(t, err)
	s, _, err := a.Resolve(ctx, "org-1", model.EntityStaff, "staff-1", "fp")
	require.NoError(t, err)
	o, _, err := a.Resolve(ctx, "org-2", model.EntityVisit, "visit-9", "fp")
	require.NoError(t, err)

	assert.Equal(t, int64(1), v)
	assert.Equal(t, int64(1), s)
	assert.Equal(t, int64(1), o)
}

func TestNext_ConcurrentCallersNeverDuplicate(t *testing.T) {
	ctx := context.Background()
	a := newTestAllocator(t)

	const n = 25
	values := make([]int64, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			v, err := a.Next(ctx, "org-1", model.EntityVisit)
			assert.NoError(t, err)
			values[i] = v
		}(i)
	}
	wg.Wait()

	seen := make(map[int64]bool)
	for _, v := range values {
		assert.False(t, seen[v], "duplicate %d", v)
		seen[v] = true
	}
}

func TestGet_Unbound(t *testing.T) {
	a := newTestAllocator(t)
	_, ok, err := a.Get(context.Background(), model.EntityStaff, "staff-1")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestFingerprint(t *testing.T) {
	a := Fingerprint([]byte(`{"a":1}`))
	assert.Len(t, a, 64)
	assert.Equal(t, a, Fingerprint([]byte(`{"a":1}`)))
	assert.NotEqual(t, a, Fingerprint([]byte(`{"a":2}`)))
}

type mockStore struct {
	mock.Mock
}

func (m *mockStore) NextSequence(ctx context.Context, orgID string, entity model.EntityType) (int64, error) {
	args := m.Called(ctx, orgID, entity)
	return args.Get(0).(int64), args.Error(1)
}

func (m *mockStore) GetSequenceBinding(ctx context.Context, entity model.EntityType, recordID string) (*model.SequenceBinding, error) {
	args := m.Called(ctx, entity, recordID)
	b, _ := args.Get(0).(*model.SequenceBinding)
	return b, args.Error(1)
}

func (m *mockStore) BindSequence(ctx context.Context, b model.SequenceBinding) error {
	return m.Called(ctx, b).Error(0)
}

func TestResolve_StoreErrors(t *testing.T) {
	ctx := context.Background()

	ms := &mockStore{}
	ms.On("GetSequenceBinding", ctx, model.EntityVisit, "visit-1").Return(nil, eris.New("db down"))
	_, _, err := New(ms).Resolve(ctx, "org-1", model.EntityVisit, "visit-1", "fp")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "db down")

	ms = &mockStore{}
	ms.On("GetSequenceBinding", ctx, model.EntityVisit, "visit-1").Return(nil, nil)
	ms.On("NextSequence", ctx, "org-1", model.EntityVisit).Return(int64(7), nil)
	ms.On("BindSequence", ctx, mock.MatchedBy(func(b model.SequenceBinding) bool {
		return b.Value == 7 && b.Fingerprint == "fp" && b.OrgID == "org-1"
	})).Return(eris.New("bind failed"))
	_, _, err = New(ms).Resolve(ctx, "org-1", model.EntityVisit, "visit-1", "fp")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "bind failed")
	ms.AssertExpectations(t)
}
