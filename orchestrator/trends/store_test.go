package trends

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type failingSource struct{}

func (failingSource) Fetch(ctx context.Context, topic string) ([]string, error) {
	return nil, errors.New("upstream down")
}

type fakeClock struct{ t time.Time }

func (c *fakeClock) Now() time.Time          { return c.t }
func (c *fakeClock) Advance(d time.Duration) { c.t = c.t.Add(d) }

func newTestStore(t *testing.T, source Source, clock *fakeClock) *Store {
	t.Helper()
	s, err := NewStore(filepath.Join(t.TempDir(), "trends.json"), source,
		WithWindows(6*time.Hour, 24*time.Hour), WithClock(clock.Now))
	require.NoError(t, err)
	return s
}

func TestGetHotCreatesFleetingEntries(t *testing.T) {
	clock := &fakeClock{t: time.Now()}
	s := newTestStore(t, StaticSource{"golang", "ai"}, clock)

	hot, err := s.GetHot(context.Background(), "topic")
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"golang", "ai"}, hot)

	e, ok := s.Entry("golang")
	require.True(t, ok)
	assert.Equal(t, 1, e.ConsecutiveWindows)
	assert.Equal(t, AuthorityFleeting, e.Authority())
}

func TestPromotionRequiresRefreshWindow(t *testing.T) {
	clock := &fakeClock{t: time.Now()}
	s := newTestStore(t, StaticSource{"golang"}, clock)

	_, err := s.GetHot(context.Background(), "topic")
	require.NoError(t, err)

	// Too soon: no increment.
	clock.Advance(time.Hour)
	_, err = s.GetHot(context.Background(), "topic")
	require.NoError(t, err)
	e, _ := s.Entry("golang")
	assert.Equal(t, 1, e.ConsecutiveWindows)

	// Past the refresh window: increments.
	clock.Advance(6 * time.Hour)
	_, err = s.GetHot(context.Background(), "topic")
	require.NoError(t, err)
	e, _ = s.Entry("golang")
	assert.Equal(t, 2, e.ConsecutiveWindows)
	assert.Equal(t, AuthorityEmerging, e.Authority())
}

func TestEstablishedAfterThreeWindows(t *testing.T) {
	clock := &fakeClock{t: time.Now()}
	s := newTestStore(t, StaticSource{"golang"}, clock)

	for i := 0; i < 3; i++ {
		_, err := s.GetHot(context.Background(), "topic")
		require.NoError(t, err)
		clock.Advance(6 * time.Hour)
	}

	assert.Equal(t, []string{"golang"}, s.Established())
}

func TestDecayRemovesStaleEntries(t *testing.T) {
	clock := &fakeClock{t: time.Now()}
	s := newTestStore(t, StaticSource{"golang"}, clock)

	_, err := s.GetHot(context.Background(), "topic")
	require.NoError(t, err)

	// One window entry, 25h silence: decays to zero and is removed. The
	// empty source models the keyword vanishing upstream.
	s.source = StaticSource{}
	clock.Advance(25 * time.Hour)
	_, err = s.GetHot(context.Background(), "topic")
	require.NoError(t, err)

	_, ok := s.Entry("golang")
	assert.False(t, ok)
}

func TestDecayIsIdempotentWithinOneWindow(t *testing.T) {
	clock := &fakeClock{t: time.Now()}
	s := newTestStore(t, StaticSource{"golang"}, clock)

	// Build up to three windows.
	for i := 0; i < 3; i++ {
		_, err := s.GetHot(context.Background(), "topic")
		require.NoError(t, err)
		clock.Advance(6 * time.Hour)
	}

	// 25h of silence charges exactly one window, no matter how many decay
	// passes run inside it.
	s.source = StaticSource{}
	clock.Advance(25 * time.Hour)
	for i := 0; i < 3; i++ {
		_, err := s.GetHot(context.Background(), "topic")
		require.NoError(t, err)
		clock.Advance(time.Minute)
	}

	e, ok := s.Entry("golang")
	require.True(t, ok)
	assert.Equal(t, 2, e.ConsecutiveWindows)
}

func TestGetHotOrdersByAuthority(t *testing.T) {
	clock := &fakeClock{t: time.Now()}
	s := newTestStore(t, StaticSource{"old", "new"}, clock)

	// Promote "old" to established while "new" arrives later.
	s.source = StaticSource{"old"}
	for i := 0; i < 3; i++ {
		_, err := s.GetHot(context.Background(), "topic")
		require.NoError(t, err)
		clock.Advance(6 * time.Hour)
	}

	s.source = StaticSource{"new", "old"}
	hot, err := s.GetHot(context.Background(), "topic")
	require.NoError(t, err)
	assert.Equal(t, []string{"old", "new"}, hot)
}

func TestSourceFailureDegradesGracefully(t *testing.T) {
	clock := &fakeClock{t: time.Now()}
	s := newTestStore(t, failingSource{}, clock)

	hot, err := s.GetHot(context.Background(), "topic")
	require.NoError(t, err)
	assert.Empty(t, hot)
}

func TestStorePersistsAcrossReopen(t *testing.T) {
	clock := &fakeClock{t: time.Now()}
	path := filepath.Join(t.TempDir(), "trends.json")

	s, err := NewStore(path, StaticSource{"golang"}, WithClock(clock.Now))
	require.NoError(t, err)
	_, err = s.GetHot(context.Background(), "topic")
	require.NoError(t, err)

	reopened, err := NewStore(path, StaticSource{"golang"}, WithClock(clock.Now))
	require.NoError(t, err)
	e, ok := reopened.Entry("golang")
	require.True(t, ok)
	assert.Equal(t, 1, e.ConsecutiveWindows)
	assert.Equal(t, clock.Now().Unix(), e.FirstSeen.Unix())
}
