package realtime

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestPublishReachesOnlyMatchingKey(t *testing.T) {
	r := NewRegistry(4, nil)
	mine, err := r.Subscribe(RecipientKey("user-1"))
	require.NoError(t, err)
	other, err := r.Subscribe(RecipientKey("user-2"))
	require.NoError(t, err)

	require.Equal(t, 1, r.Publish(RecipientKey("user-1"), "hello"))

	ev := <-mine.Events()
	require.Equal(t, "hello", ev.Payload)
	require.Equal(t, AlertsTable, ev.Key.Table)
	require.Empty(t, other.Events())
}

func TestUnsubscribeClosesChannelOnce(t *testing.T) {
	r := NewRegistry(1, nil)
	sub, err := r.Subscribe(Key{Table: "t", Filter: "f"})
	require.NoError(t, err)
	require.Equal(t, 1, r.Len())

	r.Unsubscribe(sub)
	r.Unsubscribe(sub)

	_, open := <-sub.Events()
	require.False(t, open)
	require.Zero(t, r.Len())
	require.Zero(t, r.Publish(Key{Table: "t", Filter: "f"}, 1))
}

func TestPublishDropsWhenBufferFull(t *testing.T) {
	r := NewRegistry(1, nil)
	sub, err := r.Subscribe(Key{Table: "t"})
	require.NoError(t, err)

	require.Equal(t, 1, r.Publish(Key{Table: "t"}, 1))
	require.Equal(t, 0, r.Publish(Key{Table: "t"}, 2))
	require.Equal(t, 1, (<-sub.Events()).Payload)
}

func TestDestroyClosesEverything(t *testing.T) {
	r := NewRegistry(1, nil)
	a, _ := r.Subscribe(Key{Table: "a"})
	b, _ := r.Subscribe(Key{Table: "b"})

	r.Destroy()
	r.Destroy()

	_, openA := <-a.Events()
	_, openB := <-b.Events()
	require.False(t, openA)
	require.False(t, openB)

	_, err := r.Subscribe(Key{Table: "a"})
	require.ErrorIs(t, err, ErrClosed)

	r.Unsubscribe(a)
}
