package pool

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestTimerPool(t *testing.T) {
	t.Run("timer fires", func(t *testing.T) {
		tm := GetTimer(time.Millisecond)
		defer PutTimer(tm)

		select {
		case <-tm.C:
		case <-time.After(time.Second):
			t.Fatal("pooled timer never fired")
		}
	})

	t.Run("reuse after put", func(t *testing.T) {
		tm := GetTimer(time.Hour)
		PutTimer(tm)

		tm2 := GetTimer(time.Millisecond)
		defer PutTimer(tm2)

		select {
		case <-tm2.C:
		case <-time.After(time.Second):
			t.Fatal("reused timer never fired")
		}
	})

	t.Run("put after fire does not leave a stale tick", func(t *testing.T) {
		tm := GetTimer(time.Millisecond)
		<-tm.C
		PutTimer(tm)

		tm2 := GetTimer(50 * time.Millisecond)
		defer PutTimer(tm2)

		select {
		case at := <-tm2.C:
			require.WithinDuration(t, time.Now(), at, time.Second)
		case <-time.After(time.Second):
			t.Fatal("timer never fired")
		}
	})
}
