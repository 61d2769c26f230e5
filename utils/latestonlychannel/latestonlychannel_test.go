package latestonlychannel

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCoalesceBlocksWhenEmpty(t *testing.T) {
	in := make(chan int)
	out := Coalesce(in)
	defer close(in)

	select {
	case <-out:
		t.Fatal("should have blocked")
	case <-time.After(10 * time.Millisecond):
	}
}

func TestCoalesceForwardsEachValue(t *testing.T) {
	in := make(chan int)
	out := Coalesce(in)

	in <- 1
	assert.Equal(t, 1, <-out)

	in <- 2
	assert.Equal(t, 2, <-out)

	close(in)

	_, ok := <-out
	require.False(t, ok, "output channel was not closed")
}

func TestCoalesceKeepsLatest(t *testing.T) {
	in := make(chan string)
	out := Coalesce(in)

	in <- "a"
	in <- "b"
	in <- "c"
	assert.Equal(t, "c", <-out)

	in <- "d"
	in <- "e"
	assert.Equal(t, "e", <-out)

	close(in)

	_, ok := <-out
	require.False(t, ok, "output channel was not closed")
}
