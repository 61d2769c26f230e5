package sliceutils

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestRemoveDuplicates(t *testing.T) {
	assert.Nil(t, RemoveDuplicates[string](nil))
	assert.Equal(t, []string{}, RemoveDuplicates([]string{}))
	assert.Equal(t,
		[]string{"b:1", "a:2", "c:3"},
		RemoveDuplicates([]string{"b:1", "a:2", "b:1", "c:3", "a:2"}))
}
