// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package sets

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSet(t *testing.T) {
	s := Make[string](10)
	assert.Len(t, s, 0)

	s.Insert("train/loss", "optimizer/lr", "train/loss")
	assert.Len(t, s, 2)
	assert.True(t, s.Has("optimizer/lr"))
	assert.False(t, s.Has("env/world_size"))
	assert.Equal(t, []string{"optimizer/lr", "train/loss"}, Sorted(s))

	s2 := MakeWith(3, 1, 2)
	assert.Equal(t, []int{1, 2, 3}, Sorted(s2))
}
