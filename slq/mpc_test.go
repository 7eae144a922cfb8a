// Copyright ©2025 curioloop. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package slq

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/mat"
)

func stampedUpdate(stamp float64) Update {
	return Update{Trajectory: &Trajectory{Time: []float64{stamp}}}
}

func TestPolicyExchangeDropsStale(t *testing.T) {
	x := NewPolicyExchange()

	_, ok := x.Poll()
	assert.False(t, ok)

	// only the freshest of a burst survives
	for i := 1; i <= 3; i++ {
		x.Publish(stampedUpdate(float64(i)))
	}
	u, ok := x.Poll()
	require.True(t, ok)
	assert.Equal(t, 3.0, u.Trajectory.Time[0])

	_, ok = x.Poll()
	assert.False(t, ok)
}

func TestPolicyExchangeNext(t *testing.T) {
	x := NewPolicyExchange()

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		time.Sleep(10 * time.Millisecond)
		x.Publish(stampedUpdate(7))
	}()

	u, err := x.Next(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 7.0, u.Trajectory.Time[0])
	wg.Wait()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = x.Next(ctx)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestPolicyControl(t *testing.T) {
	p := &Policy{
		K:    []*mat.Dense{mat.NewDense(1, 2, []float64{2, -1})},
		Kff:  []*mat.VecDense{mat.NewVecDense(1, []float64{0.5})},
		Xref: []*mat.VecDense{mat.NewVecDense(2, []float64{1, 1})},
		Uref: []*mat.VecDense{mat.NewVecDense(1, []float64{3})},
	}
	// u = ū + α·k + K(x - x̄) = 3 + 0.5·0.5 + (2·1 - 1·(-2)) = 7.25
	x := mat.NewVecDense(2, []float64{2, -1})
	u := p.Control(0, x, 0.5)
	assert.InDelta(t, 7.25, u.AtVec(0), 1e-15)
	// the reference state is untouched by evaluation
	assert.Equal(t, 1.0, p.Xref[0].AtVec(0))
}
