// Copyright ©2025 curioloop. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package slq

import (
	"context"

	"github.com/curioloop/trajopt/riccati"
)

// Update is one completed re-solve handed to the controller: the
// optimized trajectory, the affine policy and the value-function
// recursion for evaluating the law between re-solves.
type Update struct {
	Trajectory *Trajectory
	Policy     *Policy
	Recursion  *riccati.Recursion
}

// PolicyExchange is a single-producer/single-consumer hand-off of the
// latest completed solve. The producer never blocks on a slow
// consumer: a pending update that was never read is dropped in favor
// of the fresh one. The consumer always observes the most recent
// completed result.
type PolicyExchange struct {
	ch chan Update
}

func NewPolicyExchange() *PolicyExchange {
	return &PolicyExchange{ch: make(chan Update, 1)}
}

// Publish replaces any pending update with u. Never blocks.
func (x *PolicyExchange) Publish(u Update) {
	for {
		select {
		case x.ch <- u:
			return
		default:
			select {
			case <-x.ch: // drop the stale pending update
			default:
			}
		}
	}
}

// Poll returns the pending update if one exists.
func (x *PolicyExchange) Poll() (Update, bool) {
	select {
	case u := <-x.ch:
		return u, true
	default:
		return Update{}, false
	}
}

// Next blocks until an update is published or ctx is done.
func (x *PolicyExchange) Next(ctx context.Context) (Update, error) {
	select {
	case u := <-x.ch:
		return u, nil
	case <-ctx.Done():
		return Update{}, ctx.Err()
	}
}
