/*
 * Copyright 2025 Carver Automation Corporation.
 *
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 *
 *     http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 */

package scheduler

import (
	"github.com/carverauto/devicefleet/pkg/models"
)

// pending is one queued allocation request with its waiter.
type pending struct {
	req      *models.AllocationRequest
	done     chan allocResult
	seq      uint64
	index    int
	resolved bool
}

type allocResult struct {
	grant *models.Grant
	err   error
}

func (p *pending) resolve(res allocResult) {
	if p.resolved {
		return
	}

	p.resolved = true
	p.done <- res
}

// requestQueue is a heap ordered by priority (high first), then submission
// time (FIFO), then arrival sequence.
type requestQueue []*pending

func (q requestQueue) Len() int { return len(q) }

func (q requestQueue) Less(i, j int) bool {
	pi, pj := q[i], q[j]

	if ri, rj := pi.req.Priority.Rank(), pj.req.Priority.Rank(); ri != rj {
		return ri > rj
	}

	if !pi.req.SubmittedAt.Equal(pj.req.SubmittedAt) {
		return pi.req.SubmittedAt.Before(pj.req.SubmittedAt)
	}

	return pi.seq < pj.seq
}

func (q requestQueue) Swap(i, j int) {
	q[i], q[j] = q[j], q[i]
	q[i].index = i
	q[j].index = j
}

func (q *requestQueue) Push(x any) {
	p := x.(*pending)
	p.index = len(*q)
	*q = append(*q, p)
}

func (q *requestQueue) Pop() any {
	old := *q
	n := len(old)
	p := old[n-1]
	old[n-1] = nil
	p.index = -1
	*q = old[:n-1]

	return p
}
