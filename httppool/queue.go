// Copyright 2023-2025 Buf Technologies, Inc.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package httppool

import (
	"container/heap"

	"github.com/bufbuild/netpool/request"
)

// delayedQueue holds requests that were assigned to a connection whose
// pipeline is full. It is ordered by priority, then by arrival.
type delayedQueue struct {
	items delayedHeap
	seq   uint64
	index map[*request.Request]*delayedItem
}

type delayedItem struct {
	req    *request.Request
	connID int64
	seq    uint64
	index  int
}

//nolint:recvcheck // mix of pointer and non-pointer receiver methods is intentional
type delayedHeap []*delayedItem

func (h delayedHeap) Len() int { return len(h) }

func (h delayedHeap) Less(i, j int) bool {
	if h[i].req.Priority != h[j].req.Priority {
		return h[i].req.Priority < h[j].req.Priority
	}
	return h[i].seq < h[j].seq
}

func (h delayedHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

func (h *delayedHeap) Push(x any) {
	item := x.(*delayedItem) //nolint:forcetypeassert,errcheck
	item.index = len(*h)
	*h = append(*h, item)
}

func (h *delayedHeap) Pop() any {
	old := *h
	n := len(old)
	item := old[n-1]
	old[n-1] = nil
	item.index = -1
	*h = old[:n-1]
	return item
}

func (q *delayedQueue) Len() int {
	return len(q.items)
}

func (q *delayedQueue) push(req *request.Request, connID int64) {
	if q.index == nil {
		q.index = map[*request.Request]*delayedItem{}
	}
	q.seq++
	item := &delayedItem{req: req, connID: connID, seq: q.seq}
	heap.Push(&q.items, item)
	q.index[req] = item
}

// remove takes req out of the queue and returns the connection it was
// held for.
func (q *delayedQueue) remove(req *request.Request) (int64, bool) {
	item, ok := q.index[req]
	if !ok {
		return 0, false
	}
	heap.Remove(&q.items, item.index)
	delete(q.index, req)
	return item.connID, true
}

// takeFor removes every request held for connID, highest priority first.
// A zero connID takes everything.
func (q *delayedQueue) takeFor(connID int64) []*request.Request {
	var taken []*delayedItem
	for _, item := range q.items {
		if connID == 0 || item.connID == connID {
			taken = append(taken, item)
		}
	}
	for _, item := range taken {
		heap.Remove(&q.items, item.index)
		delete(q.index, item.req)
	}
	reqs := make([]*request.Request, len(taken))
	sorted := delayedHeap(taken)
	heap.Init(&sorted)
	for i := range reqs {
		reqs[i] = heap.Pop(&sorted).(*delayedItem).req //nolint:forcetypeassert,errcheck
	}
	return reqs
}
