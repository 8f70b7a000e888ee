package telemetry

import (
	"container/heap"
	"context"
	"math/rand"
	"sync"
	"time"

	"sdcard-go/x/timex"
)

// PollReq asks the adapter to sample one sensor.
type PollReq struct {
	Sensor string
	Every  time.Duration
}

type pollItem struct {
	sensor string
	due    int64
	every  time.Duration
	jitter time.Duration
	index  int
}

type pollHeap []*pollItem

func (h pollHeap) Len() int           { return len(h) }
func (h pollHeap) Less(i, j int) bool { return h[i].due < h[j].due }
func (h pollHeap) Swap(i, j int)      { h[i], h[j] = h[j], h[i]; h[i].index = i; h[j].index = j }
func (h *pollHeap) Push(x any)        { it := x.(*pollItem); it.index = len(*h); *h = append(*h, it) }
func (h *pollHeap) Pop() any {
	old := *h
	n := len(old)
	it := old[n-1]
	it.index = -1
	*h = old[:n-1]
	return it
}

func (h pollHeap) top() *pollItem {
	if len(h) == 0 {
		return nil
	}
	return h[0]
}

// Poller keeps one schedule per sensor and emits a PollReq whenever the
// earliest one falls due. Emission never blocks; a full out channel drops
// the request and the sensor is simply sampled on its next period.
type Poller struct {
	mu    sync.Mutex
	wake  chan struct{}
	items map[string]*pollItem
	h     pollHeap
	rand  *rand.Rand
	out   chan<- PollReq
}

func NewPoller(out chan<- PollReq) *Poller {
	return &Poller{
		wake:  make(chan struct{}, 1),
		items: make(map[string]*pollItem),
		rand:  rand.New(rand.NewSource(time.Now().UnixNano())),
		out:   out,
	}
}

// Upsert adds or reschedules a sensor. The first fire is interval plus a
// random jitter in [0..jitter] from now; jitter applies on every re-arm.
func (p *Poller) Upsert(sensor string, interval, jitter time.Duration) {
	if interval <= 0 || sensor == "" {
		return
	}
	if jitter < 0 {
		jitter = 0
	}
	p.mu.Lock()
	due := time.Now().Add(p.jittered(interval, jitter)).UnixNano()
	if it := p.items[sensor]; it == nil {
		it = &pollItem{sensor: sensor, due: due, every: interval, jitter: jitter, index: -1}
		p.items[sensor] = it
		heap.Push(&p.h, it)
	} else {
		it.every, it.jitter, it.due = interval, jitter, due
		heap.Fix(&p.h, it.index)
	}
	p.mu.Unlock()
	p.wakeup()
}

func (p *Poller) Stop(sensor string) {
	p.mu.Lock()
	if it := p.items[sensor]; it != nil {
		heap.Remove(&p.h, it.index)
		delete(p.items, sensor)
	}
	p.mu.Unlock()
	p.wakeup()
}

// TriggerAll makes every schedule due now. Used after mount state changes
// so readings do not wait a full period.
func (p *Poller) TriggerAll() {
	now := time.Now().UnixNano()
	p.mu.Lock()
	for _, it := range p.items {
		it.due = now
	}
	heap.Init(&p.h)
	p.mu.Unlock()
	p.wakeup()
}

// Len is the number of scheduled sensors.
func (p *Poller) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.items)
}

func (p *Poller) Run(ctx context.Context) {
	timer := time.NewTimer(time.Hour)
	defer timer.Stop()

	for {
		wait := p.nextWait()
		if wait < 0 {
			select {
			case <-ctx.Done():
				return
			case <-p.wake:
				continue
			}
		}
		if wait == 0 {
			p.fire()
			continue
		}

		timex.ResetTimer(timer, time.Duration(wait))
		select {
		case <-ctx.Done():
			return
		case <-p.wake:
		case <-timer.C:
		}
	}
}

func (p *Poller) fire() {
	var req PollReq
	fired := false

	p.mu.Lock()
	if top := p.h.top(); top != nil && top.due <= time.Now().UnixNano() {
		top.due = time.Now().Add(p.jittered(top.every, top.jitter)).UnixNano()
		heap.Fix(&p.h, top.index)
		req, fired = PollReq{Sensor: top.sensor, Every: top.every}, true
	}
	p.mu.Unlock()

	if fired {
		select {
		case p.out <- req:
		default:
		}
	}
}

func (p *Poller) nextWait() int64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	top := p.h.top()
	if top == nil {
		return -1
	}
	now := time.Now().UnixNano()
	if top.due <= now {
		return 0
	}
	return top.due - now
}

func (p *Poller) wakeup() {
	select {
	case p.wake <- struct{}{}:
	default:
	}
}

func (p *Poller) jittered(interval, jitter time.Duration) time.Duration {
	if jitter <= 0 {
		return interval
	}
	return interval + time.Duration(p.rand.Int63n(int64(jitter)+1))
}
