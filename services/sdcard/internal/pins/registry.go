package pins

import (
	"sort"
	"strconv"
	"sync"

	"sdcard-go/errcode"
	"sdcard-go/types"
)

// Func records what a claimed pin is used for.
type Func uint8

const (
	FuncBus     Func = iota // SPI/SDMMC signal
	FuncGPIOOut             // power control
	FuncGPIOIn              // card detect
)

func (f Func) String() string {
	switch f {
	case FuncBus:
		return "bus"
	case FuncGPIOOut:
		return "output"
	case FuncGPIOIn:
		return "input"
	}
	return "unknown"
}

type owner struct {
	devID string
	fn    Func
}

// Registry tracks pin ownership for one board. Claims are all-or-nothing.
type Registry struct {
	mu     sync.Mutex
	board  types.Board
	owners map[int]owner
}

func New(b types.Board) *Registry {
	return &Registry{board: b, owners: make(map[int]owner)}
}

func (r *Registry) Board() types.Board { return r.board }

// Claim takes every pin in ns for devID or none of them. A pin already held
// by anyone (including devID) is a conflict.
func (r *Registry) Claim(devID string, ns []int, fn Func) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	seen := make(map[int]bool, len(ns))
	for _, n := range ns {
		if !r.board.ValidGPIO(n) {
			return &errcode.E{C: errcode.UnknownPin, Op: "claim", Msg: "gpio " + strconv.Itoa(n)}
		}
		if o, inUse := r.owners[n]; inUse || seen[n] {
			holder := owner{devID: devID, fn: fn}
			if inUse {
				holder = o
			}
			return &errcode.E{C: errcode.PinConflict, Op: "claim",
				Msg: "gpio " + strconv.Itoa(n) + " held by " + holder.devID + " (" + holder.fn.String() + ")"}
		}
		seen[n] = true
	}
	for _, n := range ns {
		r.owners[n] = owner{devID: devID, fn: fn}
	}
	return nil
}

// Release frees the pins in ns that devID holds.
func (r *Registry) Release(devID string, ns []int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, n := range ns {
		if o, ok := r.owners[n]; ok && o.devID == devID {
			delete(r.owners, n)
		}
	}
}

// Held lists the pins devID holds, sorted.
func (r *Registry) Held(devID string) []int {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []int
	for n, o := range r.owners {
		if o.devID == devID {
			out = append(out, n)
		}
	}
	sort.Ints(out)
	return out
}
