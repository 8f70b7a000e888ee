//go:build rp2040 || rp2350

package main

import (
	"context"
	"runtime"
	"time"

	"sdcard-go/bus"
	"sdcard-go/services/sdcard"
	"sdcard-go/services/sdcard/config"
	"sdcard-go/types"
	"sdcard-go/x/conv"
)

func printTopic(prefix string, t bus.Topic) {
	print(prefix, " ")
	for i := 0; i < t.Len(); i++ {
		if i > 0 {
			print("/")
		}
		if s, ok := t.At(i).(string); ok {
			print(s)
		} else {
			print("?")
		}
	}
	println()
}

func main() {
	time.Sleep(3 * time.Second)
	ctx := context.Background()

	println("[main] bootstrapping bus …")
	b := bus.NewBus(8)
	sdConn := b.NewConnection("sdcard")
	uiConn := b.NewConnection("ui")

	mon := uiConn.Subscribe(bus.T("sdcard", bus.MultiLevel))
	go func() {
		for m := range mon.Channel() {
			printTopic("[monitor] <-", m.Topic)
		}
	}()

	// SPI0 on the Pico's usual microSD breakout wiring.
	cfg := config.Default()
	cfg.Bus = config.BusSPI
	cfg.ClkPin, cfg.MOSIPin, cfg.MISOPin, cfg.CSPin = 18, 19, 16, 17
	cfg.MaxFreqKHz = 12000

	plat, err := sdcard.DefaultPlatform()
	if err != nil {
		println("[main] platform:", err.Error())
		return
	}
	c, err := sdcard.New(cfg, plat, sdcard.Options{})
	if err != nil {
		println("[main] config:", err.Error())
		return
	}
	println("[main] setting up card …")
	if err := c.Setup(ctx); err != nil {
		println("[main] setup:", err.Error())
	}
	go c.Run(ctx, sdConn)

	usage := sdcard.ControlTopic(cfg.ID, "usage")
	appendLog := sdcard.ControlTopic(cfg.ID, "append")
	checksum := sdcard.ControlTopic(cfg.ID, "checksum")
	var num [21]byte
	var hex [16]byte
	for n := int64(0); ; n++ {
		line := []byte("boot tick " + string(conv.Itoa(num[:], n)) + "\n")
		msg := uiConn.NewMessage(appendLog, map[string]any{"path": "/boot.log", "data": line}, false)
		if rep, err := uiConn.RequestWait(ctx, msg); err != nil {
			println("[main] append error:", err.Error())
		} else if r := rep.Payload.(types.Reply); !r.OK {
			println("[main] append failed:", r.Error)
		}

		if rep, err := uiConn.RequestWait(ctx, uiConn.NewMessage(usage, nil, false)); err == nil {
			if r := rep.Payload.(types.Reply); r.OK {
				u := r.Result.(types.SpaceUsage)
				println("[sd] used", u.UsedBytes, "free", u.FreeBytes)
			}
		}
		req := uiConn.NewMessage(checksum, types.PathRequest{Path: "/boot.log"}, false)
		if rep, err := uiConn.RequestWait(ctx, req); err == nil {
			if r := rep.Payload.(types.Reply); r.OK {
				println("[sd] boot.log xxh64", string(conv.U64Hex(hex[:], r.Result.(uint64))))
			}
		}
		printMem()
		time.Sleep(5 * time.Second)
	}
}

func printMem() {
	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)
	println("[mem]", "alloc:", uint32(ms.Alloc), "heapInuse:", uint32(ms.HeapInuse), "mallocs:", uint32(ms.Mallocs), "frees:", uint32(ms.Frees))
}
