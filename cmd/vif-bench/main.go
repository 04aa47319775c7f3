// SPDX-License-Identifier: MPL-2.0
/*
 * Copyright (C) 2024 The Noisy Sockets Authors.
 *
 * This Source Code Form is subject to the terms of the Mozilla Public
 * License, v. 2.0. If a copy of the MPL was not distributed with this
 * file, You can obtain one at http://mozilla.org/MPL/2.0/.
 */

// vif-bench drives a device against an in-process echo backend and reports
// throughput. Every transmitted frame crosses both rings: out through the
// transmit path, back in through the receive path.
package main

import (
	"context"
	"encoding/binary"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/dustin/go-humanize"
	"golang.org/x/sync/errgroup"
	"golang.org/x/text/language"
	"golang.org/x/text/message"
	"gopkg.in/yaml.v3"

	"github.com/noisysockets/vif"
	"github.com/noisysockets/vif/internal/simback"
	"github.com/noisysockets/vif/internal/util"
)

type Config struct {
	Interface struct {
		Name        string `yaml:"name"`
		PollBudget  int    `yaml:"poll-budget"`
		RxMinTarget int    `yaml:"rx-min-target"`
		RxMaxTarget int    `yaml:"rx-max-target"`
	} `yaml:"interface"`

	Transport struct {
		RingPages    int  `yaml:"ring-pages"`
		ArenaPages   int  `yaml:"arena-pages"`
		SharedMemory bool `yaml:"shared-memory"`
	} `yaml:"transport"`

	FrameSize       int    `yaml:"frame-size"`
	Count           uint64 `yaml:"count"`
	ChecksumOffload bool   `yaml:"checksum-offload"`
	Verbose         bool   `yaml:"verbose"`
}

func loadConfig() (*Config, error) {
	fConfig := flag.String("config", "", "path to config YAML file")
	fCount := flag.Uint64("n", 0, "frame count")
	fFrameSize := flag.Int("l", 0, "frame size")
	fRingPages := flag.Int("r", 0, "ring pages")
	fArenaPages := flag.Int("a", 0, "arena pages")
	fShared := flag.Bool("shm", false, "use OS shared memory regions")
	fCsum := flag.Bool("csum", false, "checksum offload")
	fVerbose := flag.Bool("v", false, "verbose logging")

	flag.Parse()

	conf := Config{
		FrameSize: 1500,
		Count:     1_000_000,
	}
	conf.Interface.Name = "bench0"
	conf.Transport.RingPages = 1
	conf.Transport.ArenaPages = 2048

	if *fConfig != "" {
		b, err := os.ReadFile(*fConfig)
		if err != nil {
			return nil, fmt.Errorf("reading config file: %w", err)
		}
		if err := yaml.Unmarshal(b, &conf); err != nil {
			return nil, fmt.Errorf("parsing YAML: %w", err)
		}
	}

	// Apply CLI overrides if necessary.
	if *fCount != 0 {
		conf.Count = *fCount
	}
	if *fFrameSize != 0 {
		conf.FrameSize = *fFrameSize
	}
	if *fRingPages != 0 {
		conf.Transport.RingPages = *fRingPages
	}
	if *fArenaPages != 0 {
		conf.Transport.ArenaPages = *fArenaPages
	}
	if *fShared {
		conf.Transport.SharedMemory = true
	}
	if *fCsum {
		conf.ChecksumOffload = true
	}
	if *fVerbose {
		conf.Verbose = true
	}

	// Validate

	if conf.Count == 0 {
		return nil, errors.New("count must be > 0")
	}
	if conf.FrameSize < 60 || conf.FrameSize > vif.MaxPacketSize {
		return nil, fmt.Errorf("frame-size must be between 60-%d", vif.MaxPacketSize)
	}
	if p := conf.Transport.RingPages; p <= 0 || p&(p-1) != 0 || p > vif.MaxRingPages {
		return nil, fmt.Errorf("ring-pages must be a power of two, at most %d", vif.MaxRingPages)
	}
	if conf.Transport.ArenaPages < 64 {
		return nil, errors.New("arena-pages must be >= 64")
	}

	return &conf, nil
}

func fatalIf(err error, msgf string, a ...any) {
	if err != nil {
		fmt.Fprintf(os.Stderr, msgf+": %v\n", append(a, err)...)
		os.Exit(1)
	}
}

func ipChecksum(buf []byte) uint16 {
	var sum uint32
	for len(buf) > 1 {
		sum += uint32(binary.BigEndian.Uint16(buf))
		buf = buf[2:]
	}
	if len(buf) > 0 {
		sum += uint32(buf[0]) << 8
	}
	for sum>>16 != 0 {
		sum = (sum & 0xffff) + (sum >> 16)
	}
	return ^uint16(sum)
}

// buildUDPFrame writes an Ethernet/IPv4/UDP frame of exactly len(buf) bytes
// with the sequence number at the start of the payload. The headers must
// parse, or the checksum offload path would reject the echoed frame.
func buildUDPFrame(buf []byte, srcMAC net.HardwareAddr, seq uint64) {
	const ethLen = 14
	const ipLen = 20
	const udpLen = 8

	payloadLen := len(buf) - ethLen - ipLen - udpLen

	copy(buf[0:6], net.HardwareAddr{0x02, 0x00, 0x5e, 0x00, 0x53, 0x02})
	copy(buf[6:12], srcMAC)
	buf[12], buf[13] = 0x08, 0x00

	ip := buf[ethLen:]
	ip[0] = 0x45
	ip[1] = 0
	binary.BigEndian.PutUint16(ip[2:], uint16(ipLen+udpLen+payloadLen))
	ip[8], ip[9] = 64, 17
	copy(ip[12:16], []byte{192, 0, 2, 1})
	copy(ip[16:20], []byte{192, 0, 2, 2})
	binary.BigEndian.PutUint16(ip[10:], 0)
	binary.BigEndian.PutUint16(ip[10:], ipChecksum(ip[:ipLen]))

	udp := ip[ipLen:]
	binary.BigEndian.PutUint16(udp[0:], 9000)
	binary.BigEndian.PutUint16(udp[2:], 9001)
	binary.BigEndian.PutUint16(udp[4:], uint16(udpLen+payloadLen))
	binary.BigEndian.PutUint16(udp[6:], 0)

	binary.BigEndian.PutUint64(udp[udpLen:], seq)
}

type benchStats struct {
	txFrames atomic.Uint64
	txBytes  atomic.Uint64
	rxFrames atomic.Uint64
	rxBytes  atomic.Uint64
	txBusy   atomic.Uint64
	txDrops  atomic.Uint64
}

func main() {
	conf, err := loadConfig()
	fatalIf(err, "reading config")

	fmt.Fprintf(os.Stderr, "FINAL CONFIG:\n")
	b, err := yaml.Marshal(conf)
	fatalIf(err, "encoding final YAML config")
	_, _ = os.Stderr.Write(b)
	fmt.Fprintln(os.Stderr)

	logLevel := slog.LevelInfo
	if conf.Verbose {
		logLevel = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: logLevel}))

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	harness, err := simback.NewHarness(logger, &simback.Config{
		RingPages:    util.PointerTo(conf.Transport.RingPages),
		ArenaPages:   util.PointerTo(conf.Transport.ArenaPages),
		SharedMemory: util.PointerTo(conf.Transport.SharedMemory),
		Echo:         util.PointerTo(true),
	})
	fatalIf(err, "building transport")
	defer func() {
		_ = harness.Close()
	}()

	dev, err := vif.New(logger, &vif.Config{
		Name:        util.PointerTo(conf.Interface.Name),
		PollBudget:  intPtrOrNil(conf.Interface.PollBudget),
		RxMinTarget: intPtrOrNil(conf.Interface.RxMinTarget),
		RxMaxTarget: intPtrOrNil(conf.Interface.RxMaxTarget),
	})
	fatalIf(err, "creating device")
	defer func() {
		_ = dev.Close()
	}()

	fatalIf(dev.Connect(ctx, harness.Transport), "connecting device")

	if conf.FrameSize > dev.MTU()+14 {
		fatalIf(fmt.Errorf("mtu is %d", dev.MTU()), "frame-size too large for negotiated features")
	}

	var stats benchStats
	runCtx, stop := context.WithCancel(ctx)
	defer stop()

	g, gctx := errgroup.WithContext(runCtx)

	g.Go(func() error {
		return harness.Backend.Serve(gctx)
	})

	// Receiver: drain echoed frames until the run is cancelled.
	g.Go(func() error {
		batch := make([]*vif.Packet, 0, dev.BatchSize())
		for {
			var err error
			batch, err = dev.Read(gctx, batch[:0])
			if err != nil {
				if errors.Is(err, context.Canceled) || errors.Is(err, net.ErrClosed) {
					return nil
				}
				return err
			}
			for _, pkt := range batch {
				stats.rxFrames.Add(1)
				stats.rxBytes.Add(uint64(pkt.Length()))
				pkt.Release()
			}
		}
	})

	// Progress line, once a second.
	g.Go(func() error {
		t := time.NewTicker(time.Second)
		defer t.Stop()

		var lastTx, lastRx, lastTxBytes, lastRxBytes uint64
		lastTime := time.Now()

		for {
			select {
			case <-gctx.Done():
				return nil
			case now := <-t.C:
				dt := now.Sub(lastTime).Seconds()
				lastTime = now

				tx, rx := stats.txFrames.Load(), stats.rxFrames.Load()
				txB, rxB := stats.txBytes.Load(), stats.rxBytes.Load()

				fmt.Printf("TX=%d RX=%d TX-PPS=%d RX-PPS=%d TX-Mbps=%.1f RX-Mbps=%.1f\n",
					tx, rx,
					uint64(float64(tx-lastTx)/dt), uint64(float64(rx-lastRx)/dt),
					float64(txB-lastTxBytes)*8/1e6/dt, float64(rxB-lastRxBytes)*8/1e6/dt)

				lastTx, lastRx, lastTxBytes, lastRxBytes = tx, rx, txB, rxB
			}
		}
	})

	pool := dev.PacketPool()
	srcMAC := dev.HardwareAddr()

	start := time.Now()

	// Sender, inline.
	for stats.txFrames.Load() < conf.Count && gctx.Err() == nil {
		pkt, err := pool.Allocate(conf.FrameSize)
		if err != nil {
			// Every page is in flight; let completions catch up.
			time.Sleep(50 * time.Microsecond)
			continue
		}

		buildUDPFrame(pkt.Head, srcMAC, stats.txFrames.Load())
		if conf.ChecksumOffload {
			pkt.Checksum = vif.ChecksumPartial
		}

		for {
			err = dev.Send(pkt)
			if !errors.Is(err, vif.ErrTxBusy) {
				break
			}
			stats.txBusy.Add(1)
			select {
			case <-dev.Sendable():
			case <-gctx.Done():
				pkt.Release()
				err = gctx.Err()
			}
			if err != nil {
				break
			}
		}
		switch {
		case err == nil:
			stats.txFrames.Add(1)
			stats.txBytes.Add(uint64(conf.FrameSize))
		case errors.Is(err, vif.ErrDropped):
			stats.txDrops.Add(1)
		case errors.Is(err, context.Canceled):
		default:
			fatalIf(err, "sending frame")
		}
	}

	elapsed := time.Since(start)

	// Let the last echoes arrive before tearing the run down.
	time.Sleep(300 * time.Millisecond)
	stop()
	fatalIf(filterCancel(g.Wait()), "running benchmark")

	devStats := dev.Stats()

	tx, rx := stats.txFrames.Load(), stats.rxFrames.Load()
	txBytes, rxBytes := stats.txBytes.Load(), stats.rxBytes.Load()
	seconds := elapsed.Seconds()

	p := message.NewPrinter(language.English)

	p.Print("\nFINAL REPORT\n")
	p.Printf(" Elapsed:        %.3f s\n", seconds)
	p.Printf(" TX:             %d frames (%s)\n", tx, humanize.Bytes(txBytes))
	p.Printf(" RX:             %d frames (%s)\n", rx, humanize.Bytes(rxBytes))
	p.Printf(" TX Avg PPS:     %d\n", uint64(float64(tx)/seconds))
	p.Printf(" RX Avg PPS:     %d\n", uint64(float64(rx)/seconds))
	p.Printf(" TX Avg rate:    %.1f Mbps\n", float64(txBytes)*8/1e6/seconds)
	p.Printf(" RX Avg rate:    %.1f Mbps\n", float64(rxBytes)*8/1e6/seconds)
	p.Printf(" Backpressure:   %d busy waits\n", stats.txBusy.Load())
	p.Printf(" Lost:           %d frames\n", tx-rx)
	p.Printf(" Device:         dropped tx=%d rx=%d, rx errors=%d, gso fixups=%d, leaked grants=%d\n",
		devStats.TxDropped, devStats.RxDropped, devStats.RxErrors,
		devStats.RxGSOFixups, devStats.GrantsLeaked)
}

func intPtrOrNil(v int) *int {
	if v == 0 {
		return nil
	}
	return util.PointerTo(v)
}

func filterCancel(err error) error {
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}
