package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"sync/atomic"
	"time"

	"github.com/go-chi/chi"
	"github.com/sirupsen/logrus"
	"github.com/theckman/yacspin"
	"golang.org/x/time/rate"

	"github.com/det-lab/rocdaq/bar"
	"github.com/det-lab/rocdaq/crorc"
	"github.com/det-lab/rocdaq/cru"
	"github.com/det-lab/rocdaq/dmabuf"
	"github.com/det-lab/rocdaq/dummy"
	"github.com/det-lab/rocdaq/roc"
)

// Config holds the initialization parameters for a bench run.  It is
// populated from rocbench.yml.
type Config struct {
	// Card is the card family: dummy, crorc, or cru
	Card string `yaml:"Card" koanf:"Card"`

	// PciAddress is the card position on the bus, "bb:ss.f"
	PciAddress string `yaml:"PciAddress" koanf:"PciAddress"`

	// Bar is the register resource file of the card
	Bar string `yaml:"Bar" koanf:"Bar"`

	// Channel number on the card
	Channel int `yaml:"Channel" koanf:"Channel"`

	// BufferPath is the DMA buffer backing file (hardware cards)
	BufferPath string `yaml:"BufferPath" koanf:"BufferPath"`

	// BufferMiB is the DMA buffer size
	BufferMiB int `yaml:"BufferMiB" koanf:"BufferMiB"`

	// BusAddress of the DMA buffer
	BusAddress uint64 `yaml:"BusAddress" koanf:"BusAddress"`

	// FifoBusAddress of the ready FIFO region
	FifoBusAddress uint64 `yaml:"FifoBusAddress" koanf:"FifoBusAddress"`

	// SuperpageKiB is the superpage size
	SuperpageKiB int `yaml:"SuperpageKiB" koanf:"SuperpageKiB"`

	// PageKiB is the DMA page size
	PageKiB int `yaml:"PageKiB" koanf:"PageKiB"`

	// Superpages to capture; 0 runs until interrupted
	Superpages int `yaml:"Superpages" koanf:"Superpages"`

	// Generator enables the on-card data generator
	Generator bool `yaml:"Generator" koanf:"Generator"`

	// Pattern for the generator
	Pattern string `yaml:"Pattern" koanf:"Pattern"`

	// InitialValue is the first data word of each generated event
	InitialValue uint32 `yaml:"InitialValue" koanf:"InitialValue"`

	// InitialWord is the event word index the pattern starts at
	InitialWord uint32 `yaml:"InitialWord" koanf:"InitialWord"`

	// Verify page checksums (dummy card only)
	Verify bool `yaml:"Verify" koanf:"Verify"`

	// TickHz paces the engine loop
	TickHz int `yaml:"TickHz" koanf:"TickHz"`

	// StatusAddr serves live counters over HTTP when nonempty
	StatusAddr string `yaml:"StatusAddr" koanf:"StatusAddr"`

	// LogLevel is debug, info, or warn
	LogLevel string `yaml:"LogLevel" koanf:"LogLevel"`
}

// stats are the live counters of a run, shared with the status endpoint.
type stats struct {
	Superpages uint64
	Bytes      uint64
	start      time.Time
}

func (s *stats) snapshot() map[string]interface{} {
	elapsed := time.Since(s.start).Seconds()
	b := atomic.LoadUint64(&s.Bytes)
	return map[string]interface{}{
		"superpages": atomic.LoadUint64(&s.Superpages),
		"bytes":      b,
		"seconds":    elapsed,
		"MiBps":      float64(b) / (1 << 20) / elapsed,
	}
}

func parseAddress(s string) (roc.PciAddress, error) {
	var a roc.PciAddress
	if s == "" {
		return a, nil
	}
	_, err := fmt.Sscanf(s, "%02x:%02x.%x", &a.Bus, &a.Slot, &a.Function)
	return a, err
}

func parsePattern(s string) roc.GeneratorPattern {
	switch strings.ToLower(s) {
	case "alternating":
		return roc.PatternAlternating
	case "flying0":
		return roc.PatternFlying0
	case "flying1":
		return roc.PatternFlying1
	case "random":
		return roc.PatternRandom
	default:
		return roc.PatternIncremental
	}
}

func parseLevel(s string) logrus.Level {
	switch strings.ToLower(s) {
	case "debug":
		return logrus.DebugLevel
	case "warn":
		return logrus.WarnLevel
	default:
		return logrus.InfoLevel
	}
}

// buildChannel constructs the channel described by the config.  The byte
// slice is the user-space view of the buffer (nil when not accessible),
// for payload verification.
func buildChannel(c Config, logger *logrus.Logger) (roc.DmaChannel, []byte, error) {
	params := roc.Parameters{
		Channel:               c.Channel,
		DmaPageSize:           uint64(c.PageKiB) * 1024,
		GeneratorEnabled:      c.Generator,
		GeneratorPattern:      parsePattern(c.Pattern),
		GeneratorInitialValue: c.InitialValue,
		GeneratorInitialWord:  c.InitialWord,
		Loopback:              roc.LoopbackInternal,
		FifoBusAddress:        c.FifoBusAddress,
		Log:                   logger,
	}
	size := uint64(c.BufferMiB) << 20

	switch strings.ToLower(c.Card) {
	case "dummy", "":
		buf := make([]byte, size)
		ch, err := dummy.New(params, buf, 0)
		return ch, buf, err
	case "crorc", "cru":
		addr, err := parseAddress(c.PciAddress)
		if err != nil {
			return nil, nil, fmt.Errorf("bad PciAddress %q: %w", c.PciAddress, err)
		}
		window, err := bar.Open(c.Bar)
		if err != nil {
			return nil, nil, err
		}
		buffer, err := dmabuf.Map(c.BufferPath, size, c.BusAddress)
		if err != nil {
			return nil, nil, err
		}
		if strings.ToLower(c.Card) == "crorc" {
			ch, err := crorc.New(addr, params, window, buffer)
			return ch, buffer.Bytes(), err
		}
		ch, err := cru.New(addr, params, window, buffer)
		return ch, buffer.Bytes(), err
	}
	return nil, nil, fmt.Errorf("unknown card type %q", c.Card)
}

func serveStatus(addr string, s *stats) {
	r := chi.NewRouter()
	r.Get("/status", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(s.snapshot())
	})
	go http.ListenAndServe(addr, r)
}

func run() {
	c := Config{}
	if err := k.Unmarshal("", &c); err != nil {
		log.Fatal(err)
	}
	logger := logrus.New()
	logger.SetLevel(parseLevel(c.LogLevel))

	ch, buf, err := buildChannel(c, logger)
	if err != nil {
		logger.Fatal(err)
	}
	defer ch.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	st := &stats{start: time.Now()}
	if c.StatusAddr != "" {
		serveStatus(c.StatusAddr, st)
	}

	spinner, serr := yacspin.New(yacspin.Config{
		Frequency:     100 * time.Millisecond,
		CharSet:       yacspin.CharSets[59],
		Suffix:        " acquiring",
		StopCharacter: "✓",
		StopColors:    []string{"fgGreen"},
	})
	if serr != nil {
		spinner = nil // no terminal; counters still go to the status endpoint
	} else {
		spinner.Start()
		defer spinner.Stop()
	}

	if err := ch.Start(); err != nil {
		logger.Fatal(err)
	}

	var (
		spSize  = uint64(c.SuperpageKiB) * 1024
		bufSize = uint64(c.BufferMiB) << 20
		slots   = int(bufSize / spSize)
		pushed  int
		popped  int
		limiter = rate.NewLimiter(rate.Limit(c.TickHz), 1)
	)
	if slots == 0 {
		logger.Fatalf("buffer of %d MiB cannot hold one %d KiB superpage", c.BufferMiB, c.SuperpageKiB)
	}

	for ctx.Err() == nil && (c.Superpages == 0 || popped < c.Superpages) {
		if err := limiter.Wait(ctx); err != nil {
			break
		}

		// keep the transfer queue fed, reusing buffer slots round-robin;
		// never exceed the slot count or unread data would be overwritten
		for ch.TransferQueueAvailable() > 0 && pushed-popped < slots &&
			(c.Superpages == 0 || pushed < c.Superpages) {
			sp := roc.Superpage{Offset: uint64(pushed%slots) * spSize, Size: spSize}
			if err := ch.PushSuperpage(sp); err != nil {
				logger.Fatal(err)
			}
			pushed++
		}

		if err := ch.Advance(); err != nil {
			logger.Fatal(err)
		}

		for {
			sp, err := ch.PopSuperpage()
			if err != nil {
				break // ready queue drained
			}
			popped++
			atomic.AddUint64(&st.Superpages, 1)
			atomic.AddUint64(&st.Bytes, sp.Size)
			if c.Verify && buf != nil && ch.CardType() == roc.Dummy {
				if err := verifySuperpage(buf, sp, uint64(c.PageKiB)*1024); err != nil {
					logger.Fatal(err)
				}
			}
			if spinner != nil {
				snap := st.snapshot()
				spinner.Message(fmt.Sprintf("%d superpages, %.1f MiB/s", popped, snap["MiBps"]))
			}
		}
	}

	if err := ch.Stop(); err != nil {
		logger.Error(err)
	}

	elapsed := time.Since(st.start).Seconds()
	bytes := atomic.LoadUint64(&st.Bytes)
	fmt.Printf("captured %d superpages (%.1f MiB) in %.2f s: %.1f MiB/s\n",
		popped, float64(bytes)/(1<<20), elapsed, float64(bytes)/(1<<20)/elapsed)
}

func verifySuperpage(buf []byte, sp roc.Superpage, pageSize uint64) error {
	for off := sp.Offset; off < sp.Offset+sp.Size; off += pageSize {
		if err := dummy.VerifyPage(buf[off : off+pageSize]); err != nil {
			return fmt.Errorf("superpage at 0x%x: %w", sp.Offset, err)
		}
	}
	return nil
}

// sanity runs a short scripted cycle on the dummy card and checks FIFO
// order and page checksums.  A clean deployment prints PASS.
func sanity() {
	logger := logrus.New()
	logger.SetLevel(logrus.WarnLevel)

	const (
		spSize = 64 * 1024
		count  = 4
	)
	buf := make([]byte, count*spSize)
	ch, err := dummy.New(roc.Parameters{Log: logger}, buf, 0)
	if err != nil {
		log.Fatal(err)
	}
	if err := ch.Start(); err != nil {
		log.Fatal(err)
	}
	for i := 0; i < count; i++ {
		if err := ch.PushSuperpage(roc.Superpage{Offset: uint64(i * spSize), Size: spSize}); err != nil {
			log.Fatal(err)
		}
	}
	if err := ch.Advance(); err != nil {
		log.Fatal(err)
	}
	for i := 0; i < count; i++ {
		sp, err := ch.PopSuperpage()
		if err != nil {
			log.Fatal(err)
		}
		if sp.Offset != uint64(i*spSize) {
			log.Fatalf("superpage order violated: got offset 0x%x, want 0x%x", sp.Offset, i*spSize)
		}
		if err := verifySuperpage(buf, sp, roc.DefaultDmaPageSize); err != nil {
			log.Fatal(err)
		}
	}
	fmt.Println("PASS")
}
