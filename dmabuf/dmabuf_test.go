package dmabuf_test

import (
	"errors"
	"path/filepath"
	"testing"

	"github.com/det-lab/rocdaq/dmabuf"
	"github.com/det-lab/rocdaq/roc"
)

func TestMapRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "buf")
	b, err := dmabuf.Map(path, 64*1024, 0xC000_0000)
	if err != nil {
		t.Fatal(err)
	}
	defer b.Close()

	if b.Size() != 64*1024 {
		t.Errorf("size %d", b.Size())
	}
	mem := b.Bytes()
	mem[0] = 0xAA
	mem[len(mem)-1] = 0x55
	view, err := b.At(0, 16)
	if err != nil {
		t.Fatal(err)
	}
	if view[0] != 0xAA {
		t.Error("At view does not alias the mapping")
	}

	bus, err := b.BusAddress(0x1000)
	if err != nil {
		t.Fatal(err)
	}
	if bus != 0xC000_1000 {
		t.Errorf("bus address 0x%x", bus)
	}

	if err := b.Close(); err != nil {
		t.Fatal(err)
	}
	// close again is safe
	if err := b.Close(); err != nil {
		t.Errorf("second close: %v", err)
	}
}

func TestFromBytes(t *testing.T) {
	mem := make([]byte, 8192)
	b := dmabuf.FromBytes(mem, 0x1000)

	if got := len(b.Segments()); got != 1 {
		t.Fatalf("%d segments", got)
	}
	bus, err := b.BusAddress(100)
	if err != nil || bus != 0x1000+100 {
		t.Errorf("bus address 0x%x err %v", bus, err)
	}

	view, err := b.At(4096, 4096)
	if err != nil {
		t.Fatal(err)
	}
	view[0] = 0x42
	if mem[4096] != 0x42 {
		t.Error("At view does not alias the slice")
	}
}

func TestRangeChecks(t *testing.T) {
	b := dmabuf.FromBytes(make([]byte, 4096), 0)

	var cfg roc.ConfigurationError
	if _, err := b.At(4000, 200); !errors.As(err, &cfg) {
		t.Errorf("out-of-range At: %v", err)
	}
	if _, err := b.BusAddress(4096); !errors.As(err, &cfg) {
		t.Errorf("out-of-range BusAddress: %v", err)
	}
}

func TestCheckFirstSegment(t *testing.T) {
	b := dmabuf.FromBytes(make([]byte, 1024), 0)
	if err := b.CheckFirstSegment(1024); err != nil {
		t.Errorf("segment exactly fits: %v", err)
	}
	var cfg roc.ConfigurationError
	if err := b.CheckFirstSegment(2048); !errors.As(err, &cfg) {
		t.Errorf("undersized segment: %v", err)
	}
}
