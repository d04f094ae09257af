package dummy_test

import (
	"errors"
	"testing"

	"github.com/det-lab/rocdaq/dummy"
	"github.com/det-lab/rocdaq/roc"
)

func newChannel(t *testing.T, buf []byte, size uint64) *dummy.Channel {
	t.Helper()
	c, err := dummy.New(roc.Parameters{DmaPageSize: 8192}, buf, size)
	if err != nil {
		t.Fatal(err)
	}
	return c
}

func TestNewRequiresBufferSize(t *testing.T) {
	if _, err := dummy.New(roc.Parameters{}, nil, 0); err == nil {
		t.Error("expected a configuration error for zero buffer size")
	}
}

func TestPushAdmission(t *testing.T) {
	const bufSize = 4 * dummy.SuperpageGranularity
	cases := []struct {
		name string
		sp   roc.Superpage
		ok   bool
	}{
		{"one granule", roc.Superpage{Size: dummy.SuperpageGranularity}, true},
		{"two granules offset", roc.Superpage{Offset: dummy.SuperpageGranularity, Size: 2 * dummy.SuperpageGranularity}, true},
		{"zero size", roc.Superpage{}, false},
		{"odd size", roc.Superpage{Size: dummy.SuperpageGranularity + 4}, false},
		{"past the end", roc.Superpage{Offset: 3 * dummy.SuperpageGranularity, Size: 2 * dummy.SuperpageGranularity}, false},
		{"misaligned offset", roc.Superpage{Offset: 2, Size: dummy.SuperpageGranularity}, false},
	}
	for _, tc := range cases {
		c := newChannel(t, nil, bufSize)
		err := c.PushSuperpage(tc.sp)
		if tc.ok && err != nil {
			t.Errorf("%s: unexpected error %v", tc.name, err)
		}
		if !tc.ok {
			var inv roc.InvalidSuperpageError
			if !errors.As(err, &inv) {
				t.Errorf("%s: expected InvalidSuperpageError, got %v", tc.name, err)
			}
		}
	}
}

func TestPushRejectsNonDividingPageSize(t *testing.T) {
	c, err := dummy.New(
		roc.Parameters{DmaPageSize: 2 * dummy.SuperpageGranularity},
		nil, 8*dummy.SuperpageGranularity)
	if err != nil {
		t.Fatal(err)
	}
	var inv roc.InvalidSuperpageError
	if err := c.PushSuperpage(roc.Superpage{Size: dummy.SuperpageGranularity}); !errors.As(err, &inv) {
		t.Errorf("superpage smaller than the page size: %v", err)
	}
	if err := c.PushSuperpage(roc.Superpage{Size: 2 * dummy.SuperpageGranularity}); err != nil {
		t.Errorf("page-size multiple rejected: %v", err)
	}
}

func TestTransferQueueCapacity(t *testing.T) {
	c := newChannel(t, nil, 64*dummy.SuperpageGranularity)
	sp := roc.Superpage{Size: dummy.SuperpageGranularity}
	for i := 0; i < dummy.TransferQueueCapacity; i++ {
		if got := c.TransferQueueAvailable(); got != dummy.TransferQueueCapacity-i {
			t.Fatalf("available %d before push %d", got, i)
		}
		if err := c.PushSuperpage(sp); err != nil {
			t.Fatal(err)
		}
	}
	err := c.PushSuperpage(sp)
	var full roc.QueueFullError
	if !errors.As(err, &full) || !roc.IsResourceExhausted(err) {
		t.Errorf("push into a full queue: %v", err)
	}
	if full.Capacity != dummy.TransferQueueCapacity {
		t.Errorf("reported capacity %d", full.Capacity)
	}
}

func TestAdvanceBoundedByReadyQueue(t *testing.T) {
	c := newChannel(t, nil, 64*dummy.SuperpageGranularity)
	if err := c.Advance(); !errors.Is(err, roc.ErrChannelStopped) {
		t.Fatalf("Advance before Start: %v", err)
	}
	if err := c.Start(); err != nil {
		t.Fatal(err)
	}

	// overfill the ready queue across several batches
	pushed := 0
	for round := 0; round < 3; round++ {
		for c.TransferQueueAvailable() > 0 && pushed < dummy.ReadyQueueCapacity+4 {
			if err := c.PushSuperpage(roc.Superpage{Size: dummy.SuperpageGranularity}); err != nil {
				t.Fatal(err)
			}
			pushed++
		}
		if err := c.Advance(); err != nil {
			t.Fatal(err)
		}
	}
	if got := c.ReadyQueueSize(); got != dummy.ReadyQueueCapacity {
		t.Fatalf("ready queue size %d, want the capacity %d", got, dummy.ReadyQueueCapacity)
	}

	// popping frees room for the stragglers
	if _, err := c.PopSuperpage(); err != nil {
		t.Fatal(err)
	}
	if err := c.Advance(); err != nil {
		t.Fatal(err)
	}
	if got := c.ReadyQueueSize(); got != dummy.ReadyQueueCapacity {
		t.Errorf("ready queue size %d after refill, want %d", got, dummy.ReadyQueueCapacity)
	}
}

func TestFillOrderAndCompletion(t *testing.T) {
	buf := make([]byte, 2*dummy.SuperpageGranularity)
	c := newChannel(t, buf, 0)
	c.Start()

	offsets := []uint64{dummy.SuperpageGranularity, 0}
	for _, off := range offsets {
		if err := c.PushSuperpage(roc.Superpage{Offset: off, Size: dummy.SuperpageGranularity}); err != nil {
			t.Fatal(err)
		}
	}
	if err := c.Advance(); err != nil {
		t.Fatal(err)
	}

	for _, want := range offsets {
		peek, err := c.GetSuperpage()
		if err != nil {
			t.Fatal(err)
		}
		sp, err := c.PopSuperpage()
		if err != nil {
			t.Fatal(err)
		}
		if sp.Offset != want || peek.Offset != want {
			t.Errorf("completion order: popped 0x%x, want 0x%x", sp.Offset, want)
		}
		if !sp.Ready || sp.Received != sp.Size {
			t.Errorf("superpage 0x%x not completed: %+v", want, sp)
		}
	}
	if _, err := c.PopSuperpage(); !roc.IsResourceExhausted(err) {
		t.Errorf("pop from empty ready queue: %v", err)
	}
}

func TestGeneratedPagesVerify(t *testing.T) {
	const pageSize = 8192
	buf := make([]byte, dummy.SuperpageGranularity)
	c := newChannel(t, buf, 0)
	c.Start()
	if err := c.PushSuperpage(roc.Superpage{Size: dummy.SuperpageGranularity}); err != nil {
		t.Fatal(err)
	}
	if err := c.Advance(); err != nil {
		t.Fatal(err)
	}
	for off := 0; off < len(buf); off += pageSize {
		if err := dummy.VerifyPage(buf[off : off+pageSize]); err != nil {
			t.Errorf("page at 0x%x: %v", off, err)
		}
	}

	// pages carry distinct counters, so no two are identical
	if string(buf[:8]) == string(buf[pageSize:pageSize+8]) {
		t.Error("consecutive pages start with the same counter")
	}
}

func TestVerifyPageDetectsCorruption(t *testing.T) {
	page := make([]byte, 1024)
	dummy.GeneratePage(page, 7)
	if err := dummy.VerifyPage(page); err != nil {
		t.Fatalf("fresh page fails verification: %v", err)
	}
	page[100] ^= 0x01
	if err := dummy.VerifyPage(page); err == nil {
		t.Error("corrupted page passed verification")
	}
}

func TestIdentity(t *testing.T) {
	c := newChannel(t, nil, dummy.SuperpageGranularity)
	if c.CardType() != roc.Dummy {
		t.Errorf("card type %v", c.CardType())
	}
	serial, err := c.Serial()
	if err != nil || serial != dummy.SerialNumber {
		t.Errorf("serial %d err %v", serial, err)
	}
	fw, err := c.FirmwareInfo()
	if err != nil || fw == "" {
		t.Errorf("firmware %q err %v", fw, err)
	}
	temp := c.Temperature()
	if temp < 37 || temp > 43 {
		t.Errorf("temperature %v out of the synthetic range", temp)
	}
	if err := c.ResetChannel(roc.ResetInternal); err != nil {
		t.Errorf("reset: %v", err)
	}
	if err := c.Close(); err != nil {
		t.Errorf("close: %v", err)
	}
}
