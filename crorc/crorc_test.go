package crorc

import (
	"errors"
	"testing"
	"time"

	"github.com/det-lab/rocdaq/bar"
	"github.com/det-lab/rocdaq/dmabuf"
	"github.com/det-lab/rocdaq/roc"
	"github.com/det-lab/rocdaq/spqueue"
)

// newFakeDevice returns a Device over a Fake window whose status register
// reports every wait condition already satisfied, so command sequences run
// without polling delays.
func newFakeDevice(mutate func(*roc.Parameters)) (*Device, *bar.Fake) {
	params := roc.Parameters{
		DmaPageSize:     8192,
		Loopback:        roc.LoopbackInternal,
		BringupDeadline: 5 * time.Millisecond,
	}
	if mutate != nil {
		mutate(&params)
	}
	w := bar.NewFake()
	w.Regs[regStatus] = staResetDone | staLinkUp | staFreeFifoEmpty
	return NewDevice(w, params.Normalize(), 0xdead0000), w
}

func writesTo(w *bar.Fake, offset int64) []uint32 {
	var out []uint32
	for _, op := range w.Writes {
		if op.Offset == offset {
			out = append(out, op.Value)
		}
	}
	return out
}

func TestPushPageDescriptor(t *testing.T) {
	d, w := newFakeDevice(nil)
	if err := d.PushPageDescriptor(0x1_2345_6000, 5); err != nil {
		t.Fatal(err)
	}
	want := []bar.WriteOp{
		{Offset: regFreeFifoLo, Value: 0x2345_6000},
		{Offset: regFreeFifoHi, Value: 0x1},
		{Offset: regFreeFifoCtl, Value: (8192/4)<<8 | 5},
	}
	if len(w.Writes) != len(want) {
		t.Fatalf("writes %v, want %v", w.Writes, want)
	}
	for i := range want {
		if w.Writes[i] != want[i] {
			t.Errorf("write %d: %+v, want %+v", i, w.Writes[i], want[i])
		}
	}
}

func TestResetSequenceNothing(t *testing.T) {
	d, w := newFakeDevice(nil)
	if err := d.ResetSequence(roc.ResetNothing); err != nil {
		t.Fatal(err)
	}
	if len(w.Writes) != 0 {
		t.Errorf("ResetNothing touched registers: %v", w.Writes)
	}
}

func TestResetSequenceInternal(t *testing.T) {
	d, w := newFakeDevice(nil)
	if err := d.ResetSequence(roc.ResetInternal); err != nil {
		t.Fatal(err)
	}
	got := writesTo(w, regReset)
	want := []uint32{rstFreeFifo, rstRorc}
	if len(got) != len(want) || got[0] != want[0] || got[1] != want[1] {
		t.Errorf("reset codes %#v, want %#v", got, want)
	}
}

func TestResetSequenceExternalRearmsDdl(t *testing.T) {
	d, w := newFakeDevice(func(p *roc.Parameters) {
		p.Loopback = roc.LoopbackSiu
	})
	if err := d.ResetSequence(roc.ResetInternalDiuSiu); err != nil {
		t.Fatal(err)
	}
	got := writesTo(w, regReset)
	want := []uint32{rstFreeFifo, rstRorc, rstDiu, rstSiu, rstDiu, rstRorc}
	if len(got) != len(want) {
		t.Fatalf("reset codes %#v, want %#v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("reset codes %#v, want %#v", got, want)
		}
	}
}

func TestArmReadout(t *testing.T) {
	d, w := newFakeDevice(nil)
	if err := d.ArmReadout(roc.ReadoutTriggered); err != nil {
		t.Fatal(err)
	}
	if got := w.Regs[regReadyFifoLo]; got != 0xdead0000 {
		t.Errorf("ready FIFO low word 0x%x", got)
	}
	if got := w.Regs[regReadyFifoHi]; got != 0 {
		t.Errorf("ready FIFO high word 0x%x", got)
	}
	ctl := w.Regs[regControl]
	if ctl&ctlReceiverOn == 0 {
		t.Error("receiver not enabled")
	}
	if ctl&ctlContinuous != 0 {
		t.Error("continuous bit set in triggered mode")
	}
}

func TestArmReadoutContinuous(t *testing.T) {
	d, w := newFakeDevice(nil)
	if err := d.ArmReadout(roc.ReadoutContinuous); err != nil {
		t.Fatal(err)
	}
	ctl := w.Regs[regControl]
	if ctl&ctlContinuous == 0 || ctl&ctlReceiverOn == 0 {
		t.Errorf("control register 0x%x after continuous arm", ctl)
	}
}

func TestGeneratorStartStop(t *testing.T) {
	d, w := newFakeDevice(func(p *roc.Parameters) {
		p.GeneratorPattern = roc.PatternAlternating
		p.GeneratorDataSize = 4096
		p.GeneratorMaxEvents = 3
		p.GeneratorInitialValue = 0xCAFE0001
		p.GeneratorInitialWord = 2
	})
	if err := d.StartGenerator(); err != nil {
		t.Fatal(err)
	}
	if got := w.Regs[regGenConfig]; got != uint32(roc.PatternAlternating)<<24|2<<8 {
		t.Errorf("generator config 0x%x", got)
	}
	if got := w.Regs[regGenInitVal]; got != 0xCAFE0001 {
		t.Errorf("generator initial value 0x%x", got)
	}
	if got := w.Regs[regGenEventLen]; got != 4096/4 {
		t.Errorf("generator event length %d words", got)
	}
	if got := w.Regs[regGenControl]; got != genStart|3<<8 {
		t.Errorf("generator control 0x%x", got)
	}
	if w.Regs[regControl]&ctlLoopbackOn == 0 {
		t.Error("internal loopback not enabled for the generator")
	}

	if err := d.StopGenerator(); err != nil {
		t.Fatal(err)
	}
	if got := w.Regs[regGenControl]; got != genStop {
		t.Errorf("generator control after stop 0x%x", got)
	}
	if ctl := w.Regs[regControl]; ctl&(ctlReceiverOn|ctlLoopbackOn) != 0 {
		t.Errorf("receiver or loopback still on after stop: 0x%x", ctl)
	}
}

func TestTriggerPath(t *testing.T) {
	d, w := newFakeDevice(func(p *roc.Parameters) {
		p.Loopback = roc.LoopbackNone
		p.GeneratorEnabled = false
		p.TriggerEnabled = true
	})
	if err := d.StartTriggerPath(); err != nil {
		t.Fatal(err)
	}
	ddl := writesTo(w, regDdlCommand)
	want := []uint32{cmdCIFST | cmdSiuSel, cmdCIFST, cmdRdyRx | cmdSiuSel}
	if len(ddl) != len(want) {
		t.Fatalf("DDL commands %#v, want %#v", ddl, want)
	}
	for i := range want {
		if ddl[i] != want[i] {
			t.Fatalf("DDL commands %#v, want %#v", ddl, want)
		}
	}
	if w.Regs[regControl]&ctlTriggerOn == 0 {
		t.Error("trigger bit not set")
	}

	if err := d.StopTriggerPath(); err != nil {
		t.Fatal(err)
	}
	ddl = writesTo(w, regDdlCommand)
	if last := ddl[len(ddl)-1]; last != cmdEOBTR|cmdSiuSel {
		t.Errorf("last DDL command 0x%x, want EOBTR to the SIU", last)
	}
	if w.Regs[regControl]&ctlTriggerOn != 0 {
		t.Error("trigger bit still set after stop")
	}
}

func TestPushSuperpageAdmission(t *testing.T) {
	newChannel := func(pageSize uint64) *Channel {
		return &Channel{
			params: roc.Parameters{DmaPageSize: pageSize}.Normalize(),
			buffer: dmabuf.FromBytes(make([]byte, 4*SuperpageGranularity), 0),
			queue:  spqueue.New(TransferQueueCapacity),
		}
	}
	var inv roc.InvalidSuperpageError

	cases := []struct {
		name     string
		pageSize uint64
		sp       roc.Superpage
		ok       bool
	}{
		{"one granule", 8192, roc.Superpage{Size: SuperpageGranularity}, true},
		{"zero size", 8192, roc.Superpage{}, false},
		{"odd size", 8192, roc.Superpage{Size: SuperpageGranularity + 4}, false},
		{"misaligned offset", 8192, roc.Superpage{Offset: 2, Size: SuperpageGranularity}, false},
		{"past the end", 8192, roc.Superpage{Offset: 4 * SuperpageGranularity, Size: SuperpageGranularity}, false},
		// a page larger than the superpage would produce a zero-page entry
		{"page exceeds superpage", 2 * SuperpageGranularity, roc.Superpage{Size: SuperpageGranularity}, false},
		// a non-dividing page could never fill the superpage exactly
		{"page does not divide size", 3 * 8192, roc.Superpage{Size: SuperpageGranularity}, false},
	}
	for _, tc := range cases {
		c := newChannel(tc.pageSize)
		err := c.PushSuperpage(tc.sp)
		if tc.ok {
			if err != nil {
				t.Errorf("%s: unexpected error %v", tc.name, err)
			}
			if c.queue.Len() != 1 {
				t.Errorf("%s: queue len %d after accepted push", tc.name, c.queue.Len())
			}
			continue
		}
		if !errors.As(err, &inv) {
			t.Errorf("%s: expected InvalidSuperpageError, got %v", tc.name, err)
		}
		if c.queue.Len() != 0 {
			t.Errorf("%s: rejected push mutated the queue", tc.name)
		}
	}
}

func TestWaitStatusDeadline(t *testing.T) {
	d, w := newFakeDevice(nil)
	w.Regs[regStatus] = 0 // no completion bits ever come up
	start := time.Now()
	err := d.ResetSequence(roc.ResetInternal)
	if err == nil {
		t.Fatal("reset succeeded with the status register dead")
	}
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Errorf("wait ran %v, deadline was a few milliseconds", elapsed)
	}
}

func TestSerial(t *testing.T) {
	d, w := newFakeDevice(nil)
	w.Regs[regSerial] = 0x2f9 // 761
	serial, err := d.Serial()
	if err != nil || serial != 761 {
		t.Errorf("serial %d err %v", serial, err)
	}
}

func TestFirmwareInfo(t *testing.T) {
	d, w := newFakeDevice(nil)
	// static 0x2, major 2, minor 21, year 2015, month 10, day 7
	w.Regs[regFirmwareID] = 0x2<<24 | 2<<20 | 21<<13 | 15<<9 | 10<<5 | 7
	fw, err := d.FirmwareInfo()
	if err != nil {
		t.Fatal(err)
	}
	if fw != "2.21:2015-10-7" {
		t.Errorf("firmware %q", fw)
	}
}

func TestFirmwareInfoRejectsBadStaticField(t *testing.T) {
	d, w := newFakeDevice(nil)
	w.Regs[regFirmwareID] = 0x3<<24 | 2<<20
	_, err := d.FirmwareInfo()
	var cfg roc.ConfigurationError
	if !errors.As(err, &cfg) {
		t.Errorf("expected ConfigurationError, got %v", err)
	}
}
