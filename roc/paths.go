package roc

import "fmt"

// DefaultShmDir is where channel lock files, the named mutex sentinel, and
// the ready FIFO file live.
const DefaultShmDir = "/dev/shm"

// PciAddress identifies a card by its position on the PCI bus.
type PciAddress struct {
	Bus      uint8
	Slot     uint8
	Function uint8
}

func (a PciAddress) String() string {
	return fmt.Sprintf("%02x:%02x.%x", a.Bus, a.Slot, a.Function)
}

// ChannelPaths formats the filesystem names tied to one channel of one
// card: the lock file, the ready FIFO backing file, and the named mutex
// sentinel.  Dir is DefaultShmDir when empty; tests point it elsewhere.
type ChannelPaths struct {
	Dir     string
	Address PciAddress
	Channel int
}

func (p ChannelPaths) dir() string {
	if p.Dir == "" {
		return DefaultShmDir
	}
	return p.Dir
}

func (p ChannelPaths) makePath(suffix string) string {
	return fmt.Sprintf("%s/rocdaq_%s_ch%d%s", p.dir(), p.Address, p.Channel, suffix)
}

// LockFile is the path of the flock'd lock file.
func (p ChannelPaths) LockFile() string {
	return p.makePath(".lock")
}

// FifoFile is the path of the memory-mapped ready FIFO.
func (p ChannelPaths) FifoFile() string {
	return p.makePath("_fifo")
}

// NamedMutex is the name of the mutex sentinel.  A name, not a path.
func (p ChannelPaths) NamedMutex() string {
	return fmt.Sprintf("rocdaq_%s_ch%d_mutex", p.Address, p.Channel)
}

// NamedMutexPath is where the sentinel for NamedMutex lives on disk.
func (p ChannelPaths) NamedMutexPath() string {
	return p.dir() + "/" + p.NamedMutex()
}
