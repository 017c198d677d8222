// snapshot.go persists STATIC nexthops (operator-added via NH_ADD, spec.md
// §6) across a restart so ferrule can warm-start without waiting on a
// fresh round of NH_ADD calls. Dynamic (probed) neighbor state is never
// snapshotted: on boot it is always rebuilt from scratch by probing
// (spec.md §5), matching RFC 4861 expectations.
//
// Grounded on pkg/cache/wal's mmap-backed append-only log: a fixed
// header (magic, version, entry count, next write offset) followed by
// variable-length entries, grown by doubling when the file fills.
// pkg/cache/wal.AppendSlice/Recover operate on a *SliceEntry type that
// isn't defined anywhere in this tree (the package doesn't build as
// copied), so rather than adapt a broken file this reimplements the same
// header+append-log+recover shape for the narrower StaticEntry record.
package nexthop

import (
	"encoding/binary"
	"fmt"
	"net/netip"
	"os"
	"path/filepath"
	"sync"

	"golang.org/x/sys/unix"
)

const (
	snapshotMagic       = "FRNH"
	snapshotVersion     = uint16(1)
	snapshotHeaderSize  = 32
	snapshotInitialSize = 1 << 20 // 1MiB
	snapshotGrowthFctr  = 2
)

const (
	snapEntryAdd    uint8 = 0
	snapEntryRemove uint8 = 1
)

// StaticEntry is one operator-added static nexthop, the unit of record in
// the snapshot log.
type StaticEntry struct {
	VRFID   uint16
	IfaceID uint16
	Family  Family
	Addr    netip.Addr
	MAC     MAC
}

// entry wire layout (little-endian):
//
//	type    uint8
//	vrf_id  uint16
//	iface   uint16
//	family  uint8
//	addr    [16]byte (v4 addresses use the first 4)
//	mac     [6]byte  (absent for remove entries)
const (
	addEntrySize    = 1 + 2 + 2 + 1 + 16 + 6
	removeEntrySize = 1 + 2 + 2 + 1 + 16
)

// Snapshotter is a single append-only mmap file recording STATIC nexthop
// adds and removes. Safe for concurrent use; callers serialize through mu.
type Snapshotter struct {
	mu         sync.Mutex
	file       *os.File
	data       []byte
	size       uint64
	maxSize    uint64 // 0 means unbounded
	nextOffset uint64
	entryCount uint32
	closed     bool
}

// OpenSnapshotter opens (creating if absent) the snapshot file at path.
// maxSize bounds how large the file is allowed to grow via the doubling
// policy in ensureSpace; 0 means unbounded (internal/config.PersistenceConfig
// defaults to a finite cap, since an operator's static nexthop count is
// bounded but unbounded growth would otherwise go unnoticed).
func OpenSnapshotter(path string, maxSize uint64) (*Snapshotter, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("nexthop: create snapshot dir: %w", err)
	}

	s := &Snapshotter{maxSize: maxSize}
	info, err := os.Stat(path)
	switch {
	case os.IsNotExist(err):
		err = s.create(path)
	case err == nil:
		err = s.open(path, uint64(info.Size()))
	}
	if err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Snapshotter) create(path string) error {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return fmt.Errorf("nexthop: open snapshot: %w", err)
	}
	if err := f.Truncate(snapshotInitialSize); err != nil {
		f.Close()
		return fmt.Errorf("nexthop: truncate snapshot: %w", err)
	}
	data, err := unix.Mmap(int(f.Fd()), 0, snapshotInitialSize, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		f.Close()
		return fmt.Errorf("nexthop: mmap snapshot: %w", err)
	}
	s.file, s.data, s.size = f, data, snapshotInitialSize
	s.nextOffset = snapshotHeaderSize
	s.writeHeader()
	return nil
}

func (s *Snapshotter) open(path string, size uint64) error {
	if size < snapshotHeaderSize {
		return s.create(path)
	}
	f, err := os.OpenFile(path, os.O_RDWR, 0o644)
	if err != nil {
		return fmt.Errorf("nexthop: open snapshot: %w", err)
	}
	data, err := unix.Mmap(int(f.Fd()), 0, int(size), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		f.Close()
		return fmt.Errorf("nexthop: mmap snapshot: %w", err)
	}
	if string(data[0:4]) != snapshotMagic {
		unix.Munmap(data)
		f.Close()
		return fmt.Errorf("nexthop: snapshot %s: bad magic", path)
	}
	s.file, s.data, s.size = f, data, size
	s.entryCount = binary.LittleEndian.Uint32(data[6:10])
	s.nextOffset = binary.LittleEndian.Uint64(data[10:18])
	return nil
}

func (s *Snapshotter) writeHeader() {
	copy(s.data[0:4], snapshotMagic)
	binary.LittleEndian.PutUint16(s.data[4:6], snapshotVersion)
	binary.LittleEndian.PutUint32(s.data[6:10], s.entryCount)
	binary.LittleEndian.PutUint64(s.data[10:18], s.nextOffset)
}

func (s *Snapshotter) ensureSpace(needed uint64) error {
	if s.nextOffset+needed <= s.size {
		return nil
	}
	newSize := s.size * snapshotGrowthFctr
	for newSize < s.nextOffset+needed {
		newSize *= snapshotGrowthFctr
	}
	if s.maxSize != 0 && newSize > s.maxSize {
		return newErr(KindNoCapacity, "snapshot %s would grow past max size %d", s.file.Name(), s.maxSize)
	}
	if err := unix.Munmap(s.data); err != nil {
		return fmt.Errorf("nexthop: unmap snapshot for growth: %w", err)
	}
	if err := s.file.Truncate(int64(newSize)); err != nil {
		return fmt.Errorf("nexthop: grow snapshot: %w", err)
	}
	data, err := unix.Mmap(int(s.file.Fd()), 0, int(newSize), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		return fmt.Errorf("nexthop: remap grown snapshot: %w", err)
	}
	s.data, s.size = data, newSize
	return nil
}

// AppendAdd records a STATIC nexthop add. Idempotent across recoveries:
// Recover replays entries in order so a later add/remove for the same key
// always wins.
func (s *Snapshotter) AppendAdd(e StaticEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return fmt.Errorf("nexthop: snapshot closed")
	}
	if err := s.ensureSpace(addEntrySize); err != nil {
		return err
	}
	off := s.nextOffset
	s.data[off] = snapEntryAdd
	binary.LittleEndian.PutUint16(s.data[off+1:off+3], e.VRFID)
	binary.LittleEndian.PutUint16(s.data[off+3:off+5], e.IfaceID)
	s.data[off+5] = uint8(e.Family)
	writeAddr(s.data[off+6:off+22], e.Addr)
	copy(s.data[off+22:off+28], e.MAC[:])
	s.nextOffset += addEntrySize
	s.entryCount++
	s.writeHeader()
	return nil
}

// AppendRemove records removal of a previously snapshotted STATIC nexthop.
func (s *Snapshotter) AppendRemove(vrfID, ifaceID uint16, family Family, addr netip.Addr) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return fmt.Errorf("nexthop: snapshot closed")
	}
	if err := s.ensureSpace(removeEntrySize); err != nil {
		return err
	}
	off := s.nextOffset
	s.data[off] = snapEntryRemove
	binary.LittleEndian.PutUint16(s.data[off+1:off+3], vrfID)
	binary.LittleEndian.PutUint16(s.data[off+3:off+5], ifaceID)
	s.data[off+5] = uint8(family)
	writeAddr(s.data[off+6:off+22], addr)
	s.nextOffset += removeEntrySize
	s.entryCount++
	s.writeHeader()
	return nil
}

// Recover replays the log and returns the surviving STATIC entries: later
// adds/removes for the same (vrf, iface, addr) key supersede earlier ones.
func (s *Snapshotter) Recover() ([]StaticEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	type key struct {
		vrf, iface uint16
		addr       netip.Addr
	}
	live := make(map[key]StaticEntry)

	off := uint64(snapshotHeaderSize)
	for i := uint32(0); i < s.entryCount; i++ {
		if off >= s.nextOffset {
			break
		}
		typ := s.data[off]
		vrf := binary.LittleEndian.Uint16(s.data[off+1 : off+3])
		iface := binary.LittleEndian.Uint16(s.data[off+3 : off+5])
		family := Family(s.data[off+5])
		addr := readAddr(s.data[off+6:off+22], family)
		k := key{vrf, iface, addr}

		switch typ {
		case snapEntryAdd:
			var mac MAC
			copy(mac[:], s.data[off+22:off+28])
			live[k] = StaticEntry{VRFID: vrf, IfaceID: iface, Family: family, Addr: addr, MAC: mac}
			off += addEntrySize
		case snapEntryRemove:
			delete(live, k)
			off += removeEntrySize
		default:
			return nil, fmt.Errorf("nexthop: snapshot corrupted at offset %d", off)
		}
	}

	out := make([]StaticEntry, 0, len(live))
	for _, e := range live {
		out = append(out, e)
	}
	return out, nil
}

// Close unmaps and closes the snapshot file.
func (s *Snapshotter) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	if err := unix.Munmap(s.data); err != nil {
		s.file.Close()
		return err
	}
	return s.file.Close()
}

func writeAddr(dst []byte, a netip.Addr) {
	if a.Is4() {
		b := a.As4()
		copy(dst[:4], b[:])
		return
	}
	b := a.As16()
	copy(dst, b[:])
}

func readAddr(src []byte, family Family) netip.Addr {
	if family == FamilyV4 {
		var b [4]byte
		copy(b[:], src[:4])
		return netip.AddrFrom4(b)
	}
	var b [16]byte
	copy(b[:], src)
	return netip.AddrFrom16(b)
}
