package fs

import (
	"container/list"
	"context"
	"encoding/binary"
	"strings"
	"sync"

	"github.com/aarch64kit/armos/defs"
)

// InodeType enumerates on-disk inode types, spec.md §6's packed entry.
type InodeType uint16

const (
	TInvalid InodeType = 0
	TFile    InodeType = 1
	TDir     InodeType = 2
	TDevice  InodeType = 3
)

// inodeEntrySize is the packed on-disk layout of spec.md §6:
// {type:2B, major:2B, minor:2B, num_links:2B, num_bytes:4B,
//  addrs[NUM_DIRECT]:4B×12, indirect:4B} = 2+2+2+2+4+48+4 = 64 bytes, so a
// 512-byte block holds 512/64 == 8 entries, a small power of two.
const inodeEntrySize = 2 + 2 + 2 + 2 + 4 + 4*defs.NumDirect + 4

// direntSize is {inode_no:2B, name[NAME_MAX]:14B} (spec.md §6).
const direntSize = 2 + defs.NameMax

// RootInode is the well-known root directory inode number.
const RootInode = 1

type onDiskEntry struct {
	typ       InodeType
	major     uint16
	minor     uint16
	numLinks  uint16
	numBytes  uint32
	addrs     [defs.NumDirect]uint32
	indirect  uint32
}

func decodeEntry(raw []byte) onDiskEntry {
	var e onDiskEntry
	e.typ = InodeType(binary.LittleEndian.Uint16(raw[0:]))
	e.major = binary.LittleEndian.Uint16(raw[2:])
	e.minor = binary.LittleEndian.Uint16(raw[4:])
	e.numLinks = binary.LittleEndian.Uint16(raw[6:])
	e.numBytes = binary.LittleEndian.Uint32(raw[8:])
	for i := 0; i < defs.NumDirect; i++ {
		e.addrs[i] = binary.LittleEndian.Uint32(raw[12+4*i:])
	}
	e.indirect = binary.LittleEndian.Uint32(raw[12+4*defs.NumDirect:])
	return e
}

func (e onDiskEntry) encode(raw []byte) {
	binary.LittleEndian.PutUint16(raw[0:], uint16(e.typ))
	binary.LittleEndian.PutUint16(raw[2:], e.major)
	binary.LittleEndian.PutUint16(raw[4:], e.minor)
	binary.LittleEndian.PutUint16(raw[6:], e.numLinks)
	binary.LittleEndian.PutUint32(raw[8:], e.numBytes)
	for i := 0; i < defs.NumDirect; i++ {
		binary.LittleEndian.PutUint32(raw[12+4*i:], e.addrs[i])
	}
	binary.LittleEndian.PutUint32(raw[12+4*defs.NumDirect:], e.indirect)
}

// Dirent is a decoded directory entry (spec.md §6).
type Dirent struct {
	InodeNo uint16
	Name    string
}

func decodeDirent(raw []byte) Dirent {
	no := binary.LittleEndian.Uint16(raw[0:])
	name := raw[2 : 2+defs.NameMax]
	n := strings.IndexByte(string(name), 0)
	if n < 0 {
		n = len(name)
	}
	return Dirent{InodeNo: no, Name: string(name[:n])}
}

func (d Dirent) encode(raw []byte) {
	binary.LittleEndian.PutUint16(raw[0:], d.InodeNo)
	n := copy(raw[2:2+defs.NameMax], d.Name)
	for i := n; i < defs.NameMax; i++ {
		raw[2+i] = 0
	}
}

// Inode is the in-memory inode of spec.md §3/§4.3, grounded on
// original_source/src/fs/inode.c's Inode struct and cache lifecycle
// (inode_get/inode_lock/inode_put).
type Inode struct {
	No    int
	lock  chan struct{}
	valid bool
	ref   int
	entry onDiskEntry
	elem  *list.Element
}

func newInode(no int) *Inode {
	i := &Inode{No: no, lock: make(chan struct{}, 1)}
	i.lock <- struct{}{}
	return i
}

// Type reports the inode's on-disk type.
func (i *Inode) Type() InodeType { return i.entry.typ }

// NumBytes reports the inode's current file size.
func (i *Inode) NumBytes() int { return int(i.entry.numBytes) }

// NumLinks reports the inode's current hard-link count.
func (i *Inode) NumLinks() int { return int(i.entry.numLinks) }

// Stat is the fields stat(2)/fstat(2) surface, grounded on
// original_source/src/fs/inode.c:stati. st_mode is S_IFREG/S_IFDIR bit
// encoding from the same source.
type Stat struct {
	Ino      uint64
	Mode     uint32
	NumLinks uint16
	Size     uint64
}

const (
	sIFREG = 0o100000
	sIFDIR = 0o040000
)

func (i *Inode) Stat() Stat {
	mode := uint32(0)
	switch i.entry.typ {
	case TFile:
		mode = sIFREG
	case TDir:
		mode = sIFDIR
	case TDevice:
		mode = 0
	}
	return Stat{Ino: uint64(i.No), Mode: mode, NumLinks: i.entry.numLinks, Size: uint64(i.entry.numBytes)}
}

// Tree is the inode layer of spec.md §4.3: a global LRU-cached table of
// in-memory inodes over a Cache, grounded on original_source/src/fs/inode.c.
type Tree struct {
	cache *Cache
	super *Super

	mu      sync.Mutex
	lru     *list.List
	byNo    map[int]*list.Element

	Root *Inode
}

func NewTree(cache *Cache, super *Super) *Tree {
	t := &Tree{cache: cache, super: super, lru: list.New(), byNo: make(map[int]*list.Element)}
	t.Root = t.Get(RootInode)
	return t
}

func (t *Tree) toBlockNo(no int) int {
	return t.super.InodeStart() + no/InodesPerBlock
}

// Get looks up no in the LRU table, bumping refcount on hit or allocating a
// fresh, not-yet-valid entry on miss (spec.md §4.3 get: "never touches
// disk").
func (t *Tree) Get(no int) *Inode {
	t.mu.Lock()
	defer t.mu.Unlock()
	if e, ok := t.byNo[no]; ok {
		ip := e.Value.(*Inode)
		ip.ref++
		t.lru.MoveToFront(e)
		return ip
	}
	ip := newInode(no)
	ip.ref = 1
	e := t.lru.PushFront(ip)
	ip.elem = e
	t.byNo[no] = e
	return ip
}

// Lock acquires ip's sleep lock and, on first lock since creation, reads
// its on-disk entry (spec.md §4.3 lock).
func (t *Tree) Lock(ctx context.Context, ip *Inode) bool {
	select {
	case <-ip.lock:
	case <-ctx.Done():
		return false
	}
	if !ip.valid {
		t.loadLocked(ip)
	}
	return true
}

func (t *Tree) loadLocked(ip *Inode) {
	blk := t.cache.Acquire(context.Background(), t.toBlockNo(ip.No))
	off := (ip.No % InodesPerBlock) * inodeEntrySize
	ip.entry = decodeEntry(blk.Data[off : off+inodeEntrySize])
	t.cache.Release(blk)
	ip.valid = true
}

// Unlock releases ip's sleep lock.
func (t *Tree) Unlock(ip *Inode) { ip.lock <- struct{}{} }

// Sync writes ip's in-memory entry into its slot of the on-disk inode block
// and journals that block under op (write-through when op is nil). The read
// direction is handled by loadLocked.
func (t *Tree) Sync(op *OpCtx, ip *Inode) {
	blk := t.cache.Acquire(context.Background(), t.toBlockNo(ip.No))
	off := (ip.No % InodesPerBlock) * inodeEntrySize
	ip.entry.encode(blk.Data[off : off+inodeEntrySize])
	t.cache.Sync(op, blk)
	t.cache.Release(blk)
}

// Alloc scans inode blocks for the first INVALID slot past the root,
// marks it with type, journals the block, and returns the new inode number
// (spec.md §4.3 alloc).
func (t *Tree) Alloc(op *OpCtx, typ InodeType) (int, defs.Errno) {
	total := t.super.NumInodes()
	for no := RootInode + 1; no < total; no++ {
		blk := t.cache.Acquire(context.Background(), t.toBlockNo(no))
		off := (no % InodesPerBlock) * inodeEntrySize
		e := decodeEntry(blk.Data[off : off+inodeEntrySize])
		if e.typ == TInvalid {
			e = onDiskEntry{typ: typ}
			e.encode(blk.Data[off : off+inodeEntrySize])
			t.cache.Sync(op, blk)
			t.cache.Release(blk)
			return no, 0
		}
		t.cache.Release(blk)
	}
	return 0, -defs.ENOSPC
}

// map translates a byte offset to a data block number, consulting direct
// slots then the (lazily allocated, on write) indirect block (spec.md §4.3
// map, grounded on inode_map).
func (t *Tree) mapBlock(op *OpCtx, ip *Inode, offset int) (int, defs.Errno) {
	bidx := offset / defs.BlockSize
	if bidx >= defs.MaxFileBlocks {
		return 0, -defs.EINVAL
	}
	if bidx < defs.NumDirect {
		if ip.entry.addrs[bidx] == 0 {
			if op == nil {
				return 0, 0
			}
			bno, errno := t.cache.Alloc(op)
			if errno != 0 {
				return 0, errno
			}
			ip.entry.addrs[bidx] = uint32(bno)
		}
		return int(ip.entry.addrs[bidx]), 0
	}
	bidx -= defs.NumDirect
	if ip.entry.indirect == 0 {
		if op == nil {
			return 0, 0
		}
		bno, errno := t.cache.Alloc(op)
		if errno != 0 {
			return 0, errno
		}
		ip.entry.indirect = uint32(bno)
	}
	ib := t.cache.Acquire(context.Background(), int(ip.entry.indirect))
	defer t.cache.Release(ib)
	off := bidx * 4
	addr := binary.LittleEndian.Uint32(ib.Data[off:])
	if addr == 0 {
		if op == nil {
			return 0, 0
		}
		bno, errno := t.cache.Alloc(op)
		if errno != 0 {
			return 0, errno
		}
		addr = uint32(bno)
		binary.LittleEndian.PutUint32(ib.Data[off:], addr)
		t.cache.Sync(op, ib)
	}
	return int(addr), 0
}

// Read copies up to n bytes starting at off from ip into dst, truncating at
// end-of-file (spec.md §4.3 read, §8 boundary behaviors).
func (t *Tree) Read(ip *Inode, dst []byte, off, n int) int {
	if off > int(ip.entry.numBytes) {
		return 0
	}
	if off+n > int(ip.entry.numBytes) {
		n = int(ip.entry.numBytes) - off
	}
	return t.rw(nil, ip, dst, off, n, false)
}

// Write copies n bytes from src into ip at off, extending num_bytes and
// re-journaling the inode entry (spec.md §4.3 write), truncating at
// INODE_MAX_BYTES.
func (t *Tree) Write(op *OpCtx, ip *Inode, src []byte, off, n int) int {
	if off+n > defs.MaxFileBytes {
		n = defs.MaxFileBytes - off
	}
	if n <= 0 {
		return 0
	}
	done := t.rw(op, ip, src, off, n, true)
	if off+done > int(ip.entry.numBytes) {
		ip.entry.numBytes = uint32(off + done)
	}
	t.Sync(op, ip)
	return done
}

func (t *Tree) rw(op *OpCtx, ip *Inode, buf []byte, off, n int, write bool) int {
	done := 0
	for done < n {
		bno, errno := t.mapBlock(op, ip, off)
		if errno != 0 || bno == 0 {
			break
		}
		blk := t.cache.Acquire(context.Background(), bno)
		within := off % defs.BlockSize
		size := defs.BlockSize - within
		if rem := n - done; size > rem {
			size = rem
		}
		if write {
			copy(blk.Data[within:within+size], buf[done:done+size])
			t.cache.Sync(op, blk)
		} else {
			copy(buf[done:done+size], blk.Data[within:within+size])
		}
		t.cache.Release(blk)
		off += size
		done += size
	}
	return done
}

// DecLink drops one hard link from ip and persists the new count; ip must
// already be locked by the caller (spec.md §4.3, grounded on unlink()'s
// ip->nlink-- in original_source/src/kernel/sysfile.c).
func (t *Tree) DecLink(op *OpCtx, ip *Inode) {
	if ip.entry.numLinks > 0 {
		ip.entry.numLinks--
	}
	t.Sync(op, ip)
}

// Put drops a reference to ip; when the last reference is dropped and
// num_links == 0, the inode's data is freed and it is detached from the LRU
// (spec.md §4.3 put).
func (t *Tree) Put(op *OpCtx, ip *Inode) {
	ctx := context.Background()
	t.Lock(ctx, ip)
	t.mu.Lock()
	willFree := ip.ref == 1 && ip.entry.numLinks == 0
	t.mu.Unlock()

	if willFree {
		t.clear(op, ip)
		ip.entry.typ = TInvalid
		t.Sync(op, ip)
		t.mu.Lock()
		t.lru.Remove(ip.elem)
		delete(t.byNo, ip.No)
		t.mu.Unlock()
		t.Unlock(ip)
		return
	}
	t.Unlock(ip)
	t.mu.Lock()
	ip.ref--
	t.mu.Unlock()
}

// clear frees every data block (direct, indirect, and the indirect block
// itself), spec.md §4.3 put.
func (t *Tree) clear(op *OpCtx, ip *Inode) {
	for i := 0; i < defs.NumDirect; i++ {
		if ip.entry.addrs[i] != 0 {
			t.cache.Free(op, int(ip.entry.addrs[i]))
			ip.entry.addrs[i] = 0
		}
	}
	if ip.entry.indirect != 0 {
		ib := t.cache.Acquire(context.Background(), int(ip.entry.indirect))
		for i := 0; i < defs.NumIndirect; i++ {
			addr := binary.LittleEndian.Uint32(ib.Data[i*4:])
			if addr != 0 {
				t.cache.Free(op, int(addr))
			}
		}
		t.cache.Release(ib)
		t.cache.Free(op, int(ip.entry.indirect))
		ip.entry.indirect = 0
	}
	ip.entry.numBytes = 0
}

// Lookup linearly scans dir's entries for name, returning the entry's index
// via idx (spec.md §4.3 directory ops: lookup).
func (t *Tree) Lookup(dir *Inode, name string) (ino int, idx int, found bool) {
	n := dir.entry.numBytes / direntSize
	var raw [direntSize]byte
	for i := uint32(0); i < n; i++ {
		t.Read(dir, raw[:], int(i*direntSize), direntSize)
		de := decodeDirent(raw[:])
		if de.Name == name {
			return int(de.InodeNo), int(i), true
		}
	}
	return 0, 0, false
}

// Insert appends a new directory entry after verifying name is absent
// (spec.md §4.3 directory ops: insert).
func (t *Tree) Insert(op *OpCtx, dir *Inode, name string, ino int) defs.Errno {
	if _, _, found := t.Lookup(dir, name); found {
		return -defs.EEXIST
	}
	de := Dirent{InodeNo: uint16(ino), Name: name}
	var raw [direntSize]byte
	de.encode(raw[:])
	n := t.Write(op, dir, raw[:], int(dir.entry.numBytes), direntSize)
	if n != direntSize {
		return -defs.ENOSPC
	}
	return 0
}

// Remove copies the last entry over slot idx and shrinks by one (spec.md
// §4.3 directory ops: remove).
func (t *Tree) Remove(op *OpCtx, dir *Inode, idx int) {
	total := int(dir.entry.numBytes) / direntSize
	if idx >= total {
		return
	}
	if idx < total-1 {
		var raw [direntSize]byte
		t.Read(dir, raw[:], (total-1)*direntSize, direntSize)
		t.Write(op, dir, raw[:], idx*direntSize, direntSize)
	}
	dir.entry.numBytes -= direntSize
	t.Sync(op, dir)
}

// skipelem extracts the next '/'-separated component from path into name,
// returning the remaining suffix, grounded verbatim on
// original_source/src/fs/inode.c:skipelem. Components longer than NAME_MAX
// are truncated without a separator, by design (spec.md §4.3).
func skipelem(path string) (name, rest string, ok bool) {
	for len(path) > 0 && path[0] == '/' {
		path = path[1:]
	}
	if len(path) == 0 {
		return "", "", false
	}
	i := strings.IndexByte(path, '/')
	var elem string
	if i < 0 {
		elem = path
		path = ""
	} else {
		elem = path[:i]
		path = path[i+1:]
	}
	if len(elem) > defs.NameMax {
		elem = elem[:defs.NameMax]
	}
	for len(path) > 0 && path[0] == '/' {
		path = path[1:]
	}
	return elem, path, true
}

// Namex walks path starting from the root (absolute) or cwd (relative),
// returning the target inode, or its parent (with the final component in
// name) if wantParent is set — spec.md §4.3 path resolution, grounded on
// original_source/src/fs/inode.c:namex.
func (t *Tree) Namex(ctx context.Context, path string, wantParent bool, cwd int) (ip *Inode, name string, errno defs.Errno) {
	var cur *Inode
	if strings.HasPrefix(path, "/") {
		cur = t.Get(RootInode)
	} else {
		cur = t.Get(cwd)
	}

	elem, rest, ok := skipelem(path)
	if !ok {
		// path was "/" or "" — no component at all, hence no parent.
		t.Put(nil, cur)
		return nil, "", -defs.ENOENT
	}

	for rest != "" {
		if !t.Lock(ctx, cur) {
			t.Put(nil, cur)
			return nil, "", -defs.EINTR
		}
		ino, _, found := t.Lookup(cur, elem)
		t.Unlock(cur)
		t.Put(nil, cur)
		if !found {
			return nil, "", -defs.ENOENT
		}
		cur = t.Get(ino)
		elem, rest, _ = skipelem(rest)
	}

	if wantParent {
		return cur, elem, 0
	}

	if !t.Lock(ctx, cur) {
		t.Put(nil, cur)
		return nil, "", -defs.EINTR
	}
	ino, _, found := t.Lookup(cur, elem)
	t.Unlock(cur)
	t.Put(nil, cur)
	if !found {
		return nil, "", -defs.ENOENT
	}
	return t.Get(ino), "", 0
}

// MkNod allocates a new inode of typ inside dir under name, wiring "."/".."
// for directories and bumping dir's link count (spec.md §4.3, grounded on
// create() in original_source/src/kernel/sysfile.c). Used by mkdirat,
// mknodat, openat(O_CREAT), and by mkfs when seeding an image.
func (t *Tree) MkNod(op *OpCtx, dir *Inode, name string, typ InodeType) (*Inode, defs.Errno) {
	ctx := context.Background()
	t.Lock(ctx, dir)
	_, _, found := t.Lookup(dir, name)
	if found {
		t.Unlock(dir)
		return nil, -defs.EEXIST
	}

	no, errno := t.Alloc(op, typ)
	if errno != 0 {
		t.Unlock(dir)
		return nil, errno
	}
	ip := t.Get(no)
	t.Lock(ctx, ip)
	ip.entry.numLinks = 1
	if typ == TDir {
		ip.entry.numLinks = 2
		t.Sync(op, ip)
		if errno := t.Insert(op, ip, ".", no); errno != 0 {
			t.Unlock(ip)
			t.Unlock(dir)
			return nil, errno
		}
		if errno := t.Insert(op, ip, "..", dir.No); errno != 0 {
			t.Unlock(ip)
			t.Unlock(dir)
			return nil, errno
		}
	} else {
		t.Sync(op, ip)
	}
	t.Unlock(ip)

	if errno := t.Insert(op, dir, name, no); errno != 0 {
		t.Unlock(dir)
		return nil, errno
	}
	if typ == TDir {
		dir.entry.numLinks++
		t.Sync(op, dir)
	}
	t.Unlock(dir)
	return ip, 0
}

// InitRoot bootstraps the fixed root inode (RootInode, never returned by
// Alloc) as a TDir containing "." and ".." self-entries. mkfs calls this
// exactly once when formatting a fresh image.
func (t *Tree) InitRoot(op *OpCtx) defs.Errno {
	ctx := context.Background()
	root := t.Get(RootInode)
	t.Lock(ctx, root)
	root.entry = onDiskEntry{typ: TDir, numLinks: 1}
	t.Sync(op, root)
	if errno := t.Insert(op, root, ".", RootInode); errno != 0 {
		t.Unlock(root)
		return errno
	}
	if errno := t.Insert(op, root, "..", RootInode); errno != 0 {
		t.Unlock(root)
		return errno
	}
	root.entry.numLinks = 2
	t.Sync(op, root)
	t.Unlock(root)
	return 0
}
