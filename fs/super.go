package fs

import "encoding/binary"

// Superblock_t models the on-disk super block spec.md §6 describes:
// filesystem size, data-block count, inode count, log length, and the
// starting block numbers of the log, inode and free-bitmap regions.
// Grounded field-for-field on xv6 fs.h's struct superblock; stored as
// seven little-endian uint32s packed into the front of a block, the way
// the teacher's own super.go packed fields via fieldr/fieldw (here
// replaced with encoding/binary directly, since there is no separate
// page type to adapt those helpers from).
type Superblock_t struct {
	Size       uint32 /// total size of the filesystem image, in blocks
	Nblocks    uint32 /// number of data blocks
	Ninodes    uint32 /// number of inodes
	Nlog       uint32 /// number of log blocks (header + data)
	Logstart   uint32 /// block number of the first log block
	Inodestart uint32 /// block number of the first inode block
	Bmapstart  uint32 /// block number of the first free-bitmap block
}

const superFields = 7

/// Encode packs sb into the front of a block-sized buffer.
func (sb *Superblock_t) Encode(data *[BSIZE]byte) {
	vals := [superFields]uint32{sb.Size, sb.Nblocks, sb.Ninodes, sb.Nlog, sb.Logstart, sb.Inodestart, sb.Bmapstart}
	for i, v := range vals {
		binary.LittleEndian.PutUint32(data[i*4:], v)
	}
}

/// DecodeSuperblock reads a Superblock_t back out of a block-sized
/// buffer previously written by Encode.
func DecodeSuperblock(data *[BSIZE]byte) *Superblock_t {
	var vals [superFields]uint32
	for i := range vals {
		vals[i] = binary.LittleEndian.Uint32(data[i*4:])
	}
	return &Superblock_t{
		Size:       vals[0],
		Nblocks:    vals[1],
		Ninodes:    vals[2],
		Nlog:       vals[3],
		Logstart:   vals[4],
		Inodestart: vals[5],
		Bmapstart:  vals[6],
	}
}

// SuperBlockno is the fixed block number of the super block on every
// image this kernel mounts — "stored in block 1", spec.md §6.
const SuperBlockno = 1

/// ReadSuper reads and decodes the super block (block 1) through the
/// buffer cache.
func ReadSuper(ctx *Ctx, bc *Bcache_t, disk Disk_i, dev int) *Superblock_t {
	b := bc.ReadBlock(ctx, disk, dev, SuperBlockno)
	sb := DecodeSuperblock(&b.Data)
	bc.Release(ctx, b)
	return sb
}
