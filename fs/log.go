package fs

import (
	"encoding/binary"

	"kernel/kpanic"
	"kernel/limits"
	"kernel/spinlock"
)

// logheader_t mirrors xv6 log.c's struct logheader: a count followed by
// that many home-block numbers. It doubles as the in-memory record of
// not-yet-committed writes and the layout of the on-disk header block.
type logheader_t struct {
	n     int
	block [limits.LOGSIZE]int
}

const logHeaderBytes = 4 + 4*limits.LOGSIZE

func init() {
	if logHeaderBytes > BSIZE {
		kpanic.Halt("initlog: logheader too big for a block")
	}
}

func (lh *logheader_t) decode(data *[BSIZE]byte) {
	lh.n = int(binary.LittleEndian.Uint32(data[0:4]))
	for i := 0; i < lh.n; i++ {
		lh.block[i] = int(binary.LittleEndian.Uint32(data[4+4*i:]))
	}
}

func (lh *logheader_t) encode(data *[BSIZE]byte) {
	binary.LittleEndian.PutUint32(data[0:4], uint32(lh.n))
	for i := 0; i < lh.n; i++ {
		binary.LittleEndian.PutUint32(data[4+4*i:], uint32(lh.block[i]))
	}
}

// Log_t is the write-ahead redo log of spec.md §4.6/§3's "Log" data
// model: a reservation scheme over a fixed on-disk region that groups
// concurrent begin_op/end_op transactions into a single commit. Grounded
// on xv6 log.c's struct log and its begin_op/end_op/log_write/commit/
// recover_from_log functions, kept under the same names (Go-cased) so
// the correspondence stays legible.
type Log_t struct {
	lock *spinlock.Spinlock_t

	start int /// block number of the log's header block
	size  int /// number of blocks in the log region, header included
	dev   int

	outstanding int  /// number of FS operations currently between begin_op/end_op
	committing  bool /// true while commit() is running

	lh logheader_t

	bc   *Bcache_t
	disk Disk_i
}

/// MkLog builds the log region described by sb and immediately replays
/// any committed-but-not-installed transaction left from before a crash
/// — recover_from_log runs unconditionally at open time, same as xv6's
/// initlog.
func MkLog(ctx *Ctx, bc *Bcache_t, disk Disk_i, dev int, sb *Superblock_t) *Log_t {
	l := &Log_t{
		lock:  spinlock.Mk("log"),
		start: int(sb.Logstart),
		size:  int(sb.Nlog),
		dev:   dev,
		bc:    bc,
		disk:  disk,
	}
	l.recoverFromLog(ctx)
	return l
}

func (l *Log_t) readHead(ctx *Ctx) {
	b := l.bc.ReadBlock(ctx, l.disk, l.dev, l.start)
	l.lh.decode(&b.Data)
	l.bc.Release(ctx, b)
}

// writeHead writes the in-memory header to disk. This is the
// linearisation point of a commit: once it lands, recovery will replay
// the transaction even across a crash.
func (l *Log_t) writeHead(ctx *Ctx) {
	b := l.bc.ReadBlock(ctx, l.disk, l.dev, l.start)
	l.lh.encode(&b.Data)
	l.bc.WriteBlock(ctx, l.disk, b)
	l.bc.Release(ctx, b)
}

// installTrans copies every logged block from its log slot to its home
// location on disk.
func (l *Log_t) installTrans(ctx *Ctx) {
	for tail := 0; tail < l.lh.n; tail++ {
		lbuf := l.bc.ReadBlock(ctx, l.disk, l.dev, l.start+tail+1)
		dbuf := l.bc.ReadBlock(ctx, l.disk, l.dev, l.lh.block[tail])
		dbuf.Data = lbuf.Data
		l.bc.WriteBlock(ctx, l.disk, dbuf)
		l.bc.Release(ctx, lbuf)
		l.bc.Release(ctx, dbuf)
	}
}

// recoverFromLog implements spec.md §4.6's recover_from_log: read the
// header; if n>0 re-run install_trans; then zero and persist the
// header. Idempotent, because install_trans always overwrites with the
// committed contents and the final write clears the n>0 marker.
func (l *Log_t) recoverFromLog(ctx *Ctx) {
	l.readHead(ctx)
	l.installTrans(ctx)
	l.lh.n = 0
	l.writeHead(ctx)
}

/// BeginOp marks the start of a logged filesystem operation. It blocks
/// (sleeping on the log) while a commit is in progress, or while
/// admitting this operation could exhaust the log: the reservation
/// bound is (outstanding+1)*MAXOPBLOCKS + already-logged ≤ LOGSIZE.
func (l *Log_t) BeginOp(ctx *Ctx) {
	l.lock.Lock()
	for {
		if l.committing {
			ctx.Pt.Sleep(ctx.Cpu, ctx.P, l, l.lock)
			continue
		}
		if l.lh.n+(l.outstanding+1)*limits.MAXOPBLOCKS > limits.LOGSIZE {
			ctx.Pt.Sleep(ctx.Cpu, ctx.P, l, l.lock)
			continue
		}
		l.outstanding++
		l.lock.Unlock()
		return
	}
}

/// EndOp marks the end of a logged operation. The last EndOp to bring
/// outstanding to zero runs commit() — without holding the log lock,
/// since commit may block on buffer sleep locks.
func (l *Log_t) EndOp(ctx *Ctx) {
	l.lock.Lock()
	l.outstanding--
	if l.committing {
		kpanic.Halt("end_op: commit already in progress")
	}
	doCommit := false
	if l.outstanding == 0 {
		doCommit = true
		l.committing = true
	} else {
		// begin_op may be waiting for log space that this end_op just
		// freed up.
		ctx.Pt.Wakeup(l)
	}
	l.lock.Unlock()

	if doCommit {
		l.commit(ctx)
		l.lock.Lock()
		l.committing = false
		ctx.Pt.Wakeup(l)
		l.lock.Unlock()
	}
}

// LogWrite records that b has been modified by the current transaction.
// Must be called within an open begin_op/end_op span. Log absorption:
// repeated writes to the same block within one transaction occupy a
// single header slot. Setting Dirty pins b in the buffer cache across
// the transaction (bget will not recycle a Dirty buffer).
func (l *Log_t) LogWrite(ctx *Ctx, b *Buf_t) {
	if l.lh.n >= limits.LOGSIZE || l.lh.n >= l.size-1 {
		kpanic.Halt("log_write: transaction too big")
	}
	if l.outstanding < 1 {
		kpanic.Halt("log_write: called outside of a transaction")
	}

	l.lock.Lock()
	i := 0
	for ; i < l.lh.n; i++ {
		if l.lh.block[i] == b.Blockno {
			break /// log absorption: reuse this slot
		}
	}
	l.lh.block[i] = b.Blockno
	if i == l.lh.n {
		l.lh.n++
	}
	l.lock.Unlock()

	b.Flags |= BDirty
}

// writeLog copies every block named in the in-memory header from its
// cache buffer into its log slot on disk.
func (l *Log_t) writeLog(ctx *Ctx) {
	for tail := 0; tail < l.lh.n; tail++ {
		to := l.bc.ReadBlock(ctx, l.disk, l.dev, l.start+tail+1)
		from := l.bc.ReadBlock(ctx, l.disk, l.dev, l.lh.block[tail])
		to.Data = from.Data
		l.bc.WriteBlock(ctx, l.disk, to)
		l.bc.Release(ctx, from)
		l.bc.Release(ctx, to)
	}
}

// commit implements spec.md §4.6's four steps: write_log, write_head
// (the linearisation point), install_trans, then clear and re-persist
// the header so the next transaction starts from n==0.
func (l *Log_t) commit(ctx *Ctx) {
	if l.lh.n == 0 {
		return
	}
	l.writeLog(ctx)
	l.writeHead(ctx)
	l.installTrans(ctx)
	l.lh.n = 0
	l.writeHead(ctx)
}
