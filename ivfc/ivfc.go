// Package ivfc verifies RomFS data against its Integrity Verification
// File-system Container (IVFC) hash tree.
//
// The cache shape (container/list + map, mutex-guarded, evict-on-insert)
// is grounded on joshuapare-hivekit's hive/namecache/cache.go, collapsed
// from that package's sharded design to a single LRU since IVFC block
// counts at one level are small enough that shard contention never
// matters here.
package ivfc

import (
	"container/list"
	"context"
	"crypto/sha256"
	"sync"

	"github.com/giwty/nca-core/nca"
)

const (
	levelCount      = 6
	levelHeaderSize = 0x18
	// defaultCacheSize bounds the verified-block LRU, §4.5.
	defaultCacheSize = 16
)

// LevelHeader is one of the six ivfc_lvl_hdr_t entries, §3 IvfcLevel.
type LevelHeader struct {
	LogicalOffset int64
	HashDataSize  int64
	BlockSize     uint32
}

// BlockSizeBytes returns 1<<BlockSize, the level's hash-block granularity.
func (h LevelHeader) BlockSizeBytes() int64 {
	return int64(1) << h.BlockSize
}

// Reader is the subset of a section handle IVFC needs to pull level bytes.
type Reader interface {
	Read(ctx context.Context, offset, length int64) ([]byte, error)
}

// Tree is a parsed 6-level IVFC hash tree bound to a section reader, §3 IvfcLevel.
type Tree struct {
	reader     Reader
	levels     [levelCount]LevelHeader
	masterHash [32]byte
	cache      *blockCache
	sectionIdx int
}

// ivfc_hdr_t layout per original_source/nca.h: magic(4), id(4),
// master_hash_size(4), num_levels(4), level_headers[6]*0x18, reserved(0x20),
// master_hash(0x20) - 0xE0 bytes total.
const (
	headerPrefixSize = 16
	reservedGapSize  = 0x20
	headerSize       = headerPrefixSize + levelCount*levelHeaderSize + reservedGapSize + 32
)

// Parse reads an ivfc_hdr_t out of superblock (the FS-specific superblock
// region, sliced by the caller from the section's decrypted FS header) and
// builds a Tree that verifies lazily on read, §4.5.
func Parse(reader Reader, superblock []byte, sectionIdx int, cacheSize int) (*Tree, error) {
	if len(superblock) < headerSize {
		return nil, &nca.Error{Kind: nca.KindMalformedHeader, Section: sectionIdx, Offset: -1, Level: -1}
	}
	t := &Tree{reader: reader, sectionIdx: sectionIdx}
	off := headerPrefixSize
	for i := 0; i < levelCount; i++ {
		row := superblock[off : off+levelHeaderSize]
		t.levels[i] = LevelHeader{
			LogicalOffset: int64(leU64(row[0:8])),
			HashDataSize:  int64(leU64(row[8:16])),
			BlockSize:     leU32(row[16:20]),
		}
		off += levelHeaderSize
	}
	off += reservedGapSize
	copy(t.masterHash[:], superblock[off:off+32])
	if cacheSize <= 0 {
		cacheSize = defaultCacheSize
	}
	t.cache = newBlockCache(cacheSize)
	return t, nil
}

func leU64(b []byte) uint64 {
	var v uint64
	for i := 7; i >= 0; i-- {
		v = v<<8 | uint64(b[i])
	}
	return v
}

func leU32(b []byte) uint32 {
	var v uint32
	for i := 3; i >= 0; i-- {
		v = v<<8 | uint32(b[i])
	}
	return v
}

// VerifyBlock checks the block of level levelIdx containing logical offset
// against its recorded hash, walking up through the lower-numbered levels
// until it reaches one covered by an already-cached-good ancestor or the
// master hash, §4.5 steps 1-4. Levels whose hash_data_size is zero are
// skipped, so the master hash covers the lowest non-empty level. On
// success the verified (level, block) pair is cached.
func (t *Tree) VerifyBlock(ctx context.Context, levelIdx int, logicalOffset int64, data []byte) error {
	hdr := t.levels[levelIdx]
	blockSize := hdr.BlockSizeBytes()
	blockStart := (logicalOffset / blockSize) * blockSize
	key := cacheKey{level: levelIdx, block: blockStart}

	if t.cache.contains(key) {
		return nil
	}

	got := sha256.Sum256(padToBlock(data, blockSize))

	parentIdx := levelIdx - 1
	for parentIdx >= 0 && t.levels[parentIdx].HashDataSize == 0 {
		parentIdx--
	}
	if parentIdx < 0 {
		if got != t.masterHash {
			return &nca.Error{Kind: nca.KindIntegrityFailure, Section: t.sectionIdx, Level: levelIdx, Offset: blockStart}
		}
		t.cache.store(key)
		return nil
	}

	parent := t.levels[parentIdx]
	hashIndex := blockStart / blockSize
	parentBlockSize := parent.BlockSizeBytes()
	hashEntrySize := int64(32)
	hashOffsetInLevel := hashIndex * hashEntrySize
	parentBlockStart := (hashOffsetInLevel / parentBlockSize) * parentBlockSize
	parentKey := cacheKey{level: parentIdx, block: parentBlockStart}

	if !t.cache.contains(parentKey) {
		parentBlock, err := t.reader.Read(ctx, parent.LogicalOffset+parentBlockStart, parentBlockSize)
		if err != nil {
			return &nca.Error{Kind: nca.KindIo, Section: t.sectionIdx, Level: parentIdx, Offset: parentBlockStart, Cause: err}
		}
		if err := t.VerifyBlock(ctx, parentIdx, hashOffsetInLevel, parentBlock); err != nil {
			return err
		}
	}

	parentBlock, err := t.reader.Read(ctx, parent.LogicalOffset+parentBlockStart, parentBlockSize)
	if err != nil {
		return &nca.Error{Kind: nca.KindIo, Section: t.sectionIdx, Level: parentIdx, Offset: parentBlockStart, Cause: err}
	}
	offInParentBlock := hashOffsetInLevel - parentBlockStart
	var want [32]byte
	copy(want[:], parentBlock[offInParentBlock:offInParentBlock+32])
	if got != want {
		return &nca.Error{Kind: nca.KindIntegrityFailure, Section: t.sectionIdx, Level: levelIdx, Offset: blockStart}
	}
	t.cache.store(key)
	return nil
}

// DataLevel returns the index of the final, data-bearing level (5).
func (t *Tree) DataLevel() int { return levelCount - 1 }

// Verify implements nca.Verifier: it splits the decrypted, sectionOffset-
// aligned data into the data level's hash-block granularity and verifies
// each covered block, §4.5. sectionOffset is assumed pre-aligned by the
// caller (nca.SectionHandle widens every read to Alignment(), the data
// level's hash-block size, whenever that is a multiple of the cipher's
// block size).
func (t *Tree) Verify(ctx context.Context, data []byte, sectionOffset int64) error {
	dataLevel := t.DataLevel()
	blockSize := t.levels[dataLevel].BlockSizeBytes()
	logicalBase := t.levels[dataLevel].LogicalOffset

	pos := int64(0)
	for pos < int64(len(data)) {
		logicalOffset := sectionOffset + pos - logicalBase
		blockStart := (logicalOffset / blockSize) * blockSize
		blockEnd := blockStart + blockSize
		chunkStart := blockStart + logicalBase - sectionOffset
		chunkEnd := blockEnd + logicalBase - sectionOffset
		if chunkStart < 0 {
			chunkStart = 0
		}
		if chunkEnd > int64(len(data)) {
			chunkEnd = int64(len(data))
		}
		if err := t.VerifyBlock(ctx, dataLevel, logicalOffset, data[chunkStart:chunkEnd]); err != nil {
			return err
		}
		pos = chunkEnd
	}
	return nil
}

// Level returns the header for the given level index.
func (t *Tree) Level(i int) LevelHeader { return t.levels[i] }

// Alignment implements nca.Verifier: the data level's hash-block size, so
// SectionHandle never hands Verify a fragment smaller than one hash block.
func (t *Tree) Alignment() int64 { return t.levels[t.DataLevel()].BlockSizeBytes() }

func padToBlock(data []byte, blockSize int64) []byte {
	if int64(len(data)) == blockSize {
		return data
	}
	padded := make([]byte, blockSize)
	copy(padded, data)
	return padded
}

type cacheKey struct {
	level int
	block int64
}

// blockCache is a small LRU of verified (level, block) pairs.
type blockCache struct {
	mu       sync.Mutex
	capacity int
	items    map[cacheKey]*list.Element
	order    *list.List
}

func newBlockCache(capacity int) *blockCache {
	return &blockCache{
		capacity: capacity,
		items:    make(map[cacheKey]*list.Element, capacity),
		order:    list.New(),
	}
}

func (c *blockCache) contains(key cacheKey) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	elem, ok := c.items[key]
	if !ok {
		return false
	}
	c.order.MoveToFront(elem)
	return true
}

func (c *blockCache) store(key cacheKey) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if elem, ok := c.items[key]; ok {
		c.order.MoveToFront(elem)
		return
	}
	if c.order.Len() >= c.capacity {
		back := c.order.Back()
		if back != nil {
			evicted := c.order.Remove(back).(cacheKey)
			delete(c.items, evicted)
		}
	}
	elem := c.order.PushFront(key)
	c.items[key] = elem
}
