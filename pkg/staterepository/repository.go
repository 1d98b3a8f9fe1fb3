package staterepository

import (
	"bytes"
	"fmt"
	"sort"
	"time"

	"github.com/cockroachdb/pebble"
	"github.com/google/uuid"
	"github.com/klauspost/reedsolomon"
	"golang.org/x/crypto/blake2b"

	"vitacore/pkg/errors"
	"vitacore/pkg/kernel"
	"vitacore/pkg/logger"
	"vitacore/pkg/serializer"
)

var ErrSnapshotNotFound = errors.Errorf("snapshot not found")

// Region is the contents of one guest allocation.
type Region struct {
	Addr uint32
	Name string
	Data []byte
}

// Snapshot is the saved state of a process: thread contexts and the bytes
// of every allocation.
type Snapshot struct {
	ID        uuid.UUID
	Label     string
	CreatedAt time.Time
	Threads   []kernel.ThreadSnapshot
	Regions   []Region
}

// Summary describes a stored snapshot without loading its memory.
type Summary struct {
	ID        uuid.UUID
	Label     string
	CreatedAt time.Time
	Threads   int
	Regions   int
	Bytes     uint64
}

// Options selects how region images are split. Zero values pick 4 data and
// 2 parity shards.
type Options struct {
	DataShards   int
	ParityShards int
}

// meta is the stored form of a snapshot, minus the region bytes.
type meta struct {
	ID           [16]byte
	Label        string
	CreatedAt    int64
	DataShards   uint8
	ParityShards uint8
	Threads      []kernel.ThreadSnapshot
	Regions      []regionHeader
}

type regionHeader struct {
	Addr     uint32
	Name     string
	Size     uint32
	Checksum [32]byte
}

// Repository stores snapshots in a pebble database. Each region image is
// reed-solomon coded so that up to ParityShards lost or corrupt shards can
// be rebuilt on load.
type Repository struct {
	db           *pebble.DB
	enc          reedsolomon.Encoder
	dataShards   int
	parityShards int
	log          *logger.Logger
}

func Open(dir string, opts Options) (*Repository, error) {
	if opts.DataShards == 0 {
		opts.DataShards = 4
	}
	if opts.ParityShards == 0 {
		opts.ParityShards = 2
	}
	if opts.DataShards+opts.ParityShards > 255 {
		return nil, errors.Errorf("too many shards: %d+%d", opts.DataShards, opts.ParityShards)
	}
	enc, err := reedsolomon.New(opts.DataShards, opts.ParityShards)
	if err != nil {
		return nil, errors.Wrap(err, "failed to create reed-solomon encoder")
	}

	db, err := pebble.Open(dir, &pebble.Options{})
	if err != nil {
		return nil, errors.Wrap(err, "failed to open snapshot database")
	}

	return &Repository{
		db:           db,
		enc:          enc,
		dataShards:   opts.DataShards,
		parityShards: opts.ParityShards,
		log:          logger.New("snapshots"),
	}, nil
}

func (r *Repository) Close() error {
	return r.db.Close()
}

// sealShard prefixes a shard with its checksum.
func sealShard(shard []byte) []byte {
	sum := blake2b.Sum256(shard)
	return append(sum[:], shard...)
}

// openShard checks and strips the checksum. The result does not alias v.
func openShard(v []byte) ([]byte, bool) {
	if len(v) < blake2b.Size256 {
		return nil, false
	}
	shard := v[blake2b.Size256:]
	if sum := blake2b.Sum256(shard); !bytes.Equal(sum[:], v[:blake2b.Size256]) {
		return nil, false
	}
	return append([]byte(nil), shard...), true
}

// SaveSnapshot stores s and returns its ID, assigning a new one if s.ID is
// zero.
func (r *Repository) SaveSnapshot(s Snapshot) (uuid.UUID, error) {
	if s.ID == uuid.Nil {
		s.ID = uuid.New()
	}
	if s.CreatedAt.IsZero() {
		s.CreatedAt = time.Now()
	}

	m := meta{
		ID:           s.ID,
		Label:        s.Label,
		CreatedAt:    s.CreatedAt.UnixNano(),
		DataShards:   uint8(r.dataShards),
		ParityShards: uint8(r.parityShards),
		Threads:      s.Threads,
	}

	batch := r.db.NewBatch()
	defer batch.Close()

	for i, region := range s.Regions {
		m.Regions = append(m.Regions, regionHeader{
			Addr:     region.Addr,
			Name:     region.Name,
			Size:     uint32(len(region.Data)),
			Checksum: blake2b.Sum256(region.Data),
		})
		if len(region.Data) == 0 {
			continue
		}

		// Split may reuse the buffer it is given
		shards, err := r.enc.Split(append([]byte(nil), region.Data...))
		if err != nil {
			return uuid.Nil, errors.Wrap(err, fmt.Sprintf("failed to split region %08x", region.Addr))
		}
		if err := r.enc.Encode(shards); err != nil {
			return uuid.Nil, errors.Wrap(err, fmt.Sprintf("failed to encode region %08x", region.Addr))
		}
		for j, shard := range shards {
			if err := batch.Set(shardKey(s.ID, uint32(i), uint16(j)), sealShard(shard), nil); err != nil {
				return uuid.Nil, errors.Wrap(err, "failed to stage shard")
			}
		}
	}

	if err := batch.Set(metaKey(s.ID), serializer.Serialize(&m), nil); err != nil {
		return uuid.Nil, errors.Wrap(err, "failed to stage snapshot metadata")
	}
	if err := batch.Commit(pebble.Sync); err != nil {
		return uuid.Nil, errors.Wrap(err, "failed to commit snapshot")
	}

	r.log.Printf("saved snapshot %s %q: %d threads, %d regions", s.ID, s.Label, len(s.Threads), len(s.Regions))
	return s.ID, nil
}

func (r *Repository) loadMeta(id uuid.UUID) (meta, error) {
	var m meta
	val, closer, err := r.db.Get(metaKey(id))
	if err == pebble.ErrNotFound {
		return m, errors.Wrap(ErrSnapshotNotFound, id.String())
	}
	if err != nil {
		return m, errors.Wrap(err, "failed to read snapshot metadata")
	}
	defer closer.Close()

	if err := serializer.Deserialize(val, &m); err != nil {
		return m, errors.Wrap(err, fmt.Sprintf("corrupt metadata for snapshot %s", id))
	}
	return m, nil
}

// LoadSnapshot reads a snapshot back, rebuilding region shards that are
// missing or fail their checksum.
func (r *Repository) LoadSnapshot(id uuid.UUID) (Snapshot, error) {
	m, err := r.loadMeta(id)
	if err != nil {
		return Snapshot{}, err
	}

	enc := r.enc
	if int(m.DataShards) != r.dataShards || int(m.ParityShards) != r.parityShards {
		if enc, err = reedsolomon.New(int(m.DataShards), int(m.ParityShards)); err != nil {
			return Snapshot{}, errors.Wrap(err, fmt.Sprintf("snapshot %s has unusable shard counts", id))
		}
	}

	s := Snapshot{
		ID:        m.ID,
		Label:     m.Label,
		CreatedAt: time.Unix(0, m.CreatedAt),
		Threads:   m.Threads,
	}
	for i, h := range m.Regions {
		data, err := r.loadRegion(enc, id, uint32(i), h, int(m.DataShards)+int(m.ParityShards))
		if err != nil {
			return Snapshot{}, err
		}
		s.Regions = append(s.Regions, Region{Addr: h.Addr, Name: h.Name, Data: data})
	}
	return s, nil
}

func (r *Repository) loadRegion(enc reedsolomon.Encoder, id uuid.UUID, region uint32, h regionHeader, total int) ([]byte, error) {
	if h.Size == 0 {
		return []byte{}, nil
	}

	shards := make([][]byte, total)
	lost := 0
	for j := range shards {
		val, closer, err := r.db.Get(shardKey(id, region, uint16(j)))
		if err == pebble.ErrNotFound {
			lost++
			continue
		}
		if err != nil {
			return nil, errors.Wrap(err, "failed to read shard")
		}
		shard, ok := openShard(val)
		closer.Close()
		if !ok {
			lost++
			continue
		}
		shards[j] = shard
	}

	if lost > 0 {
		if err := enc.ReconstructData(shards); err != nil {
			return nil, errors.Wrap(err, fmt.Sprintf("region %08x of snapshot %s is unrecoverable", h.Addr, id))
		}
		r.log.Printf("snapshot %s: rebuilt %d shards of region %08x", id, lost, h.Addr)
	}

	var buf bytes.Buffer
	if err := enc.Join(&buf, shards, int(h.Size)); err != nil {
		return nil, errors.Wrap(err, fmt.Sprintf("failed to join region %08x", h.Addr))
	}
	if blake2b.Sum256(buf.Bytes()) != h.Checksum {
		return nil, errors.Errorf("region %08x of snapshot %s fails its checksum", h.Addr, id)
	}
	return buf.Bytes(), nil
}

// ListSnapshots returns every stored snapshot, oldest first.
func (r *Repository) ListSnapshots() ([]Summary, error) {
	iter, err := r.db.NewIter(&pebble.IterOptions{
		LowerBound: []byte{metaPrefix},
		UpperBound: []byte{metaPrefix + 1},
	})
	if err != nil {
		return nil, errors.Wrap(err, "failed to list snapshots")
	}
	defer iter.Close()

	var list []Summary
	for iter.First(); iter.Valid(); iter.Next() {
		var m meta
		if err := serializer.Deserialize(iter.Value(), &m); err != nil {
			r.log.Printf("skipping unreadable snapshot metadata %x: %v", iter.Key(), err)
			continue
		}
		sum := Summary{
			ID:        m.ID,
			Label:     m.Label,
			CreatedAt: time.Unix(0, m.CreatedAt),
			Threads:   len(m.Threads),
			Regions:   len(m.Regions),
		}
		for _, h := range m.Regions {
			sum.Bytes += uint64(h.Size)
		}
		list = append(list, sum)
	}
	if err := iter.Error(); err != nil {
		return nil, errors.Wrap(err, "failed to list snapshots")
	}

	sort.Slice(list, func(i, j int) bool {
		if !list[i].CreatedAt.Equal(list[j].CreatedAt) {
			return list[i].CreatedAt.Before(list[j].CreatedAt)
		}
		return bytes.Compare(list[i].ID[:], list[j].ID[:]) < 0
	})
	return list, nil
}

func (r *Repository) DeleteSnapshot(id uuid.UUID) error {
	if _, err := r.loadMeta(id); err != nil {
		return err
	}

	batch := r.db.NewBatch()
	defer batch.Close()
	prefix := shardsPrefix(id)
	if err := batch.DeleteRange(prefix, prefixEnd(prefix), nil); err != nil {
		return errors.Wrap(err, "failed to stage shard deletion")
	}
	if err := batch.Delete(metaKey(id), nil); err != nil {
		return errors.Wrap(err, "failed to stage metadata deletion")
	}
	if err := batch.Commit(pebble.Sync); err != nil {
		return errors.Wrap(err, "failed to delete snapshot")
	}
	r.log.Printf("deleted snapshot %s", id)
	return nil
}
