package staterepository

import (
	"bytes"
	"math/rand"
	"testing"
	"time"

	"github.com/cockroachdb/pebble"
	"github.com/google/go-cmp/cmp"
	"github.com/google/uuid"

	"vitacore/pkg/config"
	"vitacore/pkg/cpu"
	"vitacore/pkg/errors"
	"vitacore/pkg/kernel"
	"vitacore/pkg/mem"
)

func openRepo(t *testing.T) *Repository {
	t.Helper()
	r, err := Open(t.TempDir(), Options{})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { r.Close() })
	return r
}

func randomBytes(rng *rand.Rand, n int) []byte {
	b := make([]byte, n)
	rng.Read(b)
	return b
}

func testSnapshot() Snapshot {
	rng := rand.New(rand.NewSource(1))
	var ctx cpu.Context
	for i := range ctx.R {
		ctx.R[i] = rng.Uint32()
	}
	ctx.S[7] = 0x40490fdb
	ctx.CPSR = 0x60000030
	return Snapshot{
		Label:     "boot",
		CreatedAt: time.Unix(1700000000, 1234),
		Threads: []kernel.ThreadSnapshot{
			{UID: 3, Name: "main", Status: kernel.ThreadSuspend, Context: ctx},
			{UID: 9, Name: "worker", Status: kernel.ThreadDormant},
		},
		Regions: []Region{
			{Addr: 0x81000000, Name: "code", Data: randomBytes(rng, 4096)},
			{Addr: 0x81001000, Name: "odd", Data: randomBytes(rng, 1001)},
			{Addr: 0x81002000, Name: "tiny", Data: []byte{0x5a}},
			{Addr: 0x81003000, Name: "empty", Data: []byte{}},
		},
	}
}

func TestSaveLoadRoundTrip(t *testing.T) {
	r := openRepo(t)
	want := testSnapshot()
	id, err := r.SaveSnapshot(want)
	if err != nil {
		t.Fatalf("SaveSnapshot: %v", err)
	}
	if id == uuid.Nil {
		t.Fatal("no ID assigned")
	}
	want.ID = id

	got, err := r.LoadSnapshot(id)
	if err != nil {
		t.Fatalf("LoadSnapshot: %v", err)
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("snapshot (-want +got):\n%s", diff)
	}
}

func TestLoadRebuildsLostShards(t *testing.T) {
	r := openRepo(t)
	want := testSnapshot()
	id, err := r.SaveSnapshot(want)
	if err != nil {
		t.Fatal(err)
	}

	// one shard gone and one corrupt per region is within the two parity
	// shards
	for region := range want.Regions {
		if err := r.db.Delete(shardKey(id, uint32(region), 0), pebble.Sync); err != nil {
			t.Fatal(err)
		}
		key := shardKey(id, uint32(region), 4)
		val, closer, err := r.db.Get(key)
		if err == pebble.ErrNotFound {
			continue
		}
		if err != nil {
			t.Fatal(err)
		}
		bad := append([]byte(nil), val...)
		closer.Close()
		bad[len(bad)-1] ^= 0xff
		r.db.Set(key, bad, pebble.Sync)
	}

	got, err := r.LoadSnapshot(id)
	if err != nil {
		t.Fatalf("LoadSnapshot after damage: %v", err)
	}
	for i, region := range got.Regions {
		if !bytes.Equal(region.Data, want.Regions[i].Data) {
			t.Errorf("region %s not rebuilt", region.Name)
		}
	}

	// a third loss is too many
	r.db.Delete(shardKey(id, 0, 1), pebble.Sync)
	if _, err := r.LoadSnapshot(id); err == nil {
		t.Error("LoadSnapshot succeeded with three shards lost")
	}
}

func TestListAndDelete(t *testing.T) {
	r := openRepo(t)
	first := testSnapshot()
	second := testSnapshot()
	second.Label = "later"
	second.CreatedAt = first.CreatedAt.Add(time.Minute)
	second.Regions = second.Regions[:1]

	// saved out of order, listed oldest first
	id2, _ := r.SaveSnapshot(second)
	id1, _ := r.SaveSnapshot(first)

	list, err := r.ListSnapshots()
	if err != nil {
		t.Fatal(err)
	}
	want := []Summary{
		{ID: id1, Label: "boot", CreatedAt: first.CreatedAt, Threads: 2, Regions: 4, Bytes: 4096 + 1001 + 1},
		{ID: id2, Label: "later", CreatedAt: second.CreatedAt, Threads: 2, Regions: 1, Bytes: 4096},
	}
	if diff := cmp.Diff(want, list); diff != "" {
		t.Errorf("ListSnapshots (-want +got):\n%s", diff)
	}

	if err := r.DeleteSnapshot(id1); err != nil {
		t.Fatal(err)
	}
	if _, err := r.LoadSnapshot(id1); !errors.Is(err, ErrSnapshotNotFound) {
		t.Errorf("LoadSnapshot after delete = %v", err)
	}
	if err := r.DeleteSnapshot(id1); !errors.Is(err, ErrSnapshotNotFound) {
		t.Errorf("second delete = %v", err)
	}

	// the other snapshot's shards survive the range delete
	if _, err := r.LoadSnapshot(id2); err != nil {
		t.Errorf("LoadSnapshot(other) = %v", err)
	}
	iter, _ := r.db.NewIter(&pebble.IterOptions{LowerBound: shardsPrefix(id1), UpperBound: prefixEnd(shardsPrefix(id1))})
	defer iter.Close()
	if iter.First() {
		t.Errorf("shard %x left behind", iter.Key())
	}
}

func TestPrefixEnd(t *testing.T) {
	for _, tc := range []struct{ in, want []byte }{
		{[]byte{1, 2}, []byte{1, 3}},
		{[]byte{1, 0xff}, []byte{2}},
		{[]byte{0xff, 0xff}, nil},
	} {
		if got := prefixEnd(tc.in); !bytes.Equal(got, tc.want) {
			t.Errorf("prefixEnd(%x) = %x, want %x", tc.in, got, tc.want)
		}
	}
}

func TestCaptureRestore(t *testing.T) {
	m, err := mem.New(mem.Config{Size: 16 << 20})
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { m.Close() })
	cfg := config.Default()
	cfg.MemorySize = 16 << 20
	cfg.HardwareProtection = false
	cfg.CPUBackend = config.BackendInterpreter
	cfg.StackSize = 0x4000
	k, err := kernel.New(m, cfg)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(k.Close)

	data := m.Alloc(mem.PageSize, "data")
	m.WriteCString(data, "before")
	uid, _ := k.CreateThread("main", 0x8000, 0, 0)
	th := k.Thread(uid)
	var ctx cpu.Context
	ctx.R[4] = 44
	th.SetContext(ctx)

	r := openRepo(t)
	id, err := r.SaveSnapshot(Capture(k, "test"))
	if err != nil {
		t.Fatal(err)
	}

	m.WriteCString(data, "after!")
	th.SetContext(cpu.Context{})
	m.Free(data)

	snap, err := r.LoadSnapshot(id)
	if err != nil {
		t.Fatal(err)
	}
	regions, threads := Restore(k, snap)
	if threads != 1 {
		t.Errorf("restored %d threads", threads)
	}
	if regions == 0 {
		t.Error("no regions restored")
	}
	if s, _ := m.ReadCString(data, 16); s != "before" {
		t.Errorf("data = %q after restore", s)
	}
	if got, _ := th.Context(); got.R[4] != 44 {
		t.Errorf("r4 = %d after restore", got.R[4])
	}
}
