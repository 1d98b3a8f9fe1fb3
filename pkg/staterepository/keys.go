package staterepository

import (
	"encoding/binary"

	"github.com/google/uuid"
)

// Key layout:
//
//	'm' | id                      snapshot metadata
//	's' | id | region u32 | shard u16   one reed-solomon shard of a region
const (
	metaPrefix  = 'm'
	shardPrefix = 's'
)

func metaKey(id uuid.UUID) []byte {
	key := make([]byte, 1+len(id))
	key[0] = metaPrefix
	copy(key[1:], id[:])
	return key
}

func shardKey(id uuid.UUID, region uint32, shard uint16) []byte {
	key := make([]byte, 1+len(id)+4+2)
	key[0] = shardPrefix
	copy(key[1:], id[:])
	binary.BigEndian.PutUint32(key[17:], region)
	binary.BigEndian.PutUint16(key[21:], shard)
	return key
}

// shardsPrefix is the common prefix of every shard key of a snapshot.
func shardsPrefix(id uuid.UUID) []byte {
	return shardKey(id, 0, 0)[:1+len(id)]
}

// prefixEnd returns the smallest key greater than every key with the prefix.
func prefixEnd(prefix []byte) []byte {
	end := append([]byte(nil), prefix...)
	for i := len(end) - 1; i >= 0; i-- {
		end[i]++
		if end[i] != 0 {
			return end[:i+1]
		}
	}
	return nil
}
