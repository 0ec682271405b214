package bytecode

import "github.com/dolthub/swiss"

// SpawnIndex answers, for a given PC, which locals spawn or die at that
// instruction, without a linear scan of FunctionPrototype.Locals on every
// step of the decompile pass. Built once per function and consulted on
// every instruction the parser visits (spec §4.8's local spawn/kill
// protocol).
type SpawnIndex struct {
	spawns *swiss.Map[uint32, []int]
	kills  *swiss.Map[uint32, []int]
}

// NewSpawnIndex builds the PC -> local-index lookup for fn's locals table.
// A local with StartPC == s spawns at s; its half-open liveness interval
// means it is killed exactly when PC reaches EndPC.
func NewSpawnIndex(fn *FunctionPrototype) *SpawnIndex {
	idx := &SpawnIndex{
		spawns: swiss.NewMap[uint32, []int](uint32(len(fn.Locals))),
		kills:  swiss.NewMap[uint32, []int](uint32(len(fn.Locals))),
	}
	for i, l := range fn.Locals {
		spawnPC := uint32(l.StartPC)
		cur, _ := idx.spawns.Get(spawnPC)
		idx.spawns.Put(spawnPC, append(cur, i))

		killPC := uint32(l.EndPC)
		cur, _ = idx.kills.Get(killPC)
		idx.kills.Put(killPC, append(cur, i))
	}
	return idx
}

// SpawnedAt returns the indices of locals whose liveness interval begins at
// pc, in declaration order.
func (s *SpawnIndex) SpawnedAt(pc int) []int {
	v, ok := s.spawns.Get(uint32(pc))
	if !ok {
		return nil
	}
	return v
}

// KilledAt returns the indices of locals whose liveness interval ends at
// pc (i.e. no longer alive once PC reaches pc), in declaration order.
func (s *SpawnIndex) KilledAt(pc int) []int {
	v, ok := s.kills.Get(uint32(pc))
	if !ok {
		return nil
	}
	return v
}
