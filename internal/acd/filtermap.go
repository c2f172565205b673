package acd

import (
	"fmt"

	"github.com/cilium/ebpf"
)

// filterMapInitialCapacity is the smallest hash-map size a filter starts
// with. Capacity doubles before an insertion would fill the map, so at
// least one free slot always stays ahead of the current population (§4.3).
const filterMapInitialCapacity = 8

// ebpfFilterMap owns the BPF_MAP_TYPE_HASH map backing a kernelFilter. It
// is rebuilt (not resized in place — the kernel doesn't support that) and
// swapped into the attached program whenever population reaches capacity.
type ebpfFilterMap struct {
	m        *ebpf.Map
	capacity uint32
	entries  map[uint32]struct{}
}

func newEBPFFilterMap() (*ebpfFilterMap, error) {
	f := &ebpfFilterMap{entries: make(map[uint32]struct{})}
	if err := f.allocate(filterMapInitialCapacity); err != nil {
		return nil, err
	}
	return f, nil
}

func (f *ebpfFilterMap) allocate(capacity uint32) error {
	m, err := ebpf.NewMap(&ebpf.MapSpec{
		Name:       "acd_filter",
		Type:       ebpf.Hash,
		KeySize:    4, // big-endian IPv4 address
		ValueSize:  1, // presence marker only
		MaxEntries: capacity,
	})
	if err != nil {
		return fmt.Errorf("%w: allocate filter map: %v", ErrResourceExhausted, err)
	}
	f.m = m
	f.capacity = capacity
	return nil
}

// add inserts key into the map, growing one slot ahead of population
// first if this insertion would otherwise fill the map.
func (f *ebpfFilterMap) add(key uint32) error {
	if _, ok := f.entries[key]; ok {
		return nil
	}
	if uint32(len(f.entries))+1 >= f.capacity {
		if err := f.grow(f.capacity * 2); err != nil {
			return err
		}
	}
	if err := f.m.Put(key, uint8(1)); err != nil {
		return fmt.Errorf("%w: filter map put: %v", ErrResourceExhausted, err)
	}
	f.entries[key] = struct{}{}
	return nil
}

func (f *ebpfFilterMap) remove(key uint32) error {
	if _, ok := f.entries[key]; !ok {
		return nil
	}
	delete(f.entries, key)
	if err := f.m.Delete(key); err != nil {
		return fmt.Errorf("filter map delete: %w", err)
	}
	return nil
}

// grow allocates a fresh, larger map, copies every existing entry across,
// and swaps it in as the map-in-use. The caller (ebpfFilter) is
// responsible for re-attaching the classifier program against the new
// map's fd afterward.
func (f *ebpfFilterMap) grow(capacity uint32) error {
	old := f.m
	oldEntries := f.entries
	f.entries = make(map[uint32]struct{}, len(oldEntries))

	if err := f.allocate(capacity); err != nil {
		f.entries = oldEntries
		f.m = old
		return err
	}

	for key := range oldEntries {
		if err := f.m.Put(key, uint8(1)); err != nil {
			return fmt.Errorf("%w: filter map grow copy: %v", ErrResourceExhausted, err)
		}
		f.entries[key] = struct{}{}
	}

	_ = old.Close()
	return nil
}

func (f *ebpfFilterMap) close() error {
	return f.m.Close()
}
