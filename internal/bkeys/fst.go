package bkeys

import (
	"bytes"
	"errors"
	"fmt"
	"maps"
	"sort"

	"github.com/blevesearch/vellum"
)

// FstKeys stores entries in a vellum finite-state transducer. The
// automaton itself is immutable; Insert and Remove buffer into pending
// sets that Compile merges into a rebuilt automaton. Get consults the
// pending sets first, so point reads are correct between mutations and
// Compile; the positional and range operations compile on demand.
type FstKeys struct {
	fst    *vellum.FST
	data   []byte
	length int

	additions map[string]uint64
	deletions map[string]struct{}

	// walkErr latches the first automaton walk failure. Get cannot
	// report errors, so the failure surfaces on the next fallible
	// operation instead of being dropped.
	walkErr error
}

func newFstKeys() (*FstKeys, error) {
	return newFstFromEntries(nil)
}

func newFstFromEntries(entries []Entry) (*FstKeys, error) {
	var buf bytes.Buffer
	b, err := vellum.New(&buf, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: fst builder: %v", ErrKeyEncoding, err)
	}
	for _, e := range entries {
		if err := b.Insert(e.Key, e.Payload); err != nil {
			return nil, fmt.Errorf("%w: fst insert %q: %v", ErrKeyEncoding, e.Key, err)
		}
	}
	if err := b.Close(); err != nil {
		return nil, fmt.Errorf("%w: fst finalize: %v", ErrKeyEncoding, err)
	}
	data := bytes.Clone(buf.Bytes())
	fst, err := vellum.Load(data)
	if err != nil {
		return nil, fmt.Errorf("%w: fst load: %v", ErrSerialization, err)
	}
	return &FstKeys{
		fst:       fst,
		data:      data,
		length:    fst.Len(),
		additions: make(map[string]uint64),
		deletions: make(map[string]struct{}),
	}, nil
}

func decodeFstKeys(data []byte) (*FstKeys, error) {
	fst, err := vellum.Load(data)
	if err != nil {
		return nil, fmt.Errorf("%w: fst load: %v", ErrSerialization, err)
	}
	return &FstKeys{
		fst:       fst,
		data:      data,
		length:    fst.Len(),
		additions: make(map[string]uint64),
		deletions: make(map[string]struct{}),
	}, nil
}

// Encoding identifies the backend.
func (f *FstKeys) Encoding() Encoding { return EncodingFst }

// Len returns the number of entries, pending mutations included.
func (f *FstKeys) Len() int { return f.length }

func (f *FstKeys) dirty() bool {
	return len(f.additions) > 0 || len(f.deletions) > 0
}

// Get returns the payload stored under key, consulting the pending
// mutation sets before the automaton.
func (f *FstKeys) Get(key []byte) (uint64, bool) {
	if _, ok := f.deletions[string(key)]; ok {
		return 0, false
	}
	if p, ok := f.additions[string(key)]; ok {
		return p, true
	}
	p, ok, err := f.fst.Get(key)
	if err != nil {
		f.walkErr = err
		return 0, false
	}
	if !ok {
		return 0, false
	}
	return p, true
}

// Insert buffers key for the next Compile and returns the previous
// payload if the key already existed.
func (f *FstKeys) Insert(key []byte, payload uint64) (uint64, bool) {
	prev, existed := f.Get(key)
	k := string(key)
	delete(f.deletions, k)
	f.additions[k] = payload
	if !existed {
		f.length++
	}
	return prev, existed
}

// Remove buffers the deletion of key and returns the payload it held.
func (f *FstKeys) Remove(key []byte) (uint64, bool) {
	prev, existed := f.Get(key)
	if !existed {
		return 0, false
	}
	k := string(key)
	delete(f.additions, k)
	f.deletions[k] = struct{}{}
	f.length--
	return prev, true
}

// Compile merges the pending mutation sets with the existing automaton
// stream into a freshly built automaton. No-op when nothing is pending.
func (f *FstKeys) Compile() error {
	if f.walkErr != nil {
		return fmt.Errorf("%w: fst walk: %v", ErrSerialization, f.walkErr)
	}
	if !f.dirty() {
		return nil
	}

	pending := make([]string, 0, len(f.additions))
	for k := range f.additions {
		pending = append(pending, k)
	}
	sort.Strings(pending)

	var buf bytes.Buffer
	b, err := vellum.New(&buf, nil)
	if err != nil {
		return fmt.Errorf("%w: fst builder: %v", ErrKeyEncoding, err)
	}

	itr, err := f.fst.Iterator(nil, nil)
	done := errors.Is(err, vellum.ErrIteratorDone)
	if err != nil && !done {
		return fmt.Errorf("%w: fst iterator: %v", ErrSerialization, err)
	}
	advance := func() error {
		err := itr.Next()
		if errors.Is(err, vellum.ErrIteratorDone) {
			done = true
			return nil
		}
		if err != nil {
			return fmt.Errorf("%w: fst iterator: %v", ErrSerialization, err)
		}
		return nil
	}
	emit := func(k []byte, v uint64) error {
		if err := b.Insert(k, v); err != nil {
			return fmt.Errorf("%w: fst insert %q: %v", ErrKeyEncoding, k, err)
		}
		return nil
	}

	// Two-way merge of the automaton stream and the sorted additions,
	// dropping keys marked deleted. Additions win on equal keys.
	pi := 0
	for !done || pi < len(pending) {
		switch {
		case done:
			k := pending[pi]
			if err := emit([]byte(k), f.additions[k]); err != nil {
				return err
			}
			pi++
		case pi == len(pending):
			k, v := itr.Current()
			if _, del := f.deletions[string(k)]; !del {
				if err := emit(k, v); err != nil {
					return err
				}
			}
			if err := advance(); err != nil {
				return err
			}
		default:
			k, v := itr.Current()
			switch cmp := bytes.Compare(k, []byte(pending[pi])); {
			case cmp < 0:
				if _, del := f.deletions[string(k)]; !del {
					if err := emit(k, v); err != nil {
						return err
					}
				}
				if err := advance(); err != nil {
					return err
				}
			case cmp > 0:
				if err := emit([]byte(pending[pi]), f.additions[pending[pi]]); err != nil {
					return err
				}
				pi++
			default:
				if err := emit(k, f.additions[pending[pi]]); err != nil {
					return err
				}
				pi++
				if err := advance(); err != nil {
					return err
				}
			}
		}
	}

	if err := b.Close(); err != nil {
		return fmt.Errorf("%w: fst finalize: %v", ErrKeyEncoding, err)
	}
	data := bytes.Clone(buf.Bytes())
	fst, err := vellum.Load(data)
	if err != nil {
		return fmt.Errorf("%w: fst load: %v", ErrSerialization, err)
	}

	f.fst = fst
	f.data = data
	f.length = fst.Len()
	f.additions = make(map[string]uint64)
	f.deletions = make(map[string]struct{})
	return nil
}

// KeyAt returns the key at the given sorted position, or nil when the
// index is out of range.
func (f *FstKeys) KeyAt(index int) ([]byte, error) {
	if index < 0 || index >= f.Len() {
		return nil, nil
	}
	if err := f.Compile(); err != nil {
		return nil, err
	}
	itr, err := f.fst.Iterator(nil, nil)
	if errors.Is(err, vellum.ErrIteratorDone) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("%w: fst iterator: %v", ErrSerialization, err)
	}
	for i := 0; i < index; i++ {
		if err := itr.Next(); err != nil {
			if errors.Is(err, vellum.ErrIteratorDone) {
				return nil, nil
			}
			return nil, fmt.Errorf("%w: fst iterator: %v", ErrSerialization, err)
		}
	}
	k, _ := itr.Current()
	return cloneKey(k), nil
}

// FirstEntry returns the smallest entry, or a nil key when empty.
func (f *FstKeys) FirstEntry() ([]byte, uint64, error) {
	if err := f.Compile(); err != nil {
		return nil, 0, err
	}
	itr, err := f.fst.Iterator(nil, nil)
	if errors.Is(err, vellum.ErrIteratorDone) {
		return nil, 0, nil
	}
	if err != nil {
		return nil, 0, fmt.Errorf("%w: fst iterator: %v", ErrSerialization, err)
	}
	k, v := itr.Current()
	return cloneKey(k), v, nil
}

// LastEntry returns the largest entry, or a nil key when empty.
func (f *FstKeys) LastEntry() ([]byte, uint64, error) {
	entries, err := f.Entries()
	if err != nil || len(entries) == 0 {
		return nil, 0, err
	}
	e := entries[len(entries)-1]
	return e.Key, e.Payload, nil
}

// ChildIndex returns the number of keys strictly below key.
func (f *FstKeys) ChildIndex(key []byte) (int, error) {
	if len(key) == 0 {
		return 0, nil
	}
	if err := f.Compile(); err != nil {
		return 0, err
	}
	itr, err := f.fst.Iterator(nil, key)
	if errors.Is(err, vellum.ErrIteratorDone) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("%w: fst iterator: %v", ErrSerialization, err)
	}
	n := 0
	for {
		n++
		if err := itr.Next(); err != nil {
			if errors.Is(err, vellum.ErrIteratorDone) {
				return n, nil
			}
			return 0, fmt.Errorf("%w: fst iterator: %v", ErrSerialization, err)
		}
	}
}

// Entries returns every entry in ascending order.
func (f *FstKeys) Entries() ([]Entry, error) {
	if err := f.Compile(); err != nil {
		return nil, err
	}
	if f.length == 0 {
		return nil, nil
	}
	itr, err := f.fst.Iterator(nil, nil)
	if errors.Is(err, vellum.ErrIteratorDone) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("%w: fst iterator: %v", ErrSerialization, err)
	}
	entries := make([]Entry, 0, f.length)
	for {
		k, v := itr.Current()
		entries = append(entries, Entry{Key: cloneKey(k), Payload: v})
		if err := itr.Next(); err != nil {
			if errors.Is(err, vellum.ErrIteratorDone) {
				return entries, nil
			}
			return nil, fmt.Errorf("%w: fst iterator: %v", ErrSerialization, err)
		}
	}
}

// CollectWithPrefix returns the entries whose keys start with prefix.
func (f *FstKeys) CollectWithPrefix(prefix []byte) ([]Entry, error) {
	if err := f.Compile(); err != nil {
		return nil, err
	}
	itr, err := f.fst.Iterator(prefix, PrefixSuccessor(prefix))
	if errors.Is(err, vellum.ErrIteratorDone) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("%w: fst iterator: %v", ErrSerialization, err)
	}
	var entries []Entry
	for {
		k, v := itr.Current()
		entries = append(entries, Entry{Key: cloneKey(k), Payload: v})
		if err := itr.Next(); err != nil {
			if errors.Is(err, vellum.ErrIteratorDone) {
				return entries, nil
			}
			return nil, fmt.Errorf("%w: fst iterator: %v", ErrSerialization, err)
		}
	}
}

// Append inserts every entry.
func (f *FstKeys) Append(entries []Entry) error {
	for _, e := range entries {
		f.Insert(e.Key, e.Payload)
	}
	if f.walkErr != nil {
		return fmt.Errorf("%w: fst walk: %v", ErrSerialization, f.walkErr)
	}
	return nil
}

// Split partitions the container at its median index.
func (f *FstKeys) Split() (SplitKeys, error) {
	entries, err := f.Entries()
	if err != nil {
		return SplitKeys{}, err
	}
	if len(entries) == 0 {
		return SplitKeys{}, fmt.Errorf("%w: split of empty key set", ErrStructure)
	}
	median := len(entries) / 2
	left, err := newFstFromEntries(entries[:median])
	if err != nil {
		return SplitKeys{}, err
	}
	right, err := newFstFromEntries(entries[median+1:])
	if err != nil {
		return SplitKeys{}, err
	}
	return SplitKeys{
		Left:          left,
		Right:         right,
		MedianKey:     entries[median].Key,
		MedianPayload: entries[median].Payload,
		MedianIdx:     median,
	}, nil
}

// Clone returns an independently mutable copy. The automaton bytes are
// shared; only the pending sets are copied.
func (f *FstKeys) Clone() BKeys {
	return &FstKeys{
		fst:       f.fst,
		data:      f.data,
		length:    f.length,
		additions: maps.Clone(f.additions),
		deletions: maps.Clone(f.deletions),
		walkErr:   f.walkErr,
	}
}

// Encode compiles pending mutations and returns the automaton bytes.
func (f *FstKeys) Encode() ([]byte, error) {
	if err := f.Compile(); err != nil {
		return nil, err
	}
	return f.data, nil
}
