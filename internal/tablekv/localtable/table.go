// Package localtable implements the table half of the local filesystem
// backend (spec.md §6.1, §9 component C9): an offline, single-process
// drop-in for tablekv.TableClient backed by one JSON file per table, with
// advisory file locking so concurrent processes pointed at the same
// directory don't tear each other's writes (spec.md §9 "per-type-file
// exclusive advisory locking").
package localtable

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"golang.org/x/sys/unix"
)

// row is the on-disk shape of one item: plain JSON-friendly attribute
// values in the tagged form of avjson.go, converted to and from attribute
// values at load/save time.
type row = map[string]interface{}

// Table is a single table's items, persisted as one JSON file under a
// directory shared by every table opened against that directory.
type Table struct {
	mu   sync.Mutex
	path string
	lock *os.File

	// items keyed by "pk\x00sk".
	items map[string]item
}

func itemKey(pk, sk string) string { return pk + "\x00" + sk }

// Open loads (or creates) the table file for tableName under dir.
func Open(dir, tableName string) (*Table, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("creating local table directory %s: %w", dir, err)
	}
	path := filepath.Join(dir, tableName+".json")
	t := &Table{path: path, items: make(map[string]item)}
	if err := t.load(); err != nil {
		return nil, err
	}
	return t, nil
}

func (t *Table) lockFile() (func(), error) {
	f, err := os.OpenFile(t.path+".lock", os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return nil, fmt.Errorf("opening lock file: %w", err)
	}
	if err := unix.Flock(int(f.Fd()), unix.LOCK_EX); err != nil {
		f.Close()
		return nil, fmt.Errorf("acquiring advisory lock on %s: %w", t.path, err)
	}
	return func() {
		unix.Flock(int(f.Fd()), unix.LOCK_UN)
		f.Close()
	}, nil
}

func (t *Table) load() error {
	unlock, err := t.lockFile()
	if err != nil {
		return err
	}
	defer unlock()

	data, err := os.ReadFile(t.path)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("reading local table file %s: %w", t.path, err)
	}
	if len(data) == 0 {
		return nil
	}
	var raw map[string]row
	if err := json.Unmarshal(data, &raw); err != nil {
		return fmt.Errorf("unmarshaling local table file %s: %w", t.path, err)
	}
	for k, r := range raw {
		it, err := rowToItem(r)
		if err != nil {
			return err
		}
		t.items[k] = it
	}
	return nil
}

// persist writes the full table back to disk. Called with t.mu held.
func (t *Table) persist() error {
	unlock, err := t.lockFile()
	if err != nil {
		return err
	}
	defer unlock()

	raw := make(map[string]row, len(t.items))
	for k, it := range t.items {
		r, err := itemToRow(it)
		if err != nil {
			return err
		}
		raw[k] = r
	}
	data, err := json.MarshalIndent(raw, "", "  ")
	if err != nil {
		return fmt.Errorf("marshaling local table file %s: %w", t.path, err)
	}
	tmp := t.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("writing local table file %s: %w", t.path, err)
	}
	if err := os.Rename(tmp, t.path); err != nil {
		return fmt.Errorf("renaming local table file %s: %w", t.path, err)
	}
	return nil
}

func rowToItem(r row) (item, error) {
	av, err := marshalRowToAV(r)
	if err != nil {
		return nil, err
	}
	return item(av), nil
}

func itemToRow(it item) (row, error) {
	return unmarshalAVToRow(it)
}

// get returns a defensive copy of the item at (pk, sk), if present.
func (t *Table) get(pk, sk string) (item, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	it, ok := t.items[itemKey(pk, sk)]
	if !ok {
		return nil, false
	}
	return clone(it), true
}

func (t *Table) put(pk, sk string, it item) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.items[itemKey(pk, sk)] = clone(it)
	return t.persist()
}

func (t *Table) delete(pk, sk string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.items, itemKey(pk, sk))
	return t.persist()
}

// scanIndex returns every item whose attrs[hashAttr] == hashVal, sorted by
// sortAttr ascending (string comparison, matching the engine's lexically
// sortable sort keys). Used to emulate GSI and table Query (spec.md §4.3).
func (t *Table) scanIndex(hashAttr, hashVal, sortAttr string) []item {
	t.mu.Lock()
	defer t.mu.Unlock()
	var matches []item
	for _, it := range t.items {
		hv, ok := it[hashAttr]
		if !ok {
			continue
		}
		hs, ok := hv.(*types.AttributeValueMemberS)
		if !ok || hs.Value != hashVal {
			continue
		}
		matches = append(matches, clone(it))
	}
	sort.Slice(matches, func(i, j int) bool {
		si, _ := matches[i][sortAttr].(*types.AttributeValueMemberS)
		sj, _ := matches[j][sortAttr].(*types.AttributeValueMemberS)
		vi, vj := "", ""
		if si != nil {
			vi = si.Value
		}
		if sj != nil {
			vj = sj.Value
		}
		return vi < vj
	})
	return matches
}
