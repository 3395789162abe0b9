package redis

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/covpipe/covpipe"
)

// mockRedis is a map-backed Cache used by package tests across the module.
// TTLs are recorded but not enforced; tests simulate expiry by deleting
// keys. All operations are safe for concurrent use.
type mockRedis struct {
	mu      sync.Mutex
	strings map[string]string
	structs map[string][]byte
	lists   map[string][][]byte
	sets    map[string]map[string]struct{}
	hashes  map[string]map[string][]byte
	zsets   map[string]map[string]float64
}

// NewMockClient returns a new in-memory Cache mock.
func NewMockClient() covpipe.Cache {
	return &mockRedis{
		strings: make(map[string]string),
		structs: make(map[string][]byte),
		lists:   make(map[string][][]byte),
		sets:    make(map[string]map[string]struct{}),
		hashes:  make(map[string]map[string][]byte),
		zsets:   make(map[string]map[string]float64),
	}
}

func (m *mockRedis) Ping(ctx context.Context) error { return nil }

func (m *mockRedis) Set(ctx context.Context, key string, value string, expiration time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.strings[key] = value
	return nil
}

func (m *mockRedis) Get(ctx context.Context, key string) (bool, string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.strings[key]
	return ok, v, nil
}

func (m *mockRedis) GetEx(ctx context.Context, key string, expiration time.Duration) (bool, string, error) {
	// Ignore TTL in mock; behave like Get.
	return m.Get(ctx, key)
}

func (m *mockRedis) SetStruct(ctx context.Context, key string, value any, expiration time.Duration) error {
	ba, err := covpipe.DefaultMarshaler.Marshal(value)
	if err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.structs[key] = ba
	return nil
}

func (m *mockRedis) GetStruct(ctx context.Context, key string, target any) (bool, error) {
	m.mu.Lock()
	ba, ok := m.structs[key]
	m.mu.Unlock()
	if !ok {
		// Real client returns (false, nil) when key not found.
		return false, nil
	}
	return true, covpipe.DefaultMarshaler.Unmarshal(ba, target)
}

func (m *mockRedis) Delete(ctx context.Context, keys []string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	deletedAny := false
	for _, k := range keys {
		for _, del := range []func(string) bool{
			func(k string) bool { _, ok := m.strings[k]; delete(m.strings, k); return ok },
			func(k string) bool { _, ok := m.structs[k]; delete(m.structs, k); return ok },
			func(k string) bool { _, ok := m.lists[k]; delete(m.lists, k); return ok },
			func(k string) bool { _, ok := m.sets[k]; delete(m.sets, k); return ok },
			func(k string) bool { _, ok := m.hashes[k]; delete(m.hashes, k); return ok },
			func(k string) bool { _, ok := m.zsets[k]; delete(m.zsets, k); return ok },
		} {
			if del(k) {
				deletedAny = true
			}
		}
	}
	return deletedAny, nil
}

func (m *mockRedis) RPush(ctx context.Context, key string, values ...[]byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, v := range values {
		cp := make([]byte, len(v))
		copy(cp, v)
		m.lists[key] = append(m.lists[key], cp)
	}
	return nil
}

func (m *mockRedis) LPop(ctx context.Context, key string) (bool, []byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	l := m.lists[key]
	if len(l) == 0 {
		return false, nil, nil
	}
	v := l[0]
	m.lists[key] = l[1:]
	return true, v, nil
}

func (m *mockRedis) LLen(ctx context.Context, key string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return int64(len(m.lists[key])), nil
}

func (m *mockRedis) set(key string) map[string]struct{} {
	s, ok := m.sets[key]
	if !ok {
		s = make(map[string]struct{})
		m.sets[key] = s
	}
	return s
}

func (m *mockRedis) SAdd(ctx context.Context, key string, members ...string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s := m.set(key)
	for _, mem := range members {
		s[mem] = struct{}{}
	}
	return nil
}

func (m *mockRedis) SRem(ctx context.Context, key string, members ...string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s := m.sets[key]
	for _, mem := range members {
		delete(s, mem)
	}
	return nil
}

func (m *mockRedis) SMove(ctx context.Context, source string, destination string, member string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s := m.sets[source]
	if _, ok := s[member]; !ok {
		return false, nil
	}
	delete(s, member)
	m.set(destination)[member] = struct{}{}
	return true, nil
}

func (m *mockRedis) SCard(ctx context.Context, key string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return int64(len(m.sets[key])), nil
}

func (m *mockRedis) SMembers(ctx context.Context, key string) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r := make([]string, 0, len(m.sets[key]))
	for mem := range m.sets[key] {
		r = append(r, mem)
	}
	sort.Strings(r)
	return r, nil
}

func (m *mockRedis) SRandMemberN(ctx context.Context, key string, count int64) ([]string, error) {
	// Deterministic "random" sample for tests: sorted prefix.
	members, _ := m.SMembers(ctx, key)
	if int64(len(members)) > count {
		members = members[:count]
	}
	return members, nil
}

func (m *mockRedis) HSet(ctx context.Context, key string, fields map[string][]byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	h, ok := m.hashes[key]
	if !ok {
		h = make(map[string][]byte)
		m.hashes[key] = h
	}
	for f, v := range fields {
		cp := make([]byte, len(v))
		copy(cp, v)
		h[f] = cp
	}
	return nil
}

func (m *mockRedis) HGetAll(ctx context.Context, key string) (map[string][]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r := make(map[string][]byte, len(m.hashes[key]))
	for f, v := range m.hashes[key] {
		r[f] = v
	}
	return r, nil
}

func (m *mockRedis) Expire(ctx context.Context, key string, ttl time.Duration) error {
	// TTLs not enforced in mock.
	return nil
}

func (m *mockRedis) Incr(ctx context.Context, key string) (int64, error) {
	return m.IncrBy(ctx, key, 1)
}

func (m *mockRedis) IncrBy(ctx context.Context, key string, n int64) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var cur int64
	if v, ok := m.strings[key]; ok {
		fmt.Sscanf(v, "%d", &cur)
	}
	cur += n
	m.strings[key] = fmt.Sprintf("%d", cur)
	return cur, nil
}

func (m *mockRedis) ZAdd(ctx context.Context, key string, score float64, member []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	z, ok := m.zsets[key]
	if !ok {
		z = make(map[string]float64)
		m.zsets[key] = z
	}
	z[string(member)] = score
	return nil
}

func (m *mockRedis) ZPopByScore(ctx context.Context, key string, max float64, count int64) ([][]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	type entry struct {
		member string
		score  float64
	}
	var due []entry
	for mem, score := range m.zsets[key] {
		if score <= max {
			due = append(due, entry{mem, score})
		}
	}
	sort.Slice(due, func(i, j int) bool {
		if due[i].score != due[j].score {
			return due[i].score < due[j].score
		}
		return due[i].member < due[j].member
	})
	if int64(len(due)) > count {
		due = due[:count]
	}
	r := make([][]byte, 0, len(due))
	for _, e := range due {
		delete(m.zsets[key], e.member)
		r = append(r, []byte(e.member))
	}
	return r, nil
}

// Lock protocol mirrors the real client: value is the owner's lock ID.
func (m *mockRedis) Lock(ctx context.Context, duration time.Duration, lockKeys []*covpipe.LockKey) (bool, covpipe.UUID, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, lk := range lockKeys {
		if v, ok := m.strings[lk.Key]; ok {
			if v != lk.LockID.String() {
				id, _ := covpipe.ParseUUID(v)
				return false, id, nil
			}
			continue
		}
		m.strings[lk.Key] = lk.LockID.String()
		lk.IsLockOwner = true
	}
	return true, covpipe.NilUUID, nil
}

func (m *mockRedis) Unlock(ctx context.Context, lockKeys []*covpipe.LockKey) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, lk := range lockKeys {
		if !lk.IsLockOwner {
			continue
		}
		if v, ok := m.strings[lk.Key]; ok && v == lk.LockID.String() {
			delete(m.strings, lk.Key)
		}
	}
	return nil
}

func (m *mockRedis) IsLocked(ctx context.Context, lockKeys []*covpipe.LockKey) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r := true
	for _, lk := range lockKeys {
		if v, ok := m.strings[lk.Key]; ok && v == lk.LockID.String() {
			lk.IsLockOwner = true
			continue
		}
		lk.IsLockOwner = false
		r = false
	}
	return r, nil
}

func (m *mockRedis) IsLockedByOthers(ctx context.Context, lockKeyNames []string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(lockKeyNames) == 0 {
		return false, nil
	}
	for _, lkn := range lockKeyNames {
		if _, ok := m.strings[lkn]; !ok {
			return false, nil
		}
	}
	return true, nil
}

func (m *mockRedis) CreateLockKeys(keys []string) []*covpipe.LockKey {
	lockKeys := make([]*covpipe.LockKey, len(keys))
	for i := range keys {
		lockKeys[i] = &covpipe.LockKey{
			Key:    m.FormatLockKey(keys[i]),
			LockID: covpipe.NewUUID(),
		}
	}
	return lockKeys
}

func (m *mockRedis) FormatLockKey(k string) string { return "L" + k }
