package server

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/TonyBeen/p2p/internal/kv"
)

var errStoreDown = errors.New("store down")

// fakeStore is an in-memory kv.Store shared by every pool handle in tests.
// Setting fail simulates an unreachable store.
type fakeStore struct {
	mu     sync.Mutex
	hashes map[string]map[string]string
	values map[string]string
	fail   atomic.Bool
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		hashes: make(map[string]map[string]string),
		values: make(map[string]string),
	}
}

func (f *fakeStore) pool(size int) (*kv.Pool, error) {
	return kv.NewPool(size, func() (kv.Store, error) { return f, nil })
}

func (f *fakeStore) hashFields(key string) map[string]string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make(map[string]string, len(f.hashes[key]))
	for k, v := range f.hashes[key] {
		out[k] = v
	}
	return out
}

func (f *fakeStore) seedHash(key string, fields map[string]string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	m := make(map[string]string, len(fields))
	for k, v := range fields {
		m[k] = v
	}
	f.hashes[key] = m
}

func (f *fakeStore) dropKey(key string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.hashes, key)
	delete(f.values, key)
}

func (f *fakeStore) Set(_ context.Context, key, value string) error {
	if f.fail.Load() {
		return errStoreDown
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.values[key] = value
	return nil
}

func (f *fakeStore) Get(_ context.Context, key string) (string, error) {
	if f.fail.Load() {
		return "", errStoreDown
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	v, ok := f.values[key]
	if !ok {
		return "", kv.ErrNotFound
	}
	return v, nil
}

func (f *fakeStore) Exists(_ context.Context, key string) (bool, error) {
	if f.fail.Load() {
		return false, errStoreDown
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.hashes[key]; ok {
		return true, nil
	}
	_, ok := f.values[key]
	return ok, nil
}

func (f *fakeStore) Del(_ context.Context, keys ...string) error {
	if f.fail.Load() {
		return errStoreDown
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, k := range keys {
		delete(f.hashes, k)
		delete(f.values, k)
	}
	return nil
}

func (f *fakeStore) HSet(_ context.Context, key, field, value string) error {
	if f.fail.Load() {
		return errStoreDown
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	m, ok := f.hashes[key]
	if !ok {
		m = make(map[string]string)
		f.hashes[key] = m
	}
	m[field] = value
	return nil
}

func (f *fakeStore) HGet(_ context.Context, key, field string) (string, error) {
	if f.fail.Load() {
		return "", errStoreDown
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	v, ok := f.hashes[key][field]
	if !ok {
		return "", kv.ErrNotFound
	}
	return v, nil
}

func (f *fakeStore) HGetAll(_ context.Context, key string) (map[string]string, error) {
	if f.fail.Load() {
		return nil, errStoreDown
	}
	return f.hashFields(key), nil
}

func (f *fakeStore) HDel(_ context.Context, key string, fields ...string) error {
	if f.fail.Load() {
		return errStoreDown
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, field := range fields {
		delete(f.hashes[key], field)
	}
	return nil
}

func (f *fakeStore) Expire(context.Context, string, time.Duration) error {
	if f.fail.Load() {
		return errStoreDown
	}
	return nil
}

func (f *fakeStore) Keys(_ context.Context, _ string) ([]string, error) {
	if f.fail.Load() {
		return nil, errStoreDown
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, 0, len(f.hashes)+len(f.values))
	for k := range f.hashes {
		out = append(out, k)
	}
	for k := range f.values {
		out = append(out, k)
	}
	return out, nil
}

func (f *fakeStore) Close() error { return nil }
