package cache

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/dataclinica/bedflow/internal/domain/bed"
)

type fakeStore struct {
	data    map[string]string
	ttls    map[string]time.Duration
	deleted []string
	err     error
}

func newFakeStore() *fakeStore {
	return &fakeStore{data: map[string]string{}, ttls: map[string]time.Duration{}}
}

func (f *fakeStore) Get(_ context.Context, key string) *redis.StringCmd {
	if f.err != nil {
		return redis.NewStringResult("", f.err)
	}
	v, ok := f.data[key]
	if !ok {
		return redis.NewStringResult("", redis.Nil)
	}
	return redis.NewStringResult(v, nil)
}

func (f *fakeStore) Set(_ context.Context, key string, value interface{}, ttl time.Duration) *redis.StatusCmd {
	if f.err != nil {
		return redis.NewStatusResult("", f.err)
	}
	f.data[key] = string(value.([]byte))
	f.ttls[key] = ttl
	return redis.NewStatusResult("OK", nil)
}

func (f *fakeStore) Del(_ context.Context, keys ...string) *redis.IntCmd {
	for _, k := range keys {
		delete(f.data, k)
	}
	f.deleted = append(f.deleted, keys...)
	return redis.NewIntResult(int64(len(keys)), nil)
}

type snapshot struct {
	Total    int `json:"total"`
	Occupied int `json:"occupied"`
}

func TestRedis_RoundTripWithTTL(t *testing.T) {
	fs := newFakeStore()
	c := New(fs, 20*time.Second, zerolog.Nop())

	var got snapshot
	ok, err := c.GetJSON(context.Background(), "capacity:icu", &got)
	if err != nil || ok {
		t.Fatalf("expected clean miss, got ok=%v err=%v", ok, err)
	}

	if err := c.SetJSON(context.Background(), "capacity:icu", snapshot{Total: 10, Occupied: 7}); err != nil {
		t.Fatal(err)
	}
	if fs.ttls["bedflow:capacity:icu"] != 20*time.Second {
		t.Errorf("ttl = %v, want 20s", fs.ttls["bedflow:capacity:icu"])
	}
	ok, err = c.GetJSON(context.Background(), "capacity:icu", &got)
	if err != nil || !ok {
		t.Fatalf("expected hit, got ok=%v err=%v", ok, err)
	}
	if got.Occupied != 7 {
		t.Errorf("occupied = %d, want 7", got.Occupied)
	}
}

func TestRedis_ErrorsSurface(t *testing.T) {
	fs := newFakeStore()
	fs.err = errors.New("connection refused")
	c := New(fs, 0, zerolog.Nop())

	var got snapshot
	if _, err := c.GetJSON(context.Background(), "k", &got); err == nil {
		t.Error("expected read error")
	}
	if err := c.SetJSON(context.Background(), "k", got); err == nil {
		t.Error("expected write error")
	}
}

func TestRedis_CorruptEntryIsAnError(t *testing.T) {
	fs := newFakeStore()
	fs.data["bedflow:capacity:_all"] = "{not json"
	var got snapshot
	ok, err := New(fs, 0, zerolog.Nop()).GetJSON(context.Background(), "capacity:_all", &got)
	if ok || err == nil {
		t.Fatalf("expected decode error, got ok=%v err=%v", ok, err)
	}
}

func TestRedis_BedChangeEvictsSnapshots(t *testing.T) {
	fs := newFakeStore()
	c := New(fs, 0, zerolog.Nop())
	_ = c.SetJSON(context.Background(), "capacity:icu", snapshot{Total: 1})
	_ = c.SetJSON(context.Background(), "capacity:_all", snapshot{Total: 1})
	_ = c.SetJSON(context.Background(), "capacity:ward", snapshot{Total: 1})

	c.BedChanged(context.Background(), bed.Change{DepartmentID: "icu", From: bed.StatusAvailable, To: bed.StatusReserved})

	if _, ok := fs.data["bedflow:capacity:icu"]; ok {
		t.Error("icu snapshot should be evicted")
	}
	if _, ok := fs.data["bedflow:capacity:_all"]; ok {
		t.Error("hospital-wide snapshot should be evicted")
	}
	if _, ok := fs.data["bedflow:capacity:ward"]; !ok {
		t.Error("ward snapshot should survive")
	}
}
