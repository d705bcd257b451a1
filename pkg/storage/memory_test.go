package storage

import (
	"context"
	"errors"
	"reflect"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
)

func TestMemoryStore_SetGetDelete(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	if _, err := s.Get(ctx, "missing"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("Get(missing) error = %v, want ErrNotFound", err)
	}

	if err := s.Set(ctx, "a", []byte("1")); err != nil {
		t.Fatalf("Set failed: %v", err)
	}
	got, err := s.Get(ctx, "a")
	if err != nil || string(got) != "1" {
		t.Fatalf("Get(a) = %q, %v", got, err)
	}

	// Returned slices are copies.
	got[0] = 'x'
	again, _ := s.Get(ctx, "a")
	if string(again) != "1" {
		t.Errorf("stored value mutated through returned slice: %q", again)
	}

	if err := s.Delete(ctx, "a"); err != nil {
		t.Fatalf("Delete failed: %v", err)
	}
	if _, err := s.Get(ctx, "a"); !errors.Is(err, ErrNotFound) {
		t.Errorf("Get after Delete error = %v, want ErrNotFound", err)
	}
}

func TestMemoryStore_SubscribeSeesWrites(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	var changes []Change
	unsubscribe := s.Subscribe(func(c Change) { changes = append(changes, c) })

	_ = s.Set(ctx, "k", []byte("v1"))
	_ = s.Update(ctx, "k", func(cur []byte) ([]byte, error) {
		return append(cur, '2'), nil
	})
	_ = s.Delete(ctx, "k")
	_ = s.Delete(ctx, "k") // missing key, no notification

	unsubscribe()
	_ = s.Set(ctx, "k", []byte("ignored"))

	want := []Change{
		{Key: "k", Value: []byte("v1")},
		{Key: "k", Value: []byte("v12")},
		{Key: "k", Value: nil},
	}
	if !reflect.DeepEqual(changes, want) {
		t.Errorf("changes = %+v, want %+v", changes, want)
	}
}

func TestMemoryStore_UpdateError(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	_ = s.Set(ctx, "k", []byte("keep"))

	boom := errors.New("boom")
	err := s.Update(ctx, "k", func([]byte) ([]byte, error) { return nil, boom })
	if !errors.Is(err, boom) {
		t.Fatalf("Update error = %v, want boom", err)
	}

	got, _ := s.Get(ctx, "k")
	if string(got) != "keep" {
		t.Errorf("value = %q, want unchanged", got)
	}
}

func TestMemoryStore_Keys(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	_ = s.Set(ctx, "cache:b", nil)
	_ = s.Set(ctx, "cache:a", nil)
	_ = s.Set(ctx, "pref:theme", nil)

	keys, err := s.Keys(ctx, "cache:")
	if err != nil {
		t.Fatal(err)
	}
	if !reflect.DeepEqual(keys, []string{"cache:a", "cache:b"}) {
		t.Errorf("Keys = %v", keys)
	}
}

func TestEnvelope_Expiry(t *testing.T) {
	ctx := context.Background()
	clock := clockwork.NewFakeClockAt(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	s := NewMemoryStore()

	if err := PutJSON(ctx, s, "k", map[string]int{"total": 42}, clock.Now(), time.Minute); err != nil {
		t.Fatal(err)
	}

	var v map[string]int
	env, err := GetJSON(ctx, s, "k", &v, clock.Now())
	if err != nil {
		t.Fatalf("GetJSON failed: %v", err)
	}
	if v["total"] != 42 {
		t.Errorf("value = %v", v)
	}
	if env.Expiry == nil || *env.Expiry != clock.Now().Add(time.Minute).UnixMilli() {
		t.Errorf("expiry = %v", env.Expiry)
	}

	clock.Advance(time.Minute)
	if _, err := GetJSON(ctx, s, "k", &v, clock.Now()); !errors.Is(err, ErrNotFound) {
		t.Fatalf("GetJSON after expiry error = %v, want ErrNotFound", err)
	}
	if _, err := s.Get(ctx, "k"); !errors.Is(err, ErrNotFound) {
		t.Error("expired envelope should be deleted")
	}
}

func TestPreferences(t *testing.T) {
	ctx := context.Background()
	clock := clockwork.NewFakeClock()
	prefs := NewPreferences(NewMemoryStore(), clock)

	token, err := prefs.GetString(ctx, AuthTokenKey)
	if err != nil || token != "" {
		t.Fatalf("GetString(missing) = %q, %v", token, err)
	}

	if err := prefs.Set(ctx, AuthTokenKey, "secret", time.Hour); err != nil {
		t.Fatal(err)
	}
	if err := prefs.Set(ctx, "theme", "dark", 0); err != nil {
		t.Fatal(err)
	}

	token, _ = prefs.GetString(ctx, AuthTokenKey)
	if token != "secret" {
		t.Errorf("token = %q, want secret", token)
	}

	clock.Advance(2 * time.Hour)
	token, _ = prefs.GetString(ctx, AuthTokenKey)
	if token != "" {
		t.Errorf("token after expiry = %q, want empty", token)
	}
	theme, _ := prefs.GetString(ctx, "theme")
	if theme != "dark" {
		t.Errorf("theme = %q, want dark (no expiry)", theme)
	}
}
