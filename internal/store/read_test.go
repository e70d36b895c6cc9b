package store

import (
	"errors"
	"testing"

	"github.com/roach88/feedlog/internal/envelope"
)

func TestGet(t *testing.T) {
	s := createTestStore(t)
	k := createTestKeys(t)
	envs := createTestFeed(t, k, 2, postContent)
	appendTestFeed(t, s, envs)

	got, err := s.Get(t.Context(), envs[1].Key)
	if err != nil {
		t.Fatalf("Get() failed: %v", err)
	}
	if got.Key != envs[1].Key {
		t.Errorf("Key = %s, want %s", got.Key, envs[1].Key)
	}
	if got.Value.Sequence != 2 || got.Value.Author != k.ID {
		t.Errorf("Value = %+v", got.Value)
	}
	if got.Value.Previous == nil || *got.Value.Previous != envs[0].Key {
		t.Errorf("Previous = %v, want %s", got.Value.Previous, envs[0].Key)
	}

	// The stored value must still verify and hash to its key.
	if err := envelope.Verify(got.Value, nil); err != nil {
		t.Errorf("stored value no longer verifies: %v", err)
	}
	key, err := envelope.KeyOf(got.Value)
	if err != nil || key != got.Key {
		t.Errorf("KeyOf(stored) = (%s, %v), want %s", key, err, got.Key)
	}
}

func TestGet_NotFound(t *testing.T) {
	s := createTestStore(t)
	_, err := s.Get(t.Context(), "%AAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAA=.sha256")
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("Get() err = %v, want ErrNotFound", err)
	}
}

func TestLast(t *testing.T) {
	s := createTestStore(t)
	k := createTestKeys(t)
	envs := createTestFeed(t, k, 4, postContent)
	appendTestFeed(t, s, envs)

	got, err := s.Last(t.Context(), k.ID)
	if err != nil {
		t.Fatalf("Last() failed: %v", err)
	}
	if got.Key != envs[3].Key {
		t.Errorf("Last() key = %s, want %s", got.Key, envs[3].Key)
	}

	_, err = s.Last(t.Context(), createTestKeys(t).ID)
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("Last() of empty feed err = %v, want ErrNotFound", err)
	}
}

func TestRange(t *testing.T) {
	s := createTestStore(t)
	a, b := createTestKeys(t), createTestKeys(t)
	appendTestFeed(t, s, createTestFeed(t, a, 10, postContent))
	appendTestFeed(t, s, createTestFeed(t, b, 3, postContent))

	tests := []struct {
		name  string
		query RangeQuery
		want  []int64
	}{
		{"all", RangeQuery{Author: a.ID}, []int64{1, 2, 3, 4, 5, 6, 7, 8, 9, 10}},
		{"since", RangeQuery{Author: a.ID, Since: 7}, []int64{8, 9, 10}},
		{"limit", RangeQuery{Author: a.ID, Limit: 3}, []int64{1, 2, 3}},
		{"since and limit", RangeQuery{Author: a.ID, Since: 4, Limit: 2}, []int64{5, 6}},
		{"past the end", RangeQuery{Author: a.ID, Since: 10}, []int64{}},
		{"other author", RangeQuery{Author: b.ID}, []int64{1, 2, 3}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			envs, err := s.Range(t.Context(), tt.query)
			if err != nil {
				t.Fatalf("Range() failed: %v", err)
			}
			got := make([]int64, len(envs))
			for i, env := range envs {
				got[i] = env.Value.Sequence
				if env.Value.Author != tt.query.Author {
					t.Errorf("envelope %d author = %s", i, env.Value.Author)
				}
			}
			if len(got) != len(tt.want) {
				t.Fatalf("sequences = %v, want %v", got, tt.want)
			}
			for i := range got {
				if got[i] != tt.want[i] {
					t.Fatalf("sequences = %v, want %v", got, tt.want)
				}
			}
		})
	}
}

func TestAbout(t *testing.T) {
	s := createTestStore(t)
	alice, bob := createTestKeys(t), createTestKeys(t)

	about := func(name string) func(int) any {
		return func(int) any { return map[string]any{"type": "about", "about": "self", "name": name} }
	}

	// alice claims "alice" and later renames herself; bob claims "bob".
	aliceFeed := createTestFeed(t, alice, 1, about("alice"))
	appendTestFeed(t, s, aliceFeed)
	appendTestFeed(t, s, createTestFeed(t, bob, 1, about("bob")))

	got, err := s.About(t.Context(), "alice")
	if err != nil {
		t.Fatalf("About(alice) failed: %v", err)
	}
	if got.Value.Author != alice.ID {
		t.Errorf("About(alice) author = %s, want %s", got.Value.Author, alice.ID)
	}

	renamed := nextTestEnvelope(t, alice, aliceFeed[0], about("ally")(2))
	appendTestFeed(t, s, []*envelope.Envelope{renamed})

	if _, err := s.About(t.Context(), "alice"); !errors.Is(err, ErrNotFound) {
		t.Errorf("About(alice) after rename err = %v, want ErrNotFound", err)
	}
	got, err = s.About(t.Context(), "ally")
	if err != nil {
		t.Fatalf("About(ally) failed: %v", err)
	}
	if got.Key != renamed.Key {
		t.Errorf("About(ally) key = %s, want %s", got.Key, renamed.Key)
	}
}

func TestIsFollowing(t *testing.T) {
	s := createTestStore(t)
	alice, bob := createTestKeys(t), createTestKeys(t)

	contact := func(following bool) any {
		return map[string]any{"type": "contact", "contact": string(bob.ID), "following": following}
	}

	ok, err := s.IsFollowing(t.Context(), alice.ID, bob.ID)
	if err != nil || ok {
		t.Fatalf("IsFollowing() before any contact = (%v, %v), want (false, nil)", ok, err)
	}

	follow := createTestFeed(t, alice, 1, func(int) any { return contact(true) })
	appendTestFeed(t, s, follow)

	ok, err = s.IsFollowing(t.Context(), alice.ID, bob.ID)
	if err != nil || !ok {
		t.Fatalf("IsFollowing() after follow = (%v, %v), want (true, nil)", ok, err)
	}

	ok, err = s.IsFollowing(t.Context(), bob.ID, alice.ID)
	if err != nil || ok {
		t.Errorf("IsFollowing() reversed = (%v, %v), want (false, nil)", ok, err)
	}

	appendTestFeed(t, s, []*envelope.Envelope{nextTestEnvelope(t, alice, follow[0], contact(false))})

	ok, err = s.IsFollowing(t.Context(), alice.ID, bob.ID)
	if err != nil || ok {
		t.Errorf("IsFollowing() after unfollow = (%v, %v), want (false, nil)", ok, err)
	}
}
