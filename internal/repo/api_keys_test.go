package repo_test

import (
	"context"
	"errors"
	"testing"

	"stageline/internal/db"
	"stageline/internal/domain"
	"stageline/internal/migrate"
	"stageline/internal/repo"
)

func newKeyRepo(t *testing.T) repo.Repo {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return repo.Repo{DB: conn}
}

func TestHashAPIKeyNormalizesWhitespace(t *testing.T) {
	if repo.HashAPIKey("sgl_secret") != repo.HashAPIKey("  sgl_secret\n") {
		t.Fatal("surrounding whitespace must not change the digest")
	}
	if repo.HashAPIKey("sgl_secret") == repo.HashAPIKey("sgl_other") {
		t.Fatal("distinct keys hashed to the same digest")
	}
}

func TestAPIKeyInsertAndLookup(t *testing.T) {
	r := newKeyRepo(t)
	ctx := context.Background()
	plaintext := "sgl_test_key"
	key := domain.APIKey{
		ID:      "key-1",
		ActorID: "agent-dev",
		Name:    "dev agent",
		KeyHash: repo.HashAPIKey(plaintext),
	}
	if err := r.InsertAPIKey(ctx, nil, key); err != nil {
		t.Fatalf("insert: %v", err)
	}

	got, err := r.GetAPIKeyByHash(ctx, repo.HashAPIKey(plaintext))
	if err != nil {
		t.Fatal(err)
	}
	if got.ActorID != "agent-dev" || got.Name != "dev agent" || got.CreatedAt == "" {
		t.Fatalf("lookup returned %+v", got)
	}

	if _, err := r.GetAPIKeyByHash(ctx, repo.HashAPIKey("never-minted")); !errors.Is(err, repo.ErrNotFound) {
		t.Fatalf("unknown digest: got %v, want ErrNotFound", err)
	}
}

func TestAPIKeyDuplicateHashRejected(t *testing.T) {
	r := newKeyRepo(t)
	ctx := context.Background()
	hash := repo.HashAPIKey("sgl_dup")
	if err := r.InsertAPIKey(ctx, nil, domain.APIKey{ID: "key-1", ActorID: "a", KeyHash: hash}); err != nil {
		t.Fatal(err)
	}
	err := r.InsertAPIKey(ctx, nil, domain.APIKey{ID: "key-2", ActorID: "b", KeyHash: hash})
	if !repo.IsUniqueViolation(err) {
		t.Fatalf("duplicate hash: got %v, want unique violation", err)
	}
}

func TestListAPIKeysFiltersByActor(t *testing.T) {
	r := newKeyRepo(t)
	ctx := context.Background()
	for i, actor := range []string{"agent-dev", "agent-dev", "agent-qa"} {
		key := domain.APIKey{
			ID:      "key-" + string(rune('a'+i)),
			ActorID: actor,
			KeyHash: repo.HashAPIKey("key-" + string(rune('a'+i))),
		}
		if err := r.InsertAPIKey(ctx, nil, key); err != nil {
			t.Fatal(err)
		}
	}
	all, err := r.ListAPIKeys(ctx, "")
	if err != nil {
		t.Fatal(err)
	}
	if len(all) != 3 {
		t.Fatalf("listed %d keys, want 3", len(all))
	}
	dev, err := r.ListAPIKeys(ctx, "agent-dev")
	if err != nil {
		t.Fatal(err)
	}
	if len(dev) != 2 {
		t.Fatalf("listed %d keys for agent-dev, want 2", len(dev))
	}
	for _, k := range dev {
		if k.ActorID != "agent-dev" {
			t.Fatalf("filtered list leaked %+v", k)
		}
	}
}

func TestDeleteAPIKeyRevokes(t *testing.T) {
	r := newKeyRepo(t)
	ctx := context.Background()
	hash := repo.HashAPIKey("sgl_revoke_me")
	if err := r.InsertAPIKey(ctx, nil, domain.APIKey{ID: "key-1", ActorID: "a", KeyHash: hash}); err != nil {
		t.Fatal(err)
	}
	if err := r.DeleteAPIKey(ctx, "key-1"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, err := r.GetAPIKeyByHash(ctx, hash); !errors.Is(err, repo.ErrNotFound) {
		t.Fatalf("revoked key still resolves: %v", err)
	}
	if err := r.DeleteAPIKey(ctx, "key-1"); !errors.Is(err, repo.ErrNotFound) {
		t.Fatalf("repeat revocation: got %v, want ErrNotFound", err)
	}
}
