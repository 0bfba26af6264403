package store

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
)

func TestEnsureRepositoryCreatesVersionZero(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	repo, err := s.EnsureRepository(ctx, "library/alpine")
	if err != nil {
		t.Fatalf("EnsureRepository() failed: %v", err)
	}
	again, err := s.EnsureRepository(ctx, "library/alpine")
	if err != nil {
		t.Fatalf("EnsureRepository() second call failed: %v", err)
	}
	if repo.ID != again.ID {
		t.Errorf("expected same repository, got %d and %d", repo.ID, again.ID)
	}

	versions, err := s.ListVersions(ctx, repo.ID)
	if err != nil {
		t.Fatalf("ListVersions() failed: %v", err)
	}
	if len(versions) != 1 || versions[0].Number != 0 {
		t.Fatalf("expected only version 0, got %+v", versions)
	}

	if _, err := s.GetRepository(ctx, "missing"); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestVersionCommitCopiesBaseAndAdds(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	repo, _ := s.EnsureRepository(ctx, "org/app")
	a := mustBlob(t, s, digestA)
	b := mustBlob(t, s, digestB)

	vtx, err := s.OpenRepositoryVersion(ctx, repo.ID)
	if err != nil {
		t.Fatalf("OpenRepositoryVersion() failed: %v", err)
	}
	if vtx.Number() != 1 || vtx.Base().Number != 0 {
		t.Fatalf("unexpected numbering: next=%d base=%d", vtx.Number(), vtx.Base().Number)
	}
	if err := vtx.AddContent(ctx, ContentRef{Type: ContentBlob, ID: a.ID}); err != nil {
		t.Fatalf("AddContent() failed: %v", err)
	}
	v1, err := vtx.Commit(ctx)
	if err != nil {
		t.Fatalf("Commit() failed: %v", err)
	}

	vtx, err = s.OpenRepositoryVersion(ctx, repo.ID)
	if err != nil {
		t.Fatalf("OpenRepositoryVersion() failed: %v", err)
	}
	if err := vtx.AddContent(ctx, ContentRef{Type: ContentBlob, ID: b.ID}); err != nil {
		t.Fatalf("AddContent() failed: %v", err)
	}
	v2, err := vtx.Commit(ctx)
	if err != nil {
		t.Fatalf("Commit() failed: %v", err)
	}
	if v2.Number != 2 || v2.BaseVersionID != v1.ID {
		t.Errorf("unexpected version: %+v", v2)
	}

	c1, _ := s.VersionContent(ctx, v1.ID)
	c2, _ := s.VersionContent(ctx, v2.ID)
	if len(c1) != 1 {
		t.Errorf("version 1 must stay unchanged, has %d items", len(c1))
	}
	if len(c2) != 2 {
		t.Errorf("version 2 should hold both blobs, has %d items", len(c2))
	}
}

func TestVersionCommitWithoutChangesReturnsBase(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	repo, _ := s.EnsureRepository(ctx, "org/app")
	a := mustBlob(t, s, digestA)

	vtx, _ := s.OpenRepositoryVersion(ctx, repo.ID)
	vtx.AddContent(ctx, ContentRef{Type: ContentBlob, ID: a.ID})
	v1, err := vtx.Commit(ctx)
	if err != nil {
		t.Fatalf("Commit() failed: %v", err)
	}

	vtx, _ = s.OpenRepositoryVersion(ctx, repo.ID)
	vtx.AddContent(ctx, ContentRef{Type: ContentBlob, ID: a.ID})
	same, err := vtx.Commit(ctx)
	if err != nil {
		t.Fatalf("Commit() failed: %v", err)
	}
	if same.ID != v1.ID {
		t.Errorf("expected base version %d, got %d", v1.ID, same.ID)
	}
	versions, _ := s.ListVersions(ctx, repo.ID)
	if len(versions) != 2 {
		t.Errorf("expected versions 0 and 1 only, got %d", len(versions))
	}
}

func TestVersionTagReplacement(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	repo, _ := s.EnsureRepository(ctx, "org/app")
	m1 := mustManifest(t, s, digestA, "application/vnd.oci.image.manifest.v1+json", 0)
	m2 := mustManifest(t, s, digestB, "application/vnd.oci.image.manifest.v1+json", 0)
	t1, _ := s.UpsertTag(ctx, "latest", m1.ID)
	stable, _ := s.UpsertTag(ctx, "stable", m1.ID)
	t2, _ := s.UpsertTag(ctx, "latest", m2.ID)

	vtx, _ := s.OpenRepositoryVersion(ctx, repo.ID)
	if err := vtx.AddContent(ctx, ContentRef{ContentTag, t1.ID}, ContentRef{ContentTag, stable.ID}); err != nil {
		t.Fatalf("AddContent() failed: %v", err)
	}
	v1, _ := vtx.Commit(ctx)

	vtx, _ = s.OpenRepositoryVersion(ctx, repo.ID)
	if err := vtx.AddContent(ctx, ContentRef{ContentTag, t2.ID}); err != nil {
		t.Fatalf("AddContent() failed: %v", err)
	}
	v2, _ := vtx.Commit(ctx)

	tags, err := s.ListTags(ctx, v2.ID)
	if err != nil {
		t.Fatalf("ListTags() failed: %v", err)
	}
	if len(tags) != 2 {
		t.Fatalf("expected 2 tags, got %+v", tags)
	}
	if tags[0].Name != "latest" || tags[0].ManifestDigest != digestB {
		t.Errorf("latest should point at the new manifest: %+v", tags[0])
	}
	if tags[1].Name != "stable" || tags[1].ManifestDigest != digestA {
		t.Errorf("stable should be untouched: %+v", tags[1])
	}

	old, _ := s.ListTags(ctx, v1.ID)
	if old[0].ManifestDigest != digestA {
		t.Errorf("version 1 must keep the old latest: %+v", old)
	}
}

func TestVersionRollbackIsInvisible(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	repo, _ := s.EnsureRepository(ctx, "org/app")
	a := mustBlob(t, s, digestA)

	vtx, _ := s.OpenRepositoryVersion(ctx, repo.ID)
	vtx.AddContent(ctx, ContentRef{Type: ContentBlob, ID: a.ID})
	if err := vtx.Rollback(); err != nil {
		t.Fatalf("Rollback() failed: %v", err)
	}
	if err := vtx.AddContent(ctx, ContentRef{Type: ContentBlob, ID: a.ID}); err == nil {
		t.Error("expected AddContent after Rollback to fail")
	}

	latest, err := s.LatestVersion(ctx, repo.ID)
	if err != nil {
		t.Fatalf("LatestVersion() failed: %v", err)
	}
	if latest.Number != 0 {
		t.Errorf("expected version 0 after rollback, got %d", latest.Number)
	}
}

func TestVersionClearAndRemove(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	repo, _ := s.EnsureRepository(ctx, "org/app")
	a := mustBlob(t, s, digestA)
	b := mustBlob(t, s, digestB)

	vtx, _ := s.OpenRepositoryVersion(ctx, repo.ID)
	vtx.AddContent(ctx, ContentRef{ContentBlob, a.ID}, ContentRef{ContentBlob, b.ID})
	vtx.Commit(ctx)

	vtx, _ = s.OpenRepositoryVersion(ctx, repo.ID)
	if err := vtx.RemoveContent(ctx, ContentRef{ContentBlob, a.ID}); err != nil {
		t.Fatalf("RemoveContent() failed: %v", err)
	}
	v2, _ := vtx.Commit(ctx)
	if c, _ := s.VersionContent(ctx, v2.ID); len(c) != 1 || c[0].ID != b.ID {
		t.Errorf("unexpected content after remove: %+v", c)
	}

	vtx, _ = s.OpenRepositoryVersion(ctx, repo.ID)
	if err := vtx.Clear(ctx); err != nil {
		t.Fatalf("Clear() failed: %v", err)
	}
	vtx.AddContent(ctx, ContentRef{ContentBlob, a.ID})
	v3, _ := vtx.Commit(ctx)
	if c, _ := s.VersionContent(ctx, v3.ID); len(c) != 1 || c[0].ID != a.ID {
		t.Errorf("mirror-style version should only hold blob a: %+v", c)
	}
}

func TestConcurrentVersionsSerialize(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	repo, _ := s.EnsureRepository(ctx, "org/app")

	const writers = 5
	blobIDs := make([]int64, writers)
	for i := range blobIDs {
		blobIDs[i] = mustBlob(t, s, fmt.Sprintf("sha256:%064d", i)).ID
	}

	var wg sync.WaitGroup
	errs := make(chan error, writers)
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func(id int64) {
			defer wg.Done()
			vtx, err := s.OpenRepositoryVersion(ctx, repo.ID)
			if err != nil {
				errs <- err
				return
			}
			if err := vtx.AddContent(ctx, ContentRef{ContentBlob, id}); err != nil {
				vtx.Rollback()
				errs <- err
				return
			}
			_, err = vtx.Commit(ctx)
			errs <- err
		}(blobIDs[i])
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		if err != nil {
			t.Fatalf("concurrent version failed: %v", err)
		}
	}

	latest, _ := s.LatestVersion(ctx, repo.ID)
	if latest.Number != writers {
		t.Errorf("expected version %d, got %d", writers, latest.Number)
	}
	content, _ := s.VersionContent(ctx, latest.ID)
	if len(content) != writers {
		t.Errorf("expected every blob in the latest version, got %d", len(content))
	}
}

func TestVersionArtifactsAndSignatures(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	repo, _ := s.EnsureRepository(ctx, "org/app")
	a := mustBlob(t, s, digestA)
	b := mustBlob(t, s, digestB)
	mustBlob(t, s, digestL) // not in the version
	m := mustManifest(t, s, digestM, "application/vnd.oci.image.manifest.v1+json", a.ID)
	sig, err := s.CreateSignature(ctx, &Signature{ManifestID: m.ID, Name: digestM + "@1", Type: "atomic", Digest: digestC, Size: 7})
	if err != nil {
		t.Fatalf("CreateSignature() failed: %v", err)
	}

	vtx, err := s.OpenRepositoryVersion(ctx, repo.ID)
	if err != nil {
		t.Fatalf("OpenRepositoryVersion() failed: %v", err)
	}
	if err := vtx.AddContent(ctx,
		ContentRef{Type: ContentBlob, ID: a.ID},
		ContentRef{Type: ContentBlob, ID: b.ID},
		ContentRef{Type: ContentManifest, ID: m.ID},
		ContentRef{Type: ContentSignature, ID: sig.ID},
	); err != nil {
		t.Fatalf("AddContent() failed: %v", err)
	}
	v, err := vtx.Commit(ctx)
	if err != nil {
		t.Fatalf("Commit() failed: %v", err)
	}

	arts, err := s.VersionArtifacts(ctx, v.ID)
	if err != nil {
		t.Fatalf("VersionArtifacts() failed: %v", err)
	}
	want := []struct {
		typ    ContentType
		digest string
	}{
		{ContentBlob, digestA},
		{ContentBlob, digestB},
		{ContentSignature, digestC},
		{ContentManifest, digestM},
	}
	if len(arts) != len(want) {
		t.Fatalf("expected %d artifacts, got %+v", len(want), arts)
	}
	for i, w := range want {
		if arts[i].Type != w.typ || arts[i].Digest != w.digest {
			t.Errorf("artifact %d = %s %s, want %s %s", i, arts[i].Type, arts[i].Digest, w.typ, w.digest)
		}
	}

	sigs, err := s.VersionSignatures(ctx, v.ID)
	if err != nil {
		t.Fatalf("VersionSignatures() failed: %v", err)
	}
	if len(sigs) != 1 || sigs[0].ManifestDigest != digestM || sigs[0].Digest != digestC || sigs[0].Size != 7 {
		t.Errorf("unexpected signatures: %+v", sigs)
	}
}
