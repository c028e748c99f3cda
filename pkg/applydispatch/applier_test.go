package applydispatch

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/opdshub/circulation-core/pkg/catalog"
	"github.com/opdshub/circulation-core/pkg/lockstore"
	"github.com/opdshub/circulation-core/pkg/opds"
)

type fakeBibRepo struct {
	snapshotHashes       map[string]string
	savedPools           []catalog.LicensePool
	storeSnapshotCalls   int
	saveLicensePoolCalls int
}

func newFakeBibRepo() *fakeBibRepo {
	return &fakeBibRepo{snapshotHashes: make(map[string]string)}
}

func (f *fakeBibRepo) FindCollection(ctx context.Context, id string) (catalog.Collection, error) {
	return catalog.Collection{}, nil
}

func (f *fakeBibRepo) FindLicensePool(ctx context.Context, collectionID string, id catalog.Identifier) (catalog.LicensePool, bool, error) {
	return catalog.LicensePool{}, false, nil
}

func (f *fakeBibRepo) SnapshotHash(ctx context.Context, id catalog.Identifier) (string, bool, error) {
	hash, ok := f.snapshotHashes[id.String()]
	return hash, ok, nil
}

func (f *fakeBibRepo) StoreSnapshotHash(ctx context.Context, id catalog.Identifier, hash string) error {
	f.storeSnapshotCalls++
	f.snapshotHashes[id.String()] = hash
	return nil
}

func (f *fakeBibRepo) SaveLicensePool(ctx context.Context, pool catalog.LicensePool) error {
	f.saveLicensePoolCalls++
	f.savedPools = append(f.savedPools, pool)
	return nil
}

type fakeCircRepo struct {
	updatedPools           []catalog.LicensePool
	updateCirculationCalls int
}

func (f *fakeCircRepo) UpdateCirculation(ctx context.Context, collectionID string, id catalog.Identifier, pool catalog.LicensePool) error {
	f.updateCirculationCalls++
	f.updatedPools = append(f.updatedPools, pool)
	return nil
}

func (f *fakeCircRepo) WorksForCollection(ctx context.Context, collectionID, afterWorkID string, batchSize int) (<-chan catalog.Work, <-chan error) {
	works := make(chan catalog.Work)
	errs := make(chan error)
	close(works)
	close(errs)
	return works, errs
}

func newTestApplier(t *testing.T) (*Applier, *fakeBibRepo, *fakeCircRepo) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	store := lockstore.New(rdb, "circ-test")
	bibRepo := newFakeBibRepo()
	circRepo := &fakeCircRepo{}
	return NewApplier(store, bibRepo, circRepo), bibRepo, circRepo
}

func sampleIdentifierForApplier() catalog.Identifier {
	return catalog.Identifier{Type: catalog.IdentifierURN, Value: "urn:isbn:42"}
}

func TestApplyBibliographicStoresSnapshotAndPool(t *testing.T) {
	applier, bibRepo, _ := newTestApplier(t)
	id := sampleIdentifierForApplier()
	owned := int64(3)
	env := &Envelope{
		Kind:         KindBibliographic,
		CollectionID: "col-1",
		Identifier:   id,
		Bibliographic: &opds.BibliographicData{
			Identifier:  id,
			Circulation: &opds.CirculationData{LicensesOwned: &owned},
			LastChecked: time.Now(),
		},
		DispatchedAt: time.Now(),
	}

	if err := applier.Apply(context.Background(), env); err != nil {
		t.Fatalf("Apply: %v", err)
	}
	if bibRepo.storeSnapshotCalls != 1 {
		t.Errorf("storeSnapshotCalls = %d, want 1", bibRepo.storeSnapshotCalls)
	}
	if bibRepo.saveLicensePoolCalls != 1 {
		t.Errorf("saveLicensePoolCalls = %d, want 1", bibRepo.saveLicensePoolCalls)
	}
	if got := bibRepo.savedPools[0].LicensesOwned; got != owned {
		t.Errorf("LicensesOwned = %d, want %d", got, owned)
	}
}

func TestApplyCirculationUpdatesPool(t *testing.T) {
	applier, _, circRepo := newTestApplier(t)
	id := sampleIdentifierForApplier()
	available := int64(7)
	env := &Envelope{
		Kind:         KindCirculation,
		CollectionID: "col-1",
		Identifier:   id,
		Circulation:  &opds.CirculationData{LicensesAvailable: &available},
		DispatchedAt: time.Now(),
	}

	if err := applier.Apply(context.Background(), env); err != nil {
		t.Fatalf("Apply: %v", err)
	}
	if circRepo.updateCirculationCalls != 1 {
		t.Errorf("updateCirculationCalls = %d, want 1", circRepo.updateCirculationCalls)
	}
	if got := circRepo.updatedPools[0].LicensesAvailable; got != available {
		t.Errorf("LicensesAvailable = %d, want %d", got, available)
	}
}

func TestReplayingIdenticalEnvelopeIsNoOp(t *testing.T) {
	applier, _, circRepo := newTestApplier(t)
	id := sampleIdentifierForApplier()
	env := &Envelope{
		Kind:         KindCirculation,
		CollectionID: "col-1",
		Identifier:   id,
		Circulation:  &opds.CirculationData{},
		DispatchedAt: time.Now(),
	}

	if err := applier.Apply(context.Background(), env); err != nil {
		t.Fatalf("first Apply: %v", err)
	}
	if err := applier.Apply(context.Background(), env); err != nil {
		t.Fatalf("second Apply: %v", err)
	}
	if circRepo.updateCirculationCalls != 1 {
		t.Errorf("updateCirculationCalls = %d, want 1 (replay should be a no-op)", circRepo.updateCirculationCalls)
	}
}

func TestStaleDispatchedAtIsRejectedWithoutTouchingRepository(t *testing.T) {
	applier, _, circRepo := newTestApplier(t)
	id := sampleIdentifierForApplier()
	now := time.Now()

	newer := &Envelope{Kind: KindCirculation, CollectionID: "col-1", Identifier: id, Circulation: &opds.CirculationData{}, DispatchedAt: now}
	if err := applier.Apply(context.Background(), newer); err != nil {
		t.Fatalf("Apply newer: %v", err)
	}

	older := &Envelope{Kind: KindCirculation, CollectionID: "col-1", Identifier: id, Circulation: &opds.CirculationData{}, DispatchedAt: now.Add(-time.Hour)}
	if err := applier.Apply(context.Background(), older); err != nil {
		t.Fatalf("Apply older: %v", err)
	}

	if circRepo.updateCirculationCalls != 1 {
		t.Errorf("updateCirculationCalls = %d, want 1 (stale message must be dropped)", circRepo.updateCirculationCalls)
	}
}

func TestNewerDispatchedAtOverwritesOlder(t *testing.T) {
	applier, _, circRepo := newTestApplier(t)
	id := sampleIdentifierForApplier()
	now := time.Now()

	older := &Envelope{Kind: KindCirculation, CollectionID: "col-1", Identifier: id, Circulation: &opds.CirculationData{}, DispatchedAt: now.Add(-time.Hour)}
	if err := applier.Apply(context.Background(), older); err != nil {
		t.Fatalf("Apply older: %v", err)
	}

	newer := &Envelope{Kind: KindCirculation, CollectionID: "col-1", Identifier: id, Circulation: &opds.CirculationData{}, DispatchedAt: now}
	if err := applier.Apply(context.Background(), newer); err != nil {
		t.Fatalf("Apply newer: %v", err)
	}

	if circRepo.updateCirculationCalls != 2 {
		t.Errorf("updateCirculationCalls = %d, want 2 (both in-order messages should apply)", circRepo.updateCirculationCalls)
	}
}

func TestApplyRejectsUnknownKind(t *testing.T) {
	applier, _, _ := newTestApplier(t)
	env := &Envelope{Kind: Kind("apply_unknown"), Identifier: sampleIdentifierForApplier(), DispatchedAt: time.Now()}
	if err := applier.Apply(context.Background(), env); err == nil {
		t.Error("Apply with unknown kind: want error, got nil")
	}
}

func TestApplyBibliographicWithoutDataIsError(t *testing.T) {
	applier, _, _ := newTestApplier(t)
	env := &Envelope{Kind: KindBibliographic, Identifier: sampleIdentifierForApplier(), DispatchedAt: time.Now()}
	if err := applier.Apply(context.Background(), env); err == nil {
		t.Error("Apply bibliographic with nil data: want error, got nil")
	}
}

func TestApplyCirculationWithoutDataIsError(t *testing.T) {
	applier, _, _ := newTestApplier(t)
	env := &Envelope{Kind: KindCirculation, Identifier: sampleIdentifierForApplier(), DispatchedAt: time.Now()}
	if err := applier.Apply(context.Background(), env); err == nil {
		t.Error("Apply circulation with nil data: want error, got nil")
	}
}

func TestBuildLicensePoolProjectsFormatsToDeliveryMechanisms(t *testing.T) {
	id := sampleIdentifierForApplier()
	data := opds.CirculationData{
		Formats: []opds.FormatData{
			{ContentType: "application/epub+zip", DRMScheme: "", RightsURI: "http://creativecommons.org/publicdomain/zero/1.0/"},
		},
	}
	pool := buildLicensePool("col-1", id, data, time.Now())
	if len(pool.DeliveryMechanisms) != 1 {
		t.Fatalf("DeliveryMechanisms len = %d, want 1", len(pool.DeliveryMechanisms))
	}
	if pool.DeliveryMechanisms[0].ContentType != "application/epub+zip" {
		t.Errorf("ContentType = %q, want application/epub+zip", pool.DeliveryMechanisms[0].ContentType)
	}
}
