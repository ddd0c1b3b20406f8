package inventory

import (
	"context"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
)

type memoryRepo struct {
	mu          sync.Mutex
	products    map[int64]ProductStock
	locations   map[int64]Location
	locBalances map[string]LocationBalance
	movements   map[int64]Movement
	nextID      int64
}

func newMemoryRepo() *memoryRepo {
	return &memoryRepo{
		products:    make(map[int64]ProductStock),
		locations:   make(map[int64]Location),
		locBalances: make(map[string]LocationBalance),
		movements:   make(map[int64]Movement),
	}
}

func balKey(productID, locationID int64) string {
	return fmt.Sprintf("%d:%d", productID, locationID)
}

func (r *memoryRepo) snapshot() (map[int64]ProductStock, map[string]LocationBalance, map[int64]Movement, int64) {
	products := make(map[int64]ProductStock, len(r.products))
	for k, v := range r.products {
		products[k] = v
	}
	balances := make(map[string]LocationBalance, len(r.locBalances))
	for k, v := range r.locBalances {
		balances[k] = v
	}
	movements := make(map[int64]Movement, len(r.movements))
	for k, v := range r.movements {
		movements[k] = v
	}
	return products, balances, movements, r.nextID
}

// WithTx mirrors the row-lock serialization of the SQL repository: the
// mutex is held for the whole unit and state is restored on error, so
// either everything the callback did commits or none of it does.
func (r *memoryRepo) WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	products, balances, movements, nextID := r.snapshot()
	if err := fn(ctx, &memoryTx{repo: r}); err != nil {
		r.products = products
		r.locBalances = balances
		r.movements = movements
		r.nextID = nextID
		return err
	}
	return nil
}

func (r *memoryRepo) GetBalance(ctx context.Context, orgID, productID int64) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.products[productID]
	if !ok || p.OrgID != orgID {
		return 0, ErrUnknownEntity
	}
	return p.OnHand, nil
}

func (r *memoryRepo) GetLocationBalance(ctx context.Context, orgID, productID, locationID int64) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.products[productID]
	if !ok || p.OrgID != orgID {
		return 0, ErrUnknownEntity
	}
	loc, ok := r.locations[locationID]
	if !ok || loc.OrgID != orgID {
		return 0, ErrUnknownEntity
	}
	return r.locBalances[balKey(productID, locationID)].OnHand, nil
}

func (r *memoryRepo) GetMovement(ctx context.Context, orgID, movementID int64) (Movement, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	m, ok := r.movements[movementID]
	if !ok || m.OrgID != orgID {
		return Movement{}, ErrUnknownEntity
	}
	return m, nil
}

func (r *memoryRepo) ListMovements(ctx context.Context, filter MovementFilter) ([]Movement, int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var result []Movement
	for _, m := range r.movements {
		if m.OrgID != filter.OrgID {
			continue
		}
		if filter.ProductID != 0 && m.ProductID != filter.ProductID {
			continue
		}
		result = append(result, m)
	}
	return result, len(result), nil
}

type memoryTx struct {
	repo *memoryRepo
}

func (tx *memoryTx) GetProductForUpdate(ctx context.Context, orgID, productID int64) (ProductStock, error) {
	p, ok := tx.repo.products[productID]
	if !ok || p.OrgID != orgID {
		return ProductStock{}, ErrUnknownEntity
	}
	return p, nil
}

func (tx *memoryTx) GetLocation(ctx context.Context, orgID, locationID int64) (Location, error) {
	loc, ok := tx.repo.locations[locationID]
	if !ok || loc.OrgID != orgID {
		return Location{}, ErrUnknownEntity
	}
	return loc, nil
}

func (tx *memoryTx) GetLocationBalanceForUpdate(ctx context.Context, productID, locationID int64) (LocationBalance, error) {
	bal, ok := tx.repo.locBalances[balKey(productID, locationID)]
	if !ok {
		return LocationBalance{ProductID: productID, LocationID: locationID}, ErrBalanceNotFound
	}
	return bal, nil
}

func (tx *memoryTx) UpdateProductOnHand(ctx context.Context, productID, onHand int64) error {
	p := tx.repo.products[productID]
	p.OnHand = onHand
	tx.repo.products[productID] = p
	return nil
}

func (tx *memoryTx) UpsertLocationBalance(ctx context.Context, productID, locationID, onHand int64) error {
	tx.repo.locBalances[balKey(productID, locationID)] = LocationBalance{ProductID: productID, LocationID: locationID, OnHand: onHand}
	return nil
}

func (tx *memoryTx) InsertMovement(ctx context.Context, m Movement) (int64, error) {
	tx.repo.nextID++
	m.ID = tx.repo.nextID
	tx.repo.movements[m.ID] = m
	return m.ID, nil
}

func (tx *memoryTx) GetMovementForUpdate(ctx context.Context, orgID, movementID int64) (Movement, error) {
	m, ok := tx.repo.movements[movementID]
	if !ok || m.OrgID != orgID {
		return Movement{}, ErrUnknownEntity
	}
	return m, nil
}

func (tx *memoryTx) MarkReversed(ctx context.Context, movementID, reversedBy int64) error {
	m, ok := tx.repo.movements[movementID]
	if !ok || m.IsReversed {
		return ErrInvalidMovementKind
	}
	m.IsReversed = true
	m.ReversedByMovementID = &reversedBy
	tx.repo.movements[movementID] = m
	return nil
}

const (
	testOrg   = int64(1)
	testActor = int64(9)
)

func seedProduct(repo *memoryRepo, id int64, onHand int64, pt ProductType) {
	repo.products[id] = ProductStock{ProductID: id, OrgID: testOrg, Type: pt, OnHand: onHand, IsActive: true}
}

func seedLocation(repo *memoryRepo, id int64) {
	repo.locations[id] = Location{ID: id, OrgID: testOrg, IsActive: true}
}

func newTestService(repo *memoryRepo) *Service {
	return NewService(repo, nil, nil, nil, nil)
}

func ptr(v int64) *int64 { return &v }

func TestRecordMovementRunningSum(t *testing.T) {
	repo := newMemoryRepo()
	seedProduct(repo, 1, 0, ProductTypeMaterial)
	svc := newTestService(repo)
	ctx := context.Background()

	steps := []struct {
		kind MovementKind
		qty  int64
		want int64
	}{
		{KindReceive, 10, 10},
		{KindAdjustIn, 5, 15},
		{KindIssue, 7, 8},
		{KindReturn, 2, 10},
		{KindAdjustOut, 10, 0},
	}
	for _, step := range steps {
		m, err := svc.RecordMovement(ctx, RecordMovementInput{
			OrgID: testOrg, ProductID: 1, Kind: step.kind, Quantity: step.qty, ActorID: testActor,
		})
		require.NoError(t, err, "kind %s", step.kind)
		require.Equal(t, step.kind.Direction()*step.qty, m.Effect)
		onHand, err := svc.GetBalance(ctx, testOrg, 1)
		require.NoError(t, err)
		require.Equal(t, step.want, onHand)
	}

	// Draining past zero is rejected and changes nothing.
	_, err := svc.RecordMovement(ctx, RecordMovementInput{
		OrgID: testOrg, ProductID: 1, Kind: KindIssue, Quantity: 1, ActorID: testActor,
	})
	require.ErrorIs(t, err, ErrInsufficientStock)
	onHand, err := svc.GetBalance(ctx, testOrg, 1)
	require.NoError(t, err)
	require.Equal(t, int64(0), onHand)
}

func TestTransferMovesBetweenLocations(t *testing.T) {
	repo := newMemoryRepo()
	seedProduct(repo, 1, 150, ProductTypeMaterial)
	seedLocation(repo, 1)
	seedLocation(repo, 2)
	svc := newTestService(repo)
	ctx := context.Background()

	_, err := svc.RecordMovement(ctx, RecordMovementInput{
		OrgID: testOrg, ProductID: 1, Kind: KindAdjustIn, Quantity: 50, DestLocationID: ptr(1), ActorID: testActor,
	})
	require.NoError(t, err)

	m, err := svc.RecordMovement(ctx, RecordMovementInput{
		OrgID: testOrg, ProductID: 1, Kind: KindTransfer, Quantity: 20,
		SourceLocationID: ptr(1), DestLocationID: ptr(2), ActorID: testActor,
	})
	require.NoError(t, err)
	require.Equal(t, int64(0), m.Effect)

	src, err := svc.GetLocationBalance(ctx, testOrg, 1, 1)
	require.NoError(t, err)
	require.Equal(t, int64(30), src)
	dst, err := svc.GetLocationBalance(ctx, testOrg, 1, 2)
	require.NoError(t, err)
	require.Equal(t, int64(20), dst)

	onHand, err := svc.GetBalance(ctx, testOrg, 1)
	require.NoError(t, err)
	require.Equal(t, int64(200), onHand)

	// Transfer beyond the source location balance fails.
	_, err = svc.RecordMovement(ctx, RecordMovementInput{
		OrgID: testOrg, ProductID: 1, Kind: KindTransfer, Quantity: 500,
		SourceLocationID: ptr(1), DestLocationID: ptr(2), ActorID: testActor,
	})
	require.ErrorIs(t, err, ErrInsufficientStock)
}

func TestReversalRestoresBalances(t *testing.T) {
	repo := newMemoryRepo()
	seedProduct(repo, 7, 100, ProductTypeMaterial)
	seedLocation(repo, 1)
	svc := newTestService(repo)
	ctx := context.Background()

	_, err := svc.RecordMovement(ctx, RecordMovementInput{
		OrgID: testOrg, ProductID: 7, Kind: KindReceive, Quantity: 50, DestLocationID: ptr(1), ActorID: testActor,
	})
	require.NoError(t, err)

	consume, err := svc.RecordMovement(ctx, RecordMovementInput{
		OrgID: testOrg, ProductID: 7, Kind: KindConsume, Quantity: 30,
		SourceLocationID: ptr(1), WorkOrderID: ptr(55), ActorID: testActor,
	})
	require.NoError(t, err)

	onHand, _ := svc.GetBalance(ctx, testOrg, 7)
	require.Equal(t, int64(120), onHand)
	atL1, _ := svc.GetLocationBalance(ctx, testOrg, 7, 1)
	require.Equal(t, int64(20), atL1)

	reversal, err := svc.ReverseMovement(ctx, consume.ID, testOrg, testActor)
	require.NoError(t, err)
	require.Equal(t, KindReversal, reversal.Kind)
	require.Equal(t, int64(30), reversal.Quantity)
	require.Equal(t, consume.ID, *reversal.ReversesMovementID)

	onHand, _ = svc.GetBalance(ctx, testOrg, 7)
	require.Equal(t, int64(150), onHand)
	atL1, _ = svc.GetLocationBalance(ctx, testOrg, 7, 1)
	require.Equal(t, int64(50), atL1)

	original, err := svc.GetMovement(ctx, testOrg, consume.ID)
	require.NoError(t, err)
	require.True(t, original.IsReversed)
	require.Equal(t, reversal.ID, *original.ReversedByMovementID)
}

func TestReversalTransferSwapsLegs(t *testing.T) {
	repo := newMemoryRepo()
	seedProduct(repo, 1, 100, ProductTypeMaterial)
	seedLocation(repo, 1)
	seedLocation(repo, 2)
	svc := newTestService(repo)
	ctx := context.Background()

	_, err := svc.RecordMovement(ctx, RecordMovementInput{
		OrgID: testOrg, ProductID: 1, Kind: KindAdjustIn, Quantity: 40, DestLocationID: ptr(1), ActorID: testActor,
	})
	require.NoError(t, err)

	transfer, err := svc.RecordMovement(ctx, RecordMovementInput{
		OrgID: testOrg, ProductID: 1, Kind: KindTransfer, Quantity: 15,
		SourceLocationID: ptr(1), DestLocationID: ptr(2), ActorID: testActor,
	})
	require.NoError(t, err)

	_, err = svc.ReverseMovement(ctx, transfer.ID, testOrg, testActor)
	require.NoError(t, err)

	src, _ := svc.GetLocationBalance(ctx, testOrg, 1, 1)
	require.Equal(t, int64(40), src)
	dst, _ := svc.GetLocationBalance(ctx, testOrg, 1, 2)
	require.Equal(t, int64(0), dst)
}

func TestReverseAtMostOnce(t *testing.T) {
	repo := newMemoryRepo()
	seedProduct(repo, 1, 10, ProductTypeMaterial)
	svc := newTestService(repo)
	ctx := context.Background()

	issue, err := svc.RecordMovement(ctx, RecordMovementInput{
		OrgID: testOrg, ProductID: 1, Kind: KindIssue, Quantity: 5, ActorID: testActor,
	})
	require.NoError(t, err)

	reversal, err := svc.ReverseMovement(ctx, issue.ID, testOrg, testActor)
	require.NoError(t, err)

	_, err = svc.ReverseMovement(ctx, issue.ID, testOrg, testActor)
	require.ErrorIs(t, err, ErrInvalidMovementKind)

	_, err = svc.ReverseMovement(ctx, reversal.ID, testOrg, testActor)
	require.ErrorIs(t, err, ErrInvalidMovementKind)
}

func TestReversalCanFailOnDrainedStock(t *testing.T) {
	repo := newMemoryRepo()
	seedProduct(repo, 1, 10, ProductTypeMaterial)
	svc := newTestService(repo)
	ctx := context.Background()

	receive, err := svc.RecordMovement(ctx, RecordMovementInput{
		OrgID: testOrg, ProductID: 1, Kind: KindReceive, Quantity: 5, ActorID: testActor,
	})
	require.NoError(t, err)

	// Drain the stock below what the reversal needs to debit.
	_, err = svc.RecordMovement(ctx, RecordMovementInput{
		OrgID: testOrg, ProductID: 1, Kind: KindIssue, Quantity: 12, ActorID: testActor,
	})
	require.NoError(t, err)

	_, err = svc.ReverseMovement(ctx, receive.ID, testOrg, testActor)
	require.ErrorIs(t, err, ErrInsufficientStock)

	// The original must remain un-reversed after the failed attempt.
	original, err := svc.GetMovement(ctx, testOrg, receive.ID)
	require.NoError(t, err)
	require.False(t, original.IsReversed)
}

func TestConcurrentIssuesNeverOverdraw(t *testing.T) {
	repo := newMemoryRepo()
	seedProduct(repo, 1, 5, ProductTypeMaterial)
	svc := newTestService(repo)
	ctx := context.Background()

	const workers = 12
	var wg sync.WaitGroup
	errs := make([]error, workers)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = svc.RecordMovement(ctx, RecordMovementInput{
				OrgID: testOrg, ProductID: 1, Kind: KindIssue, Quantity: 1, ActorID: testActor,
			})
		}(i)
	}
	wg.Wait()

	succeeded := 0
	for _, err := range errs {
		if err == nil {
			succeeded++
		} else {
			require.ErrorIs(t, err, ErrInsufficientStock)
		}
	}
	require.Equal(t, 5, succeeded)

	onHand, err := svc.GetBalance(ctx, testOrg, 1)
	require.NoError(t, err)
	require.Equal(t, int64(0), onHand)
}

func TestStructuralValidation(t *testing.T) {
	repo := newMemoryRepo()
	seedProduct(repo, 1, 100, ProductTypeMaterial)
	seedProduct(repo, 2, 0, ProductTypeService)
	seedLocation(repo, 1)
	svc := newTestService(repo)
	ctx := context.Background()

	cases := []struct {
		name  string
		input RecordMovementInput
		want  error
	}{
		{"zero quantity", RecordMovementInput{OrgID: testOrg, ProductID: 1, Kind: KindReceive}, ErrInvalidQuantity},
		{"negative quantity", RecordMovementInput{OrgID: testOrg, ProductID: 1, Kind: KindReceive, Quantity: -3}, ErrInvalidQuantity},
		{"unknown kind", RecordMovementInput{OrgID: testOrg, ProductID: 1, Kind: "TELEPORT", Quantity: 1}, ErrInvalidMovementKind},
		{"reversal kind direct", RecordMovementInput{OrgID: testOrg, ProductID: 1, Kind: KindReversal, Quantity: 1}, ErrInvalidMovementKind},
		{"transfer missing dest", RecordMovementInput{OrgID: testOrg, ProductID: 1, Kind: KindTransfer, Quantity: 1, SourceLocationID: ptr(1)}, ErrInvalidMovementKind},
		{"transfer same location", RecordMovementInput{OrgID: testOrg, ProductID: 1, Kind: KindTransfer, Quantity: 1, SourceLocationID: ptr(1), DestLocationID: ptr(1)}, ErrInvalidMovementKind},
		{"consume without work order", RecordMovementInput{OrgID: testOrg, ProductID: 1, Kind: KindConsume, Quantity: 1}, ErrInvalidMovementKind},
		{"issue with dest location", RecordMovementInput{OrgID: testOrg, ProductID: 1, Kind: KindIssue, Quantity: 1, DestLocationID: ptr(1)}, ErrInvalidMovementKind},
		{"receive with source location", RecordMovementInput{OrgID: testOrg, ProductID: 1, Kind: KindReceive, Quantity: 1, SourceLocationID: ptr(1)}, ErrInvalidMovementKind},
		{"service product", RecordMovementInput{OrgID: testOrg, ProductID: 2, Kind: KindReceive, Quantity: 1}, ErrServiceProductNotStockable},
		{"unknown product", RecordMovementInput{OrgID: testOrg, ProductID: 99, Kind: KindReceive, Quantity: 1}, ErrUnknownEntity},
		{"unknown location", RecordMovementInput{OrgID: testOrg, ProductID: 1, Kind: KindReceive, Quantity: 1, DestLocationID: ptr(42)}, ErrUnknownEntity},
		{"foreign org", RecordMovementInput{OrgID: 2, ProductID: 1, Kind: KindReceive, Quantity: 1}, ErrUnknownEntity},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := svc.RecordMovement(ctx, tc.input)
			require.ErrorIs(t, err, tc.want)
		})
	}
}

func TestServiceProductErrorMatchesKindTaxonomy(t *testing.T) {
	require.ErrorIs(t, ErrServiceProductNotStockable, ErrInvalidMovementKind)
}

func TestInactiveProductRejected(t *testing.T) {
	repo := newMemoryRepo()
	repo.products[1] = ProductStock{ProductID: 1, OrgID: testOrg, Type: ProductTypeMaterial, OnHand: 10, IsActive: false}
	svc := newTestService(repo)

	_, err := svc.RecordMovement(context.Background(), RecordMovementInput{
		OrgID: testOrg, ProductID: 1, Kind: KindReceive, Quantity: 1, ActorID: testActor,
	})
	require.ErrorIs(t, err, ErrUnknownEntity)
}

func TestGetLocationBalanceUnknownLocation(t *testing.T) {
	repo := newMemoryRepo()
	svc := newTestService(repo)
	ctx := context.Background()

	seedProduct(repo, 1, 10, ProductTypeMaterial)
	seedLocation(repo, 1)

	_, err := svc.GetLocationBalance(ctx, testOrg, 1, 99)
	require.ErrorIs(t, err, ErrUnknownEntity)

	// A known pair with no balance row reads as zero.
	bal, err := svc.GetLocationBalance(ctx, testOrg, 1, 1)
	require.NoError(t, err)
	require.Zero(t, bal)
}
