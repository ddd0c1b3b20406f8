package withdrawal

import (
	"context"
	"sort"
	"sync"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"github.com/meridian-erp/meridian-erp/internal/inventory"
	"github.com/meridian-erp/meridian-erp/internal/shared"
)

const (
	testOrg   = int64(1)
	testActor = int64(9)
)

// memoryStore backs the fake repositories for both the slip workflow
// and the ledger, so Issue exercises the same single-transaction
// contract the pgx implementation provides.
type memoryStore struct {
	mu        sync.Mutex
	products  map[int64]inventory.ProductStock
	locations map[int64]inventory.Location
	locBal    map[[2]int64]int64
	movements map[int64]inventory.Movement
	slips     map[int64]Slip
	lines     map[int64]Line
	nextID    int64
}

func newMemoryStore() *memoryStore {
	return &memoryStore{
		products:  map[int64]inventory.ProductStock{},
		locations: map[int64]inventory.Location{},
		locBal:    map[[2]int64]int64{},
		movements: map[int64]inventory.Movement{},
		slips:     map[int64]Slip{},
		lines:     map[int64]Line{},
	}
}

func (s *memoryStore) id() int64 {
	s.nextID++
	return s.nextID
}

type storeSnapshot struct {
	products  map[int64]inventory.ProductStock
	locations map[int64]inventory.Location
	locBal    map[[2]int64]int64
	movements map[int64]inventory.Movement
	slips     map[int64]Slip
	lines     map[int64]Line
	nextID    int64
}

func (s *memoryStore) snapshot() storeSnapshot {
	snap := storeSnapshot{
		products:  map[int64]inventory.ProductStock{},
		locations: map[int64]inventory.Location{},
		locBal:    map[[2]int64]int64{},
		movements: map[int64]inventory.Movement{},
		slips:     map[int64]Slip{},
		lines:     map[int64]Line{},
		nextID:    s.nextID,
	}
	for k, v := range s.products {
		snap.products[k] = v
	}
	for k, v := range s.locations {
		snap.locations[k] = v
	}
	for k, v := range s.locBal {
		snap.locBal[k] = v
	}
	for k, v := range s.movements {
		snap.movements[k] = v
	}
	for k, v := range s.slips {
		snap.slips[k] = v
	}
	for k, v := range s.lines {
		snap.lines[k] = v
	}
	return snap
}

func (s *memoryStore) restore(snap storeSnapshot) {
	s.products = snap.products
	s.locations = snap.locations
	s.locBal = snap.locBal
	s.movements = snap.movements
	s.slips = snap.slips
	s.lines = snap.lines
	s.nextID = snap.nextID
}

type memoryRepo struct {
	store *memoryStore
}

func (r *memoryRepo) WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()
	snap := r.store.snapshot()
	if err := fn(ctx, &memoryTx{store: r.store}); err != nil {
		r.store.restore(snap)
		return err
	}
	return nil
}

func (r *memoryRepo) GetSlip(ctx context.Context, orgID, slipID int64) (Slip, error) {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()
	return (&memoryTx{store: r.store}).GetSlipForUpdate(ctx, orgID, slipID)
}

func (r *memoryRepo) ListSlips(ctx context.Context, orgID int64, status SlipStatus, limit int) ([]Slip, error) {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()
	var out []Slip
	for _, slip := range r.store.slips {
		if slip.OrgID != orgID {
			continue
		}
		if status != "" && slip.Status != status {
			continue
		}
		out = append(out, slip)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID > out[j].ID })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

type memoryTx struct {
	store *memoryStore
}

func (t *memoryTx) CreateSlip(ctx context.Context, slip Slip) (int64, error) {
	id := t.store.id()
	slip.ID = id
	slip.CreatedAt = time.Now().UTC()
	slip.Lines = nil
	t.store.slips[id] = slip
	return id, nil
}

func (t *memoryTx) InsertLine(ctx context.Context, line Line) (int64, error) {
	id := t.store.id()
	line.ID = id
	t.store.lines[id] = line
	return id, nil
}

func (t *memoryTx) GetSlipForUpdate(ctx context.Context, orgID, slipID int64) (Slip, error) {
	slip, ok := t.store.slips[slipID]
	if !ok || slip.OrgID != orgID {
		return Slip{}, ErrNotFound
	}
	slip.Lines = nil
	for _, line := range t.store.lines {
		if line.SlipID == slipID {
			slip.Lines = append(slip.Lines, line)
		}
	}
	sort.Slice(slip.Lines, func(i, j int) bool { return slip.Lines[i].ID < slip.Lines[j].ID })
	return slip, nil
}

func (t *memoryTx) UpdateSlipHeader(ctx context.Context, slip Slip) error {
	stored, ok := t.store.slips[slip.ID]
	if !ok {
		return ErrNotFound
	}
	stored.Type = slip.Type
	stored.WorkOrderID = slip.WorkOrderID
	stored.CostCenterID = slip.CostCenterID
	stored.Note = slip.Note
	t.store.slips[slip.ID] = stored
	return nil
}

func (t *memoryTx) UpdateSlipStatus(ctx context.Context, slipID int64, status SlipStatus) error {
	slip, ok := t.store.slips[slipID]
	if !ok {
		return ErrNotFound
	}
	slip.Status = status
	t.store.slips[slipID] = slip
	return nil
}

func (t *memoryTx) MarkIssued(ctx context.Context, slipID int64) error {
	slip, ok := t.store.slips[slipID]
	if !ok {
		return ErrNotFound
	}
	now := time.Now().UTC()
	slip.Status = StatusIssued
	slip.IssuedAt = &now
	t.store.slips[slipID] = slip
	return nil
}

func (t *memoryTx) UpdateLineIssued(ctx context.Context, lineID, issuedQty, movementID int64) error {
	line, ok := t.store.lines[lineID]
	if !ok {
		return ErrNotFound
	}
	line.IssuedQty = issuedQty
	line.MovementID = &movementID
	t.store.lines[lineID] = line
	return nil
}

func (t *memoryTx) DeleteLines(ctx context.Context, slipID int64) error {
	for id, line := range t.store.lines {
		if line.SlipID == slipID {
			delete(t.store.lines, id)
		}
	}
	return nil
}

func (t *memoryTx) DeleteSlip(ctx context.Context, slipID int64) error {
	delete(t.store.slips, slipID)
	return nil
}

func (t *memoryTx) Ledger() inventory.TxRepository {
	return &ledgerTx{store: t.store}
}

// ledgerTx is the ledger side of the fake transaction.
type ledgerTx struct {
	store *memoryStore
}

func (t *ledgerTx) GetProductForUpdate(ctx context.Context, orgID, productID int64) (inventory.ProductStock, error) {
	p, ok := t.store.products[productID]
	if !ok || p.OrgID != orgID {
		return inventory.ProductStock{}, inventory.ErrUnknownEntity
	}
	return p, nil
}

func (t *ledgerTx) GetLocation(ctx context.Context, orgID, locationID int64) (inventory.Location, error) {
	loc, ok := t.store.locations[locationID]
	if !ok || loc.OrgID != orgID {
		return inventory.Location{}, inventory.ErrUnknownEntity
	}
	return loc, nil
}

func (t *ledgerTx) GetLocationBalanceForUpdate(ctx context.Context, productID, locationID int64) (inventory.LocationBalance, error) {
	key := [2]int64{productID, locationID}
	onHand, ok := t.store.locBal[key]
	if !ok {
		return inventory.LocationBalance{ProductID: productID, LocationID: locationID}, inventory.ErrBalanceNotFound
	}
	return inventory.LocationBalance{ProductID: productID, LocationID: locationID, OnHand: onHand}, nil
}

func (t *ledgerTx) UpdateProductOnHand(ctx context.Context, productID, onHand int64) error {
	p := t.store.products[productID]
	p.OnHand = onHand
	t.store.products[productID] = p
	return nil
}

func (t *ledgerTx) UpsertLocationBalance(ctx context.Context, productID, locationID, onHand int64) error {
	t.store.locBal[[2]int64{productID, locationID}] = onHand
	return nil
}

func (t *ledgerTx) InsertMovement(ctx context.Context, m inventory.Movement) (int64, error) {
	id := t.store.id()
	m.ID = id
	t.store.movements[id] = m
	return id, nil
}

func (t *ledgerTx) GetMovementForUpdate(ctx context.Context, orgID, movementID int64) (inventory.Movement, error) {
	m, ok := t.store.movements[movementID]
	if !ok || m.OrgID != orgID {
		return inventory.Movement{}, inventory.ErrUnknownEntity
	}
	return m, nil
}

func (t *ledgerTx) MarkReversed(ctx context.Context, movementID, reversedBy int64) error {
	m, ok := t.store.movements[movementID]
	if !ok || m.IsReversed {
		return inventory.ErrInvalidMovementKind
	}
	m.IsReversed = true
	m.ReversedByMovementID = &reversedBy
	t.store.movements[movementID] = m
	return nil
}

func newTestService(store *memoryStore) *Service {
	ledger := inventory.NewService(nil, nil, nil, nil, nil)
	return NewService(&memoryRepo{store: store}, ledger, nil, nil)
}

func seedProduct(store *memoryStore, id, onHand int64) {
	store.products[id] = inventory.ProductStock{
		ProductID: id,
		OrgID:     testOrg,
		Type:      inventory.ProductTypeMaterial,
		OnHand:    onHand,
		IsActive:  true,
	}
}

func seedLocation(store *memoryStore, id int64) {
	store.locations[id] = inventory.Location{ID: id, OrgID: testOrg, IsActive: true}
}

func ptr(v int64) *int64 { return &v }

func draftSlip(t *testing.T, svc *Service, slipType SlipType, lines []LineInput) Slip {
	t.Helper()
	input := CreateSlipInput{
		OrgID:   testOrg,
		Type:    slipType,
		ActorID: testActor,
		Lines:   lines,
	}
	switch slipType {
	case TypeWorkOrderConsume:
		input.WorkOrderID = ptr(55)
	case TypeCostCenterIssue:
		input.CostCenterID = ptr(7)
	}
	slip, err := svc.Create(context.Background(), input)
	require.NoError(t, err)
	require.Equal(t, StatusDraft, slip.Status)
	return slip
}

func TestCreateValidatesHeaderAndLines(t *testing.T) {
	svc := newTestService(newMemoryStore())
	ctx := context.Background()

	_, err := svc.Create(ctx, CreateSlipInput{OrgID: testOrg, Type: TypeWorkOrderConsume, Lines: []LineInput{{ProductID: 1, RequestedQty: 5}}})
	require.ErrorIs(t, err, ErrValidation, "work order slip without work order")

	_, err = svc.Create(ctx, CreateSlipInput{OrgID: testOrg, Type: TypeCostCenterIssue, Lines: []LineInput{{ProductID: 1, RequestedQty: 5}}})
	require.ErrorIs(t, err, ErrValidation, "cost center slip without cost center")

	_, err = svc.Create(ctx, CreateSlipInput{OrgID: testOrg, Type: TypeWorkOrderConsume, WorkOrderID: ptr(55)})
	require.ErrorIs(t, err, ErrValidation, "no lines")

	_, err = svc.Create(ctx, CreateSlipInput{OrgID: testOrg, Type: TypeWorkOrderConsume, WorkOrderID: ptr(55), Lines: []LineInput{{ProductID: 1, RequestedQty: 0}}})
	require.ErrorIs(t, err, ErrValidation, "zero quantity line")

	slip, err := svc.Create(ctx, CreateSlipInput{OrgID: testOrg, Type: TypeWorkOrderConsume, WorkOrderID: ptr(55), Lines: []LineInput{{ProductID: 1, RequestedQty: 5}}})
	require.NoError(t, err)
	require.NotEmpty(t, slip.Number)
	require.Len(t, slip.Lines, 1)
}

func TestSubmitAndCancelTransitions(t *testing.T) {
	store := newMemoryStore()
	svc := newTestService(store)
	ctx := context.Background()

	slip := draftSlip(t, svc, TypeWorkOrderConsume, []LineInput{{ProductID: 1, RequestedQty: 5}})

	require.NoError(t, svc.Submit(ctx, testOrg, slip.ID, testActor))
	got, err := svc.Get(ctx, testOrg, slip.ID)
	require.NoError(t, err)
	require.Equal(t, StatusPending, got.Status)

	// submitting twice is rejected
	require.ErrorIs(t, svc.Submit(ctx, testOrg, slip.ID, testActor), ErrInvalidState)

	require.NoError(t, svc.Cancel(ctx, testOrg, slip.ID, testActor))
	got, err = svc.Get(ctx, testOrg, slip.ID)
	require.NoError(t, err)
	require.Equal(t, StatusCancelled, got.Status)

	require.ErrorIs(t, svc.Cancel(ctx, testOrg, slip.ID, testActor), ErrInvalidState)
}

func TestUpdateAndDeleteDraftOnly(t *testing.T) {
	store := newMemoryStore()
	svc := newTestService(store)
	ctx := context.Background()

	slip := draftSlip(t, svc, TypeWorkOrderConsume, []LineInput{{ProductID: 1, RequestedQty: 5}})

	updated, err := svc.Update(ctx, testOrg, slip.ID, UpdateSlipInput{
		Type:         TypeCostCenterIssue,
		CostCenterID: ptr(7),
		Lines:        []LineInput{{ProductID: 2, RequestedQty: 3}, {ProductID: 3, RequestedQty: 1}},
	})
	require.NoError(t, err)
	require.Equal(t, TypeCostCenterIssue, updated.Type)
	require.Len(t, updated.Lines, 2)

	require.NoError(t, svc.Submit(ctx, testOrg, slip.ID, testActor))

	_, err = svc.Update(ctx, testOrg, slip.ID, UpdateSlipInput{
		Type:         TypeCostCenterIssue,
		CostCenterID: ptr(7),
		Lines:        []LineInput{{ProductID: 2, RequestedQty: 3}},
	})
	require.ErrorIs(t, err, ErrInvalidState)

	require.ErrorIs(t, svc.Delete(ctx, testOrg, slip.ID), ErrInvalidState)

	other := draftSlip(t, svc, TypeWorkOrderConsume, []LineInput{{ProductID: 1, RequestedQty: 5}})
	require.NoError(t, svc.Delete(ctx, testOrg, other.ID))
	_, err = svc.Get(ctx, testOrg, other.ID)
	require.ErrorIs(t, err, ErrNotFound)
}

func TestIssueWorkOrderConsume(t *testing.T) {
	store := newMemoryStore()
	svc := newTestService(store)
	ctx := context.Background()

	seedProduct(store, 1, 100)
	seedLocation(store, 10)
	store.locBal[[2]int64{1, 10}] = 100

	slip := draftSlip(t, svc, TypeWorkOrderConsume, []LineInput{
		{ProductID: 1, RequestedQty: 30, LocationID: ptr(10)},
	})
	require.NoError(t, svc.Submit(ctx, testOrg, slip.ID, testActor))

	issued, err := svc.Issue(ctx, testOrg, slip.ID, testActor, "")
	require.NoError(t, err)
	require.Equal(t, StatusIssued, issued.Status)
	require.NotNil(t, issued.IssuedAt)
	require.Len(t, issued.Lines, 1)
	require.Equal(t, int64(30), issued.Lines[0].IssuedQty)
	require.NotNil(t, issued.Lines[0].MovementID)

	movement := store.movements[*issued.Lines[0].MovementID]
	require.Equal(t, inventory.KindConsume, movement.Kind)
	require.NotNil(t, movement.WorkOrderID)
	require.Equal(t, int64(55), *movement.WorkOrderID)
	require.Equal(t, int64(-30), movement.Effect)

	require.Equal(t, int64(70), store.products[1].OnHand)
	require.Equal(t, int64(70), store.locBal[[2]int64{1, 10}])
}

func TestIssueCostCenterIssue(t *testing.T) {
	store := newMemoryStore()
	svc := newTestService(store)
	ctx := context.Background()

	seedProduct(store, 1, 40)

	slip := draftSlip(t, svc, TypeCostCenterIssue, []LineInput{
		{ProductID: 1, RequestedQty: 15},
	})
	require.NoError(t, svc.Submit(ctx, testOrg, slip.ID, testActor))

	issued, err := svc.Issue(ctx, testOrg, slip.ID, testActor, "")
	require.NoError(t, err)

	movement := store.movements[*issued.Lines[0].MovementID]
	require.Equal(t, inventory.KindIssue, movement.Kind)
	require.NotNil(t, movement.CostCenterID)
	require.Equal(t, int64(7), *movement.CostCenterID)
	require.Equal(t, int64(25), store.products[1].OnHand)
}

func TestIssueAllOrNothing(t *testing.T) {
	store := newMemoryStore()
	svc := newTestService(store)
	ctx := context.Background()

	seedProduct(store, 1, 100)
	seedProduct(store, 2, 10)

	slip := draftSlip(t, svc, TypeCostCenterIssue, []LineInput{
		{ProductID: 1, RequestedQty: 20},
		{ProductID: 2, RequestedQty: 50},
	})
	require.NoError(t, svc.Submit(ctx, testOrg, slip.ID, testActor))

	_, err := svc.Issue(ctx, testOrg, slip.ID, testActor, "")
	require.ErrorIs(t, err, inventory.ErrInsufficientStock)

	// first line rolled back with the failing one
	require.Equal(t, int64(100), store.products[1].OnHand)
	require.Equal(t, int64(10), store.products[2].OnHand)
	require.Empty(t, store.movements)

	got, gerr := svc.Get(ctx, testOrg, slip.ID)
	require.NoError(t, gerr)
	require.Equal(t, StatusPending, got.Status, "slip stays pending after failed issue")
	for _, line := range got.Lines {
		require.Zero(t, line.IssuedQty)
		require.Nil(t, line.MovementID)
	}

	// after restocking the same slip issues cleanly
	store.products[2] = inventory.ProductStock{ProductID: 2, OrgID: testOrg, Type: inventory.ProductTypeMaterial, OnHand: 60, IsActive: true}
	issued, err := svc.Issue(ctx, testOrg, slip.ID, testActor, "")
	require.NoError(t, err)
	require.Equal(t, StatusIssued, issued.Status)
	require.Equal(t, int64(80), store.products[1].OnHand)
	require.Equal(t, int64(10), store.products[2].OnHand)
	require.Len(t, store.movements, 2)
}

func TestIssueRequiresPending(t *testing.T) {
	store := newMemoryStore()
	svc := newTestService(store)
	ctx := context.Background()

	seedProduct(store, 1, 100)

	slip := draftSlip(t, svc, TypeCostCenterIssue, []LineInput{{ProductID: 1, RequestedQty: 10}})

	_, err := svc.Issue(ctx, testOrg, slip.ID, testActor, "")
	require.ErrorIs(t, err, ErrInvalidState, "draft slip cannot be issued")

	require.NoError(t, svc.Submit(ctx, testOrg, slip.ID, testActor))
	_, err = svc.Issue(ctx, testOrg, slip.ID, testActor, "")
	require.NoError(t, err)

	_, err = svc.Issue(ctx, testOrg, slip.ID, testActor, "")
	require.ErrorIs(t, err, ErrInvalidState, "issued slip cannot be issued again")
	require.Len(t, store.movements, 1)
}

func TestIssueUnknownProductAborts(t *testing.T) {
	store := newMemoryStore()
	svc := newTestService(store)
	ctx := context.Background()

	seedProduct(store, 1, 100)

	slip := draftSlip(t, svc, TypeCostCenterIssue, []LineInput{
		{ProductID: 1, RequestedQty: 10},
		{ProductID: 999, RequestedQty: 1},
	})
	require.NoError(t, svc.Submit(ctx, testOrg, slip.ID, testActor))

	_, err := svc.Issue(ctx, testOrg, slip.ID, testActor, "")
	require.ErrorIs(t, err, inventory.ErrUnknownEntity)
	require.Equal(t, int64(100), store.products[1].OnHand)
	require.Empty(t, store.movements)
}

func TestGetScopedToOrg(t *testing.T) {
	store := newMemoryStore()
	svc := newTestService(store)
	ctx := context.Background()

	slip := draftSlip(t, svc, TypeWorkOrderConsume, []LineInput{{ProductID: 1, RequestedQty: 5}})

	_, err := svc.Get(ctx, testOrg+1, slip.ID)
	require.ErrorIs(t, err, ErrNotFound)

	got, err := svc.Get(ctx, testOrg, slip.ID)
	require.NoError(t, err)
	require.Equal(t, slip.Number, got.Number)
}

type fanoutRecorder struct {
	events []inventory.MovementPostedEvent
}

func (f *fanoutRecorder) HandleMovementPosted(_ context.Context, evt inventory.MovementPostedEvent) error {
	f.events = append(f.events, evt)
	return nil
}

type auditRecorder struct {
	logs []shared.AuditLog
}

func (a *auditRecorder) Record(_ context.Context, log shared.AuditLog) error {
	a.logs = append(a.logs, log)
	return nil
}

func TestIssueRunsPerMovementPostCommitEffects(t *testing.T) {
	store := newMemoryStore()
	seedProduct(store, 1, 40)

	mr := miniredis.RunT(t)
	cache := inventory.NewBalanceCache(redis.NewClient(&redis.Options{Addr: mr.Addr()}), time.Minute)
	fanout := &fanoutRecorder{}
	audit := &auditRecorder{}
	ledger := inventory.NewService(nil, audit, nil, cache, fanout)
	svc := NewService(&memoryRepo{store: store}, ledger, nil, nil)
	ctx := context.Background()

	primed, err := cache.ProductBalance(ctx, testOrg, 1, func(context.Context) (int64, error) {
		return 40, nil
	})
	require.NoError(t, err)
	require.Equal(t, int64(40), primed)

	slip := draftSlip(t, svc, TypeCostCenterIssue, []LineInput{
		{ProductID: 1, RequestedQty: 15},
	})
	require.NoError(t, svc.Submit(ctx, testOrg, slip.ID, testActor))

	issued, err := svc.Issue(ctx, testOrg, slip.ID, testActor, "")
	require.NoError(t, err)

	// The snapshot was dropped on commit, so the next read loads the
	// durable balance instead of the primed value.
	fresh, err := cache.ProductBalance(ctx, testOrg, 1, func(context.Context) (int64, error) {
		return store.products[1].OnHand, nil
	})
	require.NoError(t, err)
	require.Equal(t, int64(25), fresh)

	require.Len(t, fanout.events, 1)
	evt := fanout.events[0]
	require.Equal(t, *issued.Lines[0].MovementID, evt.MovementID)
	require.Equal(t, inventory.KindIssue, evt.Kind)
	require.Equal(t, int64(-15), evt.Effect)

	require.Len(t, audit.logs, 1)
	require.Equal(t, "movement", audit.logs[0].Entity)
	require.Equal(t, "inventory:ISSUE", audit.logs[0].Action)
}
