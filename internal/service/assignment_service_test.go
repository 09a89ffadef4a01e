package service

import (
	"context"
	"errors"
	"testing"
	"time"

	"freight-pooling/internal/core/domain"
	"freight-pooling/internal/core/ports"
	"freight-pooling/internal/core/ports/mocks"
	"freight-pooling/pkg/apperror"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"
)

var testNow = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func dec(s string) decimal.Decimal { return decimal.RequireFromString(s) }

type assignmentTestDeps struct {
	svc        *AssignmentServiceImpl
	pools      *mocks.MockPoolRepository
	items      *mocks.MockItemRepository
	events     *mocks.MockEventEmitter
	transactor *mocks.MockDBTransactor
	ctrl       *gomock.Controller
}

func setupAssignmentService(t *testing.T) *assignmentTestDeps {
	ctrl := gomock.NewController(t)
	d := &assignmentTestDeps{
		pools:      mocks.NewMockPoolRepository(ctrl),
		items:      mocks.NewMockItemRepository(ctrl),
		events:     mocks.NewMockEventEmitter(ctrl),
		transactor: mocks.NewMockDBTransactor(ctrl),
		ctrl:       ctrl,
	}
	d.svc = NewAssignmentService(
		d.pools, d.items, d.events, d.transactor,
		NewPoolingSettings(67, 10, 0.9), nil, zerolog.Nop(),
	)
	d.svc.now = func() time.Time { return testNow }
	return d
}

func testPendingItem(volume string) *domain.Item {
	return &domain.Item{
		ID:         uuid.New(),
		UserID:     "user-1",
		OriginPort: "CNSHA",
		DestPort:   "USLAX",
		Mode:       domain.ModeAir,
		CutoffAt:   testNow.Add(72 * time.Hour),
		VolumeM3:   dec(volume),
		Status:     domain.ItemStatusPending,
	}
}

func testOpenPool(item *domain.Item, used string) *domain.Pool {
	return &domain.Pool{
		ID:         uuid.New(),
		OriginPort: item.OriginPort,
		DestPort:   item.DestPort,
		Mode:       item.Mode,
		CutoffAt:   item.CutoffAt,
		CapacityM3: dec("10"),
		UsedM3:     dec(used),
		Status:     domain.PoolStatusOpen,
	}
}

func expectEmit(d *assignmentTestDeps, tx pgx.Tx, poolID uuid.UUID, et domain.EventType) *gomock.Call {
	return d.events.EXPECT().Emit(gomock.Any(), tx, poolID, et, gomock.Any()).Return(&domain.PoolEvent{Type: et}, nil)
}

func TestAssignmentService_AssignItem_CrossesEighty(t *testing.T) {
	d := setupAssignmentService(t)
	ctx := context.Background()
	tx := &mockTx{}
	item := testPendingItem("0.6")
	pool := testOpenPool(item, "7.5")

	d.transactor.EXPECT().Begin(ctx).Return(tx, nil)
	d.items.EXPECT().GetByIDForUpdate(ctx, tx, item.ID).Return(item, nil)
	d.pools.EXPECT().FindOpenForAssignment(ctx, tx, item.Lane(), item.CutoffAt).Return(pool, nil)
	d.pools.EXPECT().ReserveCapacity(ctx, tx, pool.ID, item.VolumeM3).Return(dec("8.1"), true, nil)
	d.items.EXPECT().MarkPooled(ctx, tx, item.ID, pool.ID).Return(nil)
	gomock.InOrder(
		expectEmit(d, tx, pool.ID, domain.EventItemPooled),
		expectEmit(d, tx, pool.ID, domain.EventFill80),
	)

	pooled, err := d.svc.AssignItem(ctx, item.ID)

	require.NoError(t, err)
	assert.True(t, pooled)
}

func TestAssignmentService_AssignItem_CrossesNinetyAndCloses(t *testing.T) {
	d := setupAssignmentService(t)
	ctx := context.Background()
	tx := &mockTx{}
	item := testPendingItem("0.6")
	pool := testOpenPool(item, "8.5")

	d.transactor.EXPECT().Begin(ctx).Return(tx, nil)
	d.items.EXPECT().GetByIDForUpdate(ctx, tx, item.ID).Return(item, nil)
	d.pools.EXPECT().FindOpenForAssignment(ctx, tx, item.Lane(), item.CutoffAt).Return(pool, nil)
	d.pools.EXPECT().ReserveCapacity(ctx, tx, pool.ID, item.VolumeM3).Return(dec("9.1"), true, nil)
	d.items.EXPECT().MarkPooled(ctx, tx, item.ID, pool.ID).Return(nil)
	d.pools.EXPECT().UpdateStatus(ctx, tx, pool.ID, domain.PoolStatusClosing).Return(nil)
	gomock.InOrder(
		expectEmit(d, tx, pool.ID, domain.EventItemPooled),
		expectEmit(d, tx, pool.ID, domain.EventFill90),
		d.events.EXPECT().Emit(gomock.Any(), tx, pool.ID, domain.EventStatusChanged, domain.EventPayload{
			"from": "open", "to": "closing",
		}).Return(&domain.PoolEvent{}, nil),
	)

	pooled, err := d.svc.AssignItem(ctx, item.ID)

	require.NoError(t, err)
	assert.True(t, pooled)
}

func TestAssignmentService_AssignItem_ReachesFull(t *testing.T) {
	d := setupAssignmentService(t)
	ctx := context.Background()
	tx := &mockTx{}
	item := testPendingItem("0.6")
	pool := testOpenPool(item, "9.4")
	pool.Status = domain.PoolStatusClosing

	d.transactor.EXPECT().Begin(ctx).Return(tx, nil)
	d.items.EXPECT().GetByIDForUpdate(ctx, tx, item.ID).Return(item, nil)
	d.pools.EXPECT().FindOpenForAssignment(ctx, tx, item.Lane(), item.CutoffAt).Return(pool, nil)
	d.pools.EXPECT().ReserveCapacity(ctx, tx, pool.ID, item.VolumeM3).Return(dec("10.0"), true, nil)
	d.items.EXPECT().MarkPooled(ctx, tx, item.ID, pool.ID).Return(nil)
	gomock.InOrder(
		expectEmit(d, tx, pool.ID, domain.EventItemPooled),
		expectEmit(d, tx, pool.ID, domain.EventFill100),
	)

	pooled, err := d.svc.AssignItem(ctx, item.ID)

	require.NoError(t, err)
	assert.True(t, pooled)
}

func TestAssignmentService_AssignItem_DoesNotFit(t *testing.T) {
	d := setupAssignmentService(t)
	ctx := context.Background()
	tx := &mockTx{}
	item := testPendingItem("0.6")
	pool := testOpenPool(item, "9.5")

	d.transactor.EXPECT().Begin(ctx).Return(tx, nil)
	d.items.EXPECT().GetByIDForUpdate(ctx, tx, item.ID).Return(item, nil)
	d.pools.EXPECT().FindOpenForAssignment(ctx, tx, item.Lane(), item.CutoffAt).Return(pool, nil)
	// No reservation, no MarkPooled, no events.

	pooled, err := d.svc.AssignItem(ctx, item.ID)

	require.NoError(t, err)
	assert.False(t, pooled)
	assert.Equal(t, domain.ItemStatusPending, item.Status)
	assert.Nil(t, item.PoolID)
}

func TestAssignmentService_AssignItem_LostReservationRace(t *testing.T) {
	d := setupAssignmentService(t)
	ctx := context.Background()
	tx := &mockTx{}
	item := testPendingItem("0.6")
	pool := testOpenPool(item, "9.0")

	d.transactor.EXPECT().Begin(ctx).Return(tx, nil)
	d.items.EXPECT().GetByIDForUpdate(ctx, tx, item.ID).Return(item, nil)
	d.pools.EXPECT().FindOpenForAssignment(ctx, tx, item.Lane(), item.CutoffAt).Return(pool, nil)
	d.pools.EXPECT().ReserveCapacity(ctx, tx, pool.ID, item.VolumeM3).Return(decimal.Zero, false, nil)

	pooled, err := d.svc.AssignItem(ctx, item.ID)

	require.NoError(t, err)
	assert.False(t, pooled)
}

func TestAssignmentService_AssignItem_CutoffPassed(t *testing.T) {
	d := setupAssignmentService(t)
	ctx := context.Background()
	tx := &mockTx{}
	item := testPendingItem("0.6")
	item.CutoffAt = testNow.Add(-time.Minute)

	d.transactor.EXPECT().Begin(ctx).Return(tx, nil)
	d.items.EXPECT().GetByIDForUpdate(ctx, tx, item.ID).Return(item, nil)

	pooled, err := d.svc.AssignItem(ctx, item.ID)

	require.NoError(t, err)
	assert.False(t, pooled)
}

func TestAssignmentService_AssignItem_AlreadyPooled(t *testing.T) {
	d := setupAssignmentService(t)
	ctx := context.Background()
	tx := &mockTx{}
	item := testPendingItem("0.6")
	item.Status = domain.ItemStatusPooled

	d.transactor.EXPECT().Begin(ctx).Return(tx, nil)
	d.items.EXPECT().GetByIDForUpdate(ctx, tx, item.ID).Return(item, nil)

	pooled, err := d.svc.AssignItem(ctx, item.ID)

	require.NoError(t, err)
	assert.False(t, pooled)
}

func TestAssignmentService_AssignItem_NotFound(t *testing.T) {
	d := setupAssignmentService(t)
	ctx := context.Background()
	tx := &mockTx{}
	id := uuid.New()

	d.transactor.EXPECT().Begin(ctx).Return(tx, nil)
	d.items.EXPECT().GetByIDForUpdate(ctx, tx, id).Return(nil, nil)

	_, err := d.svc.AssignItem(ctx, id)

	assert.True(t, apperror.HasCode(err, "ITEM_001"))
}

func TestAssignmentService_AssignItem_CreatesPool(t *testing.T) {
	d := setupAssignmentService(t)
	ctx := context.Background()
	tx := &mockTx{}
	item := testPendingItem("0.6")

	var created *domain.Pool
	d.transactor.EXPECT().Begin(ctx).Return(tx, nil)
	d.items.EXPECT().GetByIDForUpdate(ctx, tx, item.ID).Return(item, nil)
	d.pools.EXPECT().FindOpenForAssignment(ctx, tx, item.Lane(), item.CutoffAt).Return(nil, nil)
	d.pools.EXPECT().Create(ctx, tx, gomock.Any()).DoAndReturn(func(_ context.Context, _ pgx.Tx, p *domain.Pool) error {
		created = p
		assert.Equal(t, domain.PoolStatusOpen, p.Status)
		assert.True(t, p.CapacityM3.Equal(dec("10")))
		assert.True(t, p.UsedM3.IsZero())
		return nil
	})
	d.pools.EXPECT().ReserveCapacity(ctx, tx, gomock.Any(), item.VolumeM3).Return(dec("0.6"), true, nil)
	d.items.EXPECT().MarkPooled(ctx, tx, item.ID, gomock.Any()).Return(nil)
	gomock.InOrder(
		d.events.EXPECT().Emit(gomock.Any(), tx, gomock.Any(), domain.EventPoolCreated, gomock.Any()).Return(&domain.PoolEvent{}, nil),
		d.events.EXPECT().Emit(gomock.Any(), tx, gomock.Any(), domain.EventItemPooled, gomock.Any()).Return(&domain.PoolEvent{}, nil),
	)

	pooled, err := d.svc.AssignItem(ctx, item.ID)

	require.NoError(t, err)
	assert.True(t, pooled)
	require.NotNil(t, created)
	assert.Equal(t, created.ID, *item.PoolID)
}

func TestAssignmentService_AssignItem_CreateRaceUsesWinner(t *testing.T) {
	d := setupAssignmentService(t)
	ctx := context.Background()
	tx := &mockTx{}
	item := testPendingItem("0.6")
	winner := testOpenPool(item, "1.0")

	d.transactor.EXPECT().Begin(ctx).Return(tx, nil)
	d.items.EXPECT().GetByIDForUpdate(ctx, tx, item.ID).Return(item, nil)
	gomock.InOrder(
		d.pools.EXPECT().FindOpenForAssignment(ctx, tx, item.Lane(), item.CutoffAt).Return(nil, nil),
		d.pools.EXPECT().Create(ctx, tx, gomock.Any()).Return(ports.ErrDuplicate),
		d.pools.EXPECT().FindOpenForAssignment(ctx, tx, item.Lane(), item.CutoffAt).Return(winner, nil),
	)
	d.pools.EXPECT().ReserveCapacity(ctx, tx, winner.ID, item.VolumeM3).Return(dec("1.6"), true, nil)
	d.items.EXPECT().MarkPooled(ctx, tx, item.ID, winner.ID).Return(nil)
	expectEmit(d, tx, winner.ID, domain.EventItemPooled)

	pooled, err := d.svc.AssignItem(ctx, item.ID)

	require.NoError(t, err)
	assert.True(t, pooled)
}

func TestAssignmentService_AssignItem_CreateRaceWinnerLocked(t *testing.T) {
	d := setupAssignmentService(t)
	ctx := context.Background()
	tx := &mockTx{}
	item := testPendingItem("0.6")

	d.transactor.EXPECT().Begin(ctx).Return(tx, nil)
	d.items.EXPECT().GetByIDForUpdate(ctx, tx, item.ID).Return(item, nil)
	d.pools.EXPECT().FindOpenForAssignment(ctx, tx, item.Lane(), item.CutoffAt).Return(nil, nil).Times(2)
	d.pools.EXPECT().Create(ctx, tx, gomock.Any()).Return(ports.ErrDuplicate)

	pooled, err := d.svc.AssignItem(ctx, item.ID)

	require.NoError(t, err)
	assert.False(t, pooled)
}

func TestAssignmentService_SubmitItem_ValidatesInput(t *testing.T) {
	d := setupAssignmentService(t)
	base := ports.SubmitItemRequest{
		UserID: "u1", OriginPort: "CNSHA", DestPort: "USLAX", Mode: domain.ModeSea,
		CutoffAt: testNow.Add(24 * time.Hour),
		WeightKg: dec("10"), LengthCm: dec("100"), WidthCm: dec("100"), HeightCm: dec("100"),
	}

	tests := []struct {
		name   string
		mutate func(r *ports.SubmitItemRequest)
		code   string
	}{
		{"bad mode", func(r *ports.SubmitItemRequest) { r.Mode = "rail" }, "VAL_001"},
		{"same ports", func(r *ports.SubmitItemRequest) { r.DestPort = "cnsha" }, "VAL_001"},
		{"zero weight", func(r *ports.SubmitItemRequest) { r.WeightKg = decimal.Zero }, "ITEM_002"},
		{"negative height", func(r *ports.SubmitItemRequest) { r.HeightCm = dec("-1") }, "ITEM_002"},
		{"volume rounds to zero", func(r *ports.SubmitItemRequest) {
			r.LengthCm, r.WidthCm, r.HeightCm = dec("0.5"), dec("0.5"), dec("0.5")
		}, "ITEM_002"},
		{"past cutoff", func(r *ports.SubmitItemRequest) { r.CutoffAt = testNow }, "VAL_001"},
		{"larger than container", func(r *ports.SubmitItemRequest) {
			r.Mode = domain.ModeAir
			r.LengthCm, r.WidthCm, r.HeightCm = dec("300"), dec("200"), dec("200")
		}, "VAL_001"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := base
			tt.mutate(&req)
			_, err := d.svc.SubmitItem(context.Background(), &mockTx{}, req)
			assert.True(t, apperror.HasCode(err, tt.code), "got %v", err)
		})
	}
}

func TestAssignmentService_SubmitItem_PoolsImmediately(t *testing.T) {
	d := setupAssignmentService(t)
	ctx := context.Background()
	tx := &mockTx{}
	req := ports.SubmitItemRequest{
		UserID: "u1", OriginPort: "cnsha", DestPort: "uslax", Mode: domain.ModeSea,
		CutoffAt: testNow.Add(24 * time.Hour),
		WeightKg: dec("120"), LengthCm: dec("120"), WidthCm: dec("100"), HeightCm: dec("50"),
	}
	pool := &domain.Pool{
		ID: uuid.New(), OriginPort: "CNSHA", DestPort: "USLAX", Mode: domain.ModeSea,
		CapacityM3: dec("67"), UsedM3: dec("10"), Status: domain.PoolStatusOpen,
	}

	d.items.EXPECT().Create(ctx, tx, gomock.Any()).DoAndReturn(func(_ context.Context, _ pgx.Tx, it *domain.Item) error {
		assert.Equal(t, "CNSHA", it.OriginPort)
		assert.True(t, it.VolumeM3.Equal(dec("0.6")))
		assert.Equal(t, domain.ItemStatusPending, it.Status)
		return nil
	})
	d.pools.EXPECT().FindOpenForAssignment(ctx, tx, gomock.Any(), gomock.Any()).Return(pool, nil)
	d.pools.EXPECT().ReserveCapacity(ctx, tx, pool.ID, gomock.Any()).Return(dec("10.6"), true, nil)
	d.items.EXPECT().MarkPooled(ctx, tx, gomock.Any(), pool.ID).Return(nil)
	expectEmit(d, tx, pool.ID, domain.EventItemPooled)

	item, err := d.svc.SubmitItem(ctx, tx, req)

	require.NoError(t, err)
	assert.Equal(t, domain.ItemStatusPooled, item.Status)
	assert.Equal(t, pool.ID, *item.PoolID)
}

func TestAssignmentService_SubmitItem_StaysPendingWhenNoRoom(t *testing.T) {
	d := setupAssignmentService(t)
	ctx := context.Background()
	tx := &mockTx{}
	req := ports.SubmitItemRequest{
		UserID: "u1", OriginPort: "CNSHA", DestPort: "USLAX", Mode: domain.ModeAir,
		CutoffAt: testNow.Add(24 * time.Hour),
		WeightKg: dec("50"), LengthCm: dec("100"), WidthCm: dec("100"), HeightCm: dec("60"),
	}
	full := &domain.Pool{
		ID: uuid.New(), Mode: domain.ModeAir, CapacityM3: dec("10"), UsedM3: dec("9.5"), Status: domain.PoolStatusOpen,
	}

	d.items.EXPECT().Create(ctx, tx, gomock.Any()).Return(nil)
	d.pools.EXPECT().FindOpenForAssignment(ctx, tx, gomock.Any(), gomock.Any()).Return(full, nil)

	item, err := d.svc.SubmitItem(ctx, tx, req)

	require.NoError(t, err)
	assert.Equal(t, domain.ItemStatusPending, item.Status)
	assert.Nil(t, item.PoolID)
}

func TestAssignmentService_AssignPending_Summarizes(t *testing.T) {
	d := setupAssignmentService(t)
	ctx := context.Background()
	tx := &mockTx{}

	pooledItem := testPendingItem("0.6")
	skippedItem := testPendingItem("0.6")
	skippedItem.CutoffAt = testNow.Add(-time.Hour)
	brokenID := uuid.New()
	pool := testOpenPool(pooledItem, "1")

	d.items.EXPECT().ListPending(ctx, (*domain.PendingRef)(nil), 10).Return([]domain.PendingRef{
		{ID: pooledItem.ID}, {ID: skippedItem.ID}, {ID: brokenID},
	}, nil)
	d.transactor.EXPECT().Begin(ctx).Return(tx, nil).Times(3)
	d.items.EXPECT().GetByIDForUpdate(ctx, tx, pooledItem.ID).Return(pooledItem, nil)
	d.items.EXPECT().GetByIDForUpdate(ctx, tx, skippedItem.ID).Return(skippedItem, nil)
	d.items.EXPECT().GetByIDForUpdate(ctx, tx, brokenID).Return(nil, errors.New("db down"))
	d.pools.EXPECT().FindOpenForAssignment(ctx, tx, pooledItem.Lane(), pooledItem.CutoffAt).Return(pool, nil)
	d.pools.EXPECT().ReserveCapacity(ctx, tx, pool.ID, pooledItem.VolumeM3).Return(dec("1.6"), true, nil)
	d.items.EXPECT().MarkPooled(ctx, tx, pooledItem.ID, pool.ID).Return(nil)
	expectEmit(d, tx, pool.ID, domain.EventItemPooled)

	summary, err := d.svc.AssignPending(ctx, 10)

	require.NoError(t, err)
	assert.Equal(t, ports.AssignSummary{Scanned: 3, Pooled: 1, Skipped: 1, Errors: 1}, *summary)
}

func TestAssignmentService_AssignPending_PagesPastUnpoolableItems(t *testing.T) {
	d := setupAssignmentService(t)
	ctx := context.Background()
	tx := &mockTx{}

	// The first page holds two items that cannot be pooled right now.
	stuckA := testPendingItem("0.6")
	stuckB := testPendingItem("0.6")
	stuckA.Status = domain.ItemStatusPooled
	stuckB.Status = domain.ItemStatusPooled
	later := testPendingItem("0.6")
	pool := testOpenPool(later, "1")

	firstPage := []domain.PendingRef{
		{ID: stuckA.ID, CutoffAt: stuckA.CutoffAt, CreatedAt: testNow},
		{ID: stuckB.ID, CutoffAt: stuckB.CutoffAt, CreatedAt: testNow},
	}
	gomock.InOrder(
		d.items.EXPECT().ListPending(ctx, (*domain.PendingRef)(nil), 2).Return(firstPage, nil),
		d.items.EXPECT().ListPending(ctx, &firstPage[1], 2).Return([]domain.PendingRef{
			{ID: later.ID, CutoffAt: later.CutoffAt, CreatedAt: testNow},
		}, nil),
	)
	d.transactor.EXPECT().Begin(ctx).Return(tx, nil).Times(3)
	d.items.EXPECT().GetByIDForUpdate(ctx, tx, stuckA.ID).Return(stuckA, nil)
	d.items.EXPECT().GetByIDForUpdate(ctx, tx, stuckB.ID).Return(stuckB, nil)
	d.items.EXPECT().GetByIDForUpdate(ctx, tx, later.ID).Return(later, nil)
	d.pools.EXPECT().FindOpenForAssignment(ctx, tx, later.Lane(), later.CutoffAt).Return(pool, nil)
	d.pools.EXPECT().ReserveCapacity(ctx, tx, pool.ID, later.VolumeM3).Return(dec("1.6"), true, nil)
	d.items.EXPECT().MarkPooled(ctx, tx, later.ID, pool.ID).Return(nil)
	expectEmit(d, tx, pool.ID, domain.EventItemPooled)

	summary, err := d.svc.AssignPending(ctx, 2)

	require.NoError(t, err)
	assert.Equal(t, ports.AssignSummary{Scanned: 3, Pooled: 1, Skipped: 2}, *summary)
}

func TestAssignmentService_AssignPending_ListFailure(t *testing.T) {
	d := setupAssignmentService(t)
	ctx := context.Background()

	d.items.EXPECT().ListPending(ctx, (*domain.PendingRef)(nil), 5).Return(nil, errors.New("db down"))

	_, err := d.svc.AssignPending(ctx, 5)

	assert.True(t, apperror.HasCode(err, "SYS_001"))
}
