package service

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/pkg/errors"

	"github.com/rl1809/stock-reservation/internal/core/domain"
	"github.com/rl1809/stock-reservation/internal/port"
)

// Mock DatabaseRepository with per-product row locks held until commit or rollback
type mockDB struct {
	mu           sync.Mutex
	products     map[int64]domain.Product
	reservations map[int64]domain.Reservation
	nextID       int64
	rowLocks     map[int64]*sync.Mutex

	txCount     atomic.Int32
	failCreate  atomic.Bool
	failStatus  bool
	statusReads atomic.Int32
}

func newMockDB(products ...domain.Product) *mockDB {
	m := &mockDB{
		products:     make(map[int64]domain.Product),
		reservations: make(map[int64]domain.Reservation),
		rowLocks:     make(map[int64]*sync.Mutex),
	}
	for _, p := range products {
		m.products[p.ID] = p
	}
	return m
}

func (m *mockDB) WithinTx(ctx context.Context, fn func(ctx context.Context, tx port.ReservationTx) error) error {
	m.txCount.Add(1)
	tx := &mockTx{db: m, stock: make(map[int64]int)}
	defer tx.release()

	if err := fn(ctx, tx); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	for id, qty := range tx.stock {
		p := m.products[id]
		p.AvailableQuantity = qty
		m.products[id] = p
	}
	for _, r := range tx.pending {
		m.reservations[r.ID] = r
	}
	return nil
}

func (m *mockDB) GetReservationStatus(ctx context.Context, reservationID int64) (domain.ReservationStatus, bool, error) {
	m.statusReads.Add(1)
	if m.failStatus {
		return "", false, errors.New("connection refused")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.reservations[reservationID]
	if !ok {
		return "", false, nil
	}
	return r.Status, true, nil
}

func (m *mockDB) stockOf(id int64) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.products[id].AvailableQuantity
}

func (m *mockDB) reservationCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.reservations)
}

type mockTx struct {
	db      *mockDB
	locked  []*sync.Mutex
	stock   map[int64]int
	pending []domain.Reservation
}

func (tx *mockTx) GetProduct(ctx context.Context, productID int64) (*domain.Product, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	tx.db.mu.Lock()
	defer tx.db.mu.Unlock()
	p, ok := tx.db.products[productID]
	if !ok {
		return nil, nil
	}
	return &p, nil
}

func (tx *mockTx) LockAvailableQuantity(ctx context.Context, productID int64) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	tx.db.mu.Lock()
	lock, ok := tx.db.rowLocks[productID]
	if !ok {
		lock = &sync.Mutex{}
		tx.db.rowLocks[productID] = lock
	}
	tx.db.mu.Unlock()

	lock.Lock()
	tx.locked = append(tx.locked, lock)

	tx.db.mu.Lock()
	defer tx.db.mu.Unlock()
	p, ok := tx.db.products[productID]
	if !ok {
		return 0, &domain.ProductNotFoundError{ProductID: productID}
	}
	return p.AvailableQuantity, nil
}

func (tx *mockTx) SetAvailableQuantity(ctx context.Context, productID int64, quantity int) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	tx.stock[productID] = quantity
	return nil
}

func (tx *mockTx) CreateReservation(ctx context.Context, reservation domain.Reservation) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	if tx.db.failCreate.Load() {
		return 0, errors.New("constraint violation")
	}
	tx.db.mu.Lock()
	tx.db.nextID++
	reservation.ID = tx.db.nextID
	tx.db.mu.Unlock()
	tx.pending = append(tx.pending, reservation)
	return reservation.ID, nil
}

func (tx *mockTx) release() {
	for _, l := range tx.locked {
		l.Unlock()
	}
}

// Mock CacheRepository
type mockCacheRepo struct {
	mu             sync.Mutex
	idempotencySet map[string]bool
	statuses       map[int64]domain.ReservationStatus
	failReads      bool
}

func newMockCacheRepo() *mockCacheRepo {
	return &mockCacheRepo{
		idempotencySet: make(map[string]bool),
		statuses:       make(map[int64]domain.ReservationStatus),
	}
}

func (m *mockCacheRepo) SetIdempotency(ctx context.Context, key string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.idempotencySet[key] {
		return false, nil
	}
	m.idempotencySet[key] = true
	return true, nil
}

func (m *mockCacheRepo) ReleaseIdempotency(ctx context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.idempotencySet, key)
	return nil
}

func (m *mockCacheRepo) GetStatus(ctx context.Context, reservationID int64) (domain.ReservationStatus, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failReads {
		return "", false, errors.New("redis unavailable")
	}
	s, ok := m.statuses[reservationID]
	return s, ok, nil
}

func (m *mockCacheRepo) SetStatus(ctx context.Context, reservationID int64, status domain.ReservationStatus) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.statuses[reservationID] = status
	return nil
}

// Mock EventPublisher
type mockPublisher struct {
	mu        sync.Mutex
	published []domain.Reservation
	err       error
}

func (m *mockPublisher) PublishReservationCompleted(ctx context.Context, reservation domain.Reservation) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return m.err
	}
	m.published = append(m.published, reservation)
	return nil
}

var testTimestamp = time.Date(2024, 9, 4, 12, 0, 0, 0, time.UTC)

func reserveRequest(productID int64, quantity int) domain.ReservationRequest {
	return domain.ReservationRequest{ProductID: productID, Quantity: quantity, Timestamp: testTimestamp}
}

func TestReserve_Scenario(t *testing.T) {
	db := newMockDB(domain.Product{ID: 1, Name: "Test Product", AvailableQuantity: 100})
	svc := NewReservationService(db)
	ctx := context.Background()

	id, err := svc.Reserve(ctx, reserveRequest(1, 10))
	if err != nil {
		t.Fatalf("expected success, got error: %v", err)
	}
	if id <= 0 {
		t.Errorf("expected positive reservation id, got %d", id)
	}
	if stock := db.stockOf(1); stock != 90 {
		t.Errorf("expected stock 90, got %d", stock)
	}

	status, found, err := svc.GetStatus(ctx, id)
	if err != nil || !found {
		t.Fatalf("expected status to be found, got found=%v err=%v", found, err)
	}
	if status != domain.ReservationStatusCompleted {
		t.Errorf("expected completed status, got %s", status)
	}

	_, err = svc.Reserve(ctx, reserveRequest(1, 200))
	var stockErr *domain.InsufficientStockError
	if !errors.As(err, &stockErr) {
		t.Fatalf("expected InsufficientStockError, got: %v", err)
	}
	if stockErr.Requested != 200 || stockErr.Available != 90 {
		t.Errorf("unexpected error details: %+v", stockErr)
	}
	if stock := db.stockOf(1); stock != 90 {
		t.Errorf("expected stock to remain 90, got %d", stock)
	}

	_, err = svc.Reserve(ctx, reserveRequest(42, 1))
	var notFound *domain.ProductNotFoundError
	if !errors.As(err, &notFound) {
		t.Fatalf("expected ProductNotFoundError, got: %v", err)
	}
	if notFound.ProductID != 42 {
		t.Errorf("expected product id 42, got %d", notFound.ProductID)
	}

	if db.reservationCount() != 1 {
		t.Errorf("expected 1 reservation, got %d", db.reservationCount())
	}
}

func TestReserve_StoresRequestData(t *testing.T) {
	db := newMockDB(domain.Product{ID: 1, Name: "Test Product", AvailableQuantity: 100})
	svc := NewReservationService(db)

	local := time.FixedZone("UTC+3", 3*60*60)
	req := domain.ReservationRequest{ProductID: 1, Quantity: 10, Timestamp: testTimestamp.In(local)}
	id, err := svc.Reserve(context.Background(), req)
	if err != nil {
		t.Fatalf("reserve failed: %v", err)
	}

	r := db.reservations[id]
	if r.ProductID != 1 || r.Quantity != 10 {
		t.Errorf("unexpected reservation: %+v", r)
	}
	if r.Status != domain.ReservationStatusCompleted {
		t.Errorf("expected completed status, got %s", r.Status)
	}
	if !r.Timestamp.Equal(testTimestamp) || r.Timestamp.Location() != time.UTC {
		t.Errorf("expected timestamp %v in UTC, got %v", testTimestamp, r.Timestamp)
	}
}

func TestReserve_ExactQuantityAvailable(t *testing.T) {
	db := newMockDB(domain.Product{ID: 1, Name: "Test Product", AvailableQuantity: 100})
	svc := NewReservationService(db)

	if _, err := svc.Reserve(context.Background(), reserveRequest(1, 100)); err != nil {
		t.Fatalf("expected success, got error: %v", err)
	}
	if stock := db.stockOf(1); stock != 0 {
		t.Errorf("expected stock 0, got %d", stock)
	}
}

func TestReserve_MultipleTimesSameProduct(t *testing.T) {
	db := newMockDB(domain.Product{ID: 1, Name: "Test Product", AvailableQuantity: 100})
	svc := NewReservationService(db)
	ctx := context.Background()

	first, err := svc.Reserve(ctx, reserveRequest(1, 30))
	if err != nil {
		t.Fatalf("first reserve failed: %v", err)
	}
	second, err := svc.Reserve(ctx, reserveRequest(1, 50))
	if err != nil {
		t.Fatalf("second reserve failed: %v", err)
	}
	if second <= first {
		t.Errorf("expected increasing ids, got %d then %d", first, second)
	}
	if stock := db.stockOf(1); stock != 20 {
		t.Errorf("expected stock 20, got %d", stock)
	}
}

func TestReserve_ZeroAvailable(t *testing.T) {
	db := newMockDB(domain.Product{ID: 999, Name: "Out of Stock Product", AvailableQuantity: 0})
	svc := NewReservationService(db)

	_, err := svc.Reserve(context.Background(), reserveRequest(999, 1))
	if !domain.IsInsufficientStock(err) {
		t.Errorf("expected InsufficientStockError, got: %v", err)
	}
	if db.reservationCount() != 0 {
		t.Errorf("expected no reservations, got %d", db.reservationCount())
	}
}

func TestReserve_ProductNotFoundPrecedesStockCheck(t *testing.T) {
	db := newMockDB(domain.Product{ID: 1, Name: "Test Product", AvailableQuantity: 100})
	svc := NewReservationService(db)

	_, err := svc.Reserve(context.Background(), reserveRequest(99999, 1000))
	if !domain.IsProductNotFound(err) {
		t.Fatalf("expected ProductNotFoundError, got: %v", err)
	}
	if domain.IsInsufficientStock(err) {
		t.Error("existence error must not be reported as insufficient stock")
	}
}

func TestReserve_InvalidQuantity(t *testing.T) {
	db := newMockDB(domain.Product{ID: 1, Name: "Test Product", AvailableQuantity: 100})
	svc := NewReservationService(db)

	for _, qty := range []int{0, -100} {
		_, err := svc.Reserve(context.Background(), reserveRequest(1, qty))
		if !errors.Is(err, domain.ErrInvalidRequest) {
			t.Errorf("quantity %d: expected ErrInvalidRequest, got: %v", qty, err)
		}
	}
	if db.txCount.Load() != 0 {
		t.Errorf("expected no transaction for invalid input, got %d", db.txCount.Load())
	}
	if stock := db.stockOf(1); stock != 100 {
		t.Errorf("expected stock 100, got %d", stock)
	}
}

func TestReserve_Concurrent(t *testing.T) {
	initialStock := 100
	quantity := 3
	totalRequests := 50

	db := newMockDB(domain.Product{ID: 1, Name: "Test Product", AvailableQuantity: initialStock})
	svc := NewReservationService(db)

	var successCount atomic.Int32
	var insufficientCount atomic.Int32
	var wg sync.WaitGroup

	for i := 0; i < totalRequests; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := svc.Reserve(context.Background(), reserveRequest(1, quantity))
			switch {
			case err == nil:
				successCount.Add(1)
			case domain.IsInsufficientStock(err):
				insufficientCount.Add(1)
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}

	wg.Wait()

	expected := int32(initialStock / quantity)
	if successCount.Load() != expected {
		t.Errorf("expected %d successes, got %d", expected, successCount.Load())
	}
	if insufficientCount.Load() != int32(totalRequests)-expected {
		t.Errorf("expected %d insufficient stock failures, got %d", int32(totalRequests)-expected, insufficientCount.Load())
	}
	if stock := db.stockOf(1); stock != initialStock-quantity*int(successCount.Load()) {
		t.Errorf("expected stock %d, got %d", initialStock-quantity*int(successCount.Load()), stock)
	}
	if db.reservationCount() != int(successCount.Load()) {
		t.Errorf("expected %d reservations, got %d", successCount.Load(), db.reservationCount())
	}
}

func TestReserve_ConcurrentDifferentProducts(t *testing.T) {
	db := newMockDB(
		domain.Product{ID: 1, Name: "A", AvailableQuantity: 10},
		domain.Product{ID: 2, Name: "B", AvailableQuantity: 10},
	)
	svc := NewReservationService(db)

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(productID int64) {
			defer wg.Done()
			svc.Reserve(context.Background(), reserveRequest(productID, 1))
		}(int64(i%2 + 1))
	}
	wg.Wait()

	if db.stockOf(1) != 0 || db.stockOf(2) != 0 {
		t.Errorf("expected both products depleted, got %d and %d", db.stockOf(1), db.stockOf(2))
	}
}

func TestReserve_RollbackOnInfrastructureFailure(t *testing.T) {
	db := newMockDB(domain.Product{ID: 1, Name: "Test Product", AvailableQuantity: 100})
	db.failCreate.Store(true)
	svc := NewReservationService(db)

	_, err := svc.Reserve(context.Background(), reserveRequest(1, 10))
	if err == nil {
		t.Fatal("expected error")
	}
	if domain.IsProductNotFound(err) || domain.IsInsufficientStock(err) {
		t.Errorf("infrastructure failure must not look like a business error: %v", err)
	}
	if stock := db.stockOf(1); stock != 100 {
		t.Errorf("expected stock 100 after rollback, got %d", stock)
	}
	if db.reservationCount() != 0 {
		t.Errorf("expected no reservations, got %d", db.reservationCount())
	}
}

func TestReserve_CancelledContext(t *testing.T) {
	db := newMockDB(domain.Product{ID: 1, Name: "Test Product", AvailableQuantity: 100})
	svc := NewReservationService(db)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := svc.Reserve(ctx, reserveRequest(1, 10))
	if !errors.Is(err, context.Canceled) {
		t.Errorf("expected context.Canceled, got: %v", err)
	}
	if stock := db.stockOf(1); stock != 100 {
		t.Errorf("expected stock 100, got %d", stock)
	}
	if db.reservationCount() != 0 {
		t.Errorf("expected no reservations, got %d", db.reservationCount())
	}
}

func TestReserve_DuplicateRequest(t *testing.T) {
	db := newMockDB(domain.Product{ID: 1, Name: "Test Product", AvailableQuantity: 10})
	cache := newMockCacheRepo()
	svc := NewReservationService(db, WithCache(cache))

	req := reserveRequest(1, 1)
	req.RequestID = "req-1"

	if _, err := svc.Reserve(context.Background(), req); err != nil {
		t.Fatalf("first reserve failed: %v", err)
	}

	_, err := svc.Reserve(context.Background(), req)
	if !errors.Is(err, domain.ErrDuplicateRequest) {
		t.Errorf("expected ErrDuplicateRequest, got: %v", err)
	}

	if stock := db.stockOf(1); stock != 9 {
		t.Errorf("expected stock 9, got %d", stock)
	}
}

func TestReserve_ReleasesIdempotencyKeyOnFailure(t *testing.T) {
	db := newMockDB(domain.Product{ID: 1, Name: "Test Product", AvailableQuantity: 10})
	db.failCreate.Store(true)
	cache := newMockCacheRepo()
	svc := NewReservationService(db, WithCache(cache))

	req := reserveRequest(1, 1)
	req.RequestID = "req-retry"

	if _, err := svc.Reserve(context.Background(), req); err == nil {
		t.Fatal("expected first attempt to fail")
	}

	db.failCreate.Store(false)
	if _, err := svc.Reserve(context.Background(), req); err != nil {
		t.Fatalf("expected retry with same key to succeed, got: %v", err)
	}
}

func TestReserve_CachesStatusAndPublishesEvent(t *testing.T) {
	db := newMockDB(domain.Product{ID: 1, Name: "Test Product", AvailableQuantity: 10})
	cache := newMockCacheRepo()
	events := &mockPublisher{}
	svc := NewReservationService(db, WithCache(cache), WithEventPublisher(events))

	id, err := svc.Reserve(context.Background(), reserveRequest(1, 2))
	if err != nil {
		t.Fatalf("reserve failed: %v", err)
	}

	if cache.statuses[id] != domain.ReservationStatusCompleted {
		t.Errorf("expected cached completed status, got %q", cache.statuses[id])
	}
	if len(events.published) != 1 {
		t.Fatalf("expected 1 published event, got %d", len(events.published))
	}
	if events.published[0].ID != id || events.published[0].Quantity != 2 {
		t.Errorf("unexpected event payload: %+v", events.published[0])
	}
}

func TestReserve_NoEventOnFailure(t *testing.T) {
	db := newMockDB(domain.Product{ID: 1, Name: "Test Product", AvailableQuantity: 1})
	events := &mockPublisher{}
	svc := NewReservationService(db, WithEventPublisher(events))

	svc.Reserve(context.Background(), reserveRequest(1, 2))
	svc.Reserve(context.Background(), reserveRequest(7, 1))

	if len(events.published) != 0 {
		t.Errorf("expected no events, got %d", len(events.published))
	}
}

func TestReserve_PublishFailureKeepsReservation(t *testing.T) {
	db := newMockDB(domain.Product{ID: 1, Name: "Test Product", AvailableQuantity: 10})
	events := &mockPublisher{err: errors.New("broker down")}
	svc := NewReservationService(db, WithEventPublisher(events))

	id, err := svc.Reserve(context.Background(), reserveRequest(1, 1))
	if err != nil {
		t.Fatalf("expected success despite publish failure, got: %v", err)
	}
	if id <= 0 || db.stockOf(1) != 9 {
		t.Errorf("expected committed reservation, got id=%d stock=%d", id, db.stockOf(1))
	}
}

func TestGetStatus_NotFound(t *testing.T) {
	db := newMockDB()
	svc := NewReservationService(db)

	status, found, err := svc.GetStatus(context.Background(), 99999)
	if err != nil {
		t.Fatalf("expected no error, got: %v", err)
	}
	if found {
		t.Errorf("expected not found, got status %q", status)
	}
}

func TestGetStatus_CacheHit(t *testing.T) {
	db := newMockDB()
	cache := newMockCacheRepo()
	cache.statuses[5] = domain.ReservationStatusPending
	svc := NewReservationService(db, WithCache(cache))

	status, found, err := svc.GetStatus(context.Background(), 5)
	if err != nil || !found {
		t.Fatalf("expected cached status, got found=%v err=%v", found, err)
	}
	if status != domain.ReservationStatusPending {
		t.Errorf("expected pending, got %s", status)
	}
	if db.statusReads.Load() != 0 {
		t.Errorf("expected database not to be read, got %d reads", db.statusReads.Load())
	}
}

func TestGetStatus_CacheFailureFallsBackToDatabase(t *testing.T) {
	db := newMockDB(domain.Product{ID: 1, Name: "Test Product", AvailableQuantity: 10})
	cache := newMockCacheRepo()
	svc := NewReservationService(db, WithCache(cache))

	id, err := svc.Reserve(context.Background(), reserveRequest(1, 1))
	if err != nil {
		t.Fatalf("reserve failed: %v", err)
	}
	cache.failReads = true

	status, found, err := svc.GetStatus(context.Background(), id)
	if err != nil || !found {
		t.Fatalf("expected status from database, got found=%v err=%v", found, err)
	}
	if status != domain.ReservationStatusCompleted {
		t.Errorf("expected completed, got %s", status)
	}
	if db.statusReads.Load() != 1 {
		t.Errorf("expected 1 database read, got %d", db.statusReads.Load())
	}
}

func TestGetStatus_DatabaseError(t *testing.T) {
	db := newMockDB()
	db.failStatus = true
	svc := NewReservationService(db)

	_, found, err := svc.GetStatus(context.Background(), 1)
	if err == nil {
		t.Fatal("expected error")
	}
	if found {
		t.Error("expected found=false on error")
	}
}
