package orders

import (
	"context"
	"errors"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/ariefcatur/go-storefront-checkout/internal/postgres"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"
)

// RepoTestSuite runs against a real Postgres. Set TEST_POSTGRES_DSN to enable.
type RepoTestSuite struct {
	suite.Suite
	pool *pgxpool.Pool
	repo *Repo
}

func TestRepoTestSuite(t *testing.T) {
	if os.Getenv("TEST_POSTGRES_DSN") == "" {
		t.Skip("TEST_POSTGRES_DSN not set")
	}
	suite.Run(t, new(RepoTestSuite))
}

func (s *RepoTestSuite) SetupSuite() {
	dsn := os.Getenv("TEST_POSTGRES_DSN")
	require.NoError(s.T(), postgres.Migrate(dsn))

	pool, err := postgres.Connect(context.Background(), dsn, postgres.PoolConfig{MaxConns: 16})
	require.NoError(s.T(), err)
	s.pool = pool
	s.repo = &Repo{DB: pool}
}

func (s *RepoTestSuite) SetupTest() {
	_, err := s.pool.Exec(context.Background(),
		`TRUNCATE outbox, order_items, orders, cart_items, shopping_carts, products RESTART IDENTITY CASCADE`)
	s.Require().NoError(err)
}

func (s *RepoTestSuite) TearDownSuite() {
	s.pool.Close()
}

func (s *RepoTestSuite) seedProduct(name, price string, stock int) int64 {
	var id int64
	err := s.pool.QueryRow(context.Background(),
		`INSERT INTO products(name, price, stock_quantity) VALUES ($1,$2,$3) RETURNING id`,
		name, mustDec(price), stock).Scan(&id)
	s.Require().NoError(err)
	return id
}

func (s *RepoTestSuite) seedCart(userID int64, lines ...CartLine) {
	ctx := context.Background()
	var cartID int64
	err := s.pool.QueryRow(ctx, `INSERT INTO shopping_carts(user_id) VALUES ($1) RETURNING id`, userID).Scan(&cartID)
	s.Require().NoError(err)
	for _, l := range lines {
		_, err := s.pool.Exec(ctx, `INSERT INTO cart_items(cart_id, product_id, quantity, price) VALUES ($1,$2,$3,$4)`,
			cartID, l.ProductID, l.Quantity, l.Price)
		s.Require().NoError(err)
	}
}

func (s *RepoTestSuite) stock(id int64) int {
	var n int
	s.Require().NoError(s.pool.QueryRow(context.Background(), `SELECT stock_quantity FROM products WHERE id=$1`, id).Scan(&n))
	return n
}

func (s *RepoTestSuite) newOrder(userID int64, items ...OrderItem) *Order {
	now := time.Now().UTC().Truncate(time.Microsecond)
	return &Order{
		OrderNumber:     NewOrderNumber(now),
		UserID:          userID,
		TotalAmount:     SumItems(items),
		ShippingAddress: "Jl. Merdeka 10",
		PaymentMethod:   "card",
		Status:          StatusPending,
		PaymentStatus:   PaymentPending,
		CreatedAt:       now,
		UpdatedAt:       now,
		Items:           items,
	}
}

func (s *RepoTestSuite) TestSaveAndFindOrder() {
	ctx := context.Background()
	pid := s.seedProduct("Kopi", "5.00", 10)
	o := s.newOrder(7, OrderItem{ProductID: pid, ProductName: "Kopi", Quantity: 2, Price: mustDec("5.00")})

	err := s.repo.InTx(ctx, func(ctx context.Context, tx Tx) error {
		if err := tx.SaveOrder(ctx, o); err != nil {
			return err
		}
		ev, err := NewEnvelope(EventOrderCreated, "test", o.ID, CreatedPayload(o), o.CreatedAt)
		if err != nil {
			return err
		}
		return tx.Enqueue(ctx, TopicOrderCreated, ev)
	})
	s.Require().NoError(err)
	s.NotZero(o.ID)
	s.Equal(1, o.Version)
	s.NotZero(o.Items[0].ID)

	got, err := s.repo.FindOrder(ctx, o.ID)
	s.Require().NoError(err)
	s.Equal(o.OrderNumber, got.OrderNumber)
	s.True(mustDec("10.00").Equal(got.TotalAmount))
	s.Require().Len(got.Items, 1)
	s.Equal("Kopi", got.Items[0].ProductName)

	byNumber, err := s.repo.FindOrderByNumber(ctx, o.OrderNumber)
	s.Require().NoError(err)
	s.Equal(o.ID, byNumber.ID)

	list, err := s.repo.ListOrdersByUser(ctx, 7)
	s.Require().NoError(err)
	s.Len(list, 1)

	var pending int
	s.Require().NoError(s.pool.QueryRow(ctx, `SELECT count(*) FROM outbox WHERE sent_at IS NULL`).Scan(&pending))
	s.Equal(1, pending)

	_, err = s.repo.FindOrder(ctx, o.ID+100)
	s.ErrorIs(err, ErrOrderNotFound)
}

func (s *RepoTestSuite) TestRollbackDiscardsEverything() {
	ctx := context.Background()
	pid := s.seedProduct("Kopi", "5.00", 10)
	s.seedCart(7, CartLine{ProductID: pid, Quantity: 2, Price: mustDec("5.00")})
	boom := errors.New("boom")

	err := s.repo.InTx(ctx, func(ctx context.Context, tx Tx) error {
		o := s.newOrder(7, OrderItem{ProductID: pid, ProductName: "Kopi", Quantity: 2, Price: mustDec("5.00")})
		if err := tx.SaveOrder(ctx, o); err != nil {
			return err
		}
		if err := tx.ReserveStock(ctx, pid, 2); err != nil {
			return err
		}
		if err := tx.ClearCart(ctx, 7); err != nil {
			return err
		}
		return boom
	})
	s.ErrorIs(err, boom)

	s.Equal(10, s.stock(pid))
	list, err := s.repo.ListOrders(ctx)
	s.Require().NoError(err)
	s.Empty(list)

	err = s.repo.InTx(ctx, func(ctx context.Context, tx Tx) error {
		lines, err := tx.CartLines(ctx, 7)
		s.Len(lines, 1)
		return err
	})
	s.NoError(err)
}

func (s *RepoTestSuite) TestCartLines() {
	ctx := context.Background()
	err := s.repo.InTx(ctx, func(ctx context.Context, tx Tx) error {
		_, err := tx.CartLines(ctx, 99)
		return err
	})
	s.ErrorIs(err, ErrCartNotFound)
}

func (s *RepoTestSuite) TestReserveStock() {
	ctx := context.Background()
	pid := s.seedProduct("Teh", "15.00", 1)

	err := s.repo.InTx(ctx, func(ctx context.Context, tx Tx) error {
		return tx.ReserveStock(ctx, pid, 2)
	})
	var stockErr *InsufficientStockError
	s.Require().ErrorAs(err, &stockErr)
	s.Equal(1, stockErr.Available)

	err = s.repo.InTx(ctx, func(ctx context.Context, tx Tx) error {
		return tx.ReserveStock(ctx, pid+100, 1)
	})
	s.ErrorIs(err, ErrProductNotFound)

	s.NoError(s.repo.InTx(ctx, func(ctx context.Context, tx Tx) error {
		return tx.ReserveStock(ctx, pid, 1)
	}))
	s.Equal(0, s.stock(pid))
}

func (s *RepoTestSuite) TestConcurrentReserveNeverOversells() {
	ctx := context.Background()
	pid := s.seedProduct("Kopi", "5.00", 3)

	var (
		wg sync.WaitGroup
		mu sync.Mutex
		ok int
	)
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := s.repo.InTx(ctx, func(ctx context.Context, tx Tx) error {
				if _, err := tx.LockProducts(ctx, []int64{pid}); err != nil {
					return err
				}
				return tx.ReserveStock(ctx, pid, 1)
			})
			if err == nil {
				mu.Lock()
				ok++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	s.Equal(3, ok)
	s.Equal(0, s.stock(pid))
}

func (s *RepoTestSuite) TestUpdateOrderVersioning() {
	ctx := context.Background()
	o := s.newOrder(7)
	s.Require().NoError(s.repo.InTx(ctx, func(ctx context.Context, tx Tx) error { return tx.SaveOrder(ctx, o) }))

	stale := o.Clone()

	o.Status = StatusCancelled
	s.Require().NoError(s.repo.InTx(ctx, func(ctx context.Context, tx Tx) error { return tx.UpdateOrder(ctx, o) }))
	s.Equal(2, o.Version)

	stale.PaymentStatus = PaymentCompleted
	err := s.repo.InTx(ctx, func(ctx context.Context, tx Tx) error { return tx.UpdateOrder(ctx, stale) })
	s.ErrorIs(err, ErrConcurrentUpdate)

	missing := o.Clone()
	missing.ID += 100
	err = s.repo.InTx(ctx, func(ctx context.Context, tx Tx) error { return tx.UpdateOrder(ctx, missing) })
	s.ErrorIs(err, ErrOrderNotFound)

	got, err := s.repo.FindOrder(ctx, o.ID)
	s.Require().NoError(err)
	s.Equal(StatusCancelled, got.Status)
	s.Equal(PaymentPending, got.PaymentStatus)
}

func (s *RepoTestSuite) TestPaymentReferenceBelongsToOneOrder() {
	ctx := context.Background()
	a, b := s.newOrder(7), s.newOrder(8)
	s.Require().NoError(s.repo.InTx(ctx, func(ctx context.Context, tx Tx) error {
		if err := tx.SaveOrder(ctx, a); err != nil {
			return err
		}
		return tx.SaveOrder(ctx, b)
	}))

	ref := "ORDER-paid-once"
	a.PaymentReference = &ref
	s.Require().NoError(s.repo.InTx(ctx, func(ctx context.Context, tx Tx) error { return tx.UpdateOrder(ctx, a) }))

	b.PaymentReference = &ref
	b.PaymentStatus = PaymentCompleted
	err := s.repo.InTx(ctx, func(ctx context.Context, tx Tx) error { return tx.UpdateOrder(ctx, b) })
	s.ErrorIs(err, ErrInvalidStateTransition)

	got, err := s.repo.FindOrder(ctx, b.ID)
	s.Require().NoError(err)
	s.Empty(got.Reference())
	s.Equal(PaymentPending, got.PaymentStatus)

	c := s.newOrder(9)
	c.PaymentReference = &ref
	err = s.repo.InTx(ctx, func(ctx context.Context, tx Tx) error { return tx.SaveOrder(ctx, c) })
	s.ErrorIs(err, ErrInvalidStateTransition)
}
