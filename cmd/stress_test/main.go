package main

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"sync/atomic"
	"time"

	_ "github.com/go-sql-driver/mysql"
	"github.com/rs/zerolog"
	zlog "github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/rl1809/stock-reservation/internal/adapter/storage"
	"github.com/rl1809/stock-reservation/internal/config"
	"github.com/rl1809/stock-reservation/internal/core/domain"
	"github.com/rl1809/stock-reservation/internal/core/service"
)

const (
	productName   = "stress-test-product"
	initialStock  = 20
	totalRequests = 50
	quantity      = 1
)

func main() {
	ctx := context.Background()
	zlog.Logger = zlog.Output(zerolog.ConsoleWriter{Out: os.Stderr})

	cfg, err := config.Load()
	if err != nil {
		zlog.Fatal().Err(err).Msg("failed to load config")
	}

	db, err := sql.Open("mysql", cfg.MySQL.DSN)
	if err != nil {
		zlog.Fatal().Err(err).Msg("failed to open mysql")
	}
	defer db.Close()
	db.SetMaxOpenConns(cfg.MySQL.MaxOpenConns)

	mysqlAdapter := storage.NewMySQLAdapter(db)
	if err := mysqlAdapter.Migrate(ctx); err != nil {
		zlog.Fatal().Err(err).Msg("failed to migrate schema")
	}

	// Reset the product to a known stock level
	productID, err := mysqlAdapter.UpsertProduct(ctx, productName, initialStock)
	if err != nil {
		zlog.Fatal().Err(err).Msg("failed to reset product")
	}

	reservationService := service.NewReservationService(mysqlAdapter)

	var successCount, soldOutCount, errorCount atomic.Int32
	var lastReservationID atomic.Int64

	g, gctx := errgroup.WithContext(ctx)
	start := time.Now()

	for i := 0; i < totalRequests; i++ {
		g.Go(func() error {
			id, err := reservationService.Reserve(gctx, domain.ReservationRequest{
				ProductID: productID,
				Quantity:  quantity,
				Timestamp: time.Now(),
			})
			switch {
			case err == nil:
				successCount.Add(1)
				lastReservationID.Store(id)
			case domain.IsInsufficientStock(err):
				soldOutCount.Add(1)
			default:
				errorCount.Add(1)
				zlog.Error().Err(err).Msg("unexpected reservation error")
			}
			return nil
		})
	}

	_ = g.Wait()
	elapsed := time.Since(start)

	success := successCount.Load()
	soldOut := soldOutCount.Load()
	wantSuccess := int32(initialStock / quantity)

	fmt.Println("========== STRESS TEST RESULTS ==========")
	fmt.Printf("Product ID:       %d\n", productID)
	fmt.Printf("Initial Stock:    %d\n", initialStock)
	fmt.Printf("Total Requests:   %d\n", totalRequests)
	fmt.Printf("Successful:       %d\n", success)
	fmt.Printf("Sold Out:         %d\n", soldOut)
	fmt.Printf("Errors:           %d\n", errorCount.Load())
	fmt.Printf("Duration:         %v\n", elapsed)
	fmt.Println("==========================================")

	if success == wantSuccess && soldOut == int32(totalRequests)-wantSuccess {
		fmt.Printf("PASS: Exactly %d reservations succeeded, %d sold out\n", success, soldOut)
	} else {
		fmt.Printf("FAIL: Expected %d success/%d sold out, got %d/%d\n",
			wantSuccess, int32(totalRequests)-wantSuccess, success, soldOut)
	}

	product, err := mysqlAdapter.GetProduct(ctx, productID)
	if err != nil || product == nil {
		zlog.Fatal().Err(err).Msg("failed to read final stock")
	}
	fmt.Printf("Final Stock:      %d\n", product.AvailableQuantity)

	want := initialStock - int(success)*quantity
	if product.AvailableQuantity == want {
		fmt.Printf("PASS: Stock is %d\n", want)
	} else {
		fmt.Printf("FAIL: Expected stock %d, got %d\n", want, product.AvailableQuantity)
	}

	if id := lastReservationID.Load(); id != 0 {
		status, found, err := reservationService.GetStatus(ctx, id)
		if err != nil {
			zlog.Fatal().Err(err).Msg("failed to read reservation status")
		}
		fmt.Printf("Reservation %d:   found=%v status=%s\n", id, found, status)
	}
}
