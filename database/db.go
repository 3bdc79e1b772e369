// Package database persists closed signals and their aggregate win/loss
// metadata to an rqlite cluster. The sink is optional: it is only wired
// when an endpoint is configured, and it only records live results.
package database

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/davecgh/go-spew/spew"
	"github.com/dnldd/pulse/bus"
	"github.com/dnldd/pulse/shared"
	rqlitehttp "github.com/rqlite/rqlite-go-http"
	"github.com/rs/zerolog"
)

const (
	// SQL statements.
	createSignalTableSQL = "CREATE TABLE IF NOT EXISTS signal (id TEXT PRIMARY KEY, symbol TEXT, strategy TEXT, exchange TEXT, direction INTEGER, takeprofit REAL, stoploss REAL, openprice REAL, closeprice REAL, closereason INTEGER, grosspercent REAL, netpercent REAL, openedon INTEGER, closedon INTEGER)"
	createMetadataSQL    = "CREATE TABLE IF NOT EXISTS metadata (id TEXT PRIMARY KEY, total INTEGER, wins INTEGER, winpercent REAL, losses INTEGER, losspercent REAL, createdon INTEGER)"
	persistSignalSQL     = "INSERT INTO signal(id, symbol, strategy, exchange, direction, takeprofit, stoploss, openprice, closeprice, closereason, grosspercent, netpercent, openedon, closedon) VALUES(?,?,?,?,?,?,?,?,?,?,?,?,?,?)"
	findMetadataSQL      = "SELECT * FROM metadata WHERE id = ?"
	updateMetadataSQL    = "UPDATE metadata SET total = total + 1, wins = wins + ?, winpercent = winpercent + ?, losses = losses + ?, losspercent = losspercent + ? WHERE id = ?"
	persistMetadataSQL   = "INSERT INTO metadata(id, total, wins, winpercent, losses, losspercent, createdon) VALUES(?,?,?,?,?,?,?)"

	// clientTimeout bounds every database round trip.
	clientTimeout = time.Second * 5
)

// ClosedSignalStorer defines the requirements for storing closed signals.
type ClosedSignalStorer interface {
	// PersistClosedSignal stores the provided terminal result to the database.
	PersistClosedSignal(ctx context.Context, result *shared.TickResult) error
}

// DatabaseConfig is the configuration for the database.
type DatabaseConfig struct {
	// Endpoint represents the database connection endpoint.
	Endpoint string
	// User is the database user.
	User string
	// Pass is the database user pass.
	Pass string
	// Bus is the event bus.
	Bus *bus.Bus
	// Logger is the database logger.
	Logger *zerolog.Logger
}

// Database represents the database connection.
type Database struct {
	cfg    *DatabaseConfig
	client *rqlitehttp.Client
	sub    *bus.Subscription
}

// Ensure the database implements the ClosedSignalStorer interface.
var _ ClosedSignalStorer = (*Database)(nil)

// NewDatabase initializes a new database connection and subscribes it to
// live terminal results.
func NewDatabase(ctx context.Context, cfg *DatabaseConfig) (*Database, error) {
	httpc := &http.Client{Timeout: clientTimeout}
	client, err := rqlitehttp.NewClient(cfg.Endpoint, httpc)
	if err != nil {
		return nil, fmt.Errorf("creating database client: %w", err)
	}

	client.SetBasicAuth(cfg.User, cfg.Pass)

	db := &Database{
		cfg:    cfg,
		client: client,
	}

	err = db.bootstrap(ctx)
	if err != nil {
		return nil, fmt.Errorf("bootstrapping database: %w", err)
	}

	db.sub = cfg.Bus.Subscribe(db.observe, shared.SignalLiveChannel)

	return db, nil
}

// bootstrap initializes the database.
func (db *Database) bootstrap(ctx context.Context) error {
	_, err := db.client.Execute(ctx, rqlitehttp.SQLStatements{
		{SQL: createMetadataSQL},
		{SQL: createSignalTableSQL},
	}, &rqlitehttp.ExecuteOptions{
		Transaction: true,
		Timings:     true,
	})
	if err != nil {
		return err
	}

	return nil
}

// Close unsubscribes the database from the bus.
func (db *Database) Close() {
	db.sub.Close()
}

// observe persists closed live signals as they are published.
func (db *Database) observe(event shared.Event) {
	payload, ok := event.Payload.(shared.SignalEvent)
	if !ok || payload.Result.Action != shared.Closed {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), clientTimeout)
	defer cancel()

	err := db.PersistClosedSignal(ctx, &payload.Result)
	if err != nil {
		db.cfg.Logger.Error().Msgf("persisting closed signal: %v", err)
	}
}

// generateMetadataID generates deterministic ids for metadata using the
// current month, week and symbol.
func generateMetadataID(currentTime time.Time, symbol string) string {
	month := currentTime.Month().String()
	week := currentTime.Day() / 7

	id := fmt.Sprintf("%s-Week-%d-%s", month, week, symbol)
	return id
}

// PersistClosedSignal stores the provided terminal result to the database.
func (db *Database) PersistClosedSignal(ctx context.Context, result *shared.TickResult) error {
	signal := result.Signal
	if signal == nil || result.PnL == nil {
		return fmt.Errorf("closed result is missing its signal or pnl: %s", spew.Sdump(result))
	}

	_, err := db.client.Execute(ctx, rqlitehttp.SQLStatements{
		{
			SQL: persistSignalSQL,
			PositionalParams: []any{signal.ID, signal.Symbol, signal.Strategy, signal.Exchange,
				int(signal.Direction), signal.TakeProfit, signal.StopLoss, signal.Open,
				result.ClosePrice, int(result.CloseReason), result.PnL.GrossPercent,
				result.PnL.NetPercent, signal.OpenedAt, result.ClosedAt},
		},
	}, &rqlitehttp.ExecuteOptions{Transaction: true, Timings: true})
	if err != nil {
		return err
	}

	var win, loss int
	var winpercent, losspercent float64

	switch {
	case result.PnL.NetPercent > 0:
		win++
		winpercent = result.PnL.NetPercent
	case result.PnL.NetPercent <= 0:
		loss++
		losspercent = result.PnL.NetPercent
	default:
		db.cfg.Logger.Error().Msgf("unexpected closed signal state for metadata calculations: %s", spew.Sdump(result))
	}

	closedOn := time.UnixMilli(result.ClosedAt).UTC()
	id := generateMetadataID(closedOn, signal.Symbol)

	resp, err := db.client.QuerySingle(ctx, findMetadataSQL, id)
	if err != nil {
		return err
	}

	exists := len(resp.GetQueryResultsAssoc()) > 0
	switch {
	case exists:
		resp, err := db.client.Execute(ctx, rqlitehttp.SQLStatements{
			{
				SQL:              updateMetadataSQL,
				PositionalParams: []any{win, winpercent, loss, losspercent, id},
			},
		}, &rqlitehttp.ExecuteOptions{Transaction: true, Timings: true})
		if err != nil {
			return err
		}
		has, idx, errStr := resp.HasError()
		if has {
			return fmt.Errorf("updating metadata %s: %d -> %s", id, idx, errStr)
		}
	default:
		resp, err := db.client.Execute(ctx, rqlitehttp.SQLStatements{
			{
				SQL:              persistMetadataSQL,
				PositionalParams: []any{id, 1, win, winpercent, loss, losspercent, closedOn.Unix()},
			},
		}, &rqlitehttp.ExecuteOptions{Transaction: true, Timings: true})
		if err != nil {
			return err
		}
		has, idx, errStr := resp.HasError()
		if has {
			return fmt.Errorf("persisting metadata %s: %d -> %s", id, idx, errStr)
		}
	}

	return nil
}
