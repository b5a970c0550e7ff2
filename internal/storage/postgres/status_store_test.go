package postgres

import (
	"context"
	"errors"
	"testing"

	"github.com/jackc/pgx/v5"
	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/crawl-coordinator/internal/crawl"
)

func TestStatusStoreLoadReturnsRow(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	store, err := NewStatusStoreWithPool(mock, "crawl_status", "prod")
	require.NoError(t, err)

	mock.ExpectQuery("SELECT crawl_time, fetcher_peak_memory, webapp_peak_memory, crawl_type").
		WithArgs("prod").
		WillReturnRows(pgxmock.NewRows([]string{"crawl_time", "fetcher_peak_memory", "webapp_peak_memory", "crawl_type"}).
			AddRow(int64(1700000000), int64(2048), int64(512), "web"))

	rec, err := store.Load(context.Background())
	require.NoError(t, err)
	require.Equal(t, crawl.StatusRecord{
		CrawlTime:         1700000000,
		FetcherPeakMemory: 2048,
		WebappPeakMemory:  512,
		CrawlType:         crawl.CrawlTypeWeb,
	}, rec)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestStatusStoreLoadMissingRowIsZero(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	store, err := NewStatusStoreWithPool(mock, "", "")
	require.NoError(t, err)

	mock.ExpectQuery("SELECT crawl_time").
		WithArgs("default").
		WillReturnError(pgx.ErrNoRows)

	rec, err := store.Load(context.Background())
	require.NoError(t, err)
	require.Equal(t, crawl.StatusRecord{}, rec)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestStatusStoreSaveUpserts(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	store, err := NewStatusStoreWithPool(mock, "crawl_status", "prod")
	require.NoError(t, err)

	mock.ExpectExec("INSERT INTO crawl_status").
		WithArgs("prod", int64(1700000000), int64(4096), int64(0), "archive").
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	err = store.Save(context.Background(), crawl.StatusRecord{
		CrawlTime:         1700000000,
		FetcherPeakMemory: 4096,
		CrawlType:         crawl.CrawlTypeArchive,
	})
	require.NoError(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestStatusStoreWrapsErrors(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	store, err := NewStatusStoreWithPool(mock, "crawl_status", "prod")
	require.NoError(t, err)

	mock.ExpectExec("INSERT INTO crawl_status").WillReturnError(errors.New("conn reset"))
	err = store.Save(context.Background(), crawl.StatusRecord{})
	require.ErrorContains(t, err, "save crawl status")
}

func TestStatusStoreMigrate(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	store, err := NewStatusStoreWithPool(mock, "coord_status", "")
	require.NoError(t, err)

	mock.ExpectExec("CREATE TABLE IF NOT EXISTS coord_status").
		WillReturnResult(pgxmock.NewResult("CREATE TABLE", 0))
	require.NoError(t, store.Migrate(context.Background()))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestNewStatusStoreWithPoolValidates(t *testing.T) {
	t.Parallel()

	_, err := NewStatusStoreWithPool(nil, "", "")
	require.Error(t, err)

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()
	_, err = NewStatusStoreWithPool(mock, "bad-name;", "")
	require.ErrorContains(t, err, "invalid table name")
}
