package pgshipment

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/BearBump/ShipTrack/internal/models"
	"github.com/BearBump/ShipTrack/internal/storage"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
)

func startPostgres(t *testing.T) *Storage {
	t.Helper()
	testcontainers.SkipIfProviderIsNotHealthy(t)
	ctx := context.Background()

	req := testcontainers.ContainerRequest{
		Image:        "postgres:15-alpine",
		ExposedPorts: []string{"5432/tcp"},
		Env: map[string]string{
			"POSTGRES_USER":     "admin",
			"POSTGRES_PASSWORD": "admin",
			"POSTGRES_DB":       "shiptrack_test",
		},
		WaitingFor: wait.ForLog("database system is ready to accept connections").
			WithOccurrence(2).
			WithStartupTimeout(60 * time.Second),
	}
	pgC, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = pgC.Terminate(ctx) })

	host, err := pgC.Host(ctx)
	require.NoError(t, err)
	port, err := pgC.MappedPort(ctx, "5432/tcp")
	require.NoError(t, err)

	dsn := "postgres://admin:admin@" + host + ":" + port.Port() + "/shiptrack_test?sslmode=disable"
	st, err := New(dsn)
	require.NoError(t, err)
	t.Cleanup(st.Close)
	return st
}

func newShipment(ref string, seq int, status string) *models.Shipment {
	return &models.Shipment{
		RefCode:            ref,
		TrackingSeq:        seq,
		TrackingNumber:     models.TrackingNumber(seq),
		Status:             status,
		DestinationAddress: "Av. Reforma 222, CDMX",
		DestLat:            19.43,
		DestLon:            -99.16,
		CreatedAt:          time.Now().UTC(),
	}
}

func TestPGShipment_RepoFlow(t *testing.T) {
	st := startPostgres(t)
	ctx := context.Background()

	// указатель бутстрапится в 0
	err := st.WithSlotLock(ctx, func(ctx context.Context, tx storage.SlotTx) error {
		ptr, err := tx.ReadPointer(ctx)
		require.NoError(t, err)
		require.Equal(t, 0, ptr)

		sh := newShipment("A1", 1, "created")
		require.NoError(t, tx.InsertShipment(ctx, sh))
		require.NotZero(t, sh.ID)
		return tx.AdvancePointer(ctx, 1)
	})
	require.NoError(t, err)

	// занятый активный слот -> ErrSlotInUse, транзакция откатывается
	err = st.WithSlotLock(ctx, func(ctx context.Context, tx storage.SlotTx) error {
		active, err := tx.IsSlotActive(ctx, 1)
		require.NoError(t, err)
		require.True(t, active)
		return tx.InsertShipment(ctx, newShipment("B2", 1, "created"))
	})
	require.ErrorIs(t, err, models.ErrSlotInUse)

	err = st.WithSlotLock(ctx, func(ctx context.Context, tx storage.SlotTx) error {
		return tx.InsertShipment(ctx, newShipment("A1", 2, "created"))
	})
	require.ErrorIs(t, err, models.ErrRefCodeTaken)

	// доставленный слот освобождается и переиспользуется
	err = st.WithSlotLock(ctx, func(ctx context.Context, tx storage.SlotTx) error {
		row, err := tx.ShipmentByRef(ctx, "A1")
		require.NoError(t, err)
		require.NotNil(t, row)
		row.Status = models.StatusDelivered
		return tx.UpdateShipment(ctx, row)
	})
	require.NoError(t, err)

	_, err = st.GetActiveShipmentBySeq(ctx, 1)
	require.ErrorIs(t, err, models.ErrNotFound)

	err = st.WithSlotLock(ctx, func(ctx context.Context, tx storage.SlotTx) error {
		ptr, err := tx.ReadPointer(ctx)
		require.NoError(t, err)
		require.Equal(t, 1, ptr)

		row, err := tx.LatestShipmentBySeq(ctx, 1)
		require.NoError(t, err)
		require.NotNil(t, row)
		require.NoError(t, tx.ArchiveShipment(ctx, row))
		row.RefCode = "B2"
		row.Status = "created"
		row.CreatedAt = time.Now().UTC()
		return tx.UpdateShipment(ctx, row)
	})
	require.NoError(t, err)

	got, err := st.GetActiveShipmentBySeq(ctx, 1)
	require.NoError(t, err)
	require.Equal(t, "B2", got.RefCode)

	all, err := st.ListShipments(ctx)
	require.NoError(t, err)
	require.Len(t, all, 1)

	_, err = st.GetShipmentByRef(ctx, "A1")
	require.ErrorIs(t, err, models.ErrNotFound)
}

func TestPGShipment_SlotLockSerializes(t *testing.T) {
	st := startPostgres(t)
	ctx := context.Background()

	// Each worker reads the pointer, bumps it and inserts a shipment on that
	// slot. Without the advisory lock two workers would read the same pointer.
	const workers = 8
	var wg sync.WaitGroup
	errs := make(chan error, workers)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			errs <- st.WithSlotLock(ctx, func(ctx context.Context, tx storage.SlotTx) error {
				ptr, err := tx.ReadPointer(ctx)
				if err != nil {
					return err
				}
				seq := ptr + 1
				if err := tx.InsertShipment(ctx, newShipment(models.TrackingNumber(1000+i), seq, "created")); err != nil {
					return err
				}
				return tx.AdvancePointer(ctx, seq)
			})
		}(i)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}

	all, err := st.ListShipments(ctx)
	require.NoError(t, err)
	require.Len(t, all, workers)
	seen := map[int]bool{}
	for _, sh := range all {
		require.False(t, seen[sh.TrackingSeq])
		seen[sh.TrackingSeq] = true
	}
}

func TestPGShipment_Pings(t *testing.T) {
	st := startPostgres(t)
	ctx := context.Background()
	base := time.Now().UTC()

	for i := 0; i < 3; i++ {
		p := &models.LocationPing{ShipmentRef: "X", Lat: float64(i), Lon: 1, TS: base.Add(time.Duration(i) * time.Millisecond)}
		require.NoError(t, st.InsertPing(ctx, p))
		require.NotZero(t, p.ID)
	}

	out, err := st.ListPings(ctx, "X", 10)
	require.NoError(t, err)
	require.Len(t, out, 3)
	require.Equal(t, float64(2), out[0].Lat)

	// Another process with a clock behind still appends after the newest ping.
	behind := &models.LocationPing{ShipmentRef: "X", Lat: 9, Lon: 9, TS: base.Add(-time.Hour)}
	require.NoError(t, st.InsertPing(ctx, behind))
	require.True(t, behind.TS.After(out[0].TS))

	out, err = st.ListPings(ctx, "X", 1)
	require.NoError(t, err)
	require.Equal(t, behind.ID, out[0].ID)
}
