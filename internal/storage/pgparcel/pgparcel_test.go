package pgparcel

import (
	"context"
	"testing"
	"time"

	"github.com/BearBump/ParcelNet/internal/models"
	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
)

func startPostgres(t *testing.T) *Storage {
	t.Helper()
	ctx := context.Background()

	req := testcontainers.ContainerRequest{
		Image:        "postgres:15-alpine",
		ExposedPorts: []string{"5432/tcp"},
		Env: map[string]string{
			"POSTGRES_USER":     "admin",
			"POSTGRES_PASSWORD": "admin",
			"POSTGRES_DB":       "parcelnet_test",
		},
		WaitingFor: wait.ForListeningPort("5432/tcp").WithStartupTimeout(60 * time.Second),
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

	dsn := "postgres://admin:admin@" + host + ":" + port.Port() + "/parcelnet_test?sslmode=disable"
	st, err := New(dsn)
	require.NoError(t, err)
	t.Cleanup(st.Close)
	return st
}

func newEvent(packageID, status, location, details string, at time.Time) models.PackageEvent {
	return models.PackageEvent{
		ID:              uuid.NewString(),
		PackageID:       packageID,
		DeliveryStatus:  status,
		DeliveryDetails: details,
		EventsAt:        at,
		Location:        location,
	}
}

func TestPGParcel_RepoFlow(t *testing.T) {
	st := startPostgres(t)
	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Millisecond)

	// карта
	require.NoError(t, st.ReplaceMap(ctx,
		[]models.Node{{ID: "END_HOME_1"}, {ID: "REG_1", Level: 1}, {ID: "HUB_1", X: 3, Y: 4}},
		[]models.Edge{
			{ID: "e1", Source: "END_HOME_1", Target: "REG_1", Cost: 1, RoadMultiple: 1},
			{ID: "e2", Source: "REG_1", Target: "HUB_1", Cost: 2, Distance: 50, RoadMultiple: 1.2},
		},
	))
	nodes, err := st.ListNodes(ctx)
	require.NoError(t, err)
	require.Len(t, nodes, 3)
	edges, err := st.ListEdges(ctx)
	require.NoError(t, err)
	require.Len(t, edges, 2)

	// машина
	vehicle := models.Vehicle{
		ID: uuid.NewString(), DriverUserID: "drv-1", VehicleCode: "TRUCK_1",
		HomeNodeID: "HUB_1", CurrentNodeID: "END_HOME_1", UpdatedAt: now,
	}
	require.NoError(t, st.CreateVehicle(ctx, vehicle))

	exists, err := st.VehicleCodeExists(ctx, "TRUCK_1")
	require.NoError(t, err)
	require.True(t, exists)

	driverID, err := st.FindDriverByHomeNode(ctx, "HUB_1")
	require.NoError(t, err)
	require.Equal(t, "drv-1", driverID)

	// посылка + событие created + нулевой сегмент
	pkg := &models.Package{
		ID: uuid.NewString(), CustomerID: "cust-1",
		SenderName: "Alice", SenderAddress: "END_HOME_1",
		ReceiverName: "Bob", ReceiverAddress: "END_STORE_1",
		WeightKg: 2, Dimensions: models.Dimensions{Length: 20, Width: 15, Height: 10},
		DeliveryType: "standard", PaymentType: "prepaid", PaymentMethod: "monthly_billing",
		SpecialMarks: []string{"fragile"}, TrackingNumber: "TRK-abc-12345678", CreatedAt: now,
	}
	task := &models.DeliveryTask{
		ID: uuid.NewString(), PackageID: pkg.ID, TaskType: models.TaskTypePickup,
		FromLocation: "END_HOME_1", ToLocation: "REG_1",
		AssignedDriverID: "drv-1", Status: models.TaskStatusPending,
		SegmentIndex: 0, CreatedAt: now, UpdatedAt: now,
	}
	require.NoError(t, st.CreatePackage(ctx, pkg,
		newEvent(pkg.ID, models.PackageStatusCreated, "END_HOME_1", "Package registered", now), task))

	got, err := st.GetPackage(ctx, pkg.ID)
	require.NoError(t, err)
	require.Equal(t, "cust-1", got.CustomerID)
	require.Equal(t, []string{"fragile"}, got.SpecialMarks)

	_, err = st.GetPackage(ctx, uuid.NewString())
	require.ErrorIs(t, err, ErrNotFound)

	latest, err := st.LatestEvent(ctx, pkg.ID)
	require.NoError(t, err)
	require.Equal(t, models.PackageStatusCreated, latest.DeliveryStatus)

	// задачи
	active, err := st.ActiveTask(ctx, pkg.ID)
	require.NoError(t, err)
	require.Equal(t, task.ID, active.ID)

	seg, err := st.NextSegmentIndex(ctx, pkg.ID)
	require.NoError(t, err)
	require.Equal(t, 1, seg)

	assigned, err := st.ListAssignedTasks(ctx, "drv-1", nil, 0)
	require.NoError(t, err)
	require.Len(t, assigned, 1)

	ok, err := st.AcceptTask(ctx, task.ID, "drv-1", now)
	require.NoError(t, err)
	require.True(t, ok)

	// accepted-задачу можно перехватить на узле передачи
	ok, err = st.AcceptTask(ctx, task.ID, "drv-2", now)
	require.NoError(t, err)
	require.True(t, ok)

	// возвращаем исходному водителю, дальше грузит он
	ok, err = st.AcceptTask(ctx, task.ID, "drv-1", now)
	require.NoError(t, err)
	require.True(t, ok)

	// погрузка: задача -> in_progress, груз открыт, события добавлены
	cargo := models.VehicleCargo{ID: uuid.NewString(), VehicleID: vehicle.ID, PackageID: pkg.ID, LoadedAt: now}
	ok, err = st.ApplyPickup(ctx, PickupUpdate{
		TaskID: task.ID,
		Cargo:  cargo,
		Events: []models.PackageEvent{
			newEvent(pkg.ID, models.PackageStatusPickedUp, "END_HOME_1", "", now.Add(time.Second)),
		},
		Now: now,
	})
	require.NoError(t, err)
	require.True(t, ok)

	// in_progress перехвату не подлежит
	ok, err = st.AcceptTask(ctx, task.ID, "drv-2", now)
	require.NoError(t, err)
	require.False(t, ok)

	open, err := st.OpenCargoByPackage(ctx, pkg.ID)
	require.NoError(t, err)
	require.Equal(t, cargo.ID, open.ID)

	code, err := st.OpenCargoVehicleCode(ctx, pkg.ID)
	require.NoError(t, err)
	require.Equal(t, "TRUCK_1", code)

	// задача уже in_progress — конкурентная погрузка проигрывает
	ok, err = st.ApplyPickup(ctx, PickupUpdate{TaskID: task.ID, Cargo: cargo, Now: now})
	require.NoError(t, err)
	require.False(t, ok)

	// второй открытый груз той же посылки запрещён частичным индексом
	task2 := models.DeliveryTask{
		ID: uuid.NewString(), PackageID: pkg.ID, TaskType: models.TaskTypeDeliver,
		FromLocation: "REG_1", ToLocation: "HUB_1",
		Status: models.TaskStatusPending, SegmentIndex: 1, CreatedAt: now, UpdatedAt: now,
	}
	require.NoError(t, st.CreateTask(ctx, task2))
	dup := models.VehicleCargo{ID: uuid.NewString(), VehicleID: vehicle.ID, PackageID: pkg.ID, LoadedAt: now}
	_, err = st.ApplyPickup(ctx, PickupUpdate{TaskID: task2.ID, Cargo: dup, Now: now})
	require.ErrorIs(t, err, ErrCargoOpen)

	// перемещение машины: условие на текущий узел
	moved, err := st.MoveVehicle(ctx, "drv-1", "HUB_1", "REG_1", now)
	require.NoError(t, err)
	require.False(t, moved)

	moved, err = st.MoveVehicle(ctx, "drv-1", "END_HOME_1", "REG_1", now)
	require.NoError(t, err)
	require.True(t, moved)

	// выгрузка: задача -> completed, груз закрыт
	ok, err = st.ApplyDropoff(ctx, DropoffUpdate{
		TaskID:  task.ID,
		CargoID: cargo.ID,
		Events: []models.PackageEvent{
			newEvent(pkg.ID, models.PackageStatusWarehouseIn, "REG_1", "Arrived at warehouse", now.Add(2*time.Second)),
		},
		Now: now,
	})
	require.NoError(t, err)
	require.True(t, ok)

	_, err = st.OpenCargoByPackage(ctx, pkg.ID)
	require.ErrorIs(t, err, ErrNotFound)

	done, err := st.GetTask(ctx, task.ID)
	require.NoError(t, err)
	require.Equal(t, models.TaskStatusCompleted, done.Status)

	evs, err := st.ListEvents(ctx, pkg.ID, 10, 0)
	require.NoError(t, err)
	require.Len(t, evs, 3)
	// новые сверху
	require.Equal(t, models.PackageStatusWarehouseIn, evs[0].DeliveryStatus)

	has, err := st.HasEvent(ctx, pkg.ID, models.PackageStatusWarehouseIn, "REG_1", "Arrived at warehouse")
	require.NoError(t, err)
	require.True(t, has)
	has, err = st.HasEvent(ctx, pkg.ID, models.PackageStatusWarehouseIn, "REG_1", "other")
	require.NoError(t, err)
	require.False(t, has)
}

func TestPGParcel_ExceptionFlow(t *testing.T) {
	st := startPostgres(t)
	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Millisecond)

	pkg := &models.Package{
		ID: uuid.NewString(), CustomerID: "cust-1",
		SenderName: "A", SenderAddress: "END_HOME_1",
		ReceiverName: "B", ReceiverAddress: "END_STORE_1",
		WeightKg: 1, TrackingNumber: "TRK-x-1", CreatedAt: now,
	}
	task := &models.DeliveryTask{
		ID: uuid.NewString(), PackageID: pkg.ID, TaskType: models.TaskTypeDeliver,
		FromLocation: "REG_1", ToLocation: "HUB_1",
		Status: models.TaskStatusAccepted, AssignedDriverID: "drv-1",
		SegmentIndex: 0, CreatedAt: now, UpdatedAt: now,
	}
	require.NoError(t, st.CreatePackage(ctx, pkg,
		newEvent(pkg.ID, models.PackageStatusCreated, "END_HOME_1", "", now), task))

	ex := models.PackageException{
		ID: uuid.NewString(), PackageID: pkg.ID,
		ReasonCode: "damaged", Description: "crushed corner",
		ReportedBy: "drv-1", ReportedRole: models.RoleDriver, ReportedAt: now,
	}
	require.NoError(t, st.ApplyExceptionReport(ctx, ex,
		newEvent(pkg.ID, models.PackageStatusException, "REG_1", "crushed corner", now.Add(time.Second))))

	// отчёт отменяет активные задачи
	_, err := st.ActiveTask(ctx, pkg.ID)
	require.ErrorIs(t, err, ErrNotFound)

	canceled, err := st.GetTask(ctx, task.ID)
	require.NoError(t, err)
	require.Equal(t, models.TaskStatusCanceled, canceled.Status)

	open, err := st.HasUnresolvedException(ctx, pkg.ID)
	require.NoError(t, err)
	require.True(t, open)

	// второе нерешённое исключение запрещено частичным индексом
	dup := ex
	dup.ID = uuid.NewString()
	err = st.ApplyExceptionReport(ctx, dup,
		newEvent(pkg.ID, models.PackageStatusException, "REG_1", "again", now.Add(2*time.Second)))
	require.ErrorIs(t, err, ErrExceptionOpen)

	gotEx, err := st.GetException(ctx, ex.ID)
	require.NoError(t, err)
	require.False(t, gotEx.Handled)

	pool, err := st.ListExceptions(ctx, "", nil, 0)
	require.NoError(t, err)
	require.Len(t, pool, 1)

	unhandled := false
	pool, err = st.ListExceptions(ctx, "drv-1", &unhandled, 0)
	require.NoError(t, err)
	require.Len(t, pool, 1)

	// закрытие с отменой доставки
	hAt := now.Add(3 * time.Second)
	ok, err := st.ApplyExceptionHandled(ctx, ex.ID, "cs-1", "customer refund", hAt, true, []models.PackageEvent{
		newEvent(pkg.ID, models.PackageStatusExceptionResolved, "REG_1", "Exception handled: cancel delivery", hAt),
		newEvent(pkg.ID, models.PackageStatusDeliveryFailed, "REG_1", "Delivery canceled after exception", hAt.Add(time.Millisecond)),
	})
	require.NoError(t, err)
	require.True(t, ok)

	// повторное закрытие — ноль строк
	ok, err = st.ApplyExceptionHandled(ctx, ex.ID, "cs-2", "again", hAt, false, nil)
	require.NoError(t, err)
	require.False(t, ok)

	open, err = st.HasUnresolvedException(ctx, pkg.ID)
	require.NoError(t, err)
	require.False(t, open)

	latest, err := st.LatestEvent(ctx, pkg.ID)
	require.NoError(t, err)
	require.Equal(t, models.PackageStatusDeliveryFailed, latest.DeliveryStatus)

	handledEx, err := st.GetException(ctx, ex.ID)
	require.NoError(t, err)
	require.True(t, handledEx.Handled)
	require.Equal(t, "cs-1", handledEx.HandledBy)
	require.Equal(t, "customer refund", handledEx.HandlingReport)
}

func TestPGParcel_HandoffTasks(t *testing.T) {
	st := startPostgres(t)
	ctx := context.Background()
	now := time.Now().UTC()

	pkg := &models.Package{
		ID: uuid.NewString(), CustomerID: "cust-1",
		SenderName: "A", SenderAddress: "END_HOME_1",
		ReceiverName: "B", ReceiverAddress: "END_STORE_1",
		WeightKg: 1, TrackingNumber: "TRK-y-1", CreatedAt: now,
	}
	require.NoError(t, st.CreatePackage(ctx, pkg,
		newEvent(pkg.ID, models.PackageStatusCreated, "END_HOME_1", "", now), nil))

	mine := models.DeliveryTask{
		ID: uuid.NewString(), PackageID: pkg.ID, TaskType: models.TaskTypeDeliver,
		FromLocation: "REG_1", ToLocation: "HUB_1",
		AssignedDriverID: "drv-1", Status: models.TaskStatusPending,
		SegmentIndex: 0, CreatedAt: now, UpdatedAt: now,
	}
	require.NoError(t, st.CreateTask(ctx, mine))

	// свои задачи в пул передач не попадают
	tasks, err := st.ListHandoffTasks(ctx, "REG_1", "drv-1", 0)
	require.NoError(t, err)
	require.Empty(t, tasks)

	tasks, err = st.ListHandoffTasks(ctx, "REG_1", "drv-2", 0)
	require.NoError(t, err)
	require.Len(t, tasks, 1)
	require.Equal(t, mine.ID, tasks[0].ID)
}
