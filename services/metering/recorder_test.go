package metering

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"metergate/pkg/errutil"
	"metergate/services/license"
	"metergate/services/testutil"

	"github.com/bwmarrin/snowflake"
	"github.com/hibiken/asynq"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
)

type enqueuerMock struct {
	enqueueFn func(ctx context.Context, task *asynq.Task, opts ...asynq.Option) (*asynq.TaskInfo, error)
	tasks     []*asynq.Task
}

func (m *enqueuerMock) Enqueue(ctx context.Context, task *asynq.Task, opts ...asynq.Option) (*asynq.TaskInfo, error) {
	m.tasks = append(m.tasks, task)
	if m.enqueueFn != nil {
		return m.enqueueFn(ctx, task, opts...)
	}
	return &asynq.TaskInfo{}, nil
}

func newTestRecorder(t *testing.T, enq *enqueuerMock) (*Recorder, *gorm.DB) {
	t.Helper()
	db := testutil.NewTestDB(t, &license.License{}, &UsageEvent{}, &AggregatedUsage{})
	node, err := snowflake.NewNode(1)
	require.NoError(t, err)

	cfg := testConfig()
	store := license.NewStore(license.StoreParams{DB: db, Config: cfg})
	eval := NewEvaluator(EvaluatorParams{DB: db, Store: store, Config: cfg})

	return NewRecorder(RecorderParams{
		DB:        db,
		Node:      node,
		Enqueuer:  enq,
		Config:    cfg,
		Evaluator: eval,
	}), db
}

func TestRecordNegativeQuantity(t *testing.T) {
	enq := &enqueuerMock{}
	rec, _ := newTestRecorder(t, enq)

	err := rec.Record(context.Background(), ResourceAPICalls, -1)
	require.Equal(t, errutil.StatusInvalidQuantity, errutil.Code(err))
	require.Empty(t, enq.tasks)
}

func TestRecordZeroQuantityIsNoop(t *testing.T) {
	enq := &enqueuerMock{}
	rec, db := newTestRecorder(t, enq)

	require.NoError(t, rec.Record(context.Background(), ResourceAPICalls, 0))
	require.Empty(t, enq.tasks)

	var count int64
	require.NoError(t, db.Model(&UsageEvent{}).Count(&count).Error)
	require.Zero(t, count)
}

func TestRecordEnqueuesTask(t *testing.T) {
	enq := &enqueuerMock{}
	rec, _ := newTestRecorder(t, enq)

	err := rec.Record(context.Background(), ResourceEmails, 2,
		WithApp("simbotix_crm"),
		WithBacklink("Email Queue", "EQ-0001"),
	)
	require.NoError(t, err)
	require.Len(t, enq.tasks, 1)
	require.Equal(t, TaskUsageRecord, enq.tasks[0].Type())

	var payload RecordPayload
	require.NoError(t, json.Unmarshal(enq.tasks[0].Payload(), &payload))
	require.Equal(t, ResourceEmails, payload.Resource)
	require.Equal(t, float64(2), payload.Quantity)
	require.Equal(t, "simbotix_crm", payload.AppName)
	require.Equal(t, "Email Queue", payload.DoctypeRef)
	require.Equal(t, "EQ-0001", payload.DocnameRef)
}

func TestRecordFallsBackToDirectInsert(t *testing.T) {
	enq := &enqueuerMock{
		enqueueFn: func(context.Context, *asynq.Task, ...asynq.Option) (*asynq.TaskInfo, error) {
			return nil, errors.New("redis down")
		},
	}
	rec, db := newTestRecorder(t, enq)

	require.NoError(t, rec.Record(context.Background(), ResourceAPICalls, 5))

	var events []UsageEvent
	require.NoError(t, db.Find(&events).Error)
	require.Len(t, events, 1)
	require.Equal(t, ResourceAPICalls, events[0].ResourceType)
	require.Equal(t, float64(5), events[0].Quantity)
	require.False(t, events[0].Aggregated)
}

func TestHandleRecordTaskInserts(t *testing.T) {
	enq := &enqueuerMock{}
	rec, db := newTestRecorder(t, enq)

	payload, err := json.Marshal(RecordPayload{
		Resource:  ResourceExecutions,
		Quantity:  3,
		Timestamp: time.Now().UTC(),
	})
	require.NoError(t, err)

	err = rec.HandleRecordTask(context.Background(), asynq.NewTask(TaskUsageRecord, payload))
	require.NoError(t, err)

	var count int64
	require.NoError(t, db.Model(&UsageEvent{}).Count(&count).Error)
	require.EqualValues(t, 1, count)
}

func TestCheckAndRecordBlocksWhenExceeded(t *testing.T) {
	enq := &enqueuerMock{}
	rec, db := newTestRecorder(t, enq)
	rec.cfg.Licensing.BlockOnExceeded = true

	seedBuilderLicense(t, db)
	// Builder api_calls limit is 200000.
	seedBucket(t, db, ResourceAPICalls, HourBucketOf(time.Now().UTC()), 250000)

	err := rec.CheckAndRecord(context.Background(), ResourceAPICalls, 1)
	require.Equal(t, errutil.StatusQuotaExceeded, errutil.Code(err))
	require.Empty(t, enq.tasks)
}

func TestCheckAndRecordTracksOverageWhenNotBlocking(t *testing.T) {
	enq := &enqueuerMock{}
	rec, db := newTestRecorder(t, enq)
	rec.cfg.Licensing.BlockOnExceeded = false

	seedBuilderLicense(t, db)
	seedBucket(t, db, ResourceAPICalls, HourBucketOf(time.Now().UTC()), 250000)

	require.NoError(t, rec.CheckAndRecord(context.Background(), ResourceAPICalls, 1))
	require.Len(t, enq.tasks, 1)
}
