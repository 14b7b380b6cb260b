package runners

import (
	"context"
	"encoding/json"
	"fmt"
	"testing"
	"time"

	log "github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"

	"github.com/sellerhub/sellerhub/ingest"
	"github.com/sellerhub/sellerhub/wb"
)

// nopRuns satisfies ingest.RunStore for helpers that only touch
// progress and heartbeats.
type nopRuns struct{}

func (nopRuns) CreateQueued(context.Context, ingest.NewRun) (*ingest.Run, error) { return nil, nil }
func (nopRuns) CreateSkippedStub(context.Context, ingest.NewRun, string) (*ingest.Run, error) {
	return nil, nil
}
func (nopRuns) Get(context.Context, int64) (*ingest.Run, error)               { return nil, nil }
func (nopRuns) List(context.Context, ingest.RunFilter) ([]*ingest.Run, error) { return nil, nil }
func (nopRuns) ListQueued(context.Context, int) ([]*ingest.Run, error)        { return nil, nil }
func (nopRuns) StartRunning(context.Context, int64, string) (*ingest.Run, error) {
	return nil, nil
}
func (nopRuns) Heartbeat(context.Context, int64) error                   { return nil }
func (nopRuns) SetProgress(context.Context, int64, ingest.Stats) error   { return nil }
func (nopRuns) FinishSuccess(context.Context, int64, ingest.Stats) error { return nil }
func (nopRuns) FinishFailed(context.Context, int64, ingest.Stats, string, string) error {
	return nil
}
func (nopRuns) MarkTimeout(context.Context, int64, string, ingest.Stats) error   { return nil }
func (nopRuns) MarkSkipped(context.Context, int64, string, ingest.Stats) error   { return nil }
func (nopRuns) SweepStale(context.Context, time.Duration, map[ingest.Key]time.Duration, string) (int, error) {
	return 0, nil
}

var _ ingest.RunStore = nopRuns{}

func financeRunContext() *ingest.RunContext {
	return ingest.NewRunContext(&ingest.Run{
		ID: 1, ProjectID: 7, Source: SourceWildberries, Job: JobFinances,
		Status: ingest.StatusRunning, TriggeredBy: ingest.TriggerManual,
	}, nopRuns{}, log.WithField("test", true))
}

func financeLine(reportID, rrdID int64) wb.FinanceLine {
	return wb.FinanceLine{Payload: json.RawMessage(fmt.Sprintf(
		`{"realizationreport_id": %d, "rrd_id": %d}`, reportID, rrdID))}
}

func TestCollectFinanceLinesAdvancesCursor(t *testing.T) {
	var cursors []int64
	byRep, pages, orphans, res := collectFinanceLines(context.Background(), financeRunContext(),
		func(rrdID int64) ([]wb.FinanceLine, error) {
			cursors = append(cursors, rrdID)
			switch rrdID {
			case 0:
				return []wb.FinanceLine{financeLine(42, 1), financeLine(42, 2)}, nil
			case 2:
				return []wb.FinanceLine{financeLine(43, 3)}, nil
			default:
				return nil, nil
			}
		})
	require.Nil(t, res)
	require.Equal(t, []int64{0, 2, 3}, cursors)
	require.Equal(t, 3, pages)
	require.Zero(t, orphans)
	require.Len(t, byRep[42], 2)
	require.Len(t, byRep[43], 1)
}

func TestCollectFinanceLinesStopsOnStalledCursor(t *testing.T) {
	// Lines without rrd_id cannot advance the cursor; the walk must end
	// after the first page instead of re-requesting it.
	var calls int
	byRep, pages, _, res := collectFinanceLines(context.Background(), financeRunContext(),
		func(int64) ([]wb.FinanceLine, error) {
			calls++
			return []wb.FinanceLine{
				{Payload: json.RawMessage(`{"realizationreport_id": 42}`)},
			}, nil
		})
	require.Nil(t, res)
	require.Equal(t, 1, calls)
	require.Equal(t, 1, pages)
	require.Len(t, byRep[42], 1)
}

func TestCollectFinanceLinesCountsOrphans(t *testing.T) {
	// A line without realizationreport_id is not attributable to a
	// report but still moves the cursor.
	byRep, pages, orphans, res := collectFinanceLines(context.Background(), financeRunContext(),
		func(rrdID int64) ([]wb.FinanceLine, error) {
			if rrdID > 0 {
				return nil, nil
			}
			return []wb.FinanceLine{
				financeLine(42, 1),
				{Payload: json.RawMessage(`{"rrd_id": 2}`)},
			}, nil
		})
	require.Nil(t, res)
	require.Equal(t, 2, pages)
	require.Equal(t, 1, orphans)
	require.Len(t, byRep[42], 1)
}

func TestCollectFinanceLinesFailsOnFetchError(t *testing.T) {
	_, pages, _, res := collectFinanceLines(context.Background(), financeRunContext(),
		func(int64) ([]wb.FinanceLine, error) {
			return nil, fmt.Errorf("boom")
		})
	require.NotNil(t, res)
	require.Equal(t, ingest.StatusFailed, res.Outcome)
	require.Equal(t, ingest.ReasonFailedToFetchPage, res.Reason)
	require.Zero(t, pages)
}
