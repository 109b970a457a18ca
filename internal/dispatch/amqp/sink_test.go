package amqp

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	amqp091 "github.com/rabbitmq/amqp091-go"
	"github.com/smallbiznis/finsight/internal/analytics"
	dispatchdomain "github.com/smallbiznis/finsight/internal/dispatch/domain"
	ledgerdomain "github.com/smallbiznis/finsight/internal/ledger/domain"
	"github.com/smallbiznis/finsight/internal/money"
	"github.com/smallbiznis/finsight/internal/period"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testJob(t *testing.T) *dispatchdomain.Job {
	t.Helper()
	window := period.Window{
		Start: time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC),
		End:   time.Date(2024, 4, 1, 0, 0, 0, 0, time.UTC),
	}
	snap := analytics.Build(snowflake.ID(11), period.FrequencyMonthly, window, ledgerdomain.Totals{
		Income:  money.FromMinor(250_000_00),
		Expense: money.FromMinor(1_000_00),
	})
	job, err := dispatchdomain.NewJob(snowflake.ID(500), snap, window.End)
	require.NoError(t, err)
	job.Attempts = 2
	return job
}

func TestEncode(t *testing.T) {
	job := testJob(t)

	pub, err := encode(job)
	require.NoError(t, err)

	assert.Equal(t, "application/json", pub.ContentType)
	assert.Equal(t, amqp091.Persistent, pub.DeliveryMode)
	assert.Equal(t, job.IdempotencyKey(), pub.MessageId)
	assert.Equal(t, job.Fingerprint, pub.Headers[fingerprintHeader])
	assert.Equal(t, int32(2), pub.Headers[attemptHeader])
	require.NoError(t, pub.Headers.Validate())

	var decoded message
	require.NoError(t, json.Unmarshal(pub.Body, &decoded))
	assert.Equal(t, "11", decoded.UserID)
	assert.Equal(t, "₹2,50,000.00", decoded.Formatted.TotalIncome)

	canonical, err := job.Snapshot.MarshalCanonical()
	require.NoError(t, err)
	assert.JSONEq(t, string(canonical), string(decoded.Snapshot))
}

func TestEncodeIsStable(t *testing.T) {
	job := testJob(t)
	a, err := encode(job)
	require.NoError(t, err)
	b, err := encode(job)
	require.NoError(t, err)
	assert.Equal(t, a.Body, b.Body)
}

func TestEncodeRejectsNilJob(t *testing.T) {
	_, err := encode(nil)
	assert.Error(t, err)
}
