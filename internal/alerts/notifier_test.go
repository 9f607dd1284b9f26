package alerts

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/go-redis/redismock/v8"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sawpanic/floatwatch/internal/decision"
	"github.com/sawpanic/floatwatch/internal/model"
)

func sampleAlert() decision.Alert {
	return decision.Alert{
		AgentID:       "AG001",
		BankID:        "bank-1",
		Type:          decision.LowFloatAlert,
		Confidence:    0.8,
		Probabilities: model.Probabilities{Low: 0.8, Balanced: 0.15, Rich: 0.05},
		SuggestedAction: decision.SuggestedAction{
			Action: decision.RefillFloat,
			Amount: decimal.NewFromInt(200000),
		},
		Message:  "refill",
		RaisedAt: time.Date(2025, 9, 7, 10, 30, 0, 0, time.UTC),
	}
}

func TestRedisPublisher_Notify(t *testing.T) {
	client, mock := redismock.NewClientMock()
	a := sampleAlert()
	data, err := json.Marshal(a)
	require.NoError(t, err)

	mock.ExpectPublish("alerts:bank-1", data).SetVal(1)

	require.NoError(t, NewRedisPublisher(client).Notify(context.Background(), a))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRedisPublisher_NotifyError(t *testing.T) {
	client, mock := redismock.NewClientMock()
	a := sampleAlert()
	data, _ := json.Marshal(a)
	mock.ExpectPublish("alerts:bank-1", data).SetErr(errors.New("down"))

	assert.Error(t, NewRedisPublisher(client).Notify(context.Background(), a))
}

type recorder struct {
	got []decision.Alert
	err error
}

func (r *recorder) Notify(_ context.Context, a decision.Alert) error {
	r.got = append(r.got, a)
	return r.err
}

func TestMulti_DeliversToAllAndJoinsErrors(t *testing.T) {
	ok := &recorder{}
	bad := &recorder{err: errors.New("smtp down")}
	m := Multi{LogNotifier{}, bad, ok}

	err := m.Notify(context.Background(), sampleAlert())
	assert.ErrorIs(t, err, bad.err)
	assert.Len(t, ok.got, 1)
	assert.Len(t, bad.got, 1)
}

func TestChannel(t *testing.T) {
	assert.Equal(t, "alerts:bank-9", Channel("bank-9"))
}
