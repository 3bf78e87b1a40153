package delivery

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"outlay/internal/core"
)

func sampleReport() Report {
	return Report{
		UserID:  7,
		To:      "alice@example.com",
		Period:  core.Period{Year: 2025, Month: 6},
		Subject: "Your Monthly Expense Report",
		HTML:    "<p>hello</p>",
		Rows: []core.CategoryTotal{
			{Name: "Rent", Total: core.Money{Cents: 90000}},
			{Name: "Food", Total: core.Money{Cents: 4050}},
		},
		Total: core.Money{Cents: 94050},
	}
}

func TestClassify(t *testing.T) {
	cause := errors.New("i/o timeout")

	assert.Equal(t, ClassRetryable, Classify(Retryable("smtp timeout")))
	assert.Equal(t, ClassPermanent, Classify(Permanent("invalid destination")))
	assert.Equal(t, ClassRetryable, Classify(cause), "unclassified errors retry")
	assert.Equal(t, ClassPermanent, Classify(fmt.Errorf("run job: %w", Permanent("bad payload"))))

	assert.False(t, IsPermanent(nil))
	assert.True(t, IsPermanent(Permanent("x")))
}

func TestErrorWrap(t *testing.T) {
	cause := errors.New("connection reset")
	base := Retryable("smtp data failed")
	wrapped := base.Wrap(cause)

	assert.Nil(t, base.Err, "Wrap must not modify the receiver")
	assert.ErrorIs(t, wrapped, cause)
	assert.Equal(t, "smtp data failed: connection reset", wrapped.Error())
	assert.Equal(t, "smtp data failed", base.Error())
}

type countingChannel struct{ calls int }

func (c *countingChannel) Name() string { return "counting" }

func (c *countingChannel) Deliver(context.Context, Report) error {
	c.calls++
	return nil
}

func TestThrottled(t *testing.T) {
	inner := &countingChannel{}
	th := NewThrottled(inner, 1000)
	assert.Equal(t, "counting", th.Name())

	for i := 0; i < 3; i++ {
		require.NoError(t, th.Deliver(context.Background(), sampleReport()))
	}
	assert.Equal(t, 3, inner.calls)
}

func TestThrottled_CancelledWaitIsRetryable(t *testing.T) {
	inner := &countingChannel{}
	th := NewThrottled(inner, 0.001)
	require.NoError(t, th.Deliver(context.Background(), sampleReport()))

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	err := th.Deliver(ctx, sampleReport())
	require.Error(t, err)
	assert.Equal(t, ClassRetryable, Classify(err))
	assert.Equal(t, 1, inner.calls)
}

func TestLogChannel(t *testing.T) {
	var ch LogChannel
	assert.NoError(t, ch.Deliver(context.Background(), sampleReport()))

	r := sampleReport()
	r.To = ""
	assert.True(t, IsPermanent(ch.Deliver(context.Background(), r)))
}
