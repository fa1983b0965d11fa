package event

import (
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sample() PriceChangeEvent {
	img := "https://cdn.example.com/42.png"
	old := decimal.RequireFromString("19.99")
	return NewPriceChanged(ProductSnapshot{
		ID:          42,
		Name:        "Espresso Cup",
		Description: "Porcelain, 90ml",
		ImageURL:    &img,
		Price:       decimal.RequireFromString("24.99"),
	}, &old, time.Unix(100, 0))
}

func TestNewPriceChangedAssignsFreshID(t *testing.T) {
	a, b := sample(), sample()
	_, err := uuid.Parse(a.EventID)
	require.NoError(t, err)
	assert.NotEqual(t, a.EventID, b.EventID)
	assert.Equal(t, time.UTC, a.OccurredAt.Location())
}

func TestEncodeDecodeKeepsFields(t *testing.T) {
	ev := sample()
	body, err := ev.Encode()
	require.NoError(t, err)

	got, err := Decode(body)
	require.NoError(t, err)
	assert.Equal(t, ev.EventID, got.EventID)
	assert.Equal(t, int64(42), got.ProductID)
	assert.True(t, got.Price.Equal(decimal.RequireFromString("24.99")))
	assert.True(t, got.OldPrice.Equal(decimal.RequireFromString("19.99")))
	assert.True(t, got.OccurredAt.Equal(time.Unix(100, 0)))
	require.NotNil(t, got.ImageURL)
	assert.Equal(t, *ev.ImageURL, *got.ImageURL)
}

func TestDecodeIgnoresUnknownFields(t *testing.T) {
	body := []byte(`{"eventId":"` + uuid.NewString() + `","productId":7,"name":"n","description":"d",` +
		`"imageUrl":null,"price":3.5,"occurredAt":"2024-05-01T10:00:00Z","schemaVersion":2,"currency":"EUR"}`)

	ev, err := Decode(body)
	require.NoError(t, err)
	assert.Nil(t, ev.ImageURL)
	assert.True(t, ev.Price.Equal(decimal.RequireFromString("3.5")))
}

func TestDecodeRejectsMalformed(t *testing.T) {
	id := uuid.NewString()
	cases := map[string]string{
		"not json":        `{"eventId":`,
		"missing price":   `{"eventId":"` + id + `","productId":1,"name":"n","description":"d","occurredAt":"2024-05-01T10:00:00Z"}`,
		"negative price":  `{"eventId":"` + id + `","productId":1,"name":"n","description":"d","price":"-1","occurredAt":"2024-05-01T10:00:00Z"}`,
		"missing name":    `{"eventId":"` + id + `","productId":1,"description":"d","price":"1","occurredAt":"2024-05-01T10:00:00Z"}`,
		"bad event id":    `{"eventId":"abc","productId":1,"name":"n","description":"d","price":"1","occurredAt":"2024-05-01T10:00:00Z"}`,
		"zero product":    `{"eventId":"` + id + `","productId":0,"name":"n","description":"d","price":"1","occurredAt":"2024-05-01T10:00:00Z"}`,
		"no occurred at":  `{"eventId":"` + id + `","productId":1,"name":"n","description":"d","price":"1"}`,
		"price not a num": `{"eventId":"` + id + `","productId":1,"name":"n","description":"d","price":"abc","occurredAt":"2024-05-01T10:00:00Z"}`,
	}
	for name, body := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := Decode([]byte(body))
			require.Error(t, err)
			assert.True(t, errors.Is(err, ErrMalformed), "got %v", err)
		})
	}
}

func TestZeroPriceIsValid(t *testing.T) {
	ev := sample()
	ev.Price = decimal.Zero
	assert.NoError(t, ev.Validate())
}

func TestDeadLetterBodyMergesFields(t *testing.T) {
	ev := sample()
	body, err := ev.Encode()
	require.NoError(t, err)

	at := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	var out map[string]any
	require.NoError(t, json.Unmarshal(DeadLetterBody(body, 5, "cache unavailable", at), &out))

	assert.Equal(t, ev.EventID, out["eventId"])
	assert.Equal(t, float64(5), out["attempts"])
	assert.Equal(t, "cache unavailable", out["lastFailureReason"])
	assert.Equal(t, "2024-05-01T12:00:00Z", out["deadLetteredAt"])

	// 仍然能按主格式解码
	_, err = Decode(DeadLetterBody(body, 5, "x", at))
	assert.NoError(t, err)
}

func TestDeadLetterBodyWrapsNonJSON(t *testing.T) {
	var out map[string]any
	require.NoError(t, json.Unmarshal(DeadLetterBody([]byte("garbage"), 1, "malformed", time.Now()), &out))
	assert.Equal(t, "garbage", out["rawPayload"])
	assert.Equal(t, float64(1), out["attempts"])
}
