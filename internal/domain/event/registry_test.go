package event

import (
	"encoding/json"
	"errors"
	"testing"

	"github.com/example/eventcore/internal/infrastructure/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type itemAdded struct {
	SKU      string `json:"sku"`
	Quantity int    `json:"quantity"`
}

func (itemAdded) EventName() string { return "test.item_added" }

type itemRemoved struct {
	SKU string `json:"sku"`
}

func (itemRemoved) EventName() string { return "test.item_removed" }

func TestRegistry_EncodeDecode(t *testing.T) {
	r := NewRegistry()
	Register[itemAdded](r, 1)

	encoded, err := r.Encode(itemAdded{SKU: "sku-1", Quantity: 2})
	require.NoError(t, err)
	assert.Equal(t, "test.item_added", encoded.Name)
	assert.Equal(t, 1, encoded.SchemaVersion)

	decoded, err := r.Decode(encoded.Name, encoded.SchemaVersion, encoded.Payload)
	require.NoError(t, err)
	assert.Equal(t, itemAdded{SKU: "sku-1", Quantity: 2}, decoded)
}

func TestRegistry_Encode_Unregistered(t *testing.T) {
	r := NewRegistry()

	_, err := r.Encode(itemRemoved{SKU: "x"})
	assert.ErrorIs(t, err, store.ErrSerialization)
	assert.ErrorIs(t, err, ErrUnknownEvent)
}

func TestRegistry_Decode_Unknown(t *testing.T) {
	r := NewRegistry()
	Register[itemAdded](r, 1)

	_, err := r.Decode("test.item_removed", 1, []byte(`{}`))
	assert.ErrorIs(t, err, ErrUnknownEvent)
	assert.False(t, errors.Is(err, store.ErrSerialization))
	assert.False(t, r.Knows("test.item_removed"))
	assert.True(t, r.Knows("test.item_added"))
}

func TestRegistry_Decode_MalformedPayload(t *testing.T) {
	r := NewRegistry()
	Register[itemAdded](r, 1)

	_, err := r.Decode("test.item_added", 1, []byte(`{"quantity":"many"}`))
	assert.ErrorIs(t, err, store.ErrSerialization)
}

func TestRegistry_Decode_Upcasts(t *testing.T) {
	r := NewRegistry()
	Register[itemAdded](r, 2)
	// v1 payloads used "qty".
	r.Upcast("test.item_added", 1, func(payload []byte) ([]byte, error) {
		var v1 struct {
			SKU string `json:"sku"`
			Qty int    `json:"qty"`
		}
		if err := json.Unmarshal(payload, &v1); err != nil {
			return nil, err
		}
		return json.Marshal(itemAdded{SKU: v1.SKU, Quantity: v1.Qty})
	})

	decoded, err := r.Decode("test.item_added", 1, []byte(`{"sku":"a","qty":3}`))
	require.NoError(t, err)
	assert.Equal(t, itemAdded{SKU: "a", Quantity: 3}, decoded)

	_, err = r.Decode("test.item_added", 3, []byte(`{}`))
	assert.ErrorIs(t, err, store.ErrSerialization)
}

func TestRegistry_Decode_MissingUpcaster(t *testing.T) {
	r := NewRegistry()
	Register[itemAdded](r, 3)
	r.Upcast("test.item_added", 2, func(p []byte) ([]byte, error) { return p, nil })

	_, err := r.Decode("test.item_added", 1, []byte(`{}`))
	assert.ErrorIs(t, err, store.ErrSerialization)
}

func TestRegistry_DecodeRecord(t *testing.T) {
	r := NewRegistry()
	Register[itemRemoved](r, 1)

	e, err := r.DecodeRecord(store.Record{Name: "test.item_removed", SchemaVersion: 1, Payload: []byte(`{"sku":"z"}`)})
	require.NoError(t, err)
	assert.Equal(t, itemRemoved{SKU: "z"}, e)
	assert.Equal(t, []string{"test.item_removed"}, r.Names())
}
