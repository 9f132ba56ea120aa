// Copyright 2023 UMH Systems GmbH
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package telemetry

import (
	"testing"
	"time"

	"github.com/cristalhq/base64"
	"github.com/fxamacker/cbor/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecodePayloadJSON(t *testing.T) {
	raw := []byte(`{"timestamp":1700000000000,"metrics":[{"name":"count","value":12,"type":"Int64"},{"name":"state","value":"running"},{"name":"scrap","value":"2"}]}`)
	p, err := DecodePayload(EncodingAuto, raw, "ignored")
	require.NoError(t, err)
	assert.Equal(t, time.UnixMilli(1700000000000), p.Timestamp)
	assert.Equal(t, []Metric{
		{Name: "count", Value: 12, Type: "Int64"},
		{Name: "scrap", Value: 2},
	}, p.Metrics)
}

func TestDecodePayloadShorthand(t *testing.T) {
	p, err := DecodePayload(EncodingJSON, []byte(`{"value":true}`), "Hold")
	require.NoError(t, err)
	assert.True(t, p.Timestamp.IsZero())
	require.Len(t, p.Metrics, 1)
	assert.Equal(t, Metric{Name: "Hold", Value: 1}, p.Metrics[0])
}

func TestDecodePayloadCBOR(t *testing.T) {
	ts := int64(1700000000000)
	raw, err := cbor.Marshal(wirePayload{
		Timestamp: &ts,
		Metrics:   []wireMetric{{Name: "count", Value: uint64(7)}},
	})
	require.NoError(t, err)

	p, err := DecodePayload(EncodingAuto, raw, "count")
	require.NoError(t, err)
	assert.Equal(t, time.UnixMilli(ts), p.Timestamp)
	assert.Equal(t, []Metric{{Name: "count", Value: 7}}, p.Metrics)
}

func TestDecodePayloadBareArray(t *testing.T) {
	p, err := DecodePayload(EncodingAuto, []byte(` [{"name":"quantity","value":12},{"name":"yield","value":"10"}]`), "count")
	require.NoError(t, err)
	assert.True(t, p.Timestamp.IsZero())
	assert.Equal(t, []Metric{{Name: "quantity", Value: 12}, {Name: "yield", Value: 10}}, p.Metrics)

	raw, err := cbor.Marshal([]wireMetric{{Name: "scrap", Value: uint64(3)}})
	require.NoError(t, err)
	p, err = DecodePayload(EncodingCBOR, raw, "count")
	require.NoError(t, err)
	assert.Equal(t, []Metric{{Name: "scrap", Value: 3}}, p.Metrics)

	_, err = DecodePayload(EncodingAuto, []byte(`[]`), "count")
	assert.ErrorIs(t, err, ErrInvalidPayload)
}

func TestDecodePayloadCBORBase64(t *testing.T) {
	ts := int64(1700000000000)
	raw, err := cbor.Marshal(wirePayload{Timestamp: &ts, Value: 1.0})
	require.NoError(t, err)

	p, err := DecodePayload(EncodingCBORBase64, []byte(base64.StdEncoding.EncodeToString(raw)+"\n"), "Hold")
	require.NoError(t, err)
	assert.Equal(t, time.UnixMilli(ts), p.Timestamp)
	assert.Equal(t, []Metric{{Name: "Hold", Value: 1}}, p.Metrics)

	_, err = DecodePayload(EncodingCBORBase64, []byte("not base64!"), "Hold")
	assert.ErrorIs(t, err, ErrInvalidPayload)
}

func TestDecodePayloadInvalid(t *testing.T) {
	_, err := DecodePayload(EncodingJSON, []byte(`{"metrics":`), "count")
	assert.ErrorIs(t, err, ErrInvalidPayload)

	_, err = DecodePayload(EncodingJSON, []byte(`{}`), "count")
	assert.ErrorIs(t, err, ErrInvalidPayload)
}

func TestToFloat(t *testing.T) {
	_, err := toFloat("abc")
	assert.Error(t, err)
	_, err = toFloat(nil)
	assert.Error(t, err)
	v, err := toFloat(" 4.5 ")
	require.NoError(t, err)
	assert.Equal(t, 4.5, v)
	_, err = toFloat("NaN")
	assert.Error(t, err)
}
