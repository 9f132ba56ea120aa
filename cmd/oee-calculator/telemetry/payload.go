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
	"bytes"
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/cristalhq/base64"
	"github.com/fxamacker/cbor/v2"
	"github.com/goccy/go-json"
	"go.uber.org/zap"
)

const (
	EncodingAuto = "auto"
	EncodingJSON = "json"
	EncodingCBOR = "cbor"
	// EncodingCBORBase64 is CBOR sent as base64 text by bridges that cannot carry binary.
	EncodingCBORBase64 = "cbor+base64"
)

// cborArray is the major type of a CBOR array in the initial byte.
const cborArray = 4

var ErrInvalidPayload = errors.New("invalid payload")

type Metric struct {
	Name  string
	Value float64
	Type  string
}

type Payload struct {
	// Timestamp is zero when the payload carries none.
	Timestamp time.Time
	Metrics   []Metric
}

type wireMetric struct {
	Name  string      `json:"name" cbor:"name"`
	Value interface{} `json:"value" cbor:"value"`
	Type  string      `json:"type" cbor:"type"`
}

// wirePayload is either a list of metrics or a single value for the metric named in the topic.
type wirePayload struct {
	Timestamp *int64       `json:"timestamp" cbor:"timestamp"`
	Metrics   []wireMetric `json:"metrics" cbor:"metrics"`
	Value     interface{}  `json:"value" cbor:"value"`
	Type      string       `json:"type" cbor:"type"`
}

// DecodePayload decodes raw into its metrics. Metrics without a name take
// topicMetric. A metric whose value is not numeric is skipped, the rest is kept.
// A bare array is read as the metric list.
func DecodePayload(encoding string, raw []byte, topicMetric string) (Payload, error) {
	var w wirePayload
	var err error
	switch resolveEncoding(encoding, raw) {
	case EncodingJSON:
		if trimmed := bytes.TrimLeft(raw, " \t\r\n"); len(trimmed) > 0 && trimmed[0] == '[' {
			err = json.Unmarshal(raw, &w.Metrics)
		} else {
			err = json.Unmarshal(raw, &w)
		}
	case EncodingCBORBase64:
		raw, err = base64.StdEncoding.DecodeString(string(bytes.TrimSpace(raw)))
		if err != nil {
			break
		}
		w, err = decodeCBOR(raw)
	case EncodingCBOR:
		w, err = decodeCBOR(raw)
	default:
		err = fmt.Errorf("unknown encoding %q", encoding)
	}
	if err != nil {
		return Payload{}, fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}

	var p Payload
	if w.Timestamp != nil {
		p.Timestamp = time.UnixMilli(*w.Timestamp)
	}
	wire := w.Metrics
	if len(wire) == 0 && w.Value != nil {
		wire = []wireMetric{{Name: topicMetric, Value: w.Value, Type: w.Type}}
	}
	if len(wire) == 0 {
		return Payload{}, fmt.Errorf("%w: no metrics", ErrInvalidPayload)
	}

	for _, m := range wire {
		name := m.Name
		if name == "" {
			name = topicMetric
		}
		v, errV := toFloat(m.Value)
		if errV != nil {
			zap.S().Warnf("Skipping metric %q: %v", name, errV)
			continue
		}
		p.Metrics = append(p.Metrics, Metric{Name: name, Value: v, Type: m.Type})
	}
	return p, nil
}

func decodeCBOR(raw []byte) (wirePayload, error) {
	var w wirePayload
	if len(raw) > 0 && raw[0]>>5 == cborArray {
		return w, cbor.Unmarshal(raw, &w.Metrics)
	}
	return w, cbor.Unmarshal(raw, &w)
}

func resolveEncoding(encoding string, raw []byte) string {
	if encoding != EncodingAuto {
		return encoding
	}
	trimmed := bytes.TrimLeft(raw, " \t\r\n")
	if len(trimmed) > 0 && (trimmed[0] == '{' || trimmed[0] == '[') {
		return EncodingJSON
	}
	return EncodingCBOR
}

func toFloat(v interface{}) (float64, error) {
	var f float64
	switch t := v.(type) {
	case float64:
		f = t
	case float32:
		f = float64(t)
	case int64:
		f = float64(t)
	case uint64:
		f = float64(t)
	case int:
		f = float64(t)
	case bool:
		if t {
			f = 1
		}
	case string:
		parsed, err := strconv.ParseFloat(strings.TrimSpace(t), 64)
		if err != nil {
			return 0, fmt.Errorf("value %q is not numeric", t)
		}
		f = parsed
	case nil:
		return 0, errors.New("value is missing")
	default:
		return 0, fmt.Errorf("value of type %T is not numeric", v)
	}
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return 0, fmt.Errorf("value %v is not finite", f)
	}
	return f, nil
}
