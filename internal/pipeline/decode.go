package pipeline

import (
	"bytes"
	"encoding/json"
	"fmt"

	"go.uber.org/zap"
)

// Default nested list fields probed when a payload arrives wrapped in a
// status envelope.
var defaultListKeys = []string{"data", "items", "records", "results"}

// Decoder turns a raw payload of unknown shape into an ordered sequence of
// record objects. Three shapes are supported, attempted in order with the
// first success winning: a single JSON value (array, identified object, or
// status envelope), then newline-delimited JSON with per-line failure
// isolation.
type Decoder struct {
	idKey    string
	listKeys []string
	logger   *zap.Logger
}

// NewDecoder builds a Decoder. idKey names the identifier field used to tell
// records apart from metadata headers.
func NewDecoder(idKey string, logger *zap.Logger) *Decoder {
	if idKey == "" {
		idKey = "id"
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Decoder{
		idKey:    idKey,
		listKeys: defaultListKeys,
		logger:   logger,
	}
}

// DecodeResult is the tagged success outcome: the decoded records plus the
// count of lines that were skipped as malformed.
type DecodeResult struct {
	Records []map[string]any
	Skipped int
}

// Decode never panics and never returns an empty success: either at least
// one record decoded, or the error explains why the payload is unusable.
func (d *Decoder) Decode(payload []byte) (DecodeResult, error) {
	trimmed := bytes.TrimSpace(payload)
	if len(trimmed) == 0 {
		return DecodeResult{}, fmt.Errorf("%w: empty payload", ErrDecodeFailure)
	}

	var whole any
	if err := json.Unmarshal(trimmed, &whole); err == nil {
		return d.decodeWhole(whole)
	}

	lines := bytes.Split(trimmed, []byte("\n"))
	return d.decodeLines(lines)
}

func (d *Decoder) decodeWhole(v any) (DecodeResult, error) {
	switch t := v.(type) {
	case []any:
		return d.fromArray(t)
	case map[string]any:
		if _, ok := t[d.idKey]; ok {
			return DecodeResult{Records: []map[string]any{t}}, nil
		}
		if list, ok := d.unwrapEnvelope(t); ok {
			return d.fromArray(list)
		}
		return DecodeResult{}, fmt.Errorf("%w: object has neither %q nor a known list field", ErrDecodeFailure, d.idKey)
	default:
		return DecodeResult{}, fmt.Errorf("%w: payload is a bare %T", ErrDecodeFailure, v)
	}
}

// unwrapEnvelope recognizes the provider's {status: ..., data: [...]} shape.
func (d *Decoder) unwrapEnvelope(obj map[string]any) ([]any, bool) {
	if _, ok := obj["status"]; !ok {
		return nil, false
	}
	for _, key := range d.listKeys {
		if list, ok := obj[key].([]any); ok {
			return list, true
		}
	}
	return nil, false
}

func (d *Decoder) fromArray(list []any) (DecodeResult, error) {
	res := DecodeResult{Records: make([]map[string]any, 0, len(list))}
	for i, el := range list {
		obj, ok := el.(map[string]any)
		if !ok {
			d.logger.Warn("skipping non-object array element", zap.Int("index", i))
			res.Skipped++
			continue
		}
		res.Records = append(res.Records, obj)
	}
	if len(res.Records) == 0 {
		return DecodeResult{}, fmt.Errorf("%w: array contained no objects", ErrDecodeFailure)
	}
	return res, nil
}

func (d *Decoder) decodeLines(lines [][]byte) (DecodeResult, error) {
	nonBlank := make([][]byte, 0, len(lines))
	for _, line := range lines {
		if len(bytes.TrimSpace(line)) > 0 {
			nonBlank = append(nonBlank, line)
		}
	}
	// A single unparseable line is a hard failure; there is nothing to
	// split further.
	if len(nonBlank) <= 1 {
		return DecodeResult{}, fmt.Errorf("%w: single line is not valid JSON", ErrDecodeFailure)
	}

	res := DecodeResult{}
	for i, line := range nonBlank {
		var obj map[string]any
		if err := json.Unmarshal(line, &obj); err != nil {
			d.logger.Warn("skipping malformed line",
				zap.Int("line", i+1),
				zap.Error(err),
			)
			res.Skipped++
			continue
		}
		res.Records = append(res.Records, obj)
	}
	if len(res.Records) == 0 {
		return DecodeResult{}, fmt.Errorf("%w: no line parsed as JSON", ErrDecodeFailure)
	}

	// A leading line with a status but no identifier is run metadata, not a
	// record.
	if len(res.Records) > 1 {
		first := res.Records[0]
		_, hasStatus := first["status"]
		_, hasID := first[d.idKey]
		if hasStatus && !hasID {
			res.Records = res.Records[1:]
		}
	}
	return res, nil
}
