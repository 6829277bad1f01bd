package sdo

import "github.com/go-canopen/sdo/pkg/od"

// encodeValue converts a caller-supplied Download value into the wire bytes
// for declaredType: fixed width for scalar types, raw bytes for the
// variable-length ones (spec.md §3 Value Marshaller).
func encodeValue(value any, declaredType uint8) ([]byte, error) {
	if isVariableLength(declaredType) {
		switch v := value.(type) {
		case string:
			return []byte(v), nil
		case []byte:
			return v, nil
		default:
			return nil, od.ErrTypeMismatch
		}
	}
	width := od.Size(declaredType)
	if width == 0 {
		return nil, od.ErrTypeMismatch
	}
	buf := make([]byte, width)
	if err := od.EncodeFromTypeExactToBuffer(value, declaredType, buf); err != nil {
		return nil, err
	}
	return buf, nil
}

// decodeValue converts accumulated wire bytes back into the typed value an
// Upload caller receives.
func decodeValue(data []byte, declaredType uint8) (any, error) {
	return od.DecodeToTypeExact(data, declaredType)
}
