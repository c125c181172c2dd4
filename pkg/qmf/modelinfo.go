package qmf

import (
	"errors"

	"github.com/goccy/go-json"
)

// ModelInfoVersion is the on-disk version of the model info payload.
const ModelInfoVersion uint32 = 1

// EncodeModelInfoSection serializes an arbitrary config struct as the
// ModelInfo section payload (canonical JSON).
func EncodeModelInfoSection(v any) ([]byte, error) {
	if v == nil {
		return nil, errors.New("qmf: nil model info")
	}
	return json.Marshal(v)
}

// DecodeModelInfoSection parses a ModelInfo section payload into v.
func DecodeModelInfoSection(sec []byte, v any) error {
	if len(sec) == 0 {
		return ErrCorruptFile
	}
	if err := json.Unmarshal(sec, v); err != nil {
		return errors.Join(ErrCorruptFile, err)
	}
	return nil
}
