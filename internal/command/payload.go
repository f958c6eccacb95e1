package command

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/go-playground/validator/v10"

	"github.com/g960059/famsync/internal/model"
)

var ErrInvalidPayload = errors.New("invalid command payload")

var validate = validator.New(validator.WithRequiredStructEnabled())

func EncodeDelta(delta model.ConfigurationDelta) ([]byte, error) {
	if err := validate.Struct(delta); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}
	payload, err := json.Marshal(delta)
	if err != nil {
		return nil, fmt.Errorf("encode delta: %w", err)
	}
	return payload, nil
}

// DecodeDelta parses and validates a set_configuration payload.
func DecodeDelta(payload []byte) (model.ConfigurationDelta, error) {
	var delta model.ConfigurationDelta
	dec := json.NewDecoder(bytes.NewReader(payload))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&delta); err != nil {
		return model.ConfigurationDelta{}, fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}
	if err := validate.Struct(delta); err != nil {
		return model.ConfigurationDelta{}, fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}
	return delta, nil
}
