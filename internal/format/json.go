package format

import (
	"encoding/json"
)

type JSONFormatter struct{}

func NewJSONFormatter() *JSONFormatter {
	return &JSONFormatter{}
}

func (f *JSONFormatter) Format(l Listing) (string, error) {
	if l.Value == nil {
		return "null", nil
	}
	data, err := json.MarshalIndent(l.Value, "", "  ")
	if err != nil {
		return "", err
	}
	return string(data), nil
}
