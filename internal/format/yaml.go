package format

import (
	"strings"

	"gopkg.in/yaml.v3"
)

type YAMLFormatter struct{}

func NewYAMLFormatter() *YAMLFormatter {
	return &YAMLFormatter{}
}

func (f *YAMLFormatter) Format(l Listing) (string, error) {
	if l.Value == nil {
		return "null", nil
	}
	data, err := yaml.Marshal(l.Value)
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(data)), nil
}
