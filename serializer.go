package redisfailover

import (
	"encoding/json"

	"gopkg.in/yaml.v3"
)

// JSONSerializer is the default Serializer
type JSONSerializer struct{}

func (JSONSerializer) Marshal(v interface{}) ([]byte, error) {
	return json.Marshal(v)
}

func (JSONSerializer) Unmarshal(data []byte, v interface{}) error {
	return json.Unmarshal(data, v)
}

// YAMLSerializer stores values as YAML documents
type YAMLSerializer struct{}

func (YAMLSerializer) Marshal(v interface{}) ([]byte, error) {
	return yaml.Marshal(v)
}

func (YAMLSerializer) Unmarshal(data []byte, v interface{}) error {
	return yaml.Unmarshal(data, v)
}
