package tcc

import (
	"io/ioutil"

	jsoniter "github.com/json-iterator/go"
)

// ConvertJSONFileToConfig opens a file.json and converts to CqlSeasoning.
func ConvertJSONFileToConfig(fileNamePath string) (*CqlSeasoning, error) {

	byteValue, err := ioutil.ReadFile(fileNamePath)
	if err != nil {
		return nil, err
	}

	return ConvertJSONBytesToConfig(byteValue)
}

// ConvertJSONBytesToConfig converts raw JSON bytes to CqlSeasoning.
func ConvertJSONBytesToConfig(data []byte) (*CqlSeasoning, error) {

	config := &CqlSeasoning{}
	var json = jsoniter.ConfigFastest
	err := json.Unmarshal(data, config)

	return config, err
}
