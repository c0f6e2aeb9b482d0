// Package domain defines the core types shared by the ingestion, resolution and alerting pipeline.
package domain

import (
	"fmt"
	"strings"
)

// Provider identifies a wearable vendor as reported by the aggregator.
type Provider string

const (
	ProviderWhoop      Provider = "WHOOP"
	ProviderGarmin     Provider = "GARMIN"
	ProviderWithings   Provider = "WITHINGS"
	ProviderOura       Provider = "OURA"
	ProviderUltrahuman Provider = "ULTRAHUMAN"
	ProviderGoogle     Provider = "GOOGLE"
)

// Providers lists every supported provider in a stable order.
var Providers = []Provider{
	ProviderWhoop,
	ProviderGarmin,
	ProviderWithings,
	ProviderOura,
	ProviderUltrahuman,
	ProviderGoogle,
}

// ParseProvider maps a provider name (any case) onto a known Provider.
func ParseProvider(value string) (Provider, error) {
	candidate := Provider(strings.ToUpper(strings.TrimSpace(value)))
	for _, p := range Providers {
		if p == candidate {
			return p, nil
		}
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownProvider, value)
}

// DataType is a category of data the aggregator can deliver.
type DataType string

const (
	DataTypeBody     DataType = "body"
	DataTypeDaily    DataType = "daily"
	DataTypeActivity DataType = "activity"
	DataTypeSleep    DataType = "sleep"
)

// ParseDataType validates a data type name.
func ParseDataType(value string) (DataType, error) {
	switch DataType(strings.ToLower(strings.TrimSpace(value))) {
	case DataTypeBody:
		return DataTypeBody, nil
	case DataTypeDaily:
		return DataTypeDaily, nil
	case DataTypeActivity:
		return DataTypeActivity, nil
	case DataTypeSleep:
		return DataTypeSleep, nil
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownDataType, value)
}
