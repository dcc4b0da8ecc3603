package targeting

import (
	"fmt"
	"net"

	"github.com/oschwald/maxminddb-golang"
)

// MaxMindCountryProvider implements CountryProvider using a MaxMind
// GeoLite2 Country database.
type MaxMindCountryProvider struct {
	reader *maxminddb.Reader
}

// NewMaxMindCountryProvider opens the database at dbPath.
func NewMaxMindCountryProvider(dbPath string) (*MaxMindCountryProvider, error) {
	reader, err := maxminddb.Open(dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open GeoIP database: %w", err)
	}
	return &MaxMindCountryProvider{reader: reader}, nil
}

type countryRecord struct {
	Country struct {
		ISOCode string `maxminddb:"iso_code"`
	} `maxminddb:"country"`
}

// Lookup returns the ISO country code for an IP address.
func (m *MaxMindCountryProvider) Lookup(ip string) (string, error) {
	parsedIP := net.ParseIP(ip)
	if parsedIP == nil {
		return "", fmt.Errorf("invalid IP address: %s", ip)
	}

	var record countryRecord
	if err := m.reader.Lookup(parsedIP, &record); err != nil {
		return "", err
	}
	return record.Country.ISOCode, nil
}

// Close closes the GeoIP database.
func (m *MaxMindCountryProvider) Close() error {
	return m.reader.Close()
}

// MockCountryProvider is a simple country provider for testing.
type MockCountryProvider struct {
	data map[string]string
}

func NewMockCountryProvider() *MockCountryProvider {
	return &MockCountryProvider{data: make(map[string]string)}
}

func (m *MockCountryProvider) AddEntry(ip, country string) {
	m.data[ip] = country
}

func (m *MockCountryProvider) Lookup(ip string) (string, error) {
	if net.ParseIP(ip) == nil {
		return "", fmt.Errorf("invalid IP address: %s", ip)
	}
	return m.data[ip], nil
}

func (m *MockCountryProvider) Close() error {
	return nil
}
