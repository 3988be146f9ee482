package caddywaf

import (
	"fmt"
	"net"
	"strings"

	"github.com/oschwald/maxminddb-golang"
)

// load opens the filter's GeoIP database, grounded on the teacher's
// Provision-time GeoIP loading (caddywaf.go's country blacklist/whitelist
// setup block).
func (f *CountryAccessFilter) load() error {
	if !f.Enabled || f.GeoIPDBPath == "" {
		return nil
	}
	if !fileExists(f.GeoIPDBPath) {
		return fmt.Errorf("geoip database not found: %s", f.GeoIPDBPath)
	}
	reader, err := maxminddb.Open(f.GeoIPDBPath)
	if err != nil {
		return fmt.Errorf("opening geoip database %s: %w", f.GeoIPDBPath, err)
	}
	f.geoIP = reader
	return nil
}

func (f *CountryAccessFilter) close() error {
	if f.geoIP == nil {
		return nil
	}
	err := f.geoIP.Close()
	f.geoIP = nil
	return err
}

// lookupCountry resolves addr's ISO country code, the GEOIP_COUNTRY
// variable's value.
func (f *CountryAccessFilter) lookupCountry(addr string) (string, bool) {
	if f.geoIP == nil {
		return "", false
	}
	ip := net.ParseIP(addr)
	if ip == nil {
		return "", false
	}
	var record GeoIPRecord
	if err := f.geoIP.Lookup(ip, &record); err != nil {
		return "", false
	}
	if record.Country.ISOCode == "" {
		return "", false
	}
	return record.Country.ISOCode, true
}

// matches reports whether country is present in the filter's configured
// list, case-insensitively.
func (f *CountryAccessFilter) matches(country string) bool {
	if !f.Enabled || country == "" {
		return false
	}
	for _, c := range f.CountryList {
		if strings.EqualFold(c, country) {
			return true
		}
	}
	return false
}
