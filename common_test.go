package caddywaf

const (
	geoIPdata  = "GeoLite2-Country.mmdb"
	googleUSIP = "74.125.131.105"
	localIP    = "127.0.0.1"
)
