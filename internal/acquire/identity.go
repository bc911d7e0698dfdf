package acquire

import (
	"hash/fnv"
	"net/http"
)

// Profile is a browser fingerprint presented to a site.
type Profile struct {
	Name           string
	UserAgent      string
	AcceptLanguage string
	SecCHUA        string
	Platform       string
}

var defaultProfiles = []Profile{
	{
		Name:           "chrome-win",
		UserAgent:      "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/129.0.0.0 Safari/537.36",
		AcceptLanguage: "en-US,en;q=0.9",
		SecCHUA:        `"Google Chrome";v="129", "Not=A?Brand";v="8", "Chromium";v="129"`,
		Platform:       `"Windows"`,
	},
	{
		Name:           "chrome-mac",
		UserAgent:      "Mozilla/5.0 (Macintosh; Intel Mac OS X 10_15_7) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/128.0.0.0 Safari/537.36",
		AcceptLanguage: "en-US,en;q=0.9",
		SecCHUA:        `"Chromium";v="128", "Not;A=Brand";v="24", "Google Chrome";v="128"`,
		Platform:       `"macOS"`,
	},
	{
		Name:           "safari-mac",
		UserAgent:      "Mozilla/5.0 (Macintosh; Intel Mac OS X 14_6) AppleWebKit/605.1.15 (KHTML, like Gecko) Version/17.6 Safari/605.1.15",
		AcceptLanguage: "en-US,en;q=0.8",
	},
	{
		Name:           "firefox-win",
		UserAgent:      "Mozilla/5.0 (Windows NT 10.0; Win64; x64; rv:130.0) Gecko/20100101 Firefox/130.0",
		AcceptLanguage: "en-US,en;q=0.5",
	},
	{
		Name:           "edge-win",
		UserAgent:      "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/129.0.0.0 Safari/537.36 Edg/129.0.0.0",
		AcceptLanguage: "en-US,en;q=0.9",
		SecCHUA:        `"Microsoft Edge";v="129", "Not=A?Brand";v="8", "Chromium";v="129"`,
		Platform:       `"Windows"`,
	},
}

// ProfileFor picks a stable profile for the identity key.
func ProfileFor(identity string, pool []Profile) Profile {
	if len(pool) == 0 {
		pool = defaultProfiles
	}
	h := fnv.New32a()
	_, _ = h.Write([]byte(identity))
	return pool[h.Sum32()%uint32(len(pool))]
}

// Apply writes the profile headers onto h.
func (p Profile) Apply(h http.Header, class Class) {
	h.Set("User-Agent", p.UserAgent)
	if p.AcceptLanguage != "" {
		h.Set("Accept-Language", p.AcceptLanguage)
	}
	if class == ClassAPI {
		h.Set("Accept", "application/json")
		return
	}
	h.Set("Accept", "text/html,application/xhtml+xml,application/xml;q=0.9,image/avif,image/webp,*/*;q=0.8")
	h.Set("Upgrade-Insecure-Requests", "1")
	if p.SecCHUA != "" {
		h.Set("Sec-CH-UA", p.SecCHUA)
		h.Set("Sec-CH-UA-Mobile", "?0")
		h.Set("Sec-CH-UA-Platform", p.Platform)
	}
}
