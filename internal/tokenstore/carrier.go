package tokenstore

import (
	"net/http"
	"net/url"
)

// CarrierName is the query parameter and cookie name the token travels under
// when the waiting room sends a visitor back.
const CarrierName = "queueit"

// Carried returns the token carried by an incoming page request: the
// queueit query parameter of pageURL wins over a queueit cookie. It returns
// "" when neither is present.
func Carried(pageURL *url.URL, cookies []*http.Cookie) string {
	if pageURL != nil {
		if v := pageURL.Query().Get(CarrierName); v != "" {
			return v
		}
	}
	for _, c := range cookies {
		if c != nil && c.Name == CarrierName && c.Value != "" {
			return c.Value
		}
	}
	return ""
}
