package metadata

import (
	"net/http"
	"net/url"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

const chromeUA = "Mozilla/5.0 (Macintosh; Intel Mac OS X 10_15_7) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36"

func TestEnrich(t *testing.T) {
	t.Run("keeps client-supplied device id", func(t *testing.T) {
		d := Enrich("device-1", "10.0.0.1", chromeUA)
		require.Equal(t, "device-1", d.DeviceID)
		require.Equal(t, "10.0.0.1", d.IP)
		require.Equal(t, "Chrome", d.Browser)
		require.Equal(t, "macOS", d.OS)
	})

	t.Run("derives stable device id from user agent", func(t *testing.T) {
		a := Enrich("", "10.0.0.1", chromeUA)
		b := Enrich("", "10.0.0.2", chromeUA)
		require.NotEmpty(t, a.DeviceID)
		require.Equal(t, a.DeviceID, b.DeviceID)

		c := Enrich("", "10.0.0.1", "other-agent")
		require.NotEqual(t, a.DeviceID, c.DeviceID)
	})
}

func TestClientIP(t *testing.T) {
	req := func(remoteAddr string, headers map[string]string) *http.Request {
		r := &http.Request{
			URL:        &url.URL{Path: "/"},
			Header:     http.Header{},
			RemoteAddr: remoteAddr,
		}
		for k, v := range headers {
			r.Header.Set(k, v)
		}
		return r
	}

	t.Run("x-forwarded-for", func(t *testing.T) {
		r := req("127.0.0.1:1234", map[string]string{"X-Forwarded-For": "203.0.113.7, 10.0.0.1"})
		require.Equal(t, "203.0.113.7", ClientIP(r))
	})

	t.Run("x-real-ip", func(t *testing.T) {
		r := req("127.0.0.1:1234", map[string]string{"X-Real-Ip": "203.0.113.9"})
		require.Equal(t, "203.0.113.9", ClientIP(r))
	})

	t.Run("remote addr fallback strips port", func(t *testing.T) {
		r := req("192.168.1.5:4567", nil)
		require.Equal(t, "192.168.1.5", ClientIP(r))
	})

	t.Run("ipv6 remote addr loses brackets", func(t *testing.T) {
		r := req("[::1]:4567", nil)
		require.Equal(t, "::1", ClientIP(r))

		r = req("[2001:db8::2]:443", nil)
		require.Equal(t, "2001:db8::2", ClientIP(r))
	})

	t.Run("unparseable remote addr passes through", func(t *testing.T) {
		r := req("not-an-addr", nil)
		require.Equal(t, "not-an-addr", ClientIP(r))
	})
}

func TestValidDeviceID(t *testing.T) {
	valid := []string{"", "d1", "device-1", "a.b_c-D9", "0123456789abcdef"}
	for _, id := range valid {
		require.True(t, ValidDeviceID(id), "expected %q to be valid", id)
	}

	invalid := []string{
		"a:b",              // key delimiter
		"dev*",             // scan glob
		"dev?",             // scan glob
		"dev[1]",           // scan glob class
		"dev%",             // like wildcard
		"dev id",           // whitespace
		"dév",              // non-ascii
		strings.Repeat("a", 65),
	}
	for _, id := range invalid {
		require.False(t, ValidDeviceID(id), "expected %q to be invalid", id)
	}
}
