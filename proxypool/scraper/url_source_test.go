package scraper

import (
	"context"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"proxyhub/proxypool/model"
	"proxyhub/proxypool/transport"
)

func TestExtract_Lexical(t *testing.T) {
	tests := []struct {
		name string
		body string
		want []model.Candidate
	}{
		{"plain list", "1.2.3.4:8080\n5.6.7.8:3128\n", []model.Candidate{"1.2.3.4:8080", "5.6.7.8:3128"}},
		{"embedded in prose", "try 1.2.3.4:8080, or 5.6.7.8:3128.", []model.Candidate{"1.2.3.4:8080", "5.6.7.8:3128"}},
		{"out of range octets and port", "999.999.999.999:99999", []model.Candidate{"999.999.999.999:99999"}},
		{"port too short", "1.2.3.4:8", nil},
		{"port truncated to five digits", "1.2.3.4:1234567", []model.Candidate{"1.2.3.4:12345"}},
		{"four digit octet", "1234.5.6.7:80", []model.Candidate{"234.5.6.7:80"}},
		{"nothing", "no proxies today", nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Extract([]byte(tt.body), "text/plain")
			if len(tt.want) == 0 {
				assert.Empty(t, got)
				return
			}
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestExtract_HTMLTable(t *testing.T) {
	body := `<html><body><table>
<tr><th>IP</th><th>Port</th></tr>
<tr><td> 8.8.8.8 </td><td>3128</td><td>HTTP</td></tr>
<tr><td>9.9.9.9:8080</td><td>ignored</td></tr>
<tr><td>not-an-ip</td><td>80</td></tr>
</table></body></html>`

	got := Extract([]byte(body), "text/html; charset=utf-8")
	assert.ElementsMatch(t, []model.Candidate{"9.9.9.9:8080", "8.8.8.8:3128"}, got)

	// Without an HTML content type only the lexical pass runs.
	got = Extract([]byte(body), "text/plain")
	assert.Equal(t, []model.Candidate{"9.9.9.9:8080"}, got)
}

func TestURLSource_Scrape(t *testing.T) {
	f := fakeSources(map[string]*transport.Response{
		"https://a.example": textResponse("1.2.3.4:8080"),
		"https://b.example": {StatusCode: http.StatusServiceUnavailable, Header: http.Header{}},
	})

	got, err := NewURLSource("https://a.example", f, 0).Scrape(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []model.Candidate{"1.2.3.4:8080"}, got)

	_, err = NewURLSource("https://b.example", f, 0).Scrape(context.Background())
	assert.Error(t, err)

	s := NewURLSource("https://c.example", f, 0)
	assert.Equal(t, "https://c.example", s.Name())
	_, err = s.Scrape(context.Background())
	assert.Error(t, err)
}
