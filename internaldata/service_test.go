package internaldata

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	log "github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"
)

func probeService(server *httptest.Server) *Service {
	return &Service{
		HTTP: server.Client(),
		Log:  log.WithField("test", true),
	}
}

func TestProbeURLHeadThenCappedGet(t *testing.T) {
	var methods []string
	var server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		methods = append(methods, r.Method)
		w.Header().Set("Content-Type", "text/csv")
		if r.Method == http.MethodHead {
			return
		}
		_, _ = w.Write([]byte("Артикул;РРЦ;Остаток\n"))
		// Far more body than the capped read; the test path must not
		// drain it.
		var row = strings.Repeat("A-1;1499,90;5\n", 5000)
		_, _ = w.Write([]byte(row))
	}))
	defer server.Close()

	var s = probeService(server)
	require.NoError(t, s.probeURL(context.Background(), server.URL+"/feed.csv"))
	require.Equal(t, []string{http.MethodHead, http.MethodGet}, methods)
}

func TestProbeURLXLSXSignatureOnly(t *testing.T) {
	var server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodHead {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		// A zip signature followed by garbage: a full Parse would fail,
		// the bounded check must not attempt it.
		_, _ = w.Write([]byte("PK\x03\x04"))
		_, _ = w.Write(make([]byte, 4096))
	}))
	defer server.Close()

	var s = probeService(server)
	require.NoError(t, s.probeURL(context.Background(), server.URL+"/catalog.xlsx"))
}

func TestProbeURLStopsOnHeadError(t *testing.T) {
	var gets int
	var server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodGet {
			gets++
		}
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer server.Close()

	var s = probeService(server)
	var err = s.probeURL(context.Background(), server.URL+"/feed.csv")
	require.ErrorContains(t, err, "source returned 500")
	require.Zero(t, gets)
}

func TestProbeURLRejectsFormatMismatch(t *testing.T) {
	var server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("just text, not markup"))
	}))
	defer server.Close()

	var s = probeService(server)
	var err = s.probeURL(context.Background(), server.URL+"/feed.xml")
	require.ErrorContains(t, err, "does not look like xml")
}

func TestParseCSVHeaderTruncatedRow(t *testing.T) {
	var body = []byte("Артикул;РРЦ\nA-1;1499,90\nB-2;20")
	headers, err := parseCSVHeader(body[:len(body)-3])
	require.NoError(t, err)
	require.Equal(t, []string{"Артикул", "РРЦ"}, headers)

	_, err = parseCSVHeader(nil)
	require.Error(t, err)
}
