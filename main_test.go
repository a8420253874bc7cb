package smtpconn

import (
	"crypto/tls"
	"fmt"
	"io"
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/flashmob/go-guerrilla/tests/testcert"
	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/require"
)

const testHost = "127.0.0.1"

// Paths of a self-signed CA certificate for 127.0.0.1 and its key, valid
// for the duration of the test run.
var (
	testCertFile string
	testKeyFile  string
)

func TestMain(m *testing.M) {
	dir, err := os.MkdirTemp("", "smtpconn-test")
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	err = testcert.GenerateCert(
		testHost,
		"",        // defaults to now
		time.Hour, // the test suite won't run for this long
		true,      // is a CA cert, so it can be its own bundle
		2048,
		"", // RSA key
		dir+string(os.PathSeparator),
	)
	if err != nil {
		os.RemoveAll(dir)
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	// These file names are hardcoded into testcert.GenerateCert
	testCertFile = filepath.Join(dir, testHost+".cert.pem")
	testKeyFile = filepath.Join(dir, testHost+".key.pem")

	code := m.Run()
	os.RemoveAll(dir)
	os.Exit(code)
}

func testServerTLSConfig(t *testing.T) *tls.Config {
	t.Helper()
	cert, err := tls.LoadX509KeyPair(testCertFile, testKeyFile)
	require.NoError(t, err)
	return &tls.Config{Certificates: []tls.Certificate{cert}}
}

func newLocalListener(t *testing.T) net.Listener {
	t.Helper()
	ln, err := net.Listen("tcp", testHost+":0")
	require.NoError(t, err)
	t.Cleanup(func() { ln.Close() })
	return ln
}

func listenerPort(ln net.Listener) int {
	return ln.Addr().(*net.TCPAddr).Port
}

// newTestLogger returns a logger that keeps entries in memory.
func newTestLogger() (*logrus.Logger, *test.Hook) {
	l, hook := test.NewNullLogger()
	l.SetLevel(logrus.DebugLevel)
	l.SetOutput(io.Discard)
	return l, hook
}
