package dns

import (
	"context"
	"net"
	"strconv"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/miekg/dns"
	"github.com/stretchr/testify/require"

	"github.com/deviant-guru/reliw/pkg/config"
	"github.com/deviant-guru/reliw/pkg/store"
)

func newTestResponder(t *testing.T) (*Responder, *store.Store) {
	t.Helper()

	mr := miniredis.RunT(t)
	cfg := config.Default()
	cfg.Redis.Host = mr.Host()
	port, err := strconv.Atoi(mr.Port())
	require.NoError(t, err)
	cfg.Redis.Port = port
	cfg.DataDir = t.TempDir()

	s, err := store.New(context.Background(), cfg)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })

	return NewResponder(s, "127.0.0.1:0"), s
}

// recordingWriter captures the response written by the handler.
type recordingWriter struct {
	msg *dns.Msg
}

func (w *recordingWriter) Network() string {
	return "udp"
}

func (w *recordingWriter) LocalAddr() net.Addr {
	return &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 53}
}

func (w *recordingWriter) RemoteAddr() net.Addr {
	return &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 51000}
}

func (w *recordingWriter) WriteMsg(m *dns.Msg) error {
	w.msg = m
	return nil
}

func (w *recordingWriter) Write(b []byte) (int, error) { return len(b), nil }
func (w *recordingWriter) Close() error                { return nil }
func (w *recordingWriter) TsigStatus() error           { return nil }
func (w *recordingWriter) TsigTimersOnly(bool)         {}
func (w *recordingWriter) Hijack()                     {}

func query(name string, qtype uint16) *dns.Msg {
	m := &dns.Msg{}
	m.SetQuestion(name, qtype)
	return m
}

// TestChallengeAnswered serves the published record as TXT
func TestChallengeAnswered(t *testing.T) {
	r, s := newTestResponder(t)
	ctx := context.Background()

	require.NoError(t, s.SetDNSChallenge(ctx, "www.example.com", "challenge-value", time.Hour))

	w := &recordingWriter{}
	r.handleQuery(w, query("_acme-challenge.www.example.com.", dns.TypeTXT))

	require.NotNil(t, w.msg)
	require.Equal(t, dns.RcodeSuccess, w.msg.Rcode)
	require.Len(t, w.msg.Answer, 1)
	txt, ok := w.msg.Answer[0].(*dns.TXT)
	require.True(t, ok)
	require.Equal(t, []string{"challenge-value"}, txt.Txt)
	require.Equal(t, uint32(recordTTL), txt.Hdr.Ttl)
}

// TestCaseInsensitiveName matches the validator's casing games
func TestCaseInsensitiveName(t *testing.T) {
	r, s := newTestResponder(t)
	ctx := context.Background()

	require.NoError(t, s.SetDNSChallenge(ctx, "www.example.com", "challenge-value", time.Hour))

	w := &recordingWriter{}
	r.handleQuery(w, query("_ACME-Challenge.WWW.Example.COM.", dns.TypeTXT))

	require.Equal(t, dns.RcodeSuccess, w.msg.Rcode)
	require.Len(t, w.msg.Answer, 1)
}

// TestUnknownChallenge answers NXDOMAIN
func TestUnknownChallenge(t *testing.T) {
	r, _ := newTestResponder(t)

	w := &recordingWriter{}
	r.handleQuery(w, query("_acme-challenge.unknown.example.com.", dns.TypeTXT))

	require.Equal(t, dns.RcodeNameError, w.msg.Rcode)
	require.Empty(t, w.msg.Answer)
}

// TestNonChallengeRefused refuses queries outside the challenge label
func TestNonChallengeRefused(t *testing.T) {
	r, _ := newTestResponder(t)

	w := &recordingWriter{}
	r.handleQuery(w, query("www.example.com.", dns.TypeA))
	require.Equal(t, dns.RcodeRefused, w.msg.Rcode)

	w = &recordingWriter{}
	r.handleQuery(w, query("www.example.com.", dns.TypeTXT))
	require.Equal(t, dns.RcodeRefused, w.msg.Rcode)
}
