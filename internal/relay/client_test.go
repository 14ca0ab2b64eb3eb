package relay

import (
	"bufio"
	"context"
	"fmt"
	"net"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"fwdmail/backend/internal/domain"
)

func testClient(t *testing.T) *Client {
	t.Helper()
	return NewClient("mx.fwdmail.example", 5*time.Second, zap.NewNop())
}

func TestResolveMXOrdersByPreference(t *testing.T) {
	c := testClient(t)
	c.lookupMX = func(_ context.Context, _ string) ([]*net.MX, error) {
		return []*net.MX{
			{Host: "backup.example.org.", Pref: 20},
			{Host: "primary.example.org.", Pref: 5},
		}, nil
	}

	hosts, err := c.resolveMX(context.Background(), "example.org")
	require.NoError(t, err)
	assert.Equal(t, []string{"primary.example.org", "backup.example.org"}, hosts)
}

func TestResolveMXImplicitFallback(t *testing.T) {
	c := testClient(t)
	c.lookupMX = func(_ context.Context, name string) ([]*net.MX, error) {
		return nil, &net.DNSError{Err: "no such host", Name: name, IsNotFound: true}
	}

	hosts, err := c.resolveMX(context.Background(), "example.org")
	require.NoError(t, err)
	assert.Equal(t, []string{"example.org"}, hosts)
}

func TestResolveMXTransientErrorPropagates(t *testing.T) {
	c := testClient(t)
	c.lookupMX = func(_ context.Context, name string) ([]*net.MX, error) {
		return nil, &net.DNSError{Err: "i/o timeout", Name: name, IsTimeout: true}
	}

	_, err := c.resolveMX(context.Background(), "example.org")
	assert.Error(t, err)
}

func TestResolveMXCachesSuccess(t *testing.T) {
	c := testClient(t)
	var calls int
	c.lookupMX = func(_ context.Context, _ string) ([]*net.MX, error) {
		calls++
		return []*net.MX{{Host: "mx.example.org.", Pref: 10}}, nil
	}

	for i := 0; i < 3; i++ {
		hosts, err := c.resolveMX(context.Background(), "example.org")
		require.NoError(t, err)
		assert.Equal(t, []string{"mx.example.org"}, hosts)
	}
	assert.Equal(t, 1, calls, "repeated resolution must be served from cache")
}

// smtpPeer 是跑在 net.Pipe 对端的脚本化 SMTP 服务端，
// 记录收到的信封命令供断言。
type smtpPeer struct {
	starttls  bool
	mailReply string // MAIL FROM 的应答，留空表示 250

	mu       sync.Mutex
	authLine string
	mailLine string
	rcptLine string
	data     string
}

func (p *smtpPeer) serve(conn net.Conn) {
	defer conn.Close()
	br := bufio.NewReader(conn)
	fmt.Fprint(conn, "220 peer.example ESMTP\r\n")

	inData := false
	var body strings.Builder
	for {
		raw, err := br.ReadString('\n')
		if err != nil {
			return
		}
		line := strings.TrimRight(raw, "\r\n")

		if inData {
			if line == "." {
				inData = false
				p.mu.Lock()
				p.data = body.String()
				p.mu.Unlock()
				fmt.Fprint(conn, "250 2.0.0 queued\r\n")
				continue
			}
			body.WriteString(line)
			body.WriteString("\r\n")
			continue
		}

		upper := strings.ToUpper(line)
		switch {
		case strings.HasPrefix(upper, "EHLO"):
			if p.starttls {
				fmt.Fprint(conn, "250-peer.example\r\n250-STARTTLS\r\n250 AUTH PLAIN\r\n")
			} else {
				fmt.Fprint(conn, "250-peer.example\r\n250 AUTH PLAIN\r\n")
			}
		case strings.HasPrefix(upper, "HELO"):
			fmt.Fprint(conn, "250 peer.example\r\n")
		case strings.HasPrefix(upper, "AUTH"):
			p.mu.Lock()
			p.authLine = line
			p.mu.Unlock()
			fmt.Fprint(conn, "235 2.7.0 authenticated\r\n")
		case strings.HasPrefix(upper, "MAIL"):
			p.mu.Lock()
			p.mailLine = line
			p.mu.Unlock()
			if p.mailReply != "" {
				fmt.Fprint(conn, p.mailReply+"\r\n")
			} else {
				fmt.Fprint(conn, "250 2.1.0 ok\r\n")
			}
		case strings.HasPrefix(upper, "RCPT"):
			p.mu.Lock()
			p.rcptLine = line
			p.mu.Unlock()
			fmt.Fprint(conn, "250 2.1.5 ok\r\n")
		case strings.HasPrefix(upper, "DATA"):
			fmt.Fprint(conn, "354 go ahead\r\n")
			inData = true
		case strings.HasPrefix(upper, "QUIT"):
			fmt.Fprint(conn, "221 2.0.0 bye\r\n")
			return
		default:
			fmt.Fprint(conn, "500 5.5.1 unknown command\r\n")
		}
	}
}

func (p *smtpPeer) envelope() (auth, mail, rcpt, data string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.authLine, p.mailLine, p.rcptLine, p.data
}

// dialPeers 把拨号钩子接到脚本化对端上，按地址分发。
func dialPeers(c *Client, peers map[string]*smtpPeer, dials *int) {
	c.dial = func(_ context.Context, addr string) (net.Conn, error) {
		peer, ok := peers[addr]
		if !ok {
			return nil, fmt.Errorf("unexpected dial to %s", addr)
		}
		*dials++
		clientConn, serverConn := net.Pipe()
		go peer.serve(serverConn)
		return clientConn, nil
	}
}

const testRawMessage = "From: someone@other.example\r\n" +
	"To: sales@corp.example\r\n" +
	"\r\n" +
	"hello\r\n"

func TestDeliverDirectPlaintext(t *testing.T) {
	c := testClient(t)
	c.lookupMX = func(_ context.Context, _ string) ([]*net.MX, error) {
		return []*net.MX{{Host: "mx.corp.example.", Pref: 10}}, nil
	}
	peer := &smtpPeer{}
	var dials int
	dialPeers(c, map[string]*smtpPeer{"mx.corp.example:25": peer}, &dials)

	settings := domain.RelaySettings{Mode: domain.DeliveryModeDirect, TLS: domain.TLSNone}
	err := c.Deliver(context.Background(), settings, "inbox.example", "someone@other.example", "team@corp.example", []byte(testRawMessage))
	require.NoError(t, err)

	_, mail, rcpt, data := peer.envelope()
	assert.Contains(t, mail, "<someone@other.example>", "direct mode keeps the original envelope sender")
	assert.Contains(t, rcpt, "<team@corp.example>")
	assert.Contains(t, data, "hello")
	assert.Equal(t, 1, dials)
}

func TestDeliverRelayRewritesSenderAndAuthenticates(t *testing.T) {
	c := testClient(t)
	peer := &smtpPeer{}
	var dials int
	dialPeers(c, map[string]*smtpPeer{"relay.example:2525": peer}, &dials)

	settings := domain.RelaySettings{
		Mode:     domain.DeliveryModeRelay,
		Host:     "relay.example",
		Port:     2525,
		Username: "fwd",
		Password: "secret",
		TLS:      domain.TLSNone,
	}
	err := c.Deliver(context.Background(), settings, "inbox.example", "someone@other.example", "team@corp.example", []byte(testRawMessage))
	require.NoError(t, err)

	auth, mail, _, _ := peer.envelope()
	assert.True(t, strings.HasPrefix(auth, "AUTH PLAIN "), "relay with credentials must authenticate, got %q", auth)
	assert.Contains(t, mail, "<bounce@inbox.example>", "relay mode rewrites the envelope sender")
	assert.NotContains(t, mail, "someone@other.example")
}

func TestDeliverHybridFallsBackOnPermanentRelayReject(t *testing.T) {
	c := testClient(t)
	c.lookupMX = func(_ context.Context, _ string) ([]*net.MX, error) {
		return []*net.MX{{Host: "mx.corp.example.", Pref: 10}}, nil
	}
	relayPeer := &smtpPeer{mailReply: "550 5.7.1 relaying denied"}
	directPeer := &smtpPeer{}
	var dials int
	dialPeers(c, map[string]*smtpPeer{
		"relay.example:587":  relayPeer,
		"mx.corp.example:25": directPeer,
	}, &dials)

	settings := domain.RelaySettings{
		Mode: domain.DeliveryModeHybrid,
		Host: "relay.example",
		TLS:  domain.TLSNone,
	}
	err := c.Deliver(context.Background(), settings, "inbox.example", "someone@other.example", "team@corp.example", []byte(testRawMessage))
	require.NoError(t, err)

	_, mail, _, data := directPeer.envelope()
	assert.Contains(t, mail, "<someone@other.example>", "direct fallback restores the original sender")
	assert.Contains(t, data, "hello")
	assert.Equal(t, 2, dials, "hybrid must try the relay first, then the MX")
}

func TestDeliverHybridKeepsTemporaryRelayFailure(t *testing.T) {
	c := testClient(t)
	relayPeer := &smtpPeer{mailReply: "451 4.3.0 try again later"}
	var dials int
	dialPeers(c, map[string]*smtpPeer{"relay.example:587": relayPeer}, &dials)

	settings := domain.RelaySettings{
		Mode: domain.DeliveryModeHybrid,
		Host: "relay.example",
		TLS:  domain.TLSNone,
	}
	err := c.Deliver(context.Background(), settings, "inbox.example", "someone@other.example", "team@corp.example", []byte(testRawMessage))
	require.Error(t, err)
	assert.False(t, IsPermanent(err))
	assert.Equal(t, 1, dials, "temporary relay failure must not trigger the direct fallback")
}

func TestDeliverOpportunisticFallsBackToPlaintext(t *testing.T) {
	c := testClient(t)
	c.lookupMX = func(_ context.Context, _ string) ([]*net.MX, error) {
		return []*net.MX{{Host: "mx.corp.example.", Pref: 10}}, nil
	}
	peer := &smtpPeer{starttls: false}
	var dials int
	dialPeers(c, map[string]*smtpPeer{"mx.corp.example:25": peer}, &dials)

	settings := domain.RelaySettings{Mode: domain.DeliveryModeDirect, TLS: domain.TLSOpportunistic}
	err := c.Deliver(context.Background(), settings, "inbox.example", "someone@other.example", "team@corp.example", []byte(testRawMessage))
	require.NoError(t, err)

	_, mail, _, _ := peer.envelope()
	assert.Contains(t, mail, "<someone@other.example>")
	assert.Equal(t, 2, dials, "plaintext fallback reconnects after the failed upgrade attempt")
}

func TestDeliverRequiredTLSRejectsPlaintextPeer(t *testing.T) {
	c := testClient(t)
	c.lookupMX = func(_ context.Context, _ string) ([]*net.MX, error) {
		return []*net.MX{{Host: "mx.corp.example.", Pref: 10}}, nil
	}
	peer := &smtpPeer{starttls: false}
	var dials int
	dialPeers(c, map[string]*smtpPeer{"mx.corp.example:25": peer}, &dials)

	settings := domain.RelaySettings{Mode: domain.DeliveryModeDirect, TLS: domain.TLSRequired}
	err := c.Deliver(context.Background(), settings, "inbox.example", "someone@other.example", "team@corp.example", []byte(testRawMessage))
	assert.ErrorIs(t, err, ErrTLSRequired)
	assert.Equal(t, 1, dials)
}
