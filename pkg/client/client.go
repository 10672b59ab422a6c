// Package client implements an ndt7 speed-test client that reports its
// outcome as a thank-you completion signal.
package client

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math/rand"
	"net/http"
	"net/url"
	"strconv"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/m-lab/go/memoryless"
	"github.com/m-lab/locate/api/locate"
	v2 "github.com/m-lab/locate/api/v2"
	"github.com/m-lab/ndt-server/ndt7/model"
	"github.com/m-lab/ndt-server/ndt7/spec"
	"github.com/m-lab/thankyou/pkg/results"
	"github.com/m-lab/thankyou/pkg/version"
)

const (
	// DefaultWebSocketHandshakeTimeout is the default timeout used by the client
	// for the WebSocket handshake.
	DefaultWebSocketHandshakeTimeout = 5 * time.Second

	// DefaultDownloadLength is the default maximum download duration.
	DefaultDownloadLength = 15 * time.Second

	// DefaultUploadLength is the default upload duration.
	DefaultUploadLength = 10 * time.Second

	// DefaultScheme is the default WebSocket scheme for a new Client.
	DefaultScheme = "wss"

	// ServiceName is the Locate service name of ndt7.
	ServiceName = "ndt/ndt7"

	// minMessageSize is the initial size of upload binary messages.
	minMessageSize = 1 << 13
	// maxMessageSize is the maximum size of upload binary messages and of
	// any message read from the server.
	maxMessageSize = 1 << 20
	// scalingFraction: a binary message is scaled up when its size is less
	// than 1/scalingFraction of the bytes sent so far.
	scalingFraction = 16

	libraryName = "thankyou-client"
)

var (
	// ErrNoTargets is returned if Locate did not return any usable target.
	ErrNoTargets = errors.New("no targets available")

	libraryVersion = version.Version
)

// Subtest is the kind of subtest.
type Subtest string

const (
	// Download is the server-to-client subtest.
	Download = Subtest("download")
	// Upload is the client-to-server subtest.
	Upload = Subtest("upload")
)

// Locator is an interface used to get a list of available servers to test against.
type Locator interface {
	Nearest(ctx context.Context, service string) ([]v2.Target, error)
}

// Client runs ndt7 measurements.
type Client struct {
	// ClientName is the name of the client sent to the server as part of the user-agent.
	ClientName string
	// ClientVersion is the version of the client sent to the server as part of the user-agent.
	ClientVersion string

	config Config

	dialer  *websocket.Dialer
	locator Locator
}

// makeUserAgent creates the user agent string.
func makeUserAgent(clientName, clientVersion string) string {
	return clientName + "/" + clientVersion + " " + libraryName + "/" + libraryVersion
}

// New returns a new Client with the provided client name, version and config.
// It panics if clientName or clientVersion are empty.
func New(clientName, clientVersion string, config Config) *Client {
	if clientName == "" || clientVersion == "" {
		panic("client name and version must be non-empty")
	}
	if config.Scheme == "" {
		config.Scheme = DefaultScheme
	}
	if config.DownloadLength == 0 {
		config.DownloadLength = DefaultDownloadLength
	}
	if config.UploadLength == 0 {
		config.UploadLength = DefaultUploadLength
	}
	if config.Emitter == nil {
		config.Emitter = HumanReadable{}
	}
	return &Client{
		ClientName:    clientName,
		ClientVersion: clientVersion,

		config: config,
		dialer: &websocket.Dialer{
			HandshakeTimeout: DefaultWebSocketHandshakeTimeout,
			TLSClientConfig: &tls.Config{
				InsecureSkipVerify: config.NoVerify,
			},
			ReadBufferSize:  maxMessageSize,
			WriteBufferSize: maxMessageSize,
		},
		locator: locate.NewClient(makeUserAgent(clientName, clientVersion)),
	}
}

// target is a resolved server: one URL per subtest plus its location.
type target struct {
	download *url.URL
	upload   *url.URL
	location *results.Location
}

// resolve returns the server to measure against, either the configured one
// or the first usable Locate target.
func (c *Client) resolve(ctx context.Context) (*target, error) {
	if c.config.Server != "" {
		c.config.Emitter.OnDebug(fmt.Sprintf("using server provided via flags %s", c.config.Server))
		return &target{
			download: &url.URL{Scheme: c.config.Scheme, Host: c.config.Server, Path: spec.DownloadURLPath},
			upload:   &url.URL{Scheme: c.config.Scheme, Host: c.config.Server, Path: spec.UploadURLPath},
			location: &results.Location{Machine: c.config.Server},
		}, nil
	}

	c.config.Emitter.OnDebug("using locate")
	targets, err := c.locator.Nearest(ctx, ServiceName)
	if err != nil {
		return nil, err
	}
	dlKey := c.config.Scheme + "://" + spec.DownloadURLPath
	ulKey := c.config.Scheme + "://" + spec.UploadURLPath
	for _, t := range targets {
		dl, err1 := url.Parse(t.URLs[dlKey])
		ul, err2 := url.Parse(t.URLs[ulKey])
		if err1 != nil || err2 != nil || dl.Host == "" || ul.Host == "" {
			continue
		}
		loc := &results.Location{Machine: t.Machine}
		if t.Location != nil {
			loc.City = t.Location.City
			loc.Country = t.Location.Country
		}
		return &target{download: dl, upload: ul, location: loc}, nil
	}
	return nil, ErrNoTargets
}

func (c *Client) connect(ctx context.Context, u *url.URL) (*websocket.Conn, error) {
	q := u.Query()
	q.Set("client_library_name", libraryName)
	q.Set("client_library_version", libraryVersion)
	q.Set("client_name", c.ClientName)
	q.Set("client_version", c.ClientVersion)
	u.RawQuery = q.Encode()
	headers := http.Header{}
	headers.Add("Sec-WebSocket-Protocol", spec.SecWebSocketProtocol)
	headers.Add("User-Agent", makeUserAgent(c.ClientName, c.ClientVersion))
	conn, _, err := c.dialer.DialContext(ctx, u.String(), headers)
	if err != nil {
		return nil, err
	}
	conn.SetReadLimit(maxMessageSize)
	return conn, nil
}

// Run runs a download and an upload subtest and delivers the completion
// signal to OnFinish. It returns the results of a successful run.
func (c *Client) Run(ctx context.Context) (results.Results, error) {
	r, loc, err := c.run(ctx)
	if !c.config.LocationConsent {
		loc = nil
	}
	if err != nil {
		c.config.Emitter.OnError(err)
		c.finish(false, results.Results{}, loc)
		return results.Results{}, err
	}
	c.config.Emitter.OnSummary(r)
	c.finish(true, r, loc)
	return r, nil
}

func (c *Client) finish(finished bool, r results.Results, loc *results.Location) {
	if c.config.OnFinish != nil {
		c.config.OnFinish(finished, r, loc)
	}
}

func (c *Client) run(ctx context.Context) (results.Results, *results.Location, error) {
	t, err := c.resolve(ctx)
	if err != nil {
		return results.Results{}, nil, err
	}
	s2c, minRTT, err := c.download(ctx, t.download)
	if err != nil {
		return results.Results{}, t.location, err
	}
	c2s, err := c.upload(ctx, t.upload)
	if err != nil {
		return results.Results{}, t.location, err
	}
	r := results.Results{
		C2SRate: c2s,
		S2CRate: s2c,
	}
	if minRTT > 0 {
		r.MinRTT = results.MinRTT(strconv.FormatFloat(float64(minRTT)/1000, 'f', -1, 64))
	}
	return r, t.location, nil
}

// kbps returns the rate in kb/s of n bytes over elapsed.
func kbps(n int64, elapsed time.Duration) float64 {
	if elapsed <= 0 {
		return 0
	}
	return float64(n) * 8 / elapsed.Seconds() / 1000
}

// closeOnDone closes conn when ctx is done, unblocking pending reads. The
// returned function stops the watcher.
func closeOnDone(ctx context.Context, conn *websocket.Conn) func() {
	stop := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
			conn.Close()
		case <-stop:
		}
	}()
	return func() { close(stop) }
}

func newProgressTicker(ctx context.Context) (*memoryless.Ticker, error) {
	return memoryless.NewTicker(ctx, memoryless.Config{
		Expected: 250 * time.Millisecond,
		Min:      100 * time.Millisecond,
		Max:      400 * time.Millisecond,
	})
}

// download runs the download subtest. It returns the rate in kb/s and the
// minimum RTT reported by the server, in microseconds.
func (c *Client) download(ctx context.Context, u *url.URL) (float64, uint32, error) {
	c.config.Emitter.OnStart(u.Host, Download)
	conn, err := c.connect(ctx, u)
	if err != nil {
		return 0, 0, err
	}
	defer conn.Close()
	c.config.Emitter.OnConnect(u.String())

	timeout, cancel := context.WithTimeout(ctx, c.config.DownloadLength)
	defer cancel()
	defer closeOnDone(timeout, conn)()

	ticker, err := newProgressTicker(timeout)
	if err != nil {
		return 0, 0, err
	}
	defer ticker.Stop()

	start := time.Now()
	var total int64
	var minRTT uint32
	for {
		kind, reader, err := conn.NextReader()
		if err != nil {
			if ctx.Err() != nil {
				return 0, 0, ctx.Err()
			}
			// Either the server closed the connection or DownloadLength
			// elapsed: both end the subtest.
			if timeout.Err() == nil && !websocket.IsCloseError(err, websocket.CloseNormalClosure) {
				return 0, 0, err
			}
			break
		}
		switch kind {
		case websocket.BinaryMessage:
			n, err := io.Copy(io.Discard, reader)
			if err != nil {
				return 0, 0, err
			}
			total += n
		case websocket.TextMessage:
			data, err := io.ReadAll(reader)
			if err != nil {
				return 0, 0, err
			}
			total += int64(len(data))
			var m model.Measurement
			if err := json.Unmarshal(data, &m); err != nil {
				return 0, 0, err
			}
			c.config.Emitter.OnMeasurement(Download, m)
			if m.TCPInfo != nil && m.TCPInfo.MinRTT > 0 &&
				(minRTT == 0 || m.TCPInfo.MinRTT < minRTT) {
				minRTT = m.TCPInfo.MinRTT
			}
		}
		select {
		case <-ticker.C:
			c.config.Emitter.OnProgress(Download, kbps(total, time.Since(start)))
		default:
		}
	}
	rate := kbps(total, time.Since(start))
	c.config.Emitter.OnComplete(Download, rate)
	return rate, minRTT, nil
}

// serverRate tracks the latest upload rate as measured by the server.
type serverRate struct {
	mu   sync.Mutex
	kbps float64
}

func (s *serverRate) set(m model.Measurement) {
	if m.AppInfo == nil || m.AppInfo.ElapsedTime <= 0 {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.kbps = kbps(m.AppInfo.NumBytes, time.Duration(m.AppInfo.ElapsedTime)*time.Microsecond)
}

func (s *serverRate) get() float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.kbps
}

// upload runs the upload subtest. It returns the rate in kb/s, preferring the
// server's own measurement when one was received.
func (c *Client) upload(ctx context.Context, u *url.URL) (float64, error) {
	c.config.Emitter.OnStart(u.Host, Upload)
	conn, err := c.connect(ctx, u)
	if err != nil {
		return 0, err
	}
	defer conn.Close()
	c.config.Emitter.OnConnect(u.String())

	timeout, cancel := context.WithTimeout(ctx, c.config.UploadLength)
	defer cancel()

	ticker, err := newProgressTicker(timeout)
	if err != nil {
		return 0, err
	}
	defer ticker.Stop()

	// Server measurements are read on a separate goroutine; the connection
	// supports one concurrent reader and one concurrent writer.
	server := &serverRate{}
	readerDone := make(chan struct{})
	go func() {
		defer close(readerDone)
		for {
			kind, reader, err := conn.NextReader()
			if err != nil {
				return
			}
			if kind != websocket.TextMessage {
				io.Copy(io.Discard, reader)
				continue
			}
			data, err := io.ReadAll(reader)
			if err != nil {
				return
			}
			var m model.Measurement
			if err := json.Unmarshal(data, &m); err != nil {
				c.config.Emitter.OnDebug(fmt.Sprintf("invalid upload measurement: %v", err))
				continue
			}
			c.config.Emitter.OnMeasurement(Upload, m)
			server.set(m)
		}
	}()

	rnd := rand.New(rand.NewSource(time.Now().UnixMilli()))
	size := minMessageSize
	message, err := makePreparedMessage(rnd, size)
	if err != nil {
		return 0, err
	}
	start := time.Now()
	var total int64
	conn.SetWriteDeadline(time.Now().Add(c.config.UploadLength + time.Second))
loop:
	for {
		select {
		case <-timeout.Done():
			break loop
		case <-ticker.C:
			c.config.Emitter.OnProgress(Upload, kbps(total, time.Since(start)))
		default:
			if err := conn.WritePreparedMessage(message); err != nil {
				if timeout.Err() != nil {
					break loop
				}
				return 0, err
			}
			total += int64(size)
			if size < maxMessageSize && int64(size) < total/scalingFraction {
				size *= 2
				message, err = makePreparedMessage(rnd, size)
				if err != nil {
					return 0, err
				}
			}
		}
	}
	if ctx.Err() != nil {
		return 0, ctx.Err()
	}
	clientRate := kbps(total, time.Since(start))

	msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "Done sending")
	if err := conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second)); err != nil {
		c.config.Emitter.OnDebug(fmt.Sprintf("WriteControl failed: %v", err))
	}
	select {
	case <-readerDone:
	case <-time.After(time.Second):
	case <-ctx.Done():
		return 0, ctx.Err()
	}

	rate := server.get()
	if rate == 0 {
		rate = clientRate
	}
	c.config.Emitter.OnComplete(Upload, rate)
	return rate, nil
}

// makePreparedMessage returns a websocket.PreparedMessage of the requested
// size filled with random bytes.
func makePreparedMessage(rnd *rand.Rand, size int) (*websocket.PreparedMessage, error) {
	data := make([]byte, size)
	rnd.Read(data)
	return websocket.NewPreparedMessage(websocket.BinaryMessage, data)
}
