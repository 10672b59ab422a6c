package client

import (
	"time"

	"github.com/m-lab/thankyou/pkg/results"
)

// FinishFunc is called once per run with the completion signal. finished is
// false when the run was aborted or failed.
type FinishFunc func(finished bool, r results.Results, loc *results.Location)

// Config is the configuration for a Client.
type Config struct {
	// Server is the server to connect to. If empty, the server is obtained by
	// querying the configured Locator.
	Server string

	// Scheme is the WebSocket scheme used to connect to the server (ws or wss).
	Scheme string

	// DownloadLength is the maximum duration of the download subtest. The
	// server normally ends it sooner.
	DownloadLength time.Duration

	// UploadLength is the duration of the upload subtest.
	UploadLength time.Duration

	// Emitter is the interface used to emit progress. It can be overridden
	// to provide a custom output.
	Emitter Emitter

	// NoVerify disables the TLS certificate verification.
	NoVerify bool

	// LocationConsent allows the server location to be passed to OnFinish.
	LocationConsent bool

	// OnFinish receives the completion signal.
	OnFinish FinishFunc
}
