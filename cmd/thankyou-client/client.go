package main

import (
	"bytes"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/charmbracelet/log"
	"github.com/gocarina/gocsv"
	"github.com/google/uuid"
	"github.com/joho/godotenv"
	"github.com/m-lab/go/flagx"
	"github.com/m-lab/go/rtx"
	"github.com/m-lab/thankyou/internal/diag"
	"github.com/m-lab/thankyou/internal/intake"
	"github.com/m-lab/thankyou/pkg/client"
	"github.com/m-lab/thankyou/pkg/results"
	"github.com/m-lab/thankyou/pkg/session"
	"github.com/m-lab/thankyou/pkg/submission"
	"github.com/m-lab/thankyou/pkg/version"
)

const clientName = "thankyou-client-go"

var (
	flagState       = flag.String("state", "", "File with the navigation state JSON. Reads stdin if empty")
	flagBackendURL  = flag.String("backend", "http://localhost:3000", "Base URL of the submissions backend")
	flagServer      = flag.String("server", "", "ndt7 server host[:port]. Uses Locate if empty")
	flagScheme      = flag.String("scheme", client.DefaultScheme, "WebSocket scheme (ws or wss)")
	flagNoVerify    = flag.Bool("no-verify", false, "Skip TLS certificate verification")
	flagUpload      = flag.Duration("upload.duration", client.DefaultUploadLength, "Upload duration")
	flagDownload    = flag.Duration("download.duration", client.DefaultDownloadLength, "Maximum download duration")
	flagDataDir     = flag.String("datadir", "", "Directory to archive finished runs in. Disabled if empty")
	flagFormat      = flagx.Enum{Options: []string{"text", "json", "csv"}, Value: "text"}
	flagDebug       = flag.Bool("debug", false, "Enable debug logging")
	flagSubmitGrace = flag.Duration("submit.timeout", submission.DefaultTimeout, "How long to wait for the submission")
)

func init() {
	flag.Var(&flagFormat, "format", "Output format: text, json or csv")
}

func readState() (*session.Context, error) {
	if *flagState == "" {
		return session.Decode(os.Stdin)
	}
	b, err := os.ReadFile(*flagState)
	if err != nil {
		return nil, err
	}
	return session.Parse(b)
}

func printResults(r results.Results) error {
	rows := results.Rows(r)
	switch flagFormat.Value {
	case "json":
		b, err := json.Marshal(rows)
		if err != nil {
			return err
		}
		fmt.Println(string(b))
	case "csv":
		var buf bytes.Buffer
		if err := gocsv.Marshal(&rows, &buf); err != nil {
			return err
		}
		os.Stdout.WriteString(buf.String())
	default:
		fmt.Println("NDT")
		for _, row := range rows {
			fmt.Printf("  %-10s %s\n", row.Name, row.Measure)
		}
	}
	return nil
}

func main() {
	if err := godotenv.Load(); err != nil {
		log.Debug("No .env file loaded", "error", err)
	}
	flag.Parse()
	rtx.Must(flagx.ArgsFromEnv(flag.CommandLine), "Could not read args from env")

	log.SetOutput(os.Stderr)
	if *flagDebug {
		log.SetLevel(log.DebugLevel)
	}

	c, err := readState()
	rtx.Must(err, "Invalid navigation state")
	fmt.Fprintln(os.Stderr, c.Settings.Title+" | Thank You")

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	sub, err := submission.New(*flagBackendURL, submission.NotifierFunc(func(msg string) {
		fmt.Fprintln(os.Stderr, msg)
	}))
	rtx.Must(err, "Invalid backend URL")

	in := intake.New(ctx, intake.Config{
		ViewID:    uuid.NewString(),
		Record:    c.Record,
		Submitter: sub,
		Hook:      diag.LogHook{},
		DataDir:   *flagDataDir,
	})

	cl := client.New(clientName, version.Version, client.Config{
		Server:          *flagServer,
		Scheme:          *flagScheme,
		DownloadLength:  *flagDownload,
		UploadLength:    *flagUpload,
		Emitter:         &spinnerEmitter{},
		NoVerify:        *flagNoVerify,
		LocationConsent: c.LocationConsent,
		OnFinish:        in.OnFinish,
	})

	r, err := cl.Run(ctx)
	if err != nil {
		log.Error("Speed test did not finish", "error", err)
		os.Exit(1)
	}
	rtx.Must(printResults(r), "Failed to print results")

	waitCtx, waitCancel := context.WithTimeout(ctx, *flagSubmitGrace+time.Second)
	defer waitCancel()
	done := make(chan error, 1)
	go func() { done <- in.Wait() }()
	select {
	case err = <-done:
	case <-waitCtx.Done():
		err = waitCtx.Err()
	}
	if err != nil {
		log.Error("Results not submitted", "record", c.Record.ID(), "error", err)
		os.Exit(1)
	}
	if c.Record != nil {
		log.Info("Results submitted", "record", c.Record.ID())
	}
}
