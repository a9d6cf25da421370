// Package main bridges a command-line pitch estimator to the cadenza worker.
// It posts one reading per stdin line to the pitch endpoint and prints the
// worker's SSE events to stdout as JSON lines.
package main

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"

	"github.com/goccy/go-json"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/thebtf/cadenza/internal/config"
)

func main() {
	defaultURL := fmt.Sprintf("http://%s:%d", config.DefaultWorkerHost, config.GetWorkerPort())
	baseURL := flag.String("url", defaultURL, "Worker base URL")
	events := flag.String("events", "feedback", "Comma-separated event types to print; empty prints all")
	flag.Parse()

	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, NoColor: true})

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	base := strings.TrimRight(strings.TrimSpace(*baseURL), "/")
	types := splitTypes(*events)

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return streamEvents(ctx, http.DefaultClient, base+"/api/events", types, os.Stdout)
	})
	g.Go(func() error {
		return forwardReadings(ctx, http.DefaultClient, base+"/api/pitch", os.Stdin)
	})

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		log.Fatal().Err(err).Msg("Bridge stopped")
	}
}

var errEventStreamClosed = errors.New("event stream closed by worker")

func splitTypes(s string) map[string]bool {
	types := make(map[string]bool)
	for _, t := range strings.Split(s, ",") {
		if t = strings.TrimSpace(t); t != "" {
			types[t] = true
		}
	}
	return types
}

// parseReading parses one estimator line. Blank lines and "-" mean no pitch
// was detected and yield zero.
func parseReading(line string) (float64, error) {
	line = strings.TrimSpace(line)
	if line == "" || line == "-" {
		return 0, nil
	}
	return strconv.ParseFloat(line, 64)
}

// forwardReadings posts each reading from r until r is exhausted. The
// bridge exits when the estimator closes its output.
func forwardReadings(ctx context.Context, client *http.Client, endpoint string, r io.Reader) error {
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		hz, err := parseReading(scanner.Text())
		if err != nil {
			log.Warn().Str("line", scanner.Text()).Msg("Skipping malformed reading")
			continue
		}
		body, err := json.Marshal(map[string]float64{"frequencyHz": hz})
		if err != nil {
			return err
		}
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
		if err != nil {
			return err
		}
		req.Header.Set("Content-Type", "application/json")

		resp, err := client.Do(req)
		if err != nil {
			return fmt.Errorf("post reading: %w", err)
		}
		_, _ = io.Copy(io.Discard, resp.Body)
		_ = resp.Body.Close()
		if resp.StatusCode >= http.StatusBadRequest {
			log.Debug().Int("status", resp.StatusCode).Msg("Reading rejected")
		}
	}
	if err := scanner.Err(); err != nil {
		return err
	}
	return context.Canceled
}

// streamEvents subscribes to the worker's event stream and copies events
// whose type is in types (all when types is empty) to w, one per line.
func streamEvents(ctx context.Context, client *http.Client, endpoint string, types map[string]bool, w io.Writer) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return err
	}
	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("subscribe: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("unexpected SSE response status: %d", resp.StatusCode)
	}
	if err := copyEvents(resp.Body, types, w); err != nil {
		return err
	}
	return errEventStreamClosed
}

func copyEvents(r io.Reader, types map[string]bool, w io.Writer) error {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1<<20)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if !strings.HasPrefix(line, "data:") {
			continue
		}
		data := strings.TrimSpace(strings.TrimPrefix(line, "data:"))

		var ev struct {
			Type string `json:"type"`
		}
		if err := json.Unmarshal([]byte(data), &ev); err != nil {
			continue
		}
		if len(types) > 0 && !types[ev.Type] {
			continue
		}
		if _, err := fmt.Fprintln(w, data); err != nil {
			return err
		}
	}
	return scanner.Err()
}
