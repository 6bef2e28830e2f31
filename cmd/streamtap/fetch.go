// Copyright 2024-2026 Madhukar Beema, Distinguished Engineer. All rights reserved.
// Use of this source code is governed by the Business Source License
// included in the LICENSE file of this repository.

package main

import (
	"bytes"
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"net"
	"net/url"
	"os"
	"os/signal"
	"sort"
	"strings"
	"syscall"
	"time"

	"github.com/bassosimone/errclass"
	"github.com/mbeema/streamtap/pkg/agent"
	"github.com/mbeema/streamtap/pkg/hook"
	"github.com/mbeema/streamtap/pkg/intercept"
	"github.com/mbeema/streamtap/pkg/protocol"
	"github.com/mbeema/streamtap/pkg/reassembly"
	"github.com/mbeema/streamtap/pkg/redact"
	"github.com/mbeema/streamtap/pkg/transport"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

var (
	flagInsecure bool
	flagTimeout  time.Duration
	flagInterval time.Duration
)

var fetchCmd = &cobra.Command{
	Use:   "fetch URL",
	Short: "GET a URL over an instrumented stream and print the captured transcript",
	Args:  cobra.ExactArgs(1),
	RunE:  runFetch,
}

var probeCmd = &cobra.Command{
	Use:   "probe URL",
	Short: "Run the agent and GET a URL periodically, exporting every capture",
	Args:  cobra.ExactArgs(1),
	RunE:  runProbe,
}

func init() {
	for _, c := range []*cobra.Command{fetchCmd, probeCmd} {
		c.Flags().BoolVar(&flagInsecure, "insecure", false, "skip TLS certificate verification")
		c.Flags().DurationVar(&flagTimeout, "timeout", 10*time.Second, "per-request timeout")
	}
	probeCmd.Flags().DurationVar(&flagInterval, "interval", 30*time.Second, "time between requests")
}

// target is a parsed fetch URL.
type target struct {
	Addr   string // host:port to dial
	Host   string // Host header and TLS server name
	Path   string
	UseTLS bool
}

func parseTarget(raw string) (target, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return target{}, fmt.Errorf("parse url: %w", err)
	}

	var t target
	switch u.Scheme {
	case "https":
		t.UseTLS = true
	case "http":
	default:
		return target{}, fmt.Errorf("unsupported scheme %q (want http or https)", u.Scheme)
	}
	if u.Hostname() == "" {
		return target{}, fmt.Errorf("url %q has no host", raw)
	}

	port := u.Port()
	if port == "" {
		port = "80"
		if t.UseTLS {
			port = "443"
		}
	}
	t.Host = u.Host
	t.Addr = net.JoinHostPort(u.Hostname(), port)
	t.Path = u.RequestURI()
	return t, nil
}

func (t target) tlsConfig() *tls.Config {
	if !t.UseTLS {
		return nil
	}
	return &tls.Config{InsecureSkipVerify: flagInsecure}
}

func buildRequest(t target) []byte {
	var b bytes.Buffer
	fmt.Fprintf(&b, "GET %s HTTP/1.1\r\n", t.Path)
	fmt.Fprintf(&b, "Host: %s\r\n", t.Host)
	fmt.Fprintf(&b, "User-Agent: streamtap/%s\r\n", version)
	b.WriteString("Accept: */*\r\n")
	b.WriteString("Connection: close\r\n\r\n")
	return b.Bytes()
}

// fetchOnce performs one request and returns the identity of the connection
// it used.
func fetchOnce(ctx context.Context, a *agent.Agent, t target) (transport.ConnID, error) {
	ctx, cancel := context.WithTimeout(ctx, flagTimeout)
	defer cancel()

	s, err := a.Dial(ctx, "tcp", t.Addr, t.tlsConfig())
	if err != nil {
		return transport.ConnID{}, err
	}
	defer s.Close()

	conn, err := a.ConnOf(s)
	if err != nil {
		return transport.ConnID{}, fmt.Errorf("resolve connection: %w", err)
	}

	if deadline, ok := ctx.Deadline(); ok {
		if dc, ok := s.Inner().(interface{ SetDeadline(time.Time) error }); ok {
			dc.SetDeadline(deadline)
		}
	}
	if _, err := s.Write(buildRequest(t)); err != nil {
		return conn, fmt.Errorf("write request: %w", err)
	}
	if _, err := io.Copy(io.Discard, s); err != nil {
		return conn, fmt.Errorf("read response: %w", err)
	}
	return conn, nil
}

// joinDirection concatenates the transcript's data in one direction.
func joinDirection(tr reassembly.Transcript, incoming bool) []byte {
	var b []byte
	for _, seg := range tr.Segments {
		if seg.Incoming == incoming {
			b = append(b, seg.Data...)
		}
	}
	return b
}

func printTranscript(w io.Writer, tr reassembly.Transcript, r *redact.Redactor) {
	fmt.Fprintf(w, "connection %s (protocol %s, decrypted %t)\n", tr.Conn, tr.Protocol, tr.IsDecrypted)
	for _, seg := range tr.Segments {
		arrow := ">>"
		if seg.Incoming {
			arrow = "<<"
		}
		fmt.Fprintf(w, "%s %s %d bytes\n", arrow, seg.Time.Format("15:04:05.000"), len(seg.Data))
		for _, line := range strings.Split(strings.TrimRight(r.Text(seg.Data, 0), "\r\n"), "\n") {
			fmt.Fprintf(w, "   %s\n", strings.TrimRight(line, "\r"))
		}
	}

	sum := protocol.Summarize(tr.Protocol, joinDirection(tr, false), joinDirection(tr, true))
	fmt.Fprintf(w, "summary: %s", r.Redact(sum.Name))
	if sum.Status != 0 {
		fmt.Fprintf(w, " -> %d", sum.Status)
	}
	fmt.Fprintf(w, " (sent %d, received %d", tr.BytesSent, tr.BytesRecv)
	if tr.Truncated {
		fmt.Fprint(w, ", truncated")
	}
	fmt.Fprintln(w, ")")
}

func formatMethods(table map[hook.Signature]intercept.Kind) []string {
	out := make([]string, 0, len(table))
	for sig, kind := range table {
		out = append(out, fmt.Sprintf("%-28s %s", sig, kind))
	}
	sort.Strings(out)
	return out
}

func runFetch(cmd *cobra.Command, args []string) error {
	t, err := parseTarget(args[0])
	if err != nil {
		return err
	}
	cfg, err := resolveConfig()
	if err != nil {
		return err
	}
	// One-shot: no listeners, and tracing on regardless of on_demand.
	cfg.Health.Enabled = false
	cfg.Exporters.WebSocket.Enabled = false
	cfg.Hook.Enabled = true
	cfg.Hook.OnDemand = false

	logger, err := newLogger(cfg.LogLevel)
	if err != nil {
		return err
	}
	defer logger.Sync()

	a, err := agent.New(cfg, logger)
	if err != nil {
		return err
	}
	if err := a.Start(cmd.Context()); err != nil {
		return err
	}
	defer a.Stop()

	conn, ferr := fetchOnce(cmd.Context(), a, t)
	if tr, ok := a.Transcript(conn); ok {
		printTranscript(cmd.OutOrStdout(), tr, a.Redactor())
	}
	if ferr != nil {
		return fmt.Errorf("%s: %w", errclass.New(ferr), ferr)
	}
	return nil
}

func runProbe(cmd *cobra.Command, args []string) error {
	t, err := parseTarget(args[0])
	if err != nil {
		return err
	}
	if flagInterval <= 0 {
		return fmt.Errorf("--interval must be positive")
	}
	cfg, err := resolveConfig()
	if err != nil {
		return err
	}

	logger, err := newLogger(cfg.LogLevel)
	if err != nil {
		return err
	}
	defer logger.Sync()

	a, err := agent.New(cfg, logger)
	if err != nil {
		return err
	}

	ctx, cancel := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := a.Start(ctx); err != nil {
		return err
	}
	watcher, err := startWatcher(ctx, a, logger)
	if err != nil {
		a.Stop()
		return err
	}
	if watcher != nil {
		defer watcher.Stop()
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		probeLoop(gctx, a, t, logger)
		return nil
	})
	g.Wait()

	logger.Info("probe stopping")
	return shutdown(a, logger)
}

func probeLoop(ctx context.Context, a *agent.Agent, t target, logger *zap.Logger) {
	ticker := time.NewTicker(flagInterval)
	defer ticker.Stop()

	for {
		start := time.Now()
		conn, err := fetchOnce(ctx, a, t)
		if err != nil && ctx.Err() == nil {
			logger.Warn("probe failed",
				zap.String("addr", t.Addr),
				zap.String("class", errclass.New(err)),
				zap.Error(err),
			)
		}
		if tr, ok := a.Transcript(conn); ok {
			sum := protocol.Summarize(tr.Protocol, joinDirection(tr, false), joinDirection(tr, true))
			logger.Info("probe",
				zap.Stringer("conn", conn),
				zap.String("name", a.Redactor().Redact(sum.Name)),
				zap.Int("status", sum.Status),
				zap.Int("sent", tr.BytesSent),
				zap.Int("received", tr.BytesRecv),
				zap.Duration("duration", time.Since(start)),
			)
			a.Store().Remove(conn)
			a.Tracker().Remove(conn)
		}

		select {
		case <-ticker.C:
		case <-ctx.Done():
			return
		}
	}
}
