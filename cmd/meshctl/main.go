// Command meshctl is a REST client for a running meshd's control plane
// (internal/rpc): queue a send, pause/resume/cancel/retry a transfer,
// check its status, list peers, or tail the observe() event stream.
// Grounded on the same os.Args[1]-dispatch, flag.FlagSet-per-subcommand
// shape every other command in this module uses.
package main

import (
	"bufio"
	"bytes"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/kballard/go-shellquote"
	"github.com/mattn/go-colorable"
	"github.com/mattn/go-isatty"
)

// stdout is the color-capable writer every subcommand prints through: a
// real ANSI-escaping terminal gets colorized status lines, a pipe or file
// gets plain text. mattn/go-colorable handles both cases (including the
// ANSI-over-WriteConsole translation Windows terminals need, even though
// this binary's own CI only ever runs it on Linux).
var stdout = colorable.NewColorableStdout()
var colorEnabled = isatty.IsTerminal(os.Stdout.Fd())

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	switch os.Args[1] {
	case "send":
		sendCmd(os.Args[2:])
	case "pause":
		actionCmd("pause", os.Args[2:])
	case "resume":
		actionCmd("resume", os.Args[2:])
	case "cancel":
		actionCmd("cancel", os.Args[2:])
	case "retry":
		actionCmd("retry", os.Args[2:])
	case "status":
		statusCmd(os.Args[2:])
	case "peers":
		peersCmd(os.Args[2:])
	case "watch":
		watchCmd(os.Args[2:])
	case "shell":
		shellCmd(os.Args[2:])
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n", os.Args[1])
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Println("meshctl - meshd control-plane client")
	fmt.Println()
	fmt.Println("Usage:")
	fmt.Println("  meshctl send   -file PATH -peer PEER_ID [-priority normal] [flags]")
	fmt.Println("  meshctl pause  -id TRANSFER_ID [flags]")
	fmt.Println("  meshctl resume -id TRANSFER_ID [flags]")
	fmt.Println("  meshctl cancel -id TRANSFER_ID [flags]")
	fmt.Println("  meshctl retry  -id TRANSFER_ID [flags]")
	fmt.Println("  meshctl status -id TRANSFER_ID [flags]")
	fmt.Println("  meshctl peers  [flags]")
	fmt.Println("  meshctl watch  [flags]")
	fmt.Println("  meshctl shell  [flags]   interactive prompt over the same subcommands")
	fmt.Println()
	fmt.Println("Every subcommand accepts -rest-addr (default http://127.0.0.1:9192)")
}

func restFlag(fs *flag.FlagSet) *string {
	return fs.String("rest-addr", "http://127.0.0.1:9192", "meshd REST address")
}

func sendCmd(args []string) {
	fs := flag.NewFlagSet("send", flag.ExitOnError)
	restAddr := restFlag(fs)
	file := fs.String("file", "", "path of the file to send")
	peer := fs.String("peer", "", "destination peer id (12 hex chars)")
	priority := fs.String("priority", "normal", "low|normal|high|urgent")
	fs.Parse(args)

	if *file == "" || *peer == "" {
		fmt.Fprintln(os.Stderr, "meshctl send: -file and -peer are required")
		os.Exit(1)
	}

	size := fileSizeOrZero(*file)
	body, _ := json.Marshal(map[string]string{"file_path": *file, "peer_id": *peer, "priority": *priority})
	var resp struct {
		TransferID string `json:"transfer_id"`
	}
	if err := post(*restAddr+"/api/v1/transfer/send", body, &resp); err != nil {
		fatal(err)
	}
	fmt.Fprintf(stdout, "queued transfer %s (%s %s)\n", colorize(resp.TransferID, "36"), humanize.Bytes(size), filepath.Base(*file))
}

func fileSizeOrZero(path string) uint64 {
	info, err := os.Stat(path)
	if err != nil {
		return 0
	}
	return uint64(info.Size())
}

func actionCmd(action string, args []string) {
	fs := flag.NewFlagSet(action, flag.ExitOnError)
	restAddr := restFlag(fs)
	id := fs.String("id", "", "transfer id")
	fs.Parse(args)
	if *id == "" {
		fmt.Fprintf(os.Stderr, "meshctl %s: -id is required\n", action)
		os.Exit(1)
	}
	body, _ := json.Marshal(map[string]string{"transfer_id": *id})
	if err := post(*restAddr+"/api/v1/transfer/"+action, body, nil); err != nil {
		fatal(err)
	}
	fmt.Fprintf(stdout, "%s: %s\n", action, colorize("ok", "32"))
}

func statusCmd(args []string) {
	fs := flag.NewFlagSet("status", flag.ExitOnError)
	restAddr := restFlag(fs)
	id := fs.String("id", "", "transfer id")
	asJSON := fs.Bool("json", false, "print the raw JSON response")
	fs.Parse(args)
	if *id == "" {
		fmt.Fprintln(os.Stderr, "meshctl status: -id is required")
		os.Exit(1)
	}
	var resp statusResponse
	if err := get(*restAddr+"/api/v1/transfer/status?transfer_id="+*id, &resp); err != nil {
		fatal(err)
	}
	if *asJSON {
		printJSON(resp)
		return
	}
	printStatus(resp)
}

// statusResponse mirrors internal/rpc.StatusResponse; meshctl can't import
// the daemon's internal package, so it keeps its own copy of the wire shape.
type statusResponse struct {
	TransferID      string  `json:"transfer_id"`
	State           string  `json:"state"`
	ChunksReceived  uint32  `json:"chunks_received"`
	ChunksTotal     uint32  `json:"chunks_total"`
	ProgressPercent float64 `json:"progress_percent"`
	PausedAt        uint32  `json:"paused_at,omitempty"`
	SinkURL         string  `json:"sink_url,omitempty"`
	Reason          string  `json:"reason,omitempty"`
	Retryable       bool    `json:"retryable,omitempty"`
	OversizeWarning bool    `json:"oversize_warning,omitempty"`
}

func printStatus(s statusResponse) {
	stateColor := "33"
	switch s.State {
	case "Completed":
		stateColor = "32"
	case "Failed", "Cancelled":
		stateColor = "31"
	}
	fmt.Fprintf(stdout, "%s  %s\n", s.TransferID, colorize(s.State, stateColor))
	fmt.Fprintf(stdout, "  chunks:   %d / %d  (%.1f%%)\n", s.ChunksReceived, s.ChunksTotal, s.ProgressPercent)
	if s.SinkURL != "" {
		fmt.Fprintf(stdout, "  sink:     %s\n", s.SinkURL)
	}
	if s.Reason != "" {
		fmt.Fprintf(stdout, "  reason:   %s (retryable=%v)\n", s.Reason, s.Retryable)
	}
	if s.OversizeWarning {
		fmt.Fprintf(stdout, "  %s file exceeds the recommended size ceiling\n", colorize("warning:", "33"))
	}
}

func peersCmd(args []string) {
	fs := flag.NewFlagSet("peers", flag.ExitOnError)
	restAddr := restFlag(fs)
	asJSON := fs.Bool("json", false, "print the raw JSON response")
	fs.Parse(args)
	var resp peersResponse
	if err := get(*restAddr+"/api/v1/peers", &resp); err != nil {
		fatal(err)
	}
	if *asJSON {
		printJSON(resp)
		return
	}
	if len(resp.Peers) == 0 {
		fmt.Fprintln(stdout, "no peers")
		return
	}
	for _, p := range resp.Peers {
		sessionMark := colorize("down", "31")
		if p.SessionUp {
			sessionMark = colorize("up", "32")
		}
		fmt.Fprintf(stdout, "%-14s session=%-4s transports=%-16s quality=%.2f  last seen %s\n",
			p.PeerID, sessionMark, strings.Join(p.Transports, ","), p.LinkQuality, humanize.Time(time.UnixMilli(p.LastSeenMs)))
	}
}

type peerJSON struct {
	PeerID      string   `json:"peer_id"`
	Fingerprint string   `json:"fingerprint,omitempty"`
	Transports  []string `json:"transports"`
	LinkQuality float64  `json:"link_quality"`
	SessionUp   bool     `json:"session_up"`
	LastSeenMs  int64    `json:"last_seen_ms"`
}

type peersResponse struct {
	Peers []peerJSON `json:"peers"`
}

func watchCmd(args []string) {
	fs := flag.NewFlagSet("watch", flag.ExitOnError)
	restAddr := restFlag(fs)
	fs.Parse(args)

	client := &http.Client{Timeout: 0}
	resp, err := client.Get(*restAddr + "/api/v1/events")
	if err != nil {
		fatal(err)
	}
	defer resp.Body.Close()

	scanner := bufio.NewScanner(resp.Body)
	for scanner.Scan() {
		line := scanner.Text()
		if len(line) > 6 && line[:6] == "data: " {
			fmt.Fprintln(stdout, line[6:])
		}
	}
}

// shellCmd is a tiny interactive REPL over the same subcommands: each line
// is split shell-style (so a quoted file path with spaces still tokenizes
// correctly) and dispatched exactly like os.Args would be.
func shellCmd(args []string) {
	fs := flag.NewFlagSet("shell", flag.ExitOnError)
	restAddr := restFlag(fs)
	fs.Parse(args)

	fmt.Fprintln(stdout, "meshctl interactive shell — type a subcommand, or 'exit'")
	scanner := bufio.NewScanner(os.Stdin)
	for {
		fmt.Fprint(stdout, "meshctl> ")
		if !scanner.Scan() {
			return
		}
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		if line == "exit" || line == "quit" {
			return
		}
		tokens, err := shellquote.Split(line)
		if err != nil {
			fmt.Fprintf(os.Stderr, "meshctl: %v\n", err)
			continue
		}
		if len(tokens) == 0 {
			continue
		}
		runShellLine(tokens, *restAddr)
	}
}

// runShellLine re-dispatches one tokenized interactive command, injecting
// the shell's own -rest-addr as a default so the user doesn't have to repeat
// it on every line.
func runShellLine(tokens []string, restAddr string) {
	tail := append([]string{"-rest-addr", restAddr}, tokens[1:]...)
	switch tokens[0] {
	case "send":
		sendCmd(tail)
	case "pause":
		actionCmd("pause", tail)
	case "resume":
		actionCmd("resume", tail)
	case "cancel":
		actionCmd("cancel", tail)
	case "retry":
		actionCmd("retry", tail)
	case "status":
		statusCmd(tail)
	case "peers":
		peersCmd(tail)
	default:
		fmt.Fprintf(os.Stderr, "meshctl: unknown command %q\n", tokens[0])
	}
}

func colorize(s, code string) string {
	if !colorEnabled {
		return s
	}
	return fmt.Sprintf("\x1b[%sm%s\x1b[0m", code, s)
}

func get(url string, out interface{}) error {
	client := &http.Client{Timeout: 10 * time.Second}
	resp, err := client.Get(url)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	return decodeOrError(resp, out)
}

func post(url string, body []byte, out interface{}) error {
	client := &http.Client{Timeout: 10 * time.Second}
	resp, err := client.Post(url, "application/json", bytes.NewReader(body))
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	return decodeOrError(resp, out)
}

func decodeOrError(resp *http.Response, out interface{}) error {
	if resp.StatusCode >= 400 {
		data, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("server returned %s: %s", resp.Status, string(data))
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

func printJSON(v interface{}) {
	b, _ := json.MarshalIndent(v, "", "  ")
	fmt.Fprintln(stdout, string(b))
}

func fatal(err error) {
	fmt.Fprintf(os.Stderr, "meshctl: %v\n", err)
	os.Exit(1)
}
