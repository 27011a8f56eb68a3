// Command meshkeygen manages the long-term Ed25519 identity a meshd
// instance authenticates with (spec §4.2). Grounded on cmd/keygen's
// subcommand-over-flag.FlagSet shape: no CLI framework, just os.Args[1]
// dispatch, the way the rest of this module's command-line tools work.
package main

import (
	"encoding/base64"
	"flag"
	"fmt"
	"os"
	"path/filepath"

	"golang.org/x/term"

	"github.com/meshwire/meshcore/internal/identity"
	"github.com/meshwire/meshcore/internal/keystore"
)

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	switch os.Args[1] {
	case "generate":
		generateCmd(os.Args[2:])
	case "show":
		showCmd(os.Args[2:])
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n", os.Args[1])
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Println("meshkeygen - meshcore identity management")
	fmt.Println()
	fmt.Println("Usage:")
	fmt.Println("  meshkeygen generate [flags]   create a new long-term identity")
	fmt.Println("  meshkeygen show [flags]       print the fingerprint of an existing identity")
}

func defaultKeysDir() string {
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".local", "share", "meshcore", "identity")
}

func generateCmd(args []string) {
	fs := flag.NewFlagSet("generate", flag.ExitOnError)
	dir := fs.String("keys-dir", defaultKeysDir(), "identity keystore directory")
	passphrase := fs.String("passphrase", "", "encrypt the stored key under this passphrase (empty = unencrypted)")
	promptPass := fs.Bool("prompt-passphrase", false, "read the passphrase from the terminal instead of -passphrase")
	fs.Parse(args)

	pass := *passphrase
	if *promptPass {
		p, err := readPassphrase("passphrase: ")
		if err != nil {
			fatal("reading passphrase", err)
		}
		pass = p
	}

	ks, err := keystore.New(*dir, pass)
	if err != nil {
		fatal("creating keystore", err)
	}
	lt, err := identity.LoadOrCreateIdentity(ks)
	if err != nil {
		fatal("generating identity", err)
	}

	fmt.Printf("identity ready under %s\n", *dir)
	fmt.Printf("fingerprint: %s\n", lt.Fingerprint)
	fmt.Printf("public key:  %s\n", base64.StdEncoding.EncodeToString(lt.Public))
}

func showCmd(args []string) {
	fs := flag.NewFlagSet("show", flag.ExitOnError)
	dir := fs.String("keys-dir", defaultKeysDir(), "identity keystore directory")
	passphrase := fs.String("passphrase", "", "passphrase the key was stored under")
	promptPass := fs.Bool("prompt-passphrase", false, "read the passphrase from the terminal instead of -passphrase")
	fs.Parse(args)

	pass := *passphrase
	if *promptPass {
		p, err := readPassphrase("passphrase: ")
		if err != nil {
			fatal("reading passphrase", err)
		}
		pass = p
	}

	ks, err := keystore.New(*dir, pass)
	if err != nil {
		fatal("opening keystore", err)
	}
	lt, err := identity.LoadOrCreateIdentity(ks)
	if err != nil {
		fatal("loading identity", err)
	}
	fmt.Printf("fingerprint: %s\n", lt.Fingerprint)
	fmt.Printf("public key:  %s\n", base64.StdEncoding.EncodeToString(lt.Public))
}

// readPassphrase prompts on stderr and reads one line from the controlling
// terminal without echoing it, so the passphrase never lands in shell
// history or a process listing the way -passphrase would.
func readPassphrase(prompt string) (string, error) {
	fmt.Fprint(os.Stderr, prompt)
	b, err := term.ReadPassword(int(os.Stdin.Fd()))
	fmt.Fprintln(os.Stderr)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

func fatal(action string, err error) {
	fmt.Fprintf(os.Stderr, "meshkeygen: %s: %v\n", action, err)
	os.Exit(1)
}
