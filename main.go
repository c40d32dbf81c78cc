// GroupShare - group-scoped secure file sharing server and client
// Run: go run . --serve OR go run . --connect <ip:port> --ls --token <file>

package main

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/awnumar/memguard"

	"groupshare/internal/client"
	"groupshare/internal/config"
	"groupshare/internal/discovery"
	"groupshare/internal/fileserver"
	"groupshare/internal/logger"
	"groupshare/internal/session"
	"groupshare/internal/token"
)

// clientOp is the single file operation requested on the command line.
type clientOp struct {
	list   bool
	put    string
	as     string
	group  string
	get    string
	out    string
	remove string
}

func main() {
	var (
		serve      = flag.Bool("serve", false, "Run the file server")
		configPath = flag.String("config", "groupshare.json", "Server configuration file")
		port       = flag.Int("port", 0, "Port to listen on (overrides the config)")
		discover   = flag.Bool("discover", false, "Browse for file servers on the LAN")
		connect    = flag.String("connect", "", "Connect to a file server (ip:port)")
		tokenFile  = flag.String("token", "token.json", "Token file presented with every request")
		list       = flag.Bool("ls", false, "List files visible to the token")
		put        = flag.String("put", "", "Upload a local file")
		as         = flag.String("as", "", "Remote path for --put (defaults to the file name)")
		group      = flag.String("group", "", "Group that will own the uploaded file")
		get        = flag.String("get", "", "Download a remote file")
		out        = flag.String("out", "", "Local path for --get (defaults to the remote base name)")
		remove     = flag.String("rm", "", "Delete a remote file")
		mint       = flag.Bool("mint-token", false, "Write a signed token to stdout")
		subject    = flag.String("subject", "", "Token subject for --mint-token")
		groups     = flag.String("groups", "", "Comma separated groups for --mint-token")
		issuerKey  = flag.String("issuer-key", "issuer.key", "Issuer private key for --mint-token (created if missing)")
		version    = flag.Bool("version", false, "Show version information")
	)
	flag.Parse()

	if *version {
		fmt.Printf("GroupShare v%s\n", fileserver.Version)
		fmt.Println("Group-scoped secure file sharing")
		os.Exit(0)
	}

	var err error
	switch {
	case *serve:
		err = runServer(*configPath, *port)
	case *discover:
		err = runDiscover(3 * time.Second)
	case *mint:
		err = runMintToken(os.Stdout, *subject, *groups, *issuerKey)
	case *connect != "":
		op := clientOp{list: *list, put: *put, as: *as, group: *group, get: *get, out: *out, remove: *remove}
		err = runClient(*connect, *tokenFile, op)
	default:
		fmt.Println("Usage: groupshare --serve [--config <file>] [--port <n>]")
		fmt.Println("       groupshare --connect <ip:port> --token <file> (--ls | --put <file> --group <g> | --get <path> | --rm <path>)")
		fmt.Println("       groupshare --discover | --mint-token --subject <s> --groups <a,b>")
		fmt.Println("Use --help for more options")
		os.Exit(1)
	}
	if err != nil {
		log.Fatal(err)
	}
}

func runServer(configPath string, port int) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	if port > 0 {
		cfg.ListenAddr = fmt.Sprintf(":%d", port)
	}

	lg, err := logger.NewFile(logger.ParseLevel(cfg.LogLevel), cfg.LogPath)
	if err != nil {
		return err
	}
	defer lg.Close()

	srv, err := fileserver.New(cfg, lg.WithPrefix("server"))
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	defer memguard.Purge()
	return srv.Run(ctx)
}

func runDiscover(wait time.Duration) error {
	fmt.Printf("Browsing for %s servers...\n", config.DefaultServiceName)
	ctx, cancel := context.WithTimeout(context.Background(), wait)
	defer cancel()

	entries, err := discovery.Browse(ctx, config.DefaultServiceName)
	if err != nil {
		return err
	}
	if len(entries) == 0 {
		fmt.Println("No servers found. Use --connect <ip:port> to connect manually.")
		return nil
	}
	fmt.Println("Discovered servers:")
	for _, e := range entries {
		fmt.Printf("  - %s (%s) v%s key %s\n", e.Instance, e.Addr, e.Version, e.Fingerprint)
	}
	return nil
}

// knownServersPath returns where first-seen server keys are recorded.
func knownServersPath() string {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return ".groupshare-known-servers.json"
	}
	return filepath.Join(homeDir, ".groupshare", "known_servers.json")
}

func runClient(addr, tokenFile string, op clientOp) error {
	tok, err := loadToken(tokenFile)
	if err != nil {
		return err
	}
	known, err := client.LoadKnownServers(knownServersPath())
	if err != nil {
		return err
	}

	fmt.Printf("Connecting to %s...\n", addr)
	pinned := known.Pinned(addr)
	c, err := client.Dial(context.Background(), addr, client.Options{PinnedKey: pinned, DialAttempts: 3})
	if err != nil {
		if errors.Is(err, session.ErrUntrustedKey) {
			return fmt.Errorf("%w; remove %s from %s if the server key was rotated", err, addr, knownServersPath())
		}
		return err
	}
	defer memguard.Purge()
	defer c.Disconnect()

	if pinned == nil {
		fmt.Printf("First connection to %s, server key fingerprint: %s\n", addr, session.Fingerprint(c.ServerKey()))
		if err := known.Remember(addr, c.ServerKey()); err != nil {
			return err
		}
	}
	fmt.Println("Secure connection established!")

	return performOp(c, tok, op)
}

func performOp(c *client.Client, tok *token.Token, op clientOp) error {
	switch {
	case op.list:
		paths, err := c.List(tok)
		if err != nil {
			return err
		}
		for _, p := range paths {
			fmt.Println(p)
		}
		return nil

	case op.put != "":
		if op.group == "" {
			return errors.New("--put requires --group")
		}
		remote := op.as
		if remote == "" {
			remote = filepath.Base(op.put)
		}
		f, err := os.Open(op.put)
		if err != nil {
			return fmt.Errorf("failed to open file: %w", err)
		}
		defer f.Close()
		if err := c.Upload(remote, op.group, tok, f); err != nil {
			return err
		}
		fmt.Printf("Uploaded %s as %s (group %s)\n", op.put, remote, op.group)
		return nil

	case op.get != "":
		local := op.out
		if local == "" {
			local = filepath.Base(op.get)
		}
		return downloadTo(c, tok, op.get, local)

	case op.remove != "":
		if err := c.Delete(op.remove, tok); err != nil {
			return err
		}
		fmt.Printf("Deleted %s\n", op.remove)
		return nil
	}
	return errors.New("nothing to do: pass one of --ls, --put, --get or --rm")
}

// downloadTo writes the remote file to local, removing local on failure.
func downloadTo(c *client.Client, tok *token.Token, remote, local string) error {
	f, err := os.Create(local)
	if err != nil {
		return fmt.Errorf("failed to create output file: %w", err)
	}
	if err := c.Download(remote, tok, f); err != nil {
		f.Close()
		os.Remove(local)
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	fmt.Printf("Downloaded %s to %s\n", remote, local)
	return nil
}

func loadToken(path string) (*token.Token, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read token: %w", err)
	}
	var tok token.Token
	if err := json.Unmarshal(data, &tok); err != nil {
		return nil, fmt.Errorf("failed to parse token %s: %w", path, err)
	}
	if tok.Subject == "" {
		return nil, fmt.Errorf("token %s has no subject", path)
	}
	return &tok, nil
}

// splitGroups parses a comma separated group list, dropping blanks.
func splitGroups(s string) []string {
	var groups []string
	for _, g := range strings.Split(s, ",") {
		if g = strings.TrimSpace(g); g != "" {
			groups = append(groups, g)
		}
	}
	return groups
}

// loadOrCreateIssuerKey reads a hex ed25519 private key, creating one if the
// file does not exist.
func loadOrCreateIssuerKey(path string) (ed25519.PrivateKey, bool, error) {
	data, err := os.ReadFile(path)
	if err == nil {
		raw, err := hex.DecodeString(strings.TrimSpace(string(data)))
		if err != nil {
			return nil, false, fmt.Errorf("failed to decode issuer key: %w", err)
		}
		if len(raw) != ed25519.PrivateKeySize {
			return nil, false, fmt.Errorf("issuer key must be %d bytes, got %d", ed25519.PrivateKeySize, len(raw))
		}
		return ed25519.PrivateKey(raw), false, nil
	}
	if !errors.Is(err, os.ErrNotExist) {
		return nil, false, fmt.Errorf("failed to read issuer key: %w", err)
	}

	_, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, false, fmt.Errorf("failed to generate issuer key: %w", err)
	}
	if err := os.WriteFile(path, []byte(hex.EncodeToString(priv)+"\n"), 0600); err != nil {
		return nil, false, fmt.Errorf("failed to save issuer key: %w", err)
	}
	return priv, true, nil
}

func runMintToken(w io.Writer, subject, groups, keyPath string) error {
	if subject == "" {
		return errors.New("--mint-token requires --subject")
	}
	priv, created, err := loadOrCreateIssuerKey(keyPath)
	if err != nil {
		return err
	}
	if created {
		pub := priv.Public().(ed25519.PublicKey)
		fmt.Fprintf(os.Stderr, "Created issuer key %s; set \"issuer_key\": %q in the server config\n", keyPath, hex.EncodeToString(pub))
	}

	tok := token.New(subject, splitGroups(groups)...)
	tok.Sign(priv)
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(tok)
}
