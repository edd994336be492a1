// cmd/peerchat/main.go
package main

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"mime"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/pflag"

	"peerchat/internal/backup"
	"peerchat/internal/config"
	"peerchat/internal/conn"
	"peerchat/internal/directory"
	"peerchat/internal/metrics"
	"peerchat/internal/pprofutil"
	"peerchat/internal/session"
	"peerchat/internal/store"
	"peerchat/internal/transport"
)

func die(msg string, err error) {
	fmt.Fprintf(os.Stderr, "%s: %v\n", msg, err)
	os.Exit(1)
}

func dieMsg(msg string) {
	fmt.Fprintln(os.Stderr, msg)
	os.Exit(1)
}

func usage() {
	fmt.Fprintln(os.Stderr, `usage: peerchat <command> [flags]

commands:
  run       start the messenger daemon
  send      connect to a user and send one message
  contacts  list known contacts
  history   show a conversation
  export    write a backup of the local store
  import    restore the local store from a backup
  clear     wipe the local store
  status    show directory presence and store counts

global flags:
  --config  path to the YAML config file (default ~/.peerchat/peerchat.yaml)`)
	os.Exit(2)
}

func loadConfig(fs *pflag.FlagSet) config.Config {
	path, _ := fs.GetString("config")
	if path == "" {
		if home, err := os.UserHomeDir(); err == nil {
			path = filepath.Join(home, ".peerchat", "peerchat.yaml")
		}
	}
	cfg, err := config.Load(path)
	if err != nil {
		die("config", err)
	}
	return cfg
}

func newFlagSet(name string) *pflag.FlagSet {
	fs := pflag.NewFlagSet(name, pflag.ExitOnError)
	fs.String("config", "", "path to config file")
	return fs
}

func openStore(cfg config.Config) *store.Store {
	if err := os.MkdirAll(cfg.DataDir, 0o700); err != nil {
		die("data dir", err)
	}
	st, err := store.New(cfg.StorePath())
	if err != nil {
		die("open store", err)
	}
	return st
}

func dirClient(cfg config.Config) *directory.Client {
	return directory.New(cfg.DirectoryURL, cfg.AuthToken)
}

func startSession(ctx context.Context, cfg config.Config, st *store.Store, m *metrics.Metrics) *session.Controller {
	c, err := session.Start(ctx, session.Options{
		Username:    cfg.Username,
		ListenAddr:  cfg.ListenAddr,
		Store:       st,
		Directory:   dirClient(cfg),
		Transport:   transport.NewQUIC(),
		Metrics:     m,
		DialTimeout: cfg.DialTimeout(),
	})
	if err != nil {
		die("start session", err)
	}
	return c
}

func main() {
	if len(os.Args) < 2 {
		usage()
	}
	switch os.Args[1] {
	case "run":
		cmdRun(os.Args[2:])
	case "send":
		cmdSend(os.Args[2:])
	case "contacts":
		cmdContacts(os.Args[2:])
	case "history":
		cmdHistory(os.Args[2:])
	case "export":
		cmdExport(os.Args[2:])
	case "import":
		cmdImport(os.Args[2:])
	case "clear":
		cmdClear(os.Args[2:])
	case "status":
		cmdStatus(os.Args[2:])
	default:
		usage()
	}
}

func cmdRun(args []string) {
	fs := newFlagSet("run")
	metricsEvery := fs.Duration("metrics-interval", time.Minute, "how often to write the metrics snapshot")
	fs.Parse(args)
	cfg := loadConfig(fs)

	st := openStore(cfg)
	defer st.Close()
	m := metrics.New()

	if err := pprofutil.StartFromEnv(os.Stderr); err != nil {
		fmt.Fprintf(os.Stderr, "pprof: %v\n", err)
	}

	ctx := context.Background()
	c := startSession(ctx, cfg, st, m)
	fmt.Printf("peerchat: %s listening at %s\n", c.Username(), c.Address())

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)

	metricsPath := filepath.Join(cfg.DataDir, "metrics.json")
	ticker := time.NewTicker(*metricsEvery)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if err := m.WriteSnapshot(metricsPath); err != nil {
				fmt.Fprintf(os.Stderr, "metrics snapshot: %v\n", err)
			}
		case sig := <-stop:
			fmt.Printf("peerchat: %v, shutting down\n", sig)
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			c.Shutdown(shutdownCtx)
			cancel()
			return
		}
	}
}

func cmdSend(args []string) {
	fs := newFlagSet("send")
	to := fs.String("to", "", "recipient username")
	message := fs.String("message", "", "message text")
	file := fs.String("file", "", "attach this file")
	wait := fs.Duration("wait", 10*time.Second, "how long to wait for the handshake")
	fs.Parse(args)
	cfg := loadConfig(fs)
	if *to == "" || *message == "" {
		dieMsg("send: --to and --message are required")
	}

	var attachment *store.Attachment
	if *file != "" {
		a, err := loadAttachment(*file)
		if err != nil {
			die("attachment", err)
		}
		attachment = a
	}

	st := openStore(cfg)
	defer st.Close()

	ctx, cancel := context.WithTimeout(context.Background(), *wait)
	defer cancel()
	c := startSession(ctx, cfg, st, nil)
	defer c.Shutdown(context.Background())

	if err := c.ConnectToUsername(ctx, *to); err != nil {
		if errors.Is(err, directory.ErrPeerOffline) {
			// A known contact still gets the message recorded; it
			// flushes when the peer is next reachable.
			_, serr := c.SendToContact(*to, *message, attachment)
			switch {
			case serr == nil || errors.Is(serr, conn.ErrNotConnected):
				fmt.Printf("%s is offline; message stored as pending\n", *to)
			case errors.Is(serr, session.ErrUnknownContact):
				dieMsg(fmt.Sprintf("%s is offline and not a known contact; nothing queued", *to))
			default:
				die("send", serr)
			}
			return
		}
		die("connect", err)
	}
	waitForOpen(c, *wait)

	msg, err := c.SendToContact(*to, *message, attachment)
	switch {
	case err == nil:
		fmt.Printf("sent message %d to %s\n", msg.ID, *to)
	case errors.Is(err, conn.ErrNotConnected):
		fmt.Printf("%s went offline; message %d stored as pending\n", *to, msg.ID)
	default:
		die("send", err)
	}
}

func waitForOpen(c *session.Controller, limit time.Duration) {
	deadline := time.Now().Add(limit)
	for time.Now().Before(deadline) {
		for _, st := range c.ConnectionStates() {
			if st == conn.StateOpen {
				return
			}
		}
		time.Sleep(50 * time.Millisecond)
	}
}

func loadAttachment(path string) (*store.Attachment, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	mimeType := mime.TypeByExtension(filepath.Ext(path))
	if mimeType == "" {
		mimeType = "application/octet-stream"
	}
	return &store.Attachment{
		Name:      filepath.Base(path),
		MimeType:  mimeType,
		SizeBytes: int64(len(data)),
		Payload:   "data:" + mimeType + ";base64," + base64.StdEncoding.EncodeToString(data),
	}, nil
}

func cmdContacts(args []string) {
	fs := newFlagSet("contacts")
	fs.Parse(args)
	cfg := loadConfig(fs)
	st := openStore(cfg)
	defer st.Close()

	contacts, err := st.ListContacts()
	if err != nil {
		die("list contacts", err)
	}
	if len(contacts) == 0 {
		fmt.Println("no contacts")
		return
	}
	for _, c := range contacts {
		fmt.Printf("%-20s %-30s last seen %s\n", c.Username, c.Address, c.LastSeen)
	}
}

func cmdHistory(args []string) {
	fs := newFlagSet("history")
	with := fs.String("with", "", "conversation partner username")
	fs.Parse(args)
	cfg := loadConfig(fs)
	if *with == "" {
		dieMsg("history: --with is required")
	}
	st := openStore(cfg)
	defer st.Close()

	msgs, err := st.ListMessages(*with)
	if err != nil {
		die("list messages", err)
	}
	for _, m := range msgs {
		marker := ""
		if m.Status == store.StatusPending {
			marker = " [pending]"
		}
		line := fmt.Sprintf("%s %s: %s%s", m.Timestamp, m.From, m.Content, marker)
		if m.Attachment != nil {
			line += fmt.Sprintf(" (attachment %s, %d bytes)", m.Attachment.Name, m.Attachment.SizeBytes)
		}
		fmt.Println(line)
	}
}

func cmdExport(args []string) {
	fs := newFlagSet("export")
	out := fs.String("out", "", "backup file to write")
	fs.Parse(args)
	cfg := loadConfig(fs)
	if *out == "" {
		dieMsg("export: --out is required")
	}
	st := openStore(cfg)
	defer st.Close()

	snap, err := st.ExportAll()
	if err != nil {
		die("export", err)
	}
	if err := backup.Write(*out, snap, cfg.BackupPassphrase()); err != nil {
		die("write backup", err)
	}
	fmt.Printf("exported %d messages, %d contacts to %s\n", len(snap.Messages), len(snap.Contacts), *out)
}

func cmdImport(args []string) {
	fs := newFlagSet("import")
	in := fs.String("in", "", "backup file to read")
	fs.Parse(args)
	cfg := loadConfig(fs)
	if *in == "" {
		dieMsg("import: --in is required")
	}

	snap, err := backup.Read(*in, cfg.BackupPassphrase())
	if err != nil {
		die("read backup", err)
	}
	st := openStore(cfg)
	defer st.Close()
	if err := st.ImportAll(snap); err != nil {
		die("import", err)
	}
	fmt.Printf("imported %d messages, %d contacts\n", len(snap.Messages), len(snap.Contacts))
}

func cmdClear(args []string) {
	fs := newFlagSet("clear")
	yes := fs.Bool("yes", false, "confirm wiping the local store")
	fs.Parse(args)
	cfg := loadConfig(fs)
	if !*yes {
		dieMsg("clear: refusing to wipe without --yes")
	}
	st := openStore(cfg)
	defer st.Close()
	if err := st.ClearAll(); err != nil {
		die("clear", err)
	}
	fmt.Println("local store cleared")
}

func cmdStatus(args []string) {
	fs := newFlagSet("status")
	fs.Parse(args)
	cfg := loadConfig(fs)

	st := openStore(cfg)
	defer st.Close()
	contacts, err := st.ListContacts()
	if err != nil {
		die("list contacts", err)
	}
	fmt.Printf("identity: %s\n", cfg.Username)
	fmt.Printf("contacts: %d\n", len(contacts))

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	online, err := dirClient(cfg).Online(ctx)
	if err != nil {
		fmt.Fprintf(os.Stderr, "directory unreachable: %v\n", err)
		return
	}
	fmt.Printf("online peers: %d\n", len(online))
	for _, e := range online {
		fmt.Printf("  %-20s %s\n", e.Username, e.Address)
	}
}
