// Package session is the top-level orchestrator: it acquires the local
// identity and listener, registers with the directory service, and
// wires connection-manager events to store writes and the active
// conversation view.
package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"peerchat/internal/conn"
	"peerchat/internal/debuglog"
	"peerchat/internal/directory"
	"peerchat/internal/metrics"
	"peerchat/internal/proto"
	"peerchat/internal/roster"
	"peerchat/internal/store"
	"peerchat/internal/transport"
)

// ErrUnknownContact means SendToContact was called for a username we
// have never spoken to and never connected to.
var ErrUnknownContact = errors.New("unknown contact")

// Directory is the external username-to-address service, consumed as an
// interface so tests can fake it.
type Directory interface {
	Register(ctx context.Context, address string) error
	Lookup(ctx context.Context, username string) (directory.Entry, error)
	ReportOffline(ctx context.Context) error
}

type Options struct {
	Username    string
	ListenAddr  string
	Store       *store.Store
	Directory   Directory
	Transport   transport.Transport
	Metrics     *metrics.Metrics
	DialTimeout time.Duration
}

type Controller struct {
	username string
	address  string
	st       *store.Store
	dir      Directory
	mgr      *conn.Manager
	rost     *roster.Roster
	metrics  *metrics.Metrics
	listener transport.Listener

	mu    sync.Mutex
	convs map[string][]store.Message
	// links maps an introduced username to the address of the live
	// connection carrying it. For inbound connections this differs from
	// the contact's announced listen address, and only the link address
	// is a valid Send key.
	links map[string]string
}

// Start brings the session up: listen, register the assigned address
// with the directory, hydrate the roster, start dispatching events.
func Start(ctx context.Context, opts Options) (*Controller, error) {
	if opts.Username == "" {
		return nil, fmt.Errorf("missing username")
	}
	if opts.Store == nil || opts.Directory == nil || opts.Transport == nil {
		return nil, fmt.Errorf("missing collaborators")
	}
	m := opts.Metrics
	if m == nil {
		m = metrics.New()
	}

	l, err := opts.Transport.Listen(opts.ListenAddr)
	if err != nil {
		return nil, fmt.Errorf("listen: %w", err)
	}
	address := l.Addr()

	c := &Controller{
		username: opts.Username,
		address:  address,
		st:       opts.Store,
		dir:      opts.Directory,
		rost:     roster.New(),
		metrics:  m,
		listener: l,
		convs:    make(map[string][]store.Message),
		links:    make(map[string]string),
	}
	c.mgr = conn.NewManager(
		conn.Identity{Username: opts.Username, Address: address},
		opts.Transport,
		conn.Options{DialTimeout: opts.DialTimeout, Metrics: m},
	)
	c.mgr.SetHandlers(conn.Handlers{
		OnIntroduction: c.onIntroduction,
		OnFrame:        c.onFrame,
		OnClosed:       c.onClosed,
	})
	c.mgr.Start(l)

	if err := opts.Directory.Register(ctx, address); err != nil {
		c.mgr.CloseAll()
		_ = l.Close()
		return nil, fmt.Errorf("register address: %w", err)
	}

	contacts, err := opts.Store.ListContacts()
	if err != nil {
		// Degrade to an empty roster rather than refusing to start.
		debuglog.Logf("session: loading contacts failed: %v", err)
		contacts = nil
	}
	c.rost.Hydrate(contacts)
	debuglog.Debugf("session: %s listening at %s", opts.Username, address)
	return c, nil
}

func (c *Controller) Username() string { return c.username }
func (c *Controller) Address() string  { return c.address }

// Contacts returns the in-memory roster.
func (c *Controller) Contacts() []store.Contact { return c.rost.List() }

// ConnectionStates reports the live connection set.
func (c *Controller) ConnectionStates() map[string]conn.State { return c.mgr.States() }

// SendToContact persists the message first, so the send is visible
// locally even when the network step fails, then hands it to the open
// connection. With no open connection the message stays pending and
// ErrNotConnected tells the caller the peer is offline; there is no
// automatic retry loop.
func (c *Controller) SendToContact(username, content string, attachment *store.Attachment) (store.Message, error) {
	contact, ok := c.rost.Get(username)
	if !ok {
		return store.Message{}, fmt.Errorf("%w: %s", ErrUnknownContact, username)
	}

	frame := proto.ChatFrame{
		From:      c.username,
		Content:   content,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	}
	if attachment != nil {
		frame.Attachment = &proto.Attachment{
			Name:      attachment.Name,
			MimeType:  attachment.MimeType,
			SizeBytes: attachment.SizeBytes,
			Payload:   attachment.Payload,
		}
	}
	// Sender-side policy check before anything is persisted.
	if err := frame.Validate(); err != nil {
		return store.Message{}, err
	}

	msg := store.Message{
		ConversationKey: username,
		From:            c.username,
		To:              username,
		Content:         content,
		Timestamp:       frame.Timestamp,
		Status:          store.StatusPending,
		Attachment:      attachment,
	}
	if err := c.st.AppendMessage(&msg); err != nil {
		// A failed append must not be silently swallowed: the caller
		// needs to know the message is not durable.
		c.metrics.IncWriteFailures()
		return store.Message{}, err
	}
	c.metrics.IncMessagesStored()
	defer c.refreshConversation(username)

	sendErr := c.mgr.Send(c.sendAddr(username, contact.Address), frame)
	if sendErr == nil {
		if err := c.st.MarkDelivered(msg.ID); err != nil {
			debuglog.Logf("session: mark delivered failed: %v", err)
		} else {
			msg.Status = store.StatusSent
		}
		return msg, nil
	}
	if errors.Is(sendErr, conn.ErrNotConnected) {
		debuglog.Debugf("session: %s offline, message %d pending", username, msg.ID)
		return msg, sendErr
	}
	return msg, sendErr
}

// ConnectToUsername resolves the username through the directory and
// opens a connection to the reported address. ErrPeerOffline surfaces
// when the directory has no live address.
func (c *Controller) ConnectToUsername(ctx context.Context, username string) error {
	entry, err := c.dir.Lookup(ctx, username)
	if err != nil {
		return err
	}
	// Explicit connect action: record the contact now; the introduction
	// will refresh lastSeen when the handshake lands.
	contact := store.Contact{
		Username: username,
		Address:  entry.Address,
		LastSeen: time.Now().UTC().Format(time.RFC3339),
	}
	if err := c.st.UpsertContact(contact); err != nil {
		debuglog.Logf("session: upsert contact failed: %v", err)
	}
	c.rost.Upsert(contact)
	c.mgr.Connect(entry.Address)
	return nil
}

// Conversation returns the cached history for key, loading it on first
// use. The cache is reloaded from the store on every append, never
// patched incrementally.
func (c *Controller) Conversation(key string) []store.Message {
	c.mu.Lock()
	msgs, ok := c.convs[key]
	c.mu.Unlock()
	if ok {
		return msgs
	}
	return c.refreshConversation(key)
}

func (c *Controller) refreshConversation(key string) []store.Message {
	msgs, err := c.st.ListMessages(key)
	if err != nil {
		// Reads degrade to "no history" rather than failing the session.
		debuglog.Logf("session: loading conversation %s failed: %v", key, err)
		msgs = nil
	}
	c.mu.Lock()
	c.convs[key] = msgs
	c.mu.Unlock()
	return msgs
}

// sendAddr resolves the address to send on: the live introduced
// connection when one exists, the last-known dialable address otherwise.
func (c *Controller) sendAddr(username, fallback string) string {
	c.mu.Lock()
	defer c.mu.Unlock()
	if addr, ok := c.links[username]; ok {
		return addr
	}
	return fallback
}

func (c *Controller) onIntroduction(addr, username, announcedAddr string) {
	c.mu.Lock()
	c.links[username] = addr
	c.mu.Unlock()

	dialable := announcedAddr
	if dialable == "" {
		dialable = addr
	}
	contact := store.Contact{
		Username: username,
		Address:  dialable,
		LastSeen: time.Now().UTC().Format(time.RFC3339),
	}
	if err := c.st.UpsertContact(contact); err != nil {
		c.metrics.IncWriteFailures()
		debuglog.Logf("session: upsert contact %s failed: %v", username, err)
	}
	c.rost.Upsert(contact)
	debuglog.Debugf("session: introduced to %s at %s", username, addr)
	c.flushPending(addr, username)
}

// flushPending sends messages stored while the peer was offline, now
// that an introduced connection exists.
func (c *Controller) flushPending(addr, username string) {
	pending, err := c.st.ListPending(username)
	if err != nil {
		debuglog.Logf("session: listing pending for %s failed: %v", username, err)
		return
	}
	for _, m := range pending {
		frame := proto.ChatFrame{
			From:      m.From,
			Content:   m.Content,
			Timestamp: m.Timestamp,
		}
		if m.Attachment != nil {
			frame.Attachment = &proto.Attachment{
				Name:      m.Attachment.Name,
				MimeType:  m.Attachment.MimeType,
				SizeBytes: m.Attachment.SizeBytes,
				Payload:   m.Attachment.Payload,
			}
		}
		if err := c.mgr.Send(addr, frame); err != nil {
			debuglog.Debugf("session: pending flush to %s stopped: %v", username, err)
			return
		}
		if err := c.st.MarkDelivered(m.ID); err != nil {
			debuglog.Logf("session: mark delivered failed: %v", err)
			continue
		}
		c.metrics.IncPendingFlushed()
	}
	if len(pending) > 0 {
		c.refreshConversation(username)
	}
}

func (c *Controller) onFrame(addr, username string, f proto.ChatFrame) {
	key := username
	if key == "" {
		// Frame arrived before the introduction; attribute by the
		// last-known address if we can, otherwise drop.
		if contact, ok := c.rost.ByAddress(addr); ok {
			key = contact.Username
		} else {
			c.metrics.IncDroppedInvalid()
			debuglog.Debugf("session: frame from unintroduced %s dropped", addr)
			return
		}
	}
	msg := store.Message{
		ConversationKey: key,
		From:            f.From,
		To:              c.username,
		Content:         f.Content,
		Timestamp:       f.Timestamp,
		Status:          store.StatusReceived,
	}
	if f.Attachment != nil {
		msg.Attachment = &store.Attachment{
			Name:      f.Attachment.Name,
			MimeType:  f.Attachment.MimeType,
			SizeBytes: f.Attachment.SizeBytes,
			Payload:   f.Attachment.Payload,
		}
	}
	if err := c.st.AppendMessage(&msg); err != nil {
		c.metrics.IncWriteFailures()
		debuglog.Logf("session: persisting inbound message from %s failed: %v", key, err)
		return
	}
	c.metrics.IncMessagesStored()
	c.refreshConversation(key)
}

func (c *Controller) onClosed(addr string, err error) {
	c.mu.Lock()
	for username, linked := range c.links {
		if linked == addr {
			delete(c.links, username)
		}
	}
	c.mu.Unlock()
	if err != nil {
		debuglog.Debugf("session: connection to %s closed: %v", addr, err)
	}
}

// Shutdown closes every live connection, then reports offline to the
// directory.
func (c *Controller) Shutdown(ctx context.Context) {
	c.mgr.CloseAll()
	if err := c.dir.ReportOffline(ctx); err != nil {
		debuglog.Logf("session: report offline failed: %v", err)
	}
}
