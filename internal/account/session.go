package account

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"strconv"
	"strings"
	"unicode"

	"github.com/emersion/go-imap/v2"
	"github.com/emersion/go-imap/v2/imapclient"
	"github.com/emersion/go-message/mail"

	"github.com/nhle/mailsync/internal/logging"
	"github.com/nhle/mailsync/internal/model"
)

// snippetLen bounds the plain-text excerpt stored per message.
const snippetLen = 200

// Session is one connected IMAP session plus the account's SMTP
// endpoint, exclusively owned by a single executing unit.
type Session struct {
	client   *imapclient.Client
	cfg      model.AccountConfig
	password string
	log      *logging.Logger
	selected string
}

// connectStage is one attempt in the connection fallback sequence.
type connectStage struct {
	name string
	dial func(addr string) (*imapclient.Client, error)
}

// connect establishes and authenticates the IMAP connection. The dial
// sequence is an explicit stage list: the configured mode first, the
// other as fallback, then failure.
func connect(_ context.Context, cfg model.AccountConfig, password string, log *logging.Logger) (*Session, error) {
	addr := cfg.Host + ":" + strconv.Itoa(cfg.Port)

	stages := []connectStage{
		{name: "tls", dial: func(addr string) (*imapclient.Client, error) {
			return imapclient.DialTLS(addr, nil)
		}},
		{name: "starttls", dial: func(addr string) (*imapclient.Client, error) {
			return imapclient.DialStartTLS(addr, nil)
		}},
	}
	if !cfg.TLS {
		stages[0], stages[1] = stages[1], stages[0]
	}

	var client *imapclient.Client
	var dialErr error
	for _, stage := range stages {
		client, dialErr = stage.dial(addr)
		if dialErr == nil {
			log.Debugf("account %s connected via %s", cfg.ID, stage.name)
			break
		}
		log.Debugf("account %s dial %s failed: %v", cfg.ID, stage.name, dialErr)
	}
	if dialErr != nil {
		return nil, fmt.Errorf("connecting to IMAP %s: %w", addr, dialErr)
	}

	if err := client.Login(cfg.Username, password).Wait(); err != nil {
		_ = client.Logout().Wait()
		return nil, &AuthError{
			AccountID: cfg.ID,
			Message:   fmt.Sprintf("login failed for %s: %v", cfg.Username, err),
		}
	}

	return &Session{
		client:   client,
		cfg:      cfg,
		password: password,
		log:      log,
	}, nil
}

// ID returns the account identifier the session belongs to.
func (s *Session) ID() string { return s.cfg.ID }

// Close logs out and drops the connection.
func (s *Session) Close() error {
	if err := s.client.Logout().Wait(); err != nil {
		s.client.Close()
		return fmt.Errorf("logging out account %s: %w", s.cfg.ID, err)
	}
	return nil
}

// SelectFolder opens the folder and reports its server state.
func (s *Session) SelectFolder(ctx context.Context, folder string) (model.FolderStatus, error) {
	data, err := s.selectFolder(folder)
	if err != nil {
		return model.FolderStatus{}, err
	}
	return model.FolderStatus{
		UIDValidity: data.UIDValidity,
		UIDNext:     uint32(data.UIDNext),
		NumMessages: data.NumMessages,
	}, nil
}

func (s *Session) selectFolder(folder string) (*imap.SelectData, error) {
	data, err := s.client.Select(folder, nil).Wait()
	if err != nil {
		s.selected = ""
		return nil, fmt.Errorf("selecting %s: %w", folder, err)
	}
	s.selected = folder
	return data, nil
}

func (s *Session) ensureSelected(folder string) error {
	if s.selected == folder {
		return nil
	}
	_, err := s.selectFolder(folder)
	return err
}

// FetchSince returns summaries for messages with UID greater than
// sinceUID, including a peeked body section for snippet and
// attachment extraction.
func (s *Session) FetchSince(ctx context.Context, folder string, sinceUID uint32) ([]model.MessageInfo, error) {
	if err := s.ensureSelected(folder); err != nil {
		return nil, err
	}

	uidSet := imap.UIDSet{imap.UIDRange{Start: imap.UID(sinceUID + 1), Stop: 0}}
	bodySection := &imap.FetchItemBodySection{Peek: true}
	fetchOpts := &imap.FetchOptions{
		Envelope:    true,
		Flags:       true,
		UID:         true,
		BodySection: []*imap.FetchItemBodySection{bodySection},
	}

	fetchCmd := s.client.Fetch(uidSet, fetchOpts)

	var msgs []model.MessageInfo
	for {
		msg := fetchCmd.Next()
		if msg == nil {
			break
		}
		buf, err := msg.Collect()
		if err != nil {
			continue
		}
		// UID FETCH n:* always matches the newest message even when
		// its UID is below n; skip anything already synced.
		if uint32(buf.UID) <= sinceUID {
			continue
		}
		info := s.messageFromBuffer(folder, buf)
		if raw := buf.FindBodySection(bodySection); raw != nil {
			info.Snippet, info.HasAttachment = summarizeBody(raw)
		}
		msgs = append(msgs, info)
	}

	if err := fetchCmd.Close(); err != nil {
		return msgs, fmt.Errorf("fetching %s since UID %d: %w", folder, sinceUID, err)
	}
	return msgs, nil
}

// StoreFlags adds and removes flags on the given messages. Each
// non-empty direction is one silent STORE round trip.
func (s *Session) StoreFlags(ctx context.Context, folder string, uids []uint32, add, remove []string) error {
	if len(uids) == 0 {
		return nil
	}
	if err := s.ensureSelected(folder); err != nil {
		return err
	}

	uidSet := imap.UIDSetNum(toUIDs(uids)...)
	if len(add) > 0 {
		err := s.client.Store(uidSet, &imap.StoreFlags{
			Op:     imap.StoreFlagsAdd,
			Silent: true,
			Flags:  toFlags(add),
		}, nil).Close()
		if err != nil {
			return fmt.Errorf("adding flags in %s: %w", folder, err)
		}
	}
	if len(remove) > 0 {
		err := s.client.Store(uidSet, &imap.StoreFlags{
			Op:     imap.StoreFlagsDel,
			Silent: true,
			Flags:  toFlags(remove),
		}, nil).Close()
		if err != nil {
			return fmt.Errorf("removing flags in %s: %w", folder, err)
		}
	}
	return nil
}

// MoveMessages moves messages from src to dst. Servers without MOVE
// fall back to copy, mark deleted, expunge, as an explicit stage
// sequence.
func (s *Session) MoveMessages(ctx context.Context, src, dst string, uids []uint32) error {
	if len(uids) == 0 {
		return nil
	}
	if err := s.ensureSelected(src); err != nil {
		return err
	}

	uidSet := imap.UIDSetNum(toUIDs(uids)...)
	_, err := s.client.Move(uidSet, dst).Wait()
	if err == nil {
		return nil
	}
	s.log.Debugf("MOVE %s -> %s failed, falling back to copy: %v", src, dst, err)

	stages := []struct {
		name string
		run  func() error
	}{
		{"copy", func() error {
			_, err := s.client.Copy(uidSet, dst).Wait()
			return err
		}},
		{"mark-deleted", func() error {
			return s.client.Store(uidSet, &imap.StoreFlags{
				Op:     imap.StoreFlagsAdd,
				Silent: true,
				Flags:  []imap.Flag{imap.FlagDeleted},
			}, nil).Close()
		}},
		{"expunge", func() error {
			return s.client.Expunge().Close()
		}},
	}
	for _, stage := range stages {
		if err := stage.run(); err != nil {
			return fmt.Errorf("moving %s -> %s (%s): %w", src, dst, stage.name, err)
		}
	}
	return nil
}

// CreateFolder creates a mailbox on the server.
func (s *Session) CreateFolder(ctx context.Context, name string) error {
	if err := s.client.Create(name, nil).Wait(); err != nil {
		return fmt.Errorf("creating folder %s: %w", name, err)
	}
	return nil
}

// messageFromBuffer extracts a summary from a fetched message.
func (s *Session) messageFromBuffer(folder string, buf *imapclient.FetchMessageBuffer) model.MessageInfo {
	info := model.MessageInfo{
		AccountID: s.cfg.ID,
		Folder:    folder,
		UID:       uint32(buf.UID),
	}
	if buf.Envelope != nil {
		info.MessageID = buf.Envelope.MessageID
		info.Subject = buf.Envelope.Subject
		info.Date = buf.Envelope.Date
		if len(buf.Envelope.From) > 0 {
			from := buf.Envelope.From[0]
			if from.Name != "" {
				info.From = from.Name
			} else {
				info.From = from.Addr()
			}
		}
	}
	for _, flag := range buf.Flags {
		info.Flags = append(info.Flags, string(flag))
	}
	return info
}

// summarizeBody parses a raw RFC 5322 body and returns a short
// plain-text snippet plus whether any attachment part was seen.
func summarizeBody(raw []byte) (snippet string, hasAttachment bool) {
	mr, err := mail.CreateReader(bytes.NewReader(raw))
	if err != nil {
		return clipSnippet(string(raw)), false
	}
	defer mr.Close()

	var text string
	for {
		part, err := mr.NextPart()
		if err == io.EOF {
			break
		}
		if err != nil {
			break
		}

		switch h := part.Header.(type) {
		case *mail.InlineHeader:
			contentType, _, _ := h.ContentType()
			if text == "" && strings.HasPrefix(contentType, "text/plain") {
				body, readErr := io.ReadAll(part.Body)
				if readErr != nil {
					continue
				}
				text = string(body)
			}
		case *mail.AttachmentHeader:
			hasAttachment = true
		}
	}
	return clipSnippet(text), hasAttachment
}

// clipSnippet collapses whitespace and truncates to snippetLen runes.
func clipSnippet(text string) string {
	var b strings.Builder
	space := false
	for _, r := range text {
		if unicode.IsSpace(r) {
			space = b.Len() > 0
			continue
		}
		if space {
			b.WriteByte(' ')
			space = false
		}
		b.WriteRune(r)
	}
	out := b.String()
	runes := []rune(out)
	if len(runes) > snippetLen {
		out = string(runes[:snippetLen])
	}
	return out
}

func toUIDs(uids []uint32) []imap.UID {
	out := make([]imap.UID, len(uids))
	for i, uid := range uids {
		out[i] = imap.UID(uid)
	}
	return out
}

func toFlags(flags []string) []imap.Flag {
	out := make([]imap.Flag, len(flags))
	for i, f := range flags {
		out[i] = imap.Flag(f)
	}
	return out
}
