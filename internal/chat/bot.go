package chat

import (
	"context"
	"fmt"
	"io"
	"log"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/bwmarrin/discordgo"
	"golang.org/x/time/rate"

	"github.com/Qillen1974/pocketclaude/internal/protocol"
)

const (
	// messageChars caps one chat message; longer flushes get chunked.
	messageChars = 4096
	// maxAttachmentBytes caps what the bot will pull from Discord's CDN.
	maxAttachmentBytes = 8 << 20

	commandTimeout = 15 * time.Second
)

const helpText = "**PocketClaude Commands:**\n\n" +
	"• `/projects` - List configured projects\n" +
	"• `/sessions` - List live sessions\n" +
	"• `/start <project>` - Start a session (no argument for a quick session)\n" +
	"• `/stop` - Close the active session\n" +
	"• `/history <project>` - Recent session summaries\n" +
	"• `/help` - Show this message\n\n" +
	"Anything else you type goes straight to the active session. " +
	"Attachments are uploaded into its working directory."

// relayAPI is the slice of the client surface the bot drives; tests
// substitute a fake.
type relayAPI interface {
	AgentConnected() bool
	ListProjects(ctx context.Context) ([]protocol.Project, error)
	ListSessions(ctx context.Context) ([]protocol.SessionInfo, error)
	StartSession(ctx context.Context, projectID string) (protocol.SessionStartedData, error)
	CloseSession(ctx context.Context, sessionID string) error
	SendInput(ctx context.Context, sessionID, input string) error
	SessionHistory(ctx context.Context, projectID string) ([]protocol.SessionSummary, error)
	UploadFile(ctx context.Context, sessionID, name string, content []byte, mimeType string) (protocol.FileUploadedData, error)
}

// fetchAttachment is swapped out by tests that don't want real HTTP.
var fetchAttachment = func(ctx context.Context, url string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("fetch %s: %s", url, resp.Status)
	}
	return io.ReadAll(io.LimitReader(resp.Body, maxAttachmentBytes))
}

// Bot is a DM-only Discord front end for a single configured user.
// Plain text routes to the active session, slash commands drive the
// agent, and session output streams back as fenced chunks.
type Bot struct {
	discord *discordgo.Session
	userID  string
	relay   relayAPI
	journal *Journal // optional
	limiter *rate.Limiter
	buffer  *Buffer

	send func(content string) error // DM in production, captured in tests

	mu     sync.Mutex
	active string // session receiving plain-text DMs
}

func NewBot(token, userID string, relay relayAPI, journal *Journal) (*Bot, error) {
	session, err := discordgo.New("Bot " + token)
	if err != nil {
		return nil, fmt.Errorf("create discord session: %w", err)
	}
	b := &Bot{
		discord: session,
		userID:  userID,
		relay:   relay,
		journal: journal,
		limiter: rate.NewLimiter(rate.Every(time.Second), 4),
	}
	b.send = b.sendDM
	b.buffer = NewBuffer(b.emitOutput)
	session.AddHandler(b.messageHandler)
	return b, nil
}

// Run opens the Discord gateway and serves until ctx ends. The relay
// link itself is driven by the caller.
func (b *Bot) Run(ctx context.Context) error {
	if err := b.discord.Open(); err != nil {
		return fmt.Errorf("open discord session: %w", err)
	}
	log.Printf("discord bot connected")
	b.send("👋 PocketClaude is online. `/help` for commands.")

	<-ctx.Done()
	b.buffer.FlushAll()
	return b.discord.Close()
}

// HandleOutput feeds one session output chunk into the flush pipeline.
// Wire it to the client's OnOutput.
func (b *Bot) HandleOutput(sessionID, data string) {
	b.buffer.Add(sessionID, data)
}

// HandleSessionClosed drops pending output and announces the close if
// it was the session DMs were routing to.
func (b *Bot) HandleSessionClosed(sessionID string) {
	b.buffer.Drop(sessionID)
	b.mu.Lock()
	wasActive := b.active == sessionID
	if wasActive {
		b.active = ""
	}
	b.mu.Unlock()
	if wasActive {
		b.send(fmt.Sprintf("🛑 Session `%s` closed.", shortID(sessionID)))
	}
}

// HandleAgent announces agent presence flips.
func (b *Bot) HandleAgent(connected bool) {
	if connected {
		b.send("✅ Agent connected.")
	} else {
		b.send("⚠️ Agent disconnected. Sessions keep running; commands will fail until it returns.")
	}
}

func (b *Bot) activeSession() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.active
}

func (b *Bot) setActive(id string) {
	b.mu.Lock()
	b.active = id
	b.mu.Unlock()
}

// emitOutput is the buffer's sink: scrub, chunk, pace, send.
func (b *Bot) emitOutput(sessionID, data string) {
	text := strings.TrimSpace(Scrub(data))
	if text == "" {
		return
	}
	for _, chunk := range Chunk(text, messageChars) {
		if err := b.limiter.Wait(context.Background()); err != nil {
			return
		}
		if err := b.send("```\n" + chunk + "\n```"); err != nil {
			log.Printf("discord send: %v", err)
			return
		}
		if b.journal != nil {
			if err := b.journal.Log(DirOut, sessionID, chunk); err != nil {
				log.Printf("journal output: %v", err)
			}
		}
	}
}

func (b *Bot) messageHandler(s *discordgo.Session, m *discordgo.MessageCreate) {
	if m.Author.ID == s.State.User.ID {
		return
	}
	if m.Author.ID != b.userID {
		return
	}
	channel, err := s.Channel(m.ChannelID)
	if err != nil || channel.Type != discordgo.ChannelTypeDM {
		return
	}

	if b.journal != nil {
		if err := b.journal.Log(DirIn, b.activeSession(), m.Content); err != nil {
			log.Printf("journal message: %v", err)
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), commandTimeout)
	defer cancel()

	for _, att := range m.Attachments {
		b.handleAttachment(ctx, att)
	}

	content := strings.TrimSpace(m.Content)
	if content == "" {
		return
	}
	if strings.HasPrefix(content, "/") {
		b.handleCommand(ctx, content)
		return
	}
	b.routeInput(ctx, content)
}

func (b *Bot) routeInput(ctx context.Context, content string) {
	id := b.activeSession()
	if id == "" {
		b.send("No active session. `/start <project>` opens one, `/start` for a quick session.")
		return
	}
	if err := b.relay.SendInput(ctx, id, content); err != nil {
		b.send("❌ " + err.Error())
	}
}

func (b *Bot) handleCommand(ctx context.Context, content string) {
	fields := strings.Fields(content)
	cmd, args := fields[0], fields[1:]

	switch cmd {
	case "/help":
		b.send(helpText)
	case "/projects":
		b.cmdProjects(ctx)
	case "/sessions":
		b.cmdSessions(ctx)
	case "/start":
		b.cmdStart(ctx, args)
	case "/stop":
		b.cmdStop(ctx)
	case "/history":
		b.cmdHistory(ctx, args)
	default:
		b.send("Unknown command. Try `/help`.")
	}
}

func (b *Bot) cmdProjects(ctx context.Context) {
	projects, err := b.relay.ListProjects(ctx)
	if err != nil {
		b.send("❌ " + err.Error())
		return
	}
	if len(projects) == 0 {
		b.send("No projects configured. `/start` still opens a quick session.")
		return
	}
	var sb strings.Builder
	sb.WriteString("**Projects:**\n")
	for _, p := range projects {
		fmt.Fprintf(&sb, "• `%s` %s\n", p.ID, p.Name)
	}
	b.send(sb.String())
}

func (b *Bot) cmdSessions(ctx context.Context) {
	sessions, err := b.relay.ListSessions(ctx)
	stale := false
	if err != nil {
		// The agent may be away; fall back to the journal snapshot.
		if b.journal == nil {
			b.send("❌ " + err.Error())
			return
		}
		sessions, err = b.journal.Sessions()
		if err != nil {
			b.send("❌ " + err.Error())
			return
		}
		stale = true
	} else if b.journal != nil {
		if err := b.journal.SaveSessions(sessions); err != nil {
			log.Printf("snapshot sessions: %v", err)
		}
	}

	if len(sessions) == 0 {
		b.send("No live sessions.")
		return
	}
	var sb strings.Builder
	if stale {
		sb.WriteString("⚠️ Agent unreachable; last known sessions:\n")
	}
	active := b.activeSession()
	for _, s := range sessions {
		marker := "• "
		if s.SessionID == active {
			marker = "▶ "
		}
		fmt.Fprintf(&sb, "%s`%s` %s (%s)\n", marker, shortID(s.SessionID), s.ProjectID, s.Status)
	}
	b.send(sb.String())
}

func (b *Bot) cmdStart(ctx context.Context, args []string) {
	projectID := ""
	if len(args) > 0 {
		projectID = args[0]
	}
	started, err := b.relay.StartSession(ctx, projectID)
	if err != nil {
		b.send("❌ " + err.Error())
		return
	}
	b.setActive(started.SessionID)

	msg := fmt.Sprintf("🚀 Session `%s` started for **%s**.", shortID(started.SessionID), started.ProjectID)
	if started.HasPreviousContext {
		msg += " Previous context was carried over."
	}
	b.send(msg)
}

func (b *Bot) cmdStop(ctx context.Context) {
	id := b.activeSession()
	if id == "" {
		b.send("No active session.")
		return
	}
	if err := b.relay.CloseSession(ctx, id); err != nil {
		b.send("❌ " + err.Error())
		return
	}
	// HandleSessionClosed clears the route when the broadcast lands;
	// clearing here too keeps the bot usable if it never does.
	b.setActive("")
}

func (b *Bot) cmdHistory(ctx context.Context, args []string) {
	if len(args) == 0 {
		b.send("Usage: `/history <project>`")
		return
	}
	sums, err := b.relay.SessionHistory(ctx, args[0])
	if err != nil {
		b.send("❌ " + err.Error())
		return
	}
	if len(sums) == 0 {
		b.send("No history for `" + args[0] + "`.")
		return
	}
	var sb strings.Builder
	fmt.Fprintf(&sb, "**History for `%s`:**\n", args[0])
	for _, s := range sums {
		line := firstLine(s.Preview)
		if line == "" {
			line = "(no output)"
		}
		fmt.Fprintf(&sb, "• %s: %s\n", time.UnixMilli(s.StartedAt).Format("Jan 2 15:04"), line)
	}
	b.send(sb.String())
}

func (b *Bot) handleAttachment(ctx context.Context, att *discordgo.MessageAttachment) {
	id := b.activeSession()
	if id == "" {
		b.send("No active session to receive `" + att.Filename + "`.")
		return
	}
	data, err := fetchAttachment(ctx, att.URL)
	if err != nil {
		b.send("❌ fetch `" + att.Filename + "`: " + err.Error())
		return
	}
	up, err := b.relay.UploadFile(ctx, id, att.Filename, data, att.ContentType)
	if err != nil {
		b.send("❌ upload `" + att.Filename + "`: " + err.Error())
		return
	}
	b.send(fmt.Sprintf("📎 Uploaded `%s` (%d bytes).", up.FileName, up.Size))
}

// sendDM delivers content to the configured user's DM channel.
func (b *Bot) sendDM(content string) error {
	channel, err := b.discord.UserChannelCreate(b.userID)
	if err != nil {
		return fmt.Errorf("create DM channel: %w", err)
	}
	_, err = b.discord.ChannelMessageSend(channel.ID, content)
	return err
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

func firstLine(s string) string {
	s = strings.TrimSpace(Scrub(s))
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		s = s[:i]
	}
	if len(s) > 80 {
		s = s[:80]
	}
	return s
}
