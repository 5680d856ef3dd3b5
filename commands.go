package main

import (
	"context"
	"fmt"
	"regexp"
	"sort"
	"strings"

	"github.com/google/uuid"
	"github.com/nlopes/slack"
	"github.com/pkg/errors"
	"go.uber.org/zap"
)

type command string

const (
	helpCommand        command = "help"
	registerCommand    command = "register"
	recordCommand      command = "record"
	ratingCommand      command = "rating"
	leaderboardCommand command = "leaderboard"
	unknownCommand     command = "unknown"
)

type commands map[command]string

var cmds = commands{
	helpCommand:        "a list of available commands",
	registerCommand:    "register yourself for Elo tracking",
	recordCommand:      "record a game: record @player1 @player2 win|loss|draw",
	ratingCommand:      "view your Elo rating, or another player's: rating [@player]",
	leaderboardCommand: "view the current leaderboard",
}

func (c commands) Print() string {
	names := make([]string, 0, len(c))
	for k := range c {
		names = append(names, string(k))
	}
	sort.Strings(names)

	cmds := "Available commands\n"
	for _, k := range names {
		cmds += fmt.Sprintf("%q - %v\n", k, c[command(k)])
	}

	return cmds
}

const internalErrorText = "There was an internal server error."

var mentionRe = regexp.MustCompile(`^<@([A-Z0-9]+)(?:\|[^>]*)?>$`)

func parseMention(s string) (string, bool) {
	m := mentionRe.FindStringSubmatch(s)
	if m == nil {
		return "", false
	}
	return m[1], true
}

func mention(userID string) string {
	return fmt.Sprintf("<@%s>", userID)
}

type errNotPermitted struct {
	cmd command
}

func (e errNotPermitted) Error() string {
	return fmt.Sprintf("not permitted to use %s", e.cmd)
}

type errUsage struct {
	cmd command
}

func (e errUsage) Error() string { return fmt.Sprintf("usage: %s", cmds[e.cmd]) }

type userDirectory interface {
	GetUserInfo(user string) (*slack.User, error)
}

// chatClient is the part of *slack.RTM the bot talks to.
type chatClient interface {
	userDirectory
	PostMessage(channelID string, options ...slack.MsgOption) (string, string, error)
	PostEphemeral(channelID, userID string, options ...slack.MsgOption) (string, error)
}

type reply struct {
	public bool
	text   string
}

type bot struct {
	id    string
	store *store
	chat  chatClient
	cfg   *config
}

// checkMessage extracts a command and its arguments. A leading mention of
// the bot itself is ignored.
func (b *bot) checkMessage(text string) (command, []string) {
	fields := strings.Fields(text)
	if len(fields) > 0 {
		if id, ok := parseMention(fields[0]); ok && id == b.id {
			fields = fields[1:]
		}
	}
	if len(fields) == 0 {
		return unknownCommand, nil
	}

	cmd := command(strings.ToLower(fields[0]))
	if _, ok := cmds[cmd]; !ok {
		return unknownCommand, nil
	}

	return cmd, fields[1:]
}

func (b *bot) handleMessage(ctx context.Context, msg slack.Msg) {
	if msg.BotID != "" || msg.User == "" || msg.User == b.id || msg.SubType != "" {
		return
	}

	cmd, args := b.checkMessage(msg.Text)
	if cmd == unknownCommand {
		return
	}

	log := logger.With(
		zap.String("request_id", uuid.NewString()),
		zap.String("command", string(cmd)),
		zap.String("user", msg.User),
		zap.String("channel", msg.Channel),
	)

	ctx, cancel := context.WithTimeout(ctx, b.cfg.CommandTimeout)
	defer cancel()

	r := b.runCommand(ctx, log, cmd, args, msg)
	if err := b.send(msg, r); err != nil {
		log.Error("unable to send reply", zap.String("detail", fmt.Sprintf("%+v", err)))
	}
}

func (b *bot) runCommand(ctx context.Context, log *zap.Logger, cmd command, args []string, msg slack.Msg) reply {
	var r reply
	var err error

	if !b.cfg.canUse(msg.Channel) {
		err = errNotPermitted{cmd: cmd}
	} else {
		switch cmd {
		case registerCommand:
			r, err = b.register(ctx, msg)
		case recordCommand:
			r, err = b.record(ctx, args, msg)
		case ratingCommand:
			r, err = b.rating(ctx, args, msg)
		case leaderboardCommand:
			r, err = b.leaderboard(ctx)
		case helpCommand:
			r = reply{public: false, text: cmds.Print()}
		}
	}

	result := "ok"
	if err != nil {
		var internal bool
		r, internal = renderError(err)
		result = "rejected"
		if internal {
			result = "error"
			log.Error("command failed", zap.String("detail", fmt.Sprintf("%+v", err)))
		} else {
			log.Debug("command rejected", zap.Error(err))
		}
	}
	commandsHandled.WithLabelValues(string(cmd), result).Inc()

	return r
}

// renderError turns a typed error into the user facing reply. Anything not
// recognized is reported as internal and its detail stays out of the reply.
func renderError(err error) (reply, bool) {
	switch e := errors.Cause(err).(type) {
	case errAlreadyRegistered:
		return reply{text: fmt.Sprintf("Player %s is already registered!", mention(e.externalID))}, false
	case errNotRegistered:
		names := make([]string, len(e.externalIDs))
		for i, id := range e.externalIDs {
			names[i] = mention(id)
		}
		verb := "isn't"
		if len(names) > 1 {
			verb = "aren't"
		}
		return reply{text: fmt.Sprintf("%s %s registered.", strings.Join(names, " and "), verb)}, false
	case errSameParticipant:
		return reply{text: "A game needs two different players."}, false
	case errInvalidInput:
		return reply{text: fmt.Sprintf("Invalid input: %s.", e.reason)}, false
	case errNotPermitted:
		return reply{text: "You do not have the required permissions to use this command."}, false
	case errUsage:
		return reply{text: "Usage: " + cmds[e.cmd]}, false
	}

	return reply{text: internalErrorText}, true
}

func displayName(u *slack.User) string {
	if u.Profile.DisplayName != "" {
		return u.Profile.DisplayName
	}
	if u.RealName != "" {
		return u.RealName
	}
	return u.Name
}

func (b *bot) register(ctx context.Context, msg slack.Msg) (reply, error) {
	u, err := b.chat.GetUserInfo(msg.User)
	if err != nil {
		return reply{}, errors.Wrap(err, "unable to get user info")
	}

	p, err := b.store.register(ctx, msg.User, displayName(u))
	if err != nil {
		return reply{}, err
	}

	return reply{public: true, text: registeredText(p)}, nil
}

func (b *bot) record(ctx context.Context, args []string, msg slack.Msg) (reply, error) {
	if !b.cfg.canRecord(msg.User, msg.Channel) {
		return reply{}, errNotPermitted{cmd: recordCommand}
	}

	if len(args) != 3 {
		return reply{}, errUsage{cmd: recordCommand}
	}
	id1, ok1 := parseMention(args[0])
	id2, ok2 := parseMention(args[1])
	if !ok1 || !ok2 {
		return reply{}, errUsage{cmd: recordCommand}
	}
	o, err := parseOutcome(args[2])
	if err != nil {
		return reply{}, err
	}

	p1, p2, err := b.store.record(ctx, id1, id2, o)
	if err != nil {
		return reply{}, err
	}

	return reply{public: true, text: recordedText(p1, p2)}, nil
}

func (b *bot) rating(ctx context.Context, args []string, msg slack.Msg) (reply, error) {
	userID := msg.User
	if len(args) > 0 {
		id, ok := parseMention(args[0])
		if !ok {
			return reply{}, errUsage{cmd: ratingCommand}
		}
		userID = id
	}

	p, err := b.store.rating(ctx, userID)
	if err != nil {
		return reply{}, err
	}

	return reply{public: true, text: ratingText(p)}, nil
}

func (b *bot) leaderboard(ctx context.Context) (reply, error) {
	l, err := b.store.leaderboard(ctx, b.cfg.LeaderboardSize)
	if err != nil {
		return reply{}, err
	}

	if len(l) == 0 {
		return reply{public: false, text: leaderboardText(l)}, nil
	}

	return reply{public: true, text: leaderboardText(l)}, nil
}

func registeredText(p *player) string {
	return fmt.Sprintf("Player %s is now registered!", p.DisplayName)
}

func recordedText(p1, p2 *player) string {
	return fmt.Sprintf("Game recorded! New ratings: %s (%d), %s (%d)", p1.DisplayName, p1.Rating, p2.DisplayName, p2.Rating)
}

func ratingText(p *player) string {
	return fmt.Sprintf("Player %s has rating %d!", p.DisplayName, p.Rating)
}

func leaderboardText(l []player) string {
	if len(l) == 0 {
		return "No players registered yet."
	}

	lines := make([]string, len(l))
	for i, p := range l {
		lines[i] = fmt.Sprintf("%d. %s: %d", i+1, p.DisplayName, p.Rating)
	}

	return strings.Join(lines, "\n")
}

func (b *bot) send(msg slack.Msg, r reply) error {
	if r.public {
		return sendMessage(b.chat, msg.Channel, r.text)
	}
	return sendEphemeral(b.chat, msg.Channel, msg.User, r.text)
}

func sendMessage(chat chatClient, channel, text string) error {
	var err error
	for i := 0; i < 5; i++ {
		_, _, err = chat.PostMessage(channel, slack.MsgOptionText(text, false), slack.MsgOptionAsUser(true))
		if err == nil {
			break
		}
	}

	return errors.Wrap(err, "unable to send message")
}

func sendEphemeral(chat chatClient, channel, user, text string) error {
	var err error
	for i := 0; i < 5; i++ {
		_, err = chat.PostEphemeral(channel, user, slack.MsgOptionText(text, false), slack.MsgOptionAsUser(true))
		if err == nil {
			break
		}
	}

	return errors.Wrap(err, "unable to send ephemeral message")
}
