package interactions

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/bwmarrin/discordgo"
)

// AskCommandName is the slash command that routes to the deferred ask flow.
const AskCommandName = "ask"

// QuestionOption is the required string option of the ask command.
const QuestionOption = "question"

// Event is one parsed inbound interaction. The concrete types are Ping,
// AskCommand, UnknownCommand and Unsupported.
type Event interface {
	event()
}

// Ping is the platform's endpoint health check.
type Ping struct{}

// AskCommand carries an ask invocation.
type AskCommand struct {
	InteractionID string
	AppID         string
	Token         string
	ChannelID     string
	AuthorID      string
	Author        string
	Question      string
}

// UnknownCommand is a slash command with no handler here.
type UnknownCommand struct {
	Name string
}

// Unsupported is any other interaction type.
type Unsupported struct {
	Type discordgo.InteractionType
}

func (Ping) event()           {}
func (AskCommand) event()     {}
func (UnknownCommand) event() {}
func (Unsupported) event()    {}

// Parse decodes a raw interaction body into an Event.
func Parse(body []byte) (Event, error) {
	var in discordgo.Interaction
	if err := json.Unmarshal(body, &in); err != nil {
		return nil, fmt.Errorf("decode interaction: %w", err)
	}

	switch in.Type {
	case discordgo.InteractionPing:
		return Ping{}, nil
	case discordgo.InteractionApplicationCommand:
	default:
		return Unsupported{Type: in.Type}, nil
	}

	data := in.ApplicationCommandData()
	if data.Name != AskCommandName {
		return UnknownCommand{Name: data.Name}, nil
	}
	ask := AskCommand{
		InteractionID: in.ID,
		AppID:         in.AppID,
		Token:         in.Token,
		ChannelID:     in.ChannelID,
	}
	if user := invoker(&in); user != nil {
		ask.AuthorID = user.ID
		ask.Author = displayName(&in, user)
	}
	for _, opt := range data.Options {
		if opt != nil && opt.Name == QuestionOption && opt.Type == discordgo.ApplicationCommandOptionString {
			ask.Question = strings.TrimSpace(opt.StringValue())
		}
	}
	if ask.InteractionID == "" || ask.Token == "" {
		return nil, fmt.Errorf("ask interaction is missing id or token")
	}
	return ask, nil
}

// invoker returns the user in guild (member) or DM (user) form.
func invoker(in *discordgo.Interaction) *discordgo.User {
	if in.Member != nil && in.Member.User != nil {
		return in.Member.User
	}
	return in.User
}

func displayName(in *discordgo.Interaction, user *discordgo.User) string {
	if in.Member != nil && in.Member.Nick != "" {
		return in.Member.Nick
	}
	if user.GlobalName != "" {
		return user.GlobalName
	}
	return user.Username
}
