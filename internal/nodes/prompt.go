package nodes

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/kotoha-ai/kotoha/internal/graph"
	"github.com/kotoha-ai/kotoha/pkg/memory"
)

// DefaultPersona is used when no persona is configured.
const DefaultPersona = "You are Kotoha, a warm and attentive voice companion. " +
	"You speak casually and concisely, the way a close friend would, and you " +
	"keep replies short enough to be spoken aloud comfortably."

// promptContext carries everything the system-prompt builder needs for one
// decision call.
type promptContext struct {
	Persona         string
	Reminder        bool
	PreviousTimeout int
	InputText       string
	FileInfo        string
	Tools           map[string]graph.NodeInfo
	Now             time.Time
	MemorySnapshot  string
	Recent          []memory.Conversation
}

// buildSystemPrompts assembles the system turns for the decision call. The
// order is fixed: persona, task, situational context, long-term memory,
// recent conversations, output format. Empty sections are skipped.
func buildSystemPrompts(pc promptContext) []string {
	persona := pc.Persona
	if persona == "" {
		persona = DefaultPersona
	}

	prompts := []string{
		persona,
		taskPrompt(pc),
		situationalContext(pc.Now),
		memoryPrompt(pc.MemorySnapshot),
	}
	if recent := recentConversationsPrompt(pc.Recent); recent != "" {
		prompts = append(prompts, recent)
	}
	prompts = append(prompts, outputFormatPrompt())
	return prompts
}

// taskPrompt is the mode-dependent instruction block: the four-step job
// description for a normal turn, or the spontaneous-utterance instruction
// for an inactivity reminder.
func taskPrompt(pc promptContext) string {
	if pc.Reminder {
		return fmt.Sprintf(`%d seconds have passed since your last reply and the user has not responded. Speak up on your own initiative.

Guidelines for the utterance:
- Keep it natural and friendly, without pressuring the user.
- Say something different from your previous message.
- Pick up a topic from the conversation history when it fits.
- The response field must not be empty.

Put the utterance in the "response" field of the JSON object described below.`, pc.PreviousTimeout)
	}

	var b strings.Builder
	b.WriteString(`You process the user's turn in four steps and answer with one JSON object:

1. Input processing: describe any attached files objectively and distill the essential understanding of text plus files.
2. Planning: decide whether a tool is needed. Use a tool only for external data you do not have; if a previous tool message already carries the answer, reply directly from it. Never call the same tool twice in a row, and never name a tool that is not in the available list below.
3. Response: when no tool is needed, write the reply in your own voice, consistent with the conversation so far.
4. Inactivity timeout: set "inactivity_timeout" to the number of seconds after which you may speak up again if the user stays silent. Use longer values (180-240) after complex questions, shorter ones (60-120) for quick exchanges, and -1 when no follow-up is appropriate (for example after a good-night). If the user has already ignored two reminders in a row, set -1.

Keep the conversation continuous: earlier messages, photos, and tool results in this transcript remain valid context, and pronouns like "this" or "that" usually point at them. If the user input is empty, treat it as the user not having answered yet and carry the conversation forward yourself.`)

	fmt.Fprintf(&b, "\n\n## Latest user input\n%s\n", pc.InputText)
	if pc.FileInfo != "" {
		fmt.Fprintf(&b, "\n## Attached files\n%s\n", pc.FileInfo)
	}

	b.WriteString("\n## Available tools\n")
	if len(pc.Tools) == 0 {
		b.WriteString("none\n")
	} else {
		names := make([]string, 0, len(pc.Tools))
		for name := range pc.Tools {
			names = append(names, name)
		}
		sort.Strings(names)
		for _, name := range names {
			info := pc.Tools[name]
			desc := info.Description
			if desc == "" {
				desc = "no description"
			}
			fmt.Fprintf(&b, "- %s: %s", name, desc)
			if len(info.Capabilities) > 0 {
				fmt.Fprintf(&b, " (%s)", strings.Join(info.Capabilities, ", "))
			}
			b.WriteString("\n")
		}
	}
	return b.String()
}

// situationalContext renders the current local time with coarse season and
// time-of-day buckets, plus guidance on when to use them.
func situationalContext(now time.Time) string {
	return fmt.Sprintf(`The time information below marks when this utterance happens within the ongoing conversation. Refer to it when a time- or season-aware reply feels natural; otherwise ignore it.
Local time: %s (%s)
Season: %s
Time of day: %s
Greetings, seasonal topics, and weekday awareness (weekday busyness, weekend ease) may be woven in naturally. Late at night, consider that the user may have been up since the previous day and show some care; early in the morning, acknowledge the early start.`,
		now.Format("2006-01-02 15:04"),
		now.Weekday(),
		seasonBucket(now.Month()),
		timeOfDayBucket(now.Hour()),
	)
}

// seasonBucket maps a month to its northern-hemisphere season.
func seasonBucket(m time.Month) string {
	switch {
	case m >= time.March && m <= time.May:
		return "spring"
	case m >= time.June && m <= time.August:
		return "summer"
	case m >= time.September && m <= time.November:
		return "autumn"
	default:
		return "winter"
	}
}

// timeOfDayBucket maps an hour (0-23) to a coarse time-of-day label.
func timeOfDayBucket(h int) string {
	switch {
	case h >= 5 && h <= 7:
		return "early-morning"
	case h >= 8 && h <= 10:
		return "morning"
	case h >= 11 && h <= 16:
		return "midday"
	case h >= 17 && h <= 20:
		return "evening"
	case h >= 21 && h <= 23:
		return "night"
	default:
		return "late-night"
	}
}

// memoryPrompt wraps the long-term memory snapshot. An empty snapshot turns
// into a first-conversation instruction instead of an empty section.
func memoryPrompt(snapshot string) string {
	if snapshot == "" {
		return "No long-term memory was found. This is your first conversation with the user; open with an introduction and a greeting."
	}
	return "The following is a record of your past conversations with the user, distilled into long-term memory. Speak on the assumption that these conversations actually happened.\n\n" + snapshot
}

// recentConversationsPrompt renders the most recent completed conversations,
// oldest first. Returns "" when there are none.
func recentConversationsPrompt(recent []memory.Conversation) string {
	if len(recent) == 0 {
		return ""
	}
	var b strings.Builder
	b.WriteString("## Recent conversations\nThese are the conversations you and the user had before this one started. Take them into account when replying.\n")
	for i, c := range recent {
		fmt.Fprintf(&b, "\n### Conversation %d\n", i+1)
		if !c.Meta.StartTime.IsZero() {
			fmt.Fprintf(&b, "- started: %s\n", c.Meta.StartTime.Format(time.RFC3339))
		}
		if !c.Meta.EndTime.IsZero() {
			fmt.Fprintf(&b, "- ended: %s\n", c.Meta.EndTime.Format(time.RFC3339))
		}
		if c.Meta.Participant != "" {
			fmt.Fprintf(&b, "- participant: %s\n", c.Meta.Participant)
		}
		fmt.Fprintf(&b, "- content:\n%s\n", c.Text)
	}
	return b.String()
}

// outputFormatPrompt pins the completion to the decision JSON schema.
func outputFormatPrompt() string {
	return "# Output format\n" +
		"Always answer with exactly one JSON object wrapped in a markdown code block (```json), in this shape:\n" +
		"```json\n" +
		`{
    "input_processing": {
        "file_content_description": "detailed description of any attached files, or \"no files\"",
        "combined_understanding": "the essential understanding of text plus files"
    },
    "planning": {
        "requires_tool": false,
        "tool_name": null,
        "reasoning": "why you decided this"
    },
    "response": "the reply spoken to the user",
    "inactivity_timeout": 60
}` + "\n```\n" +
		`Constraints:
1. Output the JSON object only, with no prose before or after the code block.
2. A direct reply also goes through this object, in the "response" field.
3. Include every field shown above and no others.
4. "tool_name" is a string only when "requires_tool" is true, otherwise null.
5. "inactivity_timeout" is a positive number of seconds, or -1 when no follow-up is wanted.
Plain text instead of JSON is never acceptable, regardless of the situation.`
}
