package prompt

import (
	"log/slog"
	"strings"
)

// MetaSummaryTitle is the Meta key naming the heading of the summary block
// appended by [Prompt.FormatForLLM].
const MetaSummaryTitle = "summaryTitle"

// DefaultSummaryTitle is used when the template's Meta section does not
// configure one.
const DefaultSummaryTitle = "Conversation summary"

// CallSite is one variable placeholder inside a prompt section: the function
// to invoke and the half-open byte range [Start, End) it occupies in the
// section body. Sites are stored ascending and never overlap.
type CallSite struct {
	Function string
	Start    int
	End      int
}

// Prompt is a parsed template: metadata, parse-time constants, render-time
// variable definitions, the prompt sections with constants already
// substituted, and the recorded variable call sites.
type Prompt struct {
	// Metadata holds the Meta section's key/value pairs.
	Metadata map[string]string

	// Constants were substituted into Sections at parse time; kept for
	// introspection and serialization round-trips.
	Constants map[string]string

	// VariableDefs maps placeholder names to registered function names.
	VariableDefs map[string]string

	// Sections maps section titles to bodies. Variable placeholders are
	// still literal; [Prompt.ApplyVariables] resolves them.
	Sections map[string]string

	// CallSites maps section titles to their variable placeholders.
	CallSites map[string][]CallSite
}

// ApplyVariables renders every section: each call site is replaced by the
// result of invoking its function from registry. Sites are walked in reverse
// so earlier indices stay valid, and function results are memoized per
// render, so rendering is idempotent for identical variable results.
//
// A function missing from the registry (registered at parse time, torn down
// since) leaves its placeholder as text with a warning.
func (p *Prompt) ApplyVariables(registry *VariableRegistry) map[string]string {
	log := slog.With("component", "prompt.render")
	memo := make(map[string]string)
	out := make(map[string]string, len(p.Sections))

	for title, body := range p.Sections {
		sites := p.CallSites[title]
		for i := len(sites) - 1; i >= 0; i-- {
			site := sites[i]
			value, ok := memo[site.Function]
			if !ok {
				fn, exists := registry.Lookup(site.Function)
				if !exists {
					log.Warn("variable function vanished since parse", "section", title, "function", site.Function)
					continue
				}
				value = fn()
				memo[site.Function] = value
			}
			body = body[:site.Start] + value + body[site.End:]
		}
		out[title] = body
	}
	return out
}

// FormatForLLM concatenates the requested sections of a render in the given
// order, separated by blank lines. With includeTitle each section is
// prefixed by `**title:**` on its own line. Missing titles log a warning and
// are skipped. A non-empty summary is appended as a final block headed by
// the Meta-configured summary title.
func (p *Prompt) FormatForLLM(rendered map[string]string, titles []string, includeTitle bool, summary string) string {
	log := slog.With("component", "prompt.format")
	var blocks []string

	for _, title := range titles {
		body, ok := rendered[title]
		if !ok {
			log.Warn("requested section missing", "title", title)
			continue
		}
		if includeTitle {
			body = "**" + title + ":**\n" + body
		}
		blocks = append(blocks, body)
	}

	if summary != "" {
		heading := p.Metadata[MetaSummaryTitle]
		if heading == "" {
			heading = DefaultSummaryTitle
		}
		blocks = append(blocks, "**"+heading+":**\n"+summary)
	}

	return strings.Join(blocks, "\n\n")
}
